package ledger

import "errors"

// ErrNilDocument is returned when Save is called without a document.
var ErrNilDocument = errors.New("ledger document is nil")
