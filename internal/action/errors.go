package action

import "errors"

// ErrMissingType is returned when an encoded action has no "type" field.
var ErrMissingType = errors.New("action payload has no type")
