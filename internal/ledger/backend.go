package ledger

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/andywolf/ctxkeeper/internal/action"
	"github.com/andywolf/ctxkeeper/internal/logging"
)

// Backend reads and writes the whole Document. Implementations never fail
// on unreadable content: a corrupt document is replaced by an empty one.
// Only storage-medium failures are returned as errors.
type Backend interface {
	Load(ctx context.Context) (*Document, error)
	Save(ctx context.Context, doc *Document) error
}

// decode parses raw into a Document. Only content that is not JSON at all
// resets the document; otherwise each field, and each element of the
// lists, is decoded on its own so one unreadable record costs only itself.
func decode(raw []byte, source string, logger logging.Logger) *Document {
	if len(raw) == 0 {
		return NewDocument()
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		// Invalid JSON, start fresh
		logger.Warningf("ledger %s is unreadable, starting from an empty document: %v", source, err)
		return NewDocument()
	}

	d := &fieldDecoder{fields: fields, source: source, logger: logger}
	doc := &Document{
		Events:         decodeList[Event](d, "events"),
		Summary:        decodeField[Summary](d, "summary"),
		Improvements:   decodeList[ImprovementRecord](d, "improvements"),
		PendingActions: decodePending(d),
		Protections:    decodeList[Protection](d, "protections"),
		SchemaCache:    decodeField[*SchemaCache](d, "schema_cache"),
	}
	doc.Normalize()
	return doc
}

type fieldDecoder struct {
	fields map[string]json.RawMessage
	source string
	logger logging.Logger
}

func (d *fieldDecoder) raw(key string) (json.RawMessage, bool) {
	raw, ok := d.fields[key]
	if !ok || string(raw) == "null" {
		return nil, false
	}
	return raw, true
}

func decodeField[T any](d *fieldDecoder, key string) T {
	var v T
	raw, ok := d.raw(key)
	if !ok {
		return v
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		d.logger.Warningf("ledger %s: dropping unreadable %s: %v", d.source, key, err)
		var zero T
		return zero
	}
	return v
}

// elements splits a list field into its raw elements.
func (d *fieldDecoder) elements(key string) []json.RawMessage {
	raw, ok := d.raw(key)
	if !ok {
		return nil
	}
	var elems []json.RawMessage
	if err := json.Unmarshal(raw, &elems); err != nil {
		d.logger.Warningf("ledger %s: dropping unreadable %s: %v", d.source, key, err)
		return nil
	}
	return elems
}

func decodeList[T any](d *fieldDecoder, key string) []T {
	elems := d.elements(key)
	out := make([]T, 0, len(elems))
	for i, elem := range elems {
		var v T
		if err := json.Unmarshal(elem, &v); err != nil {
			d.logger.Warningf("ledger %s: dropping unreadable %s[%d]: %v", d.source, key, i, err)
			continue
		}
		out = append(out, v)
	}
	return out
}

// pendingShell reads a PendingAction with its payload left undecoded.
type pendingShell struct {
	PendingAction
	Action json.RawMessage `json:"action"`
}

// decodePending keeps a pending action whose payload does not decode,
// storing the payload verbatim as action.Unknown so it survives the next
// Save and still shows up for review.
func decodePending(d *fieldDecoder) []PendingAction {
	elems := d.elements("pending_actions")
	out := make([]PendingAction, 0, len(elems))
	for i, elem := range elems {
		var pa PendingAction
		err := json.Unmarshal(elem, &pa)
		if err == nil {
			out = append(out, pa)
			continue
		}

		var shell pendingShell
		if shellErr := json.Unmarshal(elem, &shell); shellErr != nil {
			d.logger.Warningf("ledger %s: dropping unreadable pending_actions[%d]: %v", d.source, i, shellErr)
			continue
		}
		d.logger.Warningf("ledger %s: pending action %s has an unreadable payload, keeping it raw: %v", d.source, shell.ID, err)
		pa = shell.PendingAction
		pa.Action = action.Wrap(action.Unknown{Type: payloadType(shell.Action), Raw: append([]byte(nil), shell.Action...)})
		out = append(out, pa)
	}
	return out
}

// payloadType returns the "type" of a raw payload, or "" when it has none.
func payloadType(raw json.RawMessage) action.Kind {
	var head struct {
		Type action.Kind `json:"type"`
	}
	_ = json.Unmarshal(raw, &head)
	return head.Type
}

func encode(doc *Document) ([]byte, error) {
	if doc == nil {
		return nil, ErrNilDocument
	}
	doc.Normalize()
	return json.MarshalIndent(doc, "", "  ")
}

// MemoryBackend keeps the encoded document in memory. Documents are copied
// through JSON on every Load and Save so callers never share state.
type MemoryBackend struct {
	mu    sync.Mutex
	raw   []byte
	saves int
}

// NewMemoryBackend returns an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{}
}

// Load implements Backend.
func (m *MemoryBackend) Load(_ context.Context) (*Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return decode(m.raw, "memory", logging.Nop()), nil
}

// Save implements Backend.
func (m *MemoryBackend) Save(_ context.Context, doc *Document) error {
	raw, err := encode(doc)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.raw = raw
	m.saves++
	return nil
}

// Saves returns how many times Save succeeded.
func (m *MemoryBackend) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}

// SetRaw replaces the stored bytes verbatim.
func (m *MemoryBackend) SetRaw(raw []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.raw = append([]byte(nil), raw...)
}
