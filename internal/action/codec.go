package action

import (
	"encoding/json"
	"fmt"
)

// Marshal encodes an action as a JSON object with a "type" discriminator
// alongside the kind's own fields.
func Marshal(a Action) ([]byte, error) {
	a = Value(a)
	if a == nil {
		return []byte("null"), nil
	}
	if u, ok := a.(Unknown); ok {
		if len(u.Raw) > 0 {
			return u.Raw, nil
		}
		return json.Marshal(map[string]Kind{"type": u.Type})
	}

	body, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("marshal %s action: %w", a.Kind(), err)
	}
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("flatten %s action: %w", a.Kind(), err)
	}
	kind, err := json.Marshal(a.Kind())
	if err != nil {
		return nil, err
	}
	fields["type"] = kind
	return json.Marshal(fields)
}

// Unmarshal decodes a JSON object produced by Marshal (or by an external
// proposer using the same shape). Unrecognised kinds decode to Unknown.
func Unmarshal(data []byte) (Action, error) {
	var head struct {
		Type Kind `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("decode action type: %w", err)
	}
	if head.Type == "" {
		return nil, ErrMissingType
	}

	switch head.Type {
	case KindAutoTag:
		return decode[AutoTag](data)
	case KindCreateGapStubs:
		return decode[CreateGapStubs](data)
	case KindSuggestSchema:
		return decode[SuggestSchema](data)
	case KindPromoteToType:
		return decode[PromoteToType](data)
	case KindMergeDuplicates:
		return decode[MergeDuplicates](data)
	case KindArchiveStale:
		return decode[ArchiveStale](data)
	case KindResolveContradictions:
		return decode[ResolveContradictions](data)
	}

	raw := make([]byte, len(data))
	copy(raw, data)
	return Unknown{Type: head.Type, Raw: raw}, nil
}

func decode[T Action](data []byte) (Action, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("decode %s action: %w", v.Kind(), err)
	}
	return v, nil
}

// Envelope lets an Action be embedded in JSON documents.
type Envelope struct {
	Action
}

// Wrap returns an Envelope holding a.
func Wrap(a Action) Envelope { return Envelope{Action: Value(a)} }

// MarshalJSON implements json.Marshaler.
func (e Envelope) MarshalJSON() ([]byte, error) {
	return Marshal(e.Action)
}

// UnmarshalJSON implements json.Unmarshaler.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		e.Action = nil
		return nil
	}
	a, err := Unmarshal(data)
	if err != nil {
		return err
	}
	e.Action = a
	return nil
}

// KindOf returns the kind of the wrapped action, or "" when empty.
func (e Envelope) KindOf() Kind {
	if e.Action == nil {
		return ""
	}
	return e.Action.Kind()
}
