package protocol

import "encoding/json"

// Kind discriminates the inbound message variants.
type Kind string

const (
	KindInit  Kind = "init"
	KindOp    Kind = "op"
	KindError Kind = "error"
)

func (k Kind) Valid() bool {
	switch k {
	case KindInit, KindOp, KindError:
		return true
	default:
		return false
	}
}

// Operation is a single key write. Value is opaque JSON and is carried
// through decode and encode untouched.
type Operation struct {
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	Timestamp int64           `json:"timestamp"`
}

// Message is one decoded inbound frame. Exactly one of Data, Payload or Text
// is meaningful for a given Type; the others stay at their zero value.
type Message struct {
	Type    Kind                       `json:"type"`
	Data    map[string]json.RawMessage `json:"data,omitempty"`
	Payload *Operation                 `json:"payload,omitempty"`
	Text    string                     `json:"message,omitempty"`
}
