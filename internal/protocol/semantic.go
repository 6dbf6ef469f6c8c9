package protocol

import (
	"encoding/json"
	"fmt"
)

// rawOperation mirrors Operation with raw fields for presence checks.
type rawOperation struct {
	Key       json.RawMessage `json:"key"`
	Value     json.RawMessage `json:"value"`
	Timestamp json.RawMessage `json:"timestamp"`
}

// validateVariant checks the payload shape selected by kind and builds the
// typed message. Missing payloads are not errors: an op without a payload or
// an init without data decodes to a message the cache treats as a no-op.
func validateVariant(kind Kind, env envelope) (Message, error) {
	msg := Message{Type: kind}
	switch kind {
	case KindInit:
		if isAbsent(env.Data) {
			return msg, nil
		}
		var data map[string]json.RawMessage
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return Message{}, newDecodeError(ErrInvalidPayload, "init data is not an object")
		}
		msg.Data = data
	case KindOp:
		if isAbsent(env.Payload) {
			return msg, nil
		}
		op, err := parseOperation(env.Payload)
		if err != nil {
			return Message{}, err
		}
		msg.Payload = &op
	case KindError:
		text, err := errorText(env)
		if err != nil {
			return Message{}, err
		}
		msg.Text = text
	}
	return msg, nil
}

func parseOperation(raw json.RawMessage) (Operation, error) {
	var r rawOperation
	if err := json.Unmarshal(raw, &r); err != nil {
		return Operation{}, newDecodeError(ErrInvalidPayload, "payload is not an object")
	}

	var op Operation
	if err := json.Unmarshal(r.Key, &op.Key); err != nil || op.Key == "" {
		return Operation{}, newDecodeError(ErrInvalidPayload, "key must be a non-empty string")
	}
	if len(r.Value) == 0 {
		return Operation{}, newDecodeError(ErrInvalidPayload, fmt.Sprintf("missing value for key %q", op.Key))
	}
	op.Value = r.Value
	if isAbsent(r.Timestamp) {
		return Operation{}, newDecodeError(ErrInvalidPayload, fmt.Sprintf("missing timestamp for key %q", op.Key))
	}
	if err := json.Unmarshal(r.Timestamp, &op.Timestamp); err != nil {
		return Operation{}, newDecodeError(ErrInvalidPayload, fmt.Sprintf("timestamp for key %q is not an integer", op.Key))
	}
	return op, nil
}

// errorText reads the human readable text of an error frame. Some servers
// put the text in payload instead of message; both are accepted.
func errorText(env envelope) (string, error) {
	field := env.Message
	if isAbsent(field) {
		field = env.Payload
	}
	if isAbsent(field) {
		return "", nil
	}
	var text string
	if err := json.Unmarshal(field, &text); err != nil {
		return "", newDecodeError(ErrInvalidPayload, "error message is not a string")
	}
	return text, nil
}
