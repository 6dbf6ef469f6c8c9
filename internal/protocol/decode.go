package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"unicode/utf8"
)

// envelope keeps every top-level field raw so variant validation can tell
// an absent field from a null or mistyped one.
type envelope struct {
	Type    json.RawMessage `json:"type"`
	Data    json.RawMessage `json:"data"`
	Payload json.RawMessage `json:"payload"`
	Message json.RawMessage `json:"message"`
}

// Decode parses one inbound frame. Every failure matches ErrDecode and one of
// the specific reasons (ErrMalformedFrame, ErrMissingType, ErrUnknownType,
// ErrInvalidPayload).
func Decode(raw []byte) (Message, error) {
	raw = bytes.TrimSpace(raw)
	if !json.Valid(raw) {
		return Message{}, newDecodeError(ErrMalformedFrame, "invalid json")
	}
	if len(raw) == 0 || raw[0] != '{' {
		return Message{}, newDecodeError(ErrMalformedFrame, "frame is not an object")
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Message{}, newDecodeError(ErrMalformedFrame, err.Error())
	}

	kind, err := decodeKind(env.Type)
	if err != nil {
		return Message{}, err
	}
	return validateVariant(kind, env)
}

func decodeKind(raw json.RawMessage) (Kind, error) {
	if isAbsent(raw) {
		return "", newDecodeError(ErrMissingType, "")
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", newDecodeError(ErrMissingType, "type is not a string")
	}
	if s == "" {
		return "", newDecodeError(ErrMissingType, "")
	}
	kind := Kind(s)
	if !kind.Valid() {
		return "", newDecodeError(ErrUnknownType, fmt.Sprintf("%q", s))
	}
	return kind, nil
}

// isAbsent reports whether a raw field was missing or explicitly null.
func isAbsent(raw json.RawMessage) bool {
	return len(raw) == 0 || bytes.Equal(raw, []byte("null"))
}

// Truncate shortens s for log output, keeping rune boundaries intact.
func Truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return fmt.Sprintf("%s... (%d more bytes)", s[:cut], len(s)-cut)
}
