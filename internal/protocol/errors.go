package protocol

import "errors"

var (
	ErrDecode         = errors.New("protocol: decode failed")
	ErrMalformedFrame = errors.New("protocol: malformed frame")
	ErrMissingType    = errors.New("protocol: missing type")
	ErrUnknownType    = errors.New("protocol: unknown message type")
	ErrInvalidPayload = errors.New("protocol: invalid op payload")
)

// decodeError ties a specific decode failure to ErrDecode so callers can
// match either the category or the exact reason.
type decodeError struct {
	reason error
	detail string
}

func (e *decodeError) Error() string {
	if e.detail == "" {
		return e.reason.Error()
	}
	return e.reason.Error() + ": " + e.detail
}

func (e *decodeError) Is(target error) bool {
	return target == ErrDecode
}

func (e *decodeError) Unwrap() error {
	return e.reason
}

func newDecodeError(reason error, detail string) error {
	return &decodeError{reason: reason, detail: detail}
}
