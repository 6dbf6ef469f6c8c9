package protocol

import (
	"encoding/json"
	"fmt"
)

type outboundOp struct {
	Type    Kind      `json:"type"`
	Payload Operation `json:"payload"`
}

// EncodeOp serializes op as the only outbound frame kind. A nil value is
// sent as JSON null.
func EncodeOp(op Operation) ([]byte, error) {
	if op.Key == "" {
		return nil, fmt.Errorf("%w: empty key", ErrInvalidPayload)
	}
	if op.Value == nil {
		op.Value = json.RawMessage("null")
	} else if !json.Valid(op.Value) {
		return nil, fmt.Errorf("%w: value for key %q is not valid json", ErrInvalidPayload, op.Key)
	}
	return json.Marshal(outboundOp{Type: KindOp, Payload: op})
}
