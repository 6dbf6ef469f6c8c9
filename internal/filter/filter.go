// Package filter selects inbound messages with an expr-lang boolean
// expression, as used by `syncctl watch --filter`.
//
// The expression sees:
//
//	type       message kind ("init", "op", "error")
//	key        op key, empty for other kinds
//	value      decoded op value (nil when absent)
//	timestamp  op timestamp in microseconds
//	data       decoded init snapshot
//	message    error text
//
// Example: `type == "op" && key startsWith "cursor."`
package filter

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/danmuck/wsync/internal/protocol"
	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

type Filter struct {
	src     string
	program *vm.Program
}

// Compile parses src. An empty source yields a nil Filter, which matches
// every message.
func Compile(src string) (*Filter, error) {
	src = strings.TrimSpace(src)
	if src == "" {
		return nil, nil
	}
	program, err := expr.Compile(src, expr.Env(env{}), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("filter: compile %q: %w", src, err)
	}
	return &Filter{src: src, program: program}, nil
}

func (f *Filter) String() string {
	if f == nil {
		return ""
	}
	return f.src
}

func (f *Filter) Match(msg protocol.Message) (bool, error) {
	if f == nil {
		return true, nil
	}
	out, err := expr.Run(f.program, newEnv(msg))
	if err != nil {
		return false, fmt.Errorf("filter: eval %q: %w", f.src, err)
	}
	ok, _ := out.(bool)
	return ok, nil
}

type env struct {
	Type      string         `expr:"type"`
	Key       string         `expr:"key"`
	Value     any            `expr:"value"`
	Timestamp int64          `expr:"timestamp"`
	Data      map[string]any `expr:"data"`
	Message   string         `expr:"message"`
}

func newEnv(msg protocol.Message) env {
	e := env{
		Type:    string(msg.Type),
		Message: msg.Text,
	}
	if op := msg.Payload; op != nil {
		e.Key = op.Key
		e.Timestamp = op.Timestamp
		e.Value = decode(op.Value)
	}
	if len(msg.Data) > 0 {
		e.Data = make(map[string]any, len(msg.Data))
		for k, raw := range msg.Data {
			e.Data[k] = decode(raw)
		}
	}
	return e
}

// decode returns nil for values that are not valid JSON.
func decode(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil
	}
	return v
}
