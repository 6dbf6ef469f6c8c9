// Package dispatch fans inbound workspace messages out to registered
// handlers, isolating each handler from the failures of the others.
package dispatch

import (
	"errors"
	"fmt"
	"reflect"
	"runtime/debug"
	"sort"
	"sync"

	"github.com/danmuck/wsync/internal/protocol"
	"github.com/rs/zerolog"
)

var ErrHandlerPanic = errors.New("dispatch: handler panicked")

// Handler receives every validated inbound message after the local cache has
// applied it.
type Handler interface {
	HandleMessage(msg protocol.Message) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(msg protocol.Message) error

func (f HandlerFunc) HandleMessage(msg protocol.Message) error {
	return f(msg)
}

type entry struct {
	id         uint64
	handler    Handler
	canCompare bool
	cancel     func()
}

// Registry is the set of subscribed handlers. Registering the same comparable
// handler value twice is a no-op. Comparability is judged on the value, so a
// struct whose interface fields hold funcs, like every HandlerFunc, is its
// own subscription on each registration.
type Registry struct {
	mu      sync.RWMutex
	nextID  uint64
	entries map[uint64]*entry
	log     zerolog.Logger
}

func NewRegistry(log zerolog.Logger) *Registry {
	return &Registry{
		entries: make(map[uint64]*entry),
		log:     log,
	}
}

// Register subscribes h and returns a function that removes it. The returned
// function is idempotent and safe to call from inside a handler.
func (r *Registry) Register(h Handler) (unregister func()) {
	if h == nil {
		return func() {}
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	canCompare := isComparable(h)
	if canCompare {
		for _, e := range r.entries {
			if e.canCompare && e.handler == h {
				return e.cancel
			}
		}
	}

	r.nextID++
	e := &entry{id: r.nextID, handler: h, canCompare: canCompare}
	var once sync.Once
	e.cancel = func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.entries, e.id)
			r.mu.Unlock()
		})
	}
	r.entries[e.id] = e
	return e.cancel
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Dispatch invokes every handler registered at call time, in registration
// order, and returns how many failed. The lock is not held while handlers
// run.
func (r *Registry) Dispatch(msg protocol.Message) int {
	failed := 0
	for _, e := range r.snapshot() {
		if err := invoke(e.handler, msg); err != nil {
			failed++
			r.log.Error().Err(err).
				Uint64("handler", e.id).
				Str("type", string(msg.Type)).
				Msg("message handler failed")
		}
	}
	return failed
}

func (r *Registry) snapshot() []*entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func invoke(h Handler, msg protocol.Message) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%w: %v\n%s", ErrHandlerPanic, rec, debug.Stack())
		}
	}()
	return h.HandleMessage(msg)
}

// isComparable reports whether h can be used with == without panicking.
// Interface fields are checked against the value they hold.
func isComparable(h Handler) bool {
	return reflect.ValueOf(h).Comparable()
}
