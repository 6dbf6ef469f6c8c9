package session

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// State is the connection state of one client session.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateClosed
	StateFailed
)

var ErrInvalidTransition = errors.New("session: invalid state transition")

var stateNames = map[State]string{
	StateIdle:         "idle",
	StateConnecting:   "connecting",
	StateConnected:    "connected",
	StateReconnecting: "reconnecting",
	StateClosed:       "closed",
	StateFailed:       "failed",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Terminal reports whether s ends an attempt cycle. A new Connect may start
// a fresh cycle from a terminal state.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateFailed
}

var transitions = map[State][]State{
	StateIdle:         {StateConnecting, StateClosed},
	StateConnecting:   {StateConnected, StateReconnecting, StateClosed, StateFailed},
	StateConnected:    {StateReconnecting, StateClosed, StateFailed},
	StateReconnecting: {StateConnecting, StateClosed, StateFailed},
	StateClosed:       {StateConnecting},
	StateFailed:       {StateConnecting},
}

// CanTransition reports whether from -> to is an edge of the state table.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Machine holds the current State and notifies watchers on every change.
type Machine struct {
	mu       sync.Mutex
	state    State
	nextID   uint64
	watchers map[uint64]func(from, to State)
}

func NewMachine() *Machine {
	return &Machine{
		state:    StateIdle,
		watchers: make(map[uint64]func(from, to State)),
	}
}

func (m *Machine) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Transition moves to the given state. Transitioning to the current state is
// a no-op. Watchers run after the lock is released, in registration order.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	from := m.state
	if from == to {
		m.mu.Unlock()
		return nil
	}
	if !CanTransition(from, to) {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	m.state = to
	watchers := m.snapshotWatchersLocked()
	m.mu.Unlock()

	for _, fn := range watchers {
		fn(from, to)
	}
	return nil
}

// Watch registers fn for every future transition and returns its cancel.
func (m *Machine) Watch(fn func(from, to State)) (cancel func()) {
	if fn == nil {
		return func() {}
	}
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.watchers[id] = fn
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.watchers, id)
			m.mu.Unlock()
		})
	}
}

func (m *Machine) snapshotWatchersLocked() []func(from, to State) {
	if len(m.watchers) == 0 {
		return nil
	}
	ids := make([]uint64, 0, len(m.watchers))
	for id := range m.watchers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]func(from, to State), 0, len(ids))
	for _, id := range ids {
		out = append(out, m.watchers[id])
	}
	return out
}
