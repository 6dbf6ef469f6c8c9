// Package cache holds the best-known snapshot of a workspace: the last value
// seen for every key, whether it came from the server or from a local write.
package cache

import (
	"encoding/json"
	"sync"

	"github.com/danmuck/wsync/internal/protocol"
)

// Cache maps keys to opaque JSON values. Entries are never deleted.
type Cache struct {
	mu    sync.RWMutex
	items map[string]json.RawMessage
}

func New() *Cache {
	return &Cache{
		items: make(map[string]json.RawMessage),
	}
}

// Apply folds one authoritative message into the cache. init merges its data
// (present keys overwritten, absent keys kept); op with a payload overwrites
// one key; everything else is ignored. The whole message is applied under a
// single lock so readers never observe a half-applied init.
func (c *Cache) Apply(msg protocol.Message) {
	switch msg.Type {
	case protocol.KindInit:
		if len(msg.Data) == 0 {
			return
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		for key, value := range msg.Data {
			c.items[key] = clone(value)
		}
	case protocol.KindOp:
		if msg.Payload == nil {
			return
		}
		c.Set(msg.Payload.Key, msg.Payload.Value)
	}
}

// Set overwrites key unconditionally.
func (c *Cache) Set(key string, value json.RawMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[key] = clone(value)
}

func (c *Cache) Get(key string) (json.RawMessage, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	value, ok := c.items[key]
	if !ok {
		return nil, false
	}
	return clone(value), true
}

// Snapshot returns a copy of every entry.
func (c *Cache) Snapshot() map[string]json.RawMessage {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]json.RawMessage, len(c.items))
	for key, value := range c.items {
		out[key] = clone(value)
	}
	return out
}

// Len reports how many keys are cached.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// clone copies value so callers cannot mutate cached bytes. A nil value is
// stored as JSON null.
func clone(value json.RawMessage) json.RawMessage {
	if value == nil {
		return json.RawMessage("null")
	}
	out := make(json.RawMessage, len(value))
	copy(out, value)
	return out
}
