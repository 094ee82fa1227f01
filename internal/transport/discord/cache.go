package discord

import (
	"sync"
	"time"
)

// guildCache holds short-lived per-guild lookups (channel lists, role names)
// so one dispatch cycle does not refetch them for every delivery.
type guildCache[T any] struct {
	ttl time.Duration
	now func() time.Time

	mu sync.Mutex
	m  map[string]guildEntry[T]
}

type guildEntry[T any] struct {
	v  T
	at time.Time
}

func newGuildCache[T any](ttl time.Duration) *guildCache[T] {
	return &guildCache[T]{ttl: ttl, now: time.Now, m: map[string]guildEntry[T]{}}
}

func (c *guildCache[T]) get(guildID string) (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.m[guildID]
	if !ok || c.now().Sub(e.at) > c.ttl {
		var zero T
		return zero, false
	}
	return e.v, true
}

func (c *guildCache[T]) put(guildID string, v T) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[guildID] = guildEntry[T]{v: v, at: c.now()}
}

func (c *guildCache[T]) drop(guildID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.m, guildID)
}
