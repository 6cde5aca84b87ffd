// Package conversation holds the rolling turn history for every session:
// append-only ordering, TTL eviction and context-budget trimming.
package conversation

import (
	"slices"
	"sync"
	"time"

	"voicegate/core"
)

// Conversation is the ordered turn history of one session. All fields are
// guarded by mu; methods named *Locked assume mu is already held.
type Conversation struct {
	mu sync.Mutex

	key    string
	turns  []core.Turn
	nextID core.TurnID

	lastEvictScan time.Time
	lastActive    time.Time

	// version increments on every mutation; flushedVersion is the last
	// version written by the persister.
	version        uint64
	flushedVersion uint64
}

func newConversation(key string, restored []core.Turn, now time.Time) *Conversation {
	c := &Conversation{
		key:        key,
		turns:      slices.Clone(restored),
		nextID:     1,
		lastActive: now,
	}
	for _, t := range c.turns {
		if t.ID >= c.nextID {
			c.nextID = t.ID + 1
		}
	}
	return c
}

func (c *Conversation) appendLocked(role core.Role, content string, now time.Time) core.Turn {
	turn := core.Turn{
		ID:        c.nextID,
		Role:      role,
		Content:   content,
		CreatedAt: now,
	}
	c.nextID++
	c.turns = append(c.turns, turn)
	c.lastActive = now
	c.version++
	return turn
}

// evictExpiredLocked removes every turn whose age has reached ttl.
func (c *Conversation) evictExpiredLocked(now time.Time, ttl time.Duration) int {
	c.lastEvictScan = now
	if ttl <= 0 || len(c.turns) == 0 {
		return 0
	}
	kept := c.turns[:0:0]
	for _, t := range c.turns {
		if !expired(t, now, ttl) {
			kept = append(kept, t)
		}
	}
	removed := len(c.turns) - len(kept)
	if removed > 0 {
		c.turns = kept
		c.version++
	}
	return removed
}

// dropOldestLocked removes the first n turns.
func (c *Conversation) dropOldestLocked(n int) {
	if n <= 0 {
		return
	}
	if n > len(c.turns) {
		n = len(c.turns)
	}
	c.turns = slices.Clone(c.turns[n:])
	c.version++
}

// liveTurnsLocked returns a copy of the turns that have not expired at now,
// without removing anything.
func (c *Conversation) liveTurnsLocked(now time.Time, ttl time.Duration) []core.Turn {
	out := make([]core.Turn, 0, len(c.turns))
	for _, t := range c.turns {
		if ttl > 0 && expired(t, now, ttl) {
			continue
		}
		out = append(out, t)
	}
	return out
}

func expired(t core.Turn, now time.Time, ttl time.Duration) bool {
	return now.Sub(t.CreatedAt) >= ttl
}
