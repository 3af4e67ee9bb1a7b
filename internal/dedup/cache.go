// Package dedup implements the time-windowed message deduplication cache and
// the per-device rate-limit queues, plus the global acceptance rule applied to
// every inbound message.
package dedup

import (
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/admesh-net/admesh/internal/clock"
)

// DefaultTTL is the replay window an entry is remembered for.
const DefaultTTL = 30 * time.Second

// Entry is one remembered message GUID. The entry expires when
// now > Timestamp+TTL; expiry is enforced by the bulk prune pass, so reads
// must tolerate up to one prune interval of staleness.
type Entry struct {
	TimestampNs int64
	TTLNs       int64
}

// Cache is the seen-message store keyed by message GUID.
type Cache struct {
	entries *xsync.Map[string, Entry]
	clk     clock.Clock
}

// NewCache creates an empty dedup cache using the given network clock.
func NewCache(clk clock.Clock) *Cache {
	return &Cache{
		entries: xsync.NewMap[string, Entry](),
		clk:     clk,
	}
}

// Insert records guid with the given ttl. Returns false if the guid is
// already present and unexpired — the caller must then treat the message as a
// duplicate. The check-and-insert is a single atomic step, closing the race
// where two handlers observe the same fresh guid concurrently.
func (c *Cache) Insert(guid string, ttl time.Duration) bool {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	nowNs := c.clk.Now().UnixNano()
	inserted := false
	c.entries.Compute(guid, func(old Entry, loaded bool) (Entry, xsync.ComputeOp) {
		if loaded && nowNs <= old.TimestampNs+old.TTLNs {
			return old, xsync.CancelOp
		}
		inserted = true
		return Entry{TimestampNs: nowNs, TTLNs: int64(ttl)}, xsync.UpdateOp
	})
	return inserted
}

// Seen reports whether guid is present and unexpired.
func (c *Cache) Seen(guid string) bool {
	e, ok := c.entries.Load(guid)
	if !ok {
		return false
	}
	return c.clk.Now().UnixNano() <= e.TimestampNs+e.TTLNs
}

// Prune removes every entry past its individual ttl. Called from the shared
// 5s prune pass. Returns the number of entries removed.
func (c *Cache) Prune() int {
	nowNs := c.clk.Now().UnixNano()
	removed := 0
	c.entries.Range(func(guid string, e Entry) bool {
		if nowNs > e.TimestampNs+e.TTLNs {
			c.entries.Compute(guid, func(cur Entry, loaded bool) (Entry, xsync.ComputeOp) {
				if !loaded || nowNs <= cur.TimestampNs+cur.TTLNs {
					return cur, xsync.CancelOp // re-inserted concurrently
				}
				removed++
				return cur, xsync.DeleteOp
			})
		}
		return true
	})
	return removed
}

// Size returns the current entry count, expired entries included until the
// next prune pass.
func (c *Cache) Size() int {
	return c.entries.Size()
}
