// Package relay correlates gossiped requests with their answers. Each request
// family keeps one table mapping request GUID to where the answer must go:
// back to this node's own caller, or down the exact connection a proxied
// request arrived on. Answers are forwarded verbatim, never re-broadcast.
package relay

import (
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/admesh-net/admesh/internal/clock"
)

// DefaultTTL bounds how long an unanswered request stays routable.
const DefaultTTL = 60 * time.Second

// Origin says where a request came from.
type Origin int

const (
	// OriginLocal marks a request this node originated itself.
	OriginLocal Origin = iota
	// OriginProxied marks a request forwarded on behalf of a peer.
	OriginProxied
)

type entry struct {
	origin      Origin
	connID      string
	timestampNs int64
	ttlNs       int64
}

// Table tracks pending requests of one message family.
type Table struct {
	entries *xsync.Map[string, entry]
	clk     clock.Clock
	ttl     time.Duration
}

func NewTable(clk clock.Clock, ttl time.Duration) *Table {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Table{
		entries: xsync.NewMap[string, entry](),
		clk:     clk,
		ttl:     ttl,
	}
}

// RecordLocal marks requestGUID as self-originated. A local record wins over
// any proxied record for the same GUID.
func (t *Table) RecordLocal(requestGUID string) {
	t.entries.Store(requestGUID, entry{
		origin:      OriginLocal,
		timestampNs: t.clk.Now().UnixNano(),
		ttlNs:       int64(t.ttl),
	})
}

// RecordProxied marks requestGUID as forwarded for the peer on connID. A
// proxied record never overwrites an existing local one.
func (t *Table) RecordProxied(requestGUID, connID string) {
	t.entries.Compute(requestGUID, func(cur entry, loaded bool) (entry, xsync.ComputeOp) {
		if loaded && cur.origin == OriginLocal {
			return cur, xsync.CancelOp
		}
		return entry{
			origin:      OriginProxied,
			connID:      connID,
			timestampNs: t.clk.Now().UnixNano(),
			ttlNs:       int64(t.ttl),
		}, xsync.UpdateOp
	})
}

// Resolve consumes the routing record for requestGUID. local reports the
// answer is for this node itself; otherwise connID names the link to forward
// it down. ok is false for unknown or expired GUIDs, which callers drop.
func (t *Table) Resolve(requestGUID string) (local bool, connID string, ok bool) {
	nowNs := t.clk.Now().UnixNano()
	var found entry
	t.entries.Compute(requestGUID, func(cur entry, loaded bool) (entry, xsync.ComputeOp) {
		if !loaded {
			return cur, xsync.CancelOp
		}
		found = cur
		ok = nowNs-cur.timestampNs < cur.ttlNs
		return cur, xsync.DeleteOp
	})
	if !ok {
		return false, "", false
	}
	return found.origin == OriginLocal, found.connID, true
}

// Pending reports whether requestGUID is still routable without consuming it.
func (t *Table) Pending(requestGUID string) bool {
	e, ok := t.entries.Load(requestGUID)
	if !ok {
		return false
	}
	return t.clk.Now().UnixNano()-e.timestampNs < e.ttlNs
}

// Prune drops expired records and returns how many were removed.
func (t *Table) Prune() int {
	nowNs := t.clk.Now().UnixNano()
	removed := 0
	t.entries.Range(func(guid string, _ entry) bool {
		t.entries.Compute(guid, func(cur entry, loaded bool) (entry, xsync.ComputeOp) {
			if loaded && nowNs-cur.timestampNs >= cur.ttlNs {
				removed++
				return cur, xsync.DeleteOp
			}
			return cur, xsync.CancelOp
		})
		return true
	})
	return removed
}

// Size returns the number of routable records, expired included until pruned.
func (t *Table) Size() int {
	return t.entries.Size()
}
