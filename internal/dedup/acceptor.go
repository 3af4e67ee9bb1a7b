package dedup

import (
	"time"

	"github.com/admesh-net/admesh/internal/clock"
	"github.com/admesh-net/admesh/internal/guid"
)

// ReplayWindow is how far behind the network clock a message timestamp may
// lag before it is rejected as a replay.
const ReplayWindow = 30 * time.Second

// Acceptor applies the global acceptance rule to inbound message content.
type Acceptor struct {
	cache *Cache
	clk   clock.Clock
}

// NewAcceptor creates an Acceptor over the given dedup cache.
func NewAcceptor(cache *Cache, clk clock.Clock) *Acceptor {
	return &Acceptor{cache: cache, clk: clk}
}

// Accept decides whether a message may be processed. Rejected when the GUID
// is absent or malformed, already seen, the timestamp is absent, or the
// timestamp is older than the replay window on the network clock. Accepted
// messages are inserted into the dedup cache as part of the same call, so a
// concurrent duplicate of an accepted message is rejected.
func (a *Acceptor) Accept(messageGUID string, timestampMs int64) bool {
	if !guid.Valid(messageGUID) {
		return false
	}
	if timestampMs <= 0 {
		return false
	}
	cutoff := a.clk.Now().Add(-ReplayWindow).UnixMilli()
	if timestampMs < cutoff {
		return false
	}
	return a.cache.Insert(messageGUID, DefaultTTL)
}
