package dedup

import (
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"github.com/zeebo/xxh3"

	"github.com/admesh-net/admesh/internal/clock"
)

// DeviceQueueTTL bounds how long an in-flight slot is held when no completion
// arrives. Device queues may outlive the message replay window.
const DeviceQueueTTL = 60 * time.Second

// QueueKey is the hashed rate-limit key, e.g. xxh3("request_<device_id>").
type QueueKey uint64

// KeyFor builds the rate-limit key for a family prefix and device id.
func KeyFor(prefix, deviceID string) QueueKey {
	return QueueKey(xxh3.HashString(prefix + "_" + deviceID))
}

// DeviceQueues caps concurrent outstanding requests per rate-limit key.
// Each key holds the ordered expiry times of its in-flight slots.
type DeviceQueues struct {
	queues *xsync.Map[QueueKey, []int64]
	clk    clock.Clock
	ttl    time.Duration
}

// NewDeviceQueues creates empty device queues with the default slot TTL.
func NewDeviceQueues(clk clock.Clock) *DeviceQueues {
	return &DeviceQueues{
		queues: xsync.NewMap[QueueKey, []int64](),
		clk:    clk,
		ttl:    DeviceQueueTTL,
	}
}

// TryAcquire takes an in-flight slot for key if fewer than max are
// outstanding. Expired slots are dropped as part of the same atomic step.
func (q *DeviceQueues) TryAcquire(key QueueKey, max int) bool {
	nowNs := q.clk.Now().UnixNano()
	acquired := false
	q.queues.Compute(key, func(old []int64, _ bool) ([]int64, xsync.ComputeOp) {
		live := old[:0:0]
		for _, exp := range old {
			if exp > nowNs {
				live = append(live, exp)
			}
		}
		if len(live) >= max {
			if len(live) == len(old) {
				return old, xsync.CancelOp
			}
			return live, xsync.UpdateOp
		}
		acquired = true
		return append(live, nowNs+int64(q.ttl)), xsync.UpdateOp
	})
	return acquired
}

// Release frees the oldest in-flight slot for key, if any.
func (q *DeviceQueues) Release(key QueueKey) {
	q.queues.Compute(key, func(old []int64, loaded bool) ([]int64, xsync.ComputeOp) {
		if !loaded || len(old) == 0 {
			return old, xsync.CancelOp
		}
		if len(old) == 1 {
			return nil, xsync.DeleteOp
		}
		return old[1:], xsync.UpdateOp
	})
}

// Outstanding returns the number of live slots for key.
func (q *DeviceQueues) Outstanding(key QueueKey) int {
	nowNs := q.clk.Now().UnixNano()
	entries, ok := q.queues.Load(key)
	if !ok {
		return 0
	}
	n := 0
	for _, exp := range entries {
		if exp > nowNs {
			n++
		}
	}
	return n
}

// Prune drops expired slots across all keys and removes empty queues.
// Called from the shared 5s prune pass.
func (q *DeviceQueues) Prune() int {
	nowNs := q.clk.Now().UnixNano()
	removed := 0
	q.queues.Range(func(key QueueKey, _ []int64) bool {
		q.queues.Compute(key, func(old []int64, loaded bool) ([]int64, xsync.ComputeOp) {
			if !loaded {
				return old, xsync.CancelOp
			}
			live := old[:0:0]
			for _, exp := range old {
				if exp > nowNs {
					live = append(live, exp)
				}
			}
			removed += len(old) - len(live)
			if len(live) == 0 {
				return nil, xsync.DeleteOp
			}
			if len(live) == len(old) {
				return old, xsync.CancelOp
			}
			return live, xsync.UpdateOp
		})
		return true
	})
	return removed
}
