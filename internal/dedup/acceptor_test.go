package dedup

import (
	"testing"
	"time"

	"github.com/admesh-net/admesh/internal/clock"
	"github.com/admesh-net/admesh/internal/guid"
)

func newTestAcceptor() (*Acceptor, *Cache, *clock.Fixed) {
	clk := clock.NewFixed(time.Unix(1_700_000_000, 0))
	cache := NewCache(clk)
	return NewAcceptor(cache, clk), cache, clk
}

func TestAcceptor_DuplicateGUIDRejected(t *testing.T) {
	a, _, clk := newTestAcceptor()
	messageGUID := guid.New()
	ts := clk.Now().UnixMilli()

	if !a.Accept(messageGUID, ts) {
		t.Fatal("first sighting rejected")
	}
	if a.Accept(messageGUID, ts) {
		t.Fatal("second sighting of the same message accepted")
	}
	// A fresh timestamp does not launder a seen GUID.
	clk.Advance(time.Second)
	if a.Accept(messageGUID, clk.Now().UnixMilli()) {
		t.Fatal("seen GUID accepted with a newer timestamp")
	}
}

func TestAcceptor_StaleTimestampRejected(t *testing.T) {
	a, _, clk := newTestAcceptor()

	stale := clk.Now().Add(-ReplayWindow - time.Millisecond).UnixMilli()
	if a.Accept(guid.New(), stale) {
		t.Fatal("timestamp past the replay window accepted")
	}
	// Exactly at the window edge is still acceptable.
	edge := clk.Now().Add(-ReplayWindow).UnixMilli()
	if !a.Accept(guid.New(), edge) {
		t.Fatal("timestamp at the replay window edge rejected")
	}
}

func TestAcceptor_MalformedIdentityRejected(t *testing.T) {
	a, _, clk := newTestAcceptor()
	ts := clk.Now().UnixMilli()

	for _, bad := range []string{"", "not-a-guid", "ABCDEF0123456789ABCDEF0123456789"} {
		if a.Accept(bad, ts) {
			t.Fatalf("malformed GUID %q accepted", bad)
		}
	}
	if a.Accept(guid.New(), 0) {
		t.Fatal("zero timestamp accepted")
	}
	if a.Accept(guid.New(), -1) {
		t.Fatal("negative timestamp accepted")
	}
}

func TestAcceptor_EntryExpiresAfterReplayWindow(t *testing.T) {
	a, cache, clk := newTestAcceptor()
	messageGUID := guid.New()

	if !a.Accept(messageGUID, clk.Now().UnixMilli()) {
		t.Fatal("first sighting rejected")
	}
	if !cache.Seen(messageGUID) {
		t.Fatal("accepted message not remembered")
	}

	// Past the window the entry expires and the same GUID can, in principle,
	// be inserted again. Any replay would fail the timestamp check instead.
	clk.Advance(DefaultTTL + time.Second)
	if cache.Seen(messageGUID) {
		t.Fatal("entry still seen past its ttl")
	}
	if !cache.Insert(messageGUID, DefaultTTL) {
		t.Fatal("expired entry blocked re-insertion")
	}
}

func TestCache_PruneRemovesOnlyExpired(t *testing.T) {
	clk := clock.NewFixed(time.Unix(1_700_000_000, 0))
	cache := NewCache(clk)

	old := guid.New()
	fresh := guid.New()
	cache.Insert(old, DefaultTTL)
	clk.Advance(DefaultTTL - time.Second)
	cache.Insert(fresh, DefaultTTL)
	clk.Advance(2 * time.Second)

	if removed := cache.Prune(); removed != 1 {
		t.Fatalf("pruned %d entries, want 1", removed)
	}
	if cache.Seen(old) {
		t.Fatal("expired entry survived the prune")
	}
	if !cache.Seen(fresh) {
		t.Fatal("live entry lost in the prune")
	}
	if cache.Size() != 1 {
		t.Fatalf("size = %d, want 1", cache.Size())
	}
}

func TestDeviceQueues_SlotExpiryAndPrune(t *testing.T) {
	clk := clock.NewFixed(time.Unix(1_700_000_000, 0))
	q := NewDeviceQueues(clk)
	key := KeyFor("request", "device-1")

	if !q.TryAcquire(key, 1) {
		t.Fatal("first slot refused")
	}
	if q.TryAcquire(key, 1) {
		t.Fatal("second slot granted over the cap")
	}

	// An abandoned slot frees itself after the queue ttl.
	clk.Advance(DeviceQueueTTL + time.Second)
	if !q.TryAcquire(key, 1) {
		t.Fatal("expired slot still counted against the cap")
	}
	if q.Outstanding(key) != 1 {
		t.Fatalf("outstanding = %d, want 1", q.Outstanding(key))
	}

	clk.Advance(DeviceQueueTTL + time.Second)
	if removed := q.Prune(); removed != 1 {
		t.Fatalf("pruned %d slots, want 1", removed)
	}
	if q.Outstanding(key) != 0 {
		t.Fatalf("outstanding = %d after prune, want 0", q.Outstanding(key))
	}
}
