// Package throttle gates ad serving per client IP and per IP reputation. The
// throttled set is a fast in-memory mirror of the persisted request-log
// counts: rebuilt from scratch on a fixed cadence and augmented in real time
// when an IP is one request away from its ceiling.
package throttle

import (
	"log"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/admesh-net/admesh/internal/clock"
	"github.com/admesh-net/admesh/internal/scanloop"
	"github.com/admesh-net/admesh/internal/state"
)

const (
	// RebuildInterval is the full clear-and-repopulate cadence.
	RebuildInterval = 60 * time.Second

	// DefaultCeiling is the per-IP served-request ceiling per window.
	DefaultCeiling = 100

	// DefaultWindow is the accounting window for the ceiling.
	DefaultWindow = 24 * time.Hour
)

// Config tunes the IP throttle.
type Config struct {
	Ceiling int64
	Window  time.Duration
}

// IPThrottle tracks which client IPs may not be served.
type IPThrottle struct {
	cfg   Config
	store *state.Store
	clk   clock.Clock

	set *xsync.Map[string, struct{}]

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewIPThrottle(cfg Config, store *state.Store, clk clock.Clock) *IPThrottle {
	if cfg.Ceiling <= 0 {
		cfg.Ceiling = DefaultCeiling
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	return &IPThrottle{
		cfg:    cfg,
		store:  store,
		clk:    clk,
		set:    xsync.NewMap[string, struct{}](),
		stopCh: make(chan struct{}),
	}
}

// Throttled reports whether ip is currently blocked.
func (t *IPThrottle) Throttled(ip string) bool {
	if ip == "" {
		return false
	}
	_, ok := t.set.Load(ip)
	return ok
}

// Rebuild clears the set and repopulates it from persisted counts. Real-time
// additions since the query ran are re-derived on the next serve anyway.
func (t *IPThrottle) Rebuild() error {
	sinceNs := t.clk.Now().Add(-t.cfg.Window).UnixNano()
	ips, err := t.store.ListThrottledIPs(t.cfg.Ceiling, sinceNs)
	if err != nil {
		return err
	}

	t.set.Clear()
	for _, ip := range ips {
		t.set.Store(ip, struct{}{})
	}
	return nil
}

// NoteServed records that ip was just served one more request. When the
// persisted count reaches ceiling-1 the IP is added ahead of the next
// rebuild, so the request that would hit the ceiling is already blocked.
func (t *IPThrottle) NoteServed(ip string) {
	if ip == "" {
		return
	}
	sinceNs := t.clk.Now().Add(-t.cfg.Window).UnixNano()
	n, err := t.store.CountServedByIP(ip, sinceNs)
	if err != nil {
		log.Printf("[throttle] count for %s failed: %v", ip, err)
		return
	}
	if n >= t.cfg.Ceiling-1 {
		t.set.Store(ip, struct{}{})
	}
}

// Size returns the number of currently throttled IPs.
func (t *IPThrottle) Size() int {
	return t.set.Size()
}

// Start launches the periodic rebuild loop.
func (t *IPThrottle) Start() {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		scanloop.Run(t.stopCh, RebuildInterval, 0, func() {
			if err := t.Rebuild(); err != nil {
				log.Printf("[throttle] rebuild failed: %v", err)
			}
		})
	}()
}

// Stop halts the rebuild loop and waits for it.
func (t *IPThrottle) Stop() {
	t.stopOnce.Do(func() { close(t.stopCh) })
	t.wg.Wait()
}
