// Package clock provides the network-synchronized time source used by the
// protocol replay window. Peers compare message timestamps against this clock,
// never against raw wall time, so all nodes share a consistent window.
package clock

import (
	"sync/atomic"
	"time"
)

// Clock yields the current network time.
type Clock interface {
	Now() time.Time
}

// Synced applies an atomically-updatable offset to the local wall clock.
// The offset is refreshed by an external time-sync collaborator.
type Synced struct {
	offsetNs atomic.Int64
}

// NewSynced creates a Synced clock with zero offset.
func NewSynced() *Synced {
	return &Synced{}
}

// Now returns local wall time adjusted by the current offset.
func (c *Synced) Now() time.Time {
	return time.Now().Add(time.Duration(c.offsetNs.Load()))
}

// SetOffset replaces the offset applied to wall time.
func (c *Synced) SetOffset(d time.Duration) {
	c.offsetNs.Store(int64(d))
}

// Offset returns the currently applied offset.
func (c *Synced) Offset() time.Duration {
	return time.Duration(c.offsetNs.Load())
}

// Fixed is a test clock frozen at a settable instant.
type Fixed struct {
	ns atomic.Int64
}

// NewFixed creates a Fixed clock at t.
func NewFixed(t time.Time) *Fixed {
	f := &Fixed{}
	f.ns.Store(t.UnixNano())
	return f
}

func (f *Fixed) Now() time.Time {
	return time.Unix(0, f.ns.Load())
}

// Set moves the clock to t.
func (f *Fixed) Set(t time.Time) {
	f.ns.Store(t.UnixNano())
}

// Advance moves the clock forward by d.
func (f *Fixed) Advance(d time.Duration) {
	f.ns.Add(int64(d))
}
