// Package locks provides named critical sections: a keyed mutex map with
// scope-bound acquisition. The same name must never be re-acquired while
// already held by the same logical flow.
package locks

import (
	"sync"

	"github.com/puzpuzpuz/xsync/v4"
)

// Well-known section names.
const (
	PaymentCreation    = "payment creation"
	PaymentSettlement  = "payment settlement"
	StorageTransaction = "storage transaction"
)

// Keyed maps section names to mutexes. Locks are created on first use and
// never removed; the name set is small and fixed in practice.
type Keyed struct {
	locks *xsync.Map[string, *sync.Mutex]
}

// NewKeyed creates an empty keyed mutex map.
func NewKeyed() *Keyed {
	return &Keyed{locks: xsync.NewMap[string, *sync.Mutex]()}
}

// Do runs fn while holding the named lock. Release is deferred, so every exit
// path including panics and errors unlocks.
func (k *Keyed) Do(name string, fn func() error) error {
	mu := k.get(name)
	mu.Lock()
	defer mu.Unlock()
	return fn()
}

func (k *Keyed) get(name string) *sync.Mutex {
	mu, _ := k.locks.LoadOrCompute(name, func() (*sync.Mutex, bool) {
		return &sync.Mutex{}, false
	})
	return mu
}
