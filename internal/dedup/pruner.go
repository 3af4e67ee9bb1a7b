package dedup

import (
	"sync"
	"time"

	"github.com/admesh-net/admesh/internal/scanloop"
)

// PruneInterval is the fixed cadence of the bulk prune pass. Correctness
// tolerates up to one interval of staleness.
const PruneInterval = 5 * time.Second

// Prunable is any store swept by the shared prune pass.
type Prunable interface {
	Prune() int
}

// Pruner runs a bulk prune pass over all registered stores on a fixed
// cadence. Stores never use per-entry timers.
type Pruner struct {
	stores   []Prunable
	interval time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewPruner creates a Pruner over the given stores.
func NewPruner(stores ...Prunable) *Pruner {
	return &Pruner{
		stores:   stores,
		interval: PruneInterval,
		stopCh:   make(chan struct{}),
	}
}

// Start launches the prune loop.
func (p *Pruner) Start() {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		scanloop.Run(p.stopCh, p.interval, 0, p.sweep)
	}()
}

// Stop terminates the loop and waits for the in-flight pass.
func (p *Pruner) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()
}

func (p *Pruner) sweep() {
	for _, s := range p.stores {
		s.Prune()
	}
}
