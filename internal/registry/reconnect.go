package registry

import (
	"errors"
	"log"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/admesh-net/admesh/internal/model"
)

const (
	// SweepConcurrency bounds parallel dial attempts in one sweep.
	SweepConcurrency = 4

	// attemptPacing is the fixed pause after every attempt, success or not.
	// There is no backoff; a node stays retryable every sweep until it
	// connects or proves to be this node itself.
	attemptPacing = time.Second
)

// SweepReconnect dials every known node that lacks a live registered
// connection. Self addresses and this node's own row are skipped. The call
// blocks until all attempts finish.
func (m *Manager) SweepReconnect(nodes []model.Node) {
	sem := make(chan struct{}, SweepConcurrency)
	var wg sync.WaitGroup

	for _, n := range nodes {
		if n.NodeID == m.cfg.NodeID || n.Address == "" || n.Port <= 0 {
			continue
		}
		if m.Connected(n.NodeID) {
			continue
		}
		addr := net.JoinHostPort(n.Address, strconv.Itoa(n.Port))
		if m.IsSelfAddress(addr) {
			continue
		}

		wg.Add(1)
		sem <- struct{}{}
		go func(nodeID, addr string) {
			defer wg.Done()
			defer func() { <-sem }()

			if _, err := m.Connect(addr); err != nil {
				if !errors.Is(err, ErrSelfConnection) && !errors.Is(err, ErrDuplicateNode) {
					log.Printf("[registry] reconnect to node %s (%s) failed: %v", nodeID, addr, err)
				}
			}
			time.Sleep(attemptPacing)
		}(n.NodeID, addr)
	}
	wg.Wait()
}
