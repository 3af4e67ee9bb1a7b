package registry

import (
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
)

// Listener accepts inbound peer links and hands them to the manager for the
// handshake.
type Listener struct {
	manager *Manager

	mu sync.Mutex
	ln net.Listener
}

func NewListener(manager *Manager) *Listener {
	return &Listener{manager: manager}
}

// Start binds addr and begins accepting in a background goroutine.
func (l *Listener) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	l.mu.Lock()
	l.ln = ln
	l.mu.Unlock()

	log.Printf("[registry] listening for peers on %s", ln.Addr())
	go l.acceptLoop(ln)
	return nil
}

// Addr returns the bound address, nil before Start.
func (l *Listener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln == nil {
		return nil
	}
	return l.ln.Addr()
}

func (l *Listener) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Printf("[registry] accept failed: %v", err)
			continue
		}
		go l.manager.acceptConnection(conn)
	}
}

// Stop closes the listening socket. Registered connections stay up.
func (l *Listener) Stop() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln == nil {
		return nil
	}
	err := l.ln.Close()
	l.ln = nil
	return err
}
