package registry

import (
	"log"
	"sync"

	"github.com/admesh-net/admesh/internal/wire"
)

// Handler consumes one inbound envelope from a registered connection.
type Handler func(c *Connection, env *wire.Envelope)

// Dispatcher routes inbound envelopes to subscribers by message type. A type
// may have multiple subscribers; each receives every envelope of that type.
type Dispatcher struct {
	mu   sync.RWMutex
	subs map[string][]Handler
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{subs: make(map[string][]Handler)}
}

// Subscribe registers a handler for one message type.
func (d *Dispatcher) Subscribe(msgType string, h Handler) {
	d.mu.Lock()
	d.subs[msgType] = append(d.subs[msgType], h)
	d.mu.Unlock()
}

// Dispatch delivers env to every subscriber of its type. Envelopes with no
// subscriber are logged and dropped.
func (d *Dispatcher) Dispatch(c *Connection, env *wire.Envelope) {
	d.mu.RLock()
	handlers := d.subs[env.Type]
	d.mu.RUnlock()

	if len(handlers) == 0 {
		log.Printf("[registry] no handler for message type %q, dropping", env.Type)
		return
	}
	for _, h := range handlers {
		h(c, env)
	}
}
