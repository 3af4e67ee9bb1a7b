// Package registry owns peer connections: handshake on open, duplicate and
// self-connection detection, the reconnect sweep over known nodes, and
// dispatch of inbound envelopes to per-type subscribers.
package registry

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/admesh-net/admesh/internal/wire"
)

// Direction records which side opened the link.
type Direction int

const (
	Inbound Direction = iota
	Outbound
)

func (d Direction) String() string {
	if d == Outbound {
		return "outbound"
	}
	return "inbound"
}

// Connection is one live peer link. Writes are serialized by an internal
// mutex so concurrent broadcasts cannot interleave frames. NodeID is set
// during the handshake, before the connection is registered, and is immutable
// afterwards.
type Connection struct {
	ID           string
	Direction    Direction
	CreateTimeNs int64

	conn net.Conn

	mu     sync.Mutex
	nodeID string
	peer   wire.PeerInfo

	lastMessageNs atomic.Int64

	closeOnce sync.Once
	closed    chan struct{}
}

func newConnection(id string, dir Direction, conn net.Conn, createTimeNs int64) *Connection {
	return &Connection{
		ID:           id,
		Direction:    dir,
		CreateTimeNs: createTimeNs,
		conn:         conn,
		closed:       make(chan struct{}),
	}
}

// NodeID returns the peer node id learned during the handshake, empty until
// then.
func (c *Connection) NodeID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nodeID
}

// Peer returns the peer description from the handshake.
func (c *Connection) Peer() wire.PeerInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peer
}

func (c *Connection) setPeer(p wire.PeerInfo) {
	c.mu.Lock()
	c.nodeID = p.NodeID
	c.peer = p
	c.mu.Unlock()
}

// RemoteAddr returns the transport-level remote address.
func (c *Connection) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

// LastMessageNs returns the receive time of the most recent envelope.
func (c *Connection) LastMessageNs() int64 {
	return c.lastMessageNs.Load()
}

// SendEnvelope frames and writes one envelope.
func (c *Connection) SendEnvelope(env *wire.Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return wire.WriteFrame(c.conn, data)
}

// readFrame blocks for the next raw frame. A non-zero deadline bounds the
// read; zero clears any previous deadline. An error here is a transport
// failure and means the link is dead.
func (c *Connection) readFrame(deadline time.Time) ([]byte, error) {
	if err := c.conn.SetReadDeadline(deadline); err != nil {
		return nil, err
	}
	return wire.ReadFrame(c.conn)
}

// readEnvelope blocks for the next frame and decodes it. Used only for the
// handshake, where a peer that cannot produce a valid envelope forfeits the
// link. Steady-state reads decode in the read loop instead, so a malformed
// payload there is dropped without closing the connection.
func (c *Connection) readEnvelope(deadline time.Time) (*wire.Envelope, error) {
	data, err := c.readFrame(deadline)
	if err != nil {
		return nil, err
	}
	return wire.DecodeEnvelope(data)
}

// Close terminates the link. Safe to call more than once.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.conn.Close()
	})
	return err
}

// Done is closed when the connection has been shut down.
func (c *Connection) Done() <-chan struct{} {
	return c.closed
}
