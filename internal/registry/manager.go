package registry

import (
	"errors"
	"fmt"
	"log"
	"net"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/admesh-net/admesh/internal/clock"
	"github.com/admesh-net/admesh/internal/guid"
	"github.com/admesh-net/admesh/internal/wire"
)

// DefaultHandshakeTimeout bounds the handshake exchange on a fresh link.
const DefaultHandshakeTimeout = 10 * time.Second

var (
	// ErrSelfConnection marks a link that turned out to loop back to this
	// node. The remote address is remembered and never dialed again.
	ErrSelfConnection = errors.New("registry: connection to self")

	// ErrDuplicateNode marks a second live link to an already-connected node.
	ErrDuplicateNode = errors.New("registry: node already connected")

	// ErrNotConnected is returned by Send when no live link exists.
	ErrNotConnected = errors.New("registry: node not connected")
)

// Config identifies this node on the wire.
type Config struct {
	NodeID          string
	TransportPrefix string
	Address         string
	Port            int
	Provider        bool

	// HandshakeTimeout defaults to DefaultHandshakeTimeout when zero.
	HandshakeTimeout time.Duration
}

// Manager tracks live peer connections keyed both by node id and by
// connection id, performs handshakes, and delivers inbound traffic to the
// dispatcher.
type Manager struct {
	cfg        Config
	clk        clock.Clock
	dispatcher *Dispatcher

	byNode *xsync.Map[string, *Connection]
	byConn *xsync.Map[string, *Connection]

	// selfAddrs holds remote addresses proven to reach this same node.
	// Entries are never removed for the life of the process.
	selfAddrs *xsync.Map[string, struct{}]

	// onStatus fires after a node gains its first live connection (online
	// true) or loses its last one (online false).
	onStatus func(nodeID string, online bool)

	// onPeer fires when a handshake introduces a peer, known or new.
	onPeer func(peer wire.PeerInfo)
}

func NewManager(cfg Config, clk clock.Clock, dispatcher *Dispatcher) *Manager {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	return &Manager{
		cfg:        cfg,
		clk:        clk,
		dispatcher: dispatcher,
		byNode:     xsync.NewMap[string, *Connection](),
		byConn:     xsync.NewMap[string, *Connection](),
		selfAddrs:  xsync.NewMap[string, struct{}](),
	}
}

// OnStatusChanged sets the node online/offline callback. Must be called
// before any connection activity.
func (m *Manager) OnStatusChanged(fn func(nodeID string, online bool)) { m.onStatus = fn }

// OnPeerSeen sets the handshake peer callback. Must be called before any
// connection activity.
func (m *Manager) OnPeerSeen(fn func(peer wire.PeerInfo)) { m.onPeer = fn }

// Connected reports whether a live registered connection to nodeID exists.
func (m *Manager) Connected(nodeID string) bool {
	_, ok := m.byNode.Load(nodeID)
	return ok
}

// ConnectionCount returns the number of registered connections.
func (m *Manager) ConnectionCount() int {
	return m.byConn.Size()
}

// IsSelfAddress reports whether addr previously proved to loop back here.
func (m *Manager) IsSelfAddress(addr string) bool {
	_, ok := m.selfAddrs.Load(addr)
	return ok
}

func (m *Manager) markSelfAddress(addr string) {
	if addr == "" {
		return
	}
	if _, loaded := m.selfAddrs.LoadOrStore(addr, struct{}{}); !loaded {
		log.Printf("[registry] marked %s as self address, will not retry", addr)
	}
}

// Connect dials addr, performs the handshake, and registers the connection.
// Self addresses are rejected without dialing.
func (m *Manager) Connect(addr string) (*Connection, error) {
	if m.IsSelfAddress(addr) {
		return nil, ErrSelfConnection
	}

	netConn, err := net.DialTimeout("tcp", addr, m.cfg.HandshakeTimeout)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	c := newConnection(guid.New(), Outbound, netConn, m.clk.Now().UnixNano())
	if err := m.sendHandshake(c, c.ID); err != nil {
		c.Close()
		return nil, fmt.Errorf("send handshake to %s: %w", addr, err)
	}

	peer, err := m.readHandshake(c)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("read handshake from %s: %w", addr, err)
	}
	if peer.NodeID == m.cfg.NodeID {
		m.markSelfAddress(addr)
		c.Close()
		return nil, ErrSelfConnection
	}

	c.setPeer(peer)
	if err := m.register(c, addr); err != nil {
		c.Close()
		return nil, err
	}
	go m.readLoop(c)
	return c, nil
}

// acceptConnection runs the inbound side of the handshake and registers the
// link. The connection id is the one the dialer generated, so a link this
// node dialed to itself collides in the connection registry.
func (m *Manager) acceptConnection(netConn net.Conn) {
	c := newConnection("", Inbound, netConn, m.clk.Now().UnixNano())

	peer, connID, err := m.readInboundHandshake(c)
	if err != nil {
		log.Printf("[registry] inbound handshake from %s failed: %v", netConn.RemoteAddr(), err)
		c.Close()
		return
	}
	if peer.NodeID == m.cfg.NodeID {
		m.markSelfAddress(netConn.RemoteAddr().String())
		c.Close()
		return
	}

	c.ID = connID
	c.setPeer(peer)
	if err := m.sendHandshake(c, connID); err != nil {
		log.Printf("[registry] handshake reply to %s failed: %v", netConn.RemoteAddr(), err)
		c.Close()
		return
	}
	if err := m.register(c, netConn.RemoteAddr().String()); err != nil {
		log.Printf("[registry] inbound registration from %s rejected: %v", netConn.RemoteAddr(), err)
		c.Close()
		return
	}
	go m.readLoop(c)
}

func (m *Manager) sendHandshake(c *Connection, connID string) error {
	env, err := wire.NewEnvelope(wire.TypeNodeHandshake, wire.HandshakeContent{
		BaseContent: wire.BaseContent{
			MessageGUID: guid.New(),
			Timestamp:   m.clk.Now().UnixMilli(),
		},
		NodeID:          m.cfg.NodeID,
		ConnectionID:    connID,
		TransportPrefix: m.cfg.TransportPrefix,
		Address:         m.cfg.Address,
		Port:            m.cfg.Port,
		Provider:        m.cfg.Provider,
	})
	if err != nil {
		return err
	}
	return c.SendEnvelope(env)
}

func (m *Manager) readHandshake(c *Connection) (wire.PeerInfo, error) {
	peer, _, err := m.readInboundHandshake(c)
	return peer, err
}

func (m *Manager) readInboundHandshake(c *Connection) (wire.PeerInfo, string, error) {
	env, err := c.readEnvelope(time.Now().Add(m.cfg.HandshakeTimeout))
	if err != nil {
		return wire.PeerInfo{}, "", err
	}
	if env.Type != wire.TypeNodeHandshake {
		return wire.PeerInfo{}, "", fmt.Errorf("expected handshake, got %q", env.Type)
	}
	content, err := wire.DecodeContent[wire.HandshakeContent](env)
	if err != nil {
		return wire.PeerInfo{}, "", err
	}
	if content.NodeID == "" || content.ConnectionID == "" {
		return wire.PeerInfo{}, "", fmt.Errorf("handshake missing node_id or connection_id")
	}
	peer := wire.PeerInfo{
		NodeID:          content.NodeID,
		TransportPrefix: content.TransportPrefix,
		Address:         content.Address,
		Port:            content.Port,
		Provider:        content.Provider,
	}
	return peer, content.ConnectionID, nil
}

// register places the connection in both registries. A connection id already
// present means both ends of one link landed here, so the link loops back to
// this node. A node id already present keeps the first link and rejects the
// extra one.
func (m *Manager) register(c *Connection, addr string) error {
	if _, loaded := m.byConn.LoadOrStore(c.ID, c); loaded {
		m.markSelfAddress(addr)
		return ErrSelfConnection
	}
	if _, loaded := m.byNode.LoadOrStore(c.NodeID(), c); loaded {
		m.byConn.Delete(c.ID)
		return ErrDuplicateNode
	}

	log.Printf("[registry] registered %s connection %s to node %s (%s)",
		c.Direction, c.ID, c.NodeID(), addr)
	if m.onPeer != nil {
		m.onPeer(c.Peer())
	}
	if m.onStatus != nil {
		m.onStatus(c.NodeID(), true)
	}
	return nil
}

// unregister removes the connection; when it was the node's registered link,
// the node goes offline.
func (m *Manager) unregister(c *Connection) {
	m.byConn.Delete(c.ID)

	removed := false
	m.byNode.Compute(c.NodeID(), func(cur *Connection, loaded bool) (*Connection, xsync.ComputeOp) {
		if loaded && cur == c {
			removed = true
			return nil, xsync.DeleteOp
		}
		return cur, xsync.CancelOp
	})
	if removed && m.onStatus != nil {
		m.onStatus(c.NodeID(), false)
	}
}

// readLoop pumps inbound envelopes into the dispatcher until the link fails.
// Only transport errors end the loop; a well-framed payload that does not
// decode is logged and dropped, never treated as a connection failure.
func (m *Manager) readLoop(c *Connection) {
	defer func() {
		m.unregister(c)
		c.Close()
	}()

	for {
		data, err := c.readFrame(time.Time{})
		if err != nil {
			select {
			case <-c.Done():
			default:
				log.Printf("[registry] connection %s to node %s closed: %v", c.ID, c.NodeID(), err)
			}
			return
		}
		c.lastMessageNs.Store(m.clk.Now().UnixNano())

		env, err := wire.DecodeEnvelope(data)
		if err != nil {
			log.Printf("[registry] dropping malformed payload from node %s: %v", c.NodeID(), err)
			continue
		}
		m.dispatcher.Dispatch(c, env)
	}
}

// Send delivers env to the registered connection of one node.
func (m *Manager) Send(nodeID string, env *wire.Envelope) error {
	c, ok := m.byNode.Load(nodeID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotConnected, nodeID)
	}
	return c.SendEnvelope(env)
}

// SendConn delivers env to a specific connection by id, used when answering a
// proxied request on the exact link it arrived on.
func (m *Manager) SendConn(connID string, env *wire.Envelope) error {
	c, ok := m.byConn.Load(connID)
	if !ok {
		return fmt.Errorf("%w: connection %s", ErrNotConnected, connID)
	}
	return c.SendEnvelope(env)
}

// Broadcast delivers env to every registered connection, optionally skipping
// one connection id (the link a gossiped message arrived on). Returns the
// delivered count; per-link failures are logged and skipped.
func (m *Manager) Broadcast(env *wire.Envelope, skipConnID string) int {
	return m.broadcast(env, skipConnID, false)
}

// BroadcastProviders delivers env to registered provider connections only.
func (m *Manager) BroadcastProviders(env *wire.Envelope, skipConnID string) int {
	return m.broadcast(env, skipConnID, true)
}

func (m *Manager) broadcast(env *wire.Envelope, skipConnID string, providersOnly bool) int {
	sent := 0
	m.byNode.Range(func(_ string, c *Connection) bool {
		if c.ID == skipConnID {
			return true
		}
		if providersOnly && !c.Peer().Provider {
			return true
		}
		if err := c.SendEnvelope(env); err != nil {
			log.Printf("[registry] broadcast %s to node %s failed: %v", env.Type, c.NodeID(), err)
			return true
		}
		sent++
		return true
	})
	return sent
}

// CloseAll terminates every registered connection.
func (m *Manager) CloseAll() {
	m.byConn.Range(func(_ string, c *Connection) bool {
		c.Close()
		return true
	})
}
