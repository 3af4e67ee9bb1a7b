// Package engine is the protocol core: it owns the registries, dedup caches,
// relay tables, and collaborator components, registers every message handler
// on the dispatcher, and implements the three request families plus payment
// gossip on top of them.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/admesh-net/admesh/internal/adnet"
	"github.com/admesh-net/admesh/internal/clock"
	"github.com/admesh-net/admesh/internal/dedup"
	"github.com/admesh-net/admesh/internal/guid"
	"github.com/admesh-net/admesh/internal/model"
	"github.com/admesh-net/admesh/internal/payment"
	"github.com/admesh-net/admesh/internal/registry"
	"github.com/admesh-net/admesh/internal/relay"
	"github.com/admesh-net/admesh/internal/state"
	"github.com/admesh-net/admesh/internal/throttle"
	"github.com/admesh-net/admesh/internal/wire"
)

// Per-device caps on outstanding requests.
const (
	DeviceAdRequestCap      = 1
	DevicePaymentRequestCap = 5
)

// Rate-limit key prefixes.
const (
	queuePrefixRequest = "request"
	queuePrefixPayment = "payment"
)

// MaxAdsPerResponse bounds one advertisement answer.
const MaxAdsPerResponse = 10

// Config identifies this node and its serving role.
type Config struct {
	NodeID          string
	TransportPrefix string
	Address         string
	Port            int
	Provider        bool
}

// Engine is the one explicit protocol context.
type Engine struct {
	cfg Config
	clk clock.Clock

	store      *state.Store
	manager    *registry.Manager
	dispatcher *registry.Dispatcher

	acceptor *dedup.Acceptor
	dedupC   *dedup.Cache
	queues   *dedup.DeviceQueues
	pruner   *dedup.Pruner

	adRelay      *relay.Table
	syncRelay    *relay.Table
	networkRelay *relay.Table
	paymentRelay *relay.Table

	payments   *payment.Engine
	allocator  *adnet.Allocator
	ipThrottle *throttle.IPThrottle
	reputation *throttle.ReputationCache

	// adWaiters delivers answers for self-originated ad requests.
	adWaiters *xsync.Map[string, chan *wire.AdNewContent]
	// syncWaiters delivers answers for self-originated sync requests.
	syncWaiters *xsync.Map[string, chan *wire.SyncContent]
	// networkWaiters delivers answers for self-originated network requests.
	networkWaiters *xsync.Map[string, chan *wire.NetworkAdSyncContent]
}

// New assembles the engine from its collaborators and registers all message
// handlers. The registry manager must use the same dispatcher.
func New(
	cfg Config,
	clk clock.Clock,
	store *state.Store,
	manager *registry.Manager,
	dispatcher *registry.Dispatcher,
	payments *payment.Engine,
	allocator *adnet.Allocator,
	ipThrottle *throttle.IPThrottle,
	reputation *throttle.ReputationCache,
) *Engine {
	dedupCache := dedup.NewCache(clk)
	queues := dedup.NewDeviceQueues(clk)
	adRelay := relay.NewTable(clk, relay.DefaultTTL)
	syncRelay := relay.NewTable(clk, relay.DefaultTTL)
	networkRelay := relay.NewTable(clk, relay.DefaultTTL)
	paymentRelay := relay.NewTable(clk, relay.DefaultTTL)

	e := &Engine{
		cfg:            cfg,
		clk:            clk,
		store:          store,
		manager:        manager,
		dispatcher:     dispatcher,
		acceptor:       dedup.NewAcceptor(dedupCache, clk),
		dedupC:         dedupCache,
		queues:         queues,
		pruner:         dedup.NewPruner(dedupCache, queues, adRelay, syncRelay, networkRelay, paymentRelay),
		adRelay:        adRelay,
		syncRelay:      syncRelay,
		networkRelay:   networkRelay,
		paymentRelay:   paymentRelay,
		payments:       payments,
		allocator:      allocator,
		ipThrottle:     ipThrottle,
		reputation:     reputation,
		adWaiters:      xsync.NewMap[string, chan *wire.AdNewContent](),
		syncWaiters:    xsync.NewMap[string, chan *wire.SyncContent](),
		networkWaiters: xsync.NewMap[string, chan *wire.NetworkAdSyncContent](),
	}

	manager.OnPeerSeen(e.onPeerSeen)
	manager.OnStatusChanged(e.onStatusChanged)
	payments.OnSettled(e.broadcastSettlements)
	e.registerHandlers()
	return e
}

// Start launches the background loops the engine owns.
func (e *Engine) Start() {
	e.pruner.Start()
	e.ipThrottle.Start()
}

// Stop halts the engine's loops.
func (e *Engine) Stop() {
	e.pruner.Stop()
	e.ipThrottle.Stop()
}

// Payments exposes the settlement engine for the API layer.
func (e *Engine) Payments() *payment.Engine { return e.payments }

// Store exposes the persistence layer for the API layer.
func (e *Engine) Store() *state.Store { return e.store }

// Manager exposes the connection registry for the API layer.
func (e *Engine) Manager() *registry.Manager { return e.manager }

// onPeerSeen persists a handshaken peer. A peer this node has never heard of
// is gossiped onward as new_peer.
func (e *Engine) onPeerSeen(peer wire.PeerInfo) {
	nowNs := e.clk.Now().UnixNano()
	_, err := e.store.GetNode(peer.NodeID)
	fresh := errors.Is(err, state.ErrNotFound)
	if err != nil && !fresh {
		log.Printf("[engine] node lookup %s failed: %v", peer.NodeID, err)
		return
	}

	n := model.Node{
		NodeID:          peer.NodeID,
		TransportPrefix: peer.TransportPrefix,
		Address:         peer.Address,
		Port:            peer.Port,
		Status:          model.NodeStatusUnknown,
		Provider:        peer.Provider,
		CreateTimeNs:    nowNs,
		UpdateTimeNs:    nowNs,
	}
	if err := e.store.UpsertNode(n); err != nil {
		log.Printf("[engine] persist node %s failed: %v", peer.NodeID, err)
		return
	}

	if fresh {
		e.gossipNewPeer(peer, "")
	}
}

// onStatusChanged persists node online/offline transitions. A node never
// returns to unknown once a connection has resolved it.
func (e *Engine) onStatusChanged(nodeID string, online bool) {
	status := model.NodeStatusOffline
	if online {
		status = model.NodeStatusOnline
	}
	if err := e.store.SetNodeStatus(nodeID, status, e.clk.Now().UnixNano()); err != nil {
		log.Printf("[engine] persist status for %s failed: %v", nodeID, err)
	}
}

// gossipNewPeer announces a newly learned peer, skipping the connection the
// knowledge arrived on.
func (e *Engine) gossipNewPeer(peer wire.PeerInfo, skipConnID string) {
	content := &wire.NewPeerContent{Peer: peer}
	env, err := e.newEnvelope(wire.TypeNewPeer, content, &content.BaseContent)
	if err != nil {
		log.Printf("[engine] build new_peer: %v", err)
		return
	}
	e.manager.Broadcast(env, skipConnID)
}

// newEnvelope stamps base with a fresh message GUID and network timestamp and
// inserts the GUID into the dedup cache, so this node's own gossip echoed
// back through the mesh is rejected. base must point into content.
func (e *Engine) newEnvelope(msgType string, content any, base *wire.BaseContent) (*wire.Envelope, error) {
	base.MessageGUID = guid.New()
	base.Timestamp = e.clk.Now().UnixMilli()
	e.dedupC.Insert(base.MessageGUID, dedup.DefaultTTL)
	return wire.NewEnvelope(msgType, content)
}

// broadcastSettlements pushes one payment_new batch to every peer.
func (e *Engine) broadcastSettlements(settlements []wire.SettlementPayload) {
	content := &wire.PaymentNewContent{Settlements: settlements}
	env, err := e.newEnvelope(wire.TypePaymentNew, content, &content.BaseContent)
	if err != nil {
		log.Printf("[engine] build payment_new: %v", err)
		return
	}
	e.manager.Broadcast(env, "")
}

// addWaiter registers the answer channel for a request. Registration happens
// before the request leaves this node, so an answer can never beat the waiter.
func addWaiter[T any](waiters *xsync.Map[string, chan *T], requestGUID string) (chan *T, func()) {
	ch := make(chan *T, 1)
	waiters.Store(requestGUID, ch)
	return ch, func() { waiters.Delete(requestGUID) }
}

// awaitAnswer blocks until the waiter channel delivers or the deadline passes.
func awaitAnswer[T any](ctx context.Context, ch chan *T, requestGUID string, timeout time.Duration) (*T, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case answer := <-ch:
		return answer, nil
	case <-timer.C:
		return nil, fmt.Errorf("engine: request %s timed out", requestGUID)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
