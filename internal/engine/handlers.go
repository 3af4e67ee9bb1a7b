package engine

import (
	"context"
	"errors"
	"log"

	"github.com/admesh-net/admesh/internal/dedup"
	"github.com/admesh-net/admesh/internal/model"
	"github.com/admesh-net/admesh/internal/registry"
	"github.com/admesh-net/admesh/internal/state"
	"github.com/admesh-net/admesh/internal/wire"
)

func (e *Engine) registerHandlers() {
	e.dispatcher.Subscribe(wire.TypeNewPeer, e.handleNewPeer)

	e.dispatcher.Subscribe(wire.TypeAdvertisementRequest, e.handleAdRequest)
	e.dispatcher.Subscribe(wire.TypeAdvertisementNew, e.handleAdNew)

	e.dispatcher.Subscribe(wire.TypeAdvertisementSyncRequest, e.handleSyncRequest)
	e.dispatcher.Subscribe(wire.TypeAdvertisementSync, e.handleSync)

	e.dispatcher.Subscribe(wire.TypeNetworkAdvertisementRequest, e.handleNetworkRequest)
	e.dispatcher.Subscribe(wire.TypeNetworkAdvertisementSync, e.handleNetworkSync)

	e.dispatcher.Subscribe(wire.TypePaymentRequest, e.handlePaymentRequest)
	e.dispatcher.Subscribe(wire.TypePaymentResponse, e.handlePaymentResponse)
	e.dispatcher.Subscribe(wire.TypePaymentNew, e.handlePaymentNew)
}

// accept decodes env into T and applies the global acceptance rule. The bool
// is false when the message must be dropped.
func accept[T interface{ Base() wire.BaseContent }](e *Engine, env *wire.Envelope) (T, bool) {
	content, err := wire.DecodeContent[T](env)
	if err != nil {
		log.Printf("[engine] drop %s: %v", env.Type, err)
		var zero T
		return zero, false
	}
	base := content.Base()
	if !e.acceptor.Accept(base.MessageGUID, base.Timestamp) {
		return content, false
	}
	return content, true
}

// handleNewPeer persists a gossiped peer and forwards the envelope verbatim.
// The dedup cache terminates the flood.
func (e *Engine) handleNewPeer(c *registry.Connection, env *wire.Envelope) {
	content, ok := accept[wire.NewPeerContent](e, env)
	if !ok {
		return
	}
	if content.Peer.NodeID == "" || content.Peer.NodeID == e.cfg.NodeID {
		return
	}

	_, err := e.store.GetNode(content.Peer.NodeID)
	fresh := errors.Is(err, state.ErrNotFound)
	if err != nil && !fresh {
		log.Printf("[engine] node lookup %s failed: %v", content.Peer.NodeID, err)
		return
	}
	if fresh {
		nowNs := e.clk.Now().UnixNano()
		n := model.Node{
			NodeID:          content.Peer.NodeID,
			TransportPrefix: content.Peer.TransportPrefix,
			Address:         content.Peer.Address,
			Port:            content.Peer.Port,
			Status:          model.NodeStatusUnknown,
			Provider:        content.Peer.Provider,
			CreateTimeNs:    nowNs,
			UpdateTimeNs:    nowNs,
		}
		if err := e.store.UpsertNode(n); err != nil {
			log.Printf("[engine] persist gossiped node %s failed: %v", content.Peer.NodeID, err)
			return
		}
	}
	e.manager.Broadcast(env, c.ID)
}

// handleAdRequest relays the request to providers, records the answer route,
// and serves creatives locally when this node is a provider.
func (e *Engine) handleAdRequest(c *registry.Connection, env *wire.Envelope) {
	content, ok := accept[wire.AdRequestContent](e, env)
	if !ok {
		return
	}
	if content.RequestGUID == "" {
		return
	}

	e.adRelay.RecordProxied(content.RequestGUID, c.ID)
	e.manager.BroadcastProviders(env, c.ID)

	if !e.cfg.Provider {
		return
	}
	if !e.queues.TryAcquire(dedup.KeyFor(queuePrefixRequest, content.DeviceID), DeviceAdRequestCap) {
		return
	}

	ads := e.serveAds(content)
	if len(ads) == 0 {
		return
	}
	answer := &wire.AdNewContent{
		RequestGUID:    content.RequestGUID,
		Advertisements: ads,
	}
	out, err := e.newEnvelope(wire.TypeAdvertisementNew, answer, &answer.BaseContent)
	if err != nil {
		log.Printf("[engine] build advertisement_new: %v", err)
		return
	}
	if err := c.SendEnvelope(out); err != nil {
		log.Printf("[engine] answer request %s: %v", content.RequestGUID, err)
	}
}

// serveAds applies the serving gates in cost order and returns the creatives
// granted to the request, logging each grant. The reputation service is
// consulted only once at least one eligible candidate exists.
func (e *Engine) serveAds(req wire.AdRequestContent) []wire.AdPayload {
	if e.ipThrottle.Throttled(req.ClientIP) {
		return nil
	}

	candidates, err := e.store.ListActiveAdvertisements()
	if err != nil {
		log.Printf("[engine] list candidates: %v", err)
		return nil
	}
	if req.NetworkMode != "" && req.NetworkMode != e.payments.NetworkMode() {
		return nil
	}
	if len(candidates) == 0 {
		return nil
	}

	allowed, err := e.reputation.Allowed(context.Background(), req.ClientIP)
	if err != nil {
		log.Printf("[engine] reputation lookup %s: %v", req.ClientIP, err)
		return nil
	}
	if !allowed {
		return nil
	}

	if len(candidates) > MaxAdsPerResponse {
		candidates = candidates[:MaxAdsPerResponse]
	}

	nowNs := e.clk.Now().UnixNano()
	var payloads []wire.AdPayload
	for _, ad := range candidates {
		err := e.store.InsertRequestLog(model.RequestLog{
			RequestGUID:       req.RequestGUID,
			AdvertisementGUID: ad.GUID,
			DeviceID:          req.DeviceID,
			ClientIP:          req.ClientIP,
			WalletAddress:     req.WalletAddress,
			NetworkMode:       e.payments.NetworkMode(),
			ImpressionCount:   1,
			CreateTimeNs:      nowNs,
		})
		if err != nil {
			log.Printf("[engine] log grant %s/%s: %v", req.RequestGUID, ad.GUID, err)
			continue
		}
		payloads = append(payloads, e.adPayload(ad))
	}
	if len(payloads) > 0 {
		e.ipThrottle.NoteServed(req.ClientIP)
	}
	return payloads
}

func (e *Engine) adPayload(ad model.Advertisement) wire.AdPayload {
	attrs, err := e.store.ListAdAttributes(ad.GUID)
	if err != nil {
		log.Printf("[engine] attributes for %s: %v", ad.GUID, err)
		attrs = nil
	}
	return wire.AdPayload{
		GUID:             ad.GUID,
		Title:            ad.Title,
		TargetURL:        ad.TargetURL,
		Content:          ad.Content,
		BidPerImpression: ad.BidPerImpression,
		Category:         ad.Category,
		Attributes:       attrs,
	}
}

// handleAdNew routes an answer: consumed locally for a self-originated
// request, forwarded verbatim down the recorded link for a proxied one,
// dropped when no route remains.
func (e *Engine) handleAdNew(c *registry.Connection, env *wire.Envelope) {
	content, ok := accept[wire.AdNewContent](e, env)
	if !ok {
		return
	}
	local, connID, ok := e.adRelay.Resolve(content.RequestGUID)
	if !ok {
		return
	}
	if local {
		if ch, ok := e.adWaiters.Load(content.RequestGUID); ok {
			select {
			case ch <- &content:
			default:
			}
		}
		return
	}
	if err := e.manager.SendConn(connID, env); err != nil {
		log.Printf("[engine] forward advertisement_new for %s: %v", content.RequestGUID, err)
	}
}

// handleSyncRequest answers with every active creative. Sync shares the ad
// request rate-limit key, so one device gets one of either per window.
func (e *Engine) handleSyncRequest(c *registry.Connection, env *wire.Envelope) {
	content, ok := accept[wire.SyncRequestContent](e, env)
	if !ok {
		return
	}
	if content.RequestGUID == "" {
		return
	}

	e.syncRelay.RecordProxied(content.RequestGUID, c.ID)
	e.manager.BroadcastProviders(env, c.ID)

	if !e.cfg.Provider {
		return
	}
	if !e.queues.TryAcquire(dedup.KeyFor(queuePrefixRequest, content.DeviceID), DeviceAdRequestCap) {
		return
	}

	ads, err := e.store.ListActiveAdvertisements()
	if err != nil {
		log.Printf("[engine] list active for sync: %v", err)
		return
	}
	answer := &wire.SyncContent{RequestGUID: content.RequestGUID}
	for _, ad := range ads {
		answer.Advertisements = append(answer.Advertisements, e.adPayload(ad))
	}
	out, err := e.newEnvelope(wire.TypeAdvertisementSync, answer, &answer.BaseContent)
	if err != nil {
		log.Printf("[engine] build advertisement_sync: %v", err)
		return
	}
	if err := c.SendEnvelope(out); err != nil {
		log.Printf("[engine] answer sync %s: %v", content.RequestGUID, err)
	}
}

func (e *Engine) handleSync(c *registry.Connection, env *wire.Envelope) {
	content, ok := accept[wire.SyncContent](e, env)
	if !ok {
		return
	}
	local, connID, ok := e.syncRelay.Resolve(content.RequestGUID)
	if !ok {
		return
	}
	if local {
		if ch, ok := e.syncWaiters.Load(content.RequestGUID); ok {
			select {
			case ch <- &content:
			default:
			}
		}
		return
	}
	if err := e.manager.SendConn(connID, env); err != nil {
		log.Printf("[engine] forward advertisement_sync for %s: %v", content.RequestGUID, err)
	}
}

// handleNetworkRequest allocates against the named network's budget when this
// node is the named publisher; every other node only relays.
func (e *Engine) handleNetworkRequest(c *registry.Connection, env *wire.Envelope) {
	content, ok := accept[wire.NetworkAdRequestContent](e, env)
	if !ok {
		return
	}
	if content.RequestGUID == "" {
		return
	}

	if content.PublisherNodeID != e.cfg.NodeID {
		e.networkRelay.RecordProxied(content.RequestGUID, c.ID)
		e.manager.BroadcastProviders(env, c.ID)
		return
	}

	answer, err := e.allocator.HandleRequest(content.NetworkGUID, content.RequestGUID)
	if err != nil {
		log.Printf("[engine] network allocation %s: %v", content.RequestGUID, err)
		return
	}
	out, err := e.newEnvelope(wire.TypeNetworkAdvertisementSync, answer, &answer.BaseContent)
	if err != nil {
		log.Printf("[engine] build network sync: %v", err)
		return
	}
	if err := c.SendEnvelope(out); err != nil {
		log.Printf("[engine] answer network request %s: %v", content.RequestGUID, err)
	}
}

func (e *Engine) handleNetworkSync(c *registry.Connection, env *wire.Envelope) {
	content, ok := accept[wire.NetworkAdSyncContent](e, env)
	if !ok {
		return
	}
	local, connID, ok := e.networkRelay.Resolve(content.RequestGUID)
	if !ok {
		return
	}
	if local {
		if ch, ok := e.networkWaiters.Load(content.RequestGUID); ok {
			select {
			case ch <- &content:
			default:
			}
		}
		return
	}
	if err := e.manager.SendConn(connID, env); err != nil {
		log.Printf("[engine] forward network sync for %s: %v", content.RequestGUID, err)
	}
}

// handlePaymentRequest relays first, then runs the settlement pipeline when
// this node is a provider. Outcomes travel two separate paths: errors go back
// down the request's link, reconstructed settlements are broadcast.
func (e *Engine) handlePaymentRequest(c *registry.Connection, env *wire.Envelope) {
	content, ok := accept[wire.PaymentRequestContent](e, env)
	if !ok {
		return
	}
	if content.RequestGUID == "" || content.AdvertisementGUID == "" {
		return
	}

	e.paymentRelay.RecordProxied(content.RequestGUID, c.ID)
	e.manager.BroadcastProviders(env, c.ID)

	if !e.cfg.Provider {
		return
	}
	key := dedup.KeyFor(queuePrefixPayment, content.DeviceID)
	if !e.queues.TryAcquire(key, DevicePaymentRequestCap) {
		return
	}
	defer e.queues.Release(key)

	outcome, err := e.payments.ProcessRequest(content.AdvertisementGUID, content.RequestGUID)
	if err != nil {
		log.Printf("[engine] payment request %s/%s: %v", content.AdvertisementGUID, content.RequestGUID, err)
		return
	}

	switch {
	case outcome.ErrorCode != "":
		resp := &wire.PaymentResponseContent{
			RequestGUID:       content.RequestGUID,
			AdvertisementGUID: content.AdvertisementGUID,
			Error:             outcome.ErrorCode,
		}
		out, err := e.newEnvelope(wire.TypePaymentResponse, resp, &resp.BaseContent)
		if err != nil {
			log.Printf("[engine] build payment response: %v", err)
			return
		}
		if err := c.SendEnvelope(out); err != nil {
			log.Printf("[engine] send payment response %s: %v", content.RequestGUID, err)
		}
	case outcome.Settlement != nil:
		e.broadcastSettlements([]wire.SettlementPayload{*outcome.Settlement})
	}
}

// handlePaymentResponse routes a payment error back toward its requester.
func (e *Engine) handlePaymentResponse(c *registry.Connection, env *wire.Envelope) {
	content, ok := accept[wire.PaymentResponseContent](e, env)
	if !ok {
		return
	}
	local, connID, ok := e.paymentRelay.Resolve(content.RequestGUID)
	if !ok {
		return
	}
	if local {
		log.Printf("[engine] payment %s/%s rejected: %s",
			content.AdvertisementGUID, content.RequestGUID, content.Error)
		return
	}
	if err := e.manager.SendConn(connID, env); err != nil {
		log.Printf("[engine] forward payment response for %s: %v", content.RequestGUID, err)
	}
}

// handlePaymentNew records broadcast settlements and floods them onward.
func (e *Engine) handlePaymentNew(c *registry.Connection, env *wire.Envelope) {
	content, ok := accept[wire.PaymentNewContent](e, env)
	if !ok {
		return
	}
	if err := e.payments.RecordSettlements(content.Settlements); err != nil {
		log.Printf("[engine] record settlements: %v", err)
		return
	}
	e.manager.Broadcast(env, c.ID)
}
