package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/admesh-net/admesh/internal/guid"
	"github.com/admesh-net/admesh/internal/wire"
)

// DefaultRequestTimeout bounds how long a self-originated request waits for an
// answer from the mesh. Kept under the relay TTL so the routing record is
// still alive when a late answer arrives for someone else to drop.
const DefaultRequestTimeout = 15 * time.Second

// RequestAdvertisements asks the mesh for creatives on behalf of a device and
// waits for the first answer.
func (e *Engine) RequestAdvertisements(ctx context.Context, deviceID, clientIP, walletAddress string) (*wire.AdNewContent, error) {
	requestGUID := guid.New()
	content := &wire.AdRequestContent{
		RequestGUID:   requestGUID,
		DeviceID:      deviceID,
		ClientIP:      clientIP,
		WalletAddress: walletAddress,
		NetworkMode:   e.payments.NetworkMode(),
	}
	env, err := e.newEnvelope(wire.TypeAdvertisementRequest, content, &content.BaseContent)
	if err != nil {
		return nil, err
	}

	ch, done := addWaiter(e.adWaiters, requestGUID)
	defer done()
	e.adRelay.RecordLocal(requestGUID)
	if sent := e.manager.BroadcastProviders(env, ""); sent == 0 {
		return nil, fmt.Errorf("engine: no connected providers for request %s", requestGUID)
	}
	return awaitAnswer(ctx, ch, requestGUID, DefaultRequestTimeout)
}

// RequestSync asks the mesh for a provider's full active inventory.
func (e *Engine) RequestSync(ctx context.Context, deviceID string) (*wire.SyncContent, error) {
	requestGUID := guid.New()
	content := &wire.SyncRequestContent{
		RequestGUID: requestGUID,
		DeviceID:    deviceID,
	}
	env, err := e.newEnvelope(wire.TypeAdvertisementSyncRequest, content, &content.BaseContent)
	if err != nil {
		return nil, err
	}

	ch, done := addWaiter(e.syncWaiters, requestGUID)
	defer done()
	e.syncRelay.RecordLocal(requestGUID)
	if sent := e.manager.BroadcastProviders(env, ""); sent == 0 {
		return nil, fmt.Errorf("engine: no connected providers for sync %s", requestGUID)
	}
	return awaitAnswer(ctx, ch, requestGUID, DefaultRequestTimeout)
}

// RequestNetworkAds asks the named publisher node for a budget allocation on
// behalf of an ad network.
func (e *Engine) RequestNetworkAds(ctx context.Context, networkGUID, publisherNodeID string) (*wire.NetworkAdSyncContent, error) {
	requestGUID := guid.New()
	content := &wire.NetworkAdRequestContent{
		RequestGUID:     requestGUID,
		NetworkGUID:     networkGUID,
		PublisherNodeID: publisherNodeID,
	}
	env, err := e.newEnvelope(wire.TypeNetworkAdvertisementRequest, content, &content.BaseContent)
	if err != nil {
		return nil, err
	}

	ch, done := addWaiter(e.networkWaiters, requestGUID)
	defer done()
	e.networkRelay.RecordLocal(requestGUID)
	if sent := e.manager.BroadcastProviders(env, ""); sent == 0 {
		return nil, fmt.Errorf("engine: no connected providers for network request %s", requestGUID)
	}
	return awaitAnswer(ctx, ch, requestGUID, DefaultRequestTimeout)
}

// SendPaymentRequest claims settlement for one served impression over the
// gossip mesh. The caller hears the outcome asynchronously: either a
// payment_new broadcast or a payment_response error routed back here.
func (e *Engine) SendPaymentRequest(deviceID, advertisementGUID, requestGUID string) error {
	content := &wire.PaymentRequestContent{
		RequestGUID:       requestGUID,
		AdvertisementGUID: advertisementGUID,
		DeviceID:          deviceID,
	}
	env, err := e.newEnvelope(wire.TypePaymentRequest, content, &content.BaseContent)
	if err != nil {
		return err
	}

	e.paymentRelay.RecordLocal(requestGUID)
	if sent := e.manager.BroadcastProviders(env, ""); sent == 0 {
		return fmt.Errorf("engine: no connected providers for payment request %s", requestGUID)
	}
	return nil
}
