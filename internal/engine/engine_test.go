package engine_test

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/admesh-net/admesh/internal/adnet"
	"github.com/admesh-net/admesh/internal/chain"
	"github.com/admesh-net/admesh/internal/clock"
	"github.com/admesh-net/admesh/internal/engine"
	"github.com/admesh-net/admesh/internal/guid"
	"github.com/admesh-net/admesh/internal/model"
	"github.com/admesh-net/admesh/internal/payment"
	"github.com/admesh-net/admesh/internal/registry"
	"github.com/admesh-net/admesh/internal/state"
	"github.com/admesh-net/admesh/internal/throttle"
)

type allowAll struct{}

func (allowAll) Check(context.Context, string) (bool, error) { return true, nil }

type testNode struct {
	nodeID   string
	engine   *engine.Engine
	manager  *registry.Manager
	listener *registry.Listener
	store    *state.Store
	payments *payment.Engine
	chain    *chain.FakeClient
}

func (n *testNode) addr() string {
	return n.listener.Addr().String()
}

func newTestNode(t *testing.T, provider bool, payCfg payment.Config) *testNode {
	t.Helper()

	store, err := state.Open(t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	clk := clock.NewSynced()
	nodeID := guid.New()
	dispatcher := registry.NewDispatcher()
	manager := registry.NewManager(registry.Config{
		NodeID:          nodeID,
		TransportPrefix: "tcp://",
		Address:         "127.0.0.1",
		Provider:        provider,
	}, clk, dispatcher)

	fake := chain.NewFakeClient(8)
	payments := payment.NewEngine(payCfg, store, fake, clk, nil)
	if err := payments.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	payments.Start(context.Background())
	t.Cleanup(payments.Stop)

	allocator := adnet.NewAllocator(store, payments, clk)
	ipThrottle := throttle.NewIPThrottle(throttle.Config{}, store, clk)
	reputation := throttle.NewReputationCache(allowAll{})
	t.Cleanup(reputation.Close)

	eng := engine.New(engine.Config{
		NodeID:          nodeID,
		TransportPrefix: "tcp://",
		Address:         "127.0.0.1",
		Provider:        provider,
	}, clk, store, manager, dispatcher, payments, allocator, ipThrottle, reputation)

	listener := registry.NewListener(manager)
	if err := listener.Start("127.0.0.1:0"); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		listener.Stop()
		manager.CloseAll()
	})

	return &testNode{
		nodeID:   nodeID,
		engine:   eng,
		manager:  manager,
		listener: listener,
		store:    store,
		payments: payments,
		chain:    fake,
	}
}

func connect(t *testing.T, from, to *testNode) {
	t.Helper()
	if _, err := from.manager.Connect(to.addr()); err != nil {
		t.Fatalf("connect: %v", err)
	}
}

func seedAd(t *testing.T, n *testNode, adGUID string, bid int64) {
	t.Helper()
	now := time.Now().UnixNano()
	if err := n.store.UpsertAdvertisement(model.Advertisement{
		GUID: adGUID, Title: "Ad " + adGUID, TargetURL: "https://example.com",
		Content: "creative", BidPerImpression: bid, Active: true,
		CreateTimeNs: now, UpdateTimeNs: now,
	}); err != nil {
		t.Fatal(err)
	}
	n.payments.ActiveAds().MarkActive(adGUID)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestAdRequestServedByConnectedProvider(t *testing.T) {
	consumer := newTestNode(t, false, payment.DefaultConfig())
	provider := newTestNode(t, true, payment.DefaultConfig())
	seedAd(t, provider, guid.New(), 500)
	connect(t, consumer, provider)

	answer, err := consumer.engine.RequestAdvertisements(context.Background(), "device-1", "203.0.113.5", "addr-device")
	if err != nil {
		t.Fatal(err)
	}
	if len(answer.Advertisements) != 1 {
		t.Fatalf("got %d advertisements, want 1", len(answer.Advertisements))
	}
	if answer.Advertisements[0].BidPerImpression != 500 {
		t.Fatalf("unexpected payload: %+v", answer.Advertisements[0])
	}

	// The provider logged the grant for settlement and throttling.
	logs, err := provider.store.ListRequestLogs(answer.RequestGUID)
	if err != nil {
		t.Fatal(err)
	}
	if len(logs) != 1 || logs[0].ClientIP != "203.0.113.5" {
		t.Fatalf("unexpected request logs: %+v", logs)
	}
}

func TestAdRequestProxiedThroughIntermediateNode(t *testing.T) {
	consumer := newTestNode(t, false, payment.DefaultConfig())
	middle := newTestNode(t, true, payment.DefaultConfig())
	far := newTestNode(t, true, payment.DefaultConfig())
	seedAd(t, far, guid.New(), 900)
	connect(t, consumer, middle)
	connect(t, middle, far)

	// The middle node has no inventory, so the answer must come from the far
	// provider and route back through the middle node's relay table.
	answer, err := consumer.engine.RequestAdvertisements(context.Background(), "device-1", "203.0.113.6", "addr-device")
	if err != nil {
		t.Fatal(err)
	}
	if len(answer.Advertisements) != 1 || answer.Advertisements[0].BidPerImpression != 900 {
		t.Fatalf("unexpected answer: %+v", answer.Advertisements)
	}
}

func TestAdRequestDeviceRateLimited(t *testing.T) {
	consumer := newTestNode(t, false, payment.DefaultConfig())
	provider := newTestNode(t, true, payment.DefaultConfig())
	seedAd(t, provider, guid.New(), 500)
	connect(t, consumer, provider)

	if _, err := consumer.engine.RequestAdvertisements(context.Background(), "device-1", "203.0.113.5", "addr-device"); err != nil {
		t.Fatal(err)
	}

	// The device's request slot is still outstanding, so the provider stays
	// silent and the second request times out.
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	if _, err := consumer.engine.RequestAdvertisements(ctx, "device-1", "203.0.113.5", "addr-device"); err == nil {
		t.Fatal("second request within the window should not be answered")
	}

	// A different device is unaffected.
	if _, err := consumer.engine.RequestAdvertisements(context.Background(), "device-2", "203.0.113.5", "addr-device"); err != nil {
		t.Fatalf("second device blocked: %v", err)
	}
}

func TestSyncRequestReturnsFullInventory(t *testing.T) {
	consumer := newTestNode(t, false, payment.DefaultConfig())
	provider := newTestNode(t, true, payment.DefaultConfig())
	for i := 0; i < 3; i++ {
		seedAd(t, provider, guid.New(), int64(100*(i+1)))
	}
	connect(t, consumer, provider)

	answer, err := consumer.engine.RequestSync(context.Background(), "device-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(answer.Advertisements) != 3 {
		t.Fatalf("got %d advertisements, want 3", len(answer.Advertisements))
	}
}

func TestPaymentRequestSettlesAndPropagates(t *testing.T) {
	payCfg := payment.DefaultConfig()
	payCfg.FlushThreshold = 1

	consumer := newTestNode(t, false, payCfg)
	provider := newTestNode(t, true, payCfg)
	adGUID := guid.New()
	seedAd(t, provider, adGUID, 700)
	connect(t, consumer, provider)

	answer, err := consumer.engine.RequestAdvertisements(context.Background(), "device-1", "203.0.113.5", "addr-device")
	if err != nil {
		t.Fatal(err)
	}
	requestGUID := answer.RequestGUID

	if err := consumer.engine.SendPaymentRequest("device-1", adGUID, requestGUID); err != nil {
		t.Fatal(err)
	}

	// The provider creates the pending row, the flush loop stamps it, and the
	// settlement broadcast lands in the consumer's ledger as a deposit.
	var ledgerGUID string
	waitFor(t, "provider ledger row", func() bool {
		row, err := provider.store.GetLedgerByPair(adGUID, requestGUID)
		if err != nil {
			return false
		}
		ledgerGUID = row.LedgerGUID
		return row.Status == model.LedgerStatusSent
	})
	waitFor(t, "consumer settlement", func() bool {
		row, err := consumer.store.GetLedgerEntry(ledgerGUID)
		if err != nil {
			return false
		}
		return row.TransactionType == model.TransactionTypeDeposit && row.Deposit == 700
	})
}

func TestPaymentRequestForUnknownRequestCreatesNothing(t *testing.T) {
	consumer := newTestNode(t, false, payment.DefaultConfig())
	provider := newTestNode(t, true, payment.DefaultConfig())
	adGUID := guid.New()
	seedAd(t, provider, adGUID, 700)
	connect(t, consumer, provider)

	bogus := guid.New()
	if err := consumer.engine.SendPaymentRequest("device-1", adGUID, bogus); err != nil {
		t.Fatal(err)
	}

	// The provider answers with an error over the gossip path; no ledger row
	// may appear on either side.
	time.Sleep(300 * time.Millisecond)
	if _, err := provider.store.GetLedgerByPair(adGUID, bogus); !errors.Is(err, state.ErrNotFound) {
		t.Fatalf("expected no ledger row, got err=%v", err)
	}
	if provider.payments.Backlog() != 0 {
		t.Fatalf("backlog = %d, want 0", provider.payments.Backlog())
	}
}

func TestPaymentRequestGoesToProvidersOnly(t *testing.T) {
	consumer := newTestNode(t, false, payment.DefaultConfig())
	bystander := newTestNode(t, false, payment.DefaultConfig())
	connect(t, consumer, bystander)

	// A non-provider peer can never settle a claim, so a mesh with no
	// providers rejects the send instead of flooding it.
	if err := consumer.engine.SendPaymentRequest("device-1", guid.New(), guid.New()); err == nil {
		t.Fatal("payment claim accepted with no provider connected")
	}

	provider := newTestNode(t, true, payment.DefaultConfig())
	connect(t, consumer, provider)
	if err := consumer.engine.SendPaymentRequest("device-1", guid.New(), guid.New()); err != nil {
		t.Fatalf("payment claim with a provider connected: %v", err)
	}
}

func TestNetworkAllocationServedByNamedPublisher(t *testing.T) {
	consumer := newTestNode(t, false, payment.DefaultConfig())
	publisher := newTestNode(t, true, payment.DefaultConfig())
	seedAd(t, publisher, guid.New(), 60_000)
	if err := publisher.store.UpsertAdNetwork(model.AdNetwork{
		GUID: "net-1", Name: "Acme", PayoutAddress: "addr-net",
		DailyBudget: 500_000, CreateTimeNs: time.Now().UnixNano(),
	}); err != nil {
		t.Fatal(err)
	}
	connect(t, consumer, publisher)

	answer, err := consumer.engine.RequestNetworkAds(context.Background(), "net-1", publisher.nodeID)
	if err != nil {
		t.Fatal(err)
	}
	if len(answer.Ledgers) != 1 {
		t.Fatalf("got %d ledger allocations, want 1", len(answer.Ledgers))
	}
	if len(answer.Ledgers[0].Advertisements) == 0 {
		t.Fatal("allocation carries no advertisements")
	}
}

func TestNewPeerGossipReachesIndirectNeighbors(t *testing.T) {
	a := newTestNode(t, false, payment.DefaultConfig())
	b := newTestNode(t, true, payment.DefaultConfig())
	c := newTestNode(t, false, payment.DefaultConfig())

	connect(t, a, b)
	connect(t, c, b)

	// b learns c on handshake and gossips it onward; a persists the row.
	waitFor(t, "gossiped peer row", func() bool {
		n, err := a.store.GetNode(c.nodeID)
		return err == nil && n.NodeID == c.nodeID
	})
}

func TestDuplicateBroadcastProcessedOnce(t *testing.T) {
	consumer := newTestNode(t, false, payment.DefaultConfig())
	provider := newTestNode(t, true, payment.DefaultConfig())
	adGUID := guid.New()
	seedAd(t, provider, adGUID, 700)
	connect(t, consumer, provider)

	answer, err := consumer.engine.RequestAdvertisements(context.Background(), "device-1", "203.0.113.5", "addr-device")
	if err != nil {
		t.Fatal(err)
	}

	// Ten identical payment claims race through the mesh; exactly one pending
	// ledger row may result.
	for i := 0; i < 10; i++ {
		if err := consumer.engine.SendPaymentRequest("device-"+strconv.Itoa(i), adGUID, answer.RequestGUID); err != nil {
			t.Fatal(err)
		}
	}
	waitFor(t, "ledger row", func() bool {
		_, err := provider.store.GetLedgerByPair(adGUID, answer.RequestGUID)
		return err == nil
	})
	time.Sleep(200 * time.Millisecond)
	if got := provider.payments.Backlog(); got > 1 {
		t.Fatalf("backlog = %d, want at most 1", got)
	}
}
