package payment

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/admesh-net/admesh/internal/chain"
	"github.com/admesh-net/admesh/internal/clock"
	"github.com/admesh-net/admesh/internal/model"
	"github.com/admesh-net/admesh/internal/state"
	"github.com/admesh-net/admesh/internal/wire"
)

func newTestEngine(t *testing.T, cfg Config) (*Engine, *state.Store, *chain.FakeClient, *clock.Fixed) {
	t.Helper()
	store, err := state.Open(t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	fc := chain.NewFakeClient(4)
	clk := clock.NewFixed(time.Unix(1_700_000_000, 0))
	e := NewEngine(cfg, store, fc, clk, nil)
	if err := e.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(e.Stop)
	return e, store, fc, clk
}

func seedServedRequest(t *testing.T, store *state.Store, e *Engine, adGUID, reqGUID string, bid int64) {
	t.Helper()
	now := time.Now().UnixNano()
	if err := store.UpsertAdvertisement(model.Advertisement{
		GUID: adGUID, BidPerImpression: bid, Active: true,
		CreateTimeNs: now, UpdateTimeNs: now,
	}); err != nil {
		t.Fatal(err)
	}
	e.ActiveAds().MarkActive(adGUID)
	if err := store.InsertRequestLog(model.RequestLog{
		RequestGUID: reqGUID, AdvertisementGUID: adGUID, DeviceID: "dev-1",
		ClientIP: "203.0.113.1", WalletAddress: "addr-peer",
		NetworkMode: chain.NetworkModeTest, ImpressionCount: 1, CreateTimeNs: now,
	}); err != nil {
		t.Fatal(err)
	}
}

func TestProcessRequest_IdempotentPerPair(t *testing.T) {
	e, store, _, _ := newTestEngine(t, DefaultConfig())
	seedServedRequest(t, store, e, "ad-1", "req-1", 100_000)

	out, err := e.ProcessRequest("ad-1", "req-1")
	if err != nil {
		t.Fatal(err)
	}
	if !out.Created {
		t.Fatal("first request did not create a ledger row")
	}

	// Repeated delivery never creates a second row for the pair.
	for i := 0; i < 5; i++ {
		out, err = e.ProcessRequest("ad-1", "req-1")
		if err != nil {
			t.Fatal(err)
		}
		if out.Created {
			t.Fatal("duplicate request created a second ledger row")
		}
		if out.Settlement == nil {
			t.Fatal("duplicate request did not reconstruct the settlement")
		}
	}
	if got := e.Backlog(); got != 1 {
		t.Fatalf("backlog = %d, want 1", got)
	}
}

func TestProcessRequest_ConcurrentDuplicates(t *testing.T) {
	e, store, _, _ := newTestEngine(t, DefaultConfig())
	seedServedRequest(t, store, e, "ad-1", "req-1", 100_000)

	var wg sync.WaitGroup
	created := make(chan bool, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := e.ProcessRequest("ad-1", "req-1")
			if err != nil {
				t.Error(err)
				return
			}
			created <- out.Created
		}()
	}
	wg.Wait()
	close(created)

	n := 0
	for c := range created {
		if c {
			n++
		}
	}
	if n != 1 {
		t.Fatalf("%d handlers created a row, want exactly 1", n)
	}
}

func TestProcessRequest_ErrorOutcomes(t *testing.T) {
	e, store, _, _ := newTestEngine(t, DefaultConfig())
	now := time.Now().UnixNano()

	// Active ad with no request log at all: bogus claim.
	if err := store.UpsertAdvertisement(model.Advertisement{
		GUID: "ad-1", BidPerImpression: 100, Active: true, CreateTimeNs: now, UpdateTimeNs: now,
	}); err != nil {
		t.Fatal(err)
	}
	e.ActiveAds().MarkActive("ad-1")

	out, err := e.ProcessRequest("ad-1", "req-unknown")
	if err != nil {
		t.Fatal(err)
	}
	if out.ErrorCode != wire.PaymentErrCreativeRequestNotFound {
		t.Fatalf("error = %q, want %q", out.ErrorCode, wire.PaymentErrCreativeRequestNotFound)
	}

	// Log exists but names a different advertisement: possible race.
	e.ActiveAds().MarkActive("ad-2")
	if err := store.UpsertAdvertisement(model.Advertisement{
		GUID: "ad-2", BidPerImpression: 100, Active: true, CreateTimeNs: now, UpdateTimeNs: now,
	}); err != nil {
		t.Fatal(err)
	}
	if err := store.InsertRequestLog(model.RequestLog{
		RequestGUID: "req-1", AdvertisementGUID: "ad-1", ImpressionCount: 1, CreateTimeNs: now,
	}); err != nil {
		t.Fatal(err)
	}
	out, err = e.ProcessRequest("ad-2", "req-1")
	if err != nil {
		t.Fatal(err)
	}
	if out.ErrorCode != wire.PaymentErrAdvertisementNotFound {
		t.Fatalf("error = %q, want %q", out.ErrorCode, wire.PaymentErrAdvertisementNotFound)
	}

	// Inactive advertisement drops silently.
	out, err = e.ProcessRequest("ad-inactive", "req-1")
	if err != nil {
		t.Fatal(err)
	}
	if out.Created || out.ErrorCode != "" || out.Settlement != nil {
		t.Fatalf("inactive ad produced outcome %+v", out)
	}
}

func TestProcessRequest_BacklogCeilingDropsSilently(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BacklogCeiling = 2
	cfg.FlushThreshold = 100
	e, store, _, _ := newTestEngine(t, cfg)

	for i := 0; i < 2; i++ {
		seedServedRequest(t, store, e, "ad-"+strconv.Itoa(i), "req-"+strconv.Itoa(i), 100)
		if _, err := e.ProcessRequest("ad-"+strconv.Itoa(i), "req-"+strconv.Itoa(i)); err != nil {
			t.Fatal(err)
		}
	}
	if e.Backlog() != 2 {
		t.Fatalf("backlog = %d, want 2", e.Backlog())
	}

	seedServedRequest(t, store, e, "ad-x", "req-x", 100)
	out, err := e.ProcessRequest("ad-x", "req-x")
	if err != nil {
		t.Fatal(err)
	}
	if out.Created || out.ErrorCode != "" {
		t.Fatalf("saturated engine produced outcome %+v", out)
	}
	if e.Backlog() != 2 {
		t.Fatalf("backlog moved to %d at ceiling", e.Backlog())
	}
	if _, err := store.GetLedgerByPair("ad-x", "req-x"); !errors.Is(err, state.ErrNotFound) {
		t.Fatalf("row was created at ceiling: %v", err)
	}
}

func TestFlush_StampsPositionsAndFee(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FlushThreshold = 100
	e, store, fc, _ := newTestEngine(t, cfg)

	for i := 0; i < 3; i++ {
		ad, req := "ad-"+strconv.Itoa(i), "req-"+strconv.Itoa(i)
		seedServedRequest(t, store, e, ad, req, int64(100+i))
		if _, err := e.ProcessRequest(ad, req); err != nil {
			t.Fatal(err)
		}
	}

	var settled []wire.SettlementPayload
	e.OnSettled(func(s []wire.SettlementPayload) { settled = s })

	if err := e.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}
	if n := len(fc.SentTransactions()); n != 1 {
		t.Fatalf("sent %d transactions, want 1", n)
	}
	if e.Backlog() != 0 {
		t.Fatalf("backlog = %d after flush, want 0", e.Backlog())
	}
	if len(settled) != 3 {
		t.Fatalf("settled callback got %d rows, want 3", len(settled))
	}

	positions := map[int]bool{}
	for _, s := range settled {
		positions[s.OutputPosition] = true
		row, err := store.GetLedgerEntry(s.LedgerGUID)
		if err != nil {
			t.Fatal(err)
		}
		if row.Status != model.LedgerStatusSent || row.TransactionID != s.TransactionID {
			t.Fatalf("row not stamped: %+v", row)
		}
	}
	for i := 0; i < 3; i++ {
		if !positions[i] {
			t.Fatalf("missing output position %d in %v", i, positions)
		}
	}
}

func TestFlush_FailureLeavesRowsAndCounter(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FlushThreshold = 100
	e, store, fc, _ := newTestEngine(t, cfg)

	seedServedRequest(t, store, e, "ad-1", "req-1", 100)
	if _, err := e.ProcessRequest("ad-1", "req-1"); err != nil {
		t.Fatal(err)
	}

	fc.FailSends(errors.New("wallet offline"))

	if err := e.Flush(context.Background()); err == nil {
		t.Fatal("expected flush error")
	}
	if e.Backlog() != 1 {
		t.Fatalf("backlog = %d after failed flush, want 1", e.Backlog())
	}
	pending, err := store.ListPendingWithdrawals(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 {
		t.Fatalf("pending rows = %d after failed flush, want 1", len(pending))
	}
}

func TestFlush_RespectsMaxOutputs(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FlushThreshold = 100
	e, store, fc, _ := newTestEngine(t, cfg)

	// Wallet allows 4 outputs, so at most 3 rows flush per transaction.
	for i := 0; i < 5; i++ {
		ad, req := "ad-"+strconv.Itoa(i), "req-"+strconv.Itoa(i)
		seedServedRequest(t, store, e, ad, req, 100)
		if _, err := e.ProcessRequest(ad, req); err != nil {
			t.Fatal(err)
		}
	}

	if err := e.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}
	firstBatch := len(fc.SentTransactions()[0])
	if firstBatch != 3 {
		t.Fatalf("first batch had %d outputs, want 3", firstBatch)
	}
	if e.Backlog() != 2 {
		t.Fatalf("backlog = %d after first flush, want 2", e.Backlog())
	}
}

func TestFlush_ExcludesOtherNetworkMode(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FlushThreshold = 100
	e, store, fc, _ := newTestEngine(t, cfg)
	now := time.Now().UnixNano()

	// One row whose request log claims the live chain while the wallet is on
	// the test chain.
	if err := store.UpsertAdvertisement(model.Advertisement{
		GUID: "ad-live", BidPerImpression: 100, Active: true, CreateTimeNs: now, UpdateTimeNs: now,
	}); err != nil {
		t.Fatal(err)
	}
	e.ActiveAds().MarkActive("ad-live")
	if err := store.InsertRequestLog(model.RequestLog{
		RequestGUID: "req-live", AdvertisementGUID: "ad-live", WalletAddress: "addr-x",
		NetworkMode: chain.NetworkModeLive, ImpressionCount: 1, CreateTimeNs: now,
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := e.ProcessRequest("ad-live", "req-live"); err != nil {
		t.Fatal(err)
	}

	if err := e.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}
	if n := len(fc.SentTransactions()); n != 0 {
		t.Fatalf("cross-network row was paid: %d transactions sent", n)
	}
}

func TestReconcile_MarksStableOutputsPaid(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FlushThreshold = 100
	e, store, fc, _ := newTestEngine(t, cfg)

	seedServedRequest(t, store, e, "ad-1", "req-1", 100)
	seedServedRequest(t, store, e, "ad-2", "req-2", 100)
	for _, pair := range [][2]string{{"ad-1", "req-1"}, {"ad-2", "req-2"}} {
		if _, err := e.ProcessRequest(pair[0], pair[1]); err != nil {
			t.Fatal(err)
		}
	}
	if err := e.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}

	// Output 0 is stable, output 1 double-spent.
	fc.SetOutput("tx-1", 0, chain.OutputInfo{
		TransactionID: "tx-1", Position: 0, Confirmations: 3, ConfirmationHash: "hash-0",
	})
	fc.SetOutput("tx-1", 1, chain.OutputInfo{
		TransactionID: "tx-1", Position: 1, Confirmations: 3, ConfirmationHash: "hash-1", DoubleSpend: true,
	})

	if err := e.Reconcile(context.Background()); err != nil {
		t.Fatal(err)
	}

	unconfirmed, err := store.ListUnconfirmedSent(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(unconfirmed) != 1 {
		t.Fatalf("unconfirmed = %d, want 1 (the double-spent output)", len(unconfirmed))
	}
	if unconfirmed[0].OutputPosition != 1 {
		t.Fatalf("wrong row left unconfirmed: %+v", unconfirmed[0])
	}
}

func TestRecordSettlements_SkipsKnownRows(t *testing.T) {
	e, store, _, _ := newTestEngine(t, DefaultConfig())

	s := wire.SettlementPayload{
		LedgerGUID: "led-1", AdvertisementGUID: "ad-1", RequestGUID: "req-1",
		TransactionID: "tx-9", OutputPosition: 0, Deposit: 500, ConfirmationHash: "hash-9",
	}
	if err := e.RecordSettlements([]wire.SettlementPayload{s, s}); err != nil {
		t.Fatal(err)
	}

	row, err := store.GetLedgerEntry("led-1")
	if err != nil {
		t.Fatal(err)
	}
	if row.TransactionType != model.TransactionTypeDeposit || row.Deposit != 500 {
		t.Fatalf("unexpected deposit row: %+v", row)
	}
	if row.Status != model.LedgerStatusPaid {
		t.Fatalf("confirmed settlement not marked paid: %s", row.Status)
	}
}
