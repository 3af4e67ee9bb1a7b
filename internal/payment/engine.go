// Package payment is the settlement engine: it turns accepted payment
// requests into pending ledger rows, batches them into blockchain
// transactions, and reconciles confirmations. Ledger rows are the only
// financial truth; everything in memory here is rebuilt from them on start.
package payment

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/admesh-net/admesh/internal/chain"
	"github.com/admesh-net/admesh/internal/clock"
	"github.com/admesh-net/admesh/internal/guid"
	"github.com/admesh-net/admesh/internal/locks"
	"github.com/admesh-net/admesh/internal/model"
	"github.com/admesh-net/admesh/internal/state"
	"github.com/admesh-net/admesh/internal/wire"
)

// Config tunes the settlement engine.
type Config struct {
	// BacklogCeiling drops new payment requests once this many pending rows
	// await flushing. Requesters retry on their own schedule.
	BacklogCeiling int64

	// FlushThreshold triggers an immediate flush when the backlog reaches it.
	FlushThreshold int64

	// MaxPerRequest caps the amount promised for one impression.
	MaxPerRequest int64

	// FlushDelay is the fixed pause before the next flush attempt.
	FlushDelay time.Duration

	// Fee paid per batched transaction.
	Fee int64

	// MinConfirmations before a sent output counts as settled.
	MinConfirmations int64
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		BacklogCeiling:   256,
		FlushThreshold:   16,
		MaxPerRequest:    1_000_000,
		FlushDelay:       10 * time.Second,
		Fee:              1_000,
		MinConfirmations: 1,
	}
}

// Engine runs the settlement pipeline.
type Engine struct {
	cfg   Config
	store *state.Store
	chain chain.Client
	clk   clock.Clock
	locks *locks.Keyed

	active *ActiveAdCache

	// backlog counts pending rows not yet included in a transaction.
	backlog atomic.Int64

	// isProcessing prevents overlapping flush passes.
	isProcessing atomic.Bool

	// wallet facts resolved during Init.
	networkMode string
	maxOutputs  int
	walletAddr  string

	onSettled func([]wire.SettlementPayload)

	kick     chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewEngine(cfg Config, store *state.Store, chainClient chain.Client, clk clock.Clock, keyed *locks.Keyed) *Engine {
	if cfg.FlushDelay <= 0 {
		cfg.FlushDelay = 10 * time.Second
	}
	if keyed == nil {
		keyed = locks.NewKeyed()
	}
	return &Engine{
		cfg:    cfg,
		store:  store,
		chain:  chainClient,
		clk:    clk,
		locks:  keyed,
		active: NewActiveAdCache(),
		kick:   make(chan struct{}, 1),
		stopCh: make(chan struct{}),
	}
}

// Init resolves wallet facts, seeds the active-GUID cache, and restores the
// backlog counter from persisted pending rows.
func (e *Engine) Init(ctx context.Context) error {
	info, err := e.chain.GetWalletInformation(ctx)
	if err != nil {
		return fmt.Errorf("payment: wallet information: %w", err)
	}
	if info.MaxOutputs < 2 {
		return fmt.Errorf("payment: wallet max outputs %d too small", info.MaxOutputs)
	}
	e.networkMode = info.NetworkMode
	e.maxOutputs = info.MaxOutputs
	e.walletAddr = info.Address

	guids, err := e.store.ActiveAdvertisementGUIDs()
	if err != nil {
		return fmt.Errorf("payment: seed active cache: %w", err)
	}
	e.active.Seed(guids)

	pending, err := e.store.CountPendingWithdrawals()
	if err != nil {
		return fmt.Errorf("payment: restore backlog: %w", err)
	}
	e.backlog.Store(pending)
	log.Printf("[payment] initialized: network=%s max_outputs=%d backlog=%d active_ads=%d",
		e.networkMode, e.maxOutputs, pending, len(guids))
	return nil
}

// NetworkMode returns the wallet's chain mode resolved during Init.
func (e *Engine) NetworkMode() string { return e.networkMode }

// Backlog returns the current pending-row count.
func (e *Engine) Backlog() int64 { return e.backlog.Load() }

// ActiveAds exposes the pre-filter cache so ad CRUD keeps it current.
func (e *Engine) ActiveAds() *ActiveAdCache { return e.active }

// Outcome is what the protocol handler sends back, if anything, after the
// engine processed a payment request.
type Outcome struct {
	// ErrorCode is a payment error to report over the gossip path.
	ErrorCode string

	// Settlement is a reconstructed settlement broadcast for a resend.
	Settlement *wire.SettlementPayload

	// Created reports a new pending ledger row.
	Created bool
}

// ProcessRequest runs the pipeline for one accepted payment request. The
// caller has already applied the acceptance rule, relayed the request, and
// enforced the per-device cap.
func (e *Engine) ProcessRequest(advertisementGUID, requestGUID string) (Outcome, error) {
	// Cheap pre-filter: unknown or inactive advertisements never reach storage.
	if !e.active.Has(advertisementGUID) {
		return Outcome{}, nil
	}

	logs, err := e.store.ListRequestLogs(requestGUID)
	if err != nil {
		return Outcome{}, fmt.Errorf("payment: request log lookup %s: %w", requestGUID, err)
	}
	if len(logs) == 0 {
		return Outcome{ErrorCode: wire.PaymentErrCreativeRequestNotFound}, nil
	}
	var reqLog *model.RequestLog
	for i := range logs {
		if logs[i].AdvertisementGUID == advertisementGUID {
			reqLog = &logs[i]
			break
		}
	}
	if reqLog == nil {
		return Outcome{ErrorCode: wire.PaymentErrAdvertisementNotFound}, nil
	}

	// Resend: a ledger row for the pair already exists. Rebuild the
	// settlement from persisted fields, never create a second row.
	if existing, err := e.store.GetLedgerByPair(advertisementGUID, requestGUID); err == nil {
		return Outcome{Settlement: settlementFromLedger(existing)}, nil
	} else if !errors.Is(err, state.ErrNotFound) {
		return Outcome{}, fmt.Errorf("payment: ledger lookup %s/%s: %w", advertisementGUID, requestGUID, err)
	}

	created := false
	err = e.locks.Do(locks.PaymentCreation, func() error {
		if e.backlog.Load() >= e.cfg.BacklogCeiling {
			log.Printf("[payment] backlog at ceiling %d, dropping request %s/%s",
				e.cfg.BacklogCeiling, advertisementGUID, requestGUID)
			return nil
		}

		// Re-check under the lock; a racing handler may have won.
		if _, err := e.store.GetLedgerByPair(advertisementGUID, requestGUID); err == nil {
			return nil
		} else if !errors.Is(err, state.ErrNotFound) {
			return fmt.Errorf("payment: ledger re-check %s/%s: %w", advertisementGUID, requestGUID, err)
		}

		ad, err := e.store.GetAdvertisement(advertisementGUID)
		if err != nil {
			return fmt.Errorf("payment: advertisement lookup %s: %w", advertisementGUID, err)
		}
		amount := ad.BidPerImpression
		if amount > e.cfg.MaxPerRequest {
			amount = e.cfg.MaxPerRequest
		}
		if amount <= 0 {
			return nil
		}

		entry := model.LedgerEntry{
			LedgerGUID:               guid.New(),
			AdvertisementGUID:        advertisementGUID,
			AdvertisementRequestGUID: requestGUID,
			TransactionType:          model.TransactionTypeWithdrawal,
			Withdrawal:               amount,
			Status:                   model.LedgerStatusPending,
			CreateTimeNs:             e.clk.Now().UnixNano(),
		}
		if err := e.store.InsertLedgerEntry(entry); err != nil {
			return fmt.Errorf("payment: insert ledger %s: %w", entry.LedgerGUID, err)
		}
		created = true

		if e.backlog.Add(1) >= e.cfg.FlushThreshold {
			e.TriggerFlush()
		}
		return nil
	})
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Created: created}, nil
}

// CreatePending inserts a pending withdrawal/fee pair under the payment
// creation section. The budget allocator uses this for network payouts; the
// pair lookup keeps it idempotent per (advertisement, request).
func (e *Engine) CreatePending(withdrawal, fee model.LedgerEntry) (bool, error) {
	created := false
	err := e.locks.Do(locks.PaymentCreation, func() error {
		if e.backlog.Load() >= e.cfg.BacklogCeiling {
			return nil
		}
		if _, err := e.store.GetLedgerByPair(withdrawal.AdvertisementGUID, withdrawal.AdvertisementRequestGUID); err == nil {
			return nil
		} else if !errors.Is(err, state.ErrNotFound) {
			return err
		}
		if withdrawal.Withdrawal > e.cfg.MaxPerRequest {
			withdrawal.Withdrawal = e.cfg.MaxPerRequest
		}
		if err := e.store.InsertLedgerPair(withdrawal, fee); err != nil {
			return err
		}
		created = true
		if e.backlog.Add(1) >= e.cfg.FlushThreshold {
			e.TriggerFlush()
		}
		return nil
	})
	return created, err
}

// RecordSettlements persists inbound settlement notices from a provider,
// serialized by the payment settlement section. Known ledger GUIDs are
// skipped; rows land as deposits awaiting on-chain verification.
func (e *Engine) RecordSettlements(settlements []wire.SettlementPayload) error {
	return e.locks.Do(locks.PaymentSettlement, func() error {
		for _, s := range settlements {
			if s.LedgerGUID == "" || s.TransactionID == "" {
				continue
			}
			if _, err := e.store.GetLedgerEntry(s.LedgerGUID); err == nil {
				continue
			} else if !errors.Is(err, state.ErrNotFound) {
				return fmt.Errorf("payment: settlement lookup %s: %w", s.LedgerGUID, err)
			}

			entry := model.LedgerEntry{
				LedgerGUID:               s.LedgerGUID,
				AdvertisementGUID:        s.AdvertisementGUID,
				AdvertisementRequestGUID: s.RequestGUID,
				TransactionType:          model.TransactionTypeDeposit,
				Deposit:                  s.Deposit,
				TransactionID:            s.TransactionID,
				OutputPosition:           s.OutputPosition,
				TxConfirmationHash:       s.ConfirmationHash,
				Status:                   model.LedgerStatusSent,
				NetworkMode:              e.networkMode,
				CreateTimeNs:             e.clk.Now().UnixNano(),
			}
			if s.ConfirmationHash != "" {
				entry.Status = model.LedgerStatusPaid
				entry.ReceivedTimeNs = entry.CreateTimeNs
			}
			if err := e.store.InsertLedgerEntry(entry); err != nil {
				return fmt.Errorf("payment: record settlement %s: %w", s.LedgerGUID, err)
			}
		}
		return nil
	})
}

func settlementFromLedger(e *model.LedgerEntry) *wire.SettlementPayload {
	return &wire.SettlementPayload{
		LedgerGUID:        e.LedgerGUID,
		AdvertisementGUID: e.AdvertisementGUID,
		RequestGUID:       e.AdvertisementRequestGUID,
		TransactionID:     e.TransactionID,
		OutputPosition:    e.OutputPosition,
		Deposit:           e.Withdrawal,
		ConfirmationHash:  e.TxConfirmationHash,
	}
}

// TriggerFlush requests an immediate flush pass. Coalesces when one is
// already queued.
func (e *Engine) TriggerFlush() {
	select {
	case e.kick <- struct{}{}:
	default:
	}
}

// Start launches the flush loop.
func (e *Engine) Start(ctx context.Context) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		timer := time.NewTimer(e.cfg.FlushDelay)
		defer timer.Stop()
		for {
			select {
			case <-e.stopCh:
				return
			case <-e.kick:
			case <-timer.C:
			}
			if err := e.Flush(ctx); err != nil {
				log.Printf("[payment] flush failed: %v", err)
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(e.cfg.FlushDelay)
		}
	}()
}

// Stop halts the flush loop and waits for it.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
	e.wg.Wait()
	e.active.Close()
}
