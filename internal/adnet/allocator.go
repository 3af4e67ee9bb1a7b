// Package adnet allocates advertisement impressions against a registered
// network's daily budget. Budget accounting is always recomputed from
// persisted request logs; no running counter exists to drift.
package adnet

import (
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/admesh-net/admesh/internal/clock"
	"github.com/admesh-net/admesh/internal/guid"
	"github.com/admesh-net/admesh/internal/model"
	"github.com/admesh-net/admesh/internal/payment"
	"github.com/admesh-net/admesh/internal/state"
	"github.com/admesh-net/admesh/internal/wire"
)

const (
	// BudgetFloor is the remaining-budget threshold below which no new
	// allocation round runs. Unconfirmed prior allocations still propagate.
	BudgetFloor = 50_000

	// budgetWindow is the accounting window for the daily budget.
	budgetWindow = 24 * time.Hour
)

// ErrUnknownNetwork marks a request naming an unregistered network GUID.
var ErrUnknownNetwork = errors.New("adnet: unknown network")

// Allocator answers ad-network inventory requests.
type Allocator struct {
	store  *state.Store
	engine *payment.Engine
	clk    clock.Clock
}

func NewAllocator(store *state.Store, engine *payment.Engine, clk clock.Clock) *Allocator {
	return &Allocator{store: store, engine: engine, clk: clk}
}

// grant is one advertisement's share of an allocation round.
type grant struct {
	ad          model.Advertisement
	impressions int64
}

// HandleRequest allocates impressions for one network request and returns the
// ledger-grouped response content. The request GUID identifies the allocation;
// replays reuse the persisted ledger instead of allocating twice.
func (a *Allocator) HandleRequest(networkGUID, requestGUID string) (*wire.NetworkAdSyncContent, error) {
	network, err := a.store.GetAdNetwork(networkGUID)
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownNetwork, networkGUID)
		}
		return nil, fmt.Errorf("adnet: network lookup %s: %w", networkGUID, err)
	}

	nowNs := a.clk.Now().UnixNano()
	sinceNs := nowNs - int64(budgetWindow)

	spent, err := a.store.SumNetworkSpend(networkGUID, sinceNs)
	if err != nil {
		return nil, fmt.Errorf("adnet: spend for %s: %w", networkGUID, err)
	}
	remaining := network.DailyBudget - spent

	if remaining >= BudgetFloor {
		if err := a.allocate(network, requestGUID, remaining, nowNs); err != nil {
			return nil, err
		}
	} else {
		log.Printf("[adnet] network %s remaining budget %d below floor, re-propagating only",
			networkGUID, remaining)
	}

	return a.buildResponse(networkGUID, requestGUID, sinceNs)
}

// allocate runs fairness rounds over active ads sorted ascending by bid and
// persists the result as one ledger pair plus per-ad request logs. A replayed
// request GUID is a no-op because the ledger pair already exists.
func (a *Allocator) allocate(network *model.AdNetwork, requestGUID string, remaining int64, nowNs int64) error {
	candidates, err := a.store.ListActiveAdvertisements()
	if err != nil {
		return fmt.Errorf("adnet: list candidates: %w", err)
	}

	grants, total := fairnessRounds(candidates, remaining)
	if total <= 0 {
		return nil
	}

	withdrawalGUID, feeGUID := guid.New(), guid.New()
	created, err := a.engine.CreatePending(
		model.LedgerEntry{
			LedgerGUID:               withdrawalGUID,
			LedgerGUIDPair:           feeGUID,
			AdvertisementRequestGUID: requestGUID,
			TransactionType:          model.TransactionTypeWithdrawal,
			Withdrawal:               total,
			Status:                   model.LedgerStatusPending,
			CreateTimeNs:             nowNs,
		},
		model.LedgerEntry{
			LedgerGUID:               feeGUID,
			LedgerGUIDPair:           withdrawalGUID,
			AdvertisementRequestGUID: requestGUID,
			TransactionType:          model.TransactionTypeFee,
			Status:                   model.LedgerStatusPending,
			CreateTimeNs:             nowNs,
		})
	if err != nil {
		return fmt.Errorf("adnet: create ledger pair for %s: %w", requestGUID, err)
	}
	if !created {
		return nil
	}

	for _, g := range grants {
		err := a.store.InsertRequestLog(model.RequestLog{
			RequestGUID:       requestGUID,
			AdvertisementGUID: g.ad.GUID,
			WalletAddress:     network.PayoutAddress,
			NetworkMode:       a.engine.NetworkMode(),
			NetworkGUID:       network.GUID,
			ImpressionCount:   g.impressions,
			CreateTimeNs:      nowNs,
		})
		if err != nil {
			return fmt.Errorf("adnet: log allocation %s/%s: %w", requestGUID, g.ad.GUID, err)
		}
	}
	log.Printf("[adnet] allocated %d units across %d ads for network %s",
		total, len(grants), network.GUID)
	return nil
}

// fairnessRounds grants one impression per affordable candidate per round
// until a round grants nothing. Candidates must be sorted ascending by bid.
// Spreading rounds across all affordable ads keeps spend from collapsing onto
// the single cheapest creative.
func fairnessRounds(candidates []model.Advertisement, budget int64) ([]grant, int64) {
	counts := make([]int64, len(candidates))
	var total int64
	for {
		granted := false
		for i, ad := range candidates {
			if ad.BidPerImpression <= 0 || ad.BidPerImpression > budget {
				continue
			}
			counts[i]++
			budget -= ad.BidPerImpression
			total += ad.BidPerImpression
			granted = true
		}
		if !granted {
			break
		}
	}

	var grants []grant
	for i, n := range counts {
		if n > 0 {
			grants = append(grants, grant{ad: candidates[i], impressions: n})
		}
	}
	return grants, total
}

// buildResponse groups this network's new and still-unconfirmed allocations
// by ledger, each advertisement enriched with its attributes.
func (a *Allocator) buildResponse(networkGUID, requestGUID string, sinceNs int64) (*wire.NetworkAdSyncContent, error) {
	ledgers, err := a.store.ListNetworkLedgers(networkGUID, sinceNs)
	if err != nil {
		return nil, fmt.Errorf("adnet: list ledgers for %s: %w", networkGUID, err)
	}

	content := &wire.NetworkAdSyncContent{
		RequestGUID: requestGUID,
		NetworkGUID: networkGUID,
	}
	for _, ledger := range ledgers {
		// Confirmed allocations settled long ago; only new and pending ones
		// are worth repeating.
		confirmed := ledger.TxConfirmationHash != ""
		if confirmed && ledger.AdvertisementRequestGUID != requestGUID {
			continue
		}

		logs, err := a.store.ListRequestLogs(ledger.AdvertisementRequestGUID)
		if err != nil {
			return nil, fmt.Errorf("adnet: logs for ledger %s: %w", ledger.LedgerGUID, err)
		}

		alloc := wire.LedgerAllocation{
			LedgerGUID:    ledger.LedgerGUID,
			TransactionID: ledger.TransactionID,
			Confirmed:     confirmed,
			Impressions:   make(map[string]int64),
		}
		for _, l := range logs {
			if l.NetworkGUID != networkGUID {
				continue
			}
			ad, err := a.store.GetAdvertisement(l.AdvertisementGUID)
			if err != nil {
				if errors.Is(err, state.ErrNotFound) {
					continue
				}
				return nil, fmt.Errorf("adnet: ad %s: %w", l.AdvertisementGUID, err)
			}
			attrs, err := a.store.ListAdAttributes(ad.GUID)
			if err != nil {
				return nil, fmt.Errorf("adnet: attributes for %s: %w", ad.GUID, err)
			}
			alloc.Advertisements = append(alloc.Advertisements, wire.AdPayload{
				GUID:             ad.GUID,
				Title:            ad.Title,
				TargetURL:        ad.TargetURL,
				Content:          ad.Content,
				BidPerImpression: ad.BidPerImpression,
				Category:         ad.Category,
				Attributes:       attrs,
			})
			alloc.Impressions[ad.GUID] = l.ImpressionCount
		}
		if len(alloc.Advertisements) > 0 {
			content.Ledgers = append(content.Ledgers, alloc)
		}
	}
	return content, nil
}
