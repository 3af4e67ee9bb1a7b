package payment

import (
	"context"
	"fmt"
	"log"

	"github.com/admesh-net/admesh/internal/chain"
	"github.com/admesh-net/admesh/internal/model"
	"github.com/admesh-net/admesh/internal/state"
	"github.com/admesh-net/admesh/internal/wire"
)

// FeeOutputPosition marks the fee row of a batch; the chain appends the fee
// after the last real output.
const FeeOutputPosition = -1

// flushedBatch describes one successfully submitted transaction.
type flushedBatch struct {
	TransactionID string
	Settlements   []wire.SettlementPayload
}

// Flush collects up to maxOutputs-1 pending withdrawal rows, submits one
// blockchain transaction paying each row's claimed destination, and stamps
// the rows with their transaction id and output position. A failed submit
// leaves every row and the backlog counter untouched. Overlapping calls
// coalesce through the isProcessingPayment flag.
func (e *Engine) Flush(ctx context.Context) error {
	if !e.isProcessing.CompareAndSwap(false, true) {
		return nil
	}
	defer e.isProcessing.Store(false)

	batch, err := e.flushOnce(ctx)
	if err != nil {
		return err
	}
	if batch == nil {
		return nil
	}

	log.Printf("[payment] flushed %d rows in transaction %s", len(batch.Settlements), batch.TransactionID)
	if e.onSettled != nil {
		e.onSettled(batch.Settlements)
	}
	return nil
}

// OnSettled sets the callback invoked with the settlements of each flushed
// batch, which the protocol layer broadcasts as a payment_new message. Must
// be set before Start.
func (e *Engine) OnSettled(fn func([]wire.SettlementPayload)) { e.onSettled = fn }

func (e *Engine) flushOnce(ctx context.Context) (*flushedBatch, error) {
	rows, err := e.store.ListPendingWithdrawals(e.maxOutputs - 1)
	if err != nil {
		return nil, fmt.Errorf("payment: list pending: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	type member struct {
		row  model.LedgerEntry
		addr string
	}
	var members []member
	for _, row := range rows {
		addr, ok, err := e.resolveDestination(row)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		members = append(members, member{row: row, addr: addr})
	}
	if len(members) == 0 {
		return nil, nil
	}

	outputs := make([]chain.Output, len(members))
	for i, m := range members {
		outputs[i] = chain.Output{Address: m.addr, Amount: m.row.Withdrawal}
	}

	res, err := e.chain.SendTransaction(ctx, outputs, e.cfg.Fee)
	if err != nil {
		return nil, fmt.Errorf("payment: send transaction: %w", err)
	}

	stamps := make([]state.StampedEntry, 0, len(members)*2)
	settlements := make([]wire.SettlementPayload, 0, len(members))
	for i, m := range members {
		stamps = append(stamps, state.StampedEntry{
			LedgerGUID:     m.row.LedgerGUID,
			TransactionID:  res.TransactionID,
			OutputPosition: i,
		})
		if m.row.LedgerGUIDPair != "" {
			stamps = append(stamps, state.StampedEntry{
				LedgerGUID:     m.row.LedgerGUIDPair,
				TransactionID:  res.TransactionID,
				OutputPosition: FeeOutputPosition,
			})
		}
		settlements = append(settlements, wire.SettlementPayload{
			LedgerGUID:        m.row.LedgerGUID,
			AdvertisementGUID: m.row.AdvertisementGUID,
			RequestGUID:       m.row.AdvertisementRequestGUID,
			TransactionID:     res.TransactionID,
			OutputPosition:    i,
			Deposit:           m.row.Withdrawal,
		})
	}

	if err := e.store.StampBatch(stamps, e.networkMode, e.clk.Now().UnixNano()); err != nil {
		// The transaction is on the wire; the rows stay pending and the next
		// reconciliation or flush pass must not double-pay them. Surface loudly.
		return nil, fmt.Errorf("payment: stamp batch after send %s: %w", res.TransactionID, err)
	}
	e.backlog.Add(-int64(len(members)))
	return &flushedBatch{TransactionID: res.TransactionID, Settlements: settlements}, nil
}

// resolveDestination maps a ledger row to the payout address its request log
// claimed. Rows from the other chain network are excluded so funds never
// cross between live and test. Network allocation rows carry no advertisement
// GUID; their logs all point at the network's registered payout address.
func (e *Engine) resolveDestination(row model.LedgerEntry) (string, bool, error) {
	logs, err := e.store.ListRequestLogs(row.AdvertisementRequestGUID)
	if err != nil {
		return "", false, fmt.Errorf("payment: resolve %s: %w", row.LedgerGUID, err)
	}
	for _, l := range logs {
		if row.AdvertisementGUID == "" {
			if l.NetworkGUID == "" {
				continue
			}
		} else if l.AdvertisementGUID != row.AdvertisementGUID {
			continue
		}
		if l.NetworkMode != "" && l.NetworkMode != e.networkMode {
			return "", false, nil
		}
		if l.WalletAddress == "" {
			return "", false, nil
		}
		return l.WalletAddress, true, nil
	}
	return "", false, nil
}
