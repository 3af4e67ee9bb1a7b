package payment

import (
	"context"
	"fmt"
	"log"
)

const reconcileBatchSize = 100

// Reconcile walks sent rows without a confirmation hash and asks the wallet
// for each output's status. A stable, non-double-spent output marks the row
// paid. RPC failures skip the row until the next poll.
func (e *Engine) Reconcile(ctx context.Context) error {
	rows, err := e.store.ListUnconfirmedSent(reconcileBatchSize)
	if err != nil {
		return fmt.Errorf("payment: list unconfirmed: %w", err)
	}

	confirmed := 0
	for _, row := range rows {
		out, err := e.chain.ListTransactionOutput(ctx, row.TransactionID, row.OutputPosition)
		if err != nil {
			log.Printf("[payment] reconcile %s (%s:%d) failed, will retry: %v",
				row.LedgerGUID, row.TransactionID, row.OutputPosition, err)
			continue
		}
		if out.DoubleSpend {
			log.Printf("[payment] transaction %s output %d reported double spend, leaving row %s unconfirmed",
				row.TransactionID, row.OutputPosition, row.LedgerGUID)
			continue
		}
		if out.Confirmations < e.cfg.MinConfirmations || out.ConfirmationHash == "" {
			continue
		}
		if err := e.store.MarkLedgerPaid(row.LedgerGUID, out.ConfirmationHash, e.clk.Now().UnixNano()); err != nil {
			log.Printf("[payment] mark paid %s failed: %v", row.LedgerGUID, err)
			continue
		}
		confirmed++
	}
	if confirmed > 0 {
		log.Printf("[payment] reconciled %d of %d unconfirmed rows", confirmed, len(rows))
	}
	return nil
}
