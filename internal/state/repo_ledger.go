package state

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/admesh-net/admesh/internal/model"
)

const ledgerColumns = `ledger_guid, ledger_guid_pair, advertisement_guid, advertisement_request_guid,
	transaction_type, currency, deposit, withdrawal, price_usd, transaction_id, output_position,
	tx_confirmation_hash, status, network_mode, create_time_ns, received_time_ns`

// InsertLedgerPair inserts a withdrawal entry and its fee counterpart in one
// transaction. Both rows carry each other's GUID in ledger_guid_pair so the
// batch flush can stamp them together.
func (s *Store) InsertLedgerPair(withdrawal, fee model.LedgerEntry) error {
	return s.inTx(func(tx *sql.Tx) error {
		for _, e := range []model.LedgerEntry{withdrawal, fee} {
			if err := insertLedgerEntry(tx, e); err != nil {
				return fmt.Errorf("insert ledger entry %s: %w", e.LedgerGUID, err)
			}
		}
		return nil
	})
}

// InsertLedgerEntry inserts a single ledger row, used for inbound settlement
// notices that arrive without a local fee counterpart.
func (s *Store) InsertLedgerEntry(e model.LedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return insertLedgerEntry(s.db, e)
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func insertLedgerEntry(db execer, e model.LedgerEntry) error {
	_, err := db.Exec(`
		INSERT INTO ledger_entries (`+ledgerColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.LedgerGUID, e.LedgerGUIDPair, e.AdvertisementGUID, e.AdvertisementRequestGUID,
		e.TransactionType, e.Currency, e.Deposit, e.Withdrawal, e.PriceUSD, e.TransactionID,
		e.OutputPosition, e.TxConfirmationHash, e.Status, e.NetworkMode, e.CreateTimeNs,
		e.ReceivedTimeNs)
	return err
}

// GetLedgerEntry looks up one ledger row. Returns ErrNotFound when absent.
func (s *Store) GetLedgerEntry(ledgerGUID string) (*model.LedgerEntry, error) {
	row := s.db.QueryRow(`SELECT `+ledgerColumns+` FROM ledger_entries WHERE ledger_guid = ?`,
		ledgerGUID)
	e, err := scanLedgerEntry(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan ledger entry %s: %w", ledgerGUID, err)
	}
	return e, nil
}

// GetLedgerByPair returns the withdrawal entry, if any, recorded for an
// advertisement/request pair. This is the idempotence lookup the settlement
// pipeline runs under the payment-creation lock.
func (s *Store) GetLedgerByPair(advertisementGUID, requestGUID string) (*model.LedgerEntry, error) {
	row := s.db.QueryRow(`SELECT `+ledgerColumns+` FROM ledger_entries
		WHERE advertisement_guid = ? AND advertisement_request_guid = ? AND transaction_type = ?`,
		advertisementGUID, requestGUID, model.TransactionTypeWithdrawal)
	e, err := scanLedgerEntry(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan ledger pair %s/%s: %w", advertisementGUID, requestGUID, err)
	}
	return e, nil
}

// ListPendingWithdrawals returns up to limit withdrawal entries that have not
// been assigned a transaction yet, oldest first.
func (s *Store) ListPendingWithdrawals(limit int) ([]model.LedgerEntry, error) {
	rows, err := s.db.Query(`SELECT `+ledgerColumns+` FROM ledger_entries
		WHERE transaction_type = ? AND status = ? AND transaction_id = ''
		ORDER BY create_time_ns ASC LIMIT ?`,
		model.TransactionTypeWithdrawal, model.LedgerStatusPending, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectLedgerEntries(rows)
}

// CountPendingWithdrawals counts withdrawal entries still awaiting a
// transaction, used to restore the backlog gauge on startup.
func (s *Store) CountPendingWithdrawals() (int64, error) {
	var n int64
	err := s.db.QueryRow(`SELECT COUNT(*) FROM ledger_entries
		WHERE transaction_type = ? AND status = ? AND transaction_id = ''`,
		model.TransactionTypeWithdrawal, model.LedgerStatusPending).Scan(&n)
	return n, err
}

// StampedEntry carries the transaction assignment for one ledger row during a
// batch flush.
type StampedEntry struct {
	LedgerGUID     string
	TransactionID  string
	OutputPosition int
}

// StampBatch assigns a transaction id and output position to each listed
// entry and moves it to sent, all in one transaction. Rows that already carry
// a confirmation hash are left untouched.
func (s *Store) StampBatch(entries []StampedEntry, networkMode string, updateTimeNs int64) error {
	return s.inTx(func(tx *sql.Tx) error {
		for _, e := range entries {
			_, err := tx.Exec(`UPDATE ledger_entries
				SET transaction_id = ?, output_position = ?, status = ?, network_mode = ?
				WHERE ledger_guid = ? AND tx_confirmation_hash = ''`,
				e.TransactionID, e.OutputPosition, model.LedgerStatusSent, networkMode, e.LedgerGUID)
			if err != nil {
				return fmt.Errorf("stamp ledger entry %s: %w", e.LedgerGUID, err)
			}
		}
		return nil
	})
}

// ListUnconfirmedSent returns sent entries whose confirmation hash has not
// been observed yet, the set the reconciliation poll walks.
func (s *Store) ListUnconfirmedSent(limit int) ([]model.LedgerEntry, error) {
	rows, err := s.db.Query(`SELECT `+ledgerColumns+` FROM ledger_entries
		WHERE status = ? AND tx_confirmation_hash = '' AND transaction_id != ''
		ORDER BY create_time_ns ASC LIMIT ?`,
		model.LedgerStatusSent, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectLedgerEntries(rows)
}

// ListNetworkLedgers returns the withdrawal entries created for one ad
// network's requests since sinceNs, newest first. The join goes through the
// request logs carrying the network GUID.
func (s *Store) ListNetworkLedgers(networkGUID string, sinceNs int64) ([]model.LedgerEntry, error) {
	rows, err := s.db.Query(`SELECT DISTINCT l.ledger_guid, l.ledger_guid_pair, l.advertisement_guid,
		l.advertisement_request_guid, l.transaction_type, l.currency, l.deposit, l.withdrawal,
		l.price_usd, l.transaction_id, l.output_position, l.tx_confirmation_hash, l.status,
		l.network_mode, l.create_time_ns, l.received_time_ns
		FROM ledger_entries l
		JOIN request_logs r ON r.request_guid = l.advertisement_request_guid
		WHERE r.network_guid = ? AND l.transaction_type = ? AND l.create_time_ns >= ?
		ORDER BY l.create_time_ns DESC`,
		networkGUID, model.TransactionTypeWithdrawal, sinceNs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectLedgerEntries(rows)
}

// MarkLedgerPaid records the observed confirmation hash and received time and
// moves the entry to paid. Confirmed rows are never updated again.
func (s *Store) MarkLedgerPaid(ledgerGUID, confirmationHash string, receivedTimeNs int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`UPDATE ledger_entries
		SET status = ?, tx_confirmation_hash = ?, received_time_ns = ?
		WHERE ledger_guid = ? AND tx_confirmation_hash = ''`,
		model.LedgerStatusPaid, confirmationHash, receivedTimeNs, ledgerGUID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrConflict
	}
	return nil
}

func collectLedgerEntries(rows *sql.Rows) ([]model.LedgerEntry, error) {
	var result []model.LedgerEntry
	for rows.Next() {
		e, err := scanLedgerEntry(rows.Scan)
		if err != nil {
			return nil, err
		}
		result = append(result, *e)
	}
	return result, rows.Err()
}

func scanLedgerEntry(scan func(...any) error) (*model.LedgerEntry, error) {
	var e model.LedgerEntry
	if err := scan(&e.LedgerGUID, &e.LedgerGUIDPair, &e.AdvertisementGUID,
		&e.AdvertisementRequestGUID, &e.TransactionType, &e.Currency, &e.Deposit, &e.Withdrawal,
		&e.PriceUSD, &e.TransactionID, &e.OutputPosition, &e.TxConfirmationHash, &e.Status,
		&e.NetworkMode, &e.CreateTimeNs, &e.ReceivedTimeNs); err != nil {
		return nil, err
	}
	return &e, nil
}
