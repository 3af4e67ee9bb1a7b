package state

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/admesh-net/admesh/internal/model"
)

// UpsertAdNetwork inserts or updates a registered ad network. On update,
// create_time_ns is preserved.
func (s *Store) UpsertAdNetwork(n model.AdNetwork) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO ad_networks (guid, name, payout_address, daily_budget, create_time_ns)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(guid) DO UPDATE SET
			name           = excluded.name,
			payout_address = excluded.payout_address,
			daily_budget   = excluded.daily_budget
	`, n.GUID, n.Name, n.PayoutAddress, n.DailyBudget, n.CreateTimeNs)
	return err
}

// GetAdNetwork looks up one registered network. Returns ErrNotFound when absent.
func (s *Store) GetAdNetwork(guid string) (*model.AdNetwork, error) {
	row := s.db.QueryRow(`SELECT guid, name, payout_address, daily_budget, create_time_ns
		FROM ad_networks WHERE guid = ?`, guid)
	var n model.AdNetwork
	err := row.Scan(&n.GUID, &n.Name, &n.PayoutAddress, &n.DailyBudget, &n.CreateTimeNs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan ad network %s: %w", guid, err)
	}
	return &n, nil
}

// ListAdNetworks returns all registered networks.
func (s *Store) ListAdNetworks() ([]model.AdNetwork, error) {
	rows, err := s.db.Query(`SELECT guid, name, payout_address, daily_budget, create_time_ns
		FROM ad_networks ORDER BY create_time_ns`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.AdNetwork
	for rows.Next() {
		var n model.AdNetwork
		if err := rows.Scan(&n.GUID, &n.Name, &n.PayoutAddress, &n.DailyBudget,
			&n.CreateTimeNs); err != nil {
			return nil, err
		}
		result = append(result, n)
	}
	return result, rows.Err()
}
