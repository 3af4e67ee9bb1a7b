package state

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/admesh-net/admesh/internal/model"
)

// UpsertAdvertisement inserts or updates an advertisement by GUID. On update,
// create_time_ns is preserved.
func (s *Store) UpsertAdvertisement(ad model.Advertisement) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO advertisements (guid, title, target_url, content, bid_per_impression,
		                            daily_budget, category, active, create_time_ns, update_time_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(guid) DO UPDATE SET
			title              = excluded.title,
			target_url         = excluded.target_url,
			content            = excluded.content,
			bid_per_impression = excluded.bid_per_impression,
			daily_budget       = excluded.daily_budget,
			category           = excluded.category,
			active             = excluded.active,
			update_time_ns     = excluded.update_time_ns
	`, ad.GUID, ad.Title, ad.TargetURL, ad.Content, ad.BidPerImpression,
		ad.DailyBudget, ad.Category, boolToInt(ad.Active), ad.CreateTimeNs, ad.UpdateTimeNs)
	return err
}

// GetAdvertisement looks up one advertisement. Returns ErrNotFound when absent.
func (s *Store) GetAdvertisement(guid string) (*model.Advertisement, error) {
	row := s.db.QueryRow(`SELECT guid, title, target_url, content, bid_per_impression,
		daily_budget, category, active, create_time_ns, update_time_ns
		FROM advertisements WHERE guid = ?`, guid)
	ad, err := scanAdvertisement(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan advertisement %s: %w", guid, err)
	}
	return ad, nil
}

// SetAdvertisementActive toggles the active flag.
func (s *Store) SetAdvertisementActive(guid string, active bool, updateTimeNs int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`UPDATE advertisements SET active = ?, update_time_ns = ? WHERE guid = ?`,
		boolToInt(active), updateTimeNs, guid)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListActiveAdvertisements returns all active ads ordered ascending by
// bid-per-impression, the order the budget allocator consumes them in.
func (s *Store) ListActiveAdvertisements() ([]model.Advertisement, error) {
	rows, err := s.db.Query(`SELECT guid, title, target_url, content, bid_per_impression,
		daily_budget, category, active, create_time_ns, update_time_ns
		FROM advertisements WHERE active = 1 ORDER BY bid_per_impression ASC, guid ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectAdvertisements(rows)
}

// ListAdvertisements returns all ads.
func (s *Store) ListAdvertisements() ([]model.Advertisement, error) {
	rows, err := s.db.Query(`SELECT guid, title, target_url, content, bid_per_impression,
		daily_budget, category, active, create_time_ns, update_time_ns
		FROM advertisements ORDER BY create_time_ns`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectAdvertisements(rows)
}

// ActiveAdvertisementGUIDs returns the GUIDs of all active ads, used to seed
// the in-memory pre-filter cache.
func (s *Store) ActiveAdvertisementGUIDs() ([]string, error) {
	rows, err := s.db.Query(`SELECT guid FROM advertisements WHERE active = 1`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var guids []string
	for rows.Next() {
		var g string
		if err := rows.Scan(&g); err != nil {
			return nil, err
		}
		guids = append(guids, g)
	}
	return guids, rows.Err()
}

// UpsertAdAttribute inserts or updates one descriptive attribute.
func (s *Store) UpsertAdAttribute(attr model.AdAttribute) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO ad_attributes (advertisement_guid, name, value)
		VALUES (?, ?, ?)
		ON CONFLICT(advertisement_guid, name) DO UPDATE SET value = excluded.value
	`, attr.AdvertisementGUID, attr.Name, attr.Value)
	return err
}

// ListAdAttributes returns the attributes of one advertisement as a map.
func (s *Store) ListAdAttributes(advertisementGUID string) (map[string]string, error) {
	rows, err := s.db.Query(`SELECT name, value FROM ad_attributes WHERE advertisement_guid = ?`,
		advertisementGUID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	attrs := make(map[string]string)
	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			return nil, err
		}
		attrs[name] = value
	}
	return attrs, rows.Err()
}

func collectAdvertisements(rows *sql.Rows) ([]model.Advertisement, error) {
	var result []model.Advertisement
	for rows.Next() {
		ad, err := scanAdvertisement(rows.Scan)
		if err != nil {
			return nil, err
		}
		result = append(result, *ad)
	}
	return result, rows.Err()
}

func scanAdvertisement(scan func(...any) error) (*model.Advertisement, error) {
	var ad model.Advertisement
	var active int
	if err := scan(&ad.GUID, &ad.Title, &ad.TargetURL, &ad.Content, &ad.BidPerImpression,
		&ad.DailyBudget, &ad.Category, &active, &ad.CreateTimeNs, &ad.UpdateTimeNs); err != nil {
		return nil, err
	}
	ad.Active = active != 0
	return &ad, nil
}
