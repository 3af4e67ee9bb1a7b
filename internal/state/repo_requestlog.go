package state

import (
	"database/sql"

	"github.com/admesh-net/admesh/internal/model"
)

const requestLogColumns = `request_guid, advertisement_guid, device_id, client_ip, wallet_address,
	network_mode, network_guid, impression_count, create_time_ns`

// InsertRequestLog records one served request/advertisement pairing. Replays
// of the same pairing are ignored.
func (s *Store) InsertRequestLog(r model.RequestLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO request_logs (`+requestLogColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(request_guid, advertisement_guid) DO NOTHING
	`, r.RequestGUID, r.AdvertisementGUID, r.DeviceID, r.ClientIP, r.WalletAddress,
		r.NetworkMode, r.NetworkGUID, r.ImpressionCount, r.CreateTimeNs)
	return err
}

// ListRequestLogs returns every logged pairing for one request GUID. Empty
// slice means the request was never served here.
func (s *Store) ListRequestLogs(requestGUID string) ([]model.RequestLog, error) {
	rows, err := s.db.Query(`SELECT `+requestLogColumns+` FROM request_logs
		WHERE request_guid = ? ORDER BY create_time_ns`, requestGUID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRequestLogs(rows)
}

// CountServedByIP counts requests served to one client IP since sinceNs. The
// throttle layer compares this against the per-IP ceiling.
func (s *Store) CountServedByIP(clientIP string, sinceNs int64) (int64, error) {
	var n int64
	err := s.db.QueryRow(`SELECT COUNT(DISTINCT request_guid) FROM request_logs
		WHERE client_ip = ? AND create_time_ns >= ?`, clientIP, sinceNs).Scan(&n)
	return n, err
}

// ListThrottledIPs returns the client IPs that reached the ceiling since
// sinceNs. The throttle set is rebuilt from this query.
func (s *Store) ListThrottledIPs(ceiling int64, sinceNs int64) ([]string, error) {
	rows, err := s.db.Query(`SELECT client_ip FROM request_logs
		WHERE create_time_ns >= ? AND client_ip != ''
		GROUP BY client_ip
		HAVING COUNT(DISTINCT request_guid) >= ?`, sinceNs, ceiling)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ips []string
	for rows.Next() {
		var ip string
		if err := rows.Scan(&ip); err != nil {
			return nil, err
		}
		ips = append(ips, ip)
	}
	return ips, rows.Err()
}

// SumNetworkSpend totals the bid value promised to one ad network since
// sinceNs, recomputed from request logs joined against current bids.
func (s *Store) SumNetworkSpend(networkGUID string, sinceNs int64) (int64, error) {
	var total sql.NullInt64
	err := s.db.QueryRow(`SELECT SUM(r.impression_count * a.bid_per_impression)
		FROM request_logs r
		JOIN advertisements a ON a.guid = r.advertisement_guid
		WHERE r.network_guid = ? AND r.create_time_ns >= ?`, networkGUID, sinceNs).Scan(&total)
	if err != nil {
		return 0, err
	}
	return total.Int64, nil
}

func collectRequestLogs(rows *sql.Rows) ([]model.RequestLog, error) {
	var result []model.RequestLog
	for rows.Next() {
		var r model.RequestLog
		if err := rows.Scan(&r.RequestGUID, &r.AdvertisementGUID, &r.DeviceID, &r.ClientIP,
			&r.WalletAddress, &r.NetworkMode, &r.NetworkGUID, &r.ImpressionCount,
			&r.CreateTimeNs); err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}
