package state

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/admesh-net/admesh/internal/model"
)

// UpsertNode inserts or updates a node by node_id. On update, create_time_ns
// is preserved.
func (s *Store) UpsertNode(n model.Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO nodes (node_id, transport_prefix, address, port, status, provider, create_time_ns, update_time_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(node_id) DO UPDATE SET
			transport_prefix = excluded.transport_prefix,
			address          = excluded.address,
			port             = excluded.port,
			status           = excluded.status,
			provider         = excluded.provider,
			update_time_ns   = excluded.update_time_ns
	`, n.NodeID, n.TransportPrefix, n.Address, n.Port, int(n.Status), boolToInt(n.Provider),
		n.CreateTimeNs, n.UpdateTimeNs)
	return err
}

// SetNodeStatus updates the persisted status of a node.
func (s *Store) SetNodeStatus(nodeID string, status model.NodeStatus, updateTimeNs int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`UPDATE nodes SET status = ?, update_time_ns = ? WHERE node_id = ?`,
		int(status), updateTimeNs, nodeID)
	return err
}

// GetNode looks up one node by id. Returns ErrNotFound when absent.
func (s *Store) GetNode(nodeID string) (*model.Node, error) {
	row := s.db.QueryRow(`SELECT node_id, transport_prefix, address, port, status, provider, create_time_ns, update_time_ns
		FROM nodes WHERE node_id = ?`, nodeID)
	n, err := scanNode(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan node %s: %w", nodeID, err)
	}
	return n, nil
}

// ListNodes returns all known nodes.
func (s *Store) ListNodes() ([]model.Node, error) {
	rows, err := s.db.Query(`SELECT node_id, transport_prefix, address, port, status, provider, create_time_ns, update_time_ns
		FROM nodes ORDER BY create_time_ns`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.Node
	for rows.Next() {
		n, err := scanNode(rows.Scan)
		if err != nil {
			return nil, err
		}
		result = append(result, *n)
	}
	return result, rows.Err()
}

func scanNode(scan func(...any) error) (*model.Node, error) {
	var n model.Node
	var status, provider int
	if err := scan(&n.NodeID, &n.TransportPrefix, &n.Address, &n.Port, &status, &provider,
		&n.CreateTimeNs, &n.UpdateTimeNs); err != nil {
		return nil, err
	}
	n.Status = model.NodeStatus(status)
	n.Provider = provider != 0
	return &n, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
