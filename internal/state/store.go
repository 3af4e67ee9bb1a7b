package state

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/admesh-net/admesh/internal/locks"
)

// Store wraps the node database and provides the repository operations the
// protocol engine consumes. All writes are serialized by an internal mutex;
// multi-statement batch commits additionally take the "storage transaction"
// named critical section so overlapping batch flows cannot interleave.
type Store struct {
	db    *sql.DB
	mu    sync.Mutex
	locks *locks.Keyed
}

// Open creates the data directory if needed, opens (or creates) admesh.db,
// applies migrations, and returns a ready Store.
func Open(dataDir string, keyed *locks.Keyed) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir %s: %w", dataDir, err)
	}

	dbPath := filepath.Join(dataDir, "admesh.db")
	db, err := OpenDB(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open admesh.db: %w", err)
	}

	if err := MigrateDB(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate admesh.db: %w", err)
	}

	if keyed == nil {
		keyed = locks.NewKeyed()
	}
	return &Store{db: db, locks: keyed}, nil
}

// Close closes the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// inTx runs fn inside one transaction under the "storage transaction" named
// section. Rollback on error, commit on success.
func (s *Store) inTx(fn func(tx *sql.Tx) error) error {
	return s.locks.Do(locks.StorageTransaction, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback() //nolint:errcheck

		if err := fn(tx); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
}
