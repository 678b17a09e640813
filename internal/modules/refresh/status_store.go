// Package refresh orchestrates portfolio refresh cycles across the
// external integrations and tracks their progress.
package refresh

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/foliotrack/foliotrack/internal/modules/portfolio"
)

// Cycle states, in rough order of progression.
const (
	StateIdle        = "idle"
	StateConnecting  = "connecting"
	StateDownloading = "downloading"
	StateFlushing    = "flushing"
	StateActive      = "active"
	StateStopped     = "stopped"
	StateError       = "error"
)

// Status is the progress record for one (linked account, source) refresh.
// Serialized with msgpack into the cache database so it survives restarts
// without polluting the durable schema.
type Status struct {
	CycleID       string `msgpack:"cycle_id" json:"cycle_id"`
	State         string `msgpack:"state" json:"state"`
	Error         string `msgpack:"error,omitempty" json:"error,omitempty"`
	PositionCount int    `msgpack:"position_count" json:"position_count"`
	StartedAt     int64  `msgpack:"started_at" json:"started_at"`
	UpdatedAt     int64  `msgpack:"updated_at" json:"updated_at"`
}

// StatusStore persists refresh progress in cache.db.
type StatusStore struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewStatusStore creates a new refresh status store.
func NewStatusStore(db *sql.DB, log zerolog.Logger) *StatusStore {
	return &StatusStore{
		db:  db,
		log: log.With().Str("repository", "refresh_status").Logger(),
	}
}

// Save upserts the status for a (linked account, source) pair.
func (s *StatusStore) Save(linkedAccountID int64, source portfolio.Source, status *Status) error {
	status.UpdatedAt = time.Now().Unix()

	blob, err := msgpack.Marshal(status)
	if err != nil {
		return fmt.Errorf("failed to encode refresh status: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO refresh_status (linked_account_id, source, data, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(linked_account_id, source) DO UPDATE SET
			data = excluded.data,
			updated_at = excluded.updated_at
	`, linkedAccountID, source, blob, status.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save refresh status: %w", err)
	}

	return nil
}

// Get returns the status for a (linked account, source) pair, or an idle
// status if none has been recorded.
func (s *StatusStore) Get(linkedAccountID int64, source portfolio.Source) (*Status, error) {
	var blob []byte
	err := s.db.QueryRow(
		"SELECT data FROM refresh_status WHERE linked_account_id = ? AND source = ?",
		linkedAccountID, source,
	).Scan(&blob)
	if err == sql.ErrNoRows {
		return &Status{State: StateIdle}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get refresh status: %w", err)
	}

	var status Status
	if err := msgpack.Unmarshal(blob, &status); err != nil {
		return nil, fmt.Errorf("failed to decode refresh status: %w", err)
	}
	return &status, nil
}
