// Package snapshots records point-in-time portfolio performance after each
// refresh, giving the UI a value-over-time series.
package snapshots

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Snapshot is one recorded portfolio valuation.
type Snapshot struct {
	ID                 int64   `json:"id"`
	UserID             int64   `json:"user_id"`
	TotalValue         float64 `json:"total_value"`
	TotalCash          float64 `json:"total_cash"`
	TotalUnrealizedPnL float64 `json:"total_unrealized_pnl"`
	BaseCurrency       string  `json:"base_currency"`
	CreatedAt          int64   `json:"created_at"`
}

// Repository handles performance snapshot persistence.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a new snapshot repository.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repository", "performance_snapshots").Logger(),
	}
}

// Insert records a new snapshot.
func (r *Repository) Insert(s *Snapshot) error {
	now := time.Now().Unix()

	result, err := r.db.Exec(`
		INSERT INTO performance_snapshots
			(user_id, total_value, total_cash, total_unrealized_pnl, base_currency, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, s.UserID, s.TotalValue, s.TotalCash, s.TotalUnrealizedPnL, s.BaseCurrency, now)
	if err != nil {
		return fmt.Errorf("failed to insert snapshot: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get snapshot id: %w", err)
	}

	s.ID = id
	s.CreatedAt = now
	return nil
}

// GetLatest returns the most recent snapshot for a user, or nil if none.
func (r *Repository) GetLatest(userID int64) (*Snapshot, error) {
	var s Snapshot
	err := r.db.QueryRow(`
		SELECT id, user_id, total_value, total_cash, total_unrealized_pnl, base_currency, created_at
		FROM performance_snapshots
		WHERE user_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`, userID).Scan(&s.ID, &s.UserID, &s.TotalValue, &s.TotalCash, &s.TotalUnrealizedPnL, &s.BaseCurrency, &s.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest snapshot: %w", err)
	}
	return &s, nil
}

// GetHistory returns snapshots for a user since a unix timestamp.
func (r *Repository) GetHistory(userID, since int64) ([]Snapshot, error) {
	rows, err := r.db.Query(`
		SELECT id, user_id, total_value, total_cash, total_unrealized_pnl, base_currency, created_at
		FROM performance_snapshots
		WHERE user_id = ? AND created_at >= ?
		ORDER BY created_at
	`, userID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshots: %w", err)
	}
	defer rows.Close()

	var result []Snapshot
	for rows.Next() {
		var s Snapshot
		if err := rows.Scan(&s.ID, &s.UserID, &s.TotalValue, &s.TotalCash, &s.TotalUnrealizedPnL, &s.BaseCurrency, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		result = append(result, s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating snapshots: %w", err)
	}

	return result, nil
}
