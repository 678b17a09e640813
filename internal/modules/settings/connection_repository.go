package settings

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// ConnectionRepository handles gateway connection settings operations.
type ConnectionRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewConnectionRepository creates a new connection settings repository.
func NewConnectionRepository(db *sql.DB, log zerolog.Logger) *ConnectionRepository {
	return &ConnectionRepository{
		db:  db,
		log: log.With().Str("repository", "connection_settings").Logger(),
	}
}

// GetForAccount returns the connection settings for a linked account.
// Returns nil if no settings are configured (not an error) - the caller
// decides whether missing settings are a configuration failure.
func (r *ConnectionRepository) GetForAccount(userID, linkedAccountID int64) (*ConnectionSettings, error) {
	var cs ConnectionSettings
	err := r.db.QueryRow(`
		SELECT id, user_id, linked_account_id, host, port, client_id, updated_at
		FROM connection_settings
		WHERE user_id = ? AND linked_account_id = ?
	`, userID, linkedAccountID).Scan(
		&cs.ID, &cs.UserID, &cs.LinkedAccountID,
		&cs.Host, &cs.Port, &cs.ClientID, &cs.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get connection settings: %w", err)
	}
	return &cs, nil
}

// Upsert creates or updates connection settings for a linked account.
func (r *ConnectionRepository) Upsert(cs *ConnectionSettings) error {
	now := time.Now().Unix()

	_, err := r.db.Exec(`
		INSERT INTO connection_settings (user_id, linked_account_id, host, port, client_id, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, linked_account_id) DO UPDATE SET
			host = excluded.host,
			port = excluded.port,
			client_id = excluded.client_id,
			updated_at = excluded.updated_at
	`, cs.UserID, cs.LinkedAccountID, cs.Host, cs.Port, cs.ClientID, now)
	if err != nil {
		return fmt.Errorf("failed to upsert connection settings: %w", err)
	}

	cs.UpdatedAt = now
	return nil
}
