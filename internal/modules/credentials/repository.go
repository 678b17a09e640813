package credentials

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Repository handles OAuth credential database operations.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a new OAuth credential repository.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repository", "oauth_credentials").Logger(),
	}
}

const credentialColumns = `id, user_id, linked_account_id, app_key, app_secret,
	access_token, refresh_token, access_token_expires_at, needs_reauth, updated_at`

func scanCredential(row interface{ Scan(...interface{}) error }) (*OAuthCredential, error) {
	var c OAuthCredential
	var needsReauth int
	err := row.Scan(
		&c.ID, &c.UserID, &c.LinkedAccountID, &c.AppKey, &c.AppSecret,
		&c.AccessToken, &c.RefreshToken, &c.AccessTokenExpiresAt, &needsReauth, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	c.NeedsReauth = needsReauth != 0
	return &c, nil
}

// GetForAccount returns the credential for a linked account.
// Returns nil if none exists (not an error).
func (r *Repository) GetForAccount(userID, linkedAccountID int64) (*OAuthCredential, error) {
	row := r.db.QueryRow(
		"SELECT "+credentialColumns+" FROM oauth_credentials WHERE user_id = ? AND linked_account_id = ?",
		userID, linkedAccountID,
	)
	c, err := scanCredential(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get credential: %w", err)
	}
	return c, nil
}

// GetAll returns all stored credentials. Used by the proactive refresh sweep.
func (r *Repository) GetAll() ([]OAuthCredential, error) {
	rows, err := r.db.Query("SELECT " + credentialColumns + " FROM oauth_credentials")
	if err != nil {
		return nil, fmt.Errorf("failed to query credentials: %w", err)
	}
	defer rows.Close()

	var creds []OAuthCredential
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan credential: %w", err)
		}
		creds = append(creds, *c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating credentials: %w", err)
	}

	return creds, nil
}

// Upsert creates or replaces the credential for a linked account.
// Used by the initial authorization-code exchange.
func (r *Repository) Upsert(c *OAuthCredential) error {
	now := time.Now().Unix()

	_, err := r.db.Exec(`
		INSERT INTO oauth_credentials
			(user_id, linked_account_id, app_key, app_secret,
			 access_token, refresh_token, access_token_expires_at, needs_reauth, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, linked_account_id) DO UPDATE SET
			app_key = excluded.app_key,
			app_secret = excluded.app_secret,
			access_token = excluded.access_token,
			refresh_token = excluded.refresh_token,
			access_token_expires_at = excluded.access_token_expires_at,
			needs_reauth = excluded.needs_reauth,
			updated_at = excluded.updated_at
	`, c.UserID, c.LinkedAccountID, c.AppKey, c.AppSecret,
		c.AccessToken, c.RefreshToken, c.AccessTokenExpiresAt, boolToInt(c.NeedsReauth), now)
	if err != nil {
		return fmt.Errorf("failed to upsert credential: %w", err)
	}

	c.UpdatedAt = now
	return nil
}

// UpdateTokens persists a refreshed access+refresh token pair and clears
// any needs-reauth flag.
func (r *Repository) UpdateTokens(id int64, accessToken, refreshToken string, expiresAt int64) error {
	now := time.Now().Unix()

	result, err := r.db.Exec(`
		UPDATE oauth_credentials
		SET access_token = ?, refresh_token = ?, access_token_expires_at = ?,
			needs_reauth = 0, updated_at = ?
		WHERE id = ?
	`, accessToken, refreshToken, expiresAt, now, id)
	if err != nil {
		return fmt.Errorf("failed to update tokens: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("credential %d not found", id)
	}

	return nil
}

// SetNeedsReauth marks a credential as requiring interactive re-authorization.
func (r *Repository) SetNeedsReauth(id int64, needsReauth bool) error {
	now := time.Now().Unix()

	_, err := r.db.Exec(
		"UPDATE oauth_credentials SET needs_reauth = ?, updated_at = ? WHERE id = ?",
		boolToInt(needsReauth), now, id,
	)
	if err != nil {
		return fmt.Errorf("failed to set needs_reauth: %w", err)
	}

	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
