// Package accounts stores the user's linked brokerage accounts.
// Account CRUD routes live elsewhere; the refresh pipeline only needs
// lookup by id and by user.
package accounts

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// LinkedAccount is one brokerage account a user has linked.
type LinkedAccount struct {
	ID            int64  `json:"id"`
	UserID        int64  `json:"user_id"`
	Name          string `json:"name"`
	Source        string `json:"source"` // 'gateway' | 'schwab'
	AccountNumber string `json:"account_number"`
	Currency      string `json:"currency"`
	CreatedAt     int64  `json:"created_at"`
}

// Repository handles linked account database operations.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a new linked account repository.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repository", "linked_accounts").Logger(),
	}
}

// GetByID returns a linked account by id, or nil if it doesn't exist.
func (r *Repository) GetByID(id int64) (*LinkedAccount, error) {
	var a LinkedAccount
	var accountNumber sql.NullString
	err := r.db.QueryRow(`
		SELECT id, user_id, name, source, account_number, currency, created_at
		FROM linked_accounts WHERE id = ?
	`, id).Scan(&a.ID, &a.UserID, &a.Name, &a.Source, &accountNumber, &a.Currency, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get linked account %d: %w", id, err)
	}
	a.AccountNumber = accountNumber.String
	return &a, nil
}

// GetForUser returns all linked accounts for a user.
func (r *Repository) GetForUser(userID int64) ([]LinkedAccount, error) {
	rows, err := r.db.Query(`
		SELECT id, user_id, name, source, account_number, currency, created_at
		FROM linked_accounts WHERE user_id = ? ORDER BY id
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query linked accounts: %w", err)
	}
	defer rows.Close()

	var result []LinkedAccount
	for rows.Next() {
		var a LinkedAccount
		var accountNumber sql.NullString
		if err := rows.Scan(&a.ID, &a.UserID, &a.Name, &a.Source, &accountNumber, &a.Currency, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan linked account: %w", err)
		}
		a.AccountNumber = accountNumber.String
		result = append(result, a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating linked accounts: %w", err)
	}

	return result, nil
}

// GetAll returns every linked account. Used by the scheduled refresh.
func (r *Repository) GetAll() ([]LinkedAccount, error) {
	rows, err := r.db.Query(`
		SELECT id, user_id, name, source, account_number, currency, created_at
		FROM linked_accounts ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query linked accounts: %w", err)
	}
	defer rows.Close()

	var result []LinkedAccount
	for rows.Next() {
		var a LinkedAccount
		var accountNumber sql.NullString
		if err := rows.Scan(&a.ID, &a.UserID, &a.Name, &a.Source, &accountNumber, &a.Currency, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan linked account: %w", err)
		}
		a.AccountNumber = accountNumber.String
		result = append(result, a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating linked accounts: %w", err)
	}

	return result, nil
}

// Create inserts a new linked account.
func (r *Repository) Create(a *LinkedAccount) error {
	now := time.Now().Unix()

	result, err := r.db.Exec(`
		INSERT INTO linked_accounts (user_id, name, source, account_number, currency, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, a.UserID, a.Name, a.Source, a.AccountNumber, a.Currency, now)
	if err != nil {
		return fmt.Errorf("failed to create linked account: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get linked account id: %w", err)
	}

	a.ID = id
	a.CreatedAt = now
	return nil
}
