package refresh

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "modernc.org/sqlite"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foliotrack/foliotrack/internal/clients/schwab"
	"github.com/foliotrack/foliotrack/internal/config"
	"github.com/foliotrack/foliotrack/internal/modules/accounts"
	"github.com/foliotrack/foliotrack/internal/modules/credentials"
	"github.com/foliotrack/foliotrack/internal/modules/oauthtokens"
	"github.com/foliotrack/foliotrack/internal/modules/portfolio"
	"github.com/foliotrack/foliotrack/internal/modules/settings"
)

func setupRefreshDB(t *testing.T) *sql.DB {
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(`
		CREATE TABLE linked_accounts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id INTEGER NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			source TEXT NOT NULL DEFAULT 'gateway',
			account_number TEXT,
			currency TEXT NOT NULL DEFAULT 'USD',
			created_at INTEGER NOT NULL DEFAULT 0
		);
		CREATE TABLE connection_settings (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id INTEGER NOT NULL,
			linked_account_id INTEGER NOT NULL,
			host TEXT NOT NULL,
			port INTEGER NOT NULL,
			client_id INTEGER NOT NULL,
			updated_at INTEGER NOT NULL DEFAULT 0,
			UNIQUE(user_id, linked_account_id)
		);
		CREATE TABLE oauth_credentials (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id INTEGER NOT NULL,
			linked_account_id INTEGER NOT NULL,
			app_key TEXT NOT NULL DEFAULT '',
			app_secret TEXT NOT NULL DEFAULT '',
			access_token TEXT NOT NULL DEFAULT '',
			refresh_token TEXT NOT NULL DEFAULT '',
			access_token_expires_at INTEGER NOT NULL DEFAULT 0,
			needs_reauth INTEGER NOT NULL DEFAULT 0,
			updated_at INTEGER NOT NULL DEFAULT 0,
			UNIQUE(user_id, linked_account_id)
		);
		CREATE TABLE refresh_status (
			linked_account_id INTEGER NOT NULL,
			source TEXT NOT NULL,
			data BLOB NOT NULL,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (linked_account_id, source)
		);
	`)
	require.NoError(t, err)
	return db
}

func newValidationService(t *testing.T) (*Service, *accounts.Repository, *settings.ConnectionRepository, *credentials.Repository) {
	db := setupRefreshDB(t)
	log := zerolog.New(nil).Level(zerolog.Disabled)

	accountsRepo := accounts.NewRepository(db, log)
	connRepo := settings.NewConnectionRepository(db, log)
	credRepo := credentials.NewRepository(db, log)
	statusStore := NewStatusStore(db, log)

	schwabClient := schwab.NewClient(log)
	tokens := oauthtokens.NewService(credRepo, schwabClient, log)

	// Validation paths return before the manager or quote client is
	// touched, so those stay nil here.
	svc := NewService(&config.Config{}, nil, connRepo, accountsRepo, tokens,
		schwabClient, nil, nil, statusStore, nil, log)

	return svc, accountsRepo, connRepo, credRepo
}

func TestRefreshGateway_UnknownAccount(t *testing.T) {
	svc, _, _, _ := newValidationService(t)

	_, err := svc.RefreshGateway(context.Background(), 1, 99)
	assert.ErrorIs(t, err, ErrAccountNotFound)
}

func TestRefreshGateway_AccountOwnedByOtherUser(t *testing.T) {
	svc, accountsRepo, _, _ := newValidationService(t)

	account := &accounts.LinkedAccount{UserID: 2, Name: "IB", Source: "gateway", Currency: "USD"}
	require.NoError(t, accountsRepo.Create(account))

	_, err := svc.RefreshGateway(context.Background(), 1, account.ID)
	assert.ErrorIs(t, err, ErrAccountNotFound)
}

func TestRefreshGateway_MissingConnectionSettings(t *testing.T) {
	svc, accountsRepo, _, _ := newValidationService(t)

	account := &accounts.LinkedAccount{UserID: 1, Name: "IB", Source: "gateway", Currency: "USD"}
	require.NoError(t, accountsRepo.Create(account))

	_, err := svc.RefreshGateway(context.Background(), 1, account.ID)
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestRefreshGateway_AlreadyRunning(t *testing.T) {
	svc, accountsRepo, connRepo, _ := newValidationService(t)

	account := &accounts.LinkedAccount{UserID: 1, Name: "IB", Source: "gateway", Currency: "USD"}
	require.NoError(t, accountsRepo.Create(account))
	require.NoError(t, connRepo.Upsert(&settings.ConnectionSettings{
		UserID: 1, LinkedAccountID: account.ID, Host: "127.0.0.1", Port: 5000, ClientID: 1,
	}))

	// A cycle is already holding the slot
	require.True(t, svc.tryAcquire(account.ID, portfolio.SourceGateway))

	_, err := svc.RefreshGateway(context.Background(), 1, account.ID)
	assert.ErrorIs(t, err, ErrRefreshInProgress)
}

func TestRefreshSchwab_NoCredential(t *testing.T) {
	svc, accountsRepo, _, _ := newValidationService(t)

	account := &accounts.LinkedAccount{UserID: 1, Name: "Schwab", Source: "schwab", AccountNumber: "12345678", Currency: "USD"}
	require.NoError(t, accountsRepo.Create(account))

	_, err := svc.RefreshSchwab(context.Background(), 1, account.ID)
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestRefreshSchwab_NeedsReauthPassesThrough(t *testing.T) {
	svc, accountsRepo, _, credRepo := newValidationService(t)

	account := &accounts.LinkedAccount{UserID: 1, Name: "Schwab", Source: "schwab", AccountNumber: "12345678", Currency: "USD"}
	require.NoError(t, accountsRepo.Create(account))

	require.NoError(t, credRepo.Upsert(&credentials.OAuthCredential{
		UserID: 1, LinkedAccountID: account.ID,
		AccessToken: "stale", RefreshToken: "dead",
		AccessTokenExpiresAt: time.Now().Add(time.Hour).Unix(),
		NeedsReauth:          true,
	}))

	_, err := svc.RefreshSchwab(context.Background(), 1, account.ID)
	assert.ErrorIs(t, err, oauthtokens.ErrNeedsReauth)
}

func TestTryAcquire_PerAccountAndSource(t *testing.T) {
	svc, _, _, _ := newValidationService(t)

	require.True(t, svc.tryAcquire(1, portfolio.SourceGateway))
	assert.False(t, svc.tryAcquire(1, portfolio.SourceGateway))

	// Other source and other account are independent slots
	assert.True(t, svc.tryAcquire(1, portfolio.SourceSchwab))
	assert.True(t, svc.tryAcquire(2, portfolio.SourceGateway))

	svc.release(1, portfolio.SourceGateway)
	assert.True(t, svc.tryAcquire(1, portfolio.SourceGateway))
}
