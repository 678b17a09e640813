package snapshots

import (
	"database/sql"
	"testing"

	_ "modernc.org/sqlite"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foliotrack/foliotrack/internal/modules/portfolio"
	"github.com/foliotrack/foliotrack/internal/services"
)

func setupSnapshotDB(t *testing.T) *sql.DB {
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(`
		CREATE TABLE linked_accounts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id INTEGER NOT NULL,
			source TEXT NOT NULL DEFAULT 'gateway',
			name TEXT NOT NULL DEFAULT ''
		);
		CREATE TABLE positions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			linked_account_id INTEGER NOT NULL,
			source TEXT NOT NULL,
			instrument_id INTEGER NOT NULL,
			symbol TEXT NOT NULL,
			security_type TEXT NOT NULL DEFAULT '',
			currency TEXT NOT NULL DEFAULT '',
			exchange TEXT,
			quantity REAL NOT NULL DEFAULT 0,
			average_cost REAL NOT NULL DEFAULT 0,
			last_price REAL NOT NULL DEFAULT 0,
			close_price REAL NOT NULL DEFAULT 0,
			market_value REAL NOT NULL DEFAULT 0,
			unrealized_pnl REAL NOT NULL DEFAULT 0,
			realized_pnl REAL NOT NULL DEFAULT 0,
			day_change REAL NOT NULL DEFAULT 0,
			day_change_pct REAL NOT NULL DEFAULT 0,
			industry TEXT,
			category TEXT,
			country TEXT,
			updated_at INTEGER NOT NULL DEFAULT 0
		);
		CREATE TABLE cash_balances (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			linked_account_id INTEGER NOT NULL,
			source TEXT NOT NULL,
			currency TEXT NOT NULL,
			amount REAL NOT NULL DEFAULT 0,
			updated_at INTEGER NOT NULL DEFAULT 0
		);
		CREATE TABLE performance_snapshots (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id INTEGER NOT NULL,
			total_value REAL NOT NULL DEFAULT 0,
			total_cash REAL NOT NULL DEFAULT 0,
			total_unrealized_pnl REAL NOT NULL DEFAULT 0,
			base_currency TEXT NOT NULL DEFAULT 'USD',
			created_at INTEGER NOT NULL DEFAULT 0
		);
	`)
	require.NoError(t, err)
	return db
}

func newTestSnapshotService(t *testing.T) (*Service, *Repository, *portfolio.Repository, *sql.DB) {
	db := setupSnapshotDB(t)
	log := zerolog.New(nil).Level(zerolog.Disabled)

	repo := NewRepository(db, log)
	portfolioRepo := portfolio.NewRepository(db, log)
	// Base-currency-only fixtures never hit the rate client
	currency := services.NewCurrencyService(nil, "USD", log)

	return NewService(repo, portfolioRepo, currency, log), repo, portfolioRepo, db
}

func TestRecalculateSnapshot_SumsPositionsAndCash(t *testing.T) {
	svc, repo, portfolioRepo, db := newTestSnapshotService(t)

	_, err := db.Exec(`INSERT INTO linked_accounts (id, user_id) VALUES (1, 1), (2, 1)`)
	require.NoError(t, err)

	require.NoError(t, portfolioRepo.ReplaceAll(1, portfolio.SourceGateway, []portfolio.Position{
		{LinkedAccountID: 1, Source: portfolio.SourceGateway, InstrumentID: 10, Symbol: "AAPL",
			Currency: "USD", MarketValue: 2000, UnrealizedPnL: 300},
	}, []portfolio.CashBalance{
		{LinkedAccountID: 1, Source: portfolio.SourceGateway, Currency: "USD", Amount: 500},
	}, nil))
	require.NoError(t, portfolioRepo.ReplaceAll(2, portfolio.SourceSchwab, []portfolio.Position{
		{LinkedAccountID: 2, Source: portfolio.SourceSchwab, Symbol: "SCHB",
			Currency: "USD", MarketValue: 1000, UnrealizedPnL: -50},
	}, nil, nil))

	require.NoError(t, svc.RecalculateSnapshot(1))

	latest, err := repo.GetLatest(1)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, 3500.0, latest.TotalValue) // 2000 + 1000 positions + 500 cash
	assert.Equal(t, 500.0, latest.TotalCash)
	assert.Equal(t, 250.0, latest.TotalUnrealizedPnL)
	assert.Equal(t, "USD", latest.BaseCurrency)
}

func TestRecalculateSnapshot_EmptyPortfolio(t *testing.T) {
	svc, repo, _, db := newTestSnapshotService(t)

	_, err := db.Exec(`INSERT INTO linked_accounts (id, user_id) VALUES (1, 1)`)
	require.NoError(t, err)

	require.NoError(t, svc.RecalculateSnapshot(1))

	latest, err := repo.GetLatest(1)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, 0.0, latest.TotalValue)
}

func TestGetLatest_NoSnapshots(t *testing.T) {
	_, repo, _, _ := newTestSnapshotService(t)

	latest, err := repo.GetLatest(1)
	require.NoError(t, err)
	assert.Nil(t, latest)
}

func TestGetHistory_FiltersBySince(t *testing.T) {
	_, repo, _, db := newTestSnapshotService(t)

	_, err := db.Exec(`INSERT INTO performance_snapshots
		(user_id, total_value, total_cash, total_unrealized_pnl, base_currency, created_at) VALUES
		(1, 100, 0, 0, 'USD', 1000),
		(1, 200, 0, 0, 'USD', 2000),
		(1, 300, 0, 0, 'USD', 3000),
		(2, 999, 0, 0, 'USD', 3000)`)
	require.NoError(t, err)

	history, err := repo.GetHistory(1, 2000)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, 200.0, history[0].TotalValue)
	assert.Equal(t, 300.0, history[1].TotalValue)
}
