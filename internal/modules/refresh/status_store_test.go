package refresh

import (
	"database/sql"
	"testing"

	_ "modernc.org/sqlite"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foliotrack/foliotrack/internal/modules/portfolio"
)

func setupStatusStore(t *testing.T) *StatusStore {
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(`
		CREATE TABLE refresh_status (
			linked_account_id INTEGER NOT NULL,
			source TEXT NOT NULL,
			data BLOB NOT NULL,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (linked_account_id, source)
		)
	`)
	require.NoError(t, err)

	return NewStatusStore(db, zerolog.New(nil).Level(zerolog.Disabled))
}

func TestStatusStore_Roundtrip(t *testing.T) {
	store := setupStatusStore(t)

	saved := &Status{
		CycleID:       "cycle-1",
		State:         StateActive,
		PositionCount: 12,
		StartedAt:     1700000000,
	}
	require.NoError(t, store.Save(1, portfolio.SourceGateway, saved))

	got, err := store.Get(1, portfolio.SourceGateway)
	require.NoError(t, err)
	assert.Equal(t, "cycle-1", got.CycleID)
	assert.Equal(t, StateActive, got.State)
	assert.Equal(t, 12, got.PositionCount)
	assert.Equal(t, int64(1700000000), got.StartedAt)
	assert.NotZero(t, got.UpdatedAt)
}

func TestStatusStore_MissingRowIsIdle(t *testing.T) {
	store := setupStatusStore(t)

	got, err := store.Get(99, portfolio.SourceSchwab)
	require.NoError(t, err)
	assert.Equal(t, StateIdle, got.State)
	assert.Empty(t, got.CycleID)
}

func TestStatusStore_UpsertReplacesPerAccountAndSource(t *testing.T) {
	store := setupStatusStore(t)

	require.NoError(t, store.Save(1, portfolio.SourceGateway, &Status{CycleID: "a", State: StateConnecting}))
	require.NoError(t, store.Save(1, portfolio.SourceGateway, &Status{CycleID: "b", State: StateError, Error: "dial failed"}))
	require.NoError(t, store.Save(1, portfolio.SourceSchwab, &Status{CycleID: "c", State: StateActive}))

	gateway, err := store.Get(1, portfolio.SourceGateway)
	require.NoError(t, err)
	assert.Equal(t, "b", gateway.CycleID)
	assert.Equal(t, StateError, gateway.State)
	assert.Equal(t, "dial failed", gateway.Error)

	schwab, err := store.Get(1, portfolio.SourceSchwab)
	require.NoError(t, err)
	assert.Equal(t, "c", schwab.CycleID)
	assert.Equal(t, StateActive, schwab.State)
}
