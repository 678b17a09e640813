package clientdata

import (
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	_ "modernc.org/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupCacheDB(t *testing.T) *Repository {
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(`
		CREATE TABLE exchangerate (
			pair TEXT PRIMARY KEY,
			data TEXT NOT NULL,
			expires_at INTEGER NOT NULL
		);
		CREATE TABLE yahoo_quotes (
			symbol TEXT PRIMARY KEY,
			data TEXT NOT NULL,
			expires_at INTEGER NOT NULL
		);
		CREATE TABLE contract_metadata (
			instrument_id TEXT PRIMARY KEY,
			data TEXT NOT NULL,
			expires_at INTEGER NOT NULL
		);
	`)
	require.NoError(t, err)

	return NewRepository(db)
}

type testPayload struct {
	Rate float64 `json:"rate"`
}

func TestStoreAndGetIfFresh(t *testing.T) {
	repo := setupCacheDB(t)

	require.NoError(t, repo.Store("exchangerate", "EUR/USD", testPayload{Rate: 1.08}, time.Hour))

	data, err := repo.GetIfFresh("exchangerate", "EUR/USD")
	require.NoError(t, err)
	require.NotNil(t, data)

	var payload testPayload
	require.NoError(t, json.Unmarshal(data, &payload))
	assert.Equal(t, 1.08, payload.Rate)
}

func TestGetIfFresh_MissingKey(t *testing.T) {
	repo := setupCacheDB(t)

	data, err := repo.GetIfFresh("exchangerate", "EUR/USD")
	require.NoError(t, err)
	assert.Nil(t, data)
}

func TestGetIfFresh_ExpiredReturnsNil(t *testing.T) {
	repo := setupCacheDB(t)

	require.NoError(t, repo.Store("yahoo_quotes", "AAPL", testPayload{Rate: 200}, -time.Minute))

	data, err := repo.GetIfFresh("yahoo_quotes", "AAPL")
	require.NoError(t, err)
	assert.Nil(t, data)
}

func TestGet_ReturnsStaleData(t *testing.T) {
	repo := setupCacheDB(t)

	require.NoError(t, repo.Store("yahoo_quotes", "AAPL", testPayload{Rate: 200}, -time.Minute))

	data, err := repo.Get("yahoo_quotes", "AAPL")
	require.NoError(t, err)
	require.NotNil(t, data)

	var payload testPayload
	require.NoError(t, json.Unmarshal(data, &payload))
	assert.Equal(t, 200.0, payload.Rate)
}

func TestStore_Upserts(t *testing.T) {
	repo := setupCacheDB(t)

	require.NoError(t, repo.Store("exchangerate", "EUR/USD", testPayload{Rate: 1.08}, time.Hour))
	require.NoError(t, repo.Store("exchangerate", "EUR/USD", testPayload{Rate: 1.09}, time.Hour))

	data, err := repo.GetIfFresh("exchangerate", "EUR/USD")
	require.NoError(t, err)

	var payload testPayload
	require.NoError(t, json.Unmarshal(data, &payload))
	assert.Equal(t, 1.09, payload.Rate)
}

func TestDeleteExpired(t *testing.T) {
	repo := setupCacheDB(t)

	require.NoError(t, repo.Store("contract_metadata", "42", testPayload{}, -time.Minute))
	require.NoError(t, repo.Store("contract_metadata", "43", testPayload{}, time.Hour))

	deleted, err := repo.DeleteExpired("contract_metadata")
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	// The fresh entry survives
	data, err := repo.Get("contract_metadata", "43")
	require.NoError(t, err)
	assert.NotNil(t, data)

	data, err = repo.Get("contract_metadata", "42")
	require.NoError(t, err)
	assert.Nil(t, data)
}

func TestDeleteAllExpired_CoversAllTables(t *testing.T) {
	repo := setupCacheDB(t)

	require.NoError(t, repo.Store("exchangerate", "EUR/USD", testPayload{}, -time.Minute))
	require.NoError(t, repo.Store("yahoo_quotes", "AAPL", testPayload{}, -time.Minute))

	results, err := repo.DeleteAllExpired()
	require.NoError(t, err)
	assert.Equal(t, int64(1), results["exchangerate"])
	assert.Equal(t, int64(1), results["yahoo_quotes"])
	assert.Equal(t, int64(0), results["contract_metadata"])
}

func TestValidateTable_RejectsUnknownTable(t *testing.T) {
	repo := setupCacheDB(t)

	err := repo.Store("positions; DROP TABLE exchangerate", "x", testPayload{}, time.Hour)
	assert.Error(t, err)

	_, err = repo.GetIfFresh("unknown", "x")
	assert.Error(t, err)
}
