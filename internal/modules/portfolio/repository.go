package portfolio

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/foliotrack/foliotrack/internal/database"
)

// Repository handles portfolio persistence in app.db.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a new portfolio repository.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repository", "portfolio").Logger(),
	}
}

// ReplaceAll atomically replaces the full set of durable rows for one
// (linked account, source) pair: delete-then-bulk-insert for positions and
// cash balances, in-place upsert for the single account balance row.
//
// All three writes happen in one transaction so readers never observe
// positions from one cycle and a balance from another. Zero positions and
// zero cash entries are valid (the deletes still run, clearing stale rows).
func (r *Repository) ReplaceAll(
	linkedAccountID int64,
	source Source,
	positions []Position,
	cash []CashBalance,
	balance *AccountBalance,
) error {
	now := time.Now().Unix()

	return database.WithTransaction(r.db, func(tx *sql.Tx) error {
		// Scoped delete guarantees no stale row survives a closed position.
		if _, err := tx.Exec(
			"DELETE FROM positions WHERE linked_account_id = ? AND source = ?",
			linkedAccountID, source,
		); err != nil {
			return fmt.Errorf("failed to delete positions: %w", err)
		}

		for i := range positions {
			p := &positions[i]
			if _, err := tx.Exec(`
				INSERT INTO positions
					(linked_account_id, source, instrument_id, symbol, security_type,
					 currency, exchange, quantity, average_cost, last_price, close_price,
					 market_value, unrealized_pnl, realized_pnl, day_change, day_change_pct,
					 industry, category, country, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			`, linkedAccountID, source, p.InstrumentID, p.Symbol, p.SecurityType,
				p.Currency, p.Exchange, p.Quantity, p.AverageCost, p.LastPrice, p.ClosePrice,
				p.MarketValue, p.UnrealizedPnL, p.RealizedPnL, p.DayChange, p.DayChangePct,
				p.Industry, p.Category, p.Country, now,
			); err != nil {
				return fmt.Errorf("failed to insert position %s: %w", p.Symbol, err)
			}
		}

		if _, err := tx.Exec(
			"DELETE FROM cash_balances WHERE linked_account_id = ? AND source = ?",
			linkedAccountID, source,
		); err != nil {
			return fmt.Errorf("failed to delete cash balances: %w", err)
		}

		for i := range cash {
			c := &cash[i]
			if _, err := tx.Exec(`
				INSERT INTO cash_balances (linked_account_id, source, currency, amount, updated_at)
				VALUES (?, ?, ?, ?, ?)
			`, linkedAccountID, source, c.Currency, c.Amount, now); err != nil {
				return fmt.Errorf("failed to insert cash balance %s: %w", c.Currency, err)
			}
		}

		if balance != nil {
			if _, err := tx.Exec(`
				INSERT INTO account_balances (linked_account_id, source, net_liquidation, currency, updated_at)
				VALUES (?, ?, ?, ?, ?)
				ON CONFLICT(linked_account_id, source) DO UPDATE SET
					net_liquidation = excluded.net_liquidation,
					currency = excluded.currency,
					updated_at = excluded.updated_at
			`, linkedAccountID, source, balance.NetLiquidation, balance.Currency, now); err != nil {
				return fmt.Errorf("failed to upsert account balance: %w", err)
			}
		}

		return nil
	})
}

// GetPositions returns all position rows for a (linked account, source) pair.
func (r *Repository) GetPositions(linkedAccountID int64, source Source) ([]Position, error) {
	rows, err := r.db.Query(`
		SELECT id, linked_account_id, source, instrument_id, symbol, security_type,
			currency, exchange, quantity, average_cost, last_price, close_price,
			market_value, unrealized_pnl, realized_pnl, day_change, day_change_pct,
			industry, category, country, updated_at
		FROM positions
		WHERE linked_account_id = ? AND source = ?
		ORDER BY symbol
	`, linkedAccountID, source)
	if err != nil {
		return nil, fmt.Errorf("failed to query positions: %w", err)
	}
	defer rows.Close()

	var positions []Position
	for rows.Next() {
		var p Position
		var industry, category, country, exchange sql.NullString
		if err := rows.Scan(
			&p.ID, &p.LinkedAccountID, &p.Source, &p.InstrumentID, &p.Symbol, &p.SecurityType,
			&p.Currency, &exchange, &p.Quantity, &p.AverageCost, &p.LastPrice, &p.ClosePrice,
			&p.MarketValue, &p.UnrealizedPnL, &p.RealizedPnL, &p.DayChange, &p.DayChangePct,
			&industry, &category, &country, &p.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan position: %w", err)
		}
		p.Exchange = exchange.String
		p.Industry = industry.String
		p.Category = category.String
		p.Country = country.String
		positions = append(positions, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating positions: %w", err)
	}

	return positions, nil
}

// GetCashBalances returns all cash rows for a (linked account, source) pair.
func (r *Repository) GetCashBalances(linkedAccountID int64, source Source) ([]CashBalance, error) {
	rows, err := r.db.Query(`
		SELECT id, linked_account_id, source, currency, amount, updated_at
		FROM cash_balances
		WHERE linked_account_id = ? AND source = ?
		ORDER BY currency
	`, linkedAccountID, source)
	if err != nil {
		return nil, fmt.Errorf("failed to query cash balances: %w", err)
	}
	defer rows.Close()

	var balances []CashBalance
	for rows.Next() {
		var c CashBalance
		if err := rows.Scan(&c.ID, &c.LinkedAccountID, &c.Source, &c.Currency, &c.Amount, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan cash balance: %w", err)
		}
		balances = append(balances, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating cash balances: %w", err)
	}

	return balances, nil
}

// GetAccountBalance returns the balance row for a (linked account, source)
// pair, or nil if none has been written yet.
func (r *Repository) GetAccountBalance(linkedAccountID int64, source Source) (*AccountBalance, error) {
	var b AccountBalance
	err := r.db.QueryRow(`
		SELECT linked_account_id, source, net_liquidation, currency, updated_at
		FROM account_balances
		WHERE linked_account_id = ? AND source = ?
	`, linkedAccountID, source).Scan(
		&b.LinkedAccountID, &b.Source, &b.NetLiquidation, &b.Currency, &b.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account balance: %w", err)
	}
	return &b, nil
}

// GetClassification returns the stored classification metadata for an
// instrument, if any previous flush recorded it. Used by the reconciler as
// the durable tier of the classification lookup chain.
func (r *Repository) GetClassification(instrumentID int64) (industry, category, country string, found bool, err error) {
	var ind, cat, cty sql.NullString
	err = r.db.QueryRow(`
		SELECT industry, category, country FROM positions
		WHERE instrument_id = ? AND industry IS NOT NULL AND industry != ''
		ORDER BY updated_at DESC LIMIT 1
	`, instrumentID).Scan(&ind, &cat, &cty)
	if err == sql.ErrNoRows {
		return "", "", "", false, nil
	}
	if err != nil {
		return "", "", "", false, fmt.Errorf("failed to get classification: %w", err)
	}
	return ind.String, cat.String, cty.String, true, nil
}

// GetPositionsForUser returns all positions across a user's linked accounts.
// Used by the performance snapshot recalculation.
func (r *Repository) GetPositionsForUser(userID int64) ([]Position, error) {
	rows, err := r.db.Query(`
		SELECT p.id, p.linked_account_id, p.source, p.instrument_id, p.symbol, p.security_type,
			p.currency, p.exchange, p.quantity, p.average_cost, p.last_price, p.close_price,
			p.market_value, p.unrealized_pnl, p.realized_pnl, p.day_change, p.day_change_pct,
			p.industry, p.category, p.country, p.updated_at
		FROM positions p
		JOIN linked_accounts a ON a.id = p.linked_account_id
		WHERE a.user_id = ?
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query user positions: %w", err)
	}
	defer rows.Close()

	var positions []Position
	for rows.Next() {
		var p Position
		var industry, category, country, exchange sql.NullString
		if err := rows.Scan(
			&p.ID, &p.LinkedAccountID, &p.Source, &p.InstrumentID, &p.Symbol, &p.SecurityType,
			&p.Currency, &exchange, &p.Quantity, &p.AverageCost, &p.LastPrice, &p.ClosePrice,
			&p.MarketValue, &p.UnrealizedPnL, &p.RealizedPnL, &p.DayChange, &p.DayChangePct,
			&industry, &category, &country, &p.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan position: %w", err)
		}
		p.Exchange = exchange.String
		p.Industry = industry.String
		p.Category = category.String
		p.Country = country.String
		positions = append(positions, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating positions: %w", err)
	}

	return positions, nil
}

// GetCashBalancesForUser returns all cash rows across a user's linked accounts.
func (r *Repository) GetCashBalancesForUser(userID int64) ([]CashBalance, error) {
	rows, err := r.db.Query(`
		SELECT c.id, c.linked_account_id, c.source, c.currency, c.amount, c.updated_at
		FROM cash_balances c
		JOIN linked_accounts a ON a.id = c.linked_account_id
		WHERE a.user_id = ?
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query user cash balances: %w", err)
	}
	defer rows.Close()

	var balances []CashBalance
	for rows.Next() {
		var c CashBalance
		if err := rows.Scan(&c.ID, &c.LinkedAccountID, &c.Source, &c.Currency, &c.Amount, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan cash balance: %w", err)
		}
		balances = append(balances, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating cash balances: %w", err)
	}

	return balances, nil
}
