// Package portfolio persists the reconciled portfolio state: position rows,
// cash balance rows, and the per-account balance row.
package portfolio

// Source identifies which integration produced a set of durable rows.
// Every durable financial row is attributable to exactly one
// (linked account, source) pair.
type Source string

const (
	SourceGateway Source = "gateway"
	SourceSchwab  Source = "schwab"
)

// Position is one durable position row.
// Rows are fully replaced per (linked account, source) on every flush;
// there is no incremental update of position rows.
type Position struct {
	ID              int64   `json:"id"`
	LinkedAccountID int64   `json:"linked_account_id"`
	Source          Source  `json:"source"`
	InstrumentID    int64   `json:"instrument_id"`
	Symbol          string  `json:"symbol"`
	SecurityType    string  `json:"security_type"`
	Currency        string  `json:"currency"`
	Exchange        string  `json:"exchange"`
	Quantity        float64 `json:"quantity"`
	AverageCost     float64 `json:"average_cost"`
	LastPrice       float64 `json:"last_price"`
	ClosePrice      float64 `json:"close_price"`
	MarketValue     float64 `json:"market_value"`
	UnrealizedPnL   float64 `json:"unrealized_pnl"`
	RealizedPnL     float64 `json:"realized_pnl"`
	DayChange       float64 `json:"day_change"`
	DayChangePct    float64 `json:"day_change_pct"`
	Industry        string  `json:"industry"`
	Category        string  `json:"category"`
	Country         string  `json:"country"`
	UpdatedAt       int64   `json:"updated_at"`
}

// CashBalance is one durable cash row (one per currency).
// Rows are fully replaced per (linked account, source) on every flush.
type CashBalance struct {
	ID              int64   `json:"id"`
	LinkedAccountID int64   `json:"linked_account_id"`
	Source          Source  `json:"source"`
	Currency        string  `json:"currency"`
	Amount          float64 `json:"amount"`
	UpdatedAt       int64   `json:"updated_at"`
}

// AccountBalance is the single balance row per (linked account, source),
// updated in place rather than replaced.
type AccountBalance struct {
	LinkedAccountID int64   `json:"linked_account_id"`
	Source          Source  `json:"source"`
	NetLiquidation  float64 `json:"net_liquidation"`
	Currency        string  `json:"currency"`
	UpdatedAt       int64   `json:"updated_at"`
}
