package ibgateway

import "context"

// TickField identifies which price field a tick carries. The gateway
// delivers last-price and close-price ticks independently, at different
// times, for the same instrument.
type TickField string

const (
	TickLast  TickField = "last"
	TickClose TickField = "close"
)

// AccountValue is one account-value update ("NetLiquidation", "CashBalance",
// "Currency", ...). Keyed by Key (plus Currency for cash entries);
// last-write-wins per key.
type AccountValue struct {
	Key      string `json:"key"`
	Value    string `json:"value"`
	Currency string `json:"currency"`
}

// PortfolioUpdate is one portfolio/position update. Each update carries the
// complete state for one instrument and replaces any previous update for it
// wholesale - there is no partial-field merge.
type PortfolioUpdate struct {
	InstrumentID  int64   `json:"instrument_id"`
	Symbol        string  `json:"symbol"`
	SecurityType  string  `json:"security_type"` // STK, BOND, OPT, ...
	Currency      string  `json:"currency"`
	Exchange      string  `json:"exchange"`
	Quantity      float64 `json:"quantity"`
	AverageCost   float64 `json:"average_cost"`
	MarketPrice   float64 `json:"market_price"`
	MarketValue   float64 `json:"market_value"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`
	RealizedPnL   float64 `json:"realized_pnl"`
}

// Tick is one tick-level price update for a subscribed instrument.
type Tick struct {
	InstrumentID int64     `json:"instrument_id"`
	Field        TickField `json:"field"`
	Price        float64   `json:"price"`
}

// ContractDetails is the one-shot contract metadata lookup result.
type ContractDetails struct {
	InstrumentID int64  `json:"instrument_id"`
	Industry     string `json:"industry"`
	Category     string `json:"category"`
	Country      string `json:"country"`
}

// Handlers receives gateway events. All callbacks are invoked from the
// transport's single read goroutine, so handler implementations can treat
// themselves as single-writer.
type Handlers struct {
	OnAccountValue    func(AccountValue)
	OnPortfolioUpdate func(PortfolioUpdate)
	OnTick            func(Tick)
	// OnDownloadComplete signals the end of the initial state download;
	// after it fires, the stream is purely incremental.
	OnDownloadComplete func()
	// OnDisconnect fires on a transport-initiated disconnection. It does
	// NOT fire for an explicit Close().
	OnDisconnect func(err error)
}

// Transport is the connection to the brokerage desktop gateway.
// Implementations do not retry on their own; retry policy belongs to the
// refresh orchestrator.
type Transport interface {
	// Connect opens the connection. The context bounds the attempt.
	Connect(ctx context.Context) error

	// Close tears the connection down. Idempotent.
	Close() error

	// SubscribeAccountUpdates starts the combined account-value +
	// portfolio-update stream. The gateway answers with a batch of
	// current state followed by a download-complete signal.
	SubscribeAccountUpdates() error

	// UnsubscribeAccountUpdates stops the account stream.
	UnsubscribeAccountUpdates() error

	// SubscribeMarketData starts tick updates for one instrument.
	SubscribeMarketData(instrumentID int64) error

	// UnsubscribeMarketData stops tick updates for one instrument.
	UnsubscribeMarketData(instrumentID int64) error

	// ContractDetails performs a one-shot metadata lookup. The context
	// bounds the request.
	ContractDetails(ctx context.Context, instrumentID int64) (*ContractDetails, error)

	// SetHandlers registers event callbacks. Must be called before Connect.
	SetHandlers(h Handlers)
}
