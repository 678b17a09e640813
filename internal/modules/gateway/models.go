// Package gateway owns the desktop-gateway integration: the singleton
// connection manager and the snapshot reconciler that merges the gateway's
// update streams into durable portfolio rows.
package gateway

import (
	"errors"
	"time"
)

// Typed failures surfaced to the refresh orchestrator. None of these are
// retried inside this package; retry policy belongs to the next scheduled
// or manual trigger.
var (
	// ErrConnectionFailed covers dial errors and connect timeouts.
	ErrConnectionFailed = errors.New("gateway connection failed")
	// ErrDownloadTimeout means the gateway never signalled the end of the
	// initial state download within the bounded wait.
	ErrDownloadTimeout = errors.New("initial account download timed out")
)

// AccountValueEntry is one transient account-value observation.
// Keyed by value name (plus currency for cash entries); last-write-wins.
type AccountValueEntry struct {
	Key        string
	Value      string
	Currency   string
	ObservedAt time.Time
}

// PositionSnapshot is the transient state for one instrument. Each arriving
// portfolio update replaces the whole snapshot for its instrument.
type PositionSnapshot struct {
	InstrumentID  int64
	Symbol        string
	SecurityType  string
	Currency      string
	Exchange      string
	Quantity      float64
	AverageCost   float64
	LastPrice     float64
	ClosePrice    float64
	MarketValue   float64
	UnrealizedPnL float64
	RealizedPnL   float64
}

// PriceTick accumulates tick-level prices for one instrument. Last price
// and close price arrive independently and both must be retained until
// flush.
type PriceTick struct {
	InstrumentID int64
	LastPrice    float64
	ClosePrice   float64
	HasLast      bool
	HasClose     bool
	ObservedAt   time.Time
}
