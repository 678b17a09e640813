package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/foliotrack/foliotrack/internal/clientdata"
	"github.com/foliotrack/foliotrack/internal/clients/ibgateway"
	"github.com/foliotrack/foliotrack/internal/clients/yahoo"
	"github.com/foliotrack/foliotrack/internal/modules/portfolio"
)

const (
	// Bond market prices are quoted on a different scale than average
	// cost at this provider; day change is multiplied by this factor for
	// bond-type instruments. Provider-specific, not a bond-pricing rule.
	bondPriceScale = 10.0

	metadataLookupTimeout = 5 * time.Second
)

// MetadataLookup is the one-shot contract metadata lookup the reconciler
// uses as the last tier of classification resolution. The live transport
// satisfies it.
type MetadataLookup interface {
	ContractDetails(ctx context.Context, instrumentID int64) (*ibgateway.ContractDetails, error)
}

// Reconciler merges the gateway's three update streams (account values,
// portfolio updates, price ticks) into one consistent snapshot and flushes
// it to durable storage.
//
// All Handle* methods are invoked from the transport's single read
// goroutine; the flush is the sole reader of the transient stores. The
// mutex keeps a flush from observing a store mid-mutation.
type Reconciler struct {
	mu            sync.Mutex
	accountValues map[string]AccountValueEntry
	positions     map[int64]PositionSnapshot
	ticks         map[int64]PriceTick
	downloadDone  chan struct{}
	downloadSeen  bool

	portfolioRepo *portfolio.Repository
	cacheRepo     *clientdata.Repository
	quoteClient   *yahoo.Client
	log           zerolog.Logger
}

// NewReconciler creates a snapshot reconciler.
// cacheRepo and quoteClient are optional; without them classification and
// close-price fallbacks degrade to empty values.
func NewReconciler(
	portfolioRepo *portfolio.Repository,
	cacheRepo *clientdata.Repository,
	quoteClient *yahoo.Client,
	log zerolog.Logger,
) *Reconciler {
	r := &Reconciler{
		portfolioRepo: portfolioRepo,
		cacheRepo:     cacheRepo,
		quoteClient:   quoteClient,
		log:           log.With().Str("component", "reconciler").Logger(),
	}
	r.resetLocked()
	return r
}

// resetLocked clears all transient stores. Callers must hold r.mu or have
// exclusive access (constructor).
func (r *Reconciler) resetLocked() {
	r.accountValues = make(map[string]AccountValueEntry)
	r.positions = make(map[int64]PositionSnapshot)
	r.ticks = make(map[int64]PriceTick)
	r.downloadDone = make(chan struct{})
	r.downloadSeen = false
}

// StartCycle clears all transient state. A stale value from a previous
// cycle must never leak into a new snapshot.
func (r *Reconciler) StartCycle() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resetLocked()
	r.log.Debug().Msg("Transient stores cleared for new cycle")
}

// HandleAccountValue records one account-value update, last-write-wins per
// (key, currency).
func (r *Reconciler) HandleAccountValue(av ibgateway.AccountValue) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := av.Key
	if av.Currency != "" {
		key = av.Key + ":" + av.Currency
	}

	r.accountValues[key] = AccountValueEntry{
		Key:        av.Key,
		Value:      av.Value,
		Currency:   av.Currency,
		ObservedAt: time.Now(),
	}
}

// HandlePortfolioUpdate records one position update, replacing any previous
// snapshot for the instrument wholesale.
func (r *Reconciler) HandlePortfolioUpdate(pu ibgateway.PortfolioUpdate) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.positions[pu.InstrumentID] = PositionSnapshot{
		InstrumentID:  pu.InstrumentID,
		Symbol:        pu.Symbol,
		SecurityType:  pu.SecurityType,
		Currency:      pu.Currency,
		Exchange:      pu.Exchange,
		Quantity:      pu.Quantity,
		AverageCost:   pu.AverageCost,
		LastPrice:     pu.MarketPrice,
		MarketValue:   pu.MarketValue,
		UnrealizedPnL: pu.UnrealizedPnL,
		RealizedPnL:   pu.RealizedPnL,
	}
}

// HandleTick accumulates a price tick. Last price and close price for the
// same instrument arrive at different times; both are retained.
func (r *Reconciler) HandleTick(t ibgateway.Tick) {
	r.mu.Lock()
	defer r.mu.Unlock()

	tick := r.ticks[t.InstrumentID]
	tick.InstrumentID = t.InstrumentID
	switch t.Field {
	case ibgateway.TickLast:
		tick.LastPrice = t.Price
		tick.HasLast = true
	case ibgateway.TickClose:
		tick.ClosePrice = t.Price
		tick.HasClose = true
	default:
		return
	}
	tick.ObservedAt = time.Now()
	r.ticks[t.InstrumentID] = tick
}

// HandleDownloadComplete marks the end of the initial state download.
func (r *Reconciler) HandleDownloadComplete() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.downloadSeen {
		r.downloadSeen = true
		close(r.downloadDone)
	}
}

// WaitForDownload blocks until the gateway signals the end of the initial
// download or ctx expires. After it returns nil the stream is purely
// incremental.
func (r *Reconciler) WaitForDownload(ctx context.Context) error {
	r.mu.Lock()
	done := r.downloadDone
	r.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrDownloadTimeout, ctx.Err())
	}
}

// KnownInstrumentIDs returns the instruments currently in the position set,
// for per-instrument tick subscriptions.
func (r *Reconciler) KnownInstrumentIDs() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]int64, 0, len(r.positions))
	for id := range r.positions {
		ids = append(ids, id)
	}
	return ids
}

// Flush merges ticks into the position snapshots, resolves classification
// metadata, computes day change, and replaces the durable rows for the
// account in one transaction. Idempotent for unchanged transient state.
//
// lookup may be nil (periodic flushes after a disconnect run without it);
// classification then falls back to cache and durable tiers only.
func (r *Reconciler) Flush(ctx context.Context, linkedAccountID int64, lookup MetadataLookup) error {
	// Copy the stores under lock, then do I/O without holding it.
	r.mu.Lock()
	positions := make([]PositionSnapshot, 0, len(r.positions))
	for _, p := range r.positions {
		positions = append(positions, p)
	}
	ticks := make(map[int64]PriceTick, len(r.ticks))
	for id, t := range r.ticks {
		ticks[id] = t
	}
	accountValues := make(map[string]AccountValueEntry, len(r.accountValues))
	for k, v := range r.accountValues {
		accountValues[k] = v
	}
	r.mu.Unlock()

	rows := make([]portfolio.Position, 0, len(positions))
	for _, snap := range positions {
		// Ticks for instruments outside the position set are ignored.
		if tick, ok := ticks[snap.InstrumentID]; ok {
			if tick.HasLast {
				snap.LastPrice = tick.LastPrice
			}
			if tick.HasClose {
				snap.ClosePrice = tick.ClosePrice
			}
		}

		// Close-price fallback: the gateway does not always deliver a
		// close tick; best-effort quote lookup, non-fatal on failure.
		if snap.ClosePrice == 0 && r.quoteClient != nil && snap.Symbol != "" {
			if quote, err := r.quoteClient.GetQuote(ctx, snap.Symbol); err == nil && quote.PreviousClose > 0 {
				snap.ClosePrice = quote.PreviousClose
			} else if err != nil {
				r.log.Debug().Err(err).Str("symbol", snap.Symbol).Msg("Close price fallback failed")
			}
		}

		industry, category, country := r.resolveClassification(ctx, snap.InstrumentID, lookup)

		dayChange, dayChangePct := dayChange(snap.LastPrice, snap.ClosePrice, snap.Quantity, snap.SecurityType)

		marketValue := snap.MarketValue
		if marketValue == 0 && snap.LastPrice > 0 {
			marketValue = snap.LastPrice * snap.Quantity
		}

		rows = append(rows, portfolio.Position{
			LinkedAccountID: linkedAccountID,
			Source:          portfolio.SourceGateway,
			InstrumentID:    snap.InstrumentID,
			Symbol:          snap.Symbol,
			SecurityType:    snap.SecurityType,
			Currency:        snap.Currency,
			Exchange:        snap.Exchange,
			Quantity:        snap.Quantity,
			AverageCost:     snap.AverageCost,
			LastPrice:       snap.LastPrice,
			ClosePrice:      snap.ClosePrice,
			MarketValue:     marketValue,
			UnrealizedPnL:   snap.UnrealizedPnL,
			RealizedPnL:     snap.RealizedPnL,
			DayChange:       dayChange,
			DayChangePct:    dayChangePct,
			Industry:        industry,
			Category:        category,
			Country:         country,
		})
	}

	cash := extractCashBalances(accountValues, linkedAccountID)
	balance := extractAccountBalance(accountValues, linkedAccountID)

	if err := r.portfolioRepo.ReplaceAll(linkedAccountID, portfolio.SourceGateway, rows, cash, balance); err != nil {
		return fmt.Errorf("failed to flush snapshot: %w", err)
	}

	r.log.Info().
		Int64("account", linkedAccountID).
		Int("positions", len(rows)).
		Int("cash_currencies", len(cash)).
		Msg("Snapshot flushed")

	return nil
}

// dayChange computes the day change and percentage for a position.
// Bond market prices are quoted x10 relative to the cost fields at this
// provider, hence the scale factor.
func dayChange(lastPrice, closePrice, quantity float64, securityType string) (change, pct float64) {
	change = (lastPrice - closePrice) * quantity
	if securityType == "BOND" {
		change *= bondPriceScale
	}
	if closePrice != 0 {
		pct = (lastPrice - closePrice) / closePrice * 100
	}
	return change, pct
}

// resolveClassification resolves industry/category/country for an
// instrument: in-process cache, then durable storage, then a bounded
// one-off gateway lookup. Failures leave the fields empty; they never
// abort the flush.
func (r *Reconciler) resolveClassification(ctx context.Context, instrumentID int64, lookup MetadataLookup) (industry, category, country string) {
	cacheKey := strconv.FormatInt(instrumentID, 10)

	if r.cacheRepo != nil {
		if data, err := r.cacheRepo.GetIfFresh("contract_metadata", cacheKey); err == nil && data != nil {
			var details ibgateway.ContractDetails
			if err := json.Unmarshal(data, &details); err == nil {
				return details.Industry, details.Category, details.Country
			}
		}
	}

	if r.portfolioRepo != nil {
		if ind, cat, cty, found, err := r.portfolioRepo.GetClassification(instrumentID); err == nil && found {
			return ind, cat, cty
		}
	}

	if lookup == nil {
		return "", "", ""
	}

	lookupCtx, cancel := context.WithTimeout(ctx, metadataLookupTimeout)
	defer cancel()

	details, err := lookup.ContractDetails(lookupCtx, instrumentID)
	if err != nil {
		r.log.Debug().Err(err).Int64("instrument", instrumentID).Msg("Classification lookup failed")
		return "", "", ""
	}

	if r.cacheRepo != nil {
		if err := r.cacheRepo.Store("contract_metadata", cacheKey, details, clientdata.TTLContractMetadata); err != nil {
			r.log.Warn().Err(err).Int64("instrument", instrumentID).Msg("Failed to cache contract metadata")
		}
	}

	return details.Industry, details.Category, details.Country
}

// extractCashBalances pulls per-currency CashBalance entries out of the
// account-value store. Zero entries is valid.
func extractCashBalances(values map[string]AccountValueEntry, linkedAccountID int64) []portfolio.CashBalance {
	var cash []portfolio.CashBalance
	for _, entry := range values {
		if entry.Key != "CashBalance" || entry.Currency == "" {
			continue
		}
		// "BASE" is the gateway's synthetic aggregate, not a real currency
		if entry.Currency == "BASE" {
			continue
		}
		amount, err := strconv.ParseFloat(entry.Value, 64)
		if err != nil {
			continue
		}
		cash = append(cash, portfolio.CashBalance{
			LinkedAccountID: linkedAccountID,
			Source:          portfolio.SourceGateway,
			Currency:        entry.Currency,
			Amount:          amount,
		})
	}
	return cash
}

// extractAccountBalance builds the single balance row from NetLiquidation,
// or nil if the gateway never reported one this cycle.
func extractAccountBalance(values map[string]AccountValueEntry, linkedAccountID int64) *portfolio.AccountBalance {
	for _, entry := range values {
		if entry.Key != "NetLiquidation" {
			continue
		}
		value, err := strconv.ParseFloat(entry.Value, 64)
		if err != nil {
			return nil
		}
		currency := entry.Currency
		if currency == "" {
			currency = "USD"
		}
		return &portfolio.AccountBalance{
			LinkedAccountID: linkedAccountID,
			Source:          portfolio.SourceGateway,
			NetLiquidation:  value,
			Currency:        currency,
		}
	}
	return nil
}
