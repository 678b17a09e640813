package snapshots

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/foliotrack/foliotrack/internal/modules/portfolio"
	"github.com/foliotrack/foliotrack/internal/services"
)

// Service recomputes portfolio-level totals from the current durable rows.
type Service struct {
	repo          *Repository
	portfolioRepo *portfolio.Repository
	currency      *services.CurrencyService
	log           zerolog.Logger
}

// NewService creates a new snapshot service.
func NewService(repo *Repository, portfolioRepo *portfolio.Repository, currency *services.CurrencyService, log zerolog.Logger) *Service {
	return &Service{
		repo:          repo,
		portfolioRepo: portfolioRepo,
		currency:      currency,
		log:           log.With().Str("service", "snapshots").Logger(),
	}
}

// RecalculateSnapshot sums the user's positions and cash across all linked
// accounts, converts everything to the base currency, and records a new
// snapshot. A failed rate lookup fails the whole recalculation; a snapshot
// mixing converted and unconverted amounts would be worse than none.
func (s *Service) RecalculateSnapshot(userID int64) error {
	positions, err := s.portfolioRepo.GetPositionsForUser(userID)
	if err != nil {
		return fmt.Errorf("failed to load positions: %w", err)
	}

	cash, err := s.portfolioRepo.GetCashBalancesForUser(userID)
	if err != nil {
		return fmt.Errorf("failed to load cash balances: %w", err)
	}

	var totalValue, totalCash, totalPnL float64

	for _, p := range positions {
		value, err := s.currency.ToBase(p.MarketValue, p.Currency)
		if err != nil {
			return fmt.Errorf("failed to convert %s position value: %w", p.Symbol, err)
		}
		pnl, err := s.currency.ToBase(p.UnrealizedPnL, p.Currency)
		if err != nil {
			return fmt.Errorf("failed to convert %s position pnl: %w", p.Symbol, err)
		}
		totalValue += value
		totalPnL += pnl
	}

	for _, c := range cash {
		amount, err := s.currency.ToBase(c.Amount, c.Currency)
		if err != nil {
			return fmt.Errorf("failed to convert %s cash balance: %w", c.Currency, err)
		}
		totalCash += amount
	}

	snapshot := &Snapshot{
		UserID:             userID,
		TotalValue:         totalValue + totalCash,
		TotalCash:          totalCash,
		TotalUnrealizedPnL: totalPnL,
		BaseCurrency:       s.currency.BaseCurrency(),
	}

	if err := s.repo.Insert(snapshot); err != nil {
		return err
	}

	s.log.Debug().
		Int64("user", userID).
		Float64("total_value", snapshot.TotalValue).
		Msg("Performance snapshot recorded")

	return nil
}
