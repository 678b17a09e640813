package refresh

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/foliotrack/foliotrack/internal/clients/schwab"
	"github.com/foliotrack/foliotrack/internal/clients/yahoo"
	"github.com/foliotrack/foliotrack/internal/config"
	"github.com/foliotrack/foliotrack/internal/modules/accounts"
	"github.com/foliotrack/foliotrack/internal/modules/gateway"
	"github.com/foliotrack/foliotrack/internal/modules/oauthtokens"
	"github.com/foliotrack/foliotrack/internal/modules/portfolio"
	"github.com/foliotrack/foliotrack/internal/modules/settings"
)

const cycleTimeout = 5 * time.Minute

var (
	// ErrRefreshInProgress means a cycle for this account+source is already
	// running; overlapping triggers are rejected, not queued.
	ErrRefreshInProgress = errors.New("refresh already in progress")
	// ErrNotConfigured means required connection settings or credentials
	// are missing. Reported before any work starts.
	ErrNotConfigured = errors.New("integration not configured")
	// ErrAccountNotFound means the linked account does not exist for the user.
	ErrAccountNotFound = errors.New("linked account not found")
)

// SnapshotRecalculator recomputes derived performance data after a refresh.
// Failures here never fail the refresh itself.
type SnapshotRecalculator interface {
	RecalculateSnapshot(userID int64) error
}

// Service is the refresh orchestrator: it validates preconditions, runs
// cycles asynchronously, records progress, and triggers downstream
// recalculation.
type Service struct {
	cfg           *config.Config
	manager       *gateway.Manager
	connRepo      *settings.ConnectionRepository
	accountsRepo  *accounts.Repository
	tokens        *oauthtokens.Service
	schwabClient  *schwab.Client
	yahooClient   *yahoo.Client
	portfolioRepo *portfolio.Repository
	statusStore   *StatusStore
	recalc        SnapshotRecalculator
	log           zerolog.Logger

	mu      sync.Mutex
	running map[string]bool
}

// NewService creates the refresh orchestrator.
func NewService(
	cfg *config.Config,
	manager *gateway.Manager,
	connRepo *settings.ConnectionRepository,
	accountsRepo *accounts.Repository,
	tokens *oauthtokens.Service,
	schwabClient *schwab.Client,
	yahooClient *yahoo.Client,
	portfolioRepo *portfolio.Repository,
	statusStore *StatusStore,
	recalc SnapshotRecalculator,
	log zerolog.Logger,
) *Service {
	return &Service{
		cfg:           cfg,
		manager:       manager,
		connRepo:      connRepo,
		accountsRepo:  accountsRepo,
		tokens:        tokens,
		schwabClient:  schwabClient,
		yahooClient:   yahooClient,
		portfolioRepo: portfolioRepo,
		statusStore:   statusStore,
		recalc:        recalc,
		log:           log.With().Str("component", "refresh").Logger(),
		running:       make(map[string]bool),
	}
}

func runKey(linkedAccountID int64, source portfolio.Source) string {
	return fmt.Sprintf("%d:%s", linkedAccountID, source)
}

// tryAcquire marks a cycle as running; returns false if one already is.
func (s *Service) tryAcquire(linkedAccountID int64, source portfolio.Source) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := runKey(linkedAccountID, source)
	if s.running[key] {
		return false
	}
	s.running[key] = true
	return true
}

func (s *Service) release(linkedAccountID int64, source portfolio.Source) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.running, runKey(linkedAccountID, source))
}

// RefreshGateway starts an asynchronous gateway refresh cycle. Validation
// failures (missing account, missing connection settings, cycle already
// running) are returned immediately; everything after that is reported via
// the status store.
func (s *Service) RefreshGateway(ctx context.Context, userID, linkedAccountID int64) (string, error) {
	account, err := s.accountsRepo.GetByID(linkedAccountID)
	if err != nil {
		return "", fmt.Errorf("failed to load account: %w", err)
	}
	if account == nil || account.UserID != userID {
		return "", ErrAccountNotFound
	}

	cs, err := s.connRepo.GetForAccount(userID, linkedAccountID)
	if err != nil {
		return "", fmt.Errorf("failed to load connection settings: %w", err)
	}
	if cs == nil {
		return "", fmt.Errorf("%w: no gateway connection settings", ErrNotConfigured)
	}

	if !s.tryAcquire(linkedAccountID, portfolio.SourceGateway) {
		return "", ErrRefreshInProgress
	}

	cycleID := uuid.NewString()
	s.setStatus(linkedAccountID, portfolio.SourceGateway, &Status{
		CycleID:   cycleID,
		State:     StateConnecting,
		StartedAt: time.Now().Unix(),
	})

	go s.runGatewayCycle(cycleID, userID, linkedAccountID, cs)

	return cycleID, nil
}

func (s *Service) runGatewayCycle(cycleID string, userID, linkedAccountID int64, cs *settings.ConnectionSettings) {
	defer s.release(linkedAccountID, portfolio.SourceGateway)

	ctx, cancel := context.WithTimeout(context.Background(), cycleTimeout)
	defer cancel()

	log := s.log.With().Str("cycle", cycleID).Int64("account", linkedAccountID).Logger()

	if err := s.manager.Connect(ctx, cs); err != nil {
		log.Error().Err(err).Msg("Gateway refresh failed to connect")
		s.failStatus(linkedAccountID, portfolio.SourceGateway, cycleID, err)
		return
	}

	s.updateStatus(linkedAccountID, portfolio.SourceGateway, cycleID, StateDownloading)

	if err := s.manager.RunRefreshCycle(ctx, linkedAccountID); err != nil {
		log.Error().Err(err).Msg("Gateway refresh cycle failed")
		s.failStatus(linkedAccountID, portfolio.SourceGateway, cycleID, err)
		return
	}

	positions, err := s.portfolioRepo.GetPositions(linkedAccountID, portfolio.SourceGateway)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to count flushed positions")
	}

	s.setStatus(linkedAccountID, portfolio.SourceGateway, &Status{
		CycleID:       cycleID,
		State:         StateActive,
		PositionCount: len(positions),
	})

	s.recalculate(userID, log)
	log.Info().Int("positions", len(positions)).Msg("Gateway refresh cycle completed")
}

// RefreshSchwab starts an asynchronous Schwab refresh. Missing credentials
// and needs-reauth are reported immediately; provider calls run in the
// background.
func (s *Service) RefreshSchwab(ctx context.Context, userID, linkedAccountID int64) (string, error) {
	account, err := s.accountsRepo.GetByID(linkedAccountID)
	if err != nil {
		return "", fmt.Errorf("failed to load account: %w", err)
	}
	if account == nil || account.UserID != userID {
		return "", ErrAccountNotFound
	}

	// Resolve the token up front so a dead credential fails the trigger
	// rather than a background cycle.
	token, err := s.tokens.GetValidAccessToken(ctx, userID, linkedAccountID)
	if err != nil {
		if errors.Is(err, oauthtokens.ErrNoCredential) {
			return "", fmt.Errorf("%w: no brokerage credentials", ErrNotConfigured)
		}
		return "", err
	}

	if !s.tryAcquire(linkedAccountID, portfolio.SourceSchwab) {
		return "", ErrRefreshInProgress
	}

	cycleID := uuid.NewString()
	s.setStatus(linkedAccountID, portfolio.SourceSchwab, &Status{
		CycleID:   cycleID,
		State:     StateDownloading,
		StartedAt: time.Now().Unix(),
	})

	go s.runSchwabCycle(cycleID, userID, account, token)

	return cycleID, nil
}

func (s *Service) runSchwabCycle(cycleID string, userID int64, account *accounts.LinkedAccount, token string) {
	defer s.release(account.ID, portfolio.SourceSchwab)

	ctx, cancel := context.WithTimeout(context.Background(), cycleTimeout)
	defer cancel()

	log := s.log.With().Str("cycle", cycleID).Int64("account", account.ID).Logger()

	hashes, err := s.schwabClient.GetAccountNumbers(ctx, token)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list brokerage accounts")
		s.failStatus(account.ID, portfolio.SourceSchwab, cycleID, err)
		return
	}

	hash, ok := hashes[account.AccountNumber]
	if !ok {
		err := fmt.Errorf("account %s not found at provider", account.AccountNumber)
		log.Error().Err(err).Msg("Account mapping failed")
		s.failStatus(account.ID, portfolio.SourceSchwab, cycleID, err)
		return
	}

	acct, err := s.schwabClient.GetAccount(ctx, token, hash)
	if err != nil {
		log.Error().Err(err).Msg("Failed to fetch account positions")
		s.failStatus(account.ID, portfolio.SourceSchwab, cycleID, err)
		return
	}

	s.updateStatus(account.ID, portfolio.SourceSchwab, cycleID, StateFlushing)

	positions := s.mapSchwabPositions(ctx, account, acct.Positions)
	cash := []portfolio.CashBalance{{
		LinkedAccountID: account.ID,
		Source:          portfolio.SourceSchwab,
		Currency:        account.Currency,
		Amount:          acct.CurrentBalances.CashBalance,
	}}
	balance := &portfolio.AccountBalance{
		LinkedAccountID: account.ID,
		Source:          portfolio.SourceSchwab,
		NetLiquidation:  acct.CurrentBalances.LiquidationValue,
		Currency:        account.Currency,
	}

	if err := s.portfolioRepo.ReplaceAll(account.ID, portfolio.SourceSchwab, positions, cash, balance); err != nil {
		log.Error().Err(err).Msg("Failed to persist brokerage snapshot")
		s.failStatus(account.ID, portfolio.SourceSchwab, cycleID, err)
		return
	}

	s.setStatus(account.ID, portfolio.SourceSchwab, &Status{
		CycleID:       cycleID,
		State:         StateActive,
		PositionCount: len(positions),
	})

	s.recalculate(userID, log)
	log.Info().Int("positions", len(positions)).Msg("Brokerage refresh completed")
}

// mapSchwabPositions converts provider position rows into durable rows,
// enriching prices from the quote client where available. Quote failures
// degrade to provider-supplied values rather than failing the cycle.
func (s *Service) mapSchwabPositions(ctx context.Context, account *accounts.LinkedAccount, src []schwab.Position) []portfolio.Position {
	positions := make([]portfolio.Position, 0, len(src))
	for _, p := range src {
		qty := p.LongQuantity - p.ShortQuantity
		if qty == 0 {
			continue
		}

		pos := portfolio.Position{
			LinkedAccountID: account.ID,
			Source:          portfolio.SourceSchwab,
			Symbol:          p.Instrument.Symbol,
			SecurityType:    p.Instrument.AssetType,
			Currency:        account.Currency,
			Quantity:        qty,
			AverageCost:     p.AveragePrice,
			MarketValue:     p.MarketValue,
			UnrealizedPnL:   p.LongOpenPnL,
			DayChange:       p.CurrentDayPnL,
			DayChangePct:    p.CurrentDayPnLPct,
		}

		if qty != 0 {
			pos.LastPrice = p.MarketValue / qty
		}

		if s.yahooClient != nil {
			if quote, err := s.yahooClient.GetQuote(ctx, p.Instrument.Symbol); err == nil {
				if quote.LastPrice > 0 {
					pos.LastPrice = quote.LastPrice
				}
				if quote.PreviousClose > 0 {
					pos.ClosePrice = quote.PreviousClose
				}
			}
		}

		positions = append(positions, pos)
	}
	return positions
}

// GetStatus returns per-source refresh status plus gateway connectivity.
func (s *Service) GetStatus(linkedAccountID int64) (map[string]*Status, bool, error) {
	result := make(map[string]*Status, 2)
	for _, source := range []portfolio.Source{portfolio.SourceGateway, portfolio.SourceSchwab} {
		status, err := s.statusStore.Get(linkedAccountID, source)
		if err != nil {
			return nil, false, err
		}
		result[string(source)] = status
	}
	return result, s.manager.IsConnected(), nil
}

// Stop tears down the live gateway connection and its flush timer.
func (s *Service) Stop(linkedAccountID int64) error {
	if err := s.manager.Disconnect(); err != nil {
		return err
	}

	status, err := s.statusStore.Get(linkedAccountID, portfolio.SourceGateway)
	if err != nil {
		return err
	}
	status.State = StateStopped
	return s.statusStore.Save(linkedAccountID, portfolio.SourceGateway, status)
}

func (s *Service) recalculate(userID int64, log zerolog.Logger) {
	if s.recalc == nil {
		return
	}
	// Best effort: the refreshed rows are already durable.
	if err := s.recalc.RecalculateSnapshot(userID); err != nil {
		log.Warn().Err(err).Msg("Snapshot recalculation failed")
	}
}

func (s *Service) setStatus(linkedAccountID int64, source portfolio.Source, status *Status) {
	if status.StartedAt == 0 {
		status.StartedAt = time.Now().Unix()
	}
	if err := s.statusStore.Save(linkedAccountID, source, status); err != nil {
		s.log.Warn().Err(err).Msg("Failed to save refresh status")
	}
}

func (s *Service) updateStatus(linkedAccountID int64, source portfolio.Source, cycleID, state string) {
	status, err := s.statusStore.Get(linkedAccountID, source)
	if err != nil || status.CycleID != cycleID {
		status = &Status{CycleID: cycleID}
	}
	status.State = state
	s.setStatus(linkedAccountID, source, status)
}

func (s *Service) failStatus(linkedAccountID int64, source portfolio.Source, cycleID string, err error) {
	status, getErr := s.statusStore.Get(linkedAccountID, source)
	if getErr != nil || status.CycleID != cycleID {
		status = &Status{CycleID: cycleID}
	}
	status.State = StateError
	status.Error = err.Error()
	s.setStatus(linkedAccountID, source, status)
}
