// Package oauthtokens manages the OAuth token lifecycle for brokerage
// credentials: reactive refresh on access, proactive refresh via the sweep
// job, and classification of dead refresh tokens as needs-reauth.
package oauthtokens

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/foliotrack/foliotrack/internal/clients/schwab"
	"github.com/foliotrack/foliotrack/internal/modules/credentials"
)

const (
	// expiryGraceWindow is how close to access-token expiry we treat the
	// token as already expired. Covers clock skew plus the duration of the
	// API call the token is about to be used for.
	expiryGraceWindow = 5 * time.Minute

	// sweepLookahead is how far ahead the proactive sweep refreshes.
	// Larger than the sweep interval so no token can expire between runs.
	sweepLookahead = 25 * time.Minute

	// refreshTokenLifetime is the provider's fixed refresh-token validity.
	// Not reported by the API; tracked from the last successful refresh.
	refreshTokenLifetime = 7 * 24 * time.Hour
)

var (
	// ErrNoCredential means no token has ever been stored for the account.
	ErrNoCredential = errors.New("no oauth credential for account")
	// ErrNeedsReauth means the refresh token is dead and the user must
	// re-authorize interactively. Automated refresh cannot recover this.
	ErrNeedsReauth = errors.New("credential requires re-authorization")
)

// TokenRefresher is the slice of the provider client this service needs.
type TokenRefresher interface {
	RefreshAccessToken(ctx context.Context, appKey, appSecret, refreshToken string) (*schwab.TokenResponse, error)
	ExchangeAuthCode(ctx context.Context, appKey, appSecret, code, redirectURI string) (*schwab.TokenResponse, error)
}

// TokenStatus is the expiry report for one credential, for surfacing
// upcoming refresh-token expiry to the user before it becomes an outage.
type TokenStatus struct {
	LinkedAccountID       int64   `json:"linked_account_id"`
	NeedsReauth           bool    `json:"needs_reauth"`
	RefreshTokenExpiresAt int64   `json:"refresh_token_expires_at"`
	DaysRemaining         float64 `json:"days_remaining"`
	ExpiringSoon          bool    `json:"expiring_soon"`
}

// Service owns token state transitions. Refreshes for the same credential
// are serialized; concurrent callers see the result of a single refresh.
type Service struct {
	credRepo  *credentials.Repository
	refresher TokenRefresher
	log       zerolog.Logger

	mu        sync.Mutex
	credLocks map[int64]*sync.Mutex

	// now is swappable for tests.
	now func() time.Time
}

// NewService creates the token lifecycle service.
func NewService(credRepo *credentials.Repository, refresher TokenRefresher, log zerolog.Logger) *Service {
	return &Service{
		credRepo:  credRepo,
		refresher: refresher,
		log:       log.With().Str("component", "oauth_tokens").Logger(),
		credLocks: make(map[int64]*sync.Mutex),
		now:       time.Now,
	}
}

// lockFor returns the per-credential mutex, creating it on first use.
func (s *Service) lockFor(credID int64) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.credLocks[credID]
	if !ok {
		l = &sync.Mutex{}
		s.credLocks[credID] = l
	}
	return l
}

// GetValidAccessToken returns an access token guaranteed valid past the
// grace window, refreshing first if necessary. Returns ErrNoCredential or
// ErrNeedsReauth when automated recovery is impossible.
func (s *Service) GetValidAccessToken(ctx context.Context, userID, linkedAccountID int64) (string, error) {
	cred, err := s.credRepo.GetForAccount(userID, linkedAccountID)
	if err != nil {
		return "", fmt.Errorf("failed to load credential: %w", err)
	}
	if cred == nil || !cred.HasToken() {
		return "", ErrNoCredential
	}
	if cred.NeedsReauth {
		return "", ErrNeedsReauth
	}

	if !cred.ExpiresWithin(s.now(), expiryGraceWindow) {
		return cred.AccessToken, nil
	}

	refreshed, err := s.refreshCredential(ctx, cred, expiryGraceWindow)
	if err != nil {
		return "", err
	}
	return refreshed.AccessToken, nil
}

// refreshCredential performs one serialized refresh. A second caller that
// was waiting on the lock re-reads the row and skips the provider call if
// the first caller already renewed it past the given window.
func (s *Service) refreshCredential(ctx context.Context, cred *credentials.OAuthCredential, window time.Duration) (*credentials.OAuthCredential, error) {
	lock := s.lockFor(cred.ID)
	lock.Lock()
	defer lock.Unlock()

	current, err := s.credRepo.GetForAccount(cred.UserID, cred.LinkedAccountID)
	if err != nil {
		return nil, fmt.Errorf("failed to reload credential: %w", err)
	}
	if current == nil {
		return nil, ErrNoCredential
	}
	if current.NeedsReauth {
		return nil, ErrNeedsReauth
	}
	if !current.ExpiresWithin(s.now(), window) {
		return current, nil
	}

	token, err := s.refresher.RefreshAccessToken(ctx, current.AppKey, current.AppSecret, current.RefreshToken)
	if err != nil {
		if errors.Is(err, schwab.ErrRefreshTokenInvalid) {
			// Terminal: flag the credential so every subsequent caller
			// fails fast instead of hammering the provider.
			if flagErr := s.credRepo.SetNeedsReauth(current.ID, true); flagErr != nil {
				s.log.Error().Err(flagErr).Int64("credential", current.ID).Msg("Failed to flag needs_reauth")
			}
			s.log.Warn().Int64("account", current.LinkedAccountID).Msg("Refresh token rejected, re-authorization required")
			return nil, fmt.Errorf("%w: %v", ErrNeedsReauth, err)
		}
		// Transient: stored tokens stay untouched, next attempt retries.
		return nil, fmt.Errorf("token refresh failed: %w", err)
	}

	expiresAt := s.now().Add(time.Duration(token.ExpiresIn) * time.Second).Unix()

	// The provider may rotate the refresh token; keep the old one when it
	// doesn't.
	newRefresh := token.RefreshToken
	if newRefresh == "" {
		newRefresh = current.RefreshToken
	}

	if err := s.credRepo.UpdateTokens(current.ID, token.AccessToken, newRefresh, expiresAt); err != nil {
		return nil, fmt.Errorf("failed to persist refreshed tokens: %w", err)
	}

	s.log.Info().
		Int64("account", current.LinkedAccountID).
		Time("expires_at", time.Unix(expiresAt, 0)).
		Msg("Access token refreshed")

	current.AccessToken = token.AccessToken
	current.RefreshToken = newRefresh
	current.AccessTokenExpiresAt = expiresAt
	current.UpdatedAt = s.now().Unix()
	return current, nil
}

// CompleteAuthorization exchanges an authorization code for the initial
// token pair and stores it, clearing any needs-reauth state.
func (s *Service) CompleteAuthorization(ctx context.Context, userID, linkedAccountID int64, appKey, appSecret, code, redirectURI string) error {
	token, err := s.refresher.ExchangeAuthCode(ctx, appKey, appSecret, code, redirectURI)
	if err != nil {
		return fmt.Errorf("authorization code exchange failed: %w", err)
	}

	cred := &credentials.OAuthCredential{
		UserID:               userID,
		LinkedAccountID:      linkedAccountID,
		AppKey:               appKey,
		AppSecret:            appSecret,
		AccessToken:          token.AccessToken,
		RefreshToken:         token.RefreshToken,
		AccessTokenExpiresAt: s.now().Add(time.Duration(token.ExpiresIn) * time.Second).Unix(),
		NeedsReauth:          false,
	}

	if err := s.credRepo.Upsert(cred); err != nil {
		return fmt.Errorf("failed to store credential: %w", err)
	}

	s.log.Info().Int64("account", linkedAccountID).Msg("Authorization completed, tokens stored")
	return nil
}

// RefreshExpiring refreshes every credential whose access token expires
// within the sweep lookahead. Failures are logged per credential and do
// not stop the sweep. Returns the number of refreshes attempted.
func (s *Service) RefreshExpiring(ctx context.Context) (int, error) {
	creds, err := s.credRepo.GetAll()
	if err != nil {
		return 0, fmt.Errorf("failed to list credentials: %w", err)
	}

	attempted := 0
	for i := range creds {
		cred := &creds[i]
		if !cred.HasToken() || cred.NeedsReauth {
			continue
		}
		if !cred.ExpiresWithin(s.now(), sweepLookahead) {
			continue
		}

		attempted++
		if _, err := s.refreshCredential(ctx, cred, sweepLookahead); err != nil {
			s.log.Warn().Err(err).Int64("account", cred.LinkedAccountID).Msg("Proactive refresh failed")
		}
	}

	return attempted, nil
}

// TokenStatuses reports refresh-token expiry for all credentials. The
// provider never reports refresh-token expiry, so it is derived from the
// last successful refresh plus the fixed lifetime.
func (s *Service) TokenStatuses(warningDays int) ([]TokenStatus, error) {
	creds, err := s.credRepo.GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to list credentials: %w", err)
	}

	now := s.now()
	statuses := make([]TokenStatus, 0, len(creds))
	for _, cred := range creds {
		if !cred.HasToken() {
			continue
		}

		refreshExpiry := time.Unix(cred.UpdatedAt, 0).Add(refreshTokenLifetime)
		daysLeft := refreshExpiry.Sub(now).Hours() / 24
		if daysLeft < 0 {
			daysLeft = 0
		}

		statuses = append(statuses, TokenStatus{
			LinkedAccountID:       cred.LinkedAccountID,
			NeedsReauth:           cred.NeedsReauth,
			RefreshTokenExpiresAt: refreshExpiry.Unix(),
			DaysRemaining:         daysLeft,
			ExpiringSoon:          cred.NeedsReauth || daysLeft <= float64(warningDays),
		})
	}

	return statuses, nil
}
