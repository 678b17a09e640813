package oauthtokens

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	_ "modernc.org/sqlite"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foliotrack/foliotrack/internal/clients/schwab"
	"github.com/foliotrack/foliotrack/internal/modules/credentials"
)

// fakeRefresher is a scriptable TokenRefresher.
type fakeRefresher struct {
	mu               sync.Mutex
	refreshCalls     int
	refreshErr       error
	response         *schwab.TokenResponse
	lastRefreshToken string
}

func (f *fakeRefresher) RefreshAccessToken(ctx context.Context, appKey, appSecret, refreshToken string) (*schwab.TokenResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshCalls++
	f.lastRefreshToken = refreshToken
	if f.refreshErr != nil {
		return nil, f.refreshErr
	}
	return f.response, nil
}

func (f *fakeRefresher) ExchangeAuthCode(ctx context.Context, appKey, appSecret, code, redirectURI string) (*schwab.TokenResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.refreshErr != nil {
		return nil, f.refreshErr
	}
	return f.response, nil
}

func (f *fakeRefresher) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refreshCalls
}

func setupCredentialsDB(t *testing.T) *sql.DB {
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)

	_, err = db.Exec(`
		CREATE TABLE oauth_credentials (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id INTEGER NOT NULL,
			linked_account_id INTEGER NOT NULL,
			app_key TEXT NOT NULL DEFAULT '',
			app_secret TEXT NOT NULL DEFAULT '',
			access_token TEXT NOT NULL DEFAULT '',
			refresh_token TEXT NOT NULL DEFAULT '',
			access_token_expires_at INTEGER NOT NULL DEFAULT 0,
			needs_reauth INTEGER NOT NULL DEFAULT 0,
			updated_at INTEGER NOT NULL DEFAULT 0,
			UNIQUE(user_id, linked_account_id)
		)
	`)
	require.NoError(t, err)
	return db
}

func newTestService(t *testing.T, refresher *fakeRefresher) (*Service, *credentials.Repository, *sql.DB) {
	db := setupCredentialsDB(t)
	log := zerolog.New(nil).Level(zerolog.Disabled)
	repo := credentials.NewRepository(db, log)
	return NewService(repo, refresher, log), repo, db
}

// seedCredential inserts a credential whose access token expires at the
// given offset from the fixed test clock.
func seedCredential(t *testing.T, repo *credentials.Repository, now time.Time, expiresIn time.Duration) *credentials.OAuthCredential {
	cred := &credentials.OAuthCredential{
		UserID:               1,
		LinkedAccountID:      1,
		AppKey:               "key",
		AppSecret:            "secret",
		AccessToken:          "access-old",
		RefreshToken:         "refresh-old",
		AccessTokenExpiresAt: now.Add(expiresIn).Unix(),
	}
	require.NoError(t, repo.Upsert(cred))

	stored, err := repo.GetForAccount(1, 1)
	require.NoError(t, err)
	require.NotNil(t, stored)
	return stored
}

func fixedNow() time.Time {
	return time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
}

func TestGetValidAccessToken_NoCredential(t *testing.T) {
	s, _, db := newTestService(t, &fakeRefresher{})
	defer db.Close()

	_, err := s.GetValidAccessToken(context.Background(), 1, 1)
	assert.ErrorIs(t, err, ErrNoCredential)
}

func TestGetValidAccessToken_PassthroughWhenFresh(t *testing.T) {
	refresher := &fakeRefresher{}
	s, repo, db := newTestService(t, refresher)
	defer db.Close()
	s.now = fixedNow

	seedCredential(t, repo, fixedNow(), 30*time.Minute)

	token, err := s.GetValidAccessToken(context.Background(), 1, 1)
	require.NoError(t, err)
	assert.Equal(t, "access-old", token)
	assert.Equal(t, 0, refresher.calls())
}

func TestGetValidAccessToken_RefreshesWithinGraceWindow(t *testing.T) {
	refresher := &fakeRefresher{
		response: &schwab.TokenResponse{
			AccessToken:  "access-new",
			RefreshToken: "refresh-new",
			ExpiresIn:    1800,
		},
	}
	s, repo, db := newTestService(t, refresher)
	defer db.Close()
	s.now = fixedNow

	seedCredential(t, repo, fixedNow(), 2*time.Minute)

	token, err := s.GetValidAccessToken(context.Background(), 1, 1)
	require.NoError(t, err)
	assert.Equal(t, "access-new", token)
	assert.Equal(t, 1, refresher.calls())
	assert.Equal(t, "refresh-old", refresher.lastRefreshToken)

	stored, err := repo.GetForAccount(1, 1)
	require.NoError(t, err)
	assert.Equal(t, "access-new", stored.AccessToken)
	assert.Equal(t, "refresh-new", stored.RefreshToken)
	assert.Equal(t, fixedNow().Add(1800*time.Second).Unix(), stored.AccessTokenExpiresAt)
}

func TestGetValidAccessToken_KeepsOldRefreshTokenWhenNotRotated(t *testing.T) {
	refresher := &fakeRefresher{
		response: &schwab.TokenResponse{AccessToken: "access-new", ExpiresIn: 1800},
	}
	s, repo, db := newTestService(t, refresher)
	defer db.Close()
	s.now = fixedNow

	seedCredential(t, repo, fixedNow(), time.Minute)

	_, err := s.GetValidAccessToken(context.Background(), 1, 1)
	require.NoError(t, err)

	stored, err := repo.GetForAccount(1, 1)
	require.NoError(t, err)
	assert.Equal(t, "refresh-old", stored.RefreshToken)
}

func TestGetValidAccessToken_TerminalErrorFlagsReauth(t *testing.T) {
	refresher := &fakeRefresher{refreshErr: schwab.ErrRefreshTokenInvalid}
	s, repo, db := newTestService(t, refresher)
	defer db.Close()
	s.now = fixedNow

	seedCredential(t, repo, fixedNow(), time.Minute)

	_, err := s.GetValidAccessToken(context.Background(), 1, 1)
	assert.ErrorIs(t, err, ErrNeedsReauth)

	stored, getErr := repo.GetForAccount(1, 1)
	require.NoError(t, getErr)
	assert.True(t, stored.NeedsReauth)

	// Subsequent callers fail fast without a provider call
	callsBefore := refresher.calls()
	_, err = s.GetValidAccessToken(context.Background(), 1, 1)
	assert.ErrorIs(t, err, ErrNeedsReauth)
	assert.Equal(t, callsBefore, refresher.calls())
}

func TestGetValidAccessToken_TransientErrorLeavesTokensUntouched(t *testing.T) {
	refresher := &fakeRefresher{refreshErr: context.DeadlineExceeded}
	s, repo, db := newTestService(t, refresher)
	defer db.Close()
	s.now = fixedNow

	seedCredential(t, repo, fixedNow(), time.Minute)

	_, err := s.GetValidAccessToken(context.Background(), 1, 1)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNeedsReauth)

	stored, getErr := repo.GetForAccount(1, 1)
	require.NoError(t, getErr)
	assert.Equal(t, "access-old", stored.AccessToken)
	assert.Equal(t, "refresh-old", stored.RefreshToken)
	assert.False(t, stored.NeedsReauth)
}

func TestRefreshExpiring_SkipsFreshAndFlagged(t *testing.T) {
	refresher := &fakeRefresher{
		response: &schwab.TokenResponse{AccessToken: "access-new", ExpiresIn: 1800},
	}
	s, repo, db := newTestService(t, refresher)
	defer db.Close()
	s.now = fixedNow
	now := fixedNow()

	// Expires within the 25-minute lookahead: refreshed
	require.NoError(t, repo.Upsert(&credentials.OAuthCredential{
		UserID: 1, LinkedAccountID: 1, AccessToken: "a1", RefreshToken: "r1",
		AccessTokenExpiresAt: now.Add(10 * time.Minute).Unix(),
	}))
	// Plenty of runway: skipped
	require.NoError(t, repo.Upsert(&credentials.OAuthCredential{
		UserID: 1, LinkedAccountID: 2, AccessToken: "a2", RefreshToken: "r2",
		AccessTokenExpiresAt: now.Add(2 * time.Hour).Unix(),
	}))
	// Flagged for reauth: skipped
	require.NoError(t, repo.Upsert(&credentials.OAuthCredential{
		UserID: 1, LinkedAccountID: 3, AccessToken: "a3", RefreshToken: "r3",
		AccessTokenExpiresAt: now.Add(time.Minute).Unix(), NeedsReauth: true,
	}))

	attempted, err := s.RefreshExpiring(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, attempted)
	assert.Equal(t, 1, refresher.calls())
}

func TestRefreshExpiring_FailureDoesNotStopSweep(t *testing.T) {
	refresher := &fakeRefresher{refreshErr: context.DeadlineExceeded}
	s, repo, db := newTestService(t, refresher)
	defer db.Close()
	s.now = fixedNow
	now := fixedNow()

	require.NoError(t, repo.Upsert(&credentials.OAuthCredential{
		UserID: 1, LinkedAccountID: 1, AccessToken: "a1", RefreshToken: "r1",
		AccessTokenExpiresAt: now.Add(time.Minute).Unix(),
	}))
	require.NoError(t, repo.Upsert(&credentials.OAuthCredential{
		UserID: 1, LinkedAccountID: 2, AccessToken: "a2", RefreshToken: "r2",
		AccessTokenExpiresAt: now.Add(time.Minute).Unix(),
	}))

	attempted, err := s.RefreshExpiring(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, attempted)
	assert.Equal(t, 2, refresher.calls())
}

func TestCompleteAuthorization_StoresTokensAndClearsReauth(t *testing.T) {
	refresher := &fakeRefresher{
		response: &schwab.TokenResponse{
			AccessToken:  "access-initial",
			RefreshToken: "refresh-initial",
			ExpiresIn:    1800,
		},
	}
	s, repo, db := newTestService(t, refresher)
	defer db.Close()
	s.now = fixedNow

	// Existing dead credential gets replaced wholesale
	require.NoError(t, repo.Upsert(&credentials.OAuthCredential{
		UserID: 1, LinkedAccountID: 1, AccessToken: "dead", RefreshToken: "dead",
		AccessTokenExpiresAt: 1, NeedsReauth: true,
	}))

	err := s.CompleteAuthorization(context.Background(), 1, 1, "key", "secret", "auth-code", "https://localhost/callback")
	require.NoError(t, err)

	stored, err := repo.GetForAccount(1, 1)
	require.NoError(t, err)
	assert.Equal(t, "access-initial", stored.AccessToken)
	assert.Equal(t, "refresh-initial", stored.RefreshToken)
	assert.False(t, stored.NeedsReauth)
}

func TestTokenStatuses_DaysRemaining(t *testing.T) {
	s, repo, db := newTestService(t, &fakeRefresher{})
	defer db.Close()
	s.now = fixedNow
	now := fixedNow()

	cred := &credentials.OAuthCredential{
		UserID: 1, LinkedAccountID: 1, AccessToken: "a", RefreshToken: "r",
		AccessTokenExpiresAt: now.Add(time.Hour).Unix(),
	}
	require.NoError(t, repo.Upsert(cred))
	// Last refresh 5 days ago: 2 of the 7 lifetime days remain
	_, err := db.Exec("UPDATE oauth_credentials SET updated_at = ?", now.Add(-5*24*time.Hour).Unix())
	require.NoError(t, err)

	statuses, err := s.TokenStatuses(2)
	require.NoError(t, err)
	require.Len(t, statuses, 1)
	assert.InDelta(t, 2.0, statuses[0].DaysRemaining, 0.01)
	assert.True(t, statuses[0].ExpiringSoon)
	assert.False(t, statuses[0].NeedsReauth)

	// A tighter warning threshold no longer flags it
	statuses, err = s.TokenStatuses(1)
	require.NoError(t, err)
	require.Len(t, statuses, 1)
	assert.False(t, statuses[0].ExpiringSoon)
}

func TestTokenStatuses_ExpiredClampsToZero(t *testing.T) {
	s, repo, db := newTestService(t, &fakeRefresher{})
	defer db.Close()
	s.now = fixedNow
	now := fixedNow()

	require.NoError(t, repo.Upsert(&credentials.OAuthCredential{
		UserID: 1, LinkedAccountID: 1, AccessToken: "a", RefreshToken: "r",
		AccessTokenExpiresAt: now.Add(time.Hour).Unix(),
	}))
	_, err := db.Exec("UPDATE oauth_credentials SET updated_at = ?", now.Add(-10*24*time.Hour).Unix())
	require.NoError(t, err)

	statuses, err := s.TokenStatuses(2)
	require.NoError(t, err)
	require.Len(t, statuses, 1)
	assert.Equal(t, 0.0, statuses[0].DaysRemaining)
	assert.True(t, statuses[0].ExpiringSoon)
}

func TestConcurrentRefresh_SingleProviderCall(t *testing.T) {
	refresher := &fakeRefresher{
		response: &schwab.TokenResponse{AccessToken: "access-new", RefreshToken: "refresh-new", ExpiresIn: 1800},
	}
	s, repo, db := newTestService(t, refresher)
	defer db.Close()
	s.now = fixedNow

	seedCredential(t, repo, fixedNow(), time.Minute)

	var wg sync.WaitGroup
	tokens := make([]string, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			token, err := s.GetValidAccessToken(context.Background(), 1, 1)
			assert.NoError(t, err)
			tokens[i] = token
		}(i)
	}
	wg.Wait()

	// The post-lock re-read means only the first caller hits the provider
	assert.Equal(t, 1, refresher.calls())
	for _, token := range tokens {
		assert.Equal(t, "access-new", token)
	}
}
