// Package schwab provides a client for the Charles Schwab trader API:
// OAuth token exchange/refresh plus account and position retrieval.
package schwab

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	defaultAPIBaseURL   = "https://api.schwabapi.com/trader/v1"
	defaultTokenURL     = "https://api.schwabapi.com/v1/oauth/token"
	defaultHTTPTimeout  = 30 * time.Second
	refreshTokenErrCode = "refresh_token_authentication_error"
)

// ErrRefreshTokenInvalid is returned when the provider reports the refresh
// token itself as invalid or expired. This is terminal: the user must
// re-authorize interactively; retrying is pointless.
var ErrRefreshTokenInvalid = errors.New("refresh token invalid or expired")

// TokenResponse is the OAuth token endpoint response.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"` // seconds
	TokenType    string `json:"token_type"`
	Scope        string `json:"scope"`
}

// tokenError is the OAuth error response shape.
type tokenError struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// Instrument describes the security inside a position.
type Instrument struct {
	Symbol    string `json:"symbol"`
	AssetType string `json:"assetType"` // EQUITY, FIXED_INCOME, OPTION, ...
	Cusip     string `json:"cusip"`
}

// Position is one position row from the accounts endpoint.
type Position struct {
	Instrument       Instrument `json:"instrument"`
	LongQuantity     float64    `json:"longQuantity"`
	ShortQuantity    float64    `json:"shortQuantity"`
	AveragePrice     float64    `json:"averagePrice"`
	MarketValue      float64    `json:"marketValue"`
	LongOpenPnL      float64    `json:"longOpenProfitLoss"`
	CurrentDayPnL    float64    `json:"currentDayProfitLoss"`
	CurrentDayPnLPct float64    `json:"currentDayProfitLossPercentage"`
}

// Balances is the currentBalances block of an account.
type Balances struct {
	LiquidationValue float64 `json:"liquidationValue"`
	CashBalance      float64 `json:"cashBalance"`
}

// Account is one securities account with positions.
type Account struct {
	AccountNumber   string     `json:"accountNumber"`
	Type            string     `json:"type"`
	CurrentBalances Balances   `json:"currentBalances"`
	Positions       []Position `json:"positions"`
}

// accountEnvelope matches the API's securitiesAccount wrapper.
type accountEnvelope struct {
	SecuritiesAccount Account `json:"securitiesAccount"`
}

// Client is the Schwab API client. It is stateless with respect to tokens;
// the oauthtokens module decides when to refresh and passes a valid access
// token into each data call.
type Client struct {
	apiBaseURL string
	tokenURL   string
	httpClient *http.Client
	log        zerolog.Logger
}

// NewClient creates a new Schwab API client.
func NewClient(log zerolog.Logger) *Client {
	return &Client{
		apiBaseURL: defaultAPIBaseURL,
		tokenURL:   defaultTokenURL,
		httpClient: &http.Client{Timeout: defaultHTTPTimeout},
		log:        log.With().Str("client", "schwab").Logger(),
	}
}

// SetBaseURLs overrides the API and token endpoints. Used by tests.
func (c *Client) SetBaseURLs(apiBaseURL, tokenURL string) {
	c.apiBaseURL = apiBaseURL
	c.tokenURL = tokenURL
}

// ExchangeAuthCode exchanges an authorization code for the initial
// access+refresh token pair.
func (c *Client) ExchangeAuthCode(ctx context.Context, appKey, appSecret, code, redirectURI string) (*TokenResponse, error) {
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", redirectURI)

	return c.tokenRequest(ctx, appKey, appSecret, form)
}

// RefreshAccessToken exchanges a refresh token for a new access+refresh
// token pair. Returns ErrRefreshTokenInvalid (wrapped) when the provider
// reports the refresh token itself as dead - callers must treat that as a
// needs-reauth condition, not a retryable failure.
func (c *Client) RefreshAccessToken(ctx context.Context, appKey, appSecret, refreshToken string) (*TokenResponse, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)

	return c.tokenRequest(ctx, appKey, appSecret, form)
}

// tokenRequest posts to the token endpoint with Basic-auth-encoded
// application credentials.
func (c *Client) tokenRequest(ctx context.Context, appKey, appSecret string, form url.Values) (*TokenResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to build token request: %w", err)
	}

	basic := base64.StdEncoding.EncodeToString([]byte(appKey + ":" + appSecret))
	req.Header.Set("Authorization", "Basic "+basic)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read token response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		// Distinguish a dead refresh token from a transient provider
		// failure; the two demand different handling upstream.
		var terr tokenError
		if jsonErr := json.Unmarshal(body, &terr); jsonErr == nil && terr.Error == refreshTokenErrCode {
			return nil, fmt.Errorf("token endpoint returned %d: %w", resp.StatusCode, ErrRefreshTokenInvalid)
		}
		return nil, fmt.Errorf("token endpoint returned status %d: %s", resp.StatusCode, truncate(string(body), 200))
	}

	var token TokenResponse
	if err := json.Unmarshal(body, &token); err != nil {
		return nil, fmt.Errorf("failed to parse token response: %w", err)
	}

	if token.AccessToken == "" {
		return nil, fmt.Errorf("token endpoint returned empty access token")
	}

	return &token, nil
}

// GetAccountNumbers returns the account number to hash-value mapping the
// API requires for account-scoped calls.
func (c *Client) GetAccountNumbers(ctx context.Context, accessToken string) (map[string]string, error) {
	var entries []struct {
		AccountNumber string `json:"accountNumber"`
		HashValue     string `json:"hashValue"`
	}

	if err := c.getJSON(ctx, accessToken, "/accounts/accountNumbers", &entries); err != nil {
		return nil, err
	}

	result := make(map[string]string, len(entries))
	for _, e := range entries {
		result[e.AccountNumber] = e.HashValue
	}
	return result, nil
}

// GetAccount fetches one account with its positions.
func (c *Client) GetAccount(ctx context.Context, accessToken, accountHash string) (*Account, error) {
	var envelope accountEnvelope
	path := fmt.Sprintf("/accounts/%s?fields=positions", accountHash)
	if err := c.getJSON(ctx, accessToken, path, &envelope); err != nil {
		return nil, err
	}
	return &envelope.SecuritiesAccount, nil
}

func (c *Client) getJSON(ctx context.Context, accessToken, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiBaseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to build request for %s: %w", path, err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request to %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s returned status %d: %s", path, resp.StatusCode, truncate(string(body), 200))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to parse response from %s: %w", path, err)
	}

	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
