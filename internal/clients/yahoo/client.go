// Package yahoo provides a quote client for Yahoo Finance: last traded
// price plus previous close by symbol. Used to fill in close prices the
// gateway does not supply and as the pricing source for the Schwab
// integration.
package yahoo

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/foliotrack/foliotrack/internal/clientdata"
)

const defaultBaseURL = "https://query1.finance.yahoo.com/v8/finance/chart"

// Quote is the last traded price and previous close for a symbol.
type Quote struct {
	Symbol        string  `json:"symbol"`
	LastPrice     float64 `json:"last_price"`
	PreviousClose float64 `json:"previous_close"`
	Currency      string  `json:"currency"`
}

// chartResponse matches the subset of the chart API response we need.
type chartResponse struct {
	Chart struct {
		Result []struct {
			Meta struct {
				Symbol             string  `json:"symbol"`
				RegularMarketPrice float64 `json:"regularMarketPrice"`
				PreviousClose      float64 `json:"chartPreviousClose"`
				Currency           string  `json:"currency"`
			} `json:"meta"`
		} `json:"result"`
		Error *struct {
			Code        string `json:"code"`
			Description string `json:"description"`
		} `json:"error"`
	} `json:"chart"`
}

// Client is the Yahoo Finance quote client.
type Client struct {
	baseURL    string
	httpClient *http.Client
	log        zerolog.Logger
	cacheRepo  *clientdata.Repository
}

// NewClient creates a new Yahoo Finance client.
// cacheRepo is optional - if nil, caching is disabled.
func NewClient(cacheRepo *clientdata.Repository, log zerolog.Logger) *Client {
	return &Client{
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		log:        log.With().Str("client", "yahoo").Logger(),
		cacheRepo:  cacheRepo,
	}
}

// SetBaseURL overrides the API endpoint. Used by tests.
func (c *Client) SetBaseURL(baseURL string) {
	c.baseURL = baseURL
}

// GetQuote fetches the quote for a symbol with cache-first behavior.
// If the API fails, returns stale cached data if available (stale data >
// no data).
func (c *Client) GetQuote(ctx context.Context, symbol string) (*Quote, error) {
	// Check persistent cache for fresh data
	if c.cacheRepo != nil {
		data, err := c.cacheRepo.GetIfFresh("yahoo_quotes", symbol)
		if err == nil && data != nil {
			var cached Quote
			if err := json.Unmarshal(data, &cached); err == nil {
				c.log.Debug().Str("symbol", symbol).Msg("Quote cache hit")
				return &cached, nil
			}
		}
	}

	quote, err := c.fetchQuote(ctx, symbol)
	if err != nil {
		// API failed - try stale cached data as fallback
		if stale, ok := c.getStaleFromCache(symbol); ok {
			c.log.Warn().
				Err(err).
				Str("symbol", symbol).
				Msg("API failed, using stale cached quote")
			return stale, nil
		}
		return nil, err
	}

	// Cache persistently
	if c.cacheRepo != nil {
		if err := c.cacheRepo.Store("yahoo_quotes", symbol, quote, clientdata.TTLQuote); err != nil {
			c.log.Warn().Err(err).Str("symbol", symbol).Msg("Failed to cache quote")
		}
	}

	return quote, nil
}

func (c *Client) fetchQuote(ctx context.Context, symbol string) (*Quote, error) {
	url := fmt.Sprintf("%s/%s?interval=1d&range=1d", c.baseURL, symbol)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build quote request: %w", err)
	}
	// Yahoo rejects requests without a browser-ish user agent
	req.Header.Set("User-Agent", "Mozilla/5.0")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("quote request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("quote API returned status %d for %s", resp.StatusCode, symbol)
	}

	var parsed chartResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to parse quote response: %w", err)
	}

	if parsed.Chart.Error != nil {
		return nil, fmt.Errorf("quote API error for %s: %s", symbol, parsed.Chart.Error.Description)
	}

	if len(parsed.Chart.Result) == 0 {
		return nil, fmt.Errorf("no quote data for %s", symbol)
	}

	meta := parsed.Chart.Result[0].Meta
	return &Quote{
		Symbol:        symbol,
		LastPrice:     meta.RegularMarketPrice,
		PreviousClose: meta.PreviousClose,
		Currency:      meta.Currency,
	}, nil
}

// getStaleFromCache retrieves a cached quote even if expired.
func (c *Client) getStaleFromCache(symbol string) (*Quote, bool) {
	if c.cacheRepo == nil {
		return nil, false
	}

	data, err := c.cacheRepo.Get("yahoo_quotes", symbol)
	if err != nil || data == nil {
		return nil, false
	}

	var cached Quote
	if err := json.Unmarshal(data, &cached); err != nil {
		return nil, false
	}

	return &cached, true
}
