// Package oracle reads spot prices for threshold markets from a
// Binance-compatible REST API.
package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// DefaultBaseURL is the public Binance REST endpoint.
const DefaultBaseURL = "https://api.binance.com"

const tickerPath = "/api/v3/ticker/price"

var (
	ErrUnavailable = errors.New("oracle: price unavailable")
	ErrBadPrice    = errors.New("oracle: malformed price")
)

// Client fetches the latest traded price for a symbol.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient returns a client for baseURL. An empty baseURL uses Binance.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

// Price returns the current spot price of symbol, e.g. BTCUSDT.
func (c *Client) Price(ctx context.Context, symbol string) (decimal.Decimal, error) {
	u := c.baseURL + tickerPath + "?symbol=" + url.QueryEscape(symbol)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("oracle: build request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %s: %v", ErrUnavailable, symbol, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: read body: %v", ErrUnavailable, err)
	}
	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, fmt.Errorf("%w: %s: status %d: %s",
			ErrUnavailable, symbol, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var result struct {
		Symbol string `json:"symbol"`
		Price  string `json:"price"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return decimal.Zero, fmt.Errorf("%w: %v", ErrBadPrice, err)
	}
	price, err := decimal.NewFromString(result.Price)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrBadPrice, result.Price)
	}
	if !price.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: non-positive price %s", ErrBadPrice, price)
	}
	return price, nil
}

// Static serves fixed prices. Used in development and tests.
type Static map[string]decimal.Decimal

func (s Static) Price(_ context.Context, symbol string) (decimal.Decimal, error) {
	p, ok := s[symbol]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrUnavailable, symbol)
	}
	return p, nil
}
