// Package whale polls the Coinglass Hyperliquid whale feed and notifies
// each large position change once.
package whale

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"coin-monitor/internal/model"

	"github.com/cenkalti/backoff/v4"
	"github.com/shopspring/decimal"
)

const (
	DefaultURL     = "https://open-api-v4.coinglass.com/api/hyperliquid/whale-alert"
	DefaultTimeout = 15 * time.Second
)

// Client reads the whale feed over HTTP.
type Client struct {
	url    string
	apiKey string
	client *http.Client

	// Retries after the first attempt on a network error or 5xx.
	Retries   int
	RetryWait time.Duration
}

// NewClient creates a client for url; empty url uses DefaultURL.
func NewClient(url, apiKey string) *Client {
	if url == "" {
		url = DefaultURL
	}
	return &Client{
		url:       url,
		apiKey:    apiKey,
		client:    &http.Client{Timeout: DefaultTimeout},
		Retries:   1,
		RetryWait: time.Second,
	}
}

type feed struct {
	Data []feedRecord `json:"data"`
}

// feedRecord accepts both names the feed has used for the liquidation price.
type feedRecord struct {
	model.WhaleRecord
	LiquidationPrice decimal.NullDecimal `json:"liquidation_price"`
}

// Fetch returns the current feed in the order served.
func (c *Client) Fetch(ctx context.Context) ([]model.WhaleRecord, error) {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = c.RetryWait
	eb.MaxElapsedTime = 0
	retries := c.Retries
	if retries < 0 {
		retries = 0
	}

	var out []model.WhaleRecord
	err := backoff.Retry(func() error {
		var err error
		out, err = c.fetchOnce(ctx)
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(eb, uint64(retries)), ctx))
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) fetchOnce(ctx context.Context) ([]model.WhaleRecord, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("whale: create request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("CG-API-KEY", c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("whale: fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("whale: unexpected status %d", resp.StatusCode)
		if resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}

	var f feed
	if err := json.NewDecoder(resp.Body).Decode(&f); err != nil {
		return nil, backoff.Permanent(fmt.Errorf("whale: decode: %w", err))
	}
	out := make([]model.WhaleRecord, 0, len(f.Data))
	for _, r := range f.Data {
		rec := r.WhaleRecord
		if !rec.LiqPrice.Valid {
			rec.LiqPrice = r.LiquidationPrice
		}
		out = append(out, rec)
	}
	return out, nil
}
