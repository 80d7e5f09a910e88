// Package binance is the client layer for the Binance USD-M futures API: a
// REST client for mark-price quotes and a WebSocket client for the streaming
// mark-price channel.
package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/yxzhao/perpbot/internal/domain"
)

// DefaultBaseURL is the production USD-M futures REST root.
const DefaultBaseURL = "https://fapi.binance.com"

// Client is the REST client for Binance futures market data. Requests pass
// through a rate limiter and a circuit breaker, so a flapping exchange trips
// fast instead of piling up timed-out calls.
type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	breaker    *gobreaker.CircuitBreaker
}

var _ domain.ExchangeAdapter = (*Client)(nil)

// NewClient creates a Binance REST client. baseURL falls back to
// DefaultBaseURL when empty.
func NewClient(baseURL string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		// Binance allows 2400 request weight per minute; premiumIndex costs
		// 1, so 10 req/s is comfortably inside the budget.
		limiter: rate.NewLimiter(rate.Limit(10), 20),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "binance-rest",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
	}
}

// GetMarkPrice fetches the current mark price and funding rate for a symbol
// from GET /fapi/v1/premiumIndex.
func (c *Client) GetMarkPrice(ctx context.Context, symbol string) (domain.Quote, error) {
	params := url.Values{}
	params.Set("symbol", strings.ToUpper(symbol))

	body, err := c.doRequest(ctx, "/fapi/v1/premiumIndex?"+params.Encode())
	if err != nil {
		return domain.Quote{}, fmt.Errorf("binance: get mark price %s: %w", symbol, err)
	}

	var resp premiumIndexResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return domain.Quote{}, fmt.Errorf("binance: decode premium index: %w: %w", domain.ErrInvalidResponse, err)
	}
	q, err := resp.toQuote()
	if err != nil {
		return domain.Quote{}, fmt.Errorf("binance: premium index %s: %w: %w", symbol, domain.ErrInvalidResponse, err)
	}
	return q, nil
}

// doRequest sends a GET through the limiter and breaker and reads the body.
func (c *Client) doRequest(ctx context.Context, path string) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}

	result, err := c.breaker.Execute(func() (any, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Accept", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("http request: %w", err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("read response: %w", err)
		}
		if err := checkStatus(resp.StatusCode, body); err != nil {
			return nil, err
		}
		return body, nil
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, fmt.Errorf("%w: circuit open", domain.ErrUnavailable)
		}
		return nil, err
	}
	return result.([]byte), nil
}

// checkStatus maps non-2xx HTTP status codes to errors.
func checkStatus(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}

	var apiErr apiError
	_ = json.Unmarshal(body, &apiErr)

	switch statusCode {
	case http.StatusNotFound, http.StatusBadRequest:
		return fmt.Errorf("HTTP %d: %s (code %d)", statusCode, apiErr.Message, apiErr.Code)
	case http.StatusTooManyRequests, http.StatusTeapot:
		// 418 is Binance's auto-ban response to repeated 429s.
		return fmt.Errorf("rate limited (HTTP %d): %s: %w", statusCode, apiErr.Message, domain.ErrUnavailable)
	default:
		if statusCode >= 500 {
			return fmt.Errorf("HTTP %d: %s: %w", statusCode, apiErr.Message, domain.ErrUnavailable)
		}
		return fmt.Errorf("HTTP %d: %s (code %d)", statusCode, apiErr.Message, apiErr.Code)
	}
}
