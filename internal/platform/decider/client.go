// Package decider is the client for the external decision service, the HTTP
// endpoint that turns an evaluation snapshot into an open/close/hold action.
package decider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/yxzhao/perpbot/internal/domain"
)

// Client calls the decision service over HTTP. The engine treats the service
// as a black box: a snapshot goes in, one action comes out.
type Client struct {
	endpoint   string
	authToken  string
	httpClient *http.Client
}

var _ domain.DecisionService = (*Client)(nil)

// NewClient creates a decision service client. authToken is optional; when
// set it is sent as a bearer token.
func NewClient(endpoint, authToken string) *Client {
	return &Client{
		endpoint:  endpoint,
		authToken: authToken,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Decide posts the snapshot and returns the service's action. Transport
// failures wrap domain.ErrUnavailable; a malformed or unrecognized action
// wraps domain.ErrInvalidResponse.
func (c *Client) Decide(ctx context.Context, req domain.DecisionRequest) (domain.Action, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return domain.Action{}, fmt.Errorf("decider: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return domain.Action{}, fmt.Errorf("decider: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if c.authToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return domain.Action{}, fmt.Errorf("decider: %w: %w", domain.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return domain.Action{}, fmt.Errorf("decider: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return domain.Action{}, fmt.Errorf("decider: HTTP %d: %s: %w", resp.StatusCode, truncate(body, 200), domain.ErrUnavailable)
	}

	var action domain.Action
	if err := json.Unmarshal(body, &action); err != nil {
		return domain.Action{}, fmt.Errorf("decider: decode action: %w: %w", domain.ErrInvalidResponse, err)
	}
	switch action.Type {
	case domain.ActionOpen, domain.ActionClose, domain.ActionHold:
	default:
		return domain.Action{}, fmt.Errorf("decider: unknown action type %q: %w", action.Type, domain.ErrInvalidResponse)
	}
	if action.Type == domain.ActionOpen && action.Open == nil {
		return domain.Action{}, fmt.Errorf("decider: open action without parameters: %w", domain.ErrInvalidResponse)
	}
	return action, nil
}

// Hold is a local decision service that always holds, used when the engine
// runs in monitor-only mode without an external service.
type Hold struct{}

var _ domain.DecisionService = Hold{}

func (Hold) Decide(_ context.Context, _ domain.DecisionRequest) (domain.Action, error) {
	return domain.Action{Type: domain.ActionHold, Reason: "monitor-only mode"}, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
