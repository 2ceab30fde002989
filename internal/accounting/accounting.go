// Package accounting talks to the external token-accounting service:
// balance prechecks before a paid request and detached deductions after it
// completes.
package accounting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/pkoukk/tiktoken-go"
)

// FreeTrialSentinel marks requests that bypass accounting entirely.
const FreeTrialSentinel = "free-trial"

// Config configures the accounting client.
type Config struct {
	BaseURL   string
	TimeoutMs int

	// PerCallCost is the flat token cost charged per enhancement.
	PerCallCost int
}

// Deduction is one post-completion charge. The idempotency key lets the
// accounting service drop replays from retried deliveries.
type Deduction struct {
	UserID         string `json:"user_id"`
	Tokens         int    `json:"tokens"`
	RequestID      string `json:"request_id,omitempty"`
	IdempotencyKey string `json:"idempotency_key"`
}

// Deductor delivers a deduction. The direct HTTP client implements it; the
// temporal manager wraps it with durable execution.
type Deductor interface {
	Deduct(ctx context.Context, d Deduction) error
}

// Client is the direct HTTP accounting client.
type Client struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger
}

// New creates an accounting client. An empty BaseURL produces a disabled
// client: prechecks always pass and deductions are dropped.
func New(cfg Config, logger *slog.Logger) *Client {
	timeout := 3 * time.Second
	if cfg.TimeoutMs > 0 {
		timeout = time.Duration(cfg.TimeoutMs) * time.Millisecond
	}
	if cfg.PerCallCost <= 0 {
		cfg.PerCallCost = 100
	}
	return &Client{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

// Enabled reports whether an accounting backend is configured.
func (c *Client) Enabled() bool { return c.cfg.BaseURL != "" }

// PerCallCost returns the flat token cost per enhancement.
func (c *Client) PerCallCost() int { return c.cfg.PerCallCost }

// Exempt reports whether a user bypasses accounting.
func Exempt(userID string) bool {
	return userID == "" || userID == FreeTrialSentinel
}

// Precheck verifies the user holds at least the per-call cost. Failure to
// reach the accounting service is an error: paid usage must not go
// unmetered.
func (c *Client) Precheck(ctx context.Context, userID string) error {
	if !c.Enabled() || Exempt(userID) {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, "GET", c.cfg.BaseURL+"/v1/balance/"+userID, nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("accounting precheck: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("accounting precheck: HTTP %d", resp.StatusCode)
	}

	var parsed struct {
		RemainingTokens int `json:"remaining_tokens"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return fmt.Errorf("accounting precheck: decode: %w", err)
	}
	if parsed.RemainingTokens < c.cfg.PerCallCost {
		return &InsufficientTokensError{Remaining: parsed.RemainingTokens, Required: c.cfg.PerCallCost}
	}
	return nil
}

// InsufficientTokensError reports a balance below the per-call cost.
type InsufficientTokensError struct {
	Remaining int
	Required  int
}

func (e *InsufficientTokensError) Error() string {
	return fmt.Sprintf("insufficient tokens: %d remaining, %d required", e.Remaining, e.Required)
}

// Deduct posts a deduction to the accounting service.
func (c *Client) Deduct(ctx context.Context, d Deduction) error {
	if !c.Enabled() || Exempt(d.UserID) {
		return nil
	}
	if d.IdempotencyKey == "" {
		d.IdempotencyKey = uuid.NewString()
	}

	payload, err := json.Marshal(d)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, "POST", c.cfg.BaseURL+"/v1/deduct", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", d.IdempotencyKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("accounting deduct: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("accounting deduct: HTTP %d", resp.StatusCode)
	}
	return nil
}

// DeductAsync schedules a deduction detached from the request lifecycle.
// Failure is logged, never surfaced to the client.
func (c *Client) DeductAsync(d Deduction, via Deductor) {
	if !c.Enabled() || Exempt(d.UserID) {
		return
	}
	if d.IdempotencyKey == "" {
		d.IdempotencyKey = uuid.NewString()
	}
	if via == nil {
		via = c
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := via.Deduct(ctx, d); err != nil {
			c.logger.Error("token deduction failed",
				slog.String("user_id", d.UserID),
				slog.Int("tokens", d.Tokens),
				slog.String("error", err.Error()),
			)
		}
	}()
}

// EstimateTokens counts prompt tokens with the cl100k_base encoding,
// falling back to a word-count heuristic if the encoding is unavailable.
func EstimateTokens(text string) int {
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return len(bytes.Fields([]byte(text))) * 4 / 3
	}
	return len(enc.Encode(text, nil, nil))
}
