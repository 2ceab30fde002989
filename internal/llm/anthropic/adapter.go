// Package anthropic adapts the Anthropic messages API to the uniform
// llm.Client surface.
package anthropic

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/promptgate/promptgate/internal/keyring"
	"github.com/promptgate/promptgate/internal/llm"
)

// Adapter implements llm.Client for Anthropic.
type Adapter struct {
	cfg    llm.Config
	keys   *keyring.Rotator
	client *http.Client
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithTimeout sets the HTTP client timeout.
func WithTimeout(d time.Duration) Option {
	return func(a *Adapter) {
		a.client.Timeout = d
	}
}

// New creates an Anthropic adapter. A zero timeout defaults to 30s.
func New(cfg llm.Config, keys *keyring.Rotator, opts ...Option) *Adapter {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.anthropic.com"
	}
	a := &Adapter{
		cfg:    cfg,
		keys:   keys,
		client: &http.Client{Timeout: 30 * time.Second},
	}
	if cfg.TimeoutMs > 0 {
		a.client.Timeout = time.Duration(cfg.TimeoutMs) * time.Millisecond
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

func (a *Adapter) ID() llm.ProviderID { return llm.ProviderAnthropic }

// HealthEndpoint returns a URL for health probing. A GET to the messages
// endpoint returns 405 (Method Not Allowed) which proves reachability.
func (a *Adapter) HealthEndpoint() string {
	return a.cfg.BaseURL + "/v1/messages"
}

func (a *Adapter) payload(msgs []llm.Message, system string, p llm.Params, stream bool) map[string]any {
	wire := make([]map[string]any, len(msgs))
	for i, m := range msgs {
		wire[i] = map[string]any{"role": m.Role, "content": messageContent(m)}
	}
	payload := map[string]any{
		"model":    a.cfg.ModelName,
		"messages": wire,
	}
	if system != "" {
		payload["system"] = system
	}
	if p.Temperature > 0 {
		payload["temperature"] = p.Temperature
	} else if a.cfg.Temperature > 0 {
		payload["temperature"] = a.cfg.Temperature
	}
	// Anthropic requires max_tokens — default if not provided.
	maxTokens := p.MaxTokens
	if maxTokens == 0 {
		maxTokens = a.cfg.MaxTokens
	}
	if maxTokens == 0 {
		maxTokens = 4096
	}
	payload["max_tokens"] = maxTokens
	if stream {
		payload["stream"] = true
	}
	return payload
}

// messageContent is a plain string for text-only turns; an attached image
// switches to the content-block array with a base64 image source.
func messageContent(m llm.Message) any {
	if !m.HasImage() {
		return m.Content
	}
	return []map[string]any{
		{"type": "image", "source": map[string]string{
			"type":       "base64",
			"media_type": m.MediaType,
			"data":       base64.StdEncoding.EncodeToString(m.ImageData),
		}},
		{"type": "text", "text": m.Content},
	}
}

func (a *Adapter) authHeaders() map[string]string {
	return map[string]string{
		"x-api-key":         a.keys.Current(),
		"anthropic-version": "2023-06-01",
	}
}

func (a *Adapter) Invoke(ctx context.Context, msgs []llm.Message, system string, p llm.Params) (string, error) {
	body, err := llm.DoRequest(ctx, a.client, a.cfg.BaseURL+"/v1/messages", a.payload(msgs, system, p, false), a.authHeaders())
	if err != nil {
		return "", err
	}
	var parsed struct {
		Content []struct {
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if len(parsed.Content) == 0 {
		return "", fmt.Errorf("empty content in response")
	}
	return parsed.Content[0].Text, nil
}

func (a *Adapter) InvokeStream(ctx context.Context, msgs []llm.Message, system string, p llm.Params) (llm.Stream, error) {
	body, err := llm.DoStreamRequest(ctx, a.client, a.cfg.BaseURL+"/v1/messages", a.payload(msgs, system, p, true), a.authHeaders())
	if err != nil {
		return nil, err
	}
	return llm.NewSSEStream(body, decodeDelta), nil
}

// decodeDelta extracts text from content_block_delta events; all other event
// types (message_start, ping, message_stop) carry no text.
func decodeDelta(data []byte) (string, bool) {
	var ev struct {
		Type  string `json:"type"`
		Delta struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"delta"`
	}
	if json.Unmarshal(data, &ev) != nil {
		return "", false
	}
	if ev.Type != "content_block_delta" || ev.Delta.Type != "text_delta" {
		return "", false
	}
	return ev.Delta.Text, true
}

func (a *Adapter) ClassifyError(err error) *llm.ClassifiedError {
	var se *llm.StatusError
	if errors.As(err, &se) && se.StatusCode == 529 {
		// Anthropic "overloaded" — treat like a rate limit so the key rotates.
		ce := &llm.ClassifiedError{Err: err, Kind: llm.ErrRateLimit}
		if se.RetryAfterSecs > 0 {
			ce.RetryAfter = se.RetryAfterSecs
		}
		return ce
	}
	return llm.Classify(err)
}
