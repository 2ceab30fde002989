// Package openai adapts the OpenAI chat completions API to the uniform
// llm.Client surface.
package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/promptgate/promptgate/internal/keyring"
	"github.com/promptgate/promptgate/internal/llm"
)

// Adapter implements llm.Client for OpenAI.
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

// New creates an OpenAI adapter. A zero timeout defaults to 30s.
func New(cfg llm.Config, keys *keyring.Rotator, opts ...Option) *Adapter {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com"
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

func (a *Adapter) ID() llm.ProviderID { return llm.ProviderOpenAI }

// HealthEndpoint returns a URL for reachability probing. A GET returns 401
// without a key, which still proves the backend is up.
func (a *Adapter) HealthEndpoint() string {
	return a.cfg.BaseURL + "/v1/models"
}

func (a *Adapter) payload(msgs []llm.Message, system string, p llm.Params, stream bool) map[string]any {
	wire := make([]map[string]any, 0, len(msgs)+1)
	if system != "" {
		wire = append(wire, map[string]any{"role": "system", "content": system})
	}
	for _, m := range msgs {
		wire = append(wire, map[string]any{"role": m.Role, "content": messageContent(m)})
	}
	payload := map[string]any{
		"model":    a.cfg.ModelName,
		"messages": wire,
	}
	if p.Temperature > 0 {
		payload["temperature"] = p.Temperature
	} else if a.cfg.Temperature > 0 {
		payload["temperature"] = a.cfg.Temperature
	}
	if p.MaxTokens > 0 {
		payload["max_tokens"] = p.MaxTokens
	} else if a.cfg.MaxTokens > 0 {
		payload["max_tokens"] = a.cfg.MaxTokens
	}
	if stream {
		payload["stream"] = true
	}
	return payload
}

// messageContent is a plain string for text-only turns; an attached image
// switches to the multimodal parts array with a base64 data URI.
func messageContent(m llm.Message) any {
	if !m.HasImage() {
		return m.Content
	}
	return []map[string]any{
		{"type": "text", "text": m.Content},
		{"type": "image_url", "image_url": map[string]string{
			"url": "data:" + m.MediaType + ";base64," + base64.StdEncoding.EncodeToString(m.ImageData),
		}},
	}
}

func (a *Adapter) authHeaders() map[string]string {
	return map[string]string{"Authorization": "Bearer " + a.keys.Current()}
}

func (a *Adapter) Invoke(ctx context.Context, msgs []llm.Message, system string, p llm.Params) (string, error) {
	body, err := llm.DoRequest(ctx, a.client, a.cfg.BaseURL+"/v1/chat/completions", a.payload(msgs, system, p, false), a.authHeaders())
	if err != nil {
		return "", err
	}
	var parsed struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("empty choices in response")
	}
	return parsed.Choices[0].Message.Content, nil
}

func (a *Adapter) InvokeStream(ctx context.Context, msgs []llm.Message, system string, p llm.Params) (llm.Stream, error) {
	body, err := llm.DoStreamRequest(ctx, a.client, a.cfg.BaseURL+"/v1/chat/completions", a.payload(msgs, system, p, true), a.authHeaders())
	if err != nil {
		return nil, err
	}
	return llm.NewSSEStream(body, decodeDelta), nil
}

func decodeDelta(data []byte) (string, bool) {
	var ev struct {
		Choices []struct {
			Delta struct {
				Content string `json:"content"`
			} `json:"delta"`
		} `json:"choices"`
	}
	if json.Unmarshal(data, &ev) != nil || len(ev.Choices) == 0 {
		return "", false
	}
	return ev.Choices[0].Delta.Content, true
}

func (a *Adapter) ClassifyError(err error) *llm.ClassifiedError {
	var se *llm.StatusError
	if errors.As(err, &se) && se.StatusCode == 400 {
		if strings.Contains(se.Body, "context_length_exceeded") {
			return &llm.ClassifiedError{Err: err, Kind: llm.ErrValidation}
		}
	}
	return llm.Classify(err)
}
