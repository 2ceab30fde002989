// Package gemini adapts the Google Gemini generateContent API to the uniform
// llm.Client surface.
package gemini

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/promptgate/promptgate/internal/keyring"
	"github.com/promptgate/promptgate/internal/llm"
)

// Adapter implements llm.Client for Gemini.
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

// New creates a Gemini adapter. A zero timeout defaults to 30s.
func New(cfg llm.Config, keys *keyring.Rotator, opts ...Option) *Adapter {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://generativelanguage.googleapis.com"
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

func (a *Adapter) ID() llm.ProviderID { return llm.ProviderGemini }

func (a *Adapter) HealthEndpoint() string {
	return a.cfg.BaseURL + "/v1beta/models"
}

// payload builds the Gemini wire format: contents with role user/model, a
// separate systemInstruction block, and generationConfig for parameters.
func (a *Adapter) payload(msgs []llm.Message, system string, p llm.Params) map[string]any {
	contents := make([]map[string]any, 0, len(msgs))
	for _, m := range msgs {
		role := m.Role
		if role == "assistant" {
			role = "model"
		}
		parts := []map[string]any{{"text": m.Content}}
		if m.HasImage() {
			parts = append(parts, map[string]any{
				"inlineData": map[string]string{
					"mimeType": m.MediaType,
					"data":     base64.StdEncoding.EncodeToString(m.ImageData),
				},
			})
		}
		contents = append(contents, map[string]any{
			"role":  role,
			"parts": parts,
		})
	}
	payload := map[string]any{"contents": contents}
	if system != "" {
		payload["systemInstruction"] = map[string]any{
			"parts": []map[string]string{{"text": system}},
		}
	}
	genCfg := map[string]any{}
	if p.Temperature > 0 {
		genCfg["temperature"] = p.Temperature
	} else if a.cfg.Temperature > 0 {
		genCfg["temperature"] = a.cfg.Temperature
	}
	if p.MaxTokens > 0 {
		genCfg["maxOutputTokens"] = p.MaxTokens
	} else if a.cfg.MaxTokens > 0 {
		genCfg["maxOutputTokens"] = a.cfg.MaxTokens
	}
	if len(genCfg) > 0 {
		payload["generationConfig"] = genCfg
	}
	return payload
}

func (a *Adapter) authHeaders() map[string]string {
	return map[string]string{"x-goog-api-key": a.keys.Current()}
}

func (a *Adapter) Invoke(ctx context.Context, msgs []llm.Message, system string, p llm.Params) (string, error) {
	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent", a.cfg.BaseURL, a.cfg.ModelName)
	body, err := llm.DoRequest(ctx, a.client, url, a.payload(msgs, system, p), a.authHeaders())
	if err != nil {
		return "", err
	}
	text, err := extractText(body)
	if err != nil {
		return "", err
	}
	return text, nil
}

func (a *Adapter) InvokeStream(ctx context.Context, msgs []llm.Message, system string, p llm.Params) (llm.Stream, error) {
	url := fmt.Sprintf("%s/v1beta/models/%s:streamGenerateContent?alt=sse", a.cfg.BaseURL, a.cfg.ModelName)
	body, err := llm.DoStreamRequest(ctx, a.client, url, a.payload(msgs, system, p), a.authHeaders())
	if err != nil {
		return nil, err
	}
	return llm.NewSSEStream(body, decodeDelta), nil
}

func decodeDelta(data []byte) (string, bool) {
	text, err := extractText(data)
	if err != nil {
		return "", false
	}
	return text, true
}

func extractText(body []byte) (string, error) {
	var parsed struct {
		Candidates []struct {
			Content struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"content"`
		} `json:"candidates"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if len(parsed.Candidates) == 0 || len(parsed.Candidates[0].Content.Parts) == 0 {
		return "", fmt.Errorf("empty candidates in response")
	}
	return parsed.Candidates[0].Content.Parts[0].Text, nil
}

func (a *Adapter) ClassifyError(err error) *llm.ClassifiedError {
	return llm.Classify(err)
}
