package llm

import (
	"context"
	"time"
)

// ProviderID identifies a backend LLM provider. The set is fixed at compile
// time; adding a provider means adding an adapter package.
type ProviderID string

const (
	ProviderOpenAI    ProviderID = "openai"
	ProviderAnthropic ProviderID = "anthropic"
	ProviderGemini    ProviderID = "gemini"
	ProviderNVIDIA    ProviderID = "nvidia"
)

// AllProviders lists every known provider in preferred fallback order.
var AllProviders = []ProviderID{ProviderOpenAI, ProviderAnthropic, ProviderGemini, ProviderNVIDIA}

// Valid reports whether id names a known provider.
func (p ProviderID) Valid() bool {
	for _, id := range AllProviders {
		if id == p {
			return true
		}
	}
	return false
}

// Message is a single chat turn in the provider-agnostic envelope.
// ImageData, when set, carries an inline attachment for vision requests;
// adapters base64-encode it into their provider's wire format.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`

	ImageData []byte `json:"image_data,omitempty"`
	MediaType string `json:"media_type,omitempty"`
}

// HasImage reports whether the message carries an inline attachment.
func (m Message) HasImage() bool { return len(m.ImageData) > 0 }

// Params carries the uniform generation parameters. Adapters map them onto
// provider-specific request fields.
type Params struct {
	Temperature float64 `json:"temperature,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
}

// Config is the immutable per-provider configuration created at startup.
// The API key cursor lives in the keyring, not here.
type Config struct {
	Provider      ProviderID
	ModelName     string
	BaseURL       string
	Temperature   float64
	MaxTokens     int
	TimeoutMs     int
	RetryAttempts int
	CooldownMs    int

	// CharLimit > 0 marks a backend with a hard response character limit
	// (the nvidia prompt endpoint caps at 194 characters).
	CharLimit int
}

// Cooldown returns the base cooldown duration, defaulting to one minute.
func (c Config) Cooldown() time.Duration {
	if c.CooldownMs > 0 {
		return time.Duration(c.CooldownMs) * time.Millisecond
	}
	return time.Minute
}

// Timeout returns the per-call timeout, defaulting to 30 seconds.
func (c Config) Timeout() time.Duration {
	if c.TimeoutMs > 0 {
		return time.Duration(c.TimeoutMs) * time.Millisecond
	}
	return 30 * time.Second
}

// Stream is a finite, non-restartable sequence of text deltas. Recv returns
// io.EOF when the backend closes the stream. Empty deltas are never yielded.
type Stream interface {
	Recv() (string, error)
	Close() error
}

// Client is the uniform surface over heterogeneous backend SDKs.
type Client interface {
	ID() ProviderID

	// Invoke sends a blocking completion request and returns the full text.
	Invoke(ctx context.Context, msgs []Message, system string, p Params) (string, error)

	// InvokeStream opens a streaming completion. The returned Stream yields
	// text deltas until io.EOF.
	InvokeStream(ctx context.Context, msgs []Message, system string, p Params) (Stream, error)

	// ClassifyError maps any error produced by this client onto an ErrorKind.
	ClassifyError(err error) *ClassifiedError

	// HealthEndpoint returns a URL whose reachability proves the backend is up.
	HealthEndpoint() string
}
