// Package fallback implements the provider fallback engine: a per-provider
// health and cooldown state machine with key rotation, exponential backoff,
// and ordered provider selection.
package fallback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/promptgate/promptgate/internal/events"
	"github.com/promptgate/promptgate/internal/keyring"
	"github.com/promptgate/promptgate/internal/llm"
	"github.com/promptgate/promptgate/internal/stats"
)

// State is the derived availability state of a provider.
type State string

const (
	StateReady    State = "ready"
	StateCooldown State = "cooldown"
	StateDisabled State = "disabled"
)

// Status is a point-in-time snapshot of a provider's state. The scoring
// engine and the status endpoints consume it.
type Status struct {
	Provider      llm.ProviderID `json:"provider"`
	State         State          `json:"state"`
	Available     bool           `json:"available"`
	ErrorCount    int            `json:"error_count"`
	CooldownUntil time.Time      `json:"cooldown_until,omitempty"`
	LastUsed      bool           `json:"last_used"`
	LastErrorKind string         `json:"last_error_kind,omitempty"`
}

// ErrProviderUnavailable is returned for direct calls to a provider that is
// in cooldown or disabled.
type ErrProviderUnavailable struct {
	Provider llm.ProviderID
	State    State
	Until    time.Time
}

func (e *ErrProviderUnavailable) Error() string {
	if e.State == StateCooldown {
		return fmt.Sprintf("provider %s in cooldown until %s", e.Provider, e.Until.Format(time.RFC3339))
	}
	return fmt.Sprintf("provider %s is %s", e.Provider, e.State)
}

// AggregateError is returned when every candidate provider failed. It lists
// the last error kind seen per provider.
type AggregateError struct {
	Reasons map[llm.ProviderID]llm.ErrorKind
}

func (e *AggregateError) Error() string {
	parts := make([]string, 0, len(e.Reasons))
	for id, kind := range e.Reasons {
		parts = append(parts, fmt.Sprintf("%s: %s", id, kind))
	}
	sort.Strings(parts)
	return "all providers failed: " + strings.Join(parts, ", ")
}

type providerEntry struct {
	mu      sync.Mutex
	client  llm.Client
	rotator *keyring.Rotator
	cfg     llm.Config

	available     bool
	errorCount    int
	cooldownUntil time.Time
	lastUsed      bool
	lastErrorKind llm.ErrorKind
}

// maxBackoffFactor caps the exponential cooldown multiplier.
const maxBackoffFactor = 8

// Engine routes calls across providers with cooldown tracking and fallback.
type Engine struct {
	mu        sync.RWMutex
	providers map[llm.ProviderID]*providerEntry
	order     []llm.ProviderID

	bus       *events.Bus
	collector *stats.Collector
	logger    *slog.Logger

	// Seams for tests.
	now   func() time.Time
	sleep func(context.Context, time.Duration) error
}

// Option configures an Engine.
type Option func(*Engine)

// WithEventBus attaches an event bus for state-change notifications.
func WithEventBus(bus *events.Bus) Option {
	return func(e *Engine) { e.bus = bus }
}

// WithStats attaches a stats collector fed on every provider call.
func WithStats(c *stats.Collector) Option {
	return func(e *Engine) { e.collector = c }
}

// WithClock overrides the engine clock.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithSleep overrides the retry backoff sleep.
func WithSleep(fn func(context.Context, time.Duration) error) Option {
	return func(e *Engine) { e.sleep = fn }
}

// NewEngine creates an engine with no providers registered.
func NewEngine(logger *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		providers: make(map[llm.ProviderID]*providerEntry),
		logger:    logger,
		now:       time.Now,
		sleep:     sleepCtx,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Register adds a provider. A provider registered with no keys is tracked as
// disabled; the selection policy skips it but status endpoints report it.
func (e *Engine) Register(client llm.Client, rotator *keyring.Rotator, cfg llm.Config) {
	e.mu.Lock()
	defer e.mu.Unlock()

	id := client.ID()
	e.providers[id] = &providerEntry{
		client:    client,
		rotator:   rotator,
		cfg:       cfg,
		available: rotator != nil && rotator.Len() > 0,
	}

	// Preferred ordering follows llm.AllProviders, filtered to registered.
	e.order = e.order[:0]
	for _, p := range llm.AllProviders {
		if _, ok := e.providers[p]; ok {
			e.order = append(e.order, p)
		}
	}
}

// Client returns the registered client for a provider.
func (e *Engine) Client(id llm.ProviderID) (llm.Client, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	entry, ok := e.providers[id]
	if !ok {
		return nil, false
	}
	return entry.client, true
}

// Config returns the registered config for a provider.
func (e *Engine) Config(id llm.ProviderID) (llm.Config, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	entry, ok := e.providers[id]
	if !ok {
		return llm.Config{}, false
	}
	return entry.cfg, true
}

// Providers returns the registered provider IDs in preferred order.
func (e *Engine) Providers() []llm.ProviderID {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]llm.ProviderID, len(e.order))
	copy(out, e.order)
	return out
}

func (e *Engine) entry(id llm.ProviderID) *providerEntry {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.providers[id]
}

func (entry *providerEntry) stateLocked(now time.Time) State {
	if !entry.available {
		return StateDisabled
	}
	if now.Before(entry.cooldownUntil) {
		return StateCooldown
	}
	return StateReady
}

// StatusOf reports the current state of one provider.
func (e *Engine) StatusOf(id llm.ProviderID) (Status, bool) {
	entry := e.entry(id)
	if entry == nil {
		return Status{}, false
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return e.statusLocked(id, entry), true
}

func (e *Engine) statusLocked(id llm.ProviderID, entry *providerEntry) Status {
	s := Status{
		Provider:   id,
		State:      entry.stateLocked(e.now()),
		Available:  entry.available,
		ErrorCount: entry.errorCount,
		LastUsed:   entry.lastUsed,
	}
	if !entry.cooldownUntil.IsZero() && e.now().Before(entry.cooldownUntil) {
		s.CooldownUntil = entry.cooldownUntil
	}
	if entry.lastErrorKind != "" {
		s.LastErrorKind = string(entry.lastErrorKind)
	}
	return s
}

// Statuses reports all providers in preferred order.
func (e *Engine) Statuses() []Status {
	out := make([]Status, 0)
	for _, id := range e.Providers() {
		if s, ok := e.StatusOf(id); ok {
			out = append(out, s)
		}
	}
	return out
}

// SetAvailable flips a provider's availability. The prober uses it to
// re-enable providers whose endpoint has become reachable.
func (e *Engine) SetAvailable(id llm.ProviderID, available bool, reason string) {
	entry := e.entry(id)
	if entry == nil {
		return
	}
	entry.mu.Lock()
	old := entry.stateLocked(e.now())
	entry.available = available
	if available {
		entry.errorCount = 0
		entry.cooldownUntil = time.Time{}
	}
	next := entry.stateLocked(e.now())
	entry.mu.Unlock()

	if old != next {
		e.publishStateChange(id, old, next, reason)
	}
}

// candidates returns providers to try, in order: the last successful provider
// if READY, then the preferred ordering filtered to READY. skip is excluded
// entirely.
func (e *Engine) candidates(skip llm.ProviderID) []llm.ProviderID {
	now := e.now()
	var last llm.ProviderID
	ready := make([]llm.ProviderID, 0, 4)

	for _, id := range e.Providers() {
		if id == skip {
			continue
		}
		entry := e.entry(id)
		entry.mu.Lock()
		st := entry.stateLocked(now)
		isLast := entry.lastUsed
		entry.mu.Unlock()
		if st != StateReady {
			continue
		}
		if isLast {
			last = id
			continue
		}
		ready = append(ready, id)
	}

	if last != "" {
		return append([]llm.ProviderID{last}, ready...)
	}
	return ready
}

// GetResponse tries providers in selection order until one returns a
// response. It returns the winning provider alongside the text.
func (e *Engine) GetResponse(ctx context.Context, msgs []llm.Message, system string, p llm.Params) (string, llm.ProviderID, error) {
	return e.getResponse(ctx, "", msgs, system, p)
}

// GetFallbackResponse is GetResponse with the designated primary excluded.
// Callers use it when the primary is already known to be broken for this
// request class.
func (e *Engine) GetFallbackResponse(ctx context.Context, skip llm.ProviderID, msgs []llm.Message, system string, p llm.Params) (string, llm.ProviderID, error) {
	return e.getResponse(ctx, skip, msgs, system, p)
}

func (e *Engine) getResponse(ctx context.Context, skip llm.ProviderID, msgs []llm.Message, system string, p llm.Params) (string, llm.ProviderID, error) {
	reasons := make(map[llm.ProviderID]llm.ErrorKind)

	for _, id := range e.candidates(skip) {
		text, err := e.InvokeProvider(ctx, id, msgs, system, p)
		if err == nil {
			return text, id, nil
		}
		if ctx.Err() != nil {
			return "", "", ctx.Err()
		}
		reasons[id] = kindOf(err)
		e.logger.Warn("provider failed, falling back",
			slog.String("provider", string(id)),
			slog.String("error_kind", string(reasons[id])),
		)
	}

	if len(reasons) == 0 {
		return "", "", &AggregateError{Reasons: map[llm.ProviderID]llm.ErrorKind{}}
	}
	return "", "", &AggregateError{Reasons: reasons}
}

// InvokeProvider calls one specific provider with the engine's retry loop.
// Unlike GetResponse it does not fall back; unavailable providers return
// ErrProviderUnavailable immediately.
func (e *Engine) InvokeProvider(ctx context.Context, id llm.ProviderID, msgs []llm.Message, system string, p llm.Params) (string, error) {
	entry := e.entry(id)
	if entry == nil {
		return "", fmt.Errorf("unknown provider %q", id)
	}

	entry.mu.Lock()
	st := entry.stateLocked(e.now())
	until := entry.cooldownUntil
	entry.mu.Unlock()
	if st != StateReady {
		return "", &ErrProviderUnavailable{Provider: id, State: st, Until: until}
	}

	attempts := entry.cfg.RetryAttempts + 1
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if err := e.sleep(ctx, time.Duration(1<<attempt)*time.Second); err != nil {
				return "", err
			}
		}

		start := e.now()
		text, err := entry.client.Invoke(ctx, msgs, system, p)
		latency := time.Since(start)

		if err == nil {
			e.recordSuccess(id, entry, latency, countTokens(msgs, system), text)
			return text, nil
		}
		lastErr = err

		ce := entry.client.ClassifyError(err)
		terminal := ce.Kind.Terminal()
		e.recordFailure(id, entry, ce, latency, attempt == attempts-1 || terminal)
		if terminal || ctx.Err() != nil {
			break
		}
	}
	return "", lastErr
}

// chunkedStream wraps an underlying provider stream, replaying the committed
// first chunk before the remainder.
type chunkedStream struct {
	first    string
	consumed bool
	inner    llm.Stream
}

func (s *chunkedStream) Recv() (string, error) {
	if !s.consumed {
		s.consumed = true
		return s.first, nil
	}
	return s.inner.Recv()
}

func (s *chunkedStream) Close() error { return s.inner.Close() }

// GetStream selects a provider and opens a stream. The provider commits on
// its first produced chunk: failures before the first chunk fall through to
// the next candidate, failures after it surface to the caller because a
// partial response has already been delivered.
func (e *Engine) GetStream(ctx context.Context, preferred llm.ProviderID, msgs []llm.Message, system string, p llm.Params) (llm.Stream, llm.ProviderID, error) {
	order := e.candidates("")
	if preferred != "" {
		// A user-pinned provider is tried first when READY.
		reordered := make([]llm.ProviderID, 0, len(order))
		for _, id := range order {
			if id == preferred {
				reordered = append([]llm.ProviderID{id}, reordered...)
			} else {
				reordered = append(reordered, id)
			}
		}
		order = reordered
	}

	reasons := make(map[llm.ProviderID]llm.ErrorKind)

	for _, id := range order {
		stream, err := e.openStream(ctx, id, msgs, system, p)
		if err == nil {
			return stream, id, nil
		}
		if ctx.Err() != nil {
			return nil, "", ctx.Err()
		}
		reasons[id] = kindOf(err)
		e.logger.Warn("stream open failed, falling back",
			slog.String("provider", string(id)),
			slog.String("error_kind", string(reasons[id])),
		)
	}
	return nil, "", &AggregateError{Reasons: reasons}
}

// openStream opens a stream on one provider and waits for its first chunk.
func (e *Engine) openStream(ctx context.Context, id llm.ProviderID, msgs []llm.Message, system string, p llm.Params) (llm.Stream, error) {
	entry := e.entry(id)
	if entry == nil {
		return nil, fmt.Errorf("unknown provider %q", id)
	}

	start := e.now()
	inner, err := entry.client.InvokeStream(ctx, msgs, system, p)
	if err != nil {
		ce := entry.client.ClassifyError(err)
		e.recordFailure(id, entry, ce, time.Since(start), true)
		return nil, err
	}

	first, err := inner.Recv()
	if err != nil {
		_ = inner.Close()
		ce := entry.client.ClassifyError(err)
		e.recordFailure(id, entry, ce, time.Since(start), true)
		return nil, err
	}

	// First chunk produced: the provider is committed.
	e.recordSuccess(id, entry, time.Since(start), countTokens(msgs, system), first)
	return &chunkedStream{first: first, inner: inner}, nil
}

// RecordExternalResult feeds an externally performed provider call into the
// state machine. The fan-out dispatcher uses it for calls it ran itself.
func (e *Engine) RecordExternalResult(id llm.ProviderID, latency time.Duration, err error) {
	entry := e.entry(id)
	if entry == nil {
		return
	}
	if err == nil {
		e.recordSuccess(id, entry, latency, 0, "")
		return
	}
	ce := entry.client.ClassifyError(err)
	e.recordFailure(id, entry, ce, latency, true)
}

func (e *Engine) recordSuccess(id llm.ProviderID, entry *providerEntry, latency time.Duration, inputTokens int, text string) {
	entry.mu.Lock()
	old := entry.stateLocked(e.now())
	entry.errorCount = 0
	entry.cooldownUntil = time.Time{}
	entry.lastErrorKind = ""
	entry.lastUsed = true
	next := entry.stateLocked(e.now())
	entry.rotator.Advance()
	entry.mu.Unlock()

	// Exactly one provider holds the last-used marker.
	e.clearLastUsedExcept(id)

	if e.collector != nil {
		e.collector.Record(stats.Snapshot{
			Provider:     string(id),
			LatencyMs:    float64(latency.Milliseconds()),
			Success:      true,
			InputTokens:  inputTokens,
			OutputTokens: approxTokens(text),
		})
	}
	if e.bus != nil {
		e.bus.Publish(events.Event{
			Type:      events.EventRouteSuccess,
			Provider:  string(id),
			LatencyMs: float64(latency.Milliseconds()),
		})
		e.bus.Publish(events.Event{
			Type:     events.EventKeyRotated,
			Provider: string(id),
			Reason:   "post_success_rotation",
		})
	}
	if old != next {
		e.publishStateChange(id, old, next, "success")
	}
}

func (e *Engine) clearLastUsedExcept(keep llm.ProviderID) {
	for _, other := range e.Providers() {
		if other == keep {
			continue
		}
		oe := e.entry(other)
		oe.mu.Lock()
		oe.lastUsed = false
		oe.mu.Unlock()
	}
}

// recordFailure applies a classified failure. exhausted marks the final
// attempt for this call; only then does the provider enter cooldown.
func (e *Engine) recordFailure(id llm.ProviderID, entry *providerEntry, ce *llm.ClassifiedError, latency time.Duration, exhausted bool) {
	entry.mu.Lock()
	now := e.now()
	old := entry.stateLocked(now)
	entry.errorCount++
	entry.lastErrorKind = ce.Kind

	if exhausted || ce.Kind.Terminal() {
		// 2^errorCount capped at maxBackoffFactor (exponent 3).
		factor := 1 << min(entry.errorCount, 3)
		cooldown := entry.cfg.Cooldown() * time.Duration(factor)
		if ce.RetryAfter > 0 {
			// The backend told us when to come back; honor the longer of the two.
			ra := time.Duration(ce.RetryAfter) * time.Second
			if ra > cooldown {
				cooldown = ra
			}
		}
		entry.cooldownUntil = now.Add(cooldown)
	}

	if ce.Kind == llm.ErrRateLimit {
		entry.rotator.Advance()
	}
	next := entry.stateLocked(now)
	entry.mu.Unlock()

	if e.collector != nil {
		e.collector.Record(stats.Snapshot{
			Provider:  string(id),
			LatencyMs: float64(latency.Milliseconds()),
			Success:   false,
		})
	}
	if e.bus != nil {
		e.bus.Publish(events.Event{
			Type:      events.EventRouteError,
			Provider:  string(id),
			LatencyMs: float64(latency.Milliseconds()),
			ErrorKind: string(ce.Kind),
			ErrorMsg:  ce.Err.Error(),
		})
		if ce.Kind == llm.ErrRateLimit {
			e.bus.Publish(events.Event{
				Type:     events.EventKeyRotated,
				Provider: string(id),
				Reason:   "rate_limit",
			})
		}
	}
	if old != next {
		e.publishStateChange(id, old, next, string(ce.Kind))
	}
}

func (e *Engine) publishStateChange(id llm.ProviderID, old, next State, reason string) {
	e.logger.Info("provider state change",
		slog.String("provider", string(id)),
		slog.String("from", string(old)),
		slog.String("to", string(next)),
		slog.String("reason", reason),
	)
	if e.bus != nil {
		e.bus.Publish(events.Event{
			Type:     events.EventProviderState,
			Provider: string(id),
			OldState: string(old),
			NewState: string(next),
			Reason:   reason,
		})
	}
}

func kindOf(err error) llm.ErrorKind {
	var ce *llm.ClassifiedError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	var pu *ErrProviderUnavailable
	if errors.As(err, &pu) {
		return llm.ErrUnknown
	}
	return llm.Classify(err).Kind
}

// approxTokens is a cheap word-based token estimate for stats; the
// accounting package does the precise tiktoken count.
func approxTokens(text string) int {
	if text == "" {
		return 0
	}
	return len(strings.Fields(text)) * 4 / 3
}

func countTokens(msgs []llm.Message, system string) int {
	n := approxTokens(system)
	for _, m := range msgs {
		n += approxTokens(m.Content)
	}
	return n
}
