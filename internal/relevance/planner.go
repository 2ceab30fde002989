// Package relevance scores candidate context sources for a prompt by asking
// an LLM to emit structured JSON, with a degraded default when the planning
// call fails.
package relevance

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/promptgate/promptgate/internal/llm"
)

// Strategy labels how aggressively to enrich the prompt.
type Strategy string

const (
	StrategyMinimal       Strategy = "minimal"
	StrategyStandard      Strategy = "standard"
	StrategyEnriched      Strategy = "enriched"
	StrategyComprehensive Strategy = "comprehensive"
)

// degradedScore is assigned to every source when planning fails.
const degradedScore = 0.5

// Source describes one candidate context source offered to the planner.
type Source struct {
	Description string            `json:"description"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Report is the validated planner output. Created per request, never
// persisted.
type Report struct {
	Scores          map[string]float64 `json:"scores"`
	Reasoning       map[string]string  `json:"reasoning"`
	OverallStrategy Strategy           `json:"overall_strategy"`
	SourcesUsed     []string           `json:"sources_used"`
	Degraded        bool               `json:"degraded,omitempty"`
}

// Responder produces a completion; the fallback engine implements it.
type Responder interface {
	GetResponse(ctx context.Context, msgs []llm.Message, system string, p llm.Params) (string, llm.ProviderID, error)
}

// Planner scores sources via an LLM call.
type Planner struct {
	responder Responder
	timeout   time.Duration
	logger    *slog.Logger
	cache     *ttlCache
}

// Option configures a Planner.
type Option func(*Planner)

// WithTimeout bounds the planning call. Default 5s.
func WithTimeout(d time.Duration) Option {
	return func(p *Planner) { p.timeout = d }
}

// WithCacheTTL sets the report cache TTL. Default 60s; zero disables the
// cache.
func WithCacheTTL(ttl time.Duration) Option {
	return func(p *Planner) { p.cache = newTTLCache(ttl) }
}

// New creates a planner over the given responder.
func New(responder Responder, logger *slog.Logger, opts ...Option) *Planner {
	p := &Planner{
		responder: responder,
		timeout:   5 * time.Second,
		logger:    logger,
		cache:     newTTLCache(60 * time.Second),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

const systemPrompt = `You score how relevant each candidate context source is for enhancing a user prompt.
Respond with JSON only, no prose, in exactly this shape:
{"scores": {"<source>": {"score": <float 0..1>, "reason": "<one sentence>"}}, "overall_strategy": "minimal|standard|enriched|comprehensive"}
Score every listed source. Use "minimal" when the prompt is self-contained, "comprehensive" when several sources would each add substantial value.`

// Plan returns a validated report for the prompt and source catalog. On any
// failure it returns the degraded report and logs the cause.
func (p *Planner) Plan(ctx context.Context, prompt string, sources map[string]Source) Report {
	if len(sources) == 0 {
		return Report{
			Scores:          map[string]float64{},
			Reasoning:       map[string]string{},
			OverallStrategy: StrategyMinimal,
		}
	}

	key := cacheKey(prompt, sources)
	if p.cache != nil {
		if cached, ok := p.cache.get(key); ok {
			return cached
		}
	}

	report, err := p.plan(ctx, prompt, sources)
	if err != nil {
		p.logger.Warn("relevance planning degraded",
			slog.String("error", err.Error()),
		)
		return degradedReport(sources)
	}

	if p.cache != nil {
		p.cache.put(key, report)
	}
	return report
}

func (p *Planner) plan(ctx context.Context, prompt string, sources map[string]Source) (Report, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	var catalog strings.Builder
	for _, name := range sortedNames(sources) {
		fmt.Fprintf(&catalog, "- %s: %s\n", name, sources[name].Description)
	}

	user := fmt.Sprintf("User prompt:\n%s\n\nCandidate sources:\n%s", prompt, catalog.String())
	raw, _, err := p.responder.GetResponse(ctx, []llm.Message{{Role: "user", Content: user}}, systemPrompt, llm.Params{Temperature: 0.1, MaxTokens: 512})
	if err != nil {
		return Report{}, fmt.Errorf("planning call: %w", err)
	}

	return parseReport(raw, sources)
}

// parseReport validates raw planner output: unknown sources are dropped,
// scores clamped to [0,1], missing sources default to 0.
func parseReport(raw string, sources map[string]Source) (Report, error) {
	var parsed struct {
		Scores map[string]struct {
			Score  float64 `json:"score"`
			Reason string  `json:"reason"`
		} `json:"scores"`
		OverallStrategy string `json:"overall_strategy"`
	}
	if err := json.Unmarshal([]byte(extractJSON(raw)), &parsed); err != nil {
		return Report{}, fmt.Errorf("parse planner output: %w", err)
	}

	report := Report{
		Scores:          make(map[string]float64, len(sources)),
		Reasoning:       make(map[string]string, len(sources)),
		OverallStrategy: validStrategy(parsed.OverallStrategy),
	}
	for name := range sources {
		if entry, ok := parsed.Scores[name]; ok {
			report.Scores[name] = clamp01(entry.Score)
			report.Reasoning[name] = entry.Reason
		} else {
			report.Scores[name] = 0
		}
	}
	return report, nil
}

// extractJSON strips markdown code fences and surrounding prose, returning
// the outermost JSON object.
func extractJSON(raw string) string {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return raw
	}
	return raw[start : end+1]
}

func validStrategy(s string) Strategy {
	switch Strategy(s) {
	case StrategyMinimal, StrategyStandard, StrategyEnriched, StrategyComprehensive:
		return Strategy(s)
	default:
		return StrategyStandard
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func degradedReport(sources map[string]Source) Report {
	report := Report{
		Scores:          make(map[string]float64, len(sources)),
		Reasoning:       make(map[string]string, len(sources)),
		OverallStrategy: StrategyStandard,
		Degraded:        true,
	}
	for name := range sources {
		report.Scores[name] = degradedScore
	}
	return report
}

func sortedNames(sources map[string]Source) []string {
	names := make([]string, 0, len(sources))
	for name := range sources {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func cacheKey(prompt string, sources map[string]Source) string {
	h := sha256.New()
	h.Write([]byte(prompt))
	for _, name := range sortedNames(sources) {
		h.Write([]byte{0})
		h.Write([]byte(name))
	}
	return fmt.Sprintf("%x", h.Sum(nil))
}

// ttlCache is a minimal expiring map for planner reports.
type ttlCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]ttlEntry
}

type ttlEntry struct {
	report  Report
	expires time.Time
}

func newTTLCache(ttl time.Duration) *ttlCache {
	if ttl <= 0 {
		return nil
	}
	return &ttlCache{ttl: ttl, entries: make(map[string]ttlEntry)}
}

func (c *ttlCache) get(key string) (Report, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || time.Now().After(e.expires) {
		delete(c.entries, key)
		return Report{}, false
	}
	return e.report, true
}

func (c *ttlCache) put(key string, report Report) {
	c.mu.Lock()
	defer c.mu.Unlock()
	// Opportunistic sweep keeps the map bounded without a background timer.
	now := time.Now()
	for k, e := range c.entries {
		if now.After(e.expires) {
			delete(c.entries, k)
		}
	}
	c.entries[key] = ttlEntry{report: report, expires: now.Add(c.ttl)}
}
