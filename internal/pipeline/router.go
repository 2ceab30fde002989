package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/promptgate/promptgate/internal/accounting"
	"github.com/promptgate/promptgate/internal/contextstore"
	"github.com/promptgate/promptgate/internal/fallback"
	"github.com/promptgate/promptgate/internal/llm"
	"github.com/promptgate/promptgate/internal/relevance"
	"github.com/promptgate/promptgate/internal/scoring"
	"github.com/promptgate/promptgate/internal/strategy"
	"github.com/promptgate/promptgate/internal/websearch"
)

// EventType discriminates SSE events emitted by the pipeline.
type EventType string

const (
	EventStatus   EventType = "status"
	EventContent  EventType = "content"
	EventComplete EventType = "complete"
	EventError    EventType = "error"
)

// Event is one SSE payload. Exactly one terminal event (complete or error)
// is emitted per request, always last.
type Event struct {
	Type    EventType
	Payload map[string]any
}

// EmitFunc delivers one event to the client. A non-nil return means the
// client is gone and the pipeline must stop emitting.
type EmitFunc func(Event) error

const (
	// Sources below this relevance score are not fetched.
	scoreThreshold = 0.6
	// Safety cap against runaway provider streams.
	defaultMaxChunks    = 10000
	defaultMaxPromptLen = 8000
	// Re-enhancement attempts after a settings violation, non-streaming only.
	maxValidationRetries = 2
)

// Deps are the collaborators the router dispatches to.
type Deps struct {
	Engine     *fallback.Engine
	Scorer     *scoring.Engine
	Planner    *relevance.Planner
	Strategies *strategy.Store
	Web        *websearch.Client
	Contexts   *contextstore.Store
	Accounts   *accounting.Client
	Deductor   accounting.Deductor
	Logger     *slog.Logger
}

// Router drives one enhancement request through the pipeline phases.
type Router struct {
	deps         Deps
	maxPromptLen int
	maxChunks    int
}

// Option configures a Router.
type Option func(*Router)

// WithMaxPromptLen bounds accepted prompt length.
func WithMaxPromptLen(n int) Option {
	return func(r *Router) { r.maxPromptLen = n }
}

// WithMaxChunks bounds the number of stream chunks forwarded per request.
func WithMaxChunks(n int) Option {
	return func(r *Router) { r.maxChunks = n }
}

// NewRouter creates a router over the given collaborators.
func NewRouter(deps Deps, opts ...Option) *Router {
	r := &Router{
		deps:         deps,
		maxPromptLen: defaultMaxPromptLen,
		maxChunks:    defaultMaxChunks,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// MaxPromptLen reports the configured prompt-length bound for parsing.
func (r *Router) MaxPromptLen() int { return r.maxPromptLen }

// Result is the outcome of a non-streaming enhancement.
type Result struct {
	EnhancedPrompt      string           `json:"enhanced_prompt"`
	SuggestedLLM        llm.ProviderID   `json:"suggested_llm"`
	Domain              string           `json:"domain,omitempty"`
	RelevanceAnalysis   relevance.Report `json:"relevance_analysis"`
	DocumentContextUsed bool             `json:"document_context_used"`
	Metadata            map[string]any   `json:"metadata"`
}

func errorPayload(requestID, msg string) map[string]any {
	return map[string]any{
		"error":        msg,
		"request_id":   requestID,
		"support_info": fmt.Sprintf("Include request ID %s when contacting support", requestID),
	}
}

// sourceCatalog builds the planner's source list. document_context is
// offered only when the request carries a context_id.
func sourceCatalog(req *Request) map[string]relevance.Source {
	sources := map[string]relevance.Source{
		SourceWebContext: {Description: "live web search results related to the prompt topic"},
		SourceStrategy:   {Description: "curated prompt-engineering strategy for the target model"},
		SourceChatHistory: {
			Description: "recent conversation history supplied by the client",
		},
	}
	if req.ContextID != "" {
		sources[SourceDocumentContext] = relevance.Source{
			Description: "excerpts from a document the user uploaded for this request",
			Metadata:    map[string]string{"context_id": req.ContextID},
		}
	}
	return sources
}

// targetProvider resolves the provider: the user hint when given, else the
// query-aware best candidate.
func (r *Router) targetProvider(req *Request) llm.ProviderID {
	if req.LLM != "" {
		return req.LLM
	}
	best, _ := r.deps.Scorer.BestTwoForQuery(req.Prompt)
	return best
}

// gather runs the score-gated context fetches concurrently. One failed
// source never aborts the others. document_context is fetched whenever a
// context_id is present, regardless of score.
func (r *Router) gather(ctx context.Context, req *Request, report relevance.Report, target llm.ProviderID) map[string]string {
	gathered := map[string]string{}
	var mu sync.Mutex
	set := func(key, val string) {
		if val == "" {
			return
		}
		mu.Lock()
		gathered[key] = val
		mu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)

	if report.Scores[SourceWebContext] > scoreThreshold && r.deps.Web != nil && r.deps.Web.Enabled() {
		g.Go(func() error {
			set(SourceWebContext, r.deps.Web.FetchContext(gctx, req.Prompt, websearch.TypeWeb, 5))
			return nil
		})
	}

	if report.Scores[SourceStrategy] > scoreThreshold && r.deps.Strategies != nil {
		g.Go(func() error {
			set(SourceStrategy, r.deps.Strategies.Best(gctx, target, req.Domain, req.Prompt))
			return nil
		})
	}

	if req.ContextID != "" && r.deps.Contexts != nil {
		g.Go(func() error {
			chunks, err := r.deps.Contexts.FindSimilar(gctx, req.ContextID, req.Prompt, 3, true)
			if err != nil {
				r.deps.Logger.Warn("document context fetch failed",
					slog.String("context_id", req.ContextID),
					slog.String("error", err.Error()),
				)
				return nil
			}
			var parts []string
			for _, c := range chunks {
				parts = append(parts, c.Text)
			}
			set(SourceDocumentContext, joinBlocks(parts))
			return nil
		})
	}

	if report.Scores[SourceChatHistory] > scoreThreshold {
		set(SourceChatHistory, req.Context[SourceChatHistory])
	}

	_ = g.Wait()
	return gathered
}

// usedSources lists the sources that actually contributed gathered content,
// in stable order, for the relevance report echoed to the client.
func usedSources(gathered map[string]string) []string {
	names := make([]string, 0, len(gathered))
	for name := range gathered {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func joinBlocks(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += "\n\n"
		}
		out += p
	}
	return out
}

// phaseTimer records per-phase wall time in milliseconds.
type phaseTimer struct {
	start   time.Time
	last    time.Time
	timings map[string]int64
}

func newPhaseTimer() *phaseTimer {
	now := time.Now()
	return &phaseTimer{start: now, last: now, timings: map[string]int64{}}
}

func (t *phaseTimer) mark(phase string) {
	now := time.Now()
	t.timings[phase] = now.Sub(t.last).Milliseconds()
	t.last = now
}

func (t *phaseTimer) totalMs() int64 { return time.Since(t.start).Milliseconds() }

// Stream runs the full pipeline, emitting SSE events through emit. It
// guarantees exactly one terminal event unless the client disconnects.
func (r *Router) Stream(ctx context.Context, requestID string, req *Request, emit EmitFunc) {
	timer := newPhaseTimer()
	log := r.deps.Logger.With(slog.String("request_id", requestID))

	if err := emit(Event{Type: EventStatus, Payload: map[string]any{
		"status":  "initializing",
		"message": "request accepted",
	}}); err != nil {
		return
	}

	// Phase 1: relevance planning over the source catalog.
	sources := sourceCatalog(req)
	report := r.deps.Planner.Plan(ctx, req.Prompt, sources)
	timer.mark("planning")
	if err := emit(Event{Type: EventStatus, Payload: map[string]any{
		"status":           "analyzing",
		"message":          "relevance analysis complete",
		"overall_strategy": string(report.OverallStrategy),
	}}); err != nil {
		return
	}

	// Phase 2: accounting precheck, fatal for paid users.
	if r.deps.Accounts != nil && r.deps.Accounts.Enabled() && !accounting.Exempt(req.UserID) {
		if err := r.deps.Accounts.Precheck(ctx, req.UserID); err != nil {
			log.Warn("accounting precheck failed", slog.String("error", err.Error()))
			_ = emit(Event{Type: EventError, Payload: errorPayload(requestID, precheckMessage(err))})
			return
		}
	}
	timer.mark("precheck")

	// Phase 3: parallel context gathering.
	target := r.targetProvider(req)
	if err := emit(Event{Type: EventStatus, Payload: map[string]any{
		"status":  "processing",
		"message": "gathering context",
	}}); err != nil {
		return
	}
	gathered := r.gather(ctx, req, report, target)
	report.SourcesUsed = usedSources(gathered)
	timer.mark("gathering")

	// Phase 4: prompt assembly.
	charLimit := 0
	var params llm.Params
	if cfg, ok := r.deps.Engine.Config(target); ok {
		charLimit = cfg.CharLimit
		params = llm.Params{Temperature: cfg.Temperature, MaxTokens: cfg.MaxTokens}
	}
	asm := assemblePrompt(req, gathered, charLimit)
	timer.mark("assembly")

	if err := emit(Event{Type: EventStatus, Payload: map[string]any{
		"status":  "enhancing",
		"message": "generating enhanced prompt",
	}}); err != nil {
		return
	}

	// Phase 5: streaming generation with brand scrubbing and a chunk cap.
	msgs := []llm.Message{{Role: "user", Content: asm.User}}
	stream, selected, err := r.deps.Engine.GetStream(ctx, target, msgs, asm.System, params)
	if err != nil {
		log.Error("all providers failed", slog.String("error", err.Error()))
		_ = emit(Event{Type: EventError, Payload: errorPayload(requestID, "all providers are currently unavailable")})
		return
	}
	defer stream.Close()

	var full []byte
	chunks := 0
	for {
		chunk, recvErr := stream.Recv()
		if recvErr != nil {
			if errors.Is(recvErr, io.EOF) {
				break
			}
			if ctx.Err() != nil {
				// Client gone; no further events.
				return
			}
			log.Error("stream failed mid-generation",
				slog.String("provider", string(selected)),
				slog.String("error", recvErr.Error()),
			)
			_ = emit(Event{Type: EventError, Payload: errorPayload(requestID, "generation was interrupted")})
			return
		}
		chunks++
		if chunks > r.maxChunks {
			log.Warn("stream chunk cap reached", slog.String("provider", string(selected)))
			break
		}
		clean := scrubBrandNames(chunk)
		full = append(full, clean...)
		if err := emit(Event{Type: EventContent, Payload: map[string]any{
			"type":  "content",
			"chunk": clean,
		}}); err != nil {
			return
		}
	}
	timer.mark("generation")

	// Phase 6: validation is observational in streaming mode.
	text := string(full)
	if violations := validateOutput(text, req.Settings); len(violations) > 0 {
		log.Warn("settings validation failed on streamed output",
			slog.Any("violations", violations),
		)
	}
	timer.mark("validation")

	// Phase 7: terminal complete event, then the detached deduction.
	payload := map[string]any{
		"type":                  "complete",
		"enhanced_prompt":       text,
		"suggested_llm":         string(selected),
		"domain":                req.Domain,
		"relevance_analysis":    report,
		"document_context_used": gathered[SourceDocumentContext] != "",
		"metadata":              r.completeMetadata(req, asm, gathered, target, charLimit, text, timer),
	}
	if err := emit(Event{Type: EventComplete, Payload: payload}); err != nil {
		return
	}
	r.scheduleDeduction(req, requestID, text)
}

func precheckMessage(err error) string {
	var ite *accounting.InsufficientTokensError
	if errors.As(err, &ite) {
		return fmt.Sprintf("insufficient tokens: %d remaining, %d required", ite.Remaining, ite.Required)
	}
	return "token accounting is unavailable"
}

func (r *Router) completeMetadata(req *Request, asm assembly, gathered map[string]string, target llm.ProviderID, charLimit int, text string, timer *phaseTimer) map[string]any {
	meta := map[string]any{
		"processing_time_ms": timer.totalMs(),
		"phase_timings_ms":   timer.timings,
		"enhancement_method": asm.Method,
		"settings_applied":   req.Settings != (Settings{}),
		"tokens_deducted":    r.tokensToDeduct(req, text),
	}
	if gathered[SourceStrategy] != "" {
		meta["strategy_source"] = string(target)
	} else {
		meta["strategy_source"] = "none"
	}
	if charLimit > 0 {
		meta["char_limit"] = map[string]any{
			"limit":     charLimit,
			"chars":     len(text),
			"compliant": len(text) <= charLimit,
		}
	}
	return meta
}

func (r *Router) tokensToDeduct(req *Request, text string) int {
	if r.deps.Accounts == nil || !r.deps.Accounts.Enabled() || accounting.Exempt(req.UserID) {
		return 0
	}
	return accounting.EstimateTokens(text)
}

// scheduleDeduction detaches the token deduction from the request
// lifecycle. Failures are logged inside the accounting client, never
// surfaced.
func (r *Router) scheduleDeduction(req *Request, requestID, text string) {
	tokens := r.tokensToDeduct(req, text)
	if tokens == 0 {
		return
	}
	r.deps.Accounts.DeductAsync(accounting.Deduction{
		UserID:    req.UserID,
		Tokens:    tokens,
		RequestID: requestID,
	}, r.deps.Deductor)
}

// Enhance runs the pipeline without streaming. Settings violations trigger
// up to two re-enhancement attempts with a strengthened system message; the
// last attempt's text is kept if violations persist.
func (r *Router) Enhance(ctx context.Context, requestID string, req *Request) (*Result, error) {
	timer := newPhaseTimer()
	log := r.deps.Logger.With(slog.String("request_id", requestID))

	sources := sourceCatalog(req)
	report := r.deps.Planner.Plan(ctx, req.Prompt, sources)
	timer.mark("planning")

	if r.deps.Accounts != nil && r.deps.Accounts.Enabled() && !accounting.Exempt(req.UserID) {
		if err := r.deps.Accounts.Precheck(ctx, req.UserID); err != nil {
			return nil, err
		}
	}
	timer.mark("precheck")

	target := r.targetProvider(req)
	gathered := r.gather(ctx, req, report, target)
	report.SourcesUsed = usedSources(gathered)
	timer.mark("gathering")

	charLimit := 0
	var params llm.Params
	if cfg, ok := r.deps.Engine.Config(target); ok {
		charLimit = cfg.CharLimit
		params = llm.Params{Temperature: cfg.Temperature, MaxTokens: cfg.MaxTokens}
	}
	asm := assemblePrompt(req, gathered, charLimit)
	timer.mark("assembly")

	var (
		text     string
		selected llm.ProviderID
		system   = asm.System
	)
	for attempt := 0; attempt <= maxValidationRetries; attempt++ {
		msgs := []llm.Message{{Role: "user", Content: asm.User}}
		out, provider, err := r.generate(ctx, target, msgs, system, params)
		if err != nil {
			return nil, err
		}
		text = scrubBrandNames(out)
		selected = provider

		violations := validateOutput(text, req.Settings)
		if len(violations) == 0 {
			break
		}
		if attempt == maxValidationRetries {
			log.Warn("settings validation failed after retries",
				slog.Any("violations", violations),
			)
			break
		}
		system = strengthenSystem(asm.System, violations)
	}
	timer.mark("generation")

	result := &Result{
		EnhancedPrompt:      text,
		SuggestedLLM:        selected,
		Domain:              req.Domain,
		RelevanceAnalysis:   report,
		DocumentContextUsed: gathered[SourceDocumentContext] != "",
		Metadata:            r.completeMetadata(req, asm, gathered, target, charLimit, text, timer),
	}
	r.scheduleDeduction(req, requestID, text)
	return result, nil
}

// generate tries the target provider first, then falls back across the
// remaining ready providers.
func (r *Router) generate(ctx context.Context, target llm.ProviderID, msgs []llm.Message, system string, params llm.Params) (string, llm.ProviderID, error) {
	if target != "" {
		out, err := r.deps.Engine.InvokeProvider(ctx, target, msgs, system, params)
		if err == nil {
			return out, target, nil
		}
		return r.deps.Engine.GetFallbackResponse(ctx, target, msgs, system, params)
	}
	return r.deps.Engine.GetResponse(ctx, msgs, system, params)
}
