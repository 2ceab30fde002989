package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/promptgate/promptgate/internal/accounting"
	"github.com/promptgate/promptgate/internal/fallback"
	"github.com/promptgate/promptgate/internal/llm"
	"github.com/promptgate/promptgate/internal/pipeline"
)

// EnhanceStreamHandler runs the full enhancement pipeline over SSE.
// Validation failures are rejected with a 400 before any streaming begins,
// so no provider call is ever made for a bad request.
func EnhanceStreamHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			jsonError(w, r, "failed to read request body", http.StatusBadRequest)
			return
		}
		req, err := pipeline.ParseRequest(body, d.Router.MaxPromptLen())
		if err != nil {
			jsonError(w, r, err.Error(), http.StatusBadRequest)
			return
		}

		sse, err := newSSEWriter(w)
		if err != nil {
			jsonError(w, r, err.Error(), http.StatusInternalServerError)
			return
		}

		requestID := RequestIDFrom(r)
		start := time.Now()
		chunks := 0
		var selected string
		status := "ok"

		d.Router.Stream(r.Context(), requestID, req, func(e pipeline.Event) error {
			switch e.Type {
			case pipeline.EventContent:
				chunks++
			case pipeline.EventComplete:
				selected, _ = e.Payload["suggested_llm"].(string)
			case pipeline.EventError:
				status = "error"
			}
			return sse.Emit(e)
		})

		if d.Metrics != nil {
			d.Metrics.RequestsTotal.WithLabelValues("/enhance/stream", selected, status).Inc()
			if selected != "" {
				d.Metrics.RequestLatency.WithLabelValues("/enhance/stream", selected).Observe(float64(time.Since(start).Milliseconds()))
				d.Metrics.StreamChunks.WithLabelValues(selected).Add(float64(chunks))
			}
		}
		code := http.StatusOK
		if status != "ok" {
			code = http.StatusBadGateway
		}
		logRequest(d, r, "/enhance/stream", selected, time.Since(start), code, nil)
	}
}

// EnhanceHandler runs the pipeline without streaming. Output validation
// retries apply on this path only.
func EnhanceHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			jsonError(w, r, "failed to read request body", http.StatusBadRequest)
			return
		}
		req, err := pipeline.ParseRequest(body, d.Router.MaxPromptLen())
		if err != nil {
			jsonError(w, r, err.Error(), http.StatusBadRequest)
			return
		}

		requestID := RequestIDFrom(r)
		start := time.Now()
		res, err := d.Router.Enhance(r.Context(), requestID, req)
		if err != nil {
			var insufficient *accounting.InsufficientTokensError
			var agg *fallback.AggregateError
			code := http.StatusInternalServerError
			msg := "enhancement failed"
			switch {
			case errors.As(err, &insufficient):
				code, msg = http.StatusPaymentRequired, err.Error()
			case errors.As(err, &agg):
				code, msg = http.StatusServiceUnavailable, "all providers are currently unavailable"
			}
			jsonError(w, r, msg, code)
			logRequest(d, r, "/enhance", "", time.Since(start), code, err)
			return
		}

		if d.Metrics != nil {
			d.Metrics.RequestsTotal.WithLabelValues("/enhance", string(res.SuggestedLLM), "ok").Inc()
			d.Metrics.RequestLatency.WithLabelValues("/enhance", string(res.SuggestedLLM)).Observe(float64(time.Since(start).Milliseconds()))
		}
		logRequest(d, r, "/enhance", string(res.SuggestedLLM), time.Since(start), http.StatusOK, nil)

		writeJSON(w, http.StatusOK, map[string]any{
			"enhanced_prompt":       res.EnhancedPrompt,
			"suggested_llm":         res.SuggestedLLM,
			"domain":                res.Domain,
			"relevance_analysis":    res.RelevanceAnalysis,
			"document_context_used": res.DocumentContextUsed,
			"metadata":              res.Metadata,
			"request_id":            requestID,
		})
	}
}

// promptBody is the common request shape of the helper endpoints.
type promptBody struct {
	Prompt  string            `json:"prompt"`
	QAPairs []qaPair          `json:"qa_pairs,omitempty"`
	Context map[string]string `json:"context,omitempty"`
}

type qaPair struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

func decodePrompt(w http.ResponseWriter, r *http.Request) (*promptBody, bool) {
	var body promptBody
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&body); err != nil {
		jsonError(w, r, "invalid request body", http.StatusBadRequest)
		return nil, false
	}
	body.Prompt = strings.TrimSpace(body.Prompt)
	if body.Prompt == "" {
		jsonError(w, r, "prompt is required", http.StatusBadRequest)
		return nil, false
	}
	return &body, true
}

// respondOrFail maps provider exhaustion to 503 and everything else to 500.
func respondOrFail(d Dependencies, w http.ResponseWriter, r *http.Request, system, user string) (string, llm.ProviderID, bool) {
	out, provider, err := d.Engine.GetResponse(r.Context(),
		[]llm.Message{{Role: "user", Content: user}}, system, llm.Params{})
	if err != nil {
		var agg *fallback.AggregateError
		if errors.As(err, &agg) {
			jsonError(w, r, err.Error(), http.StatusServiceUnavailable)
		} else {
			jsonError(w, r, "generation failed", http.StatusInternalServerError)
		}
		d.Logger.Error("helper generation failed",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
		return "", "", false
	}
	return out, provider, true
}

// RefineHandler folds question/answer pairs back into an improved prompt.
func RefineHandler(d Dependencies) http.HandlerFunc {
	const system = `You are an expert prompt engineer. The user answered clarifying questions about their original prompt. Fold those answers into a single refined prompt that no longer needs clarification. Return only the refined prompt.`
	return func(w http.ResponseWriter, r *http.Request) {
		body, ok := decodePrompt(w, r)
		if !ok {
			return
		}
		var b strings.Builder
		fmt.Fprintf(&b, "Original prompt:\n%s\n", body.Prompt)
		for _, qa := range body.QAPairs {
			fmt.Fprintf(&b, "\nQ: %s\nA: %s\n", qa.Question, qa.Answer)
		}
		out, provider, ok := respondOrFail(d, w, r, system, b.String())
		if !ok {
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"refined_prompt": out,
			"provider":       provider,
			"request_id":     RequestIDFrom(r),
		})
	}
}

// ClarifyHandler asks for the clarifying questions a prompt needs.
func ClarifyHandler(d Dependencies) http.HandlerFunc {
	const system = `You generate clarifying questions for ambiguous prompts. Respond with JSON only: {"questions": ["...", "..."]}. Ask at most five questions; ask none if the prompt is already unambiguous.`
	return func(w http.ResponseWriter, r *http.Request) {
		body, ok := decodePrompt(w, r)
		if !ok {
			return
		}
		out, _, ok := respondOrFail(d, w, r, system, body.Prompt)
		if !ok {
			return
		}
		var parsed struct {
			Questions []string `json:"questions"`
		}
		if err := json.Unmarshal([]byte(extractJSONObject(out)), &parsed); err != nil {
			// Fall back to treating each non-empty line as a question.
			for _, line := range strings.Split(out, "\n") {
				if line = strings.TrimSpace(line); line != "" {
					parsed.Questions = append(parsed.Questions, line)
				}
			}
		}
		if parsed.Questions == nil {
			parsed.Questions = []string{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"questions": parsed.Questions})
	}
}

// RecommendationHandler produces a one-line recommendation of roughly
// seventeen words.
func RecommendationHandler(d Dependencies) http.HandlerFunc {
	const system = `Recommend how the user should approach their request. Respond with exactly one sentence of about seventeen words, no preamble.`
	return func(w http.ResponseWriter, r *http.Request) {
		body, ok := decodePrompt(w, r)
		if !ok {
			return
		}
		out, _, ok := respondOrFail(d, w, r, system, body.Prompt)
		if !ok {
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"recommendation": strings.TrimSpace(out),
		})
	}
}

// AnalyzeQualityHandler grades a prompt good/ok/bad with reasons.
func AnalyzeQualityHandler(d Dependencies) http.HandlerFunc {
	const system = `You grade prompt quality. Respond with JSON only: {"quality": "good"|"ok"|"bad", "score": <float 0..1>, "reasons": ["..."]}.`
	return func(w http.ResponseWriter, r *http.Request) {
		body, ok := decodePrompt(w, r)
		if !ok {
			return
		}
		out, _, ok := respondOrFail(d, w, r, system, body.Prompt)
		if !ok {
			return
		}
		var parsed struct {
			Quality string   `json:"quality"`
			Score   float64  `json:"score"`
			Reasons []string `json:"reasons"`
		}
		if err := json.Unmarshal([]byte(extractJSONObject(out)), &parsed); err != nil {
			parsed = struct {
				Quality string   `json:"quality"`
				Score   float64  `json:"score"`
				Reasons []string `json:"reasons"`
			}{Quality: "ok", Score: 0.5, Reasons: []string{"analysis unavailable"}}
		}
		switch parsed.Quality {
		case "good", "ok", "bad":
		default:
			parsed.Quality = "ok"
		}
		if parsed.Score < 0 {
			parsed.Score = 0
		}
		if parsed.Score > 1 {
			parsed.Score = 1
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"quality": parsed.Quality,
			"score":   parsed.Score,
			"reasons": parsed.Reasons,
		})
	}
}

// IdentifyIntentHandler classifies a prompt into an intent category.
func IdentifyIntentHandler(d Dependencies) http.HandlerFunc {
	const system = `Classify the user's intent. Respond with JSON only: {"intent": "<category>", "confidence": <float 0..1>}. Categories: question, task, creative, analysis, conversation, other.`
	return func(w http.ResponseWriter, r *http.Request) {
		body, ok := decodePrompt(w, r)
		if !ok {
			return
		}
		out, _, ok := respondOrFail(d, w, r, system, body.Prompt)
		if !ok {
			return
		}
		var parsed struct {
			Intent     string  `json:"intent"`
			Confidence float64 `json:"confidence"`
		}
		if err := json.Unmarshal([]byte(extractJSONObject(out)), &parsed); err != nil || parsed.Intent == "" {
			parsed.Intent = "other"
			parsed.Confidence = 0
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"intent":     parsed.Intent,
			"confidence": parsed.Confidence,
		})
	}
}

func extractJSONObject(raw string) string {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return raw
	}
	return raw[start : end+1]
}
