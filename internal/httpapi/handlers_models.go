package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/promptgate/promptgate/internal/fallback"
	"github.com/promptgate/promptgate/internal/llm"
	"github.com/promptgate/promptgate/internal/scoring"
)

type modelInvokeBody struct {
	Prompt        string  `json:"prompt"`
	SystemMessage string  `json:"system_message,omitempty"`
	Temperature   float64 `json:"temperature,omitempty"`
	MaxTokens     int     `json:"max_tokens,omitempty"`
	Stream        bool    `json:"stream,omitempty"`
}

// cooldownBody is the 503 response for a provider that is not READY.
func cooldownBody(w http.ResponseWriter, st fallback.Status) {
	writeJSON(w, http.StatusServiceUnavailable, map[string]any{
		"success": false,
		"metadata": map[string]any{
			"status":         string(st.State),
			"cooldown_until": st.CooldownUntil,
		},
		"error": fmt.Sprintf("provider %s is in %s until %s", st.Provider, st.State, st.CooldownUntil.Format(time.RFC3339)),
	})
}

// ModelInvokeHandler calls exactly one provider with no fallback. The
// provider's cooldown state is honored for both JSON and SSE responses.
func ModelInvokeHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := llm.ProviderID(strings.ToLower(chi.URLParam(r, "provider")))
		client, ok := d.Engine.Client(id)
		if !ok {
			jsonError(w, r, fmt.Sprintf("unknown provider %q", id), http.StatusNotFound)
			return
		}

		var body modelInvokeBody
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&body); err != nil {
			jsonError(w, r, "invalid request body", http.StatusBadRequest)
			return
		}
		body.Prompt = strings.TrimSpace(body.Prompt)
		if body.Prompt == "" {
			jsonError(w, r, "prompt is required", http.StatusBadRequest)
			return
		}

		msgs := []llm.Message{{Role: "user", Content: body.Prompt}}
		params := llm.Params{Temperature: body.Temperature, MaxTokens: body.MaxTokens}

		if body.Stream {
			st, _ := d.Engine.StatusOf(id)
			if st.State != fallback.StateReady {
				cooldownBody(w, st)
				return
			}
			sse, err := newSSEWriter(w)
			if err != nil {
				jsonError(w, r, err.Error(), http.StatusInternalServerError)
				return
			}
			start := time.Now()
			stream, err := client.InvokeStream(r.Context(), msgs, body.SystemMessage, params)
			if err != nil {
				d.Engine.RecordExternalResult(id, time.Since(start), err)
				_ = sse.emitRaw(map[string]any{
					"error":      "stream open failed",
					"request_id": RequestIDFrom(r),
				})
				return
			}
			defer stream.Close()
			var streamErr error
			for {
				chunk, recvErr := stream.Recv()
				if recvErr != nil {
					if !errors.Is(recvErr, io.EOF) {
						streamErr = recvErr
					}
					break
				}
				if err := sse.emitRaw(map[string]any{"type": "content", "chunk": chunk}); err != nil {
					return
				}
			}
			d.Engine.RecordExternalResult(id, time.Since(start), streamErr)
			_ = sse.emitRaw(map[string]any{"type": "complete", "provider": string(id)})
			return
		}

		start := time.Now()
		out, err := d.Engine.InvokeProvider(r.Context(), id, msgs, body.SystemMessage, params)
		if err != nil {
			var pu *fallback.ErrProviderUnavailable
			if errors.As(err, &pu) {
				st, _ := d.Engine.StatusOf(id)
				cooldownBody(w, st)
				return
			}
			logRequest(d, r, "/api/v1/models/"+string(id), string(id), time.Since(start), http.StatusBadGateway, err)
			jsonError(w, r, err.Error(), http.StatusBadGateway)
			return
		}
		logRequest(d, r, "/api/v1/models/"+string(id), string(id), time.Since(start), http.StatusOK, nil)
		writeJSON(w, http.StatusOK, map[string]any{
			"success":  true,
			"provider": string(id),
			"response": out,
			"metadata": map[string]any{
				"status":     "ready",
				"latency_ms": time.Since(start).Milliseconds(),
			},
		})
	}
}

// CompareHandler fans one prompt out to several providers.
func CompareHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Prompt string   `json:"prompt"`
			Models []string `json:"models"`
		}
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&body); err != nil {
			jsonError(w, r, "invalid request body", http.StatusBadRequest)
			return
		}
		body.Prompt = strings.TrimSpace(body.Prompt)
		if body.Prompt == "" {
			jsonError(w, r, "prompt is required", http.StatusBadRequest)
			return
		}

		providers := make([]llm.ProviderID, 0, len(body.Models))
		for _, m := range body.Models {
			providers = append(providers, llm.ProviderID(strings.ToLower(strings.TrimSpace(m))))
		}
		if len(providers) == 0 {
			providers = d.Engine.Providers()
		}

		slots := d.Fanout.Dispatch(r.Context(), providers,
			[]llm.Message{{Role: "user", Content: body.Prompt}}, "", llm.Params{})
		writeJSON(w, http.StatusOK, map[string]any{
			"results":    slots,
			"request_id": RequestIDFrom(r),
		})
	}
}

// BestTwoHandler returns the general-mode top two providers.
func BestTwoHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		reports := d.Scorer.Score()
		writeJSON(w, http.StatusOK, map[string]any{
			"best_models_list": topReports(reports, 2),
		})
	}
}

// BestTwoForQueryHandler returns the query-aware top two with the detected
// task type.
func BestTwoForQueryHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Query string `json:"query"`
		}
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&body); err != nil {
			jsonError(w, r, "invalid request body", http.StatusBadRequest)
			return
		}
		body.Query = strings.TrimSpace(body.Query)
		if body.Query == "" {
			jsonError(w, r, "query is required", http.StatusBadRequest)
			return
		}

		reports := d.Scorer.ScoreForQuery(body.Query)
		writeJSON(w, http.StatusOK, map[string]any{
			"query_analysis": map[string]any{
				"detected_task_type": string(scoring.ClassifyTask(body.Query)),
			},
			"best_models_list": topReports(reports, 2),
		})
	}
}

func topReports(reports []scoring.ScoreReport, n int) []scoring.ScoreReport {
	if len(reports) > n {
		reports = reports[:n]
	}
	return reports
}
