// Package httpapi carries the HTTP surface: routing, auth, request IDs,
// SSE writing and all endpoint handlers.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/promptgate/promptgate/internal/contextstore"
	"github.com/promptgate/promptgate/internal/events"
	"github.com/promptgate/promptgate/internal/fallback"
	"github.com/promptgate/promptgate/internal/fanout"
	"github.com/promptgate/promptgate/internal/keyring"
	"github.com/promptgate/promptgate/internal/llm"
	"github.com/promptgate/promptgate/internal/metrics"
	"github.com/promptgate/promptgate/internal/pipeline"
	"github.com/promptgate/promptgate/internal/scoring"
	"github.com/promptgate/promptgate/internal/stats"
	"github.com/promptgate/promptgate/internal/store"
)

type Dependencies struct {
	Router   *pipeline.Router
	Engine   *fallback.Engine
	Scorer   *scoring.Engine
	Fanout   *fanout.Dispatcher
	Contexts *contextstore.Store
	Vault    *keyring.Vault
	Metrics  *metrics.Registry
	Store    store.Store
	EventBus *events.Bus
	Stats    *stats.Collector
	Logger   *slog.Logger

	// MaxUploadBytes bounds context uploads. Zero means the 10 MiB default.
	MaxUploadBytes int64
}

const defaultMaxUploadBytes = 10 << 20

func (d Dependencies) maxUpload() int64 {
	if d.MaxUploadBytes > 0 {
		return d.MaxUploadBytes
	}
	return defaultMaxUploadBytes
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// logRequest persists one request-log row, detached from the request
// lifecycle so a slow disk never delays the response.
func logRequest(d Dependencies, r *http.Request, endpoint, provider string, latency time.Duration, status int, err error) {
	if d.Store == nil {
		return
	}
	entry := store.RequestLog{
		Timestamp:  time.Now(),
		Endpoint:   endpoint,
		Provider:   provider,
		LatencyMs:  latency.Milliseconds(),
		StatusCode: status,
		RequestID:  RequestIDFrom(r),
	}
	if err != nil {
		if ce := llm.Classify(err); ce != nil {
			entry.ErrorKind = string(ce.Kind)
		}
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), 5*time.Second)
		defer cancel()
		if werr := d.Store.LogRequest(ctx, entry); werr != nil {
			d.Logger.Warn("request log write failed", slog.Any("error", werr))
		}
	}()
}

// jsonError writes the standard failure body with the request ID attached.
func jsonError(w http.ResponseWriter, r *http.Request, msg string, code int) {
	id := RequestIDFrom(r)
	writeJSON(w, code, map[string]string{
		"error":        msg,
		"request_id":   id,
		"support_info": fmt.Sprintf("Include request ID %s when contacting support", id),
	})
}
