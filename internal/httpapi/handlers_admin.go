package httpapi

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/promptgate/promptgate/internal/events"
)

// HealthHandler reports liveness with the request ID echoed.
func HealthHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":     "healthy",
			"request_id": RequestIDFrom(r),
			"providers":  len(d.Engine.Providers()),
		})
	}
}

// StatsHandler exposes provider statuses and rolling traffic aggregates.
func StatsHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		out := map[string]any{
			"providers": d.Engine.Statuses(),
		}
		if d.Stats != nil {
			out["traffic"] = d.Stats.Summary()
		}
		writeJSON(w, http.StatusOK, out)
	}
}

// RequestLogsHandler pages through the persisted request log.
func RequestLogsHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
		logs, err := d.Store.ListRequestLogs(r.Context(), limit, offset)
		if err != nil {
			jsonError(w, r, "failed to read request logs", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"logs": logs})
	}
}

// EventsHandler streams provider state transitions over SSE.
func EventsHandler(bus *events.Bus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			jsonError(w, r, "streaming unsupported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")

		sub := bus.Subscribe(64)
		defer bus.Unsubscribe(sub)

		// Send initial connection event.
		_, _ = fmt.Fprintf(w, "event: connected\ndata: {\"status\":\"ok\"}\n\n")
		flusher.Flush()

		for {
			select {
			case <-r.Context().Done():
				return
			case e := <-sub.C:
				_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Type, e.JSON())
				flusher.Flush()
			}
		}
	}
}

// VaultUnlockHandler opens the at-rest key vault with the supplied master
// passphrase.
func VaultUnlockHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Master string `json:"master"`
		}
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&body); err != nil || body.Master == "" {
			jsonError(w, r, "master is required", http.StatusBadRequest)
			return
		}
		if err := d.Vault.Unlock([]byte(body.Master)); err != nil {
			jsonError(w, r, "unlock failed", http.StatusForbidden)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"locked": d.Vault.IsLocked()})
	}
}

// VaultLockHandler re-locks the vault.
func VaultLockHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		d.Vault.Lock()
		writeJSON(w, http.StatusOK, map[string]any{"locked": true})
	}
}
