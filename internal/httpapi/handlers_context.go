package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/promptgate/promptgate/internal/contextstore"
)

// ContextUploadHandler ingests a multipart document upload and returns the
// minted context ID.
func ContextUploadHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, d.maxUpload())
		if err := r.ParseMultipartForm(d.maxUpload()); err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				jsonError(w, r, "file exceeds the upload size limit", http.StatusBadRequest)
				return
			}
			jsonError(w, r, "invalid multipart form", http.StatusBadRequest)
			return
		}

		file, header, err := r.FormFile("file")
		if err != nil {
			jsonError(w, r, "file field is required", http.StatusBadRequest)
			return
		}
		defer file.Close()

		data, err := io.ReadAll(file)
		if err != nil {
			jsonError(w, r, "failed to read upload", http.StatusBadRequest)
			return
		}

		contentType := header.Header.Get("Content-Type")
		id, err := d.Contexts.Ingest(r.Context(), header.Filename, contentType, data, d.Engine)
		if err != nil {
			d.Logger.Warn("context ingest rejected",
				slog.String("filename", header.Filename),
				slog.String("error", err.Error()),
			)
			jsonError(w, r, err.Error(), http.StatusBadRequest)
			return
		}

		if d.Metrics != nil {
			d.Metrics.ContextEntries.Set(float64(d.Contexts.Size()))
		}

		resp := map[string]any{
			"context_id":  id,
			"title":       r.FormValue("title"),
			"description": r.FormValue("description"),
		}
		if entry, ok := d.Contexts.Get(id); ok {
			resp["metadata"] = entry.Metadata
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// ContextRetrieveHandler returns ranked chunks for a query against one
// uploaded context.
func ContextRetrieveHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			ContextID string `json:"context_id"`
			Query     string `json:"query"`
			TopK      int    `json:"top_k"`
		}
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&body); err != nil {
			jsonError(w, r, "invalid request body", http.StatusBadRequest)
			return
		}
		body.ContextID = strings.TrimSpace(body.ContextID)
		if body.ContextID == "" || strings.TrimSpace(body.Query) == "" {
			jsonError(w, r, "context_id and query are required", http.StatusBadRequest)
			return
		}

		// top_k clamps to [1, 10].
		topK := body.TopK
		if topK < 1 {
			topK = 3
		}
		if topK > 10 {
			topK = 10
		}

		chunks, err := d.Contexts.FindSimilar(r.Context(), body.ContextID, body.Query, topK, false)
		if err != nil {
			if errors.Is(err, contextstore.ErrNotFound) {
				jsonError(w, r, "context not found", http.StatusNotFound)
				return
			}
			d.Logger.Error("context retrieval failed",
				slog.String("context_id", body.ContextID),
				slog.String("error", err.Error()),
			)
			jsonError(w, r, "context retrieval failed", http.StatusBadGateway)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"context_id": body.ContextID,
			"chunks":     chunks,
		})
	}
}

// ContextInfoHandler returns metadata for one context.
func ContextInfoHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		entry, ok := d.Contexts.Get(id)
		if !ok {
			jsonError(w, r, "context not found", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"context_id": id,
			"metadata":   entry.Metadata,
		})
	}
}

// ContextDeleteHandler removes a context. Deleting twice yields a 404 on
// the second call with no side effects.
func ContextDeleteHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		deleted := d.Contexts.Delete(r.Context(), id)
		if d.Metrics != nil {
			d.Metrics.ContextEntries.Set(float64(d.Contexts.Size()))
		}
		if !deleted {
			writeJSON(w, http.StatusNotFound, map[string]any{"deleted": false})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"deleted": true})
	}
}
