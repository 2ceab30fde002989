// Package store persists gateway state that must survive a restart: context
// snapshots, the request log, and the encrypted key vault blob.
package store

import (
	"context"
	"time"
)

// Store defines the persistence interface for promptgate.
type Store interface {
	// Context snapshots
	SaveContext(ctx context.Context, rec ContextRecord) error
	ListContexts(ctx context.Context) ([]ContextRecord, error)
	DeleteContext(ctx context.Context, id string) error

	// Request log (for audit and the admin dashboard)
	LogRequest(ctx context.Context, entry RequestLog) error
	ListRequestLogs(ctx context.Context, limit int, offset int) ([]RequestLog, error)

	// Vault persistence
	SaveVaultBlob(ctx context.Context, salt []byte, data map[string]string) error
	LoadVaultBlob(ctx context.Context) (salt []byte, data map[string]string, err error)

	// Schema lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// ContextRecord is the persisted form of an ingested context entry. Chunks
// and embeddings are stored 1:1 and re-hydrated into the in-memory store on
// start.
type ContextRecord struct {
	ID          string      `json:"id"`
	Filename    string      `json:"filename"`
	FileType    string      `json:"file_type"`
	ContentType string      `json:"content_type"`
	UploadTime  time.Time   `json:"upload_time"`
	Chunks      []string    `json:"chunks"`
	Embeddings  [][]float32 `json:"embeddings"`
}

// RequestLog captures a single routed request.
type RequestLog struct {
	ID           int64     `json:"id"`
	Timestamp    time.Time `json:"timestamp"`
	Endpoint     string    `json:"endpoint"`
	Provider     string    `json:"provider"`
	LatencyMs    int64     `json:"latency_ms"`
	StatusCode   int       `json:"status_code"`
	ErrorKind    string    `json:"error_kind,omitempty"`
	RequestID    string    `json:"request_id,omitempty"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
}
