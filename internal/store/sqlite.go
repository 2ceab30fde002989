package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using modernc.org/sqlite (pure-Go, no CGO).
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens or creates a SQLite database at the given DSN.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Enable WAL mode and set busy timeout.
	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite pragmas: %w", err)
	}
	// SQLite only supports one writer at a time. Limit connections to avoid
	// contention and keep a small idle pool for read concurrency.
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS contexts (
			id TEXT PRIMARY KEY,
			filename TEXT NOT NULL DEFAULT '',
			file_type TEXT NOT NULL DEFAULT '',
			content_type TEXT NOT NULL DEFAULT '',
			upload_time TEXT NOT NULL,
			chunks TEXT NOT NULL,
			embeddings TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS request_logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			endpoint TEXT NOT NULL DEFAULT '',
			provider TEXT NOT NULL DEFAULT '',
			latency_ms INTEGER NOT NULL DEFAULT 0,
			status_code INTEGER NOT NULL DEFAULT 200,
			error_kind TEXT NOT NULL DEFAULT '',
			request_id TEXT NOT NULL DEFAULT '',
			input_tokens INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_request_logs_timestamp ON request_logs(timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_request_logs_provider ON request_logs(provider)`,
		`CREATE TABLE IF NOT EXISTS vault_blob (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			salt BLOB NOT NULL,
			data TEXT NOT NULL DEFAULT '{}'
		)`,
	}
	for _, q := range queries {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Context snapshots

func (s *SQLiteStore) SaveContext(ctx context.Context, rec ContextRecord) error {
	chunks, err := json.Marshal(rec.Chunks)
	if err != nil {
		return fmt.Errorf("marshal chunks: %w", err)
	}
	embeddings, err := json.Marshal(rec.Embeddings)
	if err != nil {
		return fmt.Errorf("marshal embeddings: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO contexts (id, filename, file_type, content_type, upload_time, chunks, embeddings)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   filename=excluded.filename,
		   file_type=excluded.file_type,
		   content_type=excluded.content_type,
		   upload_time=excluded.upload_time,
		   chunks=excluded.chunks,
		   embeddings=excluded.embeddings`,
		rec.ID, rec.Filename, rec.FileType, rec.ContentType,
		rec.UploadTime.UTC().Format(time.RFC3339), string(chunks), string(embeddings))
	return err
}

func (s *SQLiteStore) ListContexts(ctx context.Context) ([]ContextRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, filename, file_type, content_type, upload_time, chunks, embeddings FROM contexts`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var records []ContextRecord
	for rows.Next() {
		var rec ContextRecord
		var uploadTime, chunks, embeddings string
		if err := rows.Scan(&rec.ID, &rec.Filename, &rec.FileType, &rec.ContentType,
			&uploadTime, &chunks, &embeddings); err != nil {
			return nil, err
		}
		rec.UploadTime, _ = time.Parse(time.RFC3339, uploadTime)
		if err := json.Unmarshal([]byte(chunks), &rec.Chunks); err != nil {
			return nil, fmt.Errorf("unmarshal chunks for %s: %w", rec.ID, err)
		}
		if err := json.Unmarshal([]byte(embeddings), &rec.Embeddings); err != nil {
			return nil, fmt.Errorf("unmarshal embeddings for %s: %w", rec.ID, err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (s *SQLiteStore) DeleteContext(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM contexts WHERE id = ?`, id)
	return err
}

// Request Logs

func (s *SQLiteStore) LogRequest(ctx context.Context, entry RequestLog) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO request_logs (timestamp, endpoint, provider, latency_ms, status_code, error_kind, request_id, input_tokens, output_tokens)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.Timestamp.UTC().Format(time.RFC3339), entry.Endpoint, entry.Provider,
		entry.LatencyMs, entry.StatusCode, entry.ErrorKind, entry.RequestID,
		entry.InputTokens, entry.OutputTokens)
	return err
}

func (s *SQLiteStore) ListRequestLogs(ctx context.Context, limit int, offset int) ([]RequestLog, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, timestamp, endpoint, provider, latency_ms, status_code, error_kind, request_id, input_tokens, output_tokens
		 FROM request_logs ORDER BY timestamp DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var logs []RequestLog
	for rows.Next() {
		var l RequestLog
		var ts string
		if err := rows.Scan(&l.ID, &ts, &l.Endpoint, &l.Provider, &l.LatencyMs,
			&l.StatusCode, &l.ErrorKind, &l.RequestID, &l.InputTokens, &l.OutputTokens); err != nil {
			return nil, err
		}
		l.Timestamp, _ = time.Parse(time.RFC3339, ts)
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// Vault persistence

func (s *SQLiteStore) SaveVaultBlob(ctx context.Context, salt []byte, data map[string]string) error {
	j, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal vault data: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO vault_blob (id, salt, data) VALUES (1, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET salt=excluded.salt, data=excluded.data`,
		salt, string(j))
	return err
}

func (s *SQLiteStore) LoadVaultBlob(ctx context.Context) ([]byte, map[string]string, error) {
	var salt []byte
	var dataStr string
	err := s.db.QueryRowContext(ctx, `SELECT salt, data FROM vault_blob WHERE id = 1`).Scan(&salt, &dataStr)
	if err == sql.ErrNoRows {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	var data map[string]string
	if err := json.Unmarshal([]byte(dataStr), &data); err != nil {
		return nil, nil, fmt.Errorf("unmarshal vault data: %w", err)
	}
	return salt, data, nil
}
