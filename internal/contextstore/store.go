package contextstore

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/promptgate/promptgate/internal/embedding"
	"github.com/promptgate/promptgate/internal/events"
	"github.com/promptgate/promptgate/internal/store"
)

// minRelevance is the cosine score below which a chunk is not considered a
// real match. Callers asking for a guaranteed fragment fall back to the
// first chunk.
const minRelevance = 0.1

// ErrNotFound marks lookups for a context ID that does not exist, so callers
// can tell a missing entry from a retrieval failure.
var ErrNotFound = errors.New("context not found")

// Entry is an ingested document: ordered chunks with 1:1 embeddings. Frozen
// after creation; reads are lock-free.
type Entry struct {
	ID         string
	Chunks     []string
	Embeddings [][]float32
	Metadata   Metadata
}

// Metadata describes the uploaded source of an entry.
type Metadata struct {
	Filename    string    `json:"filename"`
	FileType    string    `json:"file_type"`
	ContentType string    `json:"content_type"`
	UploadTime  time.Time `json:"upload_time"`
	ChunkCount  int       `json:"chunk_count"`
}

// Chunk is one retrieval hit.
type Chunk struct {
	Text       string  `json:"text"`
	Score      float64 `json:"score"`
	ChunkIndex int     `json:"chunk_index"`
}

// Store holds context entries in memory with an optional sqlite snapshot.
type Store struct {
	mu       sync.RWMutex
	entries  map[string]*Entry
	embedder embedding.Embedder
	snapshot store.Store
	bus      *events.Bus
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithSnapshot persists entries to the given store and re-hydrates on start.
func WithSnapshot(s store.Store) Option {
	return func(cs *Store) { cs.snapshot = s }
}

// WithEventBus publishes ingest and delete events.
func WithEventBus(bus *events.Bus) Option {
	return func(cs *Store) { cs.bus = bus }
}

// WithClock overrides the ID timestamp clock.
func WithClock(now func() time.Time) Option {
	return func(cs *Store) { cs.now = now }
}

// New creates a context store over the given embedder.
func New(embedder embedding.Embedder, logger *slog.Logger, opts ...Option) *Store {
	cs := &Store{
		entries:  make(map[string]*Entry),
		embedder: embedder,
		logger:   logger,
		now:      time.Now,
	}
	for _, o := range opts {
		o(cs)
	}
	return cs
}

// Rehydrate loads snapshotted entries back into memory. Called once at
// startup, before the store serves requests.
func (cs *Store) Rehydrate(ctx context.Context) (int, error) {
	if cs.snapshot == nil {
		return 0, nil
	}
	records, err := cs.snapshot.ListContexts(ctx)
	if err != nil {
		return 0, fmt.Errorf("rehydrate contexts: %w", err)
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()
	for _, rec := range records {
		if len(rec.Chunks) == 0 || len(rec.Chunks) != len(rec.Embeddings) {
			cs.logger.Warn("skipping corrupt context snapshot", slog.String("context_id", rec.ID))
			continue
		}
		cs.entries[rec.ID] = &Entry{
			ID:         rec.ID,
			Chunks:     rec.Chunks,
			Embeddings: rec.Embeddings,
			Metadata: Metadata{
				Filename:    rec.Filename,
				FileType:    rec.FileType,
				ContentType: rec.ContentType,
				UploadTime:  rec.UploadTime,
				ChunkCount:  len(rec.Chunks),
			},
		}
	}
	return len(cs.entries), nil
}

// Ingest extracts, chunks, and embeds an upload, returning the new context
// ID. The snapshot write is detached from the request lifecycle.
func (cs *Store) Ingest(ctx context.Context, filename, contentType string, data []byte, captioner Captioner) (string, error) {
	fileType, err := DetectFileType(filename)
	if err != nil {
		return "", err
	}

	text, err := ExtractText(ctx, fileType, data, captioner)
	if err != nil {
		return "", err
	}

	chunks := ChunkText(text)
	if len(chunks) == 0 {
		return "", fmt.Errorf("document produced zero chunks")
	}

	vectors, err := cs.embedder.Embed(ctx, chunks)
	if err != nil {
		return "", fmt.Errorf("embed chunks: %w", err)
	}
	if len(vectors) != len(chunks) {
		return "", fmt.Errorf("embedding count mismatch: %d chunks, %d vectors", len(chunks), len(vectors))
	}

	now := cs.now()
	entry := &Entry{
		ID:         makeID(data, now),
		Chunks:     chunks,
		Embeddings: vectors,
		Metadata: Metadata{
			Filename:    filename,
			FileType:    string(fileType),
			ContentType: contentType,
			UploadTime:  now.UTC(),
			ChunkCount:  len(chunks),
		},
	}

	cs.mu.Lock()
	cs.entries[entry.ID] = entry
	cs.mu.Unlock()

	if cs.bus != nil {
		cs.bus.Publish(events.Event{
			Type:       events.EventContextIngested,
			ContextID:  entry.ID,
			ChunkCount: len(chunks),
		})
	}
	if cs.snapshot != nil {
		// Detached write; failure loses only restart durability.
		go cs.writeSnapshot(entry)
	}
	return entry.ID, nil
}

func (cs *Store) writeSnapshot(entry *Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := cs.snapshot.SaveContext(ctx, store.ContextRecord{
		ID:          entry.ID,
		Filename:    entry.Metadata.Filename,
		FileType:    entry.Metadata.FileType,
		ContentType: entry.Metadata.ContentType,
		UploadTime:  entry.Metadata.UploadTime,
		Chunks:      entry.Chunks,
		Embeddings:  entry.Embeddings,
	})
	if err != nil {
		cs.logger.Error("context snapshot write failed",
			slog.String("context_id", entry.ID),
			slog.String("error", err.Error()),
		)
	}
}

// makeID builds "ctx_<first-8-hex-of-sha256>_<unix-seconds>".
func makeID(data []byte, now time.Time) string {
	sum := sha256.Sum256(data)
	return fmt.Sprintf("ctx_%x_%d", sum[:4], now.Unix())
}

// Get returns the entry for an ID.
func (cs *Store) Get(id string) (*Entry, bool) {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	e, ok := cs.entries[id]
	return e, ok
}

// List returns metadata for all entries.
func (cs *Store) List() map[string]Metadata {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	out := make(map[string]Metadata, len(cs.entries))
	for id, e := range cs.entries {
		out[id] = e.Metadata
	}
	return out
}

// Delete removes an entry and reports whether anything was removed.
// Idempotent.
func (cs *Store) Delete(ctx context.Context, id string) bool {
	cs.mu.Lock()
	_, existed := cs.entries[id]
	delete(cs.entries, id)
	cs.mu.Unlock()

	if cs.snapshot != nil {
		if err := cs.snapshot.DeleteContext(ctx, id); err != nil {
			cs.logger.Warn("context snapshot delete failed",
				slog.String("context_id", id),
				slog.String("error", err.Error()),
			)
		}
	}
	if existed && cs.bus != nil {
		cs.bus.Publish(events.Event{Type: events.EventContextDeleted, ContextID: id})
	}
	return existed
}

// FindSimilar embeds the query and returns the topK most similar chunks of
// the entry, ranked by cosine score. guaranteed forces a non-empty result by
// falling back to the first chunk when nothing clears the relevance floor.
func (cs *Store) FindSimilar(ctx context.Context, id, query string, topK int, guaranteed bool) ([]Chunk, error) {
	entry, ok := cs.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	if topK <= 0 {
		topK = 3
	}

	qvecs, err := cs.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	matches := embedding.TopK(qvecs[0], entry.Embeddings, topK)
	out := make([]Chunk, 0, len(matches))
	for _, m := range matches {
		if m.Score < minRelevance {
			continue
		}
		out = append(out, Chunk{
			Text:       entry.Chunks[m.Index],
			Score:      m.Score,
			ChunkIndex: m.Index,
		})
	}

	if len(out) == 0 && guaranteed {
		out = append(out, Chunk{Text: entry.Chunks[0], Score: 0, ChunkIndex: 0})
	}
	return out, nil
}

// Size returns the number of stored entries.
func (cs *Store) Size() int {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return len(cs.entries)
}
