package contextstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/promptgate/promptgate/internal/embedding"
	"github.com/promptgate/promptgate/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func newTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	return New(embedding.NewLocal(), testLogger(), opts...)
}

func docText(words int) []byte {
	parts := make([]string, words)
	for i := range parts {
		parts[i] = fmt.Sprintf("word%d", i)
	}
	return []byte(strings.Join(parts, " "))
}

func TestIngestTextDocument(t *testing.T) {
	cs := newTestStore(t)
	id, err := cs.Ingest(context.Background(), "notes.txt", "text/plain", docText(100), nil)
	require.NoError(t, err)

	assert.Regexp(t, `^ctx_[0-9a-f]{8}_\d+$`, id)

	entry, ok := cs.Get(id)
	require.True(t, ok)
	assert.NotEmpty(t, entry.Chunks)
	assert.Len(t, entry.Embeddings, len(entry.Chunks))
	assert.Equal(t, len(entry.Chunks), entry.Metadata.ChunkCount)
	assert.Equal(t, "txt", entry.Metadata.FileType)
}

func TestIngestRejectsShortText(t *testing.T) {
	cs := newTestStore(t)
	_, err := cs.Ingest(context.Background(), "tiny.txt", "text/plain", []byte("short"), nil)
	assert.Error(t, err)
}

func TestIngestRejectsUnknownFormat(t *testing.T) {
	cs := newTestStore(t)
	_, err := cs.Ingest(context.Background(), "archive.zip", "application/zip", docText(100), nil)
	assert.Error(t, err)
}

func TestIngestRejectsBrokenImage(t *testing.T) {
	cs := newTestStore(t)
	_, err := cs.Ingest(context.Background(), "photo.png", "image/png", []byte("not an image"), nil)
	assert.Error(t, err)
}

func TestChunkingSlidingWindow(t *testing.T) {
	// 1000 tokens: windows [0,500), [450,950), [900,1000).
	chunks := ChunkText(string(docText(1000)))
	require.Len(t, chunks, 3)

	first := strings.Fields(chunks[0])
	second := strings.Fields(chunks[1])
	third := strings.Fields(chunks[2])
	assert.Len(t, first, 500)
	assert.Len(t, second, 500)
	assert.Len(t, third, 100)

	// 50-token overlap between consecutive windows.
	assert.Equal(t, first[450:], second[:50])
	assert.Equal(t, second[450:], third[:50])
}

func TestChunkingSmallInput(t *testing.T) {
	assert.Nil(t, ChunkText("   "))
	chunks := ChunkText("just a few words")
	require.Len(t, chunks, 1)
	assert.Equal(t, "just a few words", chunks[0])
}

func TestFindSimilarRanksChunks(t *testing.T) {
	cs := newTestStore(t)

	text := strings.Repeat("database indexing and storage engines ", 60) +
		strings.Repeat("gardening tips for spring flowers ", 60)
	id, err := cs.Ingest(context.Background(), "doc.txt", "text/plain", []byte(text), nil)
	require.NoError(t, err)

	chunks, err := cs.FindSimilar(context.Background(), id, "database storage", 2, false)
	require.NoError(t, err)
	require.NotEmpty(t, chunks)

	// Monotone non-increasing scores.
	for i := 1; i < len(chunks); i++ {
		assert.GreaterOrEqual(t, chunks[i-1].Score, chunks[i].Score)
	}
	assert.Contains(t, chunks[0].Text, "database")
}

func TestFindSimilarGuaranteedFallback(t *testing.T) {
	cs := newTestStore(t)
	id, err := cs.Ingest(context.Background(), "doc.txt", "text/plain", docText(60), nil)
	require.NoError(t, err)

	// A query sharing no vocabulary scores ~0 everywhere.
	chunks, err := cs.FindSimilar(context.Background(), id, "zzzz qqqq xxxx", 3, true)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, 0, chunks[0].ChunkIndex)

	chunks, err = cs.FindSimilar(context.Background(), id, "zzzz qqqq xxxx", 3, false)
	require.NoError(t, err)
	assert.Empty(t, chunks)
}

func TestFindSimilarUnknownID(t *testing.T) {
	cs := newTestStore(t)
	_, err := cs.FindSimilar(context.Background(), "ctx_missing_0", "q", 3, true)
	assert.ErrorIs(t, err, ErrNotFound)
}

type brokenEmbedder struct{}

func (brokenEmbedder) Dim() int { return 4 }
func (brokenEmbedder) Embed(context.Context, []string) ([][]float32, error) {
	return nil, errors.New("embedding backend down")
}

func TestFindSimilarEmbedFailureIsNotNotFound(t *testing.T) {
	cs := newTestStore(t)
	id, err := cs.Ingest(context.Background(), "doc.txt", "text/plain", docText(60), nil)
	require.NoError(t, err)

	cs.embedder = brokenEmbedder{}
	_, err = cs.FindSimilar(context.Background(), id, "query", 3, false)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
}

func TestDeleteIdempotent(t *testing.T) {
	cs := newTestStore(t)
	id, err := cs.Ingest(context.Background(), "doc.txt", "text/plain", docText(60), nil)
	require.NoError(t, err)

	assert.True(t, cs.Delete(context.Background(), id))
	assert.False(t, cs.Delete(context.Background(), id))
	assert.Equal(t, 0, cs.Size())
}

func TestSnapshotRehydrate(t *testing.T) {
	db, err := store.NewSQLite(filepath.Join(t.TempDir(), "ctx.db"))
	require.NoError(t, err)
	defer func() { _ = db.Close() }()
	require.NoError(t, db.Migrate(context.Background()))

	cs := newTestStore(t, WithSnapshot(db))
	id, err := cs.Ingest(context.Background(), "doc.txt", "text/plain", docText(80), nil)
	require.NoError(t, err)

	// The snapshot write is detached; wait for it to land.
	require.Eventually(t, func() bool {
		records, err := db.ListContexts(context.Background())
		return err == nil && len(records) == 1
	}, 2*time.Second, 10*time.Millisecond)

	restored := newTestStore(t, WithSnapshot(db))
	n, err := restored.Rehydrate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	entry, ok := restored.Get(id)
	require.True(t, ok)
	assert.Len(t, entry.Embeddings, len(entry.Chunks))
}

func TestDetectFileType(t *testing.T) {
	cases := map[string]FileType{
		"a.pdf":  FilePDF,
		"b.docx": FileDocx,
		"c.pptx": FilePptx,
		"d.txt":  FileText,
		"e.md":   FileText,
		"f.png":  FileImage,
		"g.JPG":  FileImage,
	}
	for name, want := range cases {
		got, err := DetectFileType(name)
		require.NoError(t, err, name)
		assert.Equal(t, want, got, name)
	}
	_, err := DetectFileType("x.tar.gz")
	assert.Error(t, err)
}

func TestExtractPDFText(t *testing.T) {
	pdf := []byte("%PDF-1.4\n1 0 obj\nBT (Hello from the test document, with enough text to pass.) Tj ET\nendobj")
	text, err := ExtractText(context.Background(), FilePDF, pdf, nil)
	require.NoError(t, err)
	assert.Contains(t, text, "Hello from the test document")
}
