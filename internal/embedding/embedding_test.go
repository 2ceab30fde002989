package embedding

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticKey string

func (k staticKey) Current() string { return string(k) }

func TestClientEmbedBatches(t *testing.T) {
	var requests int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		var req struct {
			Input []string `json:"input"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		type datum struct {
			Index     int       `json:"index"`
			Embedding []float32 `json:"embedding"`
		}
		resp := struct {
			Data []datum `json:"data"`
		}{}
		for i := range req.Input {
			resp.Data = append(resp.Data, datum{Index: i, Embedding: []float32{float32(i), 1}})
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	c := NewClient(ClientConfig{BaseURL: srv.URL, BatchSize: 2}, staticKey("test-key"))
	vecs, err := c.Embed(context.Background(), []string{"a", "b", "c", "d", "e"})
	require.NoError(t, err)
	assert.Len(t, vecs, 5)
	assert.Equal(t, 3, requests)
	// Order is preserved within each batch.
	assert.Equal(t, []float32{0, 1}, vecs[0])
	assert.Equal(t, []float32{1, 1}, vecs[1])
}

func TestClientEmbedEmpty(t *testing.T) {
	c := NewClient(ClientConfig{}, staticKey("k"))
	vecs, err := c.Embed(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, vecs)
}

func TestLocalEmbedDeterministic(t *testing.T) {
	l := NewLocal()
	a, err := l.Embed(context.Background(), []string{"the quick brown fox"})
	require.NoError(t, err)
	b, err := l.Embed(context.Background(), []string{"the quick brown fox"})
	require.NoError(t, err)
	assert.Equal(t, a[0], b[0])
	assert.Len(t, a[0], l.Dim())
}

func TestLocalEmbedSimilarityOrdering(t *testing.T) {
	l := NewLocal()
	vecs, err := l.Embed(context.Background(), []string{
		"database indexing and query planning",
		"database query optimization",
		"baking sourdough bread at home",
	})
	require.NoError(t, err)

	near := Cosine(vecs[0], vecs[1])
	far := Cosine(vecs[0], vecs[2])
	assert.Greater(t, near, far)
}

func TestCosine(t *testing.T) {
	assert.InDelta(t, 1.0, Cosine([]float32{1, 0}, []float32{2, 0}), 1e-9)
	assert.InDelta(t, 0.0, Cosine([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.Equal(t, 0.0, Cosine([]float32{1}, []float32{1, 2}))
	assert.Equal(t, 0.0, Cosine([]float32{0, 0}, []float32{1, 1}))
}

func TestTopK(t *testing.T) {
	query := []float32{1, 0}
	vectors := [][]float32{
		{0, 1},   // orthogonal
		{1, 0},   // identical direction
		{1, 1},   // diagonal
		{-1, 0},  // opposite
	}

	matches := TopK(query, vectors, 2)
	require.Len(t, matches, 2)
	assert.Equal(t, 1, matches[0].Index)
	assert.Equal(t, 2, matches[1].Index)

	// Scores are monotonically non-increasing.
	for i := 1; i < len(matches); i++ {
		assert.GreaterOrEqual(t, matches[i-1].Score, matches[i].Score)
	}
}

func TestTokenize(t *testing.T) {
	assert.Equal(t, []string{"hello", "world", "42"}, Tokenize("Hello, World! 42"))
}
