// Package embedding provides dense vector embedding for chunks and queries,
// either through an OpenAI-compatible embeddings endpoint or a local
// feature-hashing fallback, plus the cosine math used by retrieval.
package embedding

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"math"
	"net/http"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/promptgate/promptgate/internal/llm"
)

// Embedder produces one dense vector per input text. All vectors from one
// embedder share the same dimensionality.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dim() int
}

// ClientConfig configures the remote embedding client.
type ClientConfig struct {
	BaseURL   string
	Model     string
	TimeoutMs int

	// BatchSize bounds texts per request; MaxInflight bounds concurrent
	// requests.
	BatchSize   int
	MaxInflight int
}

type noKeys struct{}

func (noKeys) Current() string { return "" }

// Client calls an OpenAI-compatible /v1/embeddings endpoint.
type Client struct {
	cfg    ClientConfig
	keys   interface{ Current() string }
	client *http.Client
	sem    *semaphore.Weighted
	dim    int
}

// NewClient creates a remote embedding client. Defaults: model
// text-embedding-3-small, batch 64, 4 in-flight requests, 10s timeout.
// A nil keys source sends no Authorization header.
func NewClient(cfg ClientConfig, keys interface{ Current() string }) *Client {
	if keys == nil {
		keys = noKeys{}
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com"
	}
	if cfg.Model == "" {
		cfg.Model = "text-embedding-3-small"
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 64
	}
	if cfg.MaxInflight <= 0 {
		cfg.MaxInflight = 4
	}
	timeout := 10 * time.Second
	if cfg.TimeoutMs > 0 {
		timeout = time.Duration(cfg.TimeoutMs) * time.Millisecond
	}
	return &Client{
		cfg:    cfg,
		keys:   keys,
		client: &http.Client{Timeout: timeout},
		sem:    semaphore.NewWeighted(int64(cfg.MaxInflight)),
		dim:    1536,
	}
}

func (c *Client) Dim() int { return c.dim }

// Embed embeds texts in bounded batches, preserving input order.
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += c.cfg.BatchSize {
		end := start + c.cfg.BatchSize
		if end > len(texts) {
			end = len(texts)
		}
		vecs, err := c.embedBatch(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, vecs...)
	}
	return out, nil
}

func (c *Client) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer c.sem.Release(1)

	payload := map[string]any{
		"model": c.cfg.Model,
		"input": texts,
	}
	headers := map[string]string{}
	if key := c.keys.Current(); key != "" {
		headers["Authorization"] = "Bearer " + key
	}
	body, err := llm.DoRequest(ctx, c.client, c.cfg.BaseURL+"/v1/embeddings", payload, headers)
	if err != nil {
		return nil, fmt.Errorf("embed batch: %w", err)
	}

	var parsed struct {
		Data []struct {
			Index     int       `json:"index"`
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("decode embeddings: %w", err)
	}
	if len(parsed.Data) != len(texts) {
		return nil, fmt.Errorf("embedding count mismatch: want %d, got %d", len(texts), len(parsed.Data))
	}

	vecs := make([][]float32, len(texts))
	for _, d := range parsed.Data {
		if d.Index < 0 || d.Index >= len(vecs) {
			return nil, fmt.Errorf("embedding index %d out of range", d.Index)
		}
		vecs[d.Index] = d.Embedding
	}
	return vecs, nil
}

// localDim is the dimensionality of the feature-hashing embedder.
const localDim = 256

// Local is a deterministic feature-hashing embedder. It needs no network or
// key, so retrieval keeps working when no embedding service is configured.
// Quality is far below a learned model; it preserves term overlap, which is
// enough for keyword-heavy corpora.
type Local struct{}

// NewLocal creates a local embedder.
func NewLocal() *Local { return &Local{} }

func (l *Local) Dim() int { return localDim }

func (l *Local) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = hashEmbed(t)
	}
	return out, nil
}

func hashEmbed(text string) []float32 {
	vec := make([]float32, localDim)
	for _, tok := range Tokenize(text) {
		h := fnv.New32a()
		_, _ = h.Write([]byte(tok))
		idx := h.Sum32() % localDim
		vec[idx]++
	}
	// L2-normalize so cosine reduces to a dot product.
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		inv := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= inv
		}
	}
	return vec
}

// Tokenize lowercases and splits on non-alphanumeric runs.
func Tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
	})
}

// Cosine returns the cosine similarity of two vectors, 0 for mismatched or
// zero-norm inputs.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// Match is a ranked retrieval hit.
type Match struct {
	Index int
	Score float64
}

// TopK returns the indices of the k vectors most similar to query, ranked by
// cosine score, highest first.
func TopK(query []float32, vectors [][]float32, k int) []Match {
	matches := make([]Match, 0, len(vectors))
	for i, v := range vectors {
		matches = append(matches, Match{Index: i, Score: Cosine(query, v)})
	}
	sortMatches(matches)
	if k > 0 && len(matches) > k {
		matches = matches[:k]
	}
	return matches
}

func sortMatches(matches []Match) {
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].Index < matches[j].Index
	})
}
