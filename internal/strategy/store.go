// Package strategy holds a pre-built index of prompt-engineering strategies
// partitioned by target provider, with hybrid dense/sparse retrieval and an
// LRU candidate cache.
package strategy

import (
	"container/list"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/promptgate/promptgate/internal/embedding"
	"github.com/promptgate/promptgate/internal/llm"
)

// DefaultPartition indexes strategies that apply to any provider.
const DefaultPartition = "default"

// Ensemble weights for re-ranking: dense similarity dominates, sparse
// keyword overlap corrects for vocabulary drift.
const (
	denseWeight  = 0.6
	sparseWeight = 0.4
)

// Document is one strategy text in a partition.
type Document struct {
	ID        string
	Partition string
	Text      string
	vector    []float32
	tokens    map[string]int
}

// Store retrieves the best strategy text for (provider, domain, prompt).
type Store struct {
	mu         sync.RWMutex
	partitions map[string][]*Document
	embedder   embedding.Embedder
	cache      *lruCache
	logger     *slog.Logger
}

// New creates a store over the given embedder with an LRU of cacheSize
// candidate sets.
func New(embedder embedding.Embedder, cacheSize int, logger *slog.Logger) *Store {
	if cacheSize <= 0 {
		cacheSize = 128
	}
	return &Store{
		partitions: make(map[string][]*Document),
		embedder:   embedder,
		cache:      newLRUCache(cacheSize),
		logger:     logger,
	}
}

// Add indexes a strategy document. An empty partition goes to the default
// partition; an empty ID gets a generated uuid.
func (s *Store) Add(ctx context.Context, partition, text string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("empty strategy text")
	}
	if partition == "" {
		partition = DefaultPartition
	}

	vecs, err := s.embedder.Embed(ctx, []string{text})
	if err != nil {
		return "", fmt.Errorf("embed strategy: %w", err)
	}

	doc := &Document{
		ID:        uuid.NewString(),
		Partition: partition,
		Text:      text,
		vector:    vecs[0],
		tokens:    termCounts(text),
	}

	s.mu.Lock()
	s.partitions[partition] = append(s.partitions[partition], doc)
	s.mu.Unlock()
	return doc.ID, nil
}

// Size returns the total indexed document count.
func (s *Store) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, docs := range s.partitions {
		n += len(docs)
	}
	return n
}

// buildQuery renders the retrieval query for a target provider and domain.
func buildQuery(provider llm.ProviderID, domain string) string {
	if domain == "" || domain == "general" {
		return fmt.Sprintf("Effective prompting strategies and techniques for %s models", provider)
	}
	return fmt.Sprintf("Effective %s prompting strategies and techniques for %s models", domain, provider)
}

// Best returns the single best strategy text for the given target. Any
// failure returns empty; callers tolerate absence of strategy.
func (s *Store) Best(ctx context.Context, provider llm.ProviderID, domain, prompt string) string {
	results, err := s.retrieve(ctx, provider, domain, 1)
	if err != nil {
		s.logger.Warn("strategy retrieval failed",
			slog.String("provider", string(provider)),
			slog.String("error", err.Error()),
		)
		return ""
	}
	if len(results) == 0 {
		return ""
	}
	return results[0].Text
}

// BestAsync runs Best on a worker goroutine and delivers the result on the
// returned channel. The channel receives exactly one value.
func (s *Store) BestAsync(ctx context.Context, provider llm.ProviderID, domain, prompt string) <-chan string {
	out := make(chan string, 1)
	go func() {
		out <- s.Best(ctx, provider, domain, prompt)
	}()
	return out
}

type scored struct {
	doc   *Document
	dense float64
	final float64
}

func (s *Store) retrieve(ctx context.Context, provider llm.ProviderID, domain string, topK int) ([]*Document, error) {
	s.mu.RLock()
	docs := s.partitions[string(provider)]
	if len(docs) == 0 {
		docs = s.partitions[DefaultPartition]
	}
	s.mu.RUnlock()
	if len(docs) == 0 {
		return nil, nil
	}

	query := buildQuery(provider, domain)
	k := max(topK*3, 20)

	candidates, ok := s.cache.get(query, k)
	if !ok {
		var err error
		candidates, err = s.denseSearch(ctx, query, docs, k)
		if err != nil {
			return nil, err
		}
		s.cache.put(query, k, candidates)
	}

	// Ensemble re-rank over the candidate set.
	queryTokens := termCounts(query)
	reranked := make([]scored, len(candidates))
	for i, c := range candidates {
		reranked[i] = scored{
			doc:   c.doc,
			dense: c.dense,
			final: denseWeight*c.dense + sparseWeight*sparseScore(queryTokens, c.doc.tokens),
		}
	}
	sortScored(reranked)

	if topK > len(reranked) {
		topK = len(reranked)
	}
	out := make([]*Document, topK)
	for i := 0; i < topK; i++ {
		out[i] = reranked[i].doc
	}
	return out, nil
}

func (s *Store) denseSearch(ctx context.Context, query string, docs []*Document, k int) ([]scored, error) {
	qvecs, err := s.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	vectors := make([][]float32, len(docs))
	for i, d := range docs {
		vectors[i] = d.vector
	}

	matches := embedding.TopK(qvecs[0], vectors, k)
	out := make([]scored, len(matches))
	for i, m := range matches {
		out[i] = scored{doc: docs[m.Index], dense: m.Score}
	}
	return out, nil
}

// sparseScore is normalized token overlap between query and document.
func sparseScore(query, doc map[string]int) float64 {
	if len(query) == 0 || len(doc) == 0 {
		return 0
	}
	overlap := 0
	for tok := range query {
		if _, ok := doc[tok]; ok {
			overlap++
		}
	}
	return float64(overlap) / float64(len(query))
}

func termCounts(text string) map[string]int {
	counts := make(map[string]int)
	for _, tok := range embedding.Tokenize(text) {
		counts[tok]++
	}
	return counts
}

func sortScored(items []scored) {
	// Small candidate sets; insertion order stability matters for tests.
	for i := 1; i < len(items); i++ {
		for j := i; j > 0 && items[j].final > items[j-1].final; j-- {
			items[j], items[j-1] = items[j-1], items[j]
		}
	}
}

// lruCache maps (query, k) to a candidate set with LRU eviction.
type lruCache struct {
	mu       sync.Mutex
	capacity int
	order    *list.List
	entries  map[string]*list.Element
}

type lruEntry struct {
	key        string
	candidates []scored
}

func newLRUCache(capacity int) *lruCache {
	return &lruCache{
		capacity: capacity,
		order:    list.New(),
		entries:  make(map[string]*list.Element),
	}
}

func cacheKey(query string, k int) string {
	return fmt.Sprintf("%s|%d", query, k)
}

func (c *lruCache) get(query string, k int) ([]scored, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.entries[cacheKey(query, k)]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(el)
	return el.Value.(*lruEntry).candidates, true
}

func (c *lruCache) put(query string, k int, candidates []scored) {
	key := cacheKey(query, k)
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		c.order.MoveToFront(el)
		el.Value.(*lruEntry).candidates = candidates
		return
	}
	el := c.order.PushFront(&lruEntry{key: key, candidates: candidates})
	c.entries[key] = el

	for c.order.Len() > c.capacity {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*lruEntry).key)
	}
}

func (c *lruCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
