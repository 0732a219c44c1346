package rag

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/perbu/tutorrag/pkg/embedder"
	"go.uber.org/zap"
)

// Defaults used when options leave a field zero.
const (
	DefaultLimit         = 5
	DefaultVectorWeight  = 0.7
	DefaultKeywordWeight = 0.3
)

// SearchOptions controls a single query
type SearchOptions struct {
	Limit     int
	Threshold float32
	Filter    Filter
}

// HybridOptions controls a combined vector and keyword query
type HybridOptions struct {
	SearchOptions
	VectorWeight  float32
	KeywordWeight float32
}

// HybridResult carries both component scores. Score is the weighted sum.
type HybridResult struct {
	SearchResult
	VectorScore  float32
	KeywordScore float32
}

// Engine embeds queries and ranks the stored corpus against them
type Engine struct {
	embedder embedder.Embedder
	index    Index
	store    DocumentStore
	logger   *zap.Logger
}

// NewEngine creates a search engine. store serves keyword and by-id lookups.
func NewEngine(emb embedder.Embedder, idx Index, store DocumentStore, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{embedder: emb, index: idx, store: store, logger: logger}
}

// Search embeds query and returns the best matches at or above opts.Threshold.
// No match is not an error.
func (e *Engine) Search(ctx context.Context, query string, opts SearchOptions) ([]SearchResult, error) {
	if opts.Limit <= 0 {
		opts.Limit = DefaultLimit
	}

	vec, err := e.embedder.Embed(ctx, query)
	if err != nil {
		if errors.Is(err, embedder.ErrEmbedding) {
			return nil, fmt.Errorf("embedding query: %w", err)
		}
		return nil, fmt.Errorf("%w: embedding query: %v", embedder.ErrEmbedding, err)
	}

	results, err := e.index.Query(ctx, vec, opts.Filter, opts.Limit, opts.Threshold)
	if err != nil {
		if errors.Is(err, ErrStore) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrStore, err)
	}

	e.logger.Debug("search completed",
		zap.Int("results", len(results)),
		zap.Int("limit", opts.Limit),
		zap.Float32("threshold", opts.Threshold))
	return results, nil
}

// HybridSearch merges vector hits (fetched at twice the limit) with documents
// whose content contains any of keywords. A document's keyword score is the
// fraction of keywords it contains.
func (e *Engine) HybridSearch(ctx context.Context, query string, keywords []string, opts HybridOptions) ([]HybridResult, error) {
	if opts.Limit <= 0 {
		opts.Limit = DefaultLimit
	}
	if opts.VectorWeight == 0 && opts.KeywordWeight == 0 {
		opts.VectorWeight = DefaultVectorWeight
		opts.KeywordWeight = DefaultKeywordWeight
	}

	wide := opts.SearchOptions
	wide.Limit = opts.Limit * 2
	vectorHits, err := e.Search(ctx, query, wide)
	if err != nil {
		return nil, err
	}

	merged := make(map[string]*HybridResult, len(vectorHits))
	order := make([]string, 0, len(vectorHits))
	for _, hit := range vectorHits {
		merged[hit.Document.ID] = &HybridResult{SearchResult: hit, VectorScore: hit.Score}
		order = append(order, hit.Document.ID)
	}

	keywordHits, err := e.keywordMatches(ctx, keywords, opts.Filter)
	if err != nil {
		return nil, err
	}
	for _, doc := range keywordHits {
		score := keywordFraction(doc.Content, keywords)
		if r, ok := merged[doc.ID]; ok {
			r.KeywordScore = score
			continue
		}
		merged[doc.ID] = &HybridResult{SearchResult: newResult(doc, 0), KeywordScore: score}
		order = append(order, doc.ID)
	}

	results := make([]HybridResult, 0, len(order))
	for _, id := range order {
		r := merged[id]
		r.Score = opts.VectorWeight*r.VectorScore + opts.KeywordWeight*r.KeywordScore
		results = append(results, *r)
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results, nil
}

// keywordMatches asks the store for each keyword separately so the regex runs
// where the data lives, then de-duplicates by id in first-seen order.
// A caller's own content pattern keeps the store-side slot and the keyword
// is checked here instead, so both conditions hold.
func (e *Engine) keywordMatches(ctx context.Context, keywords []string, base Filter) ([]StoredDocument, error) {
	_, contentFiltered := base.Matches["content"]
	seen := make(map[string]bool)
	var docs []StoredDocument
	for _, kw := range keywords {
		kw = strings.TrimSpace(kw)
		if kw == "" {
			continue
		}
		f := Filter{Equals: base.Equals, Matches: make(map[string]string, len(base.Matches)+1)}
		for field, pattern := range base.Matches {
			f.Matches[field] = pattern
		}
		if !contentFiltered {
			f.Matches["content"] = regexp.QuoteMeta(kw)
		}
		found, err := e.store.Fetch(ctx, f)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStore, err)
		}
		for _, d := range found {
			if contentFiltered && !strings.Contains(strings.ToLower(d.Content), strings.ToLower(kw)) {
				continue
			}
			if !seen[d.ID] {
				seen[d.ID] = true
				docs = append(docs, d)
			}
		}
	}
	return docs, nil
}

func keywordFraction(content string, keywords []string) float32 {
	if len(keywords) == 0 {
		return 0
	}
	lower := strings.ToLower(content)
	hits := 0
	for _, kw := range keywords {
		if kw != "" && strings.Contains(lower, strings.ToLower(kw)) {
			hits++
		}
	}
	return float32(hits) / float32(len(keywords))
}

// SimilarTo ranks every other stored document against the embedding of documentID
func (e *Engine) SimilarTo(ctx context.Context, documentID string, limit int) ([]SearchResult, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}

	found, err := e.store.Fetch(ctx, Filter{Equals: map[string]string{"id": documentID}})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStore, err)
	}
	if len(found) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrDocumentNotFound, documentID)
	}
	source := found[0]
	if len(source.Embedding) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoEmbedding, documentID)
	}

	all, err := e.store.Fetch(ctx, Filter{})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStore, err)
	}
	others := all[:0:0]
	for _, d := range all {
		if d.ID != documentID {
			others = append(others, d)
		}
	}
	return Rank(source.Embedding, others, limit, 0), nil
}
