package rag

import (
	"context"
	"fmt"
	"math"
	"sort"
)

const excerptRunes = 300

// CosineSimilarity computes the cosine similarity between two vectors
// Returns a value between -1 and 1, where 1 means identical direction.
// Mismatched lengths and zero-magnitude vectors score 0.
func CosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dotProduct, normA, normB float64
	for i := range a {
		dotProduct += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return float32(dotProduct / (math.Sqrt(normA) * math.Sqrt(normB)))
}

// Similarity is the score every search path uses: cosine clamped to [0,1].
// Thresholds throughout the module are expressed on this scale.
func Similarity(a, b []float32) float32 {
	return clampScore(CosineSimilarity(a, b))
}

func clampScore(s float32) float32 {
	if s < 0 {
		return 0
	}
	if s > 1 {
		return 1
	}
	return s
}

// Rank scores every candidate against the query vector, drops those below
// threshold, and returns the top limit sorted by score (highest first).
// Equal scores keep corpus order. limit <= 0 returns every hit.
func Rank(query []float32, docs []StoredDocument, limit int, threshold float32) []SearchResult {
	results := make([]SearchResult, 0, len(docs))

	for _, doc := range docs {
		if len(doc.Embedding) == 0 || len(doc.Embedding) != len(query) {
			continue
		}

		score := Similarity(query, doc.Embedding)
		if score < threshold {
			continue
		}

		results = append(results, newResult(doc, score))
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})

	if limit > 0 && limit < len(results) {
		results = results[:limit]
	}

	return results
}

func newResult(doc StoredDocument, score float32) SearchResult {
	doc.Embedding = nil
	return SearchResult{
		Document: doc,
		Score:    score,
		Excerpt:  Excerpt(doc.Content),
	}
}

// Excerpt shortens content for display
func Excerpt(content string) string {
	r := []rune(content)
	if len(r) <= excerptRunes {
		return content
	}
	return string(r[:excerptRunes]) + "..."
}

// BruteForceIndex scans the filtered corpus on every query.
// Fine for the small per-user corpora this serves.
type BruteForceIndex struct {
	Store DocumentStore
}

// NewBruteForceIndex creates an index over the given store
func NewBruteForceIndex(store DocumentStore) *BruteForceIndex {
	return &BruteForceIndex{Store: store}
}

// Query fetches the filtered corpus and ranks it in memory
func (b *BruteForceIndex) Query(ctx context.Context, vector []float32, filter Filter, limit int, threshold float32) ([]SearchResult, error) {
	docs, err := b.Store.Fetch(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStore, err)
	}
	return Rank(vector, docs, limit, threshold), nil
}
