package rag

import (
	"context"
	"errors"
	"testing"

	"github.com/perbu/tutorrag/pkg/embedder"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fixedEmbedder returns the same vector for every text.
type fixedEmbedder struct {
	vec []float32
	err error
}

func (f fixedEmbedder) Embed(context.Context, string) ([]float32, error) {
	return f.vec, f.err
}

func (f fixedEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		v, err := f.Embed(ctx, texts[i])
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (f fixedEmbedder) Dimension() int    { return len(f.vec) }
func (f fixedEmbedder) ModelInfo() string { return "fixed" }

func newTestEngine(emb embedder.Embedder, store *memStore) *Engine {
	return NewEngine(emb, NewBruteForceIndex(store), store, nil)
}

func TestEngine_Search(t *testing.T) {
	store := &memStore{docs: []StoredDocument{
		docWithScore("a", 0.8),
		docWithScore("b", 0.3),
		docWithScore("c", 0.6),
	}}
	e := newTestEngine(fixedEmbedder{vec: []float32{1, 0}}, store)

	results, err := e.Search(context.Background(), "past perfect", SearchOptions{Limit: 2, Threshold: 0.5})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "a", results[0].Document.ID)
	assert.Equal(t, "c", results[1].Document.ID)
}

func TestEngine_Search_EmptyCorpus(t *testing.T) {
	e := newTestEngine(fixedEmbedder{vec: []float32{1, 0}}, &memStore{})

	results, err := e.Search(context.Background(), "anything", SearchOptions{Threshold: 0.4})
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestEngine_Search_Errors(t *testing.T) {
	e := newTestEngine(fixedEmbedder{err: errors.New("quota exceeded")}, &memStore{})
	_, err := e.Search(context.Background(), "q", SearchOptions{})
	assert.ErrorIs(t, err, embedder.ErrEmbedding)

	e = newTestEngine(fixedEmbedder{vec: []float32{1, 0}}, &memStore{err: errors.New("timeout")})
	_, err = e.Search(context.Background(), "q", SearchOptions{})
	assert.ErrorIs(t, err, ErrStore)
}

func TestEngine_HybridSearch(t *testing.T) {
	store := &memStore{docs: []StoredDocument{
		{ID: "vec-only", Content: "unrelated words", Embedding: unitAt(0.9)},
		{ID: "both", Content: "Past perfect and present perfect", Embedding: unitAt(0.6)},
		{ID: "kw-only", Content: "PAST tense overview", Embedding: unitAt(0.1)},
	}}
	e := newTestEngine(fixedEmbedder{vec: []float32{1, 0}}, store)

	results, err := e.HybridSearch(context.Background(), "tenses", []string{"past", "perfect"},
		HybridOptions{SearchOptions: SearchOptions{Limit: 3, Threshold: 0.5}})
	require.NoError(t, err)
	require.Len(t, results, 3)

	// both: 0.7*0.6 + 0.3*1.0 = 0.72; vec-only: 0.7*0.9 = 0.63; kw-only: 0.3*0.5 = 0.15
	assert.Equal(t, "both", results[0].Document.ID)
	assert.InDelta(t, 0.72, results[0].Score, 1e-5)
	assert.InDelta(t, 1.0, results[0].KeywordScore, 1e-6)

	assert.Equal(t, "vec-only", results[1].Document.ID)
	assert.InDelta(t, 0.63, results[1].Score, 1e-5)

	assert.Equal(t, "kw-only", results[2].Document.ID)
	assert.InDelta(t, 0.15, results[2].Score, 1e-5)
	assert.Equal(t, float32(0), results[2].VectorScore)
	assert.Nil(t, results[2].Document.Embedding)
}

func TestEngine_HybridSearch_KeepsContentFilter(t *testing.T) {
	store := &memStore{docs: []StoredDocument{
		{ID: "lesson", Content: "Lesson 4: past perfect drills", Embedding: unitAt(0.1)},
		{ID: "quiz", Content: "Quiz: past perfect", Embedding: unitAt(0.1)},
		{ID: "other", Content: "Lesson 5: conditionals", Embedding: unitAt(0.1)},
	}}
	e := newTestEngine(fixedEmbedder{vec: []float32{1, 0}}, store)

	results, err := e.HybridSearch(context.Background(), "q", []string{"perfect"}, HybridOptions{
		SearchOptions: SearchOptions{Limit: 5, Threshold: 0.5, Filter: Filter{Matches: map[string]string{"content": "^lesson"}}},
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "lesson", results[0].Document.ID)
}

func TestEngine_Search_Idempotent(t *testing.T) {
	ctx := context.Background()
	store := &memStore{}
	for i, s := range []float64{0.7, 0.9, 0.7, 0.45, 0.9, 0.2} {
		require.NoError(t, store.Insert(ctx, StoredDocument{ID: string(rune('a' + i)), Embedding: unitAt(s)}))
	}
	e := newTestEngine(fixedEmbedder{vec: []float32{1, 0}}, store)
	opts := SearchOptions{Limit: 4, Threshold: 0.4}

	first, err := e.Search(ctx, "past perfect", opts)
	require.NoError(t, err)
	second, err := e.Search(ctx, "past perfect", opts)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	var ids []string
	for _, r := range first {
		ids = append(ids, r.Document.ID)
	}
	// ties keep insertion order
	assert.Equal(t, []string{"b", "e", "a", "c"}, ids)
}

func TestEngine_HybridSearch_Truncates(t *testing.T) {
	store := &memStore{docs: []StoredDocument{
		docWithScore("a", 0.9),
		docWithScore("b", 0.8),
		docWithScore("c", 0.7),
	}}
	e := newTestEngine(fixedEmbedder{vec: []float32{1, 0}}, store)

	results, err := e.HybridSearch(context.Background(), "q", nil, HybridOptions{SearchOptions: SearchOptions{Limit: 1}})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "a", results[0].Document.ID)
}

func TestEngine_SimilarTo(t *testing.T) {
	store := &memStore{docs: []StoredDocument{
		{ID: "src", Embedding: []float32{1, 0}},
		{ID: "near", Embedding: unitAt(0.95)},
		{ID: "far", Embedding: unitAt(0.2)},
		{ID: "bare", Content: "no vector"},
	}}
	e := newTestEngine(fixedEmbedder{vec: []float32{1, 0}}, store)

	results, err := e.SimilarTo(context.Background(), "src", 5)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "near", results[0].Document.ID)
	assert.Equal(t, "far", results[1].Document.ID)

	_, err = e.SimilarTo(context.Background(), "missing", 5)
	assert.ErrorIs(t, err, ErrDocumentNotFound)

	_, err = e.SimilarTo(context.Background(), "bare", 5)
	assert.ErrorIs(t, err, ErrNoEmbedding)
}
