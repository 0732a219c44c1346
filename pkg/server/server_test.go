package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/perbu/tutorrag/pkg/cascade"
	"github.com/perbu/tutorrag/pkg/catalog"
	"github.com/perbu/tutorrag/pkg/chunker"
	"github.com/perbu/tutorrag/pkg/embedder"
	"github.com/perbu/tutorrag/pkg/ingest"
	"github.com/perbu/tutorrag/pkg/rag"
	"github.com/perbu/tutorrag/pkg/store/filestore"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeSearcher struct {
	results  []rag.SearchResult
	hybrid   []rag.HybridResult
	err      error
	lastOpts rag.SearchOptions
	lastID   string
}

func (f *fakeSearcher) Search(_ context.Context, _ string, opts rag.SearchOptions) ([]rag.SearchResult, error) {
	f.lastOpts = opts
	return f.results, f.err
}

func (f *fakeSearcher) HybridSearch(_ context.Context, _ string, _ []string, opts rag.HybridOptions) ([]rag.HybridResult, error) {
	f.lastOpts = opts.SearchOptions
	return f.hybrid, f.err
}

func (f *fakeSearcher) SimilarTo(_ context.Context, id string, _ int) ([]rag.SearchResult, error) {
	f.lastID = id
	return f.results, f.err
}

type fakeAsker struct {
	answer *cascade.Answer
	err    error
}

func (f *fakeAsker) Ask(context.Context, string, rag.Filter) (*cascade.Answer, error) {
	return f.answer, f.err
}

type fakeIngester struct {
	report *ingest.Report
	err    error
}

func (f *fakeIngester) Process(context.Context, string, string, map[string]string) (*ingest.Report, error) {
	return f.report, f.err
}

type fixedUsage embedder.Usage

func (u fixedUsage) Usage() embedder.Usage { return embedder.Usage(u) }

func newTestServer(t *testing.T, deps Deps) *Server {
	t.Helper()
	return newConfiguredServer(t, deps, Config{})
}

func newConfiguredServer(t *testing.T, deps Deps, cfg Config) *Server {
	t.Helper()
	if deps.Search == nil {
		deps.Search = &fakeSearcher{}
	}
	if deps.Ask == nil {
		deps.Ask = &fakeAsker{answer: &cascade.Answer{}}
	}
	if deps.Ingest == nil {
		deps.Ingest = &fakeIngester{}
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.NewRegistry()
	}
	s, err := New(deps, zap.NewNop(), cfg)
	require.NoError(t, err)
	return s
}

func threshold(v float32) *float32 { return &v }

func do(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)
	return rec
}

func TestNew_RequiresComponents(t *testing.T) {
	_, err := New(Deps{}, nil, Config{})
	assert.Error(t, err)
}

func TestHandleHealth(t *testing.T) {
	rec := do(t, newTestServer(t, Deps{}), http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))
}

func TestHandleSearch(t *testing.T) {
	searcher := &fakeSearcher{results: []rag.SearchResult{{
		Document: rag.StoredDocument{ID: "d1", FileID: "f1", Topic: "Past Perfect", ChunkIndex: 2},
		Score:    0.91,
		Excerpt:  "had + past participle",
	}}}
	s := newTestServer(t, Deps{Search: searcher})

	rec := do(t, s, http.MethodPost, "/api/v1/search", SearchRequest{
		Query:     "past perfect",
		Limit:     3,
		Threshold: threshold(0.5),
		Filter:    FilterBody{Equals: map[string]string{"type": "grammar"}},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp SearchResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "d1", resp.Results[0].ID)
	assert.Equal(t, 2, resp.Results[0].ChunkIndex)
	assert.InDelta(t, 0.91, resp.Results[0].Score, 1e-6)
	assert.Nil(t, resp.Results[0].VectorScore)

	assert.Equal(t, 3, searcher.lastOpts.Limit)
	assert.Equal(t, float32(0.5), searcher.lastOpts.Threshold)
	assert.Equal(t, "grammar", searcher.lastOpts.Filter.Equals["type"])
}

func TestHandleSearch_ConfiguredDefaults(t *testing.T) {
	searcher := &fakeSearcher{}
	s := newConfiguredServer(t, Deps{Search: searcher}, Config{SearchLimit: 7, SearchThreshold: 0.4})

	rec := do(t, s, http.MethodPost, "/api/v1/search", SearchRequest{Query: "past perfect"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 7, searcher.lastOpts.Limit)
	assert.Equal(t, float32(0.4), searcher.lastOpts.Threshold)

	// An explicit zero threshold is not the same as leaving it out
	rec = do(t, s, http.MethodPost, "/api/v1/search", SearchRequest{Query: "past perfect", Threshold: threshold(0)})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float32(0), searcher.lastOpts.Threshold)
}

func TestHandleSearch_EmptyResultIsNotAnError(t *testing.T) {
	rec := do(t, newTestServer(t, Deps{}), http.MethodPost, "/api/v1/search", SearchRequest{Query: "q"})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"results":[]}`, rec.Body.String())
}

func TestHandleSearch_Hybrid(t *testing.T) {
	searcher := &fakeSearcher{hybrid: []rag.HybridResult{{
		SearchResult: rag.SearchResult{Document: rag.StoredDocument{ID: "d1"}, Score: 0.72},
		VectorScore:  0.6,
		KeywordScore: 1,
	}}}
	rec := do(t, newTestServer(t, Deps{Search: searcher}), http.MethodPost, "/api/v1/search",
		SearchRequest{Query: "q", Keywords: []string{"had"}})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp SearchResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Results, 1)
	require.NotNil(t, resp.Results[0].KeywordScore)
	assert.Equal(t, float32(1), *resp.Results[0].KeywordScore)
}

func TestHandleSearch_Errors(t *testing.T) {
	tests := []struct {
		name string
		body any
		err  error
		want int
	}{
		{"missing query", SearchRequest{}, nil, http.StatusBadRequest},
		{"malformed body", "not an object", nil, http.StatusBadRequest},
		{"embedding failure", SearchRequest{Query: "q"}, embedder.ErrEmbedding, http.StatusBadGateway},
		{"store failure", SearchRequest{Query: "q"}, rag.ErrStore, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, Deps{Search: &fakeSearcher{err: tt.err}})
			rec := do(t, s, http.MethodPost, "/api/v1/search", tt.body)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestHandleSimilar(t *testing.T) {
	searcher := &fakeSearcher{results: []rag.SearchResult{{Document: rag.StoredDocument{ID: "d2"}, Score: 0.8}}}
	s := newTestServer(t, Deps{Search: searcher})

	rec := do(t, s, http.MethodGet, "/api/v1/documents/d1/similar?limit=3", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "d1", searcher.lastID)

	rec = do(t, s, http.MethodGet, "/api/v1/documents/d1/similar?limit=x", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	searcher.err = rag.ErrDocumentNotFound
	rec = do(t, s, http.MethodGet, "/api/v1/documents/nope/similar", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleAsk(t *testing.T) {
	answer := &cascade.Answer{
		Text:  "General answer",
		Stage: cascade.StageLLMFallback,
		Trace: []cascade.StageResult{
			{Stage: cascade.StageKnowledgeBase, Reason: cascade.ReasonBelowThreshold, Score: 0.5},
			{Stage: cascade.StageWebSearch, Reason: cascade.ReasonError, Err: errors.New("provider down")},
			{Stage: cascade.StageLLMFallback, Accepted: true},
		},
	}
	s := newTestServer(t, Deps{Ask: &fakeAsker{answer: answer}})

	rec := do(t, s, http.MethodPost, "/api/v1/ask", AskRequest{Question: "what is a gerund"})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp AskResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "General answer", resp.Answer)
	assert.Equal(t, "llm_fallback", resp.Stage)
	require.Len(t, resp.Trace, 3)
	assert.Equal(t, "below_threshold", resp.Trace[0].Reason)
	assert.Equal(t, "provider down", resp.Trace[1].Error)
	assert.True(t, resp.Trace[2].Accepted)
}

func TestHandleAsk_EmptyQuestion(t *testing.T) {
	s := newTestServer(t, Deps{Ask: &fakeAsker{err: cascade.ErrEmptyQuery}})
	rec := do(t, s, http.MethodPost, "/api/v1/ask", AskRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleIngest_Errors(t *testing.T) {
	s := newTestServer(t, Deps{Ingest: &fakeIngester{err: ingest.ErrEmptyFileID}})
	rec := do(t, s, http.MethodPost, "/api/v1/documents", IngestRequest{Content: "x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleUsage(t *testing.T) {
	s := newTestServer(t, Deps{Usage: fixedUsage{TotalTokens: 120, TotalRequests: 4, TotalCost: 0.0024}})
	rec := do(t, s, http.MethodGet, "/api/v1/usage", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var usage embedder.Usage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &usage))
	assert.Equal(t, 120, usage.TotalTokens)
	assert.Equal(t, 4, usage.TotalRequests)
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := cascade.NewMetrics(reg)
	m.Terminations.WithLabelValues("web_search").Inc()

	rec := do(t, newTestServer(t, Deps{Gatherer: reg}), http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `tutorrag_cascade_terminations_total{stage="web_search"} 1`)
}

// Upload through the API, then find the upload again by search.
func TestIngestThenSearch(t *testing.T) {
	store, err := filestore.Open(filepath.Join(t.TempDir(), "index.gob"))
	require.NoError(t, err)
	emb := embedder.NewHashEmbedder(64)
	engine := rag.NewEngine(emb, rag.NewBruteForceIndex(store), store, nil)
	pipeline := ingest.New(chunker.New(nil), emb, store, ingest.Config{MaxTokens: 50, OverlapTokens: 10}, nil)
	s := newTestServer(t, Deps{Search: engine, Ingest: pipeline})

	content := "# Past Perfect\n" + strings.Repeat("We use the past perfect for an action before another past action. ", 10)
	rec := do(t, s, http.MethodPost, "/api/v1/documents", IngestRequest{FileID: "lesson-3", Content: content})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var report IngestResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, "grammar", report.ContentType)
	assert.Equal(t, "Past Perfect", report.Title)
	assert.Greater(t, report.TotalChunks, 1)

	rec = do(t, s, http.MethodPost, "/api/v1/search", SearchRequest{Query: "past perfect action", Limit: 2, Threshold: threshold(0.3)})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp SearchResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Results)
	assert.LessOrEqual(t, len(resp.Results), 2)
	assert.Equal(t, "lesson-3", resp.Results[0].FileID)
	assert.Equal(t, "grammar", resp.Results[0].Type)
}

func TestCatalogRoutes(t *testing.T) {
	store, err := filestore.Open(filepath.Join(t.TempDir(), "index.gob"))
	require.NoError(t, err)
	emb := embedder.NewHashEmbedder(64)
	engine := rag.NewEngine(emb, rag.NewBruteForceIndex(store), store, nil)
	pipeline := ingest.New(chunker.New(nil), emb, store, ingest.Config{MaxTokens: 50, OverlapTokens: 10}, nil)
	s := newTestServer(t, Deps{Search: engine, Ingest: pipeline, Catalog: catalog.New(store, nil)})

	grammar := "# Past Perfect\n" + strings.Repeat("The past perfect tense uses had and a past participle verb. ", 8)
	rec := do(t, s, http.MethodPost, "/api/v1/documents", IngestRequest{FileID: "grammar.md", Content: grammar})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	rec = do(t, s, http.MethodPost, "/api/v1/documents", IngestRequest{
		FileID:   "words.md",
		Content:  "Vocabulary: word list with meaning and definition",
		Metadata: map[string]string{"user_id": "u1"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = do(t, s, http.MethodGet, "/api/v1/topics?type=grammar", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var topics TopicsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &topics))
	require.Len(t, topics.Topics, 1)
	assert.Equal(t, "Past Perfect", topics.Topics[0].Value)
	assert.Greater(t, topics.Topics[0].Count, int64(1))

	rec = do(t, s, http.MethodGet, "/api/v1/documents?user_id=u1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var listed DocumentsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listed))
	require.Len(t, listed.Documents, 1)
	assert.Equal(t, "words.md", listed.Documents[0].FileID)
	assert.Equal(t, "vocabulary", listed.Documents[0].Type)
	assert.NotContains(t, rec.Body.String(), `"embedding":`)

	rec = do(t, s, http.MethodGet, "/api/v1/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var stats catalog.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 2, stats.TotalFiles)
	assert.Equal(t, "grammar", stats.Types[0].Value)

	id := listed.Documents[0].ID
	rec = do(t, s, http.MethodDelete, "/api/v1/documents/"+id+"?user_id=someone-else", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = do(t, s, http.MethodDelete, "/api/v1/documents/"+id+"?user_id=u1", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = do(t, s, http.MethodDelete, "/api/v1/documents/"+id, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, s, http.MethodGet, "/api/v1/documents?limit=abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCatalogRoutes_AbsentWithoutCatalog(t *testing.T) {
	rec := do(t, newTestServer(t, Deps{}), http.MethodGet, "/api/v1/stats", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
