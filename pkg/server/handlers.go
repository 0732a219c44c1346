package server

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/perbu/tutorrag/pkg/cascade"
	"github.com/perbu/tutorrag/pkg/embedder"
	"github.com/perbu/tutorrag/pkg/ingest"
	"github.com/perbu/tutorrag/pkg/rag"
	"github.com/perbu/tutorrag/pkg/websearch"
	"go.uber.org/zap"
)

// HealthResponse is the response body for GET /health
type HealthResponse struct {
	Status string `json:"status"`
}

// FilterBody is the wire form of rag.Filter
type FilterBody struct {
	Equals  map[string]string `json:"equals,omitempty"`
	Matches map[string]string `json:"matches,omitempty"`
}

func (f FilterBody) filter() rag.Filter {
	return rag.Filter{Equals: f.Equals, Matches: f.Matches}
}

// SearchRequest is the request body for POST /api/v1/search.
// Keywords switch to hybrid scoring. Limit and Threshold fall back to the
// server's search settings when left out.
type SearchRequest struct {
	Query         string     `json:"query"`
	Limit         int        `json:"limit,omitempty"`
	Threshold     *float32   `json:"threshold,omitempty"`
	Filter        FilterBody `json:"filter"`
	Keywords      []string   `json:"keywords,omitempty"`
	VectorWeight  float32    `json:"vector_weight,omitempty"`
	KeywordWeight float32    `json:"keyword_weight,omitempty"`
}

// Hit is one search result on the wire
type Hit struct {
	ID           string            `json:"id"`
	FileID       string            `json:"file_id"`
	Type         string            `json:"type,omitempty"`
	Topic        string            `json:"topic,omitempty"`
	ChunkIndex   int               `json:"chunk_index"`
	Score        float32           `json:"score"`
	VectorScore  *float32          `json:"vector_score,omitempty"`
	KeywordScore *float32          `json:"keyword_score,omitempty"`
	Excerpt      string            `json:"excerpt"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// SearchResponse is the response body for the search routes
type SearchResponse struct {
	Results []Hit `json:"results"`
}

func toHit(r rag.SearchResult) Hit {
	d := r.Document
	return Hit{
		ID:         d.ID,
		FileID:     d.FileID,
		Type:       d.Type,
		Topic:      d.Topic,
		ChunkIndex: d.ChunkIndex,
		Score:      r.Score,
		Excerpt:    r.Excerpt,
		Metadata:   d.Metadata,
	}
}

func toHits(results []rag.SearchResult) []Hit {
	hits := make([]Hit, 0, len(results))
	for _, r := range results {
		hits = append(hits, toHit(r))
	}
	return hits
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

func (s *Server) handleSearch(c echo.Context) error {
	var req SearchRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if strings.TrimSpace(req.Query) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "query field is required")
	}

	ctx := c.Request().Context()
	opts := rag.SearchOptions{Limit: s.config.SearchLimit, Threshold: s.config.SearchThreshold, Filter: req.Filter.filter()}
	if req.Limit > 0 {
		opts.Limit = req.Limit
	}
	if req.Threshold != nil {
		opts.Threshold = *req.Threshold
	}

	if len(req.Keywords) > 0 {
		results, err := s.deps.Search.HybridSearch(ctx, req.Query, req.Keywords, rag.HybridOptions{
			SearchOptions: opts,
			VectorWeight:  req.VectorWeight,
			KeywordWeight: req.KeywordWeight,
		})
		if err != nil {
			return s.fail("hybrid search", err)
		}
		hits := make([]Hit, 0, len(results))
		for _, r := range results {
			h := toHit(r.SearchResult)
			h.VectorScore, h.KeywordScore = &r.VectorScore, &r.KeywordScore
			hits = append(hits, h)
		}
		return c.JSON(http.StatusOK, SearchResponse{Results: hits})
	}

	results, err := s.deps.Search.Search(ctx, req.Query, opts)
	if err != nil {
		return s.fail("search", err)
	}
	return c.JSON(http.StatusOK, SearchResponse{Results: toHits(results)})
}

func (s *Server) handleSimilar(c echo.Context) error {
	limit, err := limitParam(c)
	if err != nil {
		return err
	}
	results, err := s.deps.Search.SimilarTo(c.Request().Context(), c.Param("id"), limit)
	if err != nil {
		return s.fail("similar documents", err)
	}
	return c.JSON(http.StatusOK, SearchResponse{Results: toHits(results)})
}

// AskRequest is the request body for POST /api/v1/ask
type AskRequest struct {
	Question string     `json:"question"`
	Filter   FilterBody `json:"filter"`
}

// StageTrace is one visited cascade stage on the wire
type StageTrace struct {
	Stage    string  `json:"stage"`
	Accepted bool    `json:"accepted"`
	Reason   string  `json:"reason,omitempty"`
	Score    float64 `json:"score"`
	Error    string  `json:"error,omitempty"`
}

// AskResponse is the response body for POST /api/v1/ask
type AskResponse struct {
	Answer     string              `json:"answer"`
	Stage      string              `json:"stage"`
	Degraded   bool                `json:"degraded"`
	Sources    []Hit               `json:"sources,omitempty"`
	WebResults []websearch.Result  `json:"web_results,omitempty"`
	Evaluation *cascade.Evaluation `json:"evaluation,omitempty"`
	Trace      []StageTrace        `json:"trace"`
}

func (s *Server) handleAsk(c echo.Context) error {
	var req AskRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	answer, err := s.deps.Ask.Ask(c.Request().Context(), req.Question, req.Filter.filter())
	if err != nil {
		return s.fail("ask", err)
	}
	if answer.Degraded {
		s.logger.Warn("degraded answer", zap.Error(answer.Err))
	}

	resp := AskResponse{
		Answer:     answer.Text,
		Stage:      answer.Stage.String(),
		Degraded:   answer.Degraded,
		WebResults: answer.WebResults,
		Evaluation: answer.Evaluation,
	}
	if len(answer.KBResults) > 0 {
		resp.Sources = toHits(answer.KBResults)
	}
	for _, st := range answer.Trace {
		t := StageTrace{Stage: st.Stage.String(), Accepted: st.Accepted, Reason: st.Reason.String(), Score: st.Score}
		if st.Err != nil {
			t.Error = st.Err.Error()
		}
		resp.Trace = append(resp.Trace, t)
	}
	return c.JSON(http.StatusOK, resp)
}

// IngestRequest is the request body for POST /api/v1/documents
type IngestRequest struct {
	FileID   string            `json:"file_id"`
	Content  string            `json:"content"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// IngestResponse is the response body for POST /api/v1/documents
type IngestResponse struct {
	FileID      string   `json:"file_id"`
	Title       string   `json:"title,omitempty"`
	ContentType string   `json:"content_type"`
	Topic       string   `json:"topic,omitempty"`
	Difficulty  string   `json:"difficulty"`
	Tags        []string `json:"tags,omitempty"`
	TotalChunks int      `json:"total_chunks"`
	TotalTokens int      `json:"total_tokens"`
	DocumentIDs []string `json:"document_ids"`
}

func (s *Server) handleIngest(c echo.Context) error {
	var req IngestRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	report, err := s.deps.Ingest.Process(c.Request().Context(), req.FileID, req.Content, req.Metadata)
	if err != nil {
		return s.fail("ingest", err)
	}
	return c.JSON(http.StatusCreated, ingestResponse(report))
}

func ingestResponse(r *ingest.Report) IngestResponse {
	return IngestResponse{
		FileID:      r.FileID,
		Title:       r.Title,
		ContentType: r.Class.ContentType,
		Topic:       r.Class.Topic,
		Difficulty:  r.Class.Difficulty,
		Tags:        r.Class.Tags,
		TotalChunks: r.TotalChunks,
		TotalTokens: r.TotalTokens,
		DocumentIDs: r.DocumentIDs,
	}
}

func (s *Server) handleUsage(c echo.Context) error {
	var usage embedder.Usage
	if s.deps.Usage != nil {
		usage = s.deps.Usage.Usage()
	}
	return c.JSON(http.StatusOK, usage)
}

// TopicsResponse is the response body for GET /api/v1/topics
type TopicsResponse struct {
	Topics []rag.Group `json:"topics"`
}

func (s *Server) handleTopics(c echo.Context) error {
	topics, err := s.deps.Catalog.Topics(c.Request().Context(), c.QueryParam("type"))
	if err != nil {
		return s.fail("topics", err)
	}
	return c.JSON(http.StatusOK, TopicsResponse{Topics: topics})
}

// DocumentSummary is a stored chunk without its vector
type DocumentSummary struct {
	ID         string            `json:"id"`
	FileID     string            `json:"file_id"`
	Type       string            `json:"type,omitempty"`
	Topic      string            `json:"topic,omitempty"`
	ChunkIndex int               `json:"chunk_index"`
	Content    string            `json:"content"`
	WordCount  int               `json:"word_count"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}

// DocumentsResponse is the response body for GET /api/v1/documents
type DocumentsResponse struct {
	Documents []DocumentSummary `json:"documents"`
}

// handleListDocuments lists newest first. type and user_id narrow the list.
func (s *Server) handleListDocuments(c echo.Context) error {
	limit, err := limitParam(c)
	if err != nil {
		return err
	}
	filter := rag.Filter{Equals: map[string]string{}}
	for _, field := range []string{"type", "topic", "file_id", "user_id"} {
		if v := c.QueryParam(field); v != "" {
			filter.Equals[field] = v
		}
	}

	docs, err := s.deps.Catalog.Documents(c.Request().Context(), filter, limit)
	if err != nil {
		return s.fail("list documents", err)
	}
	resp := DocumentsResponse{Documents: make([]DocumentSummary, 0, len(docs))}
	for _, d := range docs {
		resp.Documents = append(resp.Documents, DocumentSummary{
			ID:         d.ID,
			FileID:     d.FileID,
			Type:       d.Type,
			Topic:      d.Topic,
			ChunkIndex: d.ChunkIndex,
			Content:    d.Content,
			WordCount:  len(strings.Fields(d.Content)),
			Metadata:   d.Metadata,
			CreatedAt:  d.CreatedAt,
		})
	}
	return c.JSON(http.StatusOK, resp)
}

// handleDeleteDocument removes one document. user_id, when given, must own it.
func (s *Server) handleDeleteDocument(c echo.Context) error {
	if err := s.deps.Catalog.Delete(c.Request().Context(), c.Param("id"), c.QueryParam("user_id")); err != nil {
		return s.fail("delete document", err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleStats(c echo.Context) error {
	stats, err := s.deps.Catalog.Stats(c.Request().Context())
	if err != nil {
		return s.fail("stats", err)
	}
	return c.JSON(http.StatusOK, stats)
}

func limitParam(c echo.Context) (int, error) {
	v := c.QueryParam("limit")
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "limit must be a non-negative integer")
	}
	return n, nil
}
