// Package server exposes search, question answering and ingestion over HTTP.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/perbu/tutorrag/pkg/cascade"
	"github.com/perbu/tutorrag/pkg/catalog"
	"github.com/perbu/tutorrag/pkg/chunker"
	"github.com/perbu/tutorrag/pkg/embedder"
	"github.com/perbu/tutorrag/pkg/ingest"
	"github.com/perbu/tutorrag/pkg/rag"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Searcher is the retrieval surface. *rag.Engine satisfies it.
type Searcher interface {
	Search(ctx context.Context, query string, opts rag.SearchOptions) ([]rag.SearchResult, error)
	HybridSearch(ctx context.Context, query string, keywords []string, opts rag.HybridOptions) ([]rag.HybridResult, error)
	SimilarTo(ctx context.Context, documentID string, limit int) ([]rag.SearchResult, error)
}

// Asker answers questions. *cascade.Cascade satisfies it.
type Asker interface {
	Ask(ctx context.Context, query string, filter rag.Filter) (*cascade.Answer, error)
}

// Ingester indexes uploaded text. *ingest.Pipeline satisfies it.
type Ingester interface {
	Process(ctx context.Context, fileID, content string, metadata map[string]string) (*ingest.Report, error)
}

// UsageReporter exposes embedding spend. *embedder.OpenAIEmbedder satisfies it.
type UsageReporter interface {
	Usage() embedder.Usage
}

// Cataloger lists and removes stored documents. *catalog.Service satisfies it.
type Cataloger interface {
	Topics(ctx context.Context, contentType string) ([]rag.Group, error)
	Documents(ctx context.Context, filter rag.Filter, limit int) ([]rag.StoredDocument, error)
	Stats(ctx context.Context) (*catalog.Stats, error)
	Delete(ctx context.Context, id, owner string) error
}

// Deps are the components behind the routes. Catalog, Usage and Gatherer
// are optional; the catalog routes exist only with a Catalog.
type Deps struct {
	Search   Searcher
	Ask      Asker
	Ingest   Ingester
	Catalog  Cataloger
	Usage    UsageReporter
	Gatherer prometheus.Gatherer
}

// Config holds HTTP server configuration
type Config struct {
	Addr string
	// Used when a search request leaves limit or threshold out
	SearchLimit     int
	SearchThreshold float32
}

// Server provides the HTTP API
type Server struct {
	echo   *echo.Echo
	deps   Deps
	logger *zap.Logger
	config Config
}

// New creates a server
func New(deps Deps, logger *zap.Logger, cfg Config) (*Server, error) {
	if deps.Search == nil || deps.Ask == nil || deps.Ingest == nil {
		return nil, errors.New("search, ask and ingest components are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	if cfg.SearchLimit <= 0 {
		cfg.SearchLimit = 5
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				// let the error handler set the status before logging
				c.Error(err)
			}
			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)
			return nil
		}
	})

	s := &Server{echo: e, deps: deps, logger: logger, config: cfg}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)

	gatherer := s.deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	v1 := s.echo.Group("/api/v1")
	v1.POST("/search", s.handleSearch)
	v1.POST("/ask", s.handleAsk)
	v1.POST("/documents", s.handleIngest)
	v1.GET("/documents/:id/similar", s.handleSimilar)
	v1.GET("/usage", s.handleUsage)

	if s.deps.Catalog != nil {
		v1.GET("/topics", s.handleTopics)
		v1.GET("/documents", s.handleListDocuments)
		v1.DELETE("/documents/:id", s.handleDeleteDocument)
		v1.GET("/stats", s.handleStats)
	}
}

// Handler returns the routed handler
func (s *Server) Handler() http.Handler { return s.echo }

// Start serves until Shutdown
func (s *Server) Start() error {
	s.logger.Info("starting http server", zap.String("addr", s.config.Addr))
	err := s.echo.Start(s.config.Addr)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}

// statusFor maps domain errors onto HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, cascade.ErrEmptyQuery),
		errors.Is(err, chunker.ErrEmptyText),
		errors.Is(err, chunker.ErrInvalidWindow),
		errors.Is(err, ingest.ErrEmptyFileID):
		return http.StatusBadRequest
	case errors.Is(err, rag.ErrDocumentNotFound):
		return http.StatusNotFound
	case errors.Is(err, rag.ErrNoEmbedding):
		return http.StatusUnprocessableEntity
	case errors.Is(err, embedder.ErrEmbedding):
		return http.StatusBadGateway
	case errors.Is(err, rag.ErrStore):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func (s *Server) fail(op string, err error) error {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		s.logger.Error(op+" failed", zap.Error(err))
	} else {
		s.logger.Debug(op+" rejected", zap.Error(err))
	}
	return echo.NewHTTPError(code, err.Error())
}
