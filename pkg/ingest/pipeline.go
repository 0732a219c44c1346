// Package ingest turns uploaded document text into embedded, stored chunks.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/perbu/tutorrag/pkg/chunker"
	"github.com/perbu/tutorrag/pkg/embedder"
	"github.com/perbu/tutorrag/pkg/loader"
	"github.com/perbu/tutorrag/pkg/rag"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ErrEmptyFileID indicates Process was called without a file id
var ErrEmptyFileID = errors.New("file id is required")

// Config sizes chunk windows and paces provider calls
type Config struct {
	MaxTokens         int
	OverlapTokens     int
	RequestsPerSecond float64 // <= 0 disables pacing
	Burst             int
}

// DefaultConfig returns 1000-token windows overlapping by 100
func DefaultConfig() Config {
	return Config{MaxTokens: 1000, OverlapTokens: 100, RequestsPerSecond: 10, Burst: 5}
}

// Indexer receives every stored chunk, e.g. an ANN index kept beside the store
type Indexer interface {
	Upsert(ctx context.Context, doc rag.StoredDocument) error
}

// Report summarizes one processed file
type Report struct {
	FileID      string         `json:"file_id"`
	TotalChunks int            `json:"total_chunks"`
	TotalTokens int            `json:"total_tokens"`
	DocumentIDs []string       `json:"document_ids"`
	Title       string         `json:"title,omitempty"`
	Duration    time.Duration  `json:"duration"`
	Class       Classification `json:"classification"`
}

// Pipeline classifies, chunks, embeds and stores documents
type Pipeline struct {
	chunker  *chunker.Chunker
	embedder embedder.Embedder
	store    rag.DocumentStore
	indexer  Indexer
	limiter  *rate.Limiter
	cfg      Config
	logger   *zap.Logger
}

// Option customizes a Pipeline
type Option func(*Pipeline)

// WithIndexer mirrors stored chunks into idx
func WithIndexer(idx Indexer) Option {
	return func(p *Pipeline) { p.indexer = idx }
}

// New creates a pipeline
func New(c *chunker.Chunker, emb embedder.Embedder, store rag.DocumentStore, cfg Config, logger *zap.Logger, opts ...Option) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultConfig().MaxTokens
		cfg.OverlapTokens = DefaultConfig().OverlapTokens
	}

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := max(cfg.Burst, 1)

	p := &Pipeline{
		chunker:  c,
		embedder: emb,
		store:    store,
		limiter:  rate.NewLimiter(limit, burst),
		cfg:      cfg,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Process stores content as embedded chunks under fileID.
// The first embedding or store failure aborts the file; chunks already
// stored stay stored.
func (p *Pipeline) Process(ctx context.Context, fileID, content string, metadata map[string]string) (*Report, error) {
	if fileID == "" {
		return nil, ErrEmptyFileID
	}
	start := time.Now()
	log := p.logger.With(zap.String("file_id", fileID))

	class := Classify(content)
	report := &Report{FileID: fileID, Class: class, Title: loader.Title(content)}

	chunks, err := p.chunker.Chunk(content, p.cfg.MaxTokens, p.cfg.OverlapTokens)
	if err != nil {
		return nil, fmt.Errorf("chunking %s: %w", fileID, err)
	}
	log.Info("processing document",
		zap.Int("chunks", len(chunks)),
		zap.String("content_type", class.ContentType),
		zap.String("topic", class.Topic))

	base := p.baseMetadata(class, report.Title, metadata)

	for _, ch := range chunks {
		if err := p.limiter.Wait(ctx); err != nil {
			return report, fmt.Errorf("%w: waiting for rate limiter: %v", embedder.ErrEmbedding, err)
		}

		vec, err := p.embedder.Embed(ctx, ch.Content)
		if err != nil {
			log.Error("embedding chunk failed", zap.Int("chunk_index", ch.Index), zap.Error(err))
			return report, fmt.Errorf("chunk %d of %s: %w", ch.Index, fileID, err)
		}

		doc := rag.StoredDocument{
			ID:         uuid.NewString(),
			FileID:     fileID,
			Content:    ch.Content,
			Embedding:  vec,
			Type:       class.ContentType,
			Topic:      class.Topic,
			ChunkIndex: ch.Index,
			Metadata:   chunkMetadata(base, ch, p.embedder.ModelInfo()),
			CreatedAt:  time.Now().UTC(),
		}
		if err := p.store.Insert(ctx, doc); err != nil {
			return report, fmt.Errorf("storing chunk %d of %s: %w", ch.Index, fileID, err)
		}
		if p.indexer != nil {
			if err := p.indexer.Upsert(ctx, doc); err != nil {
				return report, fmt.Errorf("indexing chunk %d of %s: %w", ch.Index, fileID, err)
			}
		}

		report.DocumentIDs = append(report.DocumentIDs, doc.ID)
		report.TotalChunks++
		report.TotalTokens += ch.TokenCount
	}

	report.Duration = time.Since(start)
	log.Info("document processed",
		zap.Int("chunks", report.TotalChunks),
		zap.Int("tokens", report.TotalTokens),
		zap.Duration("duration", report.Duration))
	return report, nil
}

// baseMetadata merges classification under caller-supplied metadata.
// Caller keys win.
func (p *Pipeline) baseMetadata(c Classification, title string, extra map[string]string) map[string]string {
	m := map[string]string{
		"content_type":     c.ContentType,
		"difficulty_level": c.Difficulty,
		"tags":             strings.Join(c.Tags, ","),
		"auto_classified":  "true",
	}
	if c.Topic != "" {
		m["topic"] = c.Topic
	}
	if title != "" {
		m["title"] = title
	}
	for k, v := range extra {
		m[k] = v
	}
	return m
}

func chunkMetadata(base map[string]string, ch chunker.Chunk, model string) map[string]string {
	m := make(map[string]string, len(base)+5)
	for k, v := range base {
		m[k] = v
	}
	m["token_count"] = strconv.Itoa(ch.TokenCount)
	m["text_length"] = strconv.Itoa(ch.TextLength)
	m["start_position"] = strconv.Itoa(ch.StartPosition)
	m["embedding_model"] = model
	m["content_hash"] = embedder.ContentHash(ch.Content)
	return m
}
