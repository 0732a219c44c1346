// Package catalog lists, summarizes and removes stored documents.
package catalog

import (
	"context"
	"fmt"

	"github.com/perbu/tutorrag/pkg/embedder"
	"github.com/perbu/tutorrag/pkg/rag"
	"go.uber.org/zap"
)

// List limits
const (
	DefaultListLimit = 20
	MaxListLimit     = 100
)

// Remover drops documents from an index kept beside the store
type Remover interface {
	Delete(ctx context.Context, ids ...string) error
}

// UsageReporter exposes embedding spend
type UsageReporter interface {
	Usage() embedder.Usage
}

// Stats summarizes the corpus
type Stats struct {
	TotalDocuments int64           `json:"total_documents"`
	TotalFiles     int             `json:"total_files"`
	Types          []rag.Group     `json:"type_distribution"`
	Usage          *embedder.Usage `json:"usage,omitempty"`
}

// Service answers catalog queries against a store
type Service struct {
	store  rag.Catalog
	index  Remover
	usage  UsageReporter
	logger *zap.Logger
}

// Option customizes a Service
type Option func(*Service)

// WithIndex removes deleted documents from idx as well
func WithIndex(idx Remover) Option {
	return func(s *Service) { s.index = idx }
}

// WithUsage adds embedding usage to Stats
func WithUsage(u UsageReporter) Option {
	return func(s *Service) { s.usage = u }
}

// New creates a catalog over store
func New(store rag.Catalog, logger *zap.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{store: store, logger: logger}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Topics counts documents per topic, most frequent first. An empty
// contentType covers every type.
func (s *Service) Topics(ctx context.Context, contentType string) ([]rag.Group, error) {
	return s.store.GroupBy(ctx, "topic", typeFilter(contentType))
}

// Documents lists matching documents newest first, without embeddings.
// limit is clamped to [1, MaxListLimit]; zero selects DefaultListLimit.
func (s *Service) Documents(ctx context.Context, filter rag.Filter, limit int) ([]rag.StoredDocument, error) {
	switch {
	case limit <= 0:
		limit = DefaultListLimit
	case limit > MaxListLimit:
		limit = MaxListLimit
	}
	return s.store.List(ctx, filter, limit)
}

// Stats reports totals and the type distribution
func (s *Service) Stats(ctx context.Context) (*Stats, error) {
	total, err := s.store.Count(ctx, rag.Filter{})
	if err != nil {
		return nil, err
	}
	types, err := s.store.GroupBy(ctx, "type", rag.Filter{})
	if err != nil {
		return nil, err
	}
	files, err := s.store.GroupBy(ctx, "file_id", rag.Filter{})
	if err != nil {
		return nil, err
	}

	stats := &Stats{TotalDocuments: total, TotalFiles: len(files), Types: types}
	if s.usage != nil {
		u := s.usage.Usage()
		stats.Usage = &u
	}
	return stats, nil
}

// Delete removes one document. A non-empty owner must match the document's
// user_id, so users cannot remove each other's uploads.
func (s *Service) Delete(ctx context.Context, id, owner string) error {
	filter := rag.Filter{Equals: map[string]string{"id": id}}
	if owner != "" {
		filter.Equals["user_id"] = owner
	}

	n, err := s.store.Delete(ctx, filter)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", rag.ErrDocumentNotFound, id)
	}

	// The store is the source of truth; a stale index point is logged, not fatal.
	if s.index != nil {
		if err := s.index.Delete(ctx, id); err != nil {
			s.logger.Warn("removing document from index", zap.String("id", id), zap.Error(err))
		}
	}
	s.logger.Info("deleted document", zap.String("id", id))
	return nil
}

func typeFilter(contentType string) rag.Filter {
	if contentType == "" {
		return rag.Filter{}
	}
	return rag.Filter{Equals: map[string]string{"type": contentType}}
}
