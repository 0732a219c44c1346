// Package websearch queries public search APIs for the cascade's second stage.
package websearch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// DefaultTimeout bounds each provider request
const DefaultTimeout = 10 * time.Second

// ErrProvider indicates a provider returned an unusable response
var ErrProvider = errors.New("search provider failure")

// Result is one web hit
type Result struct {
	Title   string `json:"title"`
	Content string `json:"content"`
	URL     string `json:"url"`
	Source  string `json:"source"`
}

// Searcher returns web results for a query. No hits is an empty slice.
type Searcher interface {
	Search(ctx context.Context, query string, limit int) ([]Result, error)
	Name() string
}

func newClient(timeout time.Duration) *resty.Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return resty.New().
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", "tutorrag/1.0").
		SetTimeout(timeout)
}

// Chain tries searchers in order and returns the first non-empty result set.
// Provider errors are logged and skipped; the last one is returned when
// nothing produced results.
type Chain struct {
	searchers []Searcher
	logger    *zap.Logger
}

// NewChain creates a chain over searchers
func NewChain(logger *zap.Logger, searchers ...Searcher) *Chain {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Chain{searchers: searchers, logger: logger}
}

// Search implements Searcher
func (c *Chain) Search(ctx context.Context, query string, limit int) ([]Result, error) {
	var lastErr error
	for _, s := range c.searchers {
		results, err := s.Search(ctx, query, limit)
		if err != nil {
			c.logger.Warn("web search provider failed", zap.String("provider", s.Name()), zap.Error(err))
			lastErr = err
			continue
		}
		if len(results) > 0 {
			c.logger.Debug("web search hit", zap.String("provider", s.Name()), zap.Int("results", len(results)))
			return results, nil
		}
	}
	if lastErr != nil {
		return nil, fmt.Errorf("all providers failed or empty: %w", lastErr)
	}
	return []Result{}, nil
}

// Name implements Searcher
func (c *Chain) Name() string { return "chain" }

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
