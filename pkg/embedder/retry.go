package embedder

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
)

// RetryConfig bounds the caller-side retry policy
type RetryConfig struct {
	MaxTries        uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsed      time.Duration
}

// DefaultRetryConfig returns three tries with a 500ms starting backoff
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxTries:        3,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     5 * time.Second,
		MaxElapsed:      30 * time.Second,
	}
}

// Retrying wraps an Embedder with exponential backoff.
// Texts over the token ceiling fail immediately.
type Retrying struct {
	Embedder
	cfg    RetryConfig
	logger *zap.Logger
}

// NewRetrying decorates e. A zero MaxTries disables retries.
func NewRetrying(e Embedder, cfg RetryConfig, logger *zap.Logger) *Retrying {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Retrying{Embedder: e, cfg: cfg, logger: logger}
}

// Embed retries transient failures of the wrapped embedder
func (r *Retrying) Embed(ctx context.Context, text string) ([]float32, error) {
	if r.cfg.MaxTries <= 1 {
		return r.Embedder.Embed(ctx, text)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.InitialInterval
	b.MaxInterval = r.cfg.MaxInterval

	attempt := 0
	op := func() ([]float32, error) {
		attempt++
		v, err := r.Embedder.Embed(ctx, text)
		if err == nil {
			return v, nil
		}
		var ceiling *CeilingError
		if errors.As(err, &ceiling) || ctx.Err() != nil {
			return nil, backoff.Permanent(err)
		}
		r.logger.Warn("embedding failed, retrying",
			zap.Int("attempt", attempt),
			zap.String("model", r.ModelInfo()),
			zap.Error(err))
		return nil, err
	}

	opts := []backoff.RetryOption{
		backoff.WithBackOff(b),
		backoff.WithMaxTries(r.cfg.MaxTries),
	}
	if r.cfg.MaxElapsed > 0 {
		opts = append(opts, backoff.WithMaxElapsedTime(r.cfg.MaxElapsed))
	}
	return backoff.Retry(ctx, op, opts...)
}

// EmbedBatch embeds texts in parallel, retrying each one independently
func (r *Retrying) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return embedParallel(ctx, r, texts, nil)
}
