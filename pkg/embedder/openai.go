package embedder

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/perbu/tutorrag/pkg/chunker"
	openai "github.com/sashabaranov/go-openai"
)

// maxInFlight limits concurrent API calls in EmbedBatchWithProgress
const maxInFlight = 10

// Config selects the provider model
type Config struct {
	APIKey    string
	Model     string
	BaseURL   string // optional, for proxies and tests
	Normalize bool
}

// Option customizes an OpenAIEmbedder
type Option func(*OpenAIEmbedder)

// WithTokenCounter sets the counter used for the pre-call ceiling check
func WithTokenCounter(tc TokenCounter) Option {
	return func(e *OpenAIEmbedder) { e.counter = tc }
}

// WithMetrics records usage in Prometheus counters
func WithMetrics(m *Metrics) Option {
	return func(e *OpenAIEmbedder) { e.metrics = m }
}

// OpenAIEmbedder uses OpenAI API for embeddings
type OpenAIEmbedder struct {
	client    *openai.Client
	model     Model
	normalize bool
	counter   TokenCounter
	metrics   *Metrics

	mu    sync.Mutex
	usage Usage
}

// NewOpenAIEmbedder creates an OpenAI embedder
func NewOpenAIEmbedder(cfg Config, opts ...Option) (*OpenAIEmbedder, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("OpenAI API key not set")
	}
	model, err := LookupModel(cfg.Model)
	if err != nil {
		return nil, err
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	e := &OpenAIEmbedder{
		client:    openai.NewClientWithConfig(clientCfg),
		model:     model,
		normalize: cfg.Normalize,
		counter:   chunker.New(nil),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Embed generates an embedding for a single text
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	text = chunker.Clean(text)
	if text == "" {
		e.metrics.failed(e.model.Name)
		return nil, fmt.Errorf("%w: cannot embed empty text", ErrEmbedding)
	}

	tokens := e.counter.CountTokens(text)
	if tokens > e.model.MaxTokens {
		e.metrics.failed(e.model.Name)
		return nil, &CeilingError{Tokens: tokens, Max: e.model.MaxTokens}
	}

	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Model: openai.EmbeddingModel(e.model.Name),
		Input: []string{text},
	})
	if err != nil {
		e.metrics.failed(e.model.Name)
		return nil, fmt.Errorf("%w: OpenAI API error: %v", ErrEmbedding, err)
	}

	if len(resp.Data) == 0 {
		e.metrics.failed(e.model.Name)
		return nil, fmt.Errorf("%w: no embedding data returned from API", ErrEmbedding)
	}

	src := resp.Data[0].Embedding
	v := make([]float32, len(src))
	for i := range src {
		v[i] = float32(src[i])
	}

	if e.normalize {
		l2normalize(v)
	}

	if resp.Usage.TotalTokens > 0 {
		tokens = resp.Usage.TotalTokens
	}
	e.record(tokens)

	return v, nil
}

func (e *OpenAIEmbedder) record(tokens int) {
	cost := float64(tokens) / 1000 * e.model.CostPer1K

	e.mu.Lock()
	e.usage.TotalTokens += tokens
	e.usage.TotalRequests++
	e.usage.TotalCost += cost
	e.mu.Unlock()

	e.metrics.observe(e.model.Name, tokens, cost)
}

// Usage returns the accumulated provider usage
func (e *OpenAIEmbedder) Usage() Usage {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.usage
}

// EmbedBatch generates embeddings for multiple texts with parallel processing
func (e *OpenAIEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return e.EmbedBatchWithProgress(ctx, texts, nil)
}

// EmbedBatchWithProgress generates embeddings with optional progress callback
// progressFn is called with (completed, total) after each embedding
func (e *OpenAIEmbedder) EmbedBatchWithProgress(ctx context.Context, texts []string, progressFn func(int, int)) ([][]float32, error) {
	return embedParallel(ctx, e, texts, progressFn)
}

// embedParallel runs Embed over texts with at most maxInFlight calls at once.
// The first failure cancels the remaining work.
func embedParallel(ctx context.Context, e Embedder, texts []string, progressFn func(int, int)) ([][]float32, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	embeddings := make([][]float32, len(texts))
	errChan := make(chan error, len(texts))
	sem := make(chan struct{}, maxInFlight)

	for i := range texts {
		sem <- struct{}{} // Acquire semaphore
		go func(idx int) {
			defer func() { <-sem }() // Release semaphore

			emb, err := e.Embed(ctx, texts[idx])
			if err != nil {
				errChan <- fmt.Errorf("text %d: %w", idx, err)
				return
			}
			embeddings[idx] = emb
			errChan <- nil
		}(i)
	}

	count := 0
	for range texts {
		if err := <-errChan; err != nil {
			return nil, err
		}
		count++
		if progressFn != nil {
			progressFn(count, len(texts))
		}
	}

	return embeddings, nil
}

// Dimension returns the embedding dimension
func (e *OpenAIEmbedder) Dimension() int {
	return e.model.Dimension
}

// ModelInfo returns model information
func (e *OpenAIEmbedder) ModelInfo() string {
	return e.model.Name
}

// CeilingError reports text over the model's token limit.
// It wraps ErrEmbedding and is never worth retrying.
type CeilingError struct {
	Tokens int
	Max    int
}

func (c *CeilingError) Error() string {
	return fmt.Sprintf("%v: text has %d tokens, model accepts %d", ErrEmbedding, c.Tokens, c.Max)
}

func (c *CeilingError) Unwrap() error { return ErrEmbedding }
