// Package llm wraps the chat model used for answers and result evaluation.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
)

// DefaultModel is used when Config.Model is empty
const DefaultModel = "gpt-4o-mini"

// ErrCompletion indicates the model call failed or returned nothing
var ErrCompletion = errors.New("completion failure")

// Completer turns a prompt into model text
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// Config selects the chat model
type Config struct {
	APIKey      string
	Model       string
	BaseURL     string // empty means api.openai.com
	Temperature float64
	MaxTokens   int
}

// OpenAI is a Completer over an OpenAI-compatible chat endpoint
type OpenAI struct {
	llm         llms.Model
	temperature float64
	maxTokens   int
}

// NewOpenAI creates a completer
func NewOpenAI(cfg Config) (*OpenAI, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: missing API key", ErrCompletion)
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	opts := []openai.Option{
		openai.WithToken(cfg.APIKey),
		openai.WithModel(cfg.Model),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}
	client, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: creating client: %v", ErrCompletion, err)
	}
	return &OpenAI{llm: client, temperature: cfg.Temperature, maxTokens: cfg.MaxTokens}, nil
}

// Complete implements Completer
func (o *OpenAI) Complete(ctx context.Context, prompt string) (string, error) {
	callOpts := []llms.CallOption{llms.WithTemperature(o.temperature)}
	if o.maxTokens > 0 {
		callOpts = append(callOpts, llms.WithMaxTokens(o.maxTokens))
	}
	text, err := llms.GenerateFromSinglePrompt(ctx, o.llm, prompt, callOpts...)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCompletion, err)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", fmt.Errorf("%w: empty reply", ErrCompletion)
	}
	return text, nil
}
