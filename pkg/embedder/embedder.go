package embedder

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"sort"
)

var (
	// ErrEmbedding indicates the provider failed or the input was rejected
	ErrEmbedding = errors.New("embedding failed")

	// ErrUnknownModel indicates a model name missing from Models
	ErrUnknownModel = errors.New("unknown embedding model")
)

// Embedder interface for generating embeddings
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
	ModelInfo() string
}

// TokenCounter counts tokens the way the provider will
type TokenCounter interface {
	CountTokens(text string) int
}

// Model describes a provider embedding model
type Model struct {
	Name      string
	Dimension int
	MaxTokens int
	CostPer1K float64 // USD per 1000 tokens
}

// Models lists the supported OpenAI embedding models
var Models = map[string]Model{
	"text-embedding-3-small": {Name: "text-embedding-3-small", Dimension: 1536, MaxTokens: 8192, CostPer1K: 0.00002},
	"text-embedding-3-large": {Name: "text-embedding-3-large", Dimension: 3072, MaxTokens: 8192, CostPer1K: 0.00013},
	"text-embedding-ada-002": {Name: "text-embedding-ada-002", Dimension: 1536, MaxTokens: 8192, CostPer1K: 0.0001},
}

// LookupModel returns the table entry for name
func LookupModel(name string) (Model, error) {
	m, ok := Models[name]
	if !ok {
		return Model{}, fmt.Errorf("%w: %s (known: %v)", ErrUnknownModel, name, modelNames())
	}
	return m, nil
}

func modelNames() []string {
	names := make([]string, 0, len(Models))
	for n := range Models {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Usage is the running total of provider consumption
type Usage struct {
	TotalTokens   int     `json:"total_tokens"`
	TotalRequests int     `json:"total_requests"`
	TotalCost     float64 `json:"total_cost"`
}

// ContentHash returns the md5 hex digest stored as content_hash metadata
func ContentHash(text string) string {
	sum := md5.Sum([]byte(text))
	return hex.EncodeToString(sum[:])
}

// l2normalize normalizes a vector to unit length
func l2normalize(v []float32) {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return
	}
	inv := 1.0 / math.Sqrt(sum)
	for i := range v {
		v[i] = float32(float64(v[i]) * inv)
	}
}
