package rag

import (
	"context"
	"errors"
	"regexp"
	"time"
)

var (
	// ErrStore indicates a read or write against the document store failed
	ErrStore = errors.New("document store failure")

	// ErrDocumentNotFound indicates a lookup by id matched nothing
	ErrDocumentNotFound = errors.New("document not found")

	// ErrNoEmbedding indicates a stored document carries no vector
	ErrNoEmbedding = errors.New("document has no embedding")
)

// StoredDocument is a persisted chunk as the document store sees it
type StoredDocument struct {
	ID         string
	FileID     string
	Content    string
	Embedding  []float32
	Type       string // grammar, vocabulary, reading, ...
	Topic      string
	ChunkIndex int
	Metadata   map[string]string
	CreatedAt  time.Time
}

// Field resolves a filterable field by name. Unknown names fall through to Metadata.
func (d StoredDocument) Field(name string) (string, bool) {
	switch name {
	case "id", "_id":
		return d.ID, true
	case "file_id":
		return d.FileID, true
	case "type":
		return d.Type, true
	case "topic":
		return d.Topic, true
	case "content":
		return d.Content, true
	}
	v, ok := d.Metadata[name]
	return v, ok
}

// SearchResult represents a single ranked document with its score
type SearchResult struct {
	Document StoredDocument // Embedding is stripped
	Score    float32        // In [0,1]
	Excerpt  string
}

// Filter restricts the candidate corpus before scoring.
// Equals holds exact matches, Matches case-insensitive regular expressions.
type Filter struct {
	Equals  map[string]string
	Matches map[string]string
}

// IsEmpty reports whether the filter has no conditions
func (f Filter) IsEmpty() bool {
	return len(f.Equals) == 0 && len(f.Matches) == 0
}

// Match evaluates the filter in process, for stores without a query language.
// An invalid pattern never matches.
func (f Filter) Match(d StoredDocument) bool {
	for field, want := range f.Equals {
		got, ok := d.Field(field)
		if !ok || got != want {
			return false
		}
	}
	for field, pattern := range f.Matches {
		got, ok := d.Field(field)
		if !ok {
			return false
		}
		re, err := regexp.Compile("(?i)" + pattern)
		if err != nil || !re.MatchString(got) {
			return false
		}
	}
	return true
}

// DocumentStore is the persistence collaborator. Filtering happens in the store.
type DocumentStore interface {
	Fetch(ctx context.Context, filter Filter) ([]StoredDocument, error)
	Insert(ctx context.Context, doc StoredDocument) error
}

// Index answers threshold-gated top-k queries for a vector.
// BruteForceIndex is the reference implementation; ANN indexes must keep
// the same contract: drop scores below threshold, then return the best limit.
type Index interface {
	Query(ctx context.Context, vector []float32, filter Filter, limit int, threshold float32) ([]SearchResult, error)
}
