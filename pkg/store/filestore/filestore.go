// Package filestore keeps the document corpus in memory and snapshots it to a gob file.
package filestore

import (
	"context"
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/perbu/tutorrag/pkg/rag"
)

// saveEvery is how many inserts may accumulate before a snapshot is written
const saveEvery = 50

type snapshot struct {
	Documents []rag.StoredDocument
	ModelInfo string
	Dimension int
}

// Store is a rag.DocumentStore persisted as a single gob snapshot
type Store struct {
	path string

	mu      sync.RWMutex
	snap    snapshot
	pending int
}

// Open loads the snapshot at path, or starts empty when none exists
func Open(path string) (*Store, error) {
	s := &Store{path: path}

	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("%w: %v", rag.ErrStore, err)
	}
	defer file.Close()

	if err := gob.NewDecoder(file).Decode(&s.snap); err != nil {
		return nil, fmt.Errorf("%w: decoding %s: %v", rag.ErrStore, path, err)
	}
	return s, nil
}

// Fetch returns every document matching filter, in insertion order
func (s *Store) Fetch(ctx context.Context, filter rag.Filter) ([]rag.StoredDocument, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", rag.ErrStore, err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]rag.StoredDocument, 0, len(s.snap.Documents))
	for _, d := range s.snap.Documents {
		if filter.Match(d) {
			out = append(out, d)
		}
	}
	return out, nil
}

// Insert adds a document, assigning an ID and timestamp when missing.
// The snapshot is rewritten every saveEvery inserts; call Flush to force it.
// When that write fails the document is not kept, so a retry stores it once.
func (s *Store) Insert(ctx context.Context, doc rag.StoredDocument) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", rag.ErrStore, err)
	}
	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.snap
	if s.snap.Dimension == 0 && len(doc.Embedding) > 0 {
		s.snap.Dimension = len(doc.Embedding)
	}
	if len(doc.Embedding) > 0 && len(doc.Embedding) != s.snap.Dimension {
		s.snap = prev
		return fmt.Errorf("%w: embedding has %d dimensions, corpus has %d", rag.ErrStore, len(doc.Embedding), s.snap.Dimension)
	}
	if model := doc.Metadata["embedding_model"]; model != "" && s.snap.ModelInfo == "" {
		s.snap.ModelInfo = model
	}

	s.snap.Documents = append(s.snap.Documents, doc)
	s.pending++
	if s.pending >= saveEvery {
		if err := s.saveLocked(); err != nil {
			s.snap = prev
			s.pending--
			return err
		}
	}
	return nil
}

// Len returns the number of stored documents
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.snap.Documents)
}

// Count returns the number of documents matching filter
func (s *Store) Count(ctx context.Context, filter rag.Filter) (int64, error) {
	docs, err := s.Fetch(ctx, filter)
	if err != nil {
		return 0, err
	}
	return int64(len(docs)), nil
}

// GroupBy counts matching documents per value of field
func (s *Store) GroupBy(ctx context.Context, field string, filter rag.Filter) ([]rag.Group, error) {
	docs, err := s.Fetch(ctx, filter)
	if err != nil {
		return nil, err
	}
	return rag.GroupDocuments(docs, field), nil
}

// List returns matching documents newest first, without embeddings
func (s *Store) List(ctx context.Context, filter rag.Filter, limit int) ([]rag.StoredDocument, error) {
	docs, err := s.Fetch(ctx, filter)
	if err != nil {
		return nil, err
	}
	return rag.NewestFirst(docs, limit), nil
}

// Delete removes the documents matching filter. Like inserts, the removal
// reaches disk with the next snapshot.
func (s *Store) Delete(ctx context.Context, filter rag.Filter) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("%w: %v", rag.ErrStore, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	kept := make([]rag.StoredDocument, 0, len(s.snap.Documents))
	for _, d := range s.snap.Documents {
		if !filter.Match(d) {
			kept = append(kept, d)
		}
	}
	removed := len(s.snap.Documents) - len(kept)
	if removed > 0 {
		s.snap.Documents = kept
		s.pending += removed
	}
	return int64(removed), nil
}

// ModelInfo returns the embedding model recorded with the corpus
func (s *Store) ModelInfo() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap.ModelInfo
}

// Flush writes the snapshot if anything changed since the last write
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == 0 {
		return nil
	}
	return s.saveLocked()
}

// Close flushes pending inserts
func (s *Store) Close(context.Context) error {
	return s.Flush()
}

func (s *Store) saveLocked() error {
	if dir := filepath.Dir(s.path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("%w: %v", rag.ErrStore, err)
		}
	}

	tmp := s.path + ".tmp"
	file, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("%w: %v", rag.ErrStore, err)
	}

	if err := gob.NewEncoder(file).Encode(&s.snap); err != nil {
		file.Close()
		return fmt.Errorf("%w: encoding snapshot: %v", rag.ErrStore, err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("%w: %v", rag.ErrStore, err)
	}

	// Atomic rename
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("%w: %v", rag.ErrStore, err)
	}
	s.pending = 0
	return nil
}
