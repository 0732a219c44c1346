package catalog

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/perbu/tutorrag/pkg/embedder"
	"github.com/perbu/tutorrag/pkg/rag"
	"github.com/perbu/tutorrag/pkg/store/filestore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingIndex struct {
	deleted []string
	err     error
}

func (r *recordingIndex) Delete(_ context.Context, ids ...string) error {
	r.deleted = append(r.deleted, ids...)
	return r.err
}

type fixedUsage embedder.Usage

func (u fixedUsage) Usage() embedder.Usage { return embedder.Usage(u) }

func seededStore(t *testing.T) *filestore.Store {
	t.Helper()
	ctx := context.Background()
	s, err := filestore.Open(filepath.Join(t.TempDir(), "index.gob"))
	require.NoError(t, err)

	base := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	docs := []rag.StoredDocument{
		{ID: "g1", FileID: "grammar.md", Type: "grammar", Topic: "Past Perfect"},
		{ID: "g2", FileID: "grammar.md", Type: "grammar", Topic: "Past Perfect"},
		{ID: "g3", FileID: "conditionals.md", Type: "grammar", Topic: "Conditionals"},
		{ID: "v1", FileID: "travel.md", Type: "vocabulary", Topic: "Travel", Metadata: map[string]string{"user_id": "u1"}},
	}
	for i, d := range docs {
		d.Embedding = []float32{1, 0}
		d.Content = fmt.Sprintf("content %s", d.ID)
		d.CreatedAt = base.Add(time.Duration(i) * time.Hour)
		require.NoError(t, s.Insert(ctx, d))
	}
	return s
}

func TestService_Topics(t *testing.T) {
	svc := New(seededStore(t), nil)

	all, err := svc.Topics(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, rag.Group{Value: "Past Perfect", Type: "grammar", Count: 2}, all[0])

	vocab, err := svc.Topics(context.Background(), "vocabulary")
	require.NoError(t, err)
	assert.Equal(t, []rag.Group{{Value: "Travel", Type: "vocabulary", Count: 1}}, vocab)
}

func TestService_Documents(t *testing.T) {
	svc := New(seededStore(t), nil)

	docs, err := svc.Documents(context.Background(), rag.Filter{Equals: map[string]string{"type": "grammar"}}, 0)
	require.NoError(t, err)
	require.Len(t, docs, 3)
	assert.Equal(t, "g3", docs[0].ID)
	assert.Nil(t, docs[0].Embedding)

	docs, err = svc.Documents(context.Background(), rag.Filter{}, 1)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "v1", docs[0].ID)
}

func TestService_Stats(t *testing.T) {
	svc := New(seededStore(t), nil, WithUsage(fixedUsage{TotalTokens: 1200, TotalRequests: 3}))

	stats, err := svc.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(4), stats.TotalDocuments)
	assert.Equal(t, 3, stats.TotalFiles)
	assert.Equal(t, []rag.Group{
		{Value: "grammar", Type: "grammar", Count: 3},
		{Value: "vocabulary", Type: "vocabulary", Count: 1},
	}, stats.Types)
	require.NotNil(t, stats.Usage)
	assert.Equal(t, 1200, stats.Usage.TotalTokens)
}

func TestService_Delete(t *testing.T) {
	ctx := context.Background()
	store := seededStore(t)
	idx := &recordingIndex{}
	svc := New(store, nil, WithIndex(idx))

	// owner mismatch finds nothing
	err := svc.Delete(ctx, "v1", "u2")
	assert.ErrorIs(t, err, rag.ErrDocumentNotFound)
	assert.Empty(t, idx.deleted)

	require.NoError(t, svc.Delete(ctx, "v1", "u1"))
	require.NoError(t, svc.Delete(ctx, "g1", ""))
	assert.Equal(t, []string{"v1", "g1"}, idx.deleted)
	assert.Equal(t, 2, store.Len())

	err = svc.Delete(ctx, "g1", "")
	assert.ErrorIs(t, err, rag.ErrDocumentNotFound)

	// a failing index does not undo the store deletion
	idx.err = errors.New("qdrant unavailable")
	require.NoError(t, svc.Delete(ctx, "g2", ""))
	assert.Equal(t, 1, store.Len())
}
