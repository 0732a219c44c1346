package mongostore

import (
	"bytes"
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/perbu/tutorrag/pkg/rag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
)

func TestBuildFilter(t *testing.T) {
	tests := []struct {
		name   string
		filter rag.Filter
		want   bson.D
	}{
		{
			name:   "empty",
			filter: rag.Filter{},
			want:   bson.D{},
		},
		{
			name:   "top-level equality",
			filter: rag.Filter{Equals: map[string]string{"file_id": "f1"}},
			want:   bson.D{{Key: "file_id", Value: "f1"}},
		},
		{
			name:   "id maps to _id",
			filter: rag.Filter{Equals: map[string]string{"id": "abc"}},
			want:   bson.D{{Key: "_id", Value: "abc"}},
		},
		{
			name:   "hex id also matches an ObjectID",
			filter: rag.Filter{Equals: map[string]string{"id": "65f1c2a9e4b0a1b2c3d4e5f6"}},
			want: bson.D{{Key: "_id", Value: bson.D{{Key: "$in", Value: bson.A{
				"65f1c2a9e4b0a1b2c3d4e5f6", mustObjectID("65f1c2a9e4b0a1b2c3d4e5f6"),
			}}}}},
		},
		{
			name:   "metadata equality",
			filter: rag.Filter{Equals: map[string]string{"difficulty": "beginner"}},
			want:   bson.D{{Key: "metadata.difficulty", Value: "beginner"}},
		},
		{
			name:   "case-insensitive regex",
			filter: rag.Filter{Matches: map[string]string{"content": "past perfect"}},
			want:   bson.D{{Key: "content", Value: bson.Regex{Pattern: "past perfect", Options: "i"}}},
		},
		{
			name: "equality and regex on one field",
			filter: rag.Filter{
				Equals:  map[string]string{"topic": "tenses"},
				Matches: map[string]string{"topic": "^ten"},
			},
			want: bson.D{
				{Key: "topic", Value: "tenses"},
				{Key: "$and", Value: bson.A{bson.D{{Key: "topic", Value: bson.Regex{Pattern: "^ten", Options: "i"}}}}},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, buildFilter(tt.filter))
		})
	}
}

func mustObjectID(hex string) bson.ObjectID {
	oid, err := bson.ObjectIDFromHex(hex)
	if err != nil {
		panic(err)
	}
	return oid
}

// Documents inserted by other tools get a server-assigned ObjectID.
func TestRecord_DecodesObjectID(t *testing.T) {
	oid := bson.NewObjectID()
	raw, err := bson.Marshal(bson.D{
		{Key: "_id", Value: oid},
		{Key: "content", Value: "Past perfect: had + V3"},
		{Key: "embedding", Value: bson.A{0.5, 0.25}},
		{Key: "type", Value: "grammar"},
	})
	require.NoError(t, err)

	dec := bson.NewDecoder(bson.NewDocumentReader(bytes.NewReader(raw)))
	dec.ObjectIDAsHexString()
	var r record
	require.NoError(t, dec.Decode(&r))

	doc := fromRecord(r)
	assert.Equal(t, oid.Hex(), doc.ID)
	assert.Equal(t, []float32{0.5, 0.25}, doc.Embedding)

	// the hex id finds the document again
	want := bson.E{Key: "_id", Value: bson.D{{Key: "$in", Value: bson.A{oid.Hex(), oid}}}}
	assert.Equal(t, bson.D{want}, buildFilter(rag.Filter{Equals: map[string]string{"id": doc.ID}}))
}

func TestGroupPipeline(t *testing.T) {
	p := groupPipeline("topic", rag.Filter{Equals: map[string]string{"type": "grammar"}})
	require.Len(t, p, 4)
	assert.Equal(t, bson.D{{Key: "$match", Value: bson.D{{Key: "type", Value: "grammar"}}}}, p[0])

	group := p[1][0].Value.(bson.D)
	assert.Equal(t, bson.E{Key: "_id", Value: "$topic"}, group[0])

	// unknown fields group on metadata
	p = groupPipeline("difficulty", rag.Filter{})
	assert.Equal(t, bson.E{Key: "_id", Value: "$metadata.difficulty"}, p[1][0].Value.(bson.D)[0])
}

func TestRecordRoundTrip(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	doc := rag.StoredDocument{
		FileID:     "f1",
		Content:    "Thì quá khứ hoàn thành",
		Embedding:  []float32{0.25, -0.5},
		Type:       "grammar",
		Topic:      "tenses",
		ChunkIndex: 3,
		Metadata:   map[string]string{"embedding_model": "text-embedding-3-small", "content_hash": "abc", "language": "vi"},
	}

	r := toRecord(doc, now)
	assert.NotEmpty(t, r.ID)
	assert.Equal(t, now, r.CreatedAt)
	assert.Equal(t, 2, r.EmbeddingDimensions)
	assert.Equal(t, 5, r.WordCount)
	assert.Equal(t, 22, r.CharCount)
	assert.Equal(t, "text-embedding-3-small", r.EmbeddingModel)

	back := fromRecord(r)
	assert.Equal(t, r.ID, back.ID)
	assert.Equal(t, doc.Embedding, back.Embedding)
	assert.Equal(t, doc.Metadata, back.Metadata)
	assert.Equal(t, 3, back.ChunkIndex)
}

func TestFromRecord_LooseMetadata(t *testing.T) {
	doc := fromRecord(record{
		ID:       "x",
		Metadata: map[string]any{"page_number": int32(4), "subject": nil, "tags": bson.A{"a", "b"}},
	})
	assert.Equal(t, "4", doc.Metadata["page_number"])
	assert.NotContains(t, doc.Metadata, "subject")
	assert.Contains(t, doc.Metadata, "tags")
	assert.Nil(t, doc.Embedding)
}

// Runs against a live server when TUTOR_TEST_MONGODB_URI is set.
func TestStore_Live(t *testing.T) {
	uri := os.Getenv("TUTOR_TEST_MONGODB_URI")
	if uri == "" {
		t.Skip("TUTOR_TEST_MONGODB_URI not set")
	}
	ctx := context.Background()

	s, err := Open(ctx, Config{URI: uri, Database: "tutorrag_test", Collection: "chunks_" + uuid.NewString()[:8]}, nil)
	require.NoError(t, err)
	defer func() {
		_ = s.coll.Drop(ctx)
		_ = s.Close(ctx)
	}()

	require.NoError(t, s.Insert(ctx, rag.StoredDocument{FileID: "f1", Content: "Past Perfect", Type: "grammar", Embedding: []float32{1, 0}}))
	require.NoError(t, s.Insert(ctx, rag.StoredDocument{FileID: "f2", Content: "Travel vocabulary", Type: "vocabulary", Embedding: []float32{0, 1}}))

	docs, err := s.Fetch(ctx, rag.Filter{Matches: map[string]string{"content": "past"}})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "f1", docs[0].FileID)
	assert.Equal(t, []float32{1, 0}, docs[0].Embedding)

	n, err := s.Count(ctx, rag.Filter{})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	// a document inserted without an _id by another tool
	res, err := s.coll.InsertOne(ctx, bson.D{
		{Key: "content", Value: "Past perfect questions"},
		{Key: "type", Value: "grammar"},
		{Key: "embedding", Value: bson.A{1.0, 0.0}},
		{Key: "created_at", Value: time.Now().UTC()},
	})
	require.NoError(t, err)
	legacyID := res.InsertedID.(bson.ObjectID).Hex()

	all, err := s.Fetch(ctx, rag.Filter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	types, err := s.GroupBy(ctx, "type", rag.Filter{})
	require.NoError(t, err)
	assert.Equal(t, []rag.Group{{Value: "grammar", Type: "grammar", Count: 2}, {Value: "vocabulary", Type: "vocabulary", Count: 1}}, types)

	listed, err := s.List(ctx, rag.Filter{Equals: map[string]string{"type": "grammar"}}, 1)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, legacyID, listed[0].ID)
	assert.Nil(t, listed[0].Embedding)

	removed, err := s.Delete(ctx, rag.Filter{Equals: map[string]string{"id": legacyID}})
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)
}
