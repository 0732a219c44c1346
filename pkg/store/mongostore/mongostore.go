// Package mongostore persists embedded chunks in a MongoDB collection.
package mongostore

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/perbu/tutorrag/pkg/rag"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.uber.org/zap"
)

// Config holds connection settings
type Config struct {
	URI            string
	Database       string
	Collection     string
	ConnectTimeout time.Duration
}

// Store is a rag.DocumentStore over one MongoDB collection
type Store struct {
	client *mongo.Client
	coll   *mongo.Collection
	logger *zap.Logger
}

// record is the stored shape of a chunk. Documents inserted without an _id
// carry an ObjectID, which the client decodes as its hex string.
type record struct {
	ID                  string         `bson:"_id"`
	FileID              string         `bson:"file_id"`
	Type                string         `bson:"type"`
	Topic               string         `bson:"topic,omitempty"`
	Content             string         `bson:"content"`
	Embedding           []float64      `bson:"embedding,omitempty"`
	ChunkIndex          int            `bson:"chunk_index"`
	EmbeddingModel      string         `bson:"embedding_model,omitempty"`
	EmbeddingDimensions int            `bson:"embedding_dimensions"`
	WordCount           int            `bson:"word_count"`
	CharCount           int            `bson:"char_count"`
	ContentHash         string         `bson:"content_hash,omitempty"`
	Metadata            map[string]any `bson:"metadata,omitempty"`
	CreatedAt           time.Time      `bson:"created_at"`
	UpdatedAt           time.Time      `bson:"updated_at"`
}

// Open connects and verifies the server is reachable
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}

	client, err := mongo.Connect(options.Client().
		ApplyURI(cfg.URI).
		SetBSONOptions(&options.BSONOptions{ObjectIDAsHexString: true}).
		SetConnectTimeout(cfg.ConnectTimeout).
		SetServerSelectionTimeout(cfg.ConnectTimeout))
	if err != nil {
		return nil, fmt.Errorf("%w: connecting: %v", rag.ErrStore, err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("%w: ping: %v", rag.ErrStore, err)
	}

	logger.Info("connected to MongoDB",
		zap.String("database", cfg.Database),
		zap.String("collection", cfg.Collection))

	return &Store{
		client: client,
		coll:   client.Database(cfg.Database).Collection(cfg.Collection),
		logger: logger,
	}, nil
}

// Fetch returns the documents matching filter
func (s *Store) Fetch(ctx context.Context, filter rag.Filter) ([]rag.StoredDocument, error) {
	cursor, err := s.coll.Find(ctx, buildFilter(filter))
	if err != nil {
		return nil, fmt.Errorf("%w: find: %v", rag.ErrStore, err)
	}
	defer cursor.Close(ctx)

	var records []record
	if err := cursor.All(ctx, &records); err != nil {
		return nil, fmt.Errorf("%w: decoding: %v", rag.ErrStore, err)
	}

	docs := make([]rag.StoredDocument, len(records))
	for i, r := range records {
		docs[i] = fromRecord(r)
	}
	return docs, nil
}

// Insert stores doc, assigning an ID and timestamp when missing
func (s *Store) Insert(ctx context.Context, doc rag.StoredDocument) error {
	r := toRecord(doc, time.Now().UTC())
	if _, err := s.coll.InsertOne(ctx, r); err != nil {
		return fmt.Errorf("%w: insert: %v", rag.ErrStore, err)
	}
	s.logger.Debug("stored chunk",
		zap.String("id", r.ID),
		zap.String("file_id", r.FileID),
		zap.Int("chunk_index", r.ChunkIndex))
	return nil
}

// Count returns the number of documents matching filter
func (s *Store) Count(ctx context.Context, filter rag.Filter) (int64, error) {
	n, err := s.coll.CountDocuments(ctx, buildFilter(filter))
	if err != nil {
		return 0, fmt.Errorf("%w: count: %v", rag.ErrStore, err)
	}
	return n, nil
}

// GroupBy counts matching documents per value of field, most frequent first
func (s *Store) GroupBy(ctx context.Context, field string, filter rag.Filter) ([]rag.Group, error) {
	cursor, err := s.coll.Aggregate(ctx, groupPipeline(field, filter))
	if err != nil {
		return nil, fmt.Errorf("%w: aggregate: %v", rag.ErrStore, err)
	}
	defer cursor.Close(ctx)

	var rows []struct {
		Value string `bson:"_id"`
		Type  string `bson:"type"`
		Count int64  `bson:"count"`
	}
	if err := cursor.All(ctx, &rows); err != nil {
		return nil, fmt.Errorf("%w: decoding: %v", rag.ErrStore, err)
	}
	groups := make([]rag.Group, len(rows))
	for i, r := range rows {
		groups[i] = rag.Group{Value: r.Value, Type: r.Type, Count: r.Count}
	}
	return groups, nil
}

func groupPipeline(field string, filter rag.Filter) mongo.Pipeline {
	path := fieldPath(field)
	return mongo.Pipeline{
		{{Key: "$match", Value: buildFilter(filter)}},
		{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: "$" + path},
			{Key: "count", Value: bson.D{{Key: "$sum", Value: 1}}},
			{Key: "type", Value: bson.D{{Key: "$first", Value: "$type"}}},
		}}},
		{{Key: "$match", Value: bson.D{{Key: "_id", Value: bson.D{{Key: "$nin", Value: bson.A{nil, ""}}}}}}},
		{{Key: "$sort", Value: bson.D{{Key: "count", Value: -1}, {Key: "_id", Value: 1}}}},
	}
}

// List returns matching documents newest first, without embeddings
func (s *Store) List(ctx context.Context, filter rag.Filter, limit int) ([]rag.StoredDocument, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}}).
		SetProjection(bson.D{{Key: "embedding", Value: 0}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cursor, err := s.coll.Find(ctx, buildFilter(filter), opts)
	if err != nil {
		return nil, fmt.Errorf("%w: find: %v", rag.ErrStore, err)
	}
	defer cursor.Close(ctx)

	var records []record
	if err := cursor.All(ctx, &records); err != nil {
		return nil, fmt.Errorf("%w: decoding: %v", rag.ErrStore, err)
	}
	docs := make([]rag.StoredDocument, len(records))
	for i, r := range records {
		docs[i] = fromRecord(r)
	}
	return docs, nil
}

// Delete removes the documents matching filter
func (s *Store) Delete(ctx context.Context, filter rag.Filter) (int64, error) {
	res, err := s.coll.DeleteMany(ctx, buildFilter(filter))
	if err != nil {
		return 0, fmt.Errorf("%w: delete: %v", rag.ErrStore, err)
	}
	s.logger.Debug("deleted documents", zap.Int64("count", res.DeletedCount))
	return res.DeletedCount, nil
}

// Close disconnects the client
func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// topLevel lists filter fields stored outside the metadata subdocument
var topLevel = map[string]string{
	"id":           "_id",
	"_id":          "_id",
	"file_id":      "file_id",
	"type":         "type",
	"topic":        "topic",
	"content":      "content",
	"content_hash": "content_hash",
}

// idValue matches both string ids and the ObjectIDs of documents inserted
// without one
func idValue(v string) any {
	oid, err := bson.ObjectIDFromHex(v)
	if err != nil {
		return v
	}
	return bson.D{{Key: "$in", Value: bson.A{v, oid}}}
}

func fieldPath(name string) string {
	if p, ok := topLevel[name]; ok {
		return p
	}
	return "metadata." + name
}

// buildFilter translates a rag.Filter into a query document.
// Equality and regex conditions on the same field are combined with $and.
func buildFilter(f rag.Filter) bson.D {
	q := bson.D{}
	var and bson.A
	for name, v := range f.Equals {
		path := fieldPath(name)
		if path == "_id" {
			q = append(q, bson.E{Key: path, Value: idValue(v)})
			continue
		}
		q = append(q, bson.E{Key: path, Value: v})
	}
	for name, pattern := range f.Matches {
		cond := bson.E{Key: fieldPath(name), Value: bson.Regex{Pattern: pattern, Options: "i"}}
		if _, clash := f.Equals[name]; clash {
			and = append(and, bson.D{cond})
			continue
		}
		q = append(q, cond)
	}
	if len(and) > 0 {
		q = append(q, bson.E{Key: "$and", Value: and})
	}
	return q
}

func toRecord(d rag.StoredDocument, now time.Time) record {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	meta := make(map[string]any, len(d.Metadata))
	for k, v := range d.Metadata {
		meta[k] = v
	}
	return record{
		ID:                  d.ID,
		FileID:              d.FileID,
		Type:                d.Type,
		Topic:               d.Topic,
		Content:             d.Content,
		Embedding:           widen(d.Embedding),
		ChunkIndex:          d.ChunkIndex,
		EmbeddingModel:      d.Metadata["embedding_model"],
		EmbeddingDimensions: len(d.Embedding),
		WordCount:           len(strings.Fields(d.Content)),
		CharCount:           utf8.RuneCountInString(d.Content),
		ContentHash:         d.Metadata["content_hash"],
		Metadata:            meta,
		CreatedAt:           d.CreatedAt,
		UpdatedAt:           now,
	}
}

// fromRecord flattens metadata to strings. Older records may carry lists
// or nulls there.
func fromRecord(r record) rag.StoredDocument {
	meta := make(map[string]string, len(r.Metadata)+2)
	for k, v := range r.Metadata {
		if v == nil {
			continue
		}
		meta[k] = fmt.Sprint(v)
	}
	if r.EmbeddingModel != "" {
		meta["embedding_model"] = r.EmbeddingModel
	}
	if r.ContentHash != "" {
		meta["content_hash"] = r.ContentHash
	}
	return rag.StoredDocument{
		ID:         r.ID,
		FileID:     r.FileID,
		Content:    r.Content,
		Embedding:  narrow(r.Embedding),
		Type:       r.Type,
		Topic:      r.Topic,
		ChunkIndex: r.ChunkIndex,
		Metadata:   meta,
		CreatedAt:  r.CreatedAt,
	}
}

// Vectors are stored as doubles so records written by other tools decode without truncation errors.
func widen(v []float32) []float64 {
	if len(v) == 0 {
		return nil
	}
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = float64(x)
	}
	return out
}

func narrow(v []float64) []float32 {
	if len(v) == 0 {
		return nil
	}
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(x)
	}
	return out
}
