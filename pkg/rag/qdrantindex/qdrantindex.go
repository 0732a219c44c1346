// Package qdrantindex answers rag.Index queries from a Qdrant collection.
package qdrantindex

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/perbu/tutorrag/pkg/rag"
	"github.com/qdrant/go-client/qdrant"
	"go.uber.org/zap"
)

// Regex conditions are evaluated here, so queries carrying them fetch
// this many times the limit before filtering.
const regexOverfetch = 4

// idNamespace derives stable point UUIDs from non-UUID document ids
var idNamespace = uuid.MustParse("6f1d8c52-3c1e-4b53-9a8e-2f0a6c1d7e44")

// Config holds connection settings
type Config struct {
	Host       string
	Port       int
	APIKey     string
	UseTLS     bool
	Collection string
	Dimension  int
}

// Index is an approximate nearest-neighbour rag.Index
type Index struct {
	client     *qdrant.Client
	collection string
	logger     *zap.Logger
}

// New connects and creates the collection (cosine distance) when missing
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Index, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: connecting to qdrant: %v", rag.ErrStore, err)
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	exists, err := client.CollectionExists(ctx, cfg.Collection)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: checking collection %s: %v", rag.ErrStore, cfg.Collection, err)
	}
	if !exists {
		err := client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: cfg.Collection,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     uint64(cfg.Dimension),
				Distance: qdrant.Distance_Cosine,
			}),
		})
		if err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("%w: creating collection %s: %v", rag.ErrStore, cfg.Collection, err)
		}
		logger.Info("created qdrant collection",
			zap.String("collection", cfg.Collection),
			zap.Int("dimension", cfg.Dimension))
	}

	return &Index{client: client, collection: cfg.Collection, logger: logger}, nil
}

// Upsert writes doc as a point. Documents without a vector are skipped.
func (x *Index) Upsert(ctx context.Context, doc rag.StoredDocument) error {
	if len(doc.Embedding) == 0 {
		return nil
	}
	_, err := x.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: x.collection,
		Wait:           qdrant.PtrOf(true),
		Points: []*qdrant.PointStruct{{
			Id:      qdrant.NewIDUUID(pointID(doc.ID)),
			Vectors: qdrant.NewVectors(doc.Embedding...),
			Payload: payloadFor(doc),
		}},
	})
	if err != nil {
		return fmt.Errorf("%w: upserting %s: %v", rag.ErrStore, doc.ID, err)
	}
	return nil
}

// Query returns the best limit points scoring at least threshold.
// Scores are clamped to [0,1] like every other search path.
func (x *Index) Query(ctx context.Context, vector []float32, filter rag.Filter, limit int, threshold float32) ([]rag.SearchResult, error) {
	if limit <= 0 {
		limit = rag.DefaultLimit
	}
	fetch := limit
	if len(filter.Matches) > 0 {
		fetch = limit * regexOverfetch
	}

	req := &qdrant.QueryPoints{
		CollectionName: x.collection,
		Query:          qdrant.NewQuery(vector...),
		Limit:          qdrant.PtrOf(uint64(fetch)),
		WithPayload:    qdrant.NewWithPayload(true),
		Filter:         buildFilter(filter),
	}
	// On the clamped scale a zero threshold admits negative cosines too.
	if threshold > 0 {
		req.ScoreThreshold = qdrant.PtrOf(threshold)
	}

	points, err := x.client.Query(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("%w: querying %s: %v", rag.ErrStore, x.collection, err)
	}

	results := make([]rag.SearchResult, 0, len(points))
	for _, p := range points {
		doc := docFromPayload(p.GetPayload())
		if len(filter.Matches) > 0 && !(rag.Filter{Matches: filter.Matches}).Match(doc) {
			continue
		}
		score := clamp(p.GetScore())
		if score < threshold {
			continue
		}
		results = append(results, rag.SearchResult{Document: doc, Score: score, Excerpt: rag.Excerpt(doc.Content)})
		if len(results) == limit {
			break
		}
	}

	x.logger.Debug("qdrant query",
		zap.Int("points", len(points)),
		zap.Int("results", len(results)))
	return results, nil
}

// Delete removes the points of the given document ids. Unknown ids are ignored.
func (x *Index) Delete(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	pointIDs := make([]*qdrant.PointId, len(ids))
	for i, id := range ids {
		pointIDs[i] = qdrant.NewIDUUID(pointID(id))
	}
	_, err := x.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: x.collection,
		Wait:           qdrant.PtrOf(true),
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Points{
				Points: &qdrant.PointsIdsList{Ids: pointIDs},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("%w: deleting %d points: %v", rag.ErrStore, len(ids), err)
	}
	return nil
}

// Close releases the gRPC connection
func (x *Index) Close() error {
	return x.client.Close()
}

func pointID(id string) string {
	if _, err := uuid.Parse(id); err == nil {
		return id
	}
	return uuid.NewSHA1(idNamespace, []byte(id)).String()
}

func clamp(s float32) float32 {
	return max(0, min(1, s))
}

func stringValue(s string) *qdrant.Value {
	return &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: s}}
}

func payloadFor(d rag.StoredDocument) map[string]*qdrant.Value {
	meta := make(map[string]*qdrant.Value, len(d.Metadata))
	for k, v := range d.Metadata {
		meta[k] = stringValue(v)
	}
	return map[string]*qdrant.Value{
		"id":          stringValue(d.ID),
		"file_id":     stringValue(d.FileID),
		"type":        stringValue(d.Type),
		"topic":       stringValue(d.Topic),
		"content":     stringValue(d.Content),
		"chunk_index": {Kind: &qdrant.Value_IntegerValue{IntegerValue: int64(d.ChunkIndex)}},
		"created_at":  stringValue(d.CreatedAt.UTC().Format(time.RFC3339)),
		"metadata":    {Kind: &qdrant.Value_StructValue{StructValue: &qdrant.Struct{Fields: meta}}},
	}
}

func docFromPayload(p map[string]*qdrant.Value) rag.StoredDocument {
	d := rag.StoredDocument{
		ID:         p["id"].GetStringValue(),
		FileID:     p["file_id"].GetStringValue(),
		Type:       p["type"].GetStringValue(),
		Topic:      p["topic"].GetStringValue(),
		Content:    p["content"].GetStringValue(),
		ChunkIndex: int(p["chunk_index"].GetIntegerValue()),
		Metadata:   map[string]string{},
	}
	if ts, err := time.Parse(time.RFC3339, p["created_at"].GetStringValue()); err == nil {
		d.CreatedAt = ts
	}
	for k, v := range p["metadata"].GetStructValue().GetFields() {
		d.Metadata[k] = v.GetStringValue()
	}
	return d
}

var topLevel = map[string]string{
	"id":      "id",
	"_id":     "id",
	"file_id": "file_id",
	"type":    "type",
	"topic":   "topic",
	"content": "content",
}

// buildFilter maps equality conditions to keyword matches. Regex conditions
// have no Qdrant equivalent and are applied to the returned points.
func buildFilter(f rag.Filter) *qdrant.Filter {
	if len(f.Equals) == 0 {
		return nil
	}
	conds := make([]*qdrant.Condition, 0, len(f.Equals))
	for name, v := range f.Equals {
		key, ok := topLevel[name]
		if !ok {
			key = "metadata." + name
		}
		conds = append(conds, qdrant.NewMatch(key, v))
	}
	return &qdrant.Filter{Must: conds}
}
