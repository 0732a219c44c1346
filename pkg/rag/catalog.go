package rag

import (
	"context"
	"sort"
)

// Group is one row of a count-by-field aggregation
type Group struct {
	Value string `json:"value"`
	Type  string `json:"type,omitempty"` // type of the first document in the group
	Count int64  `json:"count"`
}

// Catalog is implemented by stores that can list, aggregate and delete
// documents outside of search
type Catalog interface {
	Count(ctx context.Context, filter Filter) (int64, error)
	// GroupBy counts matching documents per value of field, most frequent
	// first. Documents with an empty value are left out.
	GroupBy(ctx context.Context, field string, filter Filter) ([]Group, error)
	// List returns up to limit matching documents, newest first, without
	// their embeddings. limit <= 0 returns every match.
	List(ctx context.Context, filter Filter, limit int) ([]StoredDocument, error)
	// Delete removes every matching document and returns how many it removed
	Delete(ctx context.Context, filter Filter) (int64, error)
}

// GroupDocuments aggregates docs by field for stores without a query language.
// Ties are ordered by value.
func GroupDocuments(docs []StoredDocument, field string) []Group {
	index := make(map[string]int)
	groups := []Group{}
	for _, d := range docs {
		v, ok := d.Field(field)
		if !ok || v == "" {
			continue
		}
		i, seen := index[v]
		if !seen {
			i = len(groups)
			index[v] = i
			groups = append(groups, Group{Value: v, Type: d.Type})
		}
		groups[i].Count++
	}
	sort.SliceStable(groups, func(i, j int) bool {
		if groups[i].Count != groups[j].Count {
			return groups[i].Count > groups[j].Count
		}
		return groups[i].Value < groups[j].Value
	})
	return groups
}

// NewestFirst sorts docs by creation time, newest first, strips embeddings
// and truncates to limit when limit > 0. Equal times keep their order.
func NewestFirst(docs []StoredDocument, limit int) []StoredDocument {
	sort.SliceStable(docs, func(i, j int) bool {
		return docs[i].CreatedAt.After(docs[j].CreatedAt)
	})
	if limit > 0 && limit < len(docs) {
		docs = docs[:limit]
	}
	for i := range docs {
		docs[i].Embedding = nil
	}
	return docs
}
