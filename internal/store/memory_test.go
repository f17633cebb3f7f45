package store

import (
	"context"
	"testing"
)

type testDoc struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Score    float64  `json:"score"`
	Active   bool     `json:"active"`
	Tags     []string `json:"tags,omitempty"`
	Modified string   `json:"modified"`
}

func seedStore(t *testing.T) *InMemoryStore {
	t.Helper()
	st := NewInMemoryStore()
	ctx := context.Background()
	docs := []testDoc{
		{ID: "a", Name: "alpha", Score: 10, Active: true, Tags: []string{"x", "y"}, Modified: "2026-01-01T00:00:00Z"},
		{ID: "b", Name: "bravo", Score: 20, Active: true, Tags: []string{"y"}, Modified: "2026-01-02T00:00:00Z"},
		{ID: "c", Name: "charlie", Score: 30, Active: false, Modified: "2026-01-03T00:00:00Z"},
	}
	for _, d := range docs {
		if err := st.Set(ctx, "docs", d.ID, d); err != nil {
			t.Fatalf("Set failed: %v", err)
		}
	}
	return st
}

func TestInMemoryStoreGetSet(t *testing.T) {
	st := seedStore(t)
	ctx := context.Background()

	var doc testDoc
	found, err := st.Get(ctx, "docs", "a", &doc)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !found {
		t.Fatal("expected document a to exist")
	}
	if doc.Name != "alpha" || doc.Score != 10 {
		t.Errorf("unexpected document: %+v", doc)
	}

	found, err = st.Get(ctx, "docs", "missing", &doc)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if found {
		t.Error("expected missing document to report not found")
	}
}

func TestInMemoryStoreUpdate(t *testing.T) {
	st := seedStore(t)
	ctx := context.Background()

	doc := testDoc{ID: "a", Name: "updated", Score: 11, Active: true}
	if err := st.Update(ctx, "docs", "a", doc); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	var got testDoc
	if _, err := st.Get(ctx, "docs", "a", &got); err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Name != "updated" {
		t.Errorf("expected updated name, got %q", got.Name)
	}

	if err := st.Update(ctx, "docs", "missing", doc); err == nil {
		t.Error("expected update of missing document to fail")
	}
}

func TestInMemoryStoreDelete(t *testing.T) {
	st := seedStore(t)
	ctx := context.Background()

	if err := st.Delete(ctx, "docs", "a"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	var doc testDoc
	if found, _ := st.Get(ctx, "docs", "a", &doc); found {
		t.Error("expected document a to be deleted")
	}
	// Deleting an absent document is not an error.
	if err := st.Delete(ctx, "docs", "a"); err != nil {
		t.Errorf("second delete failed: %v", err)
	}
}

func TestInMemoryStoreQueryFilters(t *testing.T) {
	st := seedStore(t)
	ctx := context.Background()

	var docs []testDoc
	total, err := st.Query(ctx, "docs", []Filter{{Field: "active", Op: OpEqual, Value: true}}, QueryOptions{}, &docs)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if total != 2 || len(docs) != 2 {
		t.Errorf("expected 2 active docs, got total=%d len=%d", total, len(docs))
	}

	docs = nil
	total, err = st.Query(ctx, "docs", []Filter{{Field: "score", Op: OpLess, Value: 25}}, QueryOptions{}, &docs)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if total != 2 {
		t.Errorf("expected 2 docs with score < 25, got %d", total)
	}

	docs = nil
	total, err = st.Query(ctx, "docs", []Filter{{Field: "tags", Op: OpArrayContains, Value: "y"}}, QueryOptions{}, &docs)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if total != 2 {
		t.Errorf("expected 2 docs tagged y, got %d", total)
	}

	// Timestamps stored as RFC3339 strings order lexicographically.
	docs = nil
	total, err = st.Query(ctx, "docs", []Filter{{Field: "modified", Op: OpLess, Value: "2026-01-02T00:00:00Z"}}, QueryOptions{}, &docs)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if total != 1 || docs[0].ID != "a" {
		t.Errorf("expected only doc a before 2026-01-02, got total=%d docs=%+v", total, docs)
	}
}

func TestInMemoryStoreQueryOrderAndPagination(t *testing.T) {
	st := seedStore(t)
	ctx := context.Background()

	var docs []testDoc
	total, err := st.Query(ctx, "docs", nil, QueryOptions{OrderBy: "score", Descending: true, Limit: 2}, &docs)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if total != 3 {
		t.Errorf("expected total 3 before pagination, got %d", total)
	}
	if len(docs) != 2 || docs[0].ID != "c" || docs[1].ID != "b" {
		t.Errorf("unexpected ordering/pagination: %+v", docs)
	}

	docs = nil
	if _, err := st.Query(ctx, "docs", nil, QueryOptions{OrderBy: "score", Offset: 2}, &docs); err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(docs) != 1 || docs[0].ID != "c" {
		t.Errorf("unexpected offset result: %+v", docs)
	}
}
