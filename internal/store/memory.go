// Package store provides document storage backends for Attune.
//
// This file implements an in-memory store used for tests and for running
// without a configured database.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
)

// InMemoryStore is a map-backed Store implementation. Safe for concurrent use.
type InMemoryStore struct {
	mu          sync.RWMutex
	collections map[string]map[string]json.RawMessage
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{collections: make(map[string]map[string]json.RawMessage)}
}

func (s *InMemoryStore) Get(ctx context.Context, collection, id string, out any) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	col, ok := s.collections[collection]
	if !ok {
		return false, nil
	}
	raw, ok := col[id]
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("failed to decode document %s/%s: %w", collection, id, err)
	}
	return true, nil
}

func (s *InMemoryStore) Set(ctx context.Context, collection, id string, doc any) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode document %s/%s: %w", collection, id, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	col, ok := s.collections[collection]
	if !ok {
		col = make(map[string]json.RawMessage)
		s.collections[collection] = col
	}
	col[id] = raw
	return nil
}

func (s *InMemoryStore) Update(ctx context.Context, collection, id string, doc any) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode document %s/%s: %w", collection, id, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	col, ok := s.collections[collection]
	if !ok {
		return fmt.Errorf("document %s/%s does not exist", collection, id)
	}
	if _, ok := col[id]; !ok {
		return fmt.Errorf("document %s/%s does not exist", collection, id)
	}
	col[id] = raw
	return nil
}

func (s *InMemoryStore) Delete(ctx context.Context, collection, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if col, ok := s.collections[collection]; ok {
		delete(col, id)
	}
	return nil
}

func (s *InMemoryStore) Query(ctx context.Context, collection string, filters []Filter, opts QueryOptions, out any) (int, error) {
	s.mu.RLock()
	col := s.collections[collection]
	raws := make([]json.RawMessage, 0, len(col))
	for _, raw := range col {
		raws = append(raws, raw)
	}
	s.mu.RUnlock()

	var matched []map[string]any
	for _, raw := range raws {
		var doc map[string]any
		if err := json.Unmarshal(raw, &doc); err != nil {
			slog.Error("InMemoryStore.Query: failed to decode document", "collection", collection, "error", err)
			return 0, fmt.Errorf("failed to decode document in %s: %w", collection, err)
		}
		if matchAll(doc, filters) {
			matched = append(matched, doc)
		}
	}
	total := len(matched)
	sortDocs(matched, opts.OrderBy, opts.Descending)
	matched = paginate(matched, opts)
	if err := decodeDocs(matched, out); err != nil {
		return 0, err
	}
	return total, nil
}

func (s *InMemoryStore) Close() error {
	return nil
}
