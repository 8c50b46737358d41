package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	appErrors "github.com/noah-isme/madrasa-sync/pkg/errors"
)

const indexKeyPrefix = "__index:"

// IndexedStore maintains an explicit collection -> member keys index over a KeyValueStore so
// collections are listed from the index instead of rediscovered by prefix scans.
type IndexedStore struct {
	KeyValueStore

	mu      sync.Mutex
	indexes map[string]map[string]struct{}
}

// NewIndexedStore wraps inner with collection indexing.
func NewIndexedStore(inner KeyValueStore) *IndexedStore {
	return &IndexedStore{KeyValueStore: inner, indexes: make(map[string]map[string]struct{})}
}

// Put writes value under key and records key as a member of collection.
func (s *IndexedStore) Put(ctx context.Context, collection, key string, value []byte) error {
	if err := s.KeyValueStore.Set(ctx, key, value); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	members, err := s.load(ctx, collection)
	if err != nil {
		return err
	}
	if _, ok := members[key]; ok {
		return nil
	}
	next := copyMembers(members)
	next[key] = struct{}{}
	return s.persist(ctx, collection, next)
}

// Remove deletes key and drops it from collection.
func (s *IndexedStore) Remove(ctx context.Context, collection, key string) error {
	if err := s.KeyValueStore.Delete(ctx, key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	members, err := s.load(ctx, collection)
	if err != nil {
		return err
	}
	if _, ok := members[key]; !ok {
		return nil
	}
	next := copyMembers(members)
	delete(next, key)
	return s.persist(ctx, collection, next)
}

// Members returns the keys belonging to collection in lexical order.
func (s *IndexedStore) Members(ctx context.Context, collection string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	members, err := s.load(ctx, collection)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(members))
	for key := range members {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *IndexedStore) load(ctx context.Context, collection string) (map[string]struct{}, error) {
	if members, ok := s.indexes[collection]; ok {
		return members, nil
	}
	members := make(map[string]struct{})
	raw, err := s.KeyValueStore.Get(ctx, indexKeyPrefix+collection)
	switch {
	case errors.Is(err, appErrors.ErrKeyNotFound):
	case err != nil:
		return nil, fmt.Errorf("load index %s: %w", collection, err)
	default:
		var keys []string
		if err := json.Unmarshal(raw, &keys); err != nil {
			return nil, fmt.Errorf("decode index %s: %w", collection, err)
		}
		for _, key := range keys {
			members[key] = struct{}{}
		}
	}
	s.indexes[collection] = members
	return members, nil
}

func copyMembers(members map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{}, len(members)+1)
	for key := range members {
		out[key] = struct{}{}
	}
	return out
}

// persist writes members and adopts them as the cached index only once the write succeeded.
func (s *IndexedStore) persist(ctx context.Context, collection string, members map[string]struct{}) error {
	keys := make([]string, 0, len(members))
	for key := range members {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	raw, err := json.Marshal(keys)
	if err != nil {
		return fmt.Errorf("encode index %s: %w", collection, err)
	}
	if err := s.KeyValueStore.Set(ctx, indexKeyPrefix+collection, raw); err != nil {
		return fmt.Errorf("persist index %s: %w", collection, err)
	}
	s.indexes[collection] = members
	return nil
}
