package orchestrator

import (
	"context"
	"sort"
	"sync"
)

// Store is the persistence abstraction for asset records.
// Implementations can be in-memory or remote. The Repository uses Store for
// all reads and writes and layers the lifecycle rules on top; callers of
// Repository do not need to know which Store is used.
type Store interface {
	Load(ctx context.Context, id AssetID) (MediaAsset, bool, error)
	Save(ctx context.Context, a MediaAsset) error
	Remove(ctx context.Context, id AssetID) error
	List(ctx context.Context) ([]MediaAsset, error)

	// Update applies fn to the current record and saves the result as one
	// compare-and-set step: a concurrent writer between read and write makes
	// the store re-read and call fn again. exists is false when no record is
	// stored. An error from fn aborts without writing and is returned along
	// with whatever record fn returned.
	Update(ctx context.Context, id AssetID, fn UpdateFunc) (MediaAsset, error)
}

// UpdateFunc computes the next version of a record from the current one.
type UpdateFunc func(cur MediaAsset, exists bool) (MediaAsset, error)

// InMemoryStore is an in-memory implementation of Store.
type InMemoryStore struct {
	mu     sync.RWMutex
	assets map[AssetID]MediaAsset
}

// NewInMemoryStore returns a new empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		assets: make(map[AssetID]MediaAsset),
	}
}

// Load implements Store.Load.
func (s *InMemoryStore) Load(_ context.Context, id AssetID) (MediaAsset, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.assets[id]
	return a, ok, nil
}

// Save implements Store.Save.
func (s *InMemoryStore) Save(_ context.Context, a MediaAsset) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.assets[a.ID] = a
	return nil
}

// Update implements Store.Update.
func (s *InMemoryStore) Update(_ context.Context, id AssetID, fn UpdateFunc) (MediaAsset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.assets[id]
	next, err := fn(cur, ok)
	if err != nil {
		return next, err
	}
	s.assets[id] = next
	return next, nil
}

// Remove implements Store.Remove.
func (s *InMemoryStore) Remove(_ context.Context, id AssetID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.assets, id)
	return nil
}

// List implements Store.List, ordered by creation time.
func (s *InMemoryStore) List(_ context.Context) ([]MediaAsset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]MediaAsset, 0, len(s.assets))
	for _, a := range s.assets {
		out = append(out, a)
	}
	sortByCreated(out)
	return out, nil
}

func sortByCreated(assets []MediaAsset) {
	sort.Slice(assets, func(i, j int) bool {
		if assets[i].CreatedAt.Equal(assets[j].CreatedAt) {
			return assets[i].ID < assets[j].ID
		}
		return assets[i].CreatedAt.Before(assets[j].CreatedAt)
	})
}
