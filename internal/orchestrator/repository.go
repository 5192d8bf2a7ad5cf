package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Repository defines the concurrency-safe contract for reading and mutating
// asset records. It is the only place lifecycle transitions are applied.
type Repository interface {
	// Create records a new asset. The asset must be pending.
	Create(ctx context.Context, a MediaAsset) error

	// Get returns a copy of the asset, or ErrNotFound.
	Get(ctx context.Context, id AssetID) (MediaAsset, error)

	// Transition moves the asset to status to, applying mutate to the record
	// in the same critical section. Illegal moves return ErrInvalidTransition
	// and leave the record untouched.
	Transition(ctx context.Context, id AssetID, to Status, mutate func(*MediaAsset)) (MediaAsset, error)

	// Delete removes the record. Deleting a missing asset is a no-op.
	Delete(ctx context.Context, id AssetID) error

	// List returns every asset ordered by creation time.
	List(ctx context.Context) ([]MediaAsset, error)

	// CountByStatus returns how many assets are in each status. Used for metrics.
	CountByStatus(ctx context.Context) (map[Status]int, error)
}

var (
	// ErrNotFound is returned when no asset has the requested id.
	ErrNotFound = errors.New("asset not found")

	// ErrAssetExists is returned when creating an asset whose id is taken.
	ErrAssetExists = errors.New("asset already exists")

	// ErrInvalidTransition is returned for a lifecycle move the state machine forbids.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// AssetRepository is the Repository implementation. Every read-modify-write
// goes through Store.Update, so transitions stay atomic across replicas that
// share a store and not only inside this process.
type AssetRepository struct {
	store Store
	now   func() time.Time
}

// NewInMemoryRepository constructs a repository with a default in-memory store.
func NewInMemoryRepository() *AssetRepository {
	return NewRepository(NewInMemoryStore())
}

// NewRepository constructs a repository that uses the given Store.
func NewRepository(store Store) *AssetRepository {
	return &AssetRepository{store: store, now: time.Now}
}

// Create implements Repository.Create.
func (r *AssetRepository) Create(ctx context.Context, a MediaAsset) error {
	if a.Status != StatusPending {
		return fmt.Errorf("%w: new asset must be %s, got %s", ErrInvalidTransition, StatusPending, a.Status)
	}

	now := r.now().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now
	_, err := r.store.Update(ctx, a.ID, func(_ MediaAsset, exists bool) (MediaAsset, error) {
		if exists {
			return MediaAsset{}, ErrAssetExists
		}
		return a, nil
	})
	return err
}

// Get implements Repository.Get.
func (r *AssetRepository) Get(ctx context.Context, id AssetID) (MediaAsset, error) {
	a, ok, err := r.store.Load(ctx, id)
	if err != nil {
		return MediaAsset{}, err
	}
	if !ok {
		return MediaAsset{}, ErrNotFound
	}
	return a, nil
}

// Transition implements Repository.Transition.
func (r *AssetRepository) Transition(ctx context.Context, id AssetID, to Status, mutate func(*MediaAsset)) (MediaAsset, error) {
	return r.store.Update(ctx, id, func(a MediaAsset, exists bool) (MediaAsset, error) {
		if !exists {
			return MediaAsset{}, ErrNotFound
		}
		if !a.Status.CanTransition(to) {
			return a, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, a.Status, to)
		}

		if mutate != nil {
			mutate(&a)
		}
		// mutate may not rewrite identity or status.
		a.ID = id
		a.Status = to
		a.UpdatedAt = r.now().UTC()
		return a, nil
	})
}

// Delete implements Repository.Delete.
func (r *AssetRepository) Delete(ctx context.Context, id AssetID) error {
	return r.store.Remove(ctx, id)
}

// List implements Repository.List.
func (r *AssetRepository) List(ctx context.Context) ([]MediaAsset, error) {
	return r.store.List(ctx)
}

// CountByStatus implements Repository.CountByStatus.
func (r *AssetRepository) CountByStatus(ctx context.Context) (map[Status]int, error) {
	assets, err := r.store.List(ctx)
	if err != nil {
		return nil, err
	}
	counts := map[Status]int{
		StatusPending:    0,
		StatusProcessing: 0,
		StatusReady:      0,
		StatusFailed:     0,
	}
	for _, a := range assets {
		counts[a.Status]++
	}
	return counts, nil
}
