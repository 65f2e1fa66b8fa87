package device

import (
	"errors"
	"sort"
	"sync"
)

// Repository defines the concurrency-safe contract for the set of attached
// consumers.
type Repository interface {
	// Add records a new consumer. Adding an ID twice is an error.
	Add(c Consumer) error

	// Remove forgets a consumer and returns it.
	Remove(id ConsumerID) (Consumer, error)

	// Get returns a copy of the consumer with the given ID.
	Get(id ConsumerID) (Consumer, bool)

	// List returns every consumer ordered by attach time, oldest first.
	List() []Consumer

	// Clear forgets every consumer and returns the ones removed.
	Clear() []Consumer

	// Count returns the number of attached consumers.
	Count() int
}

var (
	// ErrConsumerNotFound is returned when a consumer ID is unknown.
	ErrConsumerNotFound = errors.New("consumer not found")

	// ErrConsumerExists is returned when adding a consumer ID that is
	// already attached.
	ErrConsumerExists = errors.New("consumer already attached")
)

// InMemoryRepository is a concurrency-safe in-memory implementation of Repository.
// It uses a Store for persistence; by default that is an InMemoryStore.
type InMemoryRepository struct {
	mu    sync.RWMutex
	store Store
}

// NewInMemoryRepository constructs a new repository with a default in-memory store.
func NewInMemoryRepository() *InMemoryRepository {
	return NewInMemoryRepositoryWithStore(NewInMemoryStore())
}

// NewInMemoryRepositoryWithStore constructs a repository that uses the given Store.
func NewInMemoryRepositoryWithStore(store Store) *InMemoryRepository {
	return &InMemoryRepository{store: store}
}

// Add implements Repository.Add.
func (r *InMemoryRepository) Add(c Consumer) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.store.GetConsumer(c.ID); exists {
		return ErrConsumerExists
	}
	r.store.SetConsumer(&c)
	return nil
}

// Remove implements Repository.Remove.
func (r *InMemoryRepository) Remove(id ConsumerID) (Consumer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, exists := r.store.GetConsumer(id)
	if !exists {
		return Consumer{}, ErrConsumerNotFound
	}
	r.store.DeleteConsumer(id)
	return *c, nil
}

// Get implements Repository.Get.
func (r *InMemoryRepository) Get(id ConsumerID) (Consumer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, exists := r.store.GetConsumer(id)
	if !exists {
		return Consumer{}, false
	}
	return *c, true
}

// List implements Repository.List.
func (r *InMemoryRepository) List() []Consumer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshotLocked()
}

// Clear implements Repository.Clear.
func (r *InMemoryRepository) Clear() []Consumer {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := r.snapshotLocked()
	for _, c := range removed {
		r.store.DeleteConsumer(c.ID)
	}
	return removed
}

// Count implements Repository.Count.
func (r *InMemoryRepository) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.store.ListConsumerIDs())
}

// snapshotLocked copies every consumer, sorted by attach time then ID.
// Caller must hold r.mu.
func (r *InMemoryRepository) snapshotLocked() []Consumer {
	ids := r.store.ListConsumerIDs()
	out := make([]Consumer, 0, len(ids))
	for _, id := range ids {
		if c, ok := r.store.GetConsumer(id); ok {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].AttachedAt.Equal(out[j].AttachedAt) {
			return out[i].AttachedAt.Before(out[j].AttachedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}
