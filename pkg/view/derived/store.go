package derived

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.uber.org/atomic"
)

// ErrCollectionNotFound is returned when renaming or reading a collection
// that does not exist.
var ErrCollectionNotFound = errors.New("collection not found")

// Descriptor records how a derived collection was generated.
type Descriptor struct {
	Key         Key                    `json:"key" bson:"key"`
	Fingerprint string                 `json:"fingerprint" bson:"fingerprint"`
	Collection  string                 `json:"collection" bson:"collection"`
	Config      map[string]interface{} `json:"config" bson:"config"`
	UpdatedAt   time.Time              `json:"updated_at" bson:"updated_at"`
}

// Store persists derived collections and their descriptors.
type Store interface {
	// Descriptor returns the descriptor recorded for key, or nil.
	Descriptor(ctx context.Context, key Key) (*Descriptor, error)
	PutDescriptor(ctx context.Context, d Descriptor) error

	Exists(ctx context.Context, collection string) (bool, error)
	Rename(ctx context.Context, from, to string) error
	Drop(ctx context.Context, collection string) error
	// Materialize runs pipeline over source and writes the result to
	// target, replacing it.
	Materialize(ctx context.Context, source string, pipeline []bson.D, target string) error
}

// Materialization is a collection held by a MemoryStore.
type Materialization struct {
	Source   string
	Pipeline []bson.D
}

// MemoryStore is an in-process Store. It records pipelines instead of
// running them.
type MemoryStore struct {
	mu          sync.Mutex
	descriptors map[Key]Descriptor
	collections map[string]Materialization

	Materializations atomic.Int64
	Renames          atomic.Int64
	Drops            atomic.Int64
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		descriptors: map[Key]Descriptor{},
		collections: map[string]Materialization{},
	}
}

func (s *MemoryStore) Descriptor(_ context.Context, key Key) (*Descriptor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.descriptors[key]
	if !ok {
		return nil, nil
	}
	return &d, nil
}

func (s *MemoryStore) PutDescriptor(_ context.Context, d Descriptor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.descriptors[d.Key] = d
	return nil
}

func (s *MemoryStore) Exists(_ context.Context, collection string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.collections[collection]
	return ok, nil
}

func (s *MemoryStore) Rename(_ context.Context, from, to string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.collections[from]
	if !ok {
		return errors.Wrapf(ErrCollectionNotFound, "%q", from)
	}
	delete(s.collections, from)
	s.collections[to] = m
	s.Renames.Inc()
	return nil
}

func (s *MemoryStore) Drop(_ context.Context, collection string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.collections, collection)
	s.Drops.Inc()
	return nil
}

func (s *MemoryStore) Materialize(_ context.Context, source string, pipeline []bson.D, target string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.collections[target] = Materialization{Source: source, Pipeline: pipeline}
	s.Materializations.Inc()
	return nil
}

// Collection returns what was materialized into name.
func (s *MemoryStore) Collection(name string) (Materialization, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.collections[name]
	return m, ok
}

// Collections returns the number of collections held.
func (s *MemoryStore) Collections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.collections)
}
