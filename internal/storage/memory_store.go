package storage

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore keeps collections in process memory
type MemoryStore struct {
	mu      sync.RWMutex
	schema  Schema
	version int
	data    map[string]map[string]Record
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store at the schema version
func NewMemoryStore(schema Schema) *MemoryStore {
	s := &MemoryStore{schema: schema}
	s.resetLocked()
	return s
}

func (s *MemoryStore) resetLocked() {
	s.version = s.schema.Version
	s.data = make(map[string]map[string]Record, len(s.schema.Collections))
	for _, c := range s.schema.Collections {
		s.data[c.Name] = make(map[string]Record)
	}
}

func (s *MemoryStore) collection(name string) (map[string]Record, CollectionDef, error) {
	def, err := s.schema.Collection(name)
	if err != nil {
		return nil, def, err
	}
	coll, ok := s.data[name]
	if !ok {
		return nil, def, fmt.Errorf("%w: %s", ErrMissingCollections, name)
	}
	return coll, def, nil
}

func copyRecord(r Record) Record {
	out := r
	out.Data = append([]byte(nil), r.Data...)
	if r.Indexes != nil {
		out.Indexes = make(map[string]string, len(r.Indexes))
		for k, v := range r.Indexes {
			out.Indexes[k] = v
		}
	}
	return out
}

// Backend implements Store
func (s *MemoryStore) Backend() string { return "memory" }

// Version implements Store
func (s *MemoryStore) Version(context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version, nil
}

// Get implements Store
func (s *MemoryStore) Get(_ context.Context, collection, key string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	coll, _, err := s.collection(collection)
	if err != nil {
		return Record{}, err
	}
	rec, ok := coll[key]
	if !ok {
		return Record{}, ErrNotFound
	}
	return copyRecord(rec), nil
}

// GetByIndex implements Store
func (s *MemoryStore) GetByIndex(_ context.Context, collection, index, value string) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	coll, def, err := s.collection(collection)
	if err != nil {
		return nil, err
	}
	if !def.HasIndex(index) {
		return nil, fmt.Errorf("%w: %s.%s", ErrUnknownIndex, collection, index)
	}

	var out []Record
	for _, rec := range coll {
		if rec.Indexes[index] == value {
			out = append(out, copyRecord(rec))
		}
	}
	sortRecords(out)
	return out, nil
}

// GetAll implements Store
func (s *MemoryStore) GetAll(_ context.Context, collection string) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	coll, _, err := s.collection(collection)
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(coll))
	for _, rec := range coll {
		out = append(out, copyRecord(rec))
	}
	sortRecords(out)
	return out, nil
}

// Put implements Store
func (s *MemoryStore) Put(ctx context.Context, collection string, rec Record) error {
	return s.PutBatch(ctx, collection, []Record{rec})
}

// PutBatch implements Store
func (s *MemoryStore) PutBatch(_ context.Context, collection string, recs []Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	coll, def, err := s.collection(collection)
	if err != nil {
		return err
	}
	for _, rec := range recs {
		if err := validateRecord(def, rec); err != nil {
			return err
		}
	}
	for _, rec := range recs {
		coll[rec.Key] = copyRecord(rec)
	}
	return nil
}

// Delete implements Store
func (s *MemoryStore) Delete(_ context.Context, collection, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	coll, _, err := s.collection(collection)
	if err != nil {
		return err
	}
	delete(coll, key)
	return nil
}

// Clear implements Store
func (s *MemoryStore) Clear(_ context.Context, collection string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, _, err := s.collection(collection); err != nil {
		return err
	}
	s.data[collection] = make(map[string]Record)
	return nil
}

// DeleteExpired implements Store
func (s *MemoryStore) DeleteExpired(_ context.Context, collection string, now int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	coll, _, err := s.collection(collection)
	if err != nil {
		return 0, err
	}
	removed := 0
	for key, rec := range coll {
		if rec.Expired(now) {
			delete(coll, key)
			removed++
		}
	}
	return removed, nil
}

// Reset implements Store
func (s *MemoryStore) Reset(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetLocked()
	return nil
}

// Close implements Store
func (s *MemoryStore) Close() error { return nil }

// migrate adds collections introduced after the stored version
func (s *MemoryStore) migrate(context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	present := make([]string, 0, len(s.data))
	for name := range s.data {
		present = append(present, name)
	}
	missing := s.schema.Missing(present)
	if len(missing) == 0 {
		s.version = s.schema.Version
		return nil, nil
	}
	if s.version >= s.schema.Version {
		return nil, fmt.Errorf("%w: %v", ErrMissingCollections, missing)
	}
	for _, name := range missing {
		s.data[name] = make(map[string]Record)
	}
	s.version = s.schema.Version
	return missing, nil
}

// rewind makes the store look like one written by an older build
func (s *MemoryStore) rewind(version int, drop ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.version = version
	for _, name := range drop {
		delete(s.data, name)
	}
}
