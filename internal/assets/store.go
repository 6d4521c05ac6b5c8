package assets

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

var (
	ErrRecordNotFound    = errors.New("assets: record not found")
	ErrAttributeNotFound = errors.New("assets: attribute not found")
	ErrKindMismatch      = errors.New("assets: attribute kind mismatch")
	ErrInvalidRecord     = errors.New("assets: invalid record")
)

// Store is the host asset store contract. Implementations serialize
// mutation of a single record and never hand out shared attribute maps.
type Store interface {
	Lookup(linkageKey string) (Record, bool)
	Contains(linkageKey string) bool
	// CreateIfAbsent stores rec unless its linkage key is already known, in
	// which case the existing record is returned with created=false.
	CreateIfAbsent(rec Record) (stored Record, created bool, err error)
	WriteAttribute(linkageKey, name string, v Value) (Attribute, error)
	List() []Record
}

// MemoryStore is an in-process Store indexed by linkage key.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

func (s *MemoryStore) Lookup(linkageKey string) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[linkageKey]
	if !ok {
		return Record{}, false
	}
	return rec.Clone(), true
}

func (s *MemoryStore) Contains(linkageKey string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.records[linkageKey]
	return ok
}

func (s *MemoryStore) CreateIfAbsent(rec Record) (Record, bool, error) {
	key := strings.TrimSpace(rec.LinkageKey)
	if key == "" {
		return Record{}, false, fmt.Errorf("%w: missing linkage key", ErrInvalidRecord)
	}
	if strings.TrimSpace(rec.ID) == "" {
		return Record{}, false, fmt.Errorf("%w: missing id for %q", ErrInvalidRecord, key)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.records[key]; ok {
		return existing.Clone(), false, nil
	}
	stored := rec.Clone()
	s.records[key] = stored
	return stored.Clone(), true, nil
}

func (s *MemoryStore) WriteAttribute(linkageKey, name string, v Value) (Attribute, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[linkageKey]
	if !ok {
		return Attribute{}, fmt.Errorf("%w: %s", ErrRecordNotFound, linkageKey)
	}
	attr, ok := rec.Attributes[name]
	if !ok {
		return Attribute{}, fmt.Errorf("%w: %s/%s", ErrAttributeNotFound, linkageKey, name)
	}
	if attr.Value.Kind != v.Kind {
		return Attribute{}, fmt.Errorf("%w: %s/%s is %s, got %s", ErrKindMismatch, linkageKey, name, attr.Value.Kind, v.Kind)
	}
	attr.Value = v
	rec.Attributes[name] = attr
	return attr, nil
}

// List returns copies of all records ordered by linkage key.
func (s *MemoryStore) List() []Record {
	s.mu.RLock()
	out := make([]Record, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec.Clone())
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		return out[i].LinkageKey < out[j].LinkageKey
	})
	return out
}
