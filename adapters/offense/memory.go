package offense

import (
	"context"
	"sync"

	"github.com/elum-utils/aiocensor/models"
)

// MemoryStore keeps offense records in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[models.OffenseKey]models.OffenseRecord
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[models.OffenseKey]models.OffenseRecord)}
}

func (s *MemoryStore) Load(_ context.Context, key models.OffenseKey) (models.OffenseRecord, bool, error) {
	s.mu.RLock()
	rec, ok := s.records[key]
	s.mu.RUnlock()
	return rec, ok, nil
}

func (s *MemoryStore) Save(_ context.Context, rec models.OffenseRecord) error {
	s.mu.Lock()
	s.records[rec.Key()] = rec
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key models.OffenseKey) error {
	s.mu.Lock()
	delete(s.records, key)
	s.mu.Unlock()
	return nil
}

// Len returns the number of stored records.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
