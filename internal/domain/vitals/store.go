package vitals

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Store persists readings.
type Store interface {
	StoreReading(ctx context.Context, r *Reading) error
	ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Reading, int, error)
}

// Service validates and stores readings.
type Service struct {
	store Store
}

func NewService(store Store) *Service {
	return &Service{store: store}
}

func (s *Service) StoreReading(ctx context.Context, r *Reading) error {
	if r.PatientID == uuid.Nil {
		return fmt.Errorf("patient_id is required")
	}
	if len(r.Values) == 0 {
		return fmt.Errorf("a reading needs at least one value")
	}
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	if r.Source == "" {
		r.Source = SourceWebhook
	}
	if r.RecordedAt.IsZero() {
		r.RecordedAt = time.Now().UTC()
	}
	return s.store.StoreReading(ctx, r)
}

func (s *Service) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Reading, int, error) {
	return s.store.ListByPatient(ctx, patientID, limit, offset)
}

// MemoryStore is an in-memory Store for tests.
type MemoryStore struct {
	mu       sync.RWMutex
	readings []*Reading
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) StoreReading(ctx context.Context, r *Reading) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	m.readings = append(m.readings, &cp)
	return nil
}

func (m *MemoryStore) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Reading, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []*Reading
	for _, r := range m.readings {
		if r.PatientID == patientID {
			cp := *r
			matched = append(matched, &cp)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].RecordedAt.After(matched[j].RecordedAt) })

	total := len(matched)
	if offset > 0 {
		if offset >= len(matched) {
			return nil, total, nil
		}
		matched = matched[offset:]
	}
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, total, nil
}

// Count returns the number of stored readings, for tests.
func (m *MemoryStore) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.readings)
}
