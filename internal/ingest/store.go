package ingest

import (
	"context"
	"sort"
	"sync"
	"time"
)

// EventFilter narrows List queries.
type EventFilter struct {
	Status   string
	Category string
	Limit    int
	Offset   int
}

// EventStore persists webhook events.
type EventStore interface {
	Create(ctx context.Context, evt *WebhookEvent) error
	GetByID(ctx context.Context, id string) (*WebhookEvent, error)
	ExistsByDedupKey(ctx context.Context, key string) (bool, error)
	UpdateStatus(ctx context.Context, id, status, failureReason string) error
	List(ctx context.Context, filter EventFilter) ([]*WebhookEvent, int, error)
	ListByStatus(ctx context.Context, status string, limit int) ([]*WebhookEvent, error)
	CountByStatus(ctx context.Context) (map[string]int, error)
}

// MemoryEventStore is an in-memory EventStore for tests and local runs.
type MemoryEventStore struct {
	mu     sync.RWMutex
	events map[string]*WebhookEvent
}

func NewMemoryEventStore() *MemoryEventStore {
	return &MemoryEventStore{events: make(map[string]*WebhookEvent)}
}

func (s *MemoryEventStore) Create(ctx context.Context, evt *WebhookEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *evt
	s.events[evt.ID] = &cp
	return nil
}

func (s *MemoryEventStore) GetByID(ctx context.Context, id string) (*WebhookEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	evt, ok := s.events[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *evt
	return &cp, nil
}

func (s *MemoryEventStore) ExistsByDedupKey(ctx context.Context, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, evt := range s.events {
		if evt.DedupKey == key && evt.Status != StatusDuplicateIgnored {
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryEventStore) UpdateStatus(ctx context.Context, id, status, failureReason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	evt, ok := s.events[id]
	if !ok {
		return ErrNotFound
	}
	if evt.Status != StatusReceived {
		return ErrEventSettled
	}
	evt.Status = status
	evt.FailureReason = failureReason
	now := time.Now().UTC()
	evt.ProcessedAt = &now
	return nil
}

func (s *MemoryEventStore) List(ctx context.Context, filter EventFilter) ([]*WebhookEvent, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*WebhookEvent
	for _, evt := range s.events {
		if filter.Status != "" && evt.Status != filter.Status {
			continue
		}
		if filter.Category != "" && evt.Category != filter.Category {
			continue
		}
		cp := *evt
		matched = append(matched, &cp)
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].ReceivedAt.After(matched[j].ReceivedAt)
	})

	total := len(matched)
	if filter.Offset > 0 {
		if filter.Offset >= len(matched) {
			return nil, total, nil
		}
		matched = matched[filter.Offset:]
	}
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	return matched, total, nil
}

func (s *MemoryEventStore) ListByStatus(ctx context.Context, status string, limit int) ([]*WebhookEvent, error) {
	events, _, err := s.List(ctx, EventFilter{Status: status, Limit: limit})
	return events, err
}

func (s *MemoryEventStore) CountByStatus(ctx context.Context) (map[string]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := make(map[string]int)
	for _, evt := range s.events {
		counts[evt.Status]++
	}
	return counts, nil
}
