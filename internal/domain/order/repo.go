package order

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Filter narrows order listings.
type Filter struct {
	Status    string
	PatientID *uuid.UUID
	Limit     int
	Offset    int
}

// Repository persists orders with the same optimistic-version contract as
// the device repository.
type Repository interface {
	Create(ctx context.Context, o *Order) error
	GetByID(ctx context.Context, id uuid.UUID) (*Order, error)
	GetByNumber(ctx context.Context, number string) (*Order, error)
	GetByVendorRef(ctx context.Context, ref string) (*Order, error)
	Update(ctx context.Context, o *Order, expectedVersion int) error
	List(ctx context.Context, filter Filter) ([]*Order, int, error)
}

// MemoryRepository is an in-memory Repository for tests.
type MemoryRepository struct {
	mu     sync.RWMutex
	orders map[uuid.UUID]*Order
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{orders: make(map[uuid.UUID]*Order)}
}

func copyOrder(o *Order) *Order {
	cp := *o
	cp.Items = append([]LineItem(nil), o.Items...)
	cp.History = append([]StatusChange(nil), o.History...)
	return &cp
}

func (r *MemoryRepository) Create(ctx context.Context, o *Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if o.Version == 0 {
		o.Version = 1
	}
	r.orders[o.ID] = copyOrder(o)
	return nil
}

func (r *MemoryRepository) GetByID(ctx context.Context, id uuid.UUID) (*Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	o, ok := r.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyOrder(o), nil
}

func (r *MemoryRepository) GetByNumber(ctx context.Context, number string) (*Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, o := range r.orders {
		if o.OrderNumber == number {
			return copyOrder(o), nil
		}
	}
	return nil, ErrNotFound
}

func (r *MemoryRepository) GetByVendorRef(ctx context.Context, ref string) (*Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, o := range r.orders {
		if o.VendorOrderRef != nil && *o.VendorOrderRef == ref {
			return copyOrder(o), nil
		}
	}
	return nil, ErrNotFound
}

func (r *MemoryRepository) Update(ctx context.Context, o *Order, expectedVersion int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.orders[o.ID]
	if !ok {
		return ErrNotFound
	}
	if existing.Version != expectedVersion {
		return ErrVersionConflict
	}
	o.Version = expectedVersion + 1
	o.UpdatedAt = time.Now().UTC()
	r.orders[o.ID] = copyOrder(o)
	return nil
}

func (r *MemoryRepository) List(ctx context.Context, filter Filter) ([]*Order, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var matched []*Order
	for _, o := range r.orders {
		if filter.Status != "" && o.Status != filter.Status {
			continue
		}
		if filter.PatientID != nil && o.PatientID != *filter.PatientID {
			continue
		}
		matched = append(matched, copyOrder(o))
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].OrderedAt.Before(matched[j].OrderedAt) })

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
