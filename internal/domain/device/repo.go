package device

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Filter narrows device listings.
type Filter struct {
	Status     string
	DeviceType string
	PatientID  *uuid.UUID
	Limit      int
	Offset     int
}

// Repository persists devices. Update enforces optimistic concurrency: it
// fails with ErrVersionConflict when the stored version differs from
// expectedVersion, and increments the version on success.
type Repository interface {
	Create(ctx context.Context, d *Device) error
	GetByID(ctx context.Context, id uuid.UUID) (*Device, error)
	GetBySerial(ctx context.Context, serial string) (*Device, error)
	GetByVendorRef(ctx context.Context, ref string) (*Device, error)
	Update(ctx context.Context, d *Device, expectedVersion int) error
	List(ctx context.Context, filter Filter) ([]*Device, int, error)
	ListSilentSince(ctx context.Context, cutoff time.Time) ([]*Device, error)
}

// MemoryRepository is an in-memory Repository for tests.
type MemoryRepository struct {
	mu      sync.RWMutex
	devices map[uuid.UUID]*Device
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{devices: make(map[uuid.UUID]*Device)}
}

func copyDevice(d *Device) *Device {
	cp := *d
	cp.History = append([]StatusChange(nil), d.History...)
	return &cp
}

func (r *MemoryRepository) Create(ctx context.Context, d *Device) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.devices {
		if existing.SerialNumber == d.SerialNumber {
			return ErrDuplicateSerial
		}
	}
	if d.Version == 0 {
		d.Version = 1
	}
	r.devices[d.ID] = copyDevice(d)
	return nil
}

func (r *MemoryRepository) GetByID(ctx context.Context, id uuid.UUID) (*Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devices[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyDevice(d), nil
}

func (r *MemoryRepository) GetBySerial(ctx context.Context, serial string) (*Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, d := range r.devices {
		if d.SerialNumber == serial {
			return copyDevice(d), nil
		}
	}
	return nil, ErrNotFound
}

func (r *MemoryRepository) GetByVendorRef(ctx context.Context, ref string) (*Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, d := range r.devices {
		if d.VendorDeviceRef != nil && *d.VendorDeviceRef == ref {
			return copyDevice(d), nil
		}
	}
	return nil, ErrNotFound
}

func (r *MemoryRepository) Update(ctx context.Context, d *Device, expectedVersion int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.devices[d.ID]
	if !ok {
		return ErrNotFound
	}
	if existing.Version != expectedVersion {
		return ErrVersionConflict
	}
	d.Version = expectedVersion + 1
	d.UpdatedAt = time.Now().UTC()
	r.devices[d.ID] = copyDevice(d)
	return nil
}

func (r *MemoryRepository) List(ctx context.Context, filter Filter) ([]*Device, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var matched []*Device
	for _, d := range r.devices {
		if filter.Status != "" && d.Status != filter.Status {
			continue
		}
		if filter.DeviceType != "" && d.DeviceType != filter.DeviceType {
			continue
		}
		if filter.PatientID != nil && (d.PatientID == nil || *d.PatientID != *filter.PatientID) {
			continue
		}
		matched = append(matched, copyDevice(d))
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].CreatedAt.Before(matched[j].CreatedAt) })

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

func (r *MemoryRepository) ListSilentSince(ctx context.Context, cutoff time.Time) ([]*Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var silent []*Device
	for _, d := range r.devices {
		if d.Status != StatusActive {
			continue
		}
		if d.LastContactAt == nil || d.LastContactAt.Before(cutoff) {
			silent = append(silent, copyDevice(d))
		}
	}
	return silent, nil
}
