package patient

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

func (s *Service) Create(ctx context.Context, p *Patient) error {
	if p.FirstName == "" || p.LastName == "" {
		return fmt.Errorf("first_name and last_name are required")
	}
	if p.MRN == "" {
		return fmt.Errorf("mrn is required")
	}
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	p.Active = true
	return s.repo.Create(ctx, p)
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Patient, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) GetByMRN(ctx context.Context, mrn string) (*Patient, error) {
	return s.repo.GetByMRN(ctx, mrn)
}

func (s *Service) Update(ctx context.Context, p *Patient) error {
	if p.FirstName == "" || p.LastName == "" {
		return fmt.Errorf("first_name and last_name are required")
	}
	return s.repo.Update(ctx, p)
}

func (s *Service) List(ctx context.Context, limit, offset int) ([]*Patient, int, error) {
	return s.repo.List(ctx, limit, offset)
}

// Resolve finds a patient by the identifier a vendor payload carries: the
// vendor's own patient reference first, then our MRN, then a raw UUID.
func (s *Service) Resolve(ctx context.Context, ref string) (*Patient, error) {
	if ref == "" {
		return nil, ErrNotFound
	}
	if p, err := s.repo.GetByVendorRef(ctx, ref); err == nil {
		return p, nil
	}
	if p, err := s.repo.GetByMRN(ctx, ref); err == nil {
		return p, nil
	}
	if id, err := uuid.Parse(ref); err == nil {
		return s.repo.GetByID(ctx, id)
	}
	return nil, ErrNotFound
}

// LinkVendorRef records the vendor's patient reference after the first
// order so later webhook payloads resolve directly.
func (s *Service) LinkVendorRef(ctx context.Context, id uuid.UUID, vendorRef string) error {
	p, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if p.VendorPatientRef != nil && *p.VendorPatientRef == vendorRef {
		return nil
	}
	p.VendorPatientRef = &vendorRef
	return s.repo.Update(ctx, p)
}
