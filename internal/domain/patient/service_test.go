package patient

import (
	"context"
	"testing"

	"github.com/google/uuid"
)

func seedPatient(t *testing.T, svc *Service) *Patient {
	t.Helper()
	p := &Patient{
		MRN:       "MRN-1001",
		FirstName: "Ada",
		LastName:  "Smith",
		Address: Address{
			Line1: "1 Main St", City: "Springfield", State: "IL", PostalCode: "62701",
		},
	}
	if err := svc.Create(context.Background(), p); err != nil {
		t.Fatalf("Create: %v", err)
	}
	return p
}

func TestService_CreateValidation(t *testing.T) {
	svc := NewService(NewMemoryRepository())

	if err := svc.Create(context.Background(), &Patient{MRN: "M1", FirstName: "Ada"}); err == nil {
		t.Error("expected error for missing last name")
	}
	if err := svc.Create(context.Background(), &Patient{FirstName: "Ada", LastName: "Smith"}); err == nil {
		t.Error("expected error for missing mrn")
	}
}

func TestService_CreateRejectsDuplicateMRN(t *testing.T) {
	svc := NewService(NewMemoryRepository())
	seedPatient(t, svc)

	err := svc.Create(context.Background(), &Patient{MRN: "MRN-1001", FirstName: "Bo", LastName: "Lee"})
	if err != ErrDuplicateMRN {
		t.Fatalf("expected ErrDuplicateMRN, got %v", err)
	}
}

func TestService_Resolve(t *testing.T) {
	svc := NewService(NewMemoryRepository())
	p := seedPatient(t, svc)

	byMRN, err := svc.Resolve(context.Background(), "MRN-1001")
	if err != nil {
		t.Fatalf("resolve by mrn: %v", err)
	}
	if byMRN.ID != p.ID {
		t.Errorf("resolved wrong patient")
	}

	byID, err := svc.Resolve(context.Background(), p.ID.String())
	if err != nil {
		t.Fatalf("resolve by uuid: %v", err)
	}
	if byID.ID != p.ID {
		t.Errorf("resolved wrong patient")
	}

	if err := svc.LinkVendorRef(context.Background(), p.ID, "VEN-77"); err != nil {
		t.Fatalf("LinkVendorRef: %v", err)
	}
	byVendor, err := svc.Resolve(context.Background(), "VEN-77")
	if err != nil {
		t.Fatalf("resolve by vendor ref: %v", err)
	}
	if byVendor.ID != p.ID {
		t.Errorf("resolved wrong patient")
	}

	if _, err := svc.Resolve(context.Background(), "nobody"); err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := svc.Resolve(context.Background(), ""); err != ErrNotFound {
		t.Errorf("expected ErrNotFound for empty ref, got %v", err)
	}
	if _, err := svc.Resolve(context.Background(), uuid.New().String()); err != ErrNotFound {
		t.Errorf("expected ErrNotFound for unknown uuid, got %v", err)
	}
}

func TestPatient_HasShippingAddress(t *testing.T) {
	p := Patient{Address: Address{Line1: "1 Main St", City: "Springfield", State: "IL", PostalCode: "62701"}}
	if !p.HasShippingAddress() {
		t.Error("complete address reported as incomplete")
	}
	p.Address.PostalCode = ""
	if p.HasShippingAddress() {
		t.Error("missing postal code reported as complete")
	}
}
