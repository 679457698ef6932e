package order

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/carebridge/carebridge/internal/domain/device"
	"github.com/carebridge/carebridge/internal/domain/patient"
	"github.com/carebridge/carebridge/internal/platform/audit"
	"github.com/carebridge/carebridge/internal/vendor"
)

const updateRetries = 3

// ErrVendorPlacement wraps a vendor failure after the local order row was
// already created; the order stays pending and can be resubmitted.
var ErrVendorPlacement = errors.New("vendor order placement failed")

// PatientDirectory is the slice of the patient service this package needs.
type PatientDirectory interface {
	Get(ctx context.Context, id uuid.UUID) (*patient.Patient, error)
}

// VendorGateway is the slice of the vendor client this package needs.
type VendorGateway interface {
	CreateOrder(ctx context.Context, req vendor.CreateOrderRequest) (*vendor.OrderResult, error)
	CancelOrder(ctx context.Context, vendorOrderRef, reason string) error
}

type Service struct {
	repo     Repository
	devices  device.Repository
	patients PatientDirectory
	gateway  VendorGateway
	auditor  audit.Logger
	logger   zerolog.Logger
}

func NewService(repo Repository, devices device.Repository, patients PatientDirectory, gateway VendorGateway, auditor audit.Logger, logger zerolog.Logger) *Service {
	return &Service{
		repo:     repo,
		devices:  devices,
		patients: patients,
		gateway:  gateway,
		auditor:  auditor,
		logger:   logger.With().Str("component", "order_service").Logger(),
	}
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Order, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) GetByNumber(ctx context.Context, number string) (*Order, error) {
	return s.repo.GetByNumber(ctx, number)
}

func (s *Service) List(ctx context.Context, filter Filter) ([]*Order, int, error) {
	return s.repo.List(ctx, filter)
}

// Create places a fulfillment order. The local row is created first in
// pending status so a vendor failure never loses the operator's request;
// on vendor acknowledgment the order advances to dropship_requested and
// device records are created for any hardware the vendor already assigned.
func (s *Service) Create(ctx context.Context, patientID uuid.UUID, items []LineItem, notes, actor string) (*Order, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("at least one line item is required")
	}
	for _, item := range items {
		if item.DeviceType == "" || item.Quantity <= 0 {
			return nil, fmt.Errorf("line items need a device_type and a positive quantity")
		}
	}

	p, err := s.patients.Get(ctx, patientID)
	if err != nil {
		return nil, fmt.Errorf("resolve patient: %w", err)
	}
	if !p.HasShippingAddress() {
		return nil, fmt.Errorf("patient %s has no complete shipping address on file", patientID)
	}

	now := time.Now().UTC()
	o := &Order{
		ID:          uuid.New(),
		OrderNumber: NewOrderNumber(now),
		PatientID:   patientID,
		Items:       items,
		Shipping: ShippingSnapshot{
			Name:       p.FullName(),
			Line1:      p.Address.Line1,
			Line2:      p.Address.Line2,
			City:       p.Address.City,
			State:      p.Address.State,
			PostalCode: p.Address.PostalCode,
			Country:    p.Address.Country,
		},
		Status:          StatusPending,
		Notes:           notes,
		OrderedAt:       now,
		StatusChangedAt: now,
		CreatedAt:       now,
	}
	if p.Phone != nil {
		o.Shipping.Phone = *p.Phone
	}
	if err := s.repo.Create(ctx, o); err != nil {
		return nil, err
	}
	s.audit(ctx, actor, "order.created", o.ID, map[string]interface{}{"order_number": o.OrderNumber})

	result, err := s.placeWithVendor(ctx, o, p)
	if err != nil {
		s.logger.Error().Err(err).Str("order_number", o.OrderNumber).Msg("vendor order placement failed, order stays pending")
		return o, fmt.Errorf("%w: %v", ErrVendorPlacement, err)
	}

	s.applyVendorAck(ctx, o, result, actor, now)
	return o, nil
}

// Resubmit retries the vendor placement of an order stuck in pending. The
// order ID doubles as the idempotency token, so a retry after an ambiguous
// failure cannot double-ship.
func (s *Service) Resubmit(ctx context.Context, id uuid.UUID, actor string) (*Order, error) {
	o, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if o.Status != StatusPending {
		return nil, fmt.Errorf("%w: only pending orders can be resubmitted, order is %s", ErrInvalidTransition, o.Status)
	}
	p, err := s.patients.Get(ctx, o.PatientID)
	if err != nil {
		return nil, fmt.Errorf("resolve patient: %w", err)
	}

	result, err := s.placeWithVendor(ctx, o, p)
	if err != nil {
		return o, fmt.Errorf("%w: %v", ErrVendorPlacement, err)
	}
	s.applyVendorAck(ctx, o, result, actor, time.Now().UTC())
	return o, nil
}

func (s *Service) placeWithVendor(ctx context.Context, o *Order, p *patient.Patient) (*vendor.OrderResult, error) {
	req := vendor.CreateOrderRequest{
		PatientRef:       p.MRN,
		IdempotencyToken: o.ID.String(),
		Shipping: vendor.ShippingSnapshot{
			Name:       o.Shipping.Name,
			Line1:      o.Shipping.Line1,
			Line2:      o.Shipping.Line2,
			City:       o.Shipping.City,
			State:      o.Shipping.State,
			PostalCode: o.Shipping.PostalCode,
			Country:    o.Shipping.Country,
			Phone:      o.Shipping.Phone,
		},
	}
	if p.VendorPatientRef != nil {
		req.PatientRef = *p.VendorPatientRef
	}
	for _, item := range o.Items {
		req.Items = append(req.Items, vendor.LineItem{DeviceType: item.DeviceType, Quantity: item.Quantity})
	}
	return s.gateway.CreateOrder(ctx, req)
}

// applyVendorAck records the vendor's acknowledgment: the vendor order
// reference, the dropship_requested transition, and device records for
// hardware the vendor already assigned. Device creation failures are logged
// and left for the fulfillment webhook to repair.
func (s *Service) applyVendorAck(ctx context.Context, o *Order, result *vendor.OrderResult, actor string, at time.Time) {
	_, err := s.mutate(ctx, o.ID, func(fresh *Order) error {
		ref := result.VendorOrderRef
		fresh.VendorOrderRef = &ref
		return fresh.Transition(StatusDropshipRequested, SourceSystem, actor, "vendor acknowledged", at)
	})
	if err != nil {
		s.logger.Error().Err(err).Str("order_number", o.OrderNumber).Msg("recording vendor acknowledgment failed")
		return
	}
	ref := result.VendorOrderRef
	o.VendorOrderRef = &ref
	o.Status = StatusDropshipRequested

	for i, deviceRef := range result.DeviceRefs {
		deviceType := ""
		if len(o.Items) > 0 {
			deviceType = o.Items[min(i, len(o.Items)-1)].DeviceType
		}
		vRef := deviceRef
		pid := o.PatientID
		d := &device.Device{
			ID:              uuid.New(),
			SerialNumber:    deviceRef,
			VendorDeviceRef: &vRef,
			DeviceType:      deviceType,
			Status:          device.StatusOrdered,
			PatientID:       &pid,
			OrderID:         &o.ID,
			CreatedAt:       at,
		}
		if err := s.devices.Create(ctx, d); err != nil {
			s.logger.Warn().Err(err).Str("vendor_device_ref", deviceRef).Msg("device record creation failed, webhook will repair")
		}
	}

	s.audit(ctx, actor, "order.vendor_acknowledged", o.ID, map[string]interface{}{
		"vendor_order_ref": result.VendorOrderRef,
		"device_refs":      result.DeviceRefs,
	})
}

// Cancel cancels an order locally and vendor-side.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID, reason, actor string) (*Order, error) {
	o, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if IsSettled(o.Status) {
		return nil, fmt.Errorf("%w: %s", ErrOrderSettled, o.Status)
	}
	if o.VendorOrderRef != nil {
		if err := s.gateway.CancelOrder(ctx, *o.VendorOrderRef, reason); err != nil {
			return nil, fmt.Errorf("vendor cancellation: %w", err)
		}
	}

	o, err = s.mutate(ctx, id, func(fresh *Order) error {
		return fresh.Transition(StatusCancelled, SourceManual, actor, reason, time.Now().UTC())
	})
	if err != nil {
		return nil, err
	}
	s.audit(ctx, actor, "order.cancelled", id, map[string]interface{}{"reason": reason})
	return o, nil
}

// Hold pauses an order; Resume returns it to its prior state.
func (s *Service) Hold(ctx context.Context, id uuid.UUID, reason, actor string) (*Order, error) {
	o, err := s.mutate(ctx, id, func(fresh *Order) error {
		return fresh.Transition(StatusOnHold, SourceManual, actor, reason, time.Now().UTC())
	})
	if err != nil {
		return nil, err
	}
	s.audit(ctx, actor, "order.held", id, map[string]interface{}{"reason": reason})
	return o, nil
}

func (s *Service) Resume(ctx context.Context, id uuid.UUID, reason, actor string) (*Order, error) {
	o, err := s.mutate(ctx, id, func(fresh *Order) error {
		return fresh.Resume(SourceManual, actor, reason, time.Now().UTC())
	})
	if err != nil {
		return nil, err
	}
	s.audit(ctx, actor, "order.resumed", id, map[string]interface{}{"reason": reason})
	return o, nil
}

func (s *Service) mutate(ctx context.Context, id uuid.UUID, fn func(*Order) error) (*Order, error) {
	var lastErr error
	for attempt := 0; attempt < updateRetries; attempt++ {
		o, err := s.repo.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := fn(o); err != nil {
			return nil, err
		}
		if err := s.repo.Update(ctx, o, o.Version); err != nil {
			if errors.Is(err, ErrVersionConflict) {
				lastErr = err
				continue
			}
			return nil, err
		}
		return o, nil
	}
	return nil, lastErr
}

func (s *Service) audit(ctx context.Context, actor, action string, id uuid.UUID, details map[string]interface{}) {
	if s.auditor == nil {
		return
	}
	if err := s.auditor.Record(ctx, actor, action, "order", id.String(), details); err != nil {
		s.logger.Warn().Err(err).Msg("audit record failed")
	}
}
