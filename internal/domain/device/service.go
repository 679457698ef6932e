package device

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/carebridge/carebridge/internal/platform/audit"
	"github.com/carebridge/carebridge/internal/vendor"
)

// updateRetries bounds transparent retries on concurrent-update conflicts.
const updateRetries = 3

// VendorGateway is the slice of the vendor client this service needs.
type VendorGateway interface {
	RequestReplacement(ctx context.Context, vendorDeviceRef, reason, idemToken string) (*vendor.ReplacementResult, error)
	RegisterDevice(ctx context.Context, serial, deviceType, patientRef string) (*vendor.RegistrationResult, error)
	UnregisterDevice(ctx context.Context, vendorDeviceRef string) error
}

type Service struct {
	repo             Repository
	gateway          VendorGateway
	auditor          audit.Logger
	offlineThreshold time.Duration
	logger           zerolog.Logger
}

func NewService(repo Repository, gateway VendorGateway, auditor audit.Logger, offlineThreshold time.Duration, logger zerolog.Logger) *Service {
	return &Service{
		repo:             repo,
		gateway:          gateway,
		auditor:          auditor,
		offlineThreshold: offlineThreshold,
		logger:           logger.With().Str("component", "device_service").Logger(),
	}
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Device, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) GetBySerial(ctx context.Context, serial string) (*Device, error) {
	return s.repo.GetBySerial(ctx, serial)
}

func (s *Service) List(ctx context.Context, filter Filter) ([]*Device, int, error) {
	return s.repo.List(ctx, filter)
}

// OfflineThreshold returns the configured silence window after which an
// active device is considered offline.
func (s *Service) OfflineThreshold() time.Duration {
	return s.offlineThreshold
}

// Register records a manually provisioned device, registering it with the
// vendor first. The device enters the lifecycle at delivered (the hardware
// is already in hand) and moves straight to assigned when a patient is
// given.
func (s *Service) Register(ctx context.Context, serial, deviceType string, patientID *uuid.UUID, actor string) (*Device, error) {
	if serial == "" || deviceType == "" {
		return nil, fmt.Errorf("serial_number and device_type are required")
	}
	if _, err := s.repo.GetBySerial(ctx, serial); err == nil {
		return nil, ErrDuplicateSerial
	}

	patientRef := ""
	if patientID != nil {
		patientRef = patientID.String()
	}
	reg, err := s.gateway.RegisterDevice(ctx, serial, deviceType, patientRef)
	if err != nil {
		return nil, fmt.Errorf("vendor registration: %w", err)
	}

	now := time.Now().UTC()
	d := &Device{
		ID:           uuid.New(),
		SerialNumber: serial,
		DeviceType:   deviceType,
		Status:       StatusDelivered,
		PatientID:    patientID,
		CreatedAt:    now,
	}
	if reg.VendorDeviceRef != "" {
		ref := reg.VendorDeviceRef
		d.VendorDeviceRef = &ref
	}
	if patientID != nil {
		if err := d.Transition(StatusAssigned, SourceManual, actor, "manual registration", now); err != nil {
			return nil, err
		}
		d.AssignedAt = &now
	}
	if err := s.repo.Create(ctx, d); err != nil {
		return nil, err
	}

	s.audit(ctx, actor, "device.registered", d.ID, map[string]interface{}{
		"serial_number": serial,
		"device_type":   deviceType,
	})
	return d, nil
}

// Unregister decommissions a device and removes its vendor registration.
func (s *Service) Unregister(ctx context.Context, id uuid.UUID, actor string) (*Device, error) {
	d, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.VendorDeviceRef != nil {
		if err := s.gateway.UnregisterDevice(ctx, *d.VendorDeviceRef); err != nil {
			return nil, fmt.Errorf("vendor unregistration: %w", err)
		}
	}

	d, err = s.mutate(ctx, id, func(d *Device) error {
		return d.Transition(StatusDecommissioned, SourceManual, actor, "unregistered", time.Now().UTC())
	})
	if err != nil {
		return nil, err
	}
	s.audit(ctx, actor, "device.unregistered", id, nil)
	return d, nil
}

// Assign links a delivered device to a patient.
func (s *Service) Assign(ctx context.Context, id, patientID uuid.UUID, actor string) (*Device, error) {
	now := time.Now().UTC()
	d, err := s.mutate(ctx, id, func(d *Device) error {
		if err := d.Transition(StatusAssigned, SourceManual, actor, "assigned to patient", now); err != nil {
			return err
		}
		d.PatientID = &patientID
		d.AssignedAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.audit(ctx, actor, "device.assigned", id, map[string]interface{}{"patient_id": patientID.String()})
	return d, nil
}

// SetStatus applies a manual status change with full transition validation.
func (s *Service) SetStatus(ctx context.Context, id uuid.UUID, to, reason, actor string) (*Device, error) {
	if !ValidStatus(to) {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, to)
	}
	d, err := s.mutate(ctx, id, func(d *Device) error {
		return d.Transition(to, SourceManual, actor, reason, time.Now().UTC())
	})
	if err != nil {
		return nil, err
	}
	s.audit(ctx, actor, "device.status_changed", id, map[string]interface{}{"status": to, "reason": reason})
	return d, nil
}

// RequestReplacement asks the vendor for a replacement unit. A new device
// record is created in ordered status linked to the old one, and the old
// device is pushed to returned.
func (s *Service) RequestReplacement(ctx context.Context, id uuid.UUID, reason, actor string) (*Device, error) {
	old, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if old.VendorDeviceRef == nil {
		return nil, fmt.Errorf("device %s has no vendor registration to replace", id)
	}
	if IsTerminal(old.Status) {
		return nil, fmt.Errorf("%w: cannot replace a %s device", ErrInvalidTransition, old.Status)
	}

	result, err := s.gateway.RequestReplacement(ctx, *old.VendorDeviceRef, reason, uuid.New().String())
	if err != nil {
		return nil, fmt.Errorf("vendor replacement: %w", err)
	}

	now := time.Now().UTC()
	serial := result.SerialNumber
	if serial == "" {
		// Vendor did not report a serial yet; use the vendor ref as a
		// placeholder until a fulfillment event reports the real one.
		serial = result.VendorDeviceRef
	}
	replacement := &Device{
		ID:               uuid.New(),
		SerialNumber:     serial,
		DeviceType:       old.DeviceType,
		Status:           StatusOrdered,
		PatientID:        old.PatientID,
		ReplacesDeviceID: &old.ID,
		CreatedAt:        now,
	}
	if result.VendorDeviceRef != "" {
		ref := result.VendorDeviceRef
		replacement.VendorDeviceRef = &ref
	}
	if err := s.repo.Create(ctx, replacement); err != nil {
		return nil, err
	}

	if _, err := s.mutate(ctx, old.ID, func(d *Device) error {
		return d.Transition(StatusReturned, SourceManual, actor, "replaced by "+replacement.ID.String(), now)
	}); err != nil {
		// The replacement order is already placed; the old device's
		// transition failure is recorded and left for operator follow-up.
		s.logger.Error().Err(err).Str("device_id", old.ID.String()).Msg("replacement ordered but old device transition failed")
	}

	s.audit(ctx, actor, "device.replacement_requested", old.ID, map[string]interface{}{
		"reason":         reason,
		"replacement_id": replacement.ID.String(),
	})
	return replacement, nil
}

// RecordContact updates a device's last-contact timestamp and, when a
// silent device reports in again, flips it back to active.
func (s *Service) RecordContact(ctx context.Context, id uuid.UUID, at time.Time) (*Device, error) {
	return s.mutate(ctx, id, func(d *Device) error {
		d.RecordContact(at)
		switch d.Status {
		case StatusInactive, StatusAssigned, StatusUnknown:
			return d.Transition(StatusActive, SourceWebhook, "", "reading received", at)
		}
		return nil
	})
}

// SweepConnectivity marks active devices silent past the offline threshold
// as inactive. Safe to run repeatedly; devices already inactive are not
// touched. Returns the number of devices transitioned.
func (s *Service) SweepConnectivity(ctx context.Context, now time.Time) (int, error) {
	cutoff := now.Add(-s.offlineThreshold)
	silent, err := s.repo.ListSilentSince(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	transitioned := 0
	for _, d := range silent {
		_, err := s.mutate(ctx, d.ID, func(d *Device) error {
			if d.Status != StatusActive {
				return nil
			}
			return d.Transition(StatusInactive, SourceSystem, "", "no contact past offline threshold", now)
		})
		if err != nil {
			s.logger.Error().Err(err).Str("device_id", d.ID.String()).Msg("connectivity sweep update failed")
			continue
		}
		transitioned++
		classification := d.Connectivity(now, s.offlineThreshold)
		if classification == ConnectivityCritical {
			s.logger.Warn().
				Str("device_id", d.ID.String()).
				Str("serial_number", d.SerialNumber).
				Msg("device silent past critical threshold")
		}
		s.audit(ctx, audit.ActorSystem, "device.marked_inactive", d.ID, map[string]interface{}{
			"connectivity": classification,
		})
	}
	return transitioned, nil
}

// mutate applies fn to a fresh copy of the device and writes it back under
// the version guard, retrying on conflict.
func (s *Service) mutate(ctx context.Context, id uuid.UUID, fn func(*Device) error) (*Device, error) {
	var lastErr error
	for attempt := 0; attempt < updateRetries; attempt++ {
		d, err := s.repo.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := fn(d); err != nil {
			return nil, err
		}
		if err := s.repo.Update(ctx, d, d.Version); err != nil {
			if errors.Is(err, ErrVersionConflict) {
				lastErr = err
				continue
			}
			return nil, err
		}
		return d, nil
	}
	return nil, lastErr
}

func (s *Service) audit(ctx context.Context, actor, action string, id uuid.UUID, details map[string]interface{}) {
	if s.auditor == nil {
		return
	}
	if err := s.auditor.Record(ctx, actor, action, "device", id.String(), details); err != nil {
		s.logger.Warn().Err(err).Msg("audit record failed")
	}
}
