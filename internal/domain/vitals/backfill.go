package vitals

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/carebridge/carebridge/internal/domain/device"
	"github.com/carebridge/carebridge/internal/domain/patient"
	"github.com/carebridge/carebridge/internal/platform/audit"
	"github.com/carebridge/carebridge/internal/vendor"
)

// MeasurementSource is the slice of the vendor client the backfiller needs.
type MeasurementSource interface {
	FetchMeasurements(ctx context.Context, patientRef string, filter vendor.MeasurementFilter) ([]vendor.Reading, error)
}

// PatientDirectory resolves the patient whose readings are being pulled.
type PatientDirectory interface {
	Get(ctx context.Context, id uuid.UUID) (*patient.Patient, error)
}

// DeviceResolver maps vendor device references on fetched readings back to
// local device records.
type DeviceResolver interface {
	GetByVendorRef(ctx context.Context, ref string) (*device.Device, error)
}

// Backfiller pulls historical readings from the vendor for a patient, used
// to repair gaps after missed webhook deliveries. Each pull goes through the
// vendor client's rate gate like any other call.
type Backfiller struct {
	source   MeasurementSource
	patients PatientDirectory
	devices  DeviceResolver
	svc      *Service
	auditor  audit.Logger
	logger   zerolog.Logger
}

func NewBackfiller(source MeasurementSource, patients PatientDirectory, devices DeviceResolver, svc *Service, auditor audit.Logger, logger zerolog.Logger) *Backfiller {
	return &Backfiller{
		source:   source,
		patients: patients,
		devices:  devices,
		svc:      svc,
		auditor:  auditor,
		logger:   logger.With().Str("component", "vitals_backfill").Logger(),
	}
}

// Backfill fetches readings in the window and stores them with the backfill
// source marker. Returns the number stored. Readings the vendor reports for
// devices we cannot resolve are stored without a device link rather than
// dropped.
func (b *Backfiller) Backfill(ctx context.Context, patientID uuid.UUID, actor string, filter vendor.MeasurementFilter) (int, error) {
	p, err := b.patients.Get(ctx, patientID)
	if err != nil {
		return 0, err
	}
	if p.VendorPatientRef == nil {
		return 0, fmt.Errorf("patient %s has no vendor reference to fetch against", patientID)
	}

	fetched, err := b.source.FetchMeasurements(ctx, *p.VendorPatientRef, filter)
	if err != nil {
		return 0, fmt.Errorf("fetch measurements: %w", err)
	}

	stored := 0
	for _, raw := range fetched {
		if len(raw.Values) == 0 {
			continue
		}
		r := &Reading{
			PatientID:  patientID,
			DeviceType: raw.DeviceType,
			Values:     raw.Values,
			Source:     SourceBackfill,
			RecordedAt: raw.Timestamp,
		}
		if raw.VendorDeviceRef != "" {
			if d, err := b.devices.GetByVendorRef(ctx, raw.VendorDeviceRef); err == nil {
				id := d.ID
				r.DeviceID = &id
			}
		}
		if err := b.svc.StoreReading(ctx, r); err != nil {
			b.logger.Warn().Err(err).Str("patient_id", patientID.String()).Msg("backfilled reading not stored")
			continue
		}
		stored++
	}

	if b.auditor != nil {
		_ = b.auditor.Record(ctx, actor, "vitals.backfill", "patient", patientID.String(), map[string]interface{}{
			"fetched": len(fetched),
			"stored":  stored,
			"since":   filter.Since.Format(time.RFC3339),
		})
	}
	b.logger.Info().Str("patient_id", patientID.String()).Int("stored", stored).Msg("vitals backfill complete")
	return stored, nil
}
