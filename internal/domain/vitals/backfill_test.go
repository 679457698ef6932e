package vitals

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/carebridge/carebridge/internal/domain/device"
	"github.com/carebridge/carebridge/internal/domain/patient"
	"github.com/carebridge/carebridge/internal/platform/audit"
	"github.com/carebridge/carebridge/internal/vendor"
)

type fakeSource struct {
	readings []vendor.Reading
	err      error
	gotRef   string
}

func (f *fakeSource) FetchMeasurements(ctx context.Context, patientRef string, filter vendor.MeasurementFilter) ([]vendor.Reading, error) {
	f.gotRef = patientRef
	return f.readings, f.err
}

func seedPatient(t *testing.T, patients *patient.Service, vendorRef string) *patient.Patient {
	t.Helper()
	p := &patient.Patient{MRN: "MRN-" + uuid.New().String()[:8], FirstName: "Rae", LastName: "Okafor"}
	if vendorRef != "" {
		p.VendorPatientRef = &vendorRef
	}
	if err := patients.Create(context.Background(), p); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestBackfiller_StoresFetchedReadings(t *testing.T) {
	store := NewMemoryStore()
	patients := patient.NewService(patient.NewMemoryRepository())
	devices := device.NewMemoryRepository()
	p := seedPatient(t, patients, "pat-bf1")

	ref := "hwi-bf1"
	d := &device.Device{ID: uuid.New(), SerialNumber: "SN-BF1", Status: device.StatusActive, VendorDeviceRef: &ref}
	if err := devices.Create(context.Background(), d); err != nil {
		t.Fatal(err)
	}

	source := &fakeSource{readings: []vendor.Reading{
		{VendorDeviceRef: "hwi-bf1", DeviceType: "blood_pressure", Timestamp: time.Now().Add(-time.Hour), Values: map[string]interface{}{"systolic": 118}},
		{VendorDeviceRef: "hwi-unknown", DeviceType: "weight", Timestamp: time.Now().Add(-2 * time.Hour), Values: map[string]interface{}{"kg": 70.5}},
		{DeviceType: "pulse_ox", Timestamp: time.Now(), Values: nil},
	}}

	b := NewBackfiller(source, patients, devices, NewService(store), audit.NewMemoryLogger(), zerolog.Nop())
	stored, err := b.Backfill(context.Background(), p.ID, "op-1", vendor.MeasurementFilter{})
	if err != nil {
		t.Fatalf("Backfill: %v", err)
	}
	if stored != 2 {
		t.Fatalf("stored = %d, want 2 (empty reading skipped)", stored)
	}
	if source.gotRef != "pat-bf1" {
		t.Errorf("fetched with ref %q, want the vendor patient ref", source.gotRef)
	}

	readings, _, err := store.ListByPatient(context.Background(), p.ID, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	var linked, unlinked int
	for _, r := range readings {
		if r.Source != SourceBackfill {
			t.Errorf("reading source = %s, want %s", r.Source, SourceBackfill)
		}
		if r.DeviceID != nil {
			if *r.DeviceID != d.ID {
				t.Errorf("reading linked to wrong device")
			}
			linked++
		} else {
			unlinked++
		}
	}
	if linked != 1 || unlinked != 1 {
		t.Errorf("linked = %d, unlinked = %d, want 1 and 1", linked, unlinked)
	}
}

func TestBackfiller_RequiresVendorRef(t *testing.T) {
	patients := patient.NewService(patient.NewMemoryRepository())
	p := seedPatient(t, patients, "")

	source := &fakeSource{}
	b := NewBackfiller(source, patients, device.NewMemoryRepository(), NewService(NewMemoryStore()), audit.NewMemoryLogger(), zerolog.Nop())
	if _, err := b.Backfill(context.Background(), p.ID, "op-1", vendor.MeasurementFilter{}); err == nil {
		t.Fatal("expected an error for a patient without a vendor reference")
	}
	if source.gotRef != "" {
		t.Error("vendor was called despite the missing reference")
	}
}

func TestBackfiller_PropagatesFetchError(t *testing.T) {
	patients := patient.NewService(patient.NewMemoryRepository())
	p := seedPatient(t, patients, "pat-bf3")

	source := &fakeSource{err: vendor.ErrVendorBusy}
	store := NewMemoryStore()
	b := NewBackfiller(source, patients, device.NewMemoryRepository(), NewService(store), audit.NewMemoryLogger(), zerolog.Nop())
	_, err := b.Backfill(context.Background(), p.ID, "op-1", vendor.MeasurementFilter{})
	if !errors.Is(err, vendor.ErrVendorBusy) {
		t.Fatalf("err = %v, want ErrVendorBusy", err)
	}
	if store.Count() != 0 {
		t.Errorf("readings stored despite fetch failure")
	}
}
