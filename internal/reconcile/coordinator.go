package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/carebridge/carebridge/internal/domain/device"
	"github.com/carebridge/carebridge/internal/domain/order"
	"github.com/carebridge/carebridge/internal/domain/patient"
	"github.com/carebridge/carebridge/internal/domain/vitals"
	"github.com/carebridge/carebridge/internal/ingest"
	"github.com/carebridge/carebridge/internal/platform/audit"
	"github.com/carebridge/carebridge/internal/platform/metrics"
)

const (
	defaultQueueSize = 256
	updateRetries    = 3
)

// VitalsStore receives normalized readings extracted from measurement
// events.
type VitalsStore interface {
	StoreReading(ctx context.Context, r *vitals.Reading) error
}

// PatientResolver looks up a patient by vendor reference, MRN, or id.
type PatientResolver interface {
	Resolve(ctx context.Context, ref string) (*patient.Patient, error)
}

// Coordinator consumes persisted webhook events from a worker pool, routes
// each to its aggregate by vendor device id first and vendor order
// reference second, and applies transitions serialized per aggregate. It
// implements ingest.Dispatcher.
type Coordinator struct {
	events   ingest.EventStore
	devices  device.Repository
	orders   order.Repository
	vitals   VitalsStore
	patients PatientResolver
	auditor  audit.Logger
	locks    *keyedLocks
	logger   zerolog.Logger

	queue   chan *ingest.WebhookEvent
	workers int
	wg      sync.WaitGroup
	stop    sync.Once
}

func NewCoordinator(events ingest.EventStore, devices device.Repository, orders order.Repository, vitalsStore VitalsStore, patients PatientResolver, auditor audit.Logger, workers int, logger zerolog.Logger) *Coordinator {
	if workers <= 0 {
		workers = 4
	}
	return &Coordinator{
		events:   events,
		devices:  devices,
		orders:   orders,
		vitals:   vitalsStore,
		patients: patients,
		auditor:  auditor,
		locks:    newKeyedLocks(),
		logger:   logger.With().Str("component", "reconcile").Logger(),
		queue:    make(chan *ingest.WebhookEvent, defaultQueueSize),
		workers:  workers,
	}
}

// Start launches the worker pool. Workers drain the queue until Stop closes
// it; ctx bounds the processing of each individual event.
func (c *Coordinator) Start(ctx context.Context) {
	for i := 0; i < c.workers; i++ {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			for evt := range c.queue {
				c.Process(ctx, evt)
			}
		}()
	}
}

// Stop closes the queue and waits for in-flight events to finish.
func (c *Coordinator) Stop() {
	c.stop.Do(func() { close(c.queue) })
	c.wg.Wait()
}

// Enqueue hands an event to the worker pool. The event is already durable,
// so blocking briefly under backpressure is safe.
func (c *Coordinator) Enqueue(evt *ingest.WebhookEvent) {
	c.queue <- evt
}

// Process applies one event synchronously. Exported so tests and the
// recovery path can drive events without the worker pool.
func (c *Coordinator) Process(ctx context.Context, evt *ingest.WebhookEvent) {
	start := time.Now()
	status, reason := c.dispatch(ctx, evt)
	metrics.ReconcileDuration.Observe(time.Since(start).Seconds())
	metrics.WebhookEventsProcessedTotal.WithLabelValues(status).Inc()

	if err := c.events.UpdateStatus(ctx, evt.ID, status, reason); err != nil {
		c.logger.Error().Err(err).Str("event_id", evt.ID).Msg("recording event outcome failed")
	}
}

func (c *Coordinator) dispatch(ctx context.Context, evt *ingest.WebhookEvent) (status, reason string) {
	defer func() {
		if r := recover(); r != nil {
			status = ingest.StatusFailed
			reason = fmt.Sprintf("panic: %v", r)
			c.logger.Error().Str("event_id", evt.ID).Interface("panic", r).Msg("event processing panicked")
		}
	}()

	switch evt.Category {
	case ingest.CategoryMeasurement:
		return c.processMeasurement(ctx, evt)
	case ingest.CategoryFulfillment:
		return c.processFulfillment(ctx, evt)
	case ingest.CategoryDeviceRegistration:
		return c.processRegistration(ctx, evt)
	default:
		c.logger.Info().Str("event_id", evt.ID).Str("event_type", evt.EventType).Msg("unrecognized event type, recorded and skipped")
		return ingest.StatusProcessed, "unrecognized event type: " + evt.EventType
	}
}

// measurementPayload is the vendor's reading shape.
type measurementPayload struct {
	DeviceRef    string                 `json:"device_id"`
	SerialNumber string                 `json:"serial_number"`
	PatientRef   string                 `json:"patient_id"`
	DeviceType   string                 `json:"device_type"`
	Values       map[string]interface{} `json:"values"`
	Metadata     map[string]interface{} `json:"metadata"`
}

func (c *Coordinator) processMeasurement(ctx context.Context, evt *ingest.WebhookEvent) (string, string) {
	var payload measurementPayload
	if err := json.Unmarshal(evt.Payload, &payload); err != nil {
		return ingest.StatusFailed, "measurement parse: " + err.Error()
	}

	d := c.routeDevice(ctx, payload.DeviceRef, payload.SerialNumber)
	if d == nil {
		return c.orphan(ctx, evt, payload.DeviceRef+payload.SerialNumber)
	}

	unlock := c.locks.Lock("device:" + d.ID.String())
	defer unlock()

	at := evt.ReceivedAt
	if evt.VendorTime != nil {
		at = *evt.VendorTime
	}

	err := c.mutateDevice(ctx, d.ID, func(d *device.Device) error {
		d.RecordContact(at)
		switch d.Status {
		case device.StatusInactive, device.StatusAssigned, device.StatusUnknown:
			return d.Transition(device.StatusActive, device.SourceWebhook, "", "reading received", at)
		}
		return nil
	})
	if err != nil {
		return ingest.StatusFailed, "device contact update: " + err.Error()
	}

	if len(payload.Values) == 0 {
		return ingest.StatusProcessed, "measurement carried no values"
	}
	if d.PatientID == nil {
		c.logger.Warn().Str("device_id", d.ID.String()).Msg("reading for unassigned device, vitals skipped")
		return ingest.StatusProcessed, "device has no patient assignment, reading not stored"
	}

	deviceType := payload.DeviceType
	if deviceType == "" {
		deviceType = d.DeviceType
	}
	did := d.ID
	reading := &vitals.Reading{
		DeviceID:   &did,
		PatientID:  *d.PatientID,
		DeviceType: deviceType,
		Values:     payload.Values,
		Metadata:   payload.Metadata,
		Source:     vitals.SourceWebhook,
		RecordedAt: at,
	}
	if err := c.vitals.StoreReading(ctx, reading); err != nil {
		return ingest.StatusFailed, "store reading: " + err.Error()
	}
	return ingest.StatusProcessed, ""
}

// fulfillmentPayload is the vendor's order-progress shape.
type fulfillmentPayload struct {
	OrderRef       string `json:"order_id"`
	DeviceRef      string `json:"device_id"`
	Status         string `json:"status"`
	TrackingNumber string `json:"tracking_number"`
	TrackingURL    string `json:"tracking_url"`
	Devices        []struct {
		DeviceRef    string `json:"device_id"`
		SerialNumber string `json:"serial_number"`
		DeviceType   string `json:"device_type"`
	} `json:"devices"`
}

func (c *Coordinator) processFulfillment(ctx context.Context, evt *ingest.WebhookEvent) (string, string) {
	var payload fulfillmentPayload
	if err := json.Unmarshal(evt.Payload, &payload); err != nil {
		return ingest.StatusFailed, "fulfillment parse: " + err.Error()
	}

	// Routing precedence: vendor device id first, then order reference.
	var o *order.Order
	if payload.DeviceRef != "" {
		if d := c.routeDevice(ctx, payload.DeviceRef, ""); d != nil && d.OrderID != nil {
			if found, err := c.orders.GetByID(ctx, *d.OrderID); err == nil {
				o = found
			}
		}
	}
	if o == nil && payload.OrderRef != "" {
		if found, err := c.orders.GetByVendorRef(ctx, payload.OrderRef); err == nil {
			o = found
		}
	}
	if o == nil {
		return c.orphan(ctx, evt, payload.OrderRef+payload.DeviceRef)
	}

	unlock := c.locks.Lock("order:" + o.ID.String())
	defer unlock()

	eventTime := evt.ReceivedAt
	if evt.VendorTime != nil {
		eventTime = *evt.VendorTime
	}
	mapped := order.MapVendorStatus(payload.Status)

	var outcome string
	err := c.mutateOrder(ctx, o.ID, func(o *order.Order) error {
		// Stale-event policy: an earlier-timestamped event arriving after a
		// later one was applied is recorded but not applied.
		if o.LastEventAt != nil && eventTime.Before(*o.LastEventAt) {
			outcome = ingest.StatusStaleIgnored
			return nil
		}

		if mapped == "" {
			outcome = "unmapped"
			return nil
		}
		if order.IsSettled(o.Status) && !order.CanTransition(o.Status, mapped) {
			outcome = "settled"
			return nil
		}
		// Monotonicity: never silently skip backward along the forward path.
		if r, cur := order.Rank(mapped), order.Rank(o.Status); r >= 0 && cur >= 0 && r < cur {
			outcome = ingest.StatusStaleIgnored
			return nil
		}

		// Vendors can report a later status before the intermediate ones
		// arrive; fast-forward through the skipped steps.
		for _, step := range order.ForwardPath(o.Status, mapped) {
			if err := o.Transition(step, order.SourceWebhook, "", "vendor status "+payload.Status, eventTime); err != nil {
				return err
			}
		}
		o.SetTracking(payload.TrackingNumber, payload.TrackingURL)
		t := eventTime
		o.LastEventAt = &t
		outcome = "applied"
		return nil
	})
	if err != nil {
		return ingest.StatusFailed, "order update: " + err.Error()
	}

	switch outcome {
	case ingest.StatusStaleIgnored:
		metrics.StaleEventsTotal.Inc()
		c.audit(ctx, "event.stale_ignored", "order", o.ID.String(), map[string]interface{}{
			"event_id": evt.ID, "vendor_status": payload.Status,
		})
		return ingest.StatusStaleIgnored, "superseded by a later-timestamped event"
	case "settled":
		c.audit(ctx, "event.after_settlement", "order", o.ID.String(), map[string]interface{}{
			"event_id": evt.ID, "vendor_status": payload.Status,
		})
		return ingest.StatusProcessed, "order outcome already settled, event recorded only"
	case "unmapped":
		return ingest.StatusProcessed, "unrecognized vendor status: " + payload.Status
	}

	c.syncFulfillmentDevices(ctx, o, &payload, eventTime)
	return ingest.StatusProcessed, ""
}

// syncFulfillmentDevices creates or updates device records for hardware the
// fulfillment event reports. Failures here are logged, not fatal: the order
// transition already happened and the next event can repair the devices.
func (c *Coordinator) syncFulfillmentDevices(ctx context.Context, o *order.Order, payload *fulfillmentPayload, at time.Time) {
	mappedDevice := device.MapVendorStatus(payload.Status)
	for _, reported := range payload.Devices {
		serial := reported.SerialNumber
		if serial == "" {
			serial = reported.DeviceRef
		}
		if serial == "" {
			continue
		}

		existing := c.routeDevice(ctx, reported.DeviceRef, serial)
		if existing == nil {
			pid := o.PatientID
			oid := o.ID
			d := &device.Device{
				ID:           uuid.New(),
				SerialNumber: serial,
				DeviceType:   reported.DeviceType,
				Status:       device.StatusOrdered,
				PatientID:    &pid,
				OrderID:      &oid,
				CreatedAt:    at,
			}
			if reported.DeviceRef != "" {
				ref := reported.DeviceRef
				d.VendorDeviceRef = &ref
			}
			if mappedDevice != device.StatusUnknown && device.CanTransition(d.Status, mappedDevice) {
				_ = d.Transition(mappedDevice, device.SourceWebhook, "", "fulfillment "+payload.Status, at)
			}
			if err := c.devices.Create(ctx, d); err != nil {
				c.logger.Warn().Err(err).Str("serial_number", serial).Msg("fulfillment device creation failed")
			}
			continue
		}

		unlock := c.locks.Lock("device:" + existing.ID.String())
		err := c.mutateDevice(ctx, existing.ID, func(d *device.Device) error {
			if d.VendorDeviceRef == nil && reported.DeviceRef != "" {
				ref := reported.DeviceRef
				d.VendorDeviceRef = &ref
			}
			// Devices created at vendor acknowledgment carry the vendor
			// ref as a placeholder serial until the real one is reported.
			if reported.SerialNumber != "" && d.VendorDeviceRef != nil && d.SerialNumber == *d.VendorDeviceRef {
				d.SerialNumber = reported.SerialNumber
			}
			if d.OrderID == nil {
				oid := o.ID
				d.OrderID = &oid
			}
			if mappedDevice != device.StatusUnknown && device.CanTransition(d.Status, mappedDevice) {
				return d.Transition(mappedDevice, device.SourceWebhook, "", "fulfillment "+payload.Status, at)
			}
			return nil
		})
		unlock()
		if err != nil {
			c.logger.Warn().Err(err).Str("device_id", existing.ID.String()).Msg("fulfillment device update failed")
		}
	}
}

// registrationPayload is the vendor's device-registration shape.
type registrationPayload struct {
	DeviceRef    string `json:"device_id"`
	SerialNumber string `json:"serial_number"`
	PatientRef   string `json:"patient_id"`
	DeviceType   string `json:"device_type"`
	Status       string `json:"status"`
}

func (c *Coordinator) processRegistration(ctx context.Context, evt *ingest.WebhookEvent) (string, string) {
	var payload registrationPayload
	if err := json.Unmarshal(evt.Payload, &payload); err != nil {
		return ingest.StatusFailed, "registration parse: " + err.Error()
	}

	// Registration events never create devices; creation happens only on
	// order placement or manual registration.
	d := c.routeDevice(ctx, payload.DeviceRef, payload.SerialNumber)
	if d == nil {
		return c.orphan(ctx, evt, payload.DeviceRef+payload.SerialNumber)
	}

	unlock := c.locks.Lock("device:" + d.ID.String())
	defer unlock()

	at := evt.ReceivedAt
	if evt.VendorTime != nil {
		at = *evt.VendorTime
	}
	mapped := device.MapVendorStatus(payload.Status)

	// A registration carrying a patient reference assigns the device when
	// the patient is known locally. An unresolvable reference is not fatal.
	var patientID *uuid.UUID
	if payload.PatientRef != "" && c.patients != nil {
		if p, err := c.patients.Resolve(ctx, payload.PatientRef); err == nil {
			patientID = &p.ID
		} else {
			c.logger.Warn().Str("patient_ref", payload.PatientRef).Msg("registration references unknown patient")
		}
	}

	err := c.mutateDevice(ctx, d.ID, func(d *device.Device) error {
		if d.VendorDeviceRef == nil && payload.DeviceRef != "" {
			ref := payload.DeviceRef
			d.VendorDeviceRef = &ref
		}
		if patientID != nil && d.PatientID == nil {
			d.PatientID = patientID
		}
		if d.PatientID != nil && d.Status == device.StatusDelivered {
			if err := d.Transition(device.StatusAssigned, device.SourceWebhook, "", "vendor registration", at); err != nil {
				return err
			}
			t := at
			d.AssignedAt = &t
		}
		if payload.Status != "" && mapped != device.StatusUnknown && device.CanTransition(d.Status, mapped) {
			return d.Transition(mapped, device.SourceWebhook, "", "vendor registration "+payload.Status, at)
		}
		return nil
	})
	if err != nil {
		return ingest.StatusFailed, "device update: " + err.Error()
	}
	return ingest.StatusProcessed, ""
}

// routeDevice resolves a device by vendor reference first, serial second.
func (c *Coordinator) routeDevice(ctx context.Context, vendorRef, serial string) *device.Device {
	if vendorRef != "" {
		if d, err := c.devices.GetByVendorRef(ctx, vendorRef); err == nil {
			return d
		}
	}
	if serial != "" {
		if d, err := c.devices.GetBySerial(ctx, serial); err == nil {
			return d
		}
	}
	return nil
}

// orphan records an event that references no known aggregate. Not an error:
// logged for operator follow-up, no aggregate is created or mutated.
func (c *Coordinator) orphan(ctx context.Context, evt *ingest.WebhookEvent, ref string) (string, string) {
	metrics.OrphanEventsTotal.Inc()
	c.logger.Warn().
		Str("event_id", evt.ID).
		Str("event_type", evt.EventType).
		Str("reference", ref).
		Msg("event references no known aggregate")
	c.audit(ctx, "event.orphaned", "webhook_event", evt.ID, map[string]interface{}{
		"event_type": evt.EventType,
		"reference":  ref,
	})
	return ingest.StatusOrphaned, "no aggregate matches reference " + ref
}

func (c *Coordinator) mutateDevice(ctx context.Context, id uuid.UUID, fn func(*device.Device) error) error {
	var lastErr error
	for attempt := 0; attempt < updateRetries; attempt++ {
		d, err := c.devices.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if err := fn(d); err != nil {
			return err
		}
		if err := c.devices.Update(ctx, d, d.Version); err != nil {
			if errors.Is(err, device.ErrVersionConflict) {
				lastErr = err
				continue
			}
			return err
		}
		return nil
	}
	return lastErr
}

func (c *Coordinator) mutateOrder(ctx context.Context, id uuid.UUID, fn func(*order.Order) error) error {
	var lastErr error
	for attempt := 0; attempt < updateRetries; attempt++ {
		o, err := c.orders.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if err := fn(o); err != nil {
			return err
		}
		if err := c.orders.Update(ctx, o, o.Version); err != nil {
			if errors.Is(err, order.ErrVersionConflict) {
				lastErr = err
				continue
			}
			return err
		}
		return nil
	}
	return lastErr
}

func (c *Coordinator) audit(ctx context.Context, action, targetType, targetID string, details map[string]interface{}) {
	if c.auditor == nil {
		return
	}
	if err := c.auditor.Record(ctx, audit.ActorWebhook, action, targetType, targetID, details); err != nil {
		c.logger.Warn().Err(err).Msg("audit record failed")
	}
}
