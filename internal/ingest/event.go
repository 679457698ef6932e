// Package ingest receives vendor webhook deliveries: it authenticates the
// payload, classifies and deduplicates events, and persists each one before
// any processing happens. Processing itself is handed to a Dispatcher so a
// crash between receipt and reconciliation never loses an event.
package ingest

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Event categories. Unrecognized event types are persisted and acknowledged
// but never routed to a reconciliation handler.
const (
	CategoryMeasurement        = "measurement"
	CategoryFulfillment        = "fulfillment"
	CategoryDeviceRegistration = "device_registration"
	CategoryUnrecognized       = "unrecognized"
)

// Event statuses. An event is created as StatusReceived and moves to exactly
// one terminal status once the coordinator has seen it.
const (
	StatusReceived         = "received"
	StatusProcessed        = "processed"
	StatusDuplicateIgnored = "duplicate_ignored"
	StatusOrphaned         = "orphaned"
	StatusStaleIgnored     = "stale_ignored"
	StatusFailed           = "failed"
)

var (
	ErrBadSignature = errors.New("webhook signature verification failed")
	ErrMalformed    = errors.New("malformed webhook payload")
	ErrNotFound     = errors.New("webhook event not found")
	ErrEventSettled = errors.New("webhook event already reached a terminal status")
)

// WebhookEvent is one persisted vendor delivery. Payload keeps the raw
// vendor JSON so events can be replayed after a handler bug is fixed.
type WebhookEvent struct {
	ID            string          `json:"id"`
	VendorEventID string          `json:"vendor_event_id,omitempty"`
	DedupKey      string          `json:"dedup_key"`
	Category      string          `json:"category"`
	EventType     string          `json:"event_type"`
	Status        string          `json:"status"`
	Payload       json.RawMessage `json:"payload"`
	VendorTime    *time.Time      `json:"vendor_time,omitempty"`
	FailureReason string          `json:"failure_reason,omitempty"`
	ReplayOf      string          `json:"replay_of,omitempty"`
	ReceivedAt    time.Time       `json:"received_at"`
	ProcessedAt   *time.Time      `json:"processed_at,omitempty"`
}

// envelope is the subset of fields common to every vendor event type.
type envelope struct {
	EventID   string `json:"event_id"`
	EventType string `json:"event_type"`
	Timestamp string `json:"timestamp"`
}

// ParsePayload decodes a webhook request body into events. The vendor sends
// either a single event object or a batch array; both forms are accepted.
func ParsePayload(body []byte) ([]*WebhookEvent, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w: empty body", ErrMalformed)
	}

	var raws []json.RawMessage
	if trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &raws); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
	} else {
		var single json.RawMessage
		if err := json.Unmarshal(trimmed, &single); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		raws = []json.RawMessage{single}
	}
	if len(raws) == 0 {
		return nil, fmt.Errorf("%w: empty batch", ErrMalformed)
	}

	events := make([]*WebhookEvent, 0, len(raws))
	for i, raw := range raws {
		var env envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			return nil, fmt.Errorf("%w: event %d: %v", ErrMalformed, i, err)
		}

		evt := &WebhookEvent{
			ID:            uuid.New().String(),
			VendorEventID: env.EventID,
			EventType:     env.EventType,
			Category:      Classify(env.EventType),
			Status:        StatusReceived,
			Payload:       raw,
			ReceivedAt:    time.Now().UTC(),
		}
		if ts, err := time.Parse(time.RFC3339, env.Timestamp); err == nil {
			utc := ts.UTC()
			evt.VendorTime = &utc
		}

		key, err := DedupKey(env.EventID, raw)
		if err != nil {
			return nil, fmt.Errorf("%w: event %d: %v", ErrMalformed, i, err)
		}
		evt.DedupKey = key

		events = append(events, evt)
	}
	return events, nil
}

// Classify maps a vendor event type string to an internal category.
func Classify(eventType string) string {
	t := strings.ToLower(strings.TrimSpace(eventType))
	switch {
	case t == "measurement" || t == "reading" || strings.HasPrefix(t, "measurement."):
		return CategoryMeasurement
	case t == "fulfillment" || strings.HasPrefix(t, "fulfillment.") || strings.HasPrefix(t, "order."):
		return CategoryFulfillment
	case t == "device_registration" || strings.HasPrefix(t, "device."):
		return CategoryDeviceRegistration
	default:
		return CategoryUnrecognized
	}
}

// DedupKey returns the idempotency key for an event: the vendor's own event
// id when it sends one, otherwise a digest of the compacted payload so the
// same delivery always hashes the same regardless of whitespace.
func DedupKey(vendorEventID string, payload json.RawMessage) (string, error) {
	if vendorEventID != "" {
		return "evt:" + vendorEventID, nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, payload); err != nil {
		return "", err
	}
	sum := sha256.Sum256(buf.Bytes())
	return "sha:" + hex.EncodeToString(sum[:]), nil
}
