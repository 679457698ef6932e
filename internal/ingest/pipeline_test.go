package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/carebridge/carebridge/internal/platform/audit"
	"github.com/carebridge/carebridge/internal/platform/dedup"
)

const testSecret = "whsec-test"

type captureDispatcher struct {
	mu     sync.Mutex
	events []*WebhookEvent
}

func (d *captureDispatcher) Enqueue(evt *WebhookEvent) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, evt)
}

func (d *captureDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.events)
}

func newTestPipeline(t *testing.T) (*Pipeline, *MemoryEventStore, *captureDispatcher) {
	t.Helper()
	store := NewMemoryEventStore()
	cache := dedup.NewMemoryCache(time.Hour)
	t.Cleanup(cache.Stop)
	dispatcher := &captureDispatcher{}
	p := NewPipeline(store, cache, testSecret, dispatcher, audit.NewMemoryLogger(), zerolog.Nop())
	return p, store, dispatcher
}

func measurementBody(eventID string) []byte {
	return []byte(fmt.Sprintf(`{
		"event_id": %q,
		"event_type": "measurement",
		"timestamp": "2026-08-29T14:00:00Z",
		"device_id": "HWI-AABBCCDDEEFF",
		"values": {"systolic": 120, "diastolic": 80}
	}`, eventID))
}

func TestPipeline_RejectsBadSignature(t *testing.T) {
	p, store, dispatcher := newTestPipeline(t)

	body := measurementBody("evt-1")
	_, err := p.Ingest(context.Background(), body, "deadbeef")
	if err != ErrBadSignature {
		t.Fatalf("expected ErrBadSignature, got %v", err)
	}
	events, _, _ := store.List(context.Background(), EventFilter{})
	if len(events) != 0 {
		t.Errorf("rejected deliveries must not be persisted, found %d", len(events))
	}
	if dispatcher.count() != 0 {
		t.Errorf("rejected deliveries must not be dispatched")
	}
}

func TestPipeline_AcceptsValidDelivery(t *testing.T) {
	p, store, dispatcher := newTestPipeline(t)

	body := measurementBody("evt-1")
	receipt, err := p.Ingest(context.Background(), body, SignPayload(body, testSecret))
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if receipt.Accepted != 1 || receipt.Duplicates != 0 {
		t.Fatalf("receipt = %+v", receipt)
	}

	evt, err := store.GetByID(context.Background(), receipt.EventIDs[0])
	if err != nil {
		t.Fatalf("event must be persisted: %v", err)
	}
	if evt.Status != StatusReceived {
		t.Errorf("status = %q, want %q", evt.Status, StatusReceived)
	}
	if evt.Category != CategoryMeasurement {
		t.Errorf("category = %q", evt.Category)
	}
	if evt.VendorEventID != "evt-1" {
		t.Errorf("vendor event id = %q", evt.VendorEventID)
	}
	if evt.VendorTime == nil || !evt.VendorTime.Equal(time.Date(2026, 8, 29, 14, 0, 0, 0, time.UTC)) {
		t.Errorf("vendor time = %v", evt.VendorTime)
	}
	if dispatcher.count() != 1 {
		t.Errorf("expected 1 dispatched event, got %d", dispatcher.count())
	}
}

func TestPipeline_BatchDelivery(t *testing.T) {
	p, _, dispatcher := newTestPipeline(t)

	body := []byte(`[
		{"event_id": "evt-a", "event_type": "measurement", "timestamp": "2026-08-29T14:00:00Z"},
		{"event_id": "evt-b", "event_type": "order.shipped", "timestamp": "2026-08-29T14:01:00Z"}
	]`)
	receipt, err := p.Ingest(context.Background(), body, SignPayload(body, testSecret))
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if receipt.Accepted != 2 {
		t.Fatalf("accepted = %d, want 2", receipt.Accepted)
	}
	if dispatcher.count() != 2 {
		t.Errorf("dispatched = %d, want 2", dispatcher.count())
	}
}

func TestPipeline_DuplicateDeliveryIgnored(t *testing.T) {
	p, store, dispatcher := newTestPipeline(t)

	body := measurementBody("evt-dup")
	sig := SignPayload(body, testSecret)
	if _, err := p.Ingest(context.Background(), body, sig); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	receipt, err := p.Ingest(context.Background(), body, sig)
	if err != nil {
		t.Fatalf("second delivery: %v", err)
	}
	if receipt.Accepted != 0 || receipt.Duplicates != 1 {
		t.Fatalf("receipt = %+v", receipt)
	}
	if dispatcher.count() != 1 {
		t.Errorf("duplicate must not be dispatched, got %d", dispatcher.count())
	}

	// Both deliveries leave a row; the second is marked as the duplicate.
	dups, _, _ := store.List(context.Background(), EventFilter{Status: StatusDuplicateIgnored})
	if len(dups) != 1 {
		t.Errorf("expected 1 duplicate row, got %d", len(dups))
	}
}

func TestPipeline_DuplicateWithinBatch(t *testing.T) {
	p, _, dispatcher := newTestPipeline(t)

	body := []byte(`[
		{"event_id": "evt-x", "event_type": "measurement", "timestamp": "2026-08-29T14:00:00Z"},
		{"event_id": "evt-x", "event_type": "measurement", "timestamp": "2026-08-29T14:00:00Z"}
	]`)
	receipt, err := p.Ingest(context.Background(), body, SignPayload(body, testSecret))
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if receipt.Accepted != 1 || receipt.Duplicates != 1 {
		t.Fatalf("receipt = %+v", receipt)
	}
	if dispatcher.count() != 1 {
		t.Errorf("dispatched = %d, want 1", dispatcher.count())
	}
}

func TestPipeline_DedupSurvivesCacheLoss(t *testing.T) {
	store := NewMemoryEventStore()
	dispatcher := &captureDispatcher{}

	cache1 := dedup.NewMemoryCache(time.Hour)
	p1 := NewPipeline(store, cache1, testSecret, dispatcher, audit.NewMemoryLogger(), zerolog.Nop())
	body := measurementBody("evt-persist")
	sig := SignPayload(body, testSecret)
	if _, err := p1.Ingest(context.Background(), body, sig); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	cache1.Stop()

	// Fresh cache simulates a restart; the store still knows the key.
	cache2 := dedup.NewMemoryCache(time.Hour)
	defer cache2.Stop()
	p2 := NewPipeline(store, cache2, testSecret, dispatcher, audit.NewMemoryLogger(), zerolog.Nop())
	receipt, err := p2.Ingest(context.Background(), body, sig)
	if err != nil {
		t.Fatalf("second delivery: %v", err)
	}
	if receipt.Duplicates != 1 {
		t.Errorf("expected store-backed dedup to catch the replay, receipt = %+v", receipt)
	}
}

func TestPipeline_MalformedPayload(t *testing.T) {
	p, _, _ := newTestPipeline(t)

	for _, body := range [][]byte{
		[]byte(``),
		[]byte(`{not json`),
		[]byte(`[]`),
	} {
		_, err := p.Ingest(context.Background(), body, SignPayload(body, testSecret))
		if err == nil {
			t.Errorf("expected error for body %q", body)
		}
	}
}

func TestPipeline_RecoverPending(t *testing.T) {
	p, store, dispatcher := newTestPipeline(t)

	body := measurementBody("evt-stuck")
	if _, err := p.Ingest(context.Background(), body, SignPayload(body, testSecret)); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	before := dispatcher.count()

	n, err := p.RecoverPending(context.Background())
	if err != nil {
		t.Fatalf("RecoverPending: %v", err)
	}
	if n != 1 {
		t.Fatalf("recovered = %d, want 1", n)
	}
	if dispatcher.count() != before+1 {
		t.Errorf("recovered event was not re-enqueued")
	}

	// Processed events are not picked up again.
	events, _, _ := store.List(context.Background(), EventFilter{})
	for _, evt := range events {
		store.UpdateStatus(context.Background(), evt.ID, StatusProcessed, "")
	}
	n, err = p.RecoverPending(context.Background())
	if err != nil {
		t.Fatalf("RecoverPending: %v", err)
	}
	if n != 0 {
		t.Errorf("recovered = %d, want 0", n)
	}
}

func TestPipeline_Replay(t *testing.T) {
	p, store, dispatcher := newTestPipeline(t)

	body := measurementBody("evt-replay")
	receipt, err := p.Ingest(context.Background(), body, SignPayload(body, testSecret))
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	id := receipt.EventIDs[0]
	store.UpdateStatus(context.Background(), id, StatusOrphaned, "no matching device")
	before := dispatcher.count()

	evt, err := p.Replay(context.Background(), id, "op-1")
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if evt.ID == id {
		t.Fatal("replay must record a fresh event, not reuse the original row")
	}
	if evt.Status != StatusReceived {
		t.Errorf("replayed status = %q, want %q", evt.Status, StatusReceived)
	}
	if evt.ReplayOf != id {
		t.Errorf("replay link = %q, want %q", evt.ReplayOf, id)
	}
	if dispatcher.count() != before+1 {
		t.Errorf("replayed event was not enqueued")
	}

	orig, err := store.GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("reload original: %v", err)
	}
	if orig.Status != StatusOrphaned {
		t.Errorf("original status = %q, replay must not rewind it", orig.Status)
	}
}

func TestPipeline_ReplayRejectsPendingEvent(t *testing.T) {
	p, _, dispatcher := newTestPipeline(t)

	body := measurementBody("evt-replay-pending")
	receipt, err := p.Ingest(context.Background(), body, SignPayload(body, testSecret))
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	before := dispatcher.count()

	if _, err := p.Replay(context.Background(), receipt.EventIDs[0], "op-1"); err == nil {
		t.Fatal("replaying a pending event must fail")
	}
	if dispatcher.count() != before {
		t.Errorf("pending event must not be re-enqueued")
	}
}

func TestEventStore_StatusIsOneWay(t *testing.T) {
	store := NewMemoryEventStore()
	evt := &WebhookEvent{ID: "evt-oneway", DedupKey: "k", Status: StatusReceived, ReceivedAt: time.Now().UTC()}
	if err := store.Create(context.Background(), evt); err != nil {
		t.Fatal(err)
	}
	if err := store.UpdateStatus(context.Background(), evt.ID, StatusProcessed, ""); err != nil {
		t.Fatalf("first update: %v", err)
	}
	err := store.UpdateStatus(context.Background(), evt.ID, StatusReceived, "")
	if !errors.Is(err, ErrEventSettled) {
		t.Fatalf("rewinding a settled event: got %v, want ErrEventSettled", err)
	}
	err = store.UpdateStatus(context.Background(), evt.ID, StatusFailed, "late failure")
	if !errors.Is(err, ErrEventSettled) {
		t.Fatalf("second terminal write: got %v, want ErrEventSettled", err)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		eventType string
		want      string
	}{
		{"measurement", CategoryMeasurement},
		{"reading", CategoryMeasurement},
		{"measurement.created", CategoryMeasurement},
		{"fulfillment", CategoryFulfillment},
		{"order.shipped", CategoryFulfillment},
		{"order.delivered", CategoryFulfillment},
		{"fulfillment.updated", CategoryFulfillment},
		{"device_registration", CategoryDeviceRegistration},
		{"device.registered", CategoryDeviceRegistration},
		{"Measurement", CategoryMeasurement},
		{"firmware.updated", CategoryUnrecognized},
		{"", CategoryUnrecognized},
	}
	for _, tt := range tests {
		if got := Classify(tt.eventType); got != tt.want {
			t.Errorf("Classify(%q) = %q, want %q", tt.eventType, got, tt.want)
		}
	}
}

func TestDedupKey_PrefersVendorEventID(t *testing.T) {
	key, err := DedupKey("evt-42", json.RawMessage(`{"a":1}`))
	if err != nil {
		t.Fatalf("DedupKey: %v", err)
	}
	if key != "evt:evt-42" {
		t.Errorf("key = %q", key)
	}
}

func TestDedupKey_HashIgnoresWhitespace(t *testing.T) {
	a, err := DedupKey("", json.RawMessage(`{"a": 1, "b": "x"}`))
	if err != nil {
		t.Fatalf("DedupKey: %v", err)
	}
	b, err := DedupKey("", json.RawMessage("{\"a\":1,\"b\":\"x\"}"))
	if err != nil {
		t.Fatalf("DedupKey: %v", err)
	}
	if a != b {
		t.Errorf("equivalent payloads hashed differently: %q vs %q", a, b)
	}

	c, _ := DedupKey("", json.RawMessage(`{"a":2,"b":"x"}`))
	if a == c {
		t.Error("different payloads must not collide")
	}
}

func TestVerifySignature(t *testing.T) {
	payload := []byte(`{"event_id":"e1"}`)
	sig := SignPayload(payload, testSecret)

	if !VerifySignature(payload, testSecret, sig) {
		t.Error("valid signature rejected")
	}
	if !VerifySignature(payload, testSecret, "sha256="+sig) {
		t.Error("prefixed signature rejected")
	}
	if VerifySignature(payload, testSecret, SignPayload(payload, "other-secret")) {
		t.Error("signature from a different secret accepted")
	}
	if VerifySignature([]byte(`{"event_id":"e2"}`), testSecret, sig) {
		t.Error("signature for a different payload accepted")
	}
}
