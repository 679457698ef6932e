package audit

import (
	"context"
	"testing"
)

func TestMemoryLogger_Record(t *testing.T) {
	l := NewMemoryLogger()

	err := l.Record(context.Background(), "op-1", "order.transition", "order", "ord-1",
		map[string]interface{}{"from": "pending", "to": "dropship_requested"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	entries := l.Entries()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	e := entries[0]
	if e.ActorID != "op-1" || e.Action != "order.transition" || e.TargetID != "ord-1" {
		t.Errorf("unexpected entry: %+v", e)
	}
	if e.RecordedAt.IsZero() {
		t.Error("expected recorded_at to be set")
	}
}

func TestMemoryLogger_ByAction(t *testing.T) {
	l := NewMemoryLogger()
	ctx := context.Background()

	l.Record(ctx, ActorWebhook, "event.orphan", "webhook_event", "e1", nil)
	l.Record(ctx, ActorWebhook, "event.stale", "webhook_event", "e2", nil)
	l.Record(ctx, ActorWebhook, "event.orphan", "webhook_event", "e3", nil)

	orphans := l.ByAction("event.orphan")
	if len(orphans) != 2 {
		t.Errorf("expected 2 orphan entries, got %d", len(orphans))
	}
}
