package order

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestCanTransition(t *testing.T) {
	allowed := [][2]string{
		{StatusPending, StatusDropshipRequested},
		{StatusPending, StatusCancelled},
		{StatusDropshipRequested, StatusReadyToShip},
		{StatusDropshipRequested, StatusShipped},
		{StatusReadyToShip, StatusShipped},
		{StatusShipped, StatusDelivered},
		{StatusShipped, StatusReturned},
		{StatusDelivered, StatusReturned},
		{StatusReadyToShip, StatusClientActionRequired},
		{StatusClientActionRequired, StatusReadyToShip},
		{StatusPending, StatusOnHold},
		{StatusShipped, StatusOnHold},
		{StatusOnHold, StatusCancelled},
	}
	for _, pair := range allowed {
		if !CanTransition(pair[0], pair[1]) {
			t.Errorf("expected %s -> %s to be allowed", pair[0], pair[1])
		}
	}

	denied := [][2]string{
		{StatusShipped, StatusPending},
		{StatusDelivered, StatusShipped},
		{StatusCancelled, StatusPending},
		{StatusReturned, StatusShipped},
		{StatusPending, StatusDelivered},
		{StatusDelivered, StatusOnHold},
	}
	for _, pair := range denied {
		if CanTransition(pair[0], pair[1]) {
			t.Errorf("expected %s -> %s to be denied", pair[0], pair[1])
		}
	}
}

func TestOrder_HappyPathTimestamps(t *testing.T) {
	o := &Order{Status: StatusPending}
	t0 := time.Date(2026, 8, 29, 9, 0, 0, 0, time.UTC)

	steps := []string{StatusDropshipRequested, StatusReadyToShip, StatusShipped, StatusDelivered}
	for i, to := range steps {
		if err := o.Transition(to, SourceWebhook, "", "", t0.Add(time.Duration(i)*time.Hour)); err != nil {
			t.Fatalf("transition to %s: %v", to, err)
		}
	}
	if o.ShippedAt == nil || !o.ShippedAt.Equal(t0.Add(2*time.Hour)) {
		t.Errorf("shipped_at = %v", o.ShippedAt)
	}
	if o.DeliveredAt == nil || !o.DeliveredAt.Equal(t0.Add(3*time.Hour)) {
		t.Errorf("delivered_at = %v", o.DeliveredAt)
	}
	if len(o.History) != 4 {
		t.Errorf("history length = %d", len(o.History))
	}

	// Rank is non-decreasing along the applied path.
	prev := -1
	for _, h := range o.History {
		r := Rank(h.To)
		if r < prev {
			t.Errorf("rank decreased: %s (%d) after rank %d", h.To, r, prev)
		}
		prev = r
	}
}

func TestOrder_SettledRejectsProgress(t *testing.T) {
	o := &Order{Status: StatusDelivered}
	err := o.Transition(StatusShipped, SourceWebhook, "", "", time.Now())
	if !errors.Is(err, ErrOrderSettled) {
		t.Errorf("expected ErrOrderSettled, got %v", err)
	}

	// The one exception: a delivered order can still be returned.
	if err := o.Transition(StatusReturned, SourceWebhook, "", "return received", time.Now()); err != nil {
		t.Errorf("delivered -> returned: %v", err)
	}

	cancelled := &Order{Status: StatusCancelled}
	if err := cancelled.Transition(StatusShipped, SourceWebhook, "", "", time.Now()); !errors.Is(err, ErrOrderSettled) {
		t.Errorf("expected ErrOrderSettled for cancelled order, got %v", err)
	}
}

func TestOrder_HoldResumeRestoresPriorStatus(t *testing.T) {
	o := &Order{Status: StatusReadyToShip}
	now := time.Now().UTC()

	if err := o.Transition(StatusOnHold, SourceManual, "op-1", "inventory check", now); err != nil {
		t.Fatalf("hold: %v", err)
	}
	if o.PriorStatus == nil || *o.PriorStatus != StatusReadyToShip {
		t.Fatalf("prior status = %v", o.PriorStatus)
	}

	if err := o.Resume(SourceManual, "op-1", "cleared", now.Add(time.Hour)); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if o.Status != StatusReadyToShip {
		t.Errorf("status after resume = %q", o.Status)
	}
	if o.PriorStatus != nil {
		t.Errorf("prior status not cleared: %v", o.PriorStatus)
	}
}

func TestOrder_HoldResumeFromShipped(t *testing.T) {
	o := &Order{Status: StatusShipped}
	now := time.Now().UTC()

	if err := o.Transition(StatusOnHold, SourceManual, "op-2", "carrier dispute", now); err != nil {
		t.Fatalf("hold: %v", err)
	}
	if err := o.Resume(SourceManual, "op-2", "resolved", now.Add(time.Hour)); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if o.Status != StatusShipped {
		t.Errorf("status after resume = %q, want %q", o.Status, StatusShipped)
	}
}

func TestOrder_ClientActionResolvesToReadyToShip(t *testing.T) {
	o := &Order{Status: StatusClientActionRequired}
	if err := o.Resume(SourceManual, "op-1", "address corrected", time.Now()); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if o.Status != StatusReadyToShip {
		t.Errorf("status = %q, want %q", o.Status, StatusReadyToShip)
	}

	shipped := &Order{Status: StatusShipped}
	if err := shipped.Resume(SourceManual, "op-1", "", time.Now()); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestNewOrderNumber(t *testing.T) {
	now := time.Date(2026, 8, 30, 0, 0, 0, 0, time.UTC)
	n := NewOrderNumber(now)
	if !strings.HasPrefix(n, "ORD-20260830-") {
		t.Errorf("order number = %q", n)
	}
	if len(n) != len("ORD-20260830-")+6 {
		t.Errorf("order number length = %d", len(n))
	}
	if n == NewOrderNumber(now) {
		t.Error("consecutive order numbers collided")
	}
}

func TestMapVendorStatus(t *testing.T) {
	tests := []struct {
		vendor string
		want   string
	}{
		{"processing", StatusDropshipRequested},
		{"ready_to_ship", StatusReadyToShip},
		{"shipped", StatusShipped},
		{"delivered", StatusDelivered},
		{"canceled", StatusCancelled},
		{"address_invalid", StatusClientActionRequired},
		{"hold", StatusOnHold},
		{"something_new", ""},
	}
	for _, tt := range tests {
		if got := MapVendorStatus(tt.vendor); got != tt.want {
			t.Errorf("MapVendorStatus(%q) = %q, want %q", tt.vendor, got, tt.want)
		}
	}
}

func TestForwardPath(t *testing.T) {
	tests := []struct {
		from, to string
		want     []string
	}{
		{StatusPending, StatusDropshipRequested, []string{StatusDropshipRequested}},
		{StatusDropshipRequested, StatusDelivered, []string{StatusReadyToShip, StatusShipped, StatusDelivered}},
		{StatusShipped, StatusDelivered, []string{StatusDelivered}},
		{StatusDelivered, StatusReturned, []string{StatusReturned}},
		{StatusPending, StatusCancelled, []string{StatusCancelled}},
		{StatusShipped, StatusPending, nil},
		{StatusShipped, StatusShipped, nil},
	}
	for _, tt := range tests {
		got := ForwardPath(tt.from, tt.to)
		if len(got) != len(tt.want) {
			t.Errorf("ForwardPath(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
			continue
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Errorf("ForwardPath(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
				break
			}
		}
	}
}
