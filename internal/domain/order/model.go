// Package order manages fulfillment orders placed with the device vendor.
// The vendor is the source of truth for fulfillment progress; local status
// advances along a fixed graph with explicit escape branches for holds,
// cancellation, and client action.
package order

import (
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Order statuses. The happy path is pending -> dropship_requested ->
// ready_to_ship -> shipped -> delivered.
const (
	StatusPending              = "pending"
	StatusDropshipRequested    = "dropship_requested"
	StatusReadyToShip          = "ready_to_ship"
	StatusShipped              = "shipped"
	StatusDelivered            = "delivered"
	StatusCancelled            = "cancelled"
	StatusReturned             = "returned"
	StatusClientActionRequired = "client_action_required"
	StatusOnHold               = "on_hold"
)

// Transition sources.
const (
	SourceManual  = "manual"
	SourceWebhook = "webhook"
	SourceSystem  = "system"
)

const maxHistoryEntries = 20

var (
	ErrNotFound          = errors.New("order not found")
	ErrVersionConflict   = errors.New("order was modified concurrently")
	ErrInvalidTransition = errors.New("invalid order status transition")
	ErrOrderSettled      = errors.New("order outcome is already settled")
)

// transitions is the lifecycle graph. Cancellation is allowed from every
// non-settled state; on_hold resumes to the prior state, which the graph
// cannot express, so Resume handles it separately.
var transitions = map[string][]string{
	StatusPending:              {StatusDropshipRequested, StatusReadyToShip, StatusCancelled, StatusClientActionRequired, StatusOnHold},
	StatusDropshipRequested:    {StatusReadyToShip, StatusShipped, StatusCancelled, StatusClientActionRequired, StatusOnHold},
	StatusReadyToShip:          {StatusShipped, StatusCancelled, StatusClientActionRequired, StatusOnHold},
	StatusShipped:              {StatusDelivered, StatusReturned, StatusCancelled, StatusOnHold},
	StatusDelivered:            {StatusReturned},
	StatusClientActionRequired: {StatusReadyToShip, StatusCancelled, StatusOnHold},
	StatusOnHold:               {StatusCancelled},
	StatusCancelled:            {},
	StatusReturned:             {},
}

// fulfillmentRank orders the forward-progress statuses for monotonicity
// checks. Escape states carry no rank.
var fulfillmentRank = map[string]int{
	StatusPending:           0,
	StatusDropshipRequested: 1,
	StatusReadyToShip:       2,
	StatusShipped:           3,
	StatusDelivered:         4,
	StatusReturned:          5,
}

// StatusChange is one entry in an order's embedded history.
type StatusChange struct {
	From   string    `json:"from"`
	To     string    `json:"to"`
	Source string    `json:"source"`
	Actor  string    `json:"actor,omitempty"`
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"at"`
}

// LineItem is one ordered device type.
type LineItem struct {
	DeviceType string `json:"device_type"`
	Quantity   int    `json:"quantity"`
}

// ShippingSnapshot is the destination captured at order creation. Later
// address changes on the patient do not alter an in-flight order.
type ShippingSnapshot struct {
	Name       string `json:"name"`
	Line1      string `json:"line1"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city"`
	State      string `json:"state"`
	PostalCode string `json:"postal_code"`
	Country    string `json:"country,omitempty"`
	Phone      string `json:"phone,omitempty"`
}

// Order maps to the device_order table.
type Order struct {
	ID              uuid.UUID        `db:"id" json:"id"`
	OrderNumber     string           `db:"order_number" json:"order_number"`
	VendorOrderRef  *string          `db:"vendor_order_ref" json:"vendor_order_ref,omitempty"`
	PatientID       uuid.UUID        `db:"patient_id" json:"patient_id"`
	Items           []LineItem       `db:"items" json:"items"`
	Shipping        ShippingSnapshot `db:"shipping" json:"shipping"`
	Status          string           `db:"status" json:"status"`
	PriorStatus     *string          `db:"prior_status" json:"prior_status,omitempty"`
	TrackingNumber  *string          `db:"tracking_number" json:"tracking_number,omitempty"`
	TrackingURL     *string          `db:"tracking_url" json:"tracking_url,omitempty"`
	Notes           string           `db:"notes" json:"notes,omitempty"`
	LastEventAt     *time.Time       `db:"last_event_at" json:"last_event_at,omitempty"`
	OrderedAt       time.Time        `db:"ordered_at" json:"ordered_at"`
	ShippedAt       *time.Time       `db:"shipped_at" json:"shipped_at,omitempty"`
	DeliveredAt     *time.Time       `db:"delivered_at" json:"delivered_at,omitempty"`
	StatusChangedAt time.Time        `db:"status_changed_at" json:"status_changed_at"`
	History         []StatusChange   `db:"history" json:"history"`
	Version         int              `db:"version" json:"version"`
	CreatedAt       time.Time        `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time        `db:"updated_at" json:"updated_at"`
}

// NewOrderNumber generates an operator-facing order number, e.g.
// ORD-20260830-4XK9QZ.
func NewOrderNumber(now time.Time) string {
	const alphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failing means the platform's entropy source is
		// broken; a timestamp suffix keeps numbers usable and unique
		// enough until someone notices.
		suffix := fmt.Sprintf("%06d", now.UnixNano()%1e6)
		return fmt.Sprintf("ORD-%s-%s", now.Format("20060102"), suffix)
	}
	for i := range buf {
		buf[i] = alphabet[int(buf[i])%len(alphabet)]
	}
	return fmt.Sprintf("ORD-%s-%s", now.Format("20060102"), buf)
}

// IsSettled reports whether the order's outcome is final. Settled orders
// accept no further fulfillment progress; inbound events are recorded as
// audit entries only.
func IsSettled(status string) bool {
	return status == StatusDelivered || status == StatusCancelled || status == StatusReturned
}

// Rank returns the fulfillment-progress rank of a status, or -1 for escape
// states that sit outside the forward path.
func Rank(status string) int {
	r, ok := fulfillmentRank[status]
	if !ok {
		return -1
	}
	return r
}

// forwardPath lists the forward-progress statuses in rank order.
var forwardPath = []string{
	StatusPending,
	StatusDropshipRequested,
	StatusReadyToShip,
	StatusShipped,
	StatusDelivered,
	StatusReturned,
}

// ForwardPath returns the statuses to pass through, in order, to move an
// order from one forward-progress status to a later one, ending at to.
// Vendors can report a later status before the intermediate ones, so a jump
// like dropship_requested to delivered expands to the skipped steps. A move
// involving an escape state, or one the graph allows directly, yields a
// single-step path; a backward or same-status move yields nil.
func ForwardPath(from, to string) []string {
	if from == to {
		return nil
	}
	fromRank, toRank := Rank(from), Rank(to)
	if fromRank < 0 || toRank < 0 || CanTransition(from, to) {
		return []string{to}
	}
	if toRank <= fromRank {
		return nil
	}
	return forwardPath[fromRank+1 : toRank+1]
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to string) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ValidStatus reports whether s is a known order status.
func ValidStatus(s string) bool {
	_, ok := transitions[s]
	return ok
}

// Transition moves the order to a new status, recording history and
// maintaining the prior-status pointer used by on_hold resume. A transition
// to the current status is a no-op.
func (o *Order) Transition(to, source, actor, reason string, at time.Time) error {
	if to == o.Status {
		return nil
	}
	if IsSettled(o.Status) && !CanTransition(o.Status, to) {
		return fmt.Errorf("%w: %s", ErrOrderSettled, o.Status)
	}
	if !CanTransition(o.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, o.Status, to)
	}

	if to == StatusOnHold {
		prior := o.Status
		o.PriorStatus = &prior
	} else if o.Status == StatusOnHold {
		o.PriorStatus = nil
	}

	o.appendHistory(StatusChange{From: o.Status, To: to, Source: source, Actor: actor, Reason: reason, At: at})
	o.Status = to
	o.StatusChangedAt = at
	switch to {
	case StatusShipped:
		if o.ShippedAt == nil {
			t := at
			o.ShippedAt = &t
		}
	case StatusDelivered:
		if o.DeliveredAt == nil {
			t := at
			o.DeliveredAt = &t
		}
	}
	return nil
}

// Resume leaves on_hold back to the state the order was in before the hold,
// or moves client_action_required back to ready_to_ship once resolved.
func (o *Order) Resume(source, actor, reason string, at time.Time) error {
	switch o.Status {
	case StatusOnHold:
		prior := StatusPending
		if o.PriorStatus != nil {
			prior = *o.PriorStatus
		}
		o.appendHistory(StatusChange{From: o.Status, To: prior, Source: source, Actor: actor, Reason: reason, At: at})
		o.Status = prior
		o.PriorStatus = nil
		o.StatusChangedAt = at
		return nil
	case StatusClientActionRequired:
		return o.Transition(StatusReadyToShip, source, actor, reason, at)
	default:
		return fmt.Errorf("%w: cannot resume from %s", ErrInvalidTransition, o.Status)
	}
}

func (o *Order) appendHistory(change StatusChange) {
	o.History = append(o.History, change)
	if len(o.History) > maxHistoryEntries {
		o.History = o.History[len(o.History)-maxHistoryEntries:]
	}
}

// SetTracking records carrier tracking details, keeping the first non-empty
// values authoritative unless the vendor sends replacements.
func (o *Order) SetTracking(number, url string) {
	if number != "" {
		n := number
		o.TrackingNumber = &n
	}
	if url != "" {
		u := url
		o.TrackingURL = &u
	}
}

// MapVendorStatus converts a vendor-reported fulfillment status to an
// internal order status. Unknown values return the empty string; the caller
// records the event without applying a transition.
func MapVendorStatus(vendorStatus string) string {
	switch vendorStatus {
	case "processing", "pending", "accepted":
		return StatusDropshipRequested
	case "ready", "ready_to_ship", "packed":
		return StatusReadyToShip
	case "shipped", "in_transit":
		return StatusShipped
	case "delivered":
		return StatusDelivered
	case "cancelled", "canceled":
		return StatusCancelled
	case "returned":
		return StatusReturned
	case "action_required", "client_action_required", "address_invalid":
		return StatusClientActionRequired
	case "on_hold", "hold":
		return StatusOnHold
	default:
		return ""
	}
}
