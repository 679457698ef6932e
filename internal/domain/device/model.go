// Package device tracks monitoring hardware from order placement through
// decommissioning. Status moves along a fixed lifecycle graph; every change
// is appended to a bounded in-record history, with the full trail kept in
// the audit log.
package device

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Device statuses in lifecycle order.
const (
	StatusOrdered           = "ordered"
	StatusDropshipRequested = "dropship_requested"
	StatusShipped           = "shipped"
	StatusDelivered         = "delivered"
	StatusAssigned          = "assigned"
	StatusActive            = "active"
	StatusInactive          = "inactive"
	StatusReturned          = "returned"
	StatusDecommissioned    = "decommissioned"
	StatusUnknown           = "unknown"
)

// Transition sources.
const (
	SourceManual  = "manual"
	SourceWebhook = "webhook"
	SourceSystem  = "system"
)

// Connectivity classifications derived from last contact recency.
const (
	ConnectivityCurrent  = "current"
	ConnectivityOffline  = "offline"
	ConnectivityCritical = "critical"
	ConnectivityNone     = "never_connected"
)

// CriticalOfflineThreshold marks a device as critical after this much
// silence, independent of the configurable offline threshold.
const CriticalOfflineThreshold = 7 * 24 * time.Hour

// maxHistoryEntries bounds the embedded history; the oldest entry is
// evicted first. The audit log keeps the complete trail.
const maxHistoryEntries = 20

var (
	ErrNotFound          = errors.New("device not found")
	ErrDuplicateSerial   = errors.New("a device with this serial number already exists")
	ErrVersionConflict   = errors.New("device was modified concurrently")
	ErrInvalidTransition = errors.New("invalid device status transition")
)

// transitions is the lifecycle graph. A device in a terminal status
// (returned, decommissioned) accepts no further transitions.
var transitions = map[string][]string{
	StatusOrdered:           {StatusDropshipRequested, StatusShipped, StatusDecommissioned},
	StatusDropshipRequested: {StatusShipped, StatusDecommissioned},
	StatusShipped:           {StatusDelivered, StatusReturned},
	StatusDelivered:         {StatusAssigned, StatusReturned, StatusDecommissioned},
	StatusAssigned:          {StatusActive, StatusInactive, StatusReturned, StatusDecommissioned},
	StatusActive:            {StatusInactive, StatusReturned, StatusDecommissioned},
	StatusInactive:          {StatusActive, StatusReturned, StatusDecommissioned},
	StatusUnknown:           {StatusActive, StatusInactive, StatusReturned, StatusDecommissioned},
	StatusReturned:          {},
	StatusDecommissioned:    {},
}

// StatusChange is one entry in a device's embedded history.
type StatusChange struct {
	From   string    `json:"from"`
	To     string    `json:"to"`
	Source string    `json:"source"`
	Actor  string    `json:"actor,omitempty"`
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"at"`
}

// Device maps to the device table.
type Device struct {
	ID               uuid.UUID      `db:"id" json:"id"`
	SerialNumber     string         `db:"serial_number" json:"serial_number"`
	VendorDeviceRef  *string        `db:"vendor_device_id" json:"vendor_device_id,omitempty"`
	DeviceType       string         `db:"device_type" json:"device_type"`
	Status           string         `db:"status" json:"status"`
	PatientID        *uuid.UUID     `db:"patient_id" json:"patient_id,omitempty"`
	OrderID          *uuid.UUID     `db:"order_id" json:"order_id,omitempty"`
	ReplacesDeviceID *uuid.UUID     `db:"replaces_device_id" json:"replaces_device_id,omitempty"`
	LastContactAt    *time.Time     `db:"last_contact_at" json:"last_contact_at,omitempty"`
	AssignedAt       *time.Time     `db:"assigned_at" json:"assigned_at,omitempty"`
	History          []StatusChange `db:"history" json:"history"`
	Version          int            `db:"version" json:"version"`
	CreatedAt        time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time      `db:"updated_at" json:"updated_at"`
}

// ValidStatus reports whether s is a known device status.
func ValidStatus(s string) bool {
	_, ok := transitions[s]
	return ok
}

// IsTerminal reports whether a device in this status accepts further
// transitions.
func IsTerminal(status string) bool {
	next, ok := transitions[status]
	return ok && len(next) == 0
}

// CanTransition reports whether from -> to is a legal lifecycle move.
func CanTransition(from, to string) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition moves the device to a new status and records the change in the
// embedded history. A transition to the current status is a no-op, which
// keeps threshold-driven evaluation idempotent.
func (d *Device) Transition(to, source, actor, reason string, at time.Time) error {
	if to == d.Status {
		return nil
	}
	if !CanTransition(d.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, d.Status, to)
	}
	d.appendHistory(StatusChange{
		From: d.Status, To: to, Source: source, Actor: actor, Reason: reason, At: at,
	})
	d.Status = to
	return nil
}

func (d *Device) appendHistory(change StatusChange) {
	d.History = append(d.History, change)
	if len(d.History) > maxHistoryEntries {
		d.History = d.History[len(d.History)-maxHistoryEntries:]
	}
}

// RecordContact updates the last-contact timestamp, keeping the latest
// value under out-of-order delivery.
func (d *Device) RecordContact(at time.Time) {
	if d.LastContactAt == nil || at.After(*d.LastContactAt) {
		t := at
		d.LastContactAt = &t
	}
}

// Connectivity classifies the device by last-contact recency. This is a
// derived view; it does not look at the lifecycle status.
func (d *Device) Connectivity(now time.Time, offlineThreshold time.Duration) string {
	if d.LastContactAt == nil {
		return ConnectivityNone
	}
	silence := now.Sub(*d.LastContactAt)
	switch {
	case silence > CriticalOfflineThreshold:
		return ConnectivityCritical
	case silence > offlineThreshold:
		return ConnectivityOffline
	default:
		return ConnectivityCurrent
	}
}

// MapVendorStatus converts a vendor-reported device status to an internal
// one. Unknown values fall back to StatusUnknown so a new vendor status
// never breaks ingestion.
func MapVendorStatus(vendorStatus string) string {
	switch vendorStatus {
	case "processing", "pending":
		return StatusDropshipRequested
	case "shipped", "in_transit":
		return StatusShipped
	case "delivered":
		return StatusDelivered
	case "active", "connected":
		return StatusActive
	case "inactive", "disconnected":
		return StatusInactive
	case "returned":
		return StatusReturned
	case "decommissioned", "retired":
		return StatusDecommissioned
	default:
		return StatusUnknown
	}
}
