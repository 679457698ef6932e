// Package vitals stores normalized device readings. The reconciliation
// coordinator forwards measurements here; this package does not interpret
// values beyond basic shape checks.
package vitals

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("reading not found")

// Sources a reading can arrive from.
const (
	SourceWebhook  = "vendor_webhook"
	SourceBackfill = "vendor_backfill"
)

// Reading is one normalized measurement.
type Reading struct {
	ID         uuid.UUID              `db:"id" json:"id"`
	DeviceID   *uuid.UUID             `db:"device_id" json:"device_id,omitempty"`
	PatientID  uuid.UUID              `db:"patient_id" json:"patient_id"`
	DeviceType string                 `db:"device_type" json:"device_type"`
	Values     map[string]interface{} `db:"readings" json:"values"`
	Metadata   map[string]interface{} `db:"metadata" json:"metadata,omitempty"`
	Source     string                 `db:"source" json:"source"`
	RecordedAt time.Time              `db:"recorded_at" json:"recorded_at"`
	CreatedAt  time.Time              `db:"created_at" json:"created_at"`
}
