// Package patient holds the patient roster the monitoring program ships
// devices to. Patients here are program enrollees, not a full clinical
// record: enough identity to resolve webhook payloads and a shipping
// address to snapshot onto orders.
package patient

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound     = errors.New("patient not found")
	ErrDuplicateMRN = errors.New("a patient with this mrn already exists")
)

// Address is the shipping address on file, stored as JSONB.
type Address struct {
	Line1      string `json:"line1"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city"`
	State      string `json:"state"`
	PostalCode string `json:"postal_code"`
	Country    string `json:"country,omitempty"`
}

// Patient maps to the patient table.
type Patient struct {
	ID               uuid.UUID `db:"id" json:"id"`
	MRN              string    `db:"mrn" json:"mrn"`
	VendorPatientRef *string   `db:"vendor_patient_ref" json:"vendor_patient_ref,omitempty"`
	FirstName        string    `db:"first_name" json:"first_name"`
	LastName         string    `db:"last_name" json:"last_name"`
	Email            *string   `db:"email" json:"email,omitempty"`
	Phone            *string   `db:"phone" json:"phone,omitempty"`
	Address          Address   `db:"address" json:"address"`
	Active           bool      `db:"active" json:"active"`
	CreatedAt        time.Time `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time `db:"updated_at" json:"updated_at"`
}

// HasShippingAddress reports whether the address is complete enough to
// place a fulfillment order.
func (p *Patient) HasShippingAddress() bool {
	a := p.Address
	return a.Line1 != "" && a.City != "" && a.State != "" && a.PostalCode != ""
}

// FullName returns the display name used in logs and order snapshots.
func (p *Patient) FullName() string {
	return p.FirstName + " " + p.LastName
}
