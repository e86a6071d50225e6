package models

import "time"

// GrantState enumerates the lifecycle states of a visitor grant. Transitions
// between states are owned exclusively by the lifecycle machine.
type GrantState string

const (
	GrantAwaiting            GrantState = "awaiting"
	GrantGranted             GrantState = "granted"
	GrantActive              GrantState = "active"
	GrantPendingProvisioning GrantState = "pending_provisioning"
	GrantProvisionSucceeded  GrantState = "provision_succeeded"
	GrantProvisionFailed     GrantState = "provision_failed"
	GrantExpired             GrantState = "expired"
	GrantCancelled           GrantState = "cancelled"
)

// Terminal reports whether no further transition can leave the state. A
// failed provisioning run is not terminal: the sponsor may still cancel it.
func (s GrantState) Terminal() bool {
	return s == GrantExpired || s == GrantCancelled
}

// Authorized reports whether the grant currently allows physical access.
func (s GrantState) Authorized() bool {
	return s == GrantGranted || s == GrantActive
}

// VisitorGrant is the authoritative record of a visitor's time-boxed
// authorization to access the premises.
type VisitorGrant struct {
	BaseModel

	Name       string `gorm:"type:varchar(255);not null" json:"name"`
	DocumentID string `gorm:"type:varchar(32);not null;index" json:"document_id"`
	Phone      string `gorm:"type:varchar(32)" json:"phone"`
	Email      string `gorm:"type:varchar(255)" json:"email,omitempty"`
	SponsorID  string `gorm:"type:uuid;not null;index" json:"sponsor_id"`

	ValidFrom  time.Time `gorm:"not null" json:"valid_from"`
	ValidUntil time.Time `gorm:"not null;index" json:"valid_until"`

	// DeviceCredentialID is the opaque identifier returned by the
	// access-control platform. Cleared only on confirmed device-side removal,
	// so a failed cleanup can be retried on a later sweep.
	DeviceCredentialID string `gorm:"type:varchar(64);index" json:"device_credential_id,omitempty"`

	HasFacePhoto     bool   `gorm:"default:false" json:"has_face_photo"`
	HasDocumentPhoto bool   `gorm:"default:false" json:"has_document_photo"`
	FacePhotoURL     string `gorm:"type:text" json:"face_photo_url,omitempty"`

	State GrantState `gorm:"type:varchar(32);not null;index" json:"state"`

	// Version serializes concurrent transitions; every state write is a
	// compare-and-set on this counter.
	Version int64 `gorm:"not null;default:0" json:"version"`

	Notes string `gorm:"type:text" json:"notes,omitempty"`
}

// WindowValid reports whether the validity window is well formed.
func (g *VisitorGrant) WindowValid() bool {
	return g.ValidUntil.After(g.ValidFrom)
}

// ExpiredAt reports whether the validity window has elapsed at the given instant.
func (g *VisitorGrant) ExpiredAt(now time.Time) bool {
	return now.After(g.ValidUntil)
}
