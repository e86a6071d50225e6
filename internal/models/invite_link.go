package models

import "time"

// InviteLink represents a single-use invitation issued by a sponsor. The core
// reads ValidityDays at redemption time to compute the grant's validity window.
type InviteLink struct {
	BaseModel

	TokenHash           string     `gorm:"not null;uniqueIndex" json:"-"`
	SponsorID           string     `gorm:"type:uuid;not null;index" json:"sponsor_id"`
	ExpectedVisitorName string     `gorm:"type:varchar(255)" json:"expected_visitor_name"`
	ValidityDays        int        `gorm:"not null" json:"validity_days"`
	ExpiresAt           time.Time  `gorm:"index;not null" json:"expires_at"`
	UsedAt              *time.Time `json:"used_at,omitempty"`
}

// Usable reports whether the link can still be redeemed at the given instant.
func (l *InviteLink) Usable(now time.Time) bool {
	return l.UsedAt == nil && now.Before(l.ExpiresAt)
}
