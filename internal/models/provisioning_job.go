package models

import (
	"time"

	"gorm.io/datatypes"
)

// JobStatus enumerates queue states of a provisioning job. Deliberately kept
// separate from GrantState; the lifecycle machine owns the mapping between the
// two.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// Terminal reports whether the job will never be claimed again.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// ProvisioningJob is a durable unit of asynchronous provisioning work.
type ProvisioningJob struct {
	BaseModel

	VisitorGrantID string         `gorm:"type:uuid;not null;index" json:"visitor_grant_id"`
	Payload        datatypes.JSON `json:"payload"`

	Status     JobStatus `gorm:"type:varchar(16);not null;index" json:"status"`
	RetryCount int       `gorm:"not null;default:0" json:"retry_count"`
	MaxRetries int       `gorm:"not null;default:3" json:"max_retries"`

	// ClaimedBy identifies the worker currently holding the job. The claim is
	// a compare-and-set on status + claimed_by.
	ClaimedBy string `gorm:"type:varchar(64)" json:"claimed_by,omitempty"`

	LastError   string     `gorm:"type:text" json:"last_error,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// JobPayload is the JSON document stored in ProvisioningJob.Payload.
type JobPayload struct {
	Name     string `json:"name" validate:"required"`
	Document string `json:"document" validate:"required,cpf"`
	Phone    string `json:"phone,omitempty"`
	Email    string `json:"email,omitempty"`
	PhotoURL string `json:"photo_url,omitempty"`
}
