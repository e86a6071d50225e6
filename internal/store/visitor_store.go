package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/portariahub/visitgate/internal/models"
	apperrors "github.com/portariahub/visitgate/pkg/errors"
)

// GrantQuery is a typed query specification for visitor grants. Optional
// filters are combined with AND; the zero value matches everything.
type GrantQuery struct {
	States              []models.GrantState
	SponsorID           string
	DocumentID          string
	ExpiringBefore      *time.Time
	ExpiringWithin      *time.Duration
	HasDeviceCredential *bool
	Limit               int
}

// VisitorStore persists visitor grants. All state mutations flow through
// UpdateVersioned; direct field writes by other components are not allowed.
type VisitorStore struct {
	db *gorm.DB
}

// NewVisitorStore constructs a VisitorStore.
func NewVisitorStore(db *gorm.DB) (*VisitorStore, error) {
	if db == nil {
		return nil, errors.New("visitor store: db is required")
	}
	return &VisitorStore{db: db}, nil
}

// Create persists a new grant.
func (s *VisitorStore) Create(ctx context.Context, grant *models.VisitorGrant) error {
	if grant == nil {
		return errors.New("visitor store: grant is required")
	}
	if !grant.WindowValid() {
		return apperrors.NewValidation("validity window must end after it starts")
	}
	if err := s.db.WithContext(ctx).Create(grant).Error; err != nil {
		return fmt.Errorf("visitor store: create grant: %w", err)
	}
	return nil
}

// GetByID loads a single grant.
func (s *VisitorStore) GetByID(ctx context.Context, id string) (*models.VisitorGrant, error) {
	var grant models.VisitorGrant
	err := s.db.WithContext(ctx).First(&grant, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.ErrNotFound.WithInternal(err)
	}
	if err != nil {
		return nil, fmt.Errorf("visitor store: get grant: %w", err)
	}
	return &grant, nil
}

// Find returns grants matching the query specification, oldest first.
func (s *VisitorStore) Find(ctx context.Context, q GrantQuery) ([]models.VisitorGrant, error) {
	tx := s.db.WithContext(ctx).Model(&models.VisitorGrant{})

	if len(q.States) > 0 {
		tx = tx.Where("state IN ?", q.States)
	}
	if q.SponsorID != "" {
		tx = tx.Where("sponsor_id = ?", q.SponsorID)
	}
	if q.DocumentID != "" {
		tx = tx.Where("document_id = ?", q.DocumentID)
	}
	if q.ExpiringBefore != nil {
		tx = tx.Where("valid_until < ?", *q.ExpiringBefore)
	}
	if q.ExpiringWithin != nil {
		now := time.Now().UTC()
		tx = tx.Where("valid_until > ? AND valid_until <= ?", now, now.Add(*q.ExpiringWithin))
	}
	if q.HasDeviceCredential != nil {
		if *q.HasDeviceCredential {
			tx = tx.Where("device_credential_id <> ''")
		} else {
			tx = tx.Where("device_credential_id = ''")
		}
	}
	if q.Limit > 0 {
		tx = tx.Limit(q.Limit)
	}

	var grants []models.VisitorGrant
	if err := tx.Order("created_at ASC").Find(&grants).Error; err != nil {
		return nil, fmt.Errorf("visitor store: find grants: %w", err)
	}
	return grants, nil
}

// UpdateVersioned applies updates to the grant identified by id only if its
// version still equals expectedVersion, incrementing the version in the same
// statement. A version mismatch returns ErrStateConflict and the caller must
// retry its read-transition-write cycle.
func (s *VisitorStore) UpdateVersioned(ctx context.Context, id string, expectedVersion int64, updates map[string]any) error {
	if len(updates) == 0 {
		return errors.New("visitor store: updates are required")
	}

	payload := make(map[string]any, len(updates)+1)
	for k, v := range updates {
		payload[k] = v
	}
	payload["version"] = expectedVersion + 1

	result := s.db.WithContext(ctx).
		Model(&models.VisitorGrant{}).
		Where("id = ? AND version = ?", id, expectedVersion).
		Updates(payload)
	if result.Error != nil {
		return fmt.Errorf("visitor store: versioned update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return apperrors.ErrStateConflict
	}
	return nil
}
