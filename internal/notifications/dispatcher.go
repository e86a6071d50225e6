package notifications

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/portariahub/visitgate/internal/models"
	"github.com/portariahub/visitgate/internal/realtime"
	"github.com/portariahub/visitgate/pkg/logger"
	"github.com/portariahub/visitgate/pkg/mail"
)

// Notification types emitted by the core.
const (
	TypeProvisionSucceeded = "grant.provision_succeeded"
	TypeProvisionFailed    = "grant.provision_failed"
	TypeGrantExpiringSoon  = "grant.expiring_soon"
	TypeGrantCancelled     = "grant.cancelled"
)

// Input describes a notification to dispatch.
type Input struct {
	SponsorID string
	Type      string
	Title     string
	Message   string
	Severity  string
	Email     string
	Metadata  map[string]any
}

// Dispatcher persists notifications, broadcasts them on the realtime hub and
// optionally delivers email. Dispatch failures are logged, never propagated:
// asynchronous callers must not fail because a notification could not be sent.
type Dispatcher struct {
	db     *gorm.DB
	hub    *realtime.Hub
	mailer mail.Mailer
	log    *zap.Logger
}

// NewDispatcher constructs a Dispatcher. The hub and mailer are optional.
func NewDispatcher(db *gorm.DB, hub *realtime.Hub, mailer mail.Mailer) (*Dispatcher, error) {
	if db == nil {
		return nil, errors.New("notifications: db is required")
	}
	return &Dispatcher{
		db:     db,
		hub:    hub,
		mailer: mailer,
		log:    logger.WithModule("notifications"),
	}, nil
}

// Dispatch records and fans out a notification. Always returns; errors are
// logged internally.
func (d *Dispatcher) Dispatch(ctx context.Context, input Input) {
	sponsorID := strings.TrimSpace(input.SponsorID)
	if sponsorID == "" || strings.TrimSpace(input.Type) == "" {
		d.log.Warn("dropping notification without sponsor or type",
			zap.String("type", input.Type))
		return
	}

	severity := input.Severity
	if severity == "" {
		severity = "info"
	}

	row := models.Notification{
		UserID:   sponsorID,
		Type:     input.Type,
		Title:    strings.TrimSpace(input.Title),
		Message:  strings.TrimSpace(input.Message),
		Severity: severity,
	}
	if len(input.Metadata) > 0 {
		if raw, err := json.Marshal(input.Metadata); err == nil {
			row.Metadata = datatypes.JSON(raw)
		}
	}

	if err := d.db.WithContext(ctx).Create(&row).Error; err != nil {
		d.log.Error("persist notification failed",
			zap.String("sponsor_id", sponsorID),
			zap.String("type", input.Type),
			zap.Error(err))
	}

	if d.hub != nil {
		d.hub.Broadcast(realtime.SponsorStream(sponsorID), input.Type, map[string]any{
			"title":    row.Title,
			"message":  row.Message,
			"severity": row.Severity,
			"metadata": input.Metadata,
		})
	}

	if d.mailer != nil && strings.TrimSpace(input.Email) != "" {
		err := d.mailer.Send(ctx, mail.Message{
			To:      []string{input.Email},
			Subject: row.Title,
			Body:    row.Message,
		})
		if err != nil && !errors.Is(err, mail.ErrSMTPDisabled) {
			d.log.Warn("notification email failed",
				zap.String("sponsor_id", sponsorID),
				zap.Error(err))
		}
	}
}

// ListForSponsor returns notifications for the supplied sponsor, newest first.
func (d *Dispatcher) ListForSponsor(ctx context.Context, sponsorID string, limit int) ([]models.Notification, error) {
	sponsorID = strings.TrimSpace(sponsorID)
	if sponsorID == "" {
		return nil, errors.New("notifications: sponsor id is required")
	}
	if limit <= 0 || limit > 100 {
		limit = 25
	}

	var rows []models.Notification
	if err := d.db.WithContext(ctx).
		Where("user_id = ?", sponsorID).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("notifications: list: %w", err)
	}
	return rows, nil
}

// MarkRead flags a notification as read.
func (d *Dispatcher) MarkRead(ctx context.Context, id string) error {
	now := time.Now().UTC()
	result := d.db.WithContext(ctx).
		Model(&models.Notification{}).
		Where("id = ? AND is_read = ?", id, false).
		Updates(map[string]any{"is_read": true, "read_at": &now})
	if result.Error != nil {
		return fmt.Errorf("notifications: mark read: %w", result.Error)
	}
	return nil
}
