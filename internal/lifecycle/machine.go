package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/portariahub/visitgate/internal/models"
	"github.com/portariahub/visitgate/internal/notifications"
	"github.com/portariahub/visitgate/internal/realtime"
	"github.com/portariahub/visitgate/internal/store"
	apperrors "github.com/portariahub/visitgate/pkg/errors"
	"github.com/portariahub/visitgate/pkg/logger"
	"github.com/portariahub/visitgate/pkg/metrics"
)

// conflictAttempts bounds the read-transition-write cycles retried after an
// optimistic-version conflict.
const conflictAttempts = 3

// DeviceClient is the subset of the access-control client the machine needs.
type DeviceClient interface {
	CreateCredential(ctx context.Context, grant *models.VisitorGrant) (string, error)
	AttachFace(ctx context.Context, credentialID string, photo []byte) error
	RemoveCredential(ctx context.Context, credentialID string) error
}

// Enqueuer submits provisioning jobs to the registration queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, grantID string, payload models.JobPayload) (*models.ProvisioningJob, error)
}

// Notifier dispatches sponsor notifications.
type Notifier interface {
	Dispatch(ctx context.Context, input notifications.Input)
}

// transitions is the full set of legal lifecycle edges. No state is revisited
// once left; cancellation and expiration are terminal.
var transitions = map[models.GrantState][]models.GrantState{
	models.GrantAwaiting:            {models.GrantGranted, models.GrantPendingProvisioning, models.GrantCancelled},
	models.GrantGranted:             {models.GrantActive, models.GrantPendingProvisioning, models.GrantExpired, models.GrantCancelled},
	models.GrantActive:              {models.GrantExpired, models.GrantCancelled},
	models.GrantPendingProvisioning: {models.GrantProvisionSucceeded, models.GrantProvisionFailed, models.GrantCancelled},
	models.GrantProvisionSucceeded:  {models.GrantActive, models.GrantExpired, models.GrantCancelled},
	models.GrantProvisionFailed:     {models.GrantCancelled},
}

// CanTransition reports whether an edge exists in the lifecycle table.
func CanTransition(from, to models.GrantState) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Machine owns every state change of a visitor grant. Components never write
// grant state directly; they call the machine, which serializes concurrent
// transitions through optimistic versioning.
type Machine struct {
	store    *store.VisitorStore
	device   DeviceClient
	queue    Enqueuer
	notifier Notifier
	hub      *realtime.Hub
	now      func() time.Time
	log      *zap.Logger
}

// Option customises the Machine.
type Option func(*Machine)

// WithNow overrides the clock used for validity checks.
func WithNow(now func() time.Time) Option {
	return func(m *Machine) {
		if now != nil {
			m.now = now
		}
	}
}

// WithHub attaches a realtime hub for broadcasting state changes.
func WithHub(hub *realtime.Hub) Option {
	return func(m *Machine) {
		m.hub = hub
	}
}

// NewMachine constructs a lifecycle machine. Device, queue and notifier are
// injected so tests can substitute fakes.
func NewMachine(st *store.VisitorStore, device DeviceClient, queue Enqueuer, notifier Notifier, opts ...Option) (*Machine, error) {
	if st == nil {
		return nil, errors.New("lifecycle: store is required")
	}
	if device == nil {
		return nil, errors.New("lifecycle: device client is required")
	}

	m := &Machine{
		store:    st,
		device:   device,
		queue:    queue,
		notifier: notifier,
		now:      time.Now,
		log:      logger.WithModule("lifecycle"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Grant performs the synchronous path: the sponsor releases the visitor and
// the call blocks until the device has acknowledged both the credential and
// the face data. On any failure the grant stays in awaiting and the error is
// surfaced to the caller; there is no automatic retry here.
func (m *Machine) Grant(ctx context.Context, grantID, sponsorID string, facePhoto []byte) (*models.VisitorGrant, error) {
	grant, err := m.store.GetByID(ctx, grantID)
	if err != nil {
		return nil, err
	}
	if sponsorID != "" && grant.SponsorID != sponsorID {
		return nil, apperrors.ErrNotFound
	}
	if grant.State != models.GrantAwaiting {
		return nil, apperrors.ErrInvalidTransition.WithMessage(
			fmt.Sprintf("grant must be awaiting, not %s", grant.State))
	}
	if !grant.HasFacePhoto || len(facePhoto) == 0 {
		return nil, apperrors.NewValidation("face photo is required before granting access")
	}
	if !grant.WindowValid() {
		return nil, apperrors.NewValidation("grant has an invalid validity window")
	}
	if grant.ExpiredAt(m.now()) {
		return nil, apperrors.NewValidation("grant validity window has already elapsed")
	}

	credentialID, err := m.device.CreateCredential(ctx, grant)
	if err != nil {
		return nil, err
	}

	if err := m.device.AttachFace(ctx, credentialID, facePhoto); err != nil {
		// Do not leave a half-provisioned credential behind.
		if removeErr := m.device.RemoveCredential(ctx, credentialID); removeErr != nil {
			m.log.Warn("rollback of credential failed",
				zap.String("grant_id", grantID),
				zap.Error(removeErr))
		}
		return nil, err
	}

	err = m.transition(ctx, grant, models.GrantGranted, map[string]any{
		"device_credential_id": credentialID,
	})
	if err != nil {
		// The credential exists on the device but the record moved underneath
		// us; clean up rather than advertise a credential the record no
		// longer reflects.
		if removeErr := m.device.RemoveCredential(ctx, credentialID); removeErr != nil {
			m.log.Warn("rollback of credential failed",
				zap.String("grant_id", grantID),
				zap.Error(removeErr))
		}
		return nil, err
	}

	return m.store.GetByID(ctx, grantID)
}

// EnqueueProvisioning moves the grant onto the asynchronous path and submits a
// registration job. The triggering request returns as soon as the job is
// queued; all further progress is observed via status polling or
// notifications.
func (m *Machine) EnqueueProvisioning(ctx context.Context, grantID string) (*models.ProvisioningJob, error) {
	if m.queue == nil {
		return nil, errors.New("lifecycle: no queue configured")
	}

	var job *models.ProvisioningJob
	err := m.retryConflicts(ctx, grantID, func(grant *models.VisitorGrant) error {
		if grant.State != models.GrantAwaiting && grant.State != models.GrantGranted {
			return apperrors.ErrInvalidTransition.WithMessage(
				fmt.Sprintf("cannot enqueue provisioning from %s", grant.State))
		}
		prior := grant.State
		if err := m.transition(ctx, grant, models.GrantPendingProvisioning, nil); err != nil {
			return err
		}

		queued, err := m.queue.Enqueue(ctx, grant.ID, models.JobPayload{
			Name:     grant.Name,
			Document: grant.DocumentID,
			Phone:    grant.Phone,
			Email:    grant.Email,
			PhotoURL: grant.FacePhotoURL,
		})
		if err != nil {
			// No job exists, so the grant must not advertise a pending
			// provisioning run; put it back where it was.
			if rbErr := m.store.UpdateVersioned(ctx, grant.ID, grant.Version+1, map[string]any{
				"state": prior,
			}); rbErr != nil {
				m.log.Warn("rollback of provisioning transition failed",
					zap.String("grant_id", grant.ID),
					zap.Error(rbErr))
			}
			return err
		}
		job = queued
		return nil
	})
	return job, err
}

// CompleteProvisioning records a successful asynchronous provisioning outcome.
func (m *Machine) CompleteProvisioning(ctx context.Context, grantID, credentialID string) error {
	err := m.retryConflicts(ctx, grantID, func(grant *models.VisitorGrant) error {
		if grant.State != models.GrantPendingProvisioning {
			return apperrors.ErrInvalidTransition.WithMessage(
				fmt.Sprintf("grant is %s, not pending provisioning", grant.State))
		}
		return m.transition(ctx, grant, models.GrantProvisionSucceeded, map[string]any{
			"device_credential_id": credentialID,
		})
	})
	if err != nil {
		return err
	}

	m.notify(ctx, grantID, notifications.Input{
		Type:     notifications.TypeProvisionSucceeded,
		Title:    "Visitor registered",
		Message:  "The visitor was registered on the access-control system and may enter during the validity window.",
		Severity: "info",
	})
	return nil
}

// FailProvisioning records a terminal asynchronous failure after the job
// exhausted its retries, and alerts the sponsor that manual intervention is
// needed.
func (m *Machine) FailProvisioning(ctx context.Context, grantID, cause string) error {
	err := m.retryConflicts(ctx, grantID, func(grant *models.VisitorGrant) error {
		if grant.State != models.GrantPendingProvisioning {
			return apperrors.ErrInvalidTransition.WithMessage(
				fmt.Sprintf("grant is %s, not pending provisioning", grant.State))
		}
		return m.transition(ctx, grant, models.GrantProvisionFailed, map[string]any{
			"notes": cause,
		})
	})
	if err != nil {
		return err
	}

	m.notify(ctx, grantID, notifications.Input{
		Type:     notifications.TypeProvisionFailed,
		Title:    "Visitor registration failed",
		Message:  "Automatic registration failed after all attempts. Manual intervention is required: " + cause,
		Severity: "error",
	})
	return nil
}

// Cancel moves any non-terminal grant to cancelled. Device-side removal is
// best-effort: a failure is logged and never blocks the cancellation.
func (m *Machine) Cancel(ctx context.Context, grantID, sponsorID, reason string) error {
	var credentialID string
	err := m.retryConflicts(ctx, grantID, func(grant *models.VisitorGrant) error {
		if sponsorID != "" && grant.SponsorID != sponsorID {
			return apperrors.ErrNotFound
		}
		if grant.State.Terminal() {
			return apperrors.ErrInvalidTransition.WithMessage(
				fmt.Sprintf("grant is already %s", grant.State))
		}

		credentialID = grant.DeviceCredentialID
		updates := map[string]any{}
		if reason != "" {
			updates["notes"] = reason
		}
		return m.transition(ctx, grant, models.GrantCancelled, updates)
	})
	if err != nil {
		return err
	}

	if credentialID != "" {
		if err := m.device.RemoveCredential(ctx, credentialID); err != nil {
			m.log.Warn("best-effort credential removal failed on cancel",
				zap.String("grant_id", grantID),
				zap.Error(err))
		} else {
			m.clearCredential(ctx, grantID)
		}
	}

	m.notify(ctx, grantID, notifications.Input{
		Type:     notifications.TypeGrantCancelled,
		Title:    "Visitor cancelled",
		Message:  "The visitor authorization was cancelled.",
		Severity: "info",
	})
	return nil
}

// Expire transitions an authorized grant whose validity window has elapsed.
// The local record is the source of truth for authorization: the transition
// happens regardless of device-side cleanup, which the sweeper performs
// separately. When clearCredential is true the device removal was confirmed
// and the credential linkage is dropped in the same write.
func (m *Machine) Expire(ctx context.Context, grantID string, clearCredential bool) error {
	return m.retryConflicts(ctx, grantID, func(grant *models.VisitorGrant) error {
		if !grant.State.Authorized() && grant.State != models.GrantProvisionSucceeded {
			return apperrors.ErrInvalidTransition.WithMessage(
				fmt.Sprintf("cannot expire grant in state %s", grant.State))
		}
		if !grant.ExpiredAt(m.now()) {
			return apperrors.NewValidation("grant validity window has not elapsed")
		}

		updates := map[string]any{}
		if clearCredential {
			updates["device_credential_id"] = ""
		}
		return m.transition(ctx, grant, models.GrantExpired, updates)
	})
}

// CheckIn marks the visitor as physically present, driven by an observed
// device access event. A grant with no device credential can never become
// active.
func (m *Machine) CheckIn(ctx context.Context, grantID string) error {
	return m.retryConflicts(ctx, grantID, func(grant *models.VisitorGrant) error {
		if grant.DeviceCredentialID == "" {
			return apperrors.ErrInvalidTransition.WithMessage("grant has no device credential")
		}
		if grant.State != models.GrantGranted && grant.State != models.GrantProvisionSucceeded {
			return apperrors.ErrInvalidTransition.WithMessage(
				fmt.Sprintf("cannot check in from state %s", grant.State))
		}
		return m.transition(ctx, grant, models.GrantActive, nil)
	})
}

// ClearCredential drops the credential linkage after a confirmed device-side
// removal for a grant that already expired on an earlier sweep.
func (m *Machine) ClearCredential(ctx context.Context, grantID string) error {
	grant, err := m.store.GetByID(ctx, grantID)
	if err != nil {
		return err
	}
	if grant.DeviceCredentialID == "" {
		return nil
	}
	return m.store.UpdateVersioned(ctx, grant.ID, grant.Version, map[string]any{
		"device_credential_id": "",
	})
}

func (m *Machine) transition(ctx context.Context, grant *models.VisitorGrant, to models.GrantState, extra map[string]any) error {
	if !CanTransition(grant.State, to) {
		return apperrors.ErrInvalidTransition.WithMessage(
			fmt.Sprintf("no edge from %s to %s", grant.State, to))
	}

	updates := map[string]any{"state": to}
	for k, v := range extra {
		updates[k] = v
	}

	if err := m.store.UpdateVersioned(ctx, grant.ID, grant.Version, updates); err != nil {
		return err
	}

	metrics.GrantTransitions.WithLabelValues(string(to)).Inc()
	m.log.Info("grant transitioned",
		zap.String("grant_id", grant.ID),
		zap.String("from", string(grant.State)),
		zap.String("to", string(to)))

	if m.hub != nil {
		m.hub.Broadcast(realtime.SponsorStream(grant.SponsorID), "grant_state_changed", map[string]any{
			"grant_id": grant.ID,
			"from":     grant.State,
			"to":       to,
		})
	}
	return nil
}

// retryConflicts runs the read-transition-write cycle, retrying a bounded
// number of times when the optimistic version check loses a race.
func (m *Machine) retryConflicts(ctx context.Context, grantID string, fn func(*models.VisitorGrant) error) error {
	var lastErr error
	for attempt := 0; attempt < conflictAttempts; attempt++ {
		grant, err := m.store.GetByID(ctx, grantID)
		if err != nil {
			return err
		}

		lastErr = fn(grant)
		if lastErr == nil || !errors.Is(lastErr, apperrors.ErrStateConflict) {
			return lastErr
		}
	}
	return lastErr
}

func (m *Machine) clearCredential(ctx context.Context, grantID string) {
	if err := m.ClearCredential(ctx, grantID); err != nil {
		m.log.Warn("clearing credential linkage failed",
			zap.String("grant_id", grantID),
			zap.Error(err))
	}
}

func (m *Machine) notify(ctx context.Context, grantID string, input notifications.Input) {
	if m.notifier == nil {
		return
	}

	grant, err := m.store.GetByID(ctx, grantID)
	if err != nil {
		m.log.Warn("loading grant for notification failed",
			zap.String("grant_id", grantID),
			zap.Error(err))
		return
	}

	input.SponsorID = grant.SponsorID
	input.Email = grant.Email
	if input.Metadata == nil {
		input.Metadata = map[string]any{}
	}
	input.Metadata["grant_id"] = grant.ID
	input.Metadata["visitor_name"] = grant.Name
	m.notifier.Dispatch(ctx, input)
}
