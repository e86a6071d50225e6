package sweeper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/portariahub/visitgate/internal/models"
	"github.com/portariahub/visitgate/internal/notifications"
	"github.com/portariahub/visitgate/internal/store"
	apperrors "github.com/portariahub/visitgate/pkg/errors"
	"github.com/portariahub/visitgate/pkg/logger"
	"github.com/portariahub/visitgate/pkg/metrics"
)

const (
	defaultSweepSpec    = "@hourly"
	defaultNotifySpec   = "@daily"
	defaultNotifyWindow = 24 * time.Hour
	defaultBatchSize    = 200
)

// Lifecycle is the part of the state machine the sweeper drives.
type Lifecycle interface {
	Expire(ctx context.Context, grantID string, clearCredential bool) error
	ClearCredential(ctx context.Context, grantID string) error
}

// DeviceClient removes credentials from the access-control platform.
type DeviceClient interface {
	RemoveCredential(ctx context.Context, credentialID string) error
}

// Notifier dispatches expiring-soon notices to sponsors.
type Notifier interface {
	Dispatch(ctx context.Context, input notifications.Input)
}

// Summary reports the outcome of one expiration sweep.
type Summary struct {
	Attempted int
	Succeeded int
	Failed    int
}

// Sweeper periodically expires grants whose validity window has elapsed and
// removes their device-side credentials. Device removal is best-effort: the
// local state transition always happens, the credential linkage is kept while
// removal is unconfirmed, and a later sweep retries the cleanup.
type Sweeper struct {
	grants    *store.VisitorStore
	lifecycle Lifecycle
	device    DeviceClient
	notifier  Notifier

	cron         *cron.Cron
	sweepSpec    string
	notifySpec   string
	notifyWindow time.Duration
	batchSize    int
	now          func() time.Time
	log          *zap.Logger
}

// Option customises the Sweeper.
type Option func(*Sweeper)

// WithCron injects a preconfigured cron instance, primarily for testing.
func WithCron(c *cron.Cron) Option {
	return func(s *Sweeper) {
		if c != nil {
			s.cron = c
		}
	}
}

// WithNow overrides the clock used for window comparisons.
func WithNow(now func() time.Time) Option {
	return func(s *Sweeper) {
		if now != nil {
			s.now = now
		}
	}
}

// WithSweepSchedule overrides the cron specification for the expiration sweep.
func WithSweepSchedule(spec string) Option {
	return func(s *Sweeper) {
		if spec != "" {
			s.sweepSpec = spec
		}
	}
}

// WithNotifySchedule overrides the cron specification for expiring-soon notices.
func WithNotifySchedule(spec string) Option {
	return func(s *Sweeper) {
		if spec != "" {
			s.notifySpec = spec
		}
	}
}

// WithNotifyWindow adjusts how far ahead the expiring-soon notice looks.
func WithNotifyWindow(d time.Duration) Option {
	return func(s *Sweeper) {
		if d > 0 {
			s.notifyWindow = d
		}
	}
}

// WithBatchSize limits how many grants one sweep processes.
func WithBatchSize(n int) Option {
	return func(s *Sweeper) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

// New constructs a Sweeper. A nil notifier disables expiring-soon notices.
func New(grants *store.VisitorStore, lifecycle Lifecycle, device DeviceClient, notifier Notifier, opts ...Option) (*Sweeper, error) {
	if grants == nil {
		return nil, errors.New("sweeper: grant store is required")
	}
	if lifecycle == nil {
		return nil, errors.New("sweeper: lifecycle is required")
	}
	if device == nil {
		return nil, errors.New("sweeper: device client is required")
	}

	s := &Sweeper{
		grants:       grants,
		lifecycle:    lifecycle,
		device:       device,
		notifier:     notifier,
		sweepSpec:    defaultSweepSpec,
		notifySpec:   defaultNotifySpec,
		notifyWindow: defaultNotifyWindow,
		batchSize:    defaultBatchSize,
		now:          time.Now,
		log:          logger.WithModule("sweeper"),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.cron == nil {
		s.cron = cron.New(cron.WithLogger(cron.DiscardLogger))
	}
	return s, nil
}

// Start registers the sweep jobs with the scheduler and launches it.
func (s *Sweeper) Start() error {
	if _, err := s.cron.AddFunc(s.sweepSpec, func() {
		summary, err := s.RunOnce(context.Background())
		if err != nil {
			s.log.Warn("expiration sweep finished with failures",
				zap.Int("attempted", summary.Attempted),
				zap.Int("failed", summary.Failed),
				zap.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("sweeper: register sweep: %w", err)
	}

	if s.notifier != nil {
		if _, err := s.cron.AddFunc(s.notifySpec, func() {
			if err := s.NotifyExpiring(context.Background()); err != nil {
				s.log.Warn("expiring-soon notices failed", zap.Error(err))
			}
		}); err != nil {
			return fmt.Errorf("sweeper: register notify: %w", err)
		}
	}

	s.cron.Start()
	return nil
}

// Stop halts the scheduler, waiting for any running sweep to complete.
func (s *Sweeper) Stop() context.Context {
	return s.cron.Stop()
}

// RunOnce performs a single expiration sweep: every authorized grant whose
// window has elapsed is expired, and residual device credentials from earlier
// failed cleanups are retried. Per-grant failures are aggregated; the sweep
// never aborts on the first error.
func (s *Sweeper) RunOnce(ctx context.Context) (Summary, error) {
	now := s.now()
	var summary Summary
	var errs error

	// The residual set is fixed before any grant is expired so that a removal
	// failing in this run is not retried until the next scheduled sweep.
	residual, err := s.residualCredentials(ctx)
	if err != nil {
		return summary, err
	}

	elapsed, err := s.grants.Find(ctx, store.GrantQuery{
		States: []models.GrantState{
			models.GrantGranted,
			models.GrantActive,
			models.GrantProvisionSucceeded,
		},
		ExpiringBefore: &now,
		Limit:          s.batchSize,
	})
	if err != nil {
		return summary, err
	}

	for _, grant := range elapsed {
		summary.Attempted++
		if err := s.expireOne(ctx, grant); err != nil {
			summary.Failed++
			errs = multierr.Append(errs, fmt.Errorf("grant %s: %w", grant.ID, err))
			continue
		}
		summary.Succeeded++
	}

	for _, grant := range residual {
		summary.Attempted++
		if err := s.cleanupResidual(ctx, grant); err != nil {
			summary.Failed++
			errs = multierr.Append(errs, fmt.Errorf("grant %s: %w", grant.ID, err))
			continue
		}
		summary.Succeeded++
	}

	s.log.Info("expiration sweep finished",
		zap.Int("attempted", summary.Attempted),
		zap.Int("succeeded", summary.Succeeded),
		zap.Int("failed", summary.Failed))

	if errs != nil {
		return summary, apperrors.ErrPartialFailure.WithInternal(errs)
	}
	return summary, nil
}

// expireOne transitions a single grant. The transition happens regardless of
// the device result; the credential linkage is cleared only when the device
// confirmed the removal.
func (s *Sweeper) expireOne(ctx context.Context, grant models.VisitorGrant) error {
	removed := false
	var removeErr error

	if grant.DeviceCredentialID != "" {
		removeErr = s.device.RemoveCredential(ctx, grant.DeviceCredentialID)
		removed = removeErr == nil
	}

	if err := s.lifecycle.Expire(ctx, grant.ID, removed); err != nil {
		metrics.SweepResults.WithLabelValues("transition_failed").Inc()
		return multierr.Append(removeErr, err)
	}

	if removeErr != nil {
		metrics.SweepResults.WithLabelValues("removal_failed").Inc()
		s.log.Warn("grant expired but device removal unconfirmed",
			zap.String("grant_id", grant.ID),
			zap.Error(removeErr))
		return removeErr
	}

	metrics.SweepResults.WithLabelValues("expired").Inc()
	return nil
}

// cleanupResidual retries device removal for grants that already expired on an
// earlier sweep while the device was unreachable.
func (s *Sweeper) cleanupResidual(ctx context.Context, grant models.VisitorGrant) error {
	if err := s.device.RemoveCredential(ctx, grant.DeviceCredentialID); err != nil {
		metrics.SweepResults.WithLabelValues("removal_failed").Inc()
		return err
	}
	if err := s.lifecycle.ClearCredential(ctx, grant.ID); err != nil {
		return err
	}

	metrics.SweepResults.WithLabelValues("residual_cleaned").Inc()
	return nil
}

func (s *Sweeper) residualCredentials(ctx context.Context) ([]models.VisitorGrant, error) {
	withCredential := true
	return s.grants.Find(ctx, store.GrantQuery{
		States:              []models.GrantState{models.GrantExpired},
		HasDeviceCredential: &withCredential,
		Limit:               s.batchSize,
	})
}

// NotifyExpiring sends a notice to sponsors whose grants expire within the
// configured window. Read-only: no state changes.
func (s *Sweeper) NotifyExpiring(ctx context.Context) error {
	if s.notifier == nil {
		return nil
	}

	window := s.notifyWindow
	expiring, err := s.grants.Find(ctx, store.GrantQuery{
		States: []models.GrantState{
			models.GrantGranted,
			models.GrantActive,
			models.GrantProvisionSucceeded,
		},
		ExpiringWithin: &window,
		Limit:          s.batchSize,
	})
	if err != nil {
		return err
	}

	for _, grant := range expiring {
		s.notifier.Dispatch(ctx, notifications.Input{
			SponsorID: grant.SponsorID,
			Type:      notifications.TypeGrantExpiringSoon,
			Title:     "Visitor access expiring soon",
			Message:   fmt.Sprintf("Access for %s expires at %s.", grant.Name, grant.ValidUntil.Format(time.RFC3339)),
			Severity:  "info",
			Email:     grant.Email,
			Metadata: map[string]any{
				"grant_id":    grant.ID,
				"valid_until": grant.ValidUntil,
			},
		})
	}
	return nil
}
