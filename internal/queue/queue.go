package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/portariahub/visitgate/internal/models"
	"github.com/portariahub/visitgate/internal/realtime"
	apperrors "github.com/portariahub/visitgate/pkg/errors"
	"github.com/portariahub/visitgate/pkg/logger"
	"github.com/portariahub/visitgate/pkg/metrics"
	"github.com/portariahub/visitgate/pkg/validator"
)

const (
	defaultMaxRetries = 3
	defaultStaleness  = 15 * time.Minute

	// claimCandidates bounds how many CAS losses a single claim call absorbs
	// before reporting an empty queue.
	claimCandidates = 5
)

// Queue is the durable registration queue backing asynchronous provisioning.
// Jobs survive restarts; a claim is a compare-and-set so each job is processed
// by exactly one worker at a time.
type Queue struct {
	db         *gorm.DB
	hub        *realtime.Hub
	maxRetries int
	staleness  time.Duration
	now        func() time.Time
	log        *zap.Logger
}

// QueueOption customises the Queue.
type QueueOption func(*Queue)

// WithHub attaches a realtime hub; queue events are broadcast on the queue stream.
func WithHub(hub *realtime.Hub) QueueOption {
	return func(q *Queue) {
		q.hub = hub
	}
}

// WithMaxRetries sets the per-job retry bound recorded on new jobs.
func WithMaxRetries(n int) QueueOption {
	return func(q *Queue) {
		if n > 0 {
			q.maxRetries = n
		}
	}
}

// WithStaleness sets how long a processing job may go without progress before
// another worker may reclaim it.
func WithStaleness(d time.Duration) QueueOption {
	return func(q *Queue) {
		if d > 0 {
			q.staleness = d
		}
	}
}

// WithClock overrides the clock, for tests.
func WithClock(now func() time.Time) QueueOption {
	return func(q *Queue) {
		if now != nil {
			q.now = now
		}
	}
}

// New constructs a Queue.
func New(db *gorm.DB, opts ...QueueOption) (*Queue, error) {
	if db == nil {
		return nil, errors.New("queue: db is required")
	}

	q := &Queue{
		db:         db,
		maxRetries: defaultMaxRetries,
		staleness:  defaultStaleness,
		now:        time.Now,
		log:        logger.WithModule("queue"),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q, nil
}

// Enqueue validates the payload and persists a pending job. Enqueueing is
// idempotent per grant: while an open job exists for the grant, the same job
// is returned instead of creating a duplicate.
func (q *Queue) Enqueue(ctx context.Context, grantID string, payload models.JobPayload) (*models.ProvisioningJob, error) {
	if grantID == "" {
		return nil, apperrors.NewValidation("grant id is required")
	}
	if err := validator.ValidateStruct(payload); err != nil {
		return nil, apperrors.ErrValidation.WithInternal(err)
	}

	if open, err := q.openJobForGrant(ctx, grantID); err != nil {
		return nil, err
	} else if open != nil {
		return open, nil
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("queue: encode payload: %w", err)
	}

	job := &models.ProvisioningJob{
		VisitorGrantID: grantID,
		Payload:        datatypes.JSON(raw),
		Status:         models.JobPending,
		MaxRetries:     q.maxRetries,
	}
	if err := q.db.WithContext(ctx).Create(job).Error; err != nil {
		return nil, fmt.Errorf("queue: create job: %w", err)
	}

	metrics.QueueDepth.WithLabelValues(string(models.JobPending)).Inc()
	q.broadcast("job_enqueued", job)
	q.log.Info("job enqueued",
		zap.String("job_id", job.ID),
		zap.String("grant_id", grantID))
	return job, nil
}

// ClaimNext atomically claims the oldest claimable job for a worker. A job is
// claimable when pending, or when processing but untouched for longer than the
// staleness bound (its worker is presumed dead). Returns nil when the queue is
// empty.
func (q *Queue) ClaimNext(ctx context.Context, workerID string) (*models.ProvisioningJob, error) {
	if workerID == "" {
		return nil, errors.New("queue: worker id is required")
	}

	for i := 0; i < claimCandidates; i++ {
		staleBefore := q.now().Add(-q.staleness)

		var candidate models.ProvisioningJob
		err := q.db.WithContext(ctx).
			Where("status = ? OR (status = ? AND updated_at < ?)",
				models.JobPending, models.JobProcessing, staleBefore).
			Order("created_at ASC").
			First(&candidate).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("queue: find claimable job: %w", err)
		}

		// The claim re-checks claimability in the UPDATE itself, so two
		// workers racing on the same candidate resolve to one winner.
		now := q.now()
		result := q.db.WithContext(ctx).
			Model(&models.ProvisioningJob{}).
			Where("id = ? AND (status = ? OR (status = ? AND updated_at < ?))",
				candidate.ID, models.JobPending, models.JobProcessing, staleBefore).
			Updates(map[string]any{
				"status":     models.JobProcessing,
				"claimed_by": workerID,
				"started_at": now,
			})
		if result.Error != nil {
			return nil, fmt.Errorf("queue: claim job: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			continue // lost the race, try the next candidate
		}

		if candidate.Status == models.JobPending {
			metrics.QueueDepth.WithLabelValues(string(models.JobPending)).Dec()
			metrics.QueueDepth.WithLabelValues(string(models.JobProcessing)).Inc()
		}

		claimed, err := q.GetByID(ctx, candidate.ID)
		if err != nil {
			return nil, err
		}
		q.broadcast("job_claimed", claimed)
		return claimed, nil
	}

	return nil, nil
}

// Complete marks a processing job as completed.
func (q *Queue) Complete(ctx context.Context, jobID string) error {
	job, err := q.finishJob(ctx, jobID, models.JobCompleted, "")
	if err != nil {
		return err
	}

	metrics.ProvisioningJobs.WithLabelValues("completed").Inc()
	if job.StartedAt != nil {
		metrics.ProvisioningDuration.Observe(q.now().Sub(*job.StartedAt).Seconds())
	}
	q.broadcast("job_completed", job)
	return nil
}

// Retry returns a processing job to pending for another attempt, recording
// the failure and incrementing the retry counter.
func (q *Queue) Retry(ctx context.Context, jobID, cause string) error {
	result := q.db.WithContext(ctx).
		Model(&models.ProvisioningJob{}).
		Where("id = ? AND status = ?", jobID, models.JobProcessing).
		Updates(map[string]any{
			"status":      models.JobPending,
			"claimed_by":  "",
			"retry_count": gorm.Expr("retry_count + 1"),
			"last_error":  cause,
		})
	if result.Error != nil {
		return fmt.Errorf("queue: retry job: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return apperrors.ErrStateConflict.WithMessage("job is not processing")
	}

	metrics.QueueDepth.WithLabelValues(string(models.JobProcessing)).Dec()
	metrics.QueueDepth.WithLabelValues(string(models.JobPending)).Inc()

	if job, err := q.GetByID(ctx, jobID); err == nil {
		q.broadcast("job_retried", job)
	}
	return nil
}

// Fail marks a processing job as terminally failed.
func (q *Queue) Fail(ctx context.Context, jobID, cause string) error {
	job, err := q.finishJob(ctx, jobID, models.JobFailed, cause)
	if err != nil {
		return err
	}

	metrics.ProvisioningJobs.WithLabelValues("failed").Inc()
	q.broadcast("job_failed", job)
	return nil
}

// GetByID loads a single job.
func (q *Queue) GetByID(ctx context.Context, jobID string) (*models.ProvisioningJob, error) {
	var job models.ProvisioningJob
	err := q.db.WithContext(ctx).First(&job, "id = ?", jobID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.ErrNotFound.WithInternal(err)
	}
	if err != nil {
		return nil, fmt.Errorf("queue: get job: %w", err)
	}
	return &job, nil
}

// JobQuery filters List.
type JobQuery struct {
	Statuses []models.JobStatus
	GrantID  string
	Limit    int
}

// List returns jobs matching the query, newest first.
func (q *Queue) List(ctx context.Context, query JobQuery) ([]models.ProvisioningJob, error) {
	tx := q.db.WithContext(ctx).Model(&models.ProvisioningJob{})
	if len(query.Statuses) > 0 {
		tx = tx.Where("status IN ?", query.Statuses)
	}
	if query.GrantID != "" {
		tx = tx.Where("visitor_grant_id = ?", query.GrantID)
	}
	if query.Limit > 0 {
		tx = tx.Limit(query.Limit)
	}

	var jobs []models.ProvisioningJob
	if err := tx.Order("created_at DESC").Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("queue: list jobs: %w", err)
	}
	return jobs, nil
}

// Stats returns the number of jobs per status and refreshes the depth gauges.
func (q *Queue) Stats(ctx context.Context) (map[models.JobStatus]int64, error) {
	type row struct {
		Status models.JobStatus
		Count  int64
	}

	var rows []row
	err := q.db.WithContext(ctx).
		Model(&models.ProvisioningJob{}).
		Select("status, count(*) as count").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("queue: stats: %w", err)
	}

	stats := map[models.JobStatus]int64{
		models.JobPending:    0,
		models.JobProcessing: 0,
		models.JobCompleted:  0,
		models.JobFailed:     0,
	}
	for _, r := range rows {
		stats[r.Status] = r.Count
	}

	metrics.QueueDepth.WithLabelValues(string(models.JobPending)).Set(float64(stats[models.JobPending]))
	metrics.QueueDepth.WithLabelValues(string(models.JobProcessing)).Set(float64(stats[models.JobProcessing]))
	return stats, nil
}

func (q *Queue) finishJob(ctx context.Context, jobID string, status models.JobStatus, cause string) (*models.ProvisioningJob, error) {
	updates := map[string]any{
		"status":       status,
		"completed_at": q.now(),
	}
	if cause != "" {
		updates["last_error"] = cause
	}

	result := q.db.WithContext(ctx).
		Model(&models.ProvisioningJob{}).
		Where("id = ? AND status = ?", jobID, models.JobProcessing).
		Updates(updates)
	if result.Error != nil {
		return nil, fmt.Errorf("queue: finish job: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, apperrors.ErrStateConflict.WithMessage("job is not processing")
	}

	metrics.QueueDepth.WithLabelValues(string(models.JobProcessing)).Dec()
	return q.GetByID(ctx, jobID)
}

func (q *Queue) openJobForGrant(ctx context.Context, grantID string) (*models.ProvisioningJob, error) {
	var job models.ProvisioningJob
	err := q.db.WithContext(ctx).
		Where("visitor_grant_id = ? AND status IN ?", grantID,
			[]models.JobStatus{models.JobPending, models.JobProcessing}).
		Order("created_at ASC").
		First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("queue: find open job: %w", err)
	}
	return &job, nil
}

func (q *Queue) broadcast(event string, job *models.ProvisioningJob) {
	if q.hub == nil || job == nil {
		return
	}
	q.hub.Broadcast(realtime.StreamQueue, event, job)
}
