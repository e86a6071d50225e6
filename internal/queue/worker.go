package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/portariahub/visitgate/internal/automation"
	"github.com/portariahub/visitgate/internal/models"
	"github.com/portariahub/visitgate/internal/store"
	"github.com/portariahub/visitgate/pkg/logger"
)

const (
	defaultWorkers      = 2
	defaultPollInterval = 5 * time.Second
)

// Provisioner drives a single provisioning attempt end to end. Implemented by
// the automation gateway; substituted with a fake in tests.
type Provisioner interface {
	Execute(ctx context.Context, req automation.Request) (*automation.Outcome, error)
}

// Lifecycle is the part of the state machine the workers report outcomes to.
type Lifecycle interface {
	CompleteProvisioning(ctx context.Context, grantID, credentialID string) error
	FailProvisioning(ctx context.Context, grantID, cause string) error
}

// CredentialRemover undoes a device-side registration, used when a grant was
// cancelled while its job was mid-flight.
type CredentialRemover interface {
	RemoveCredential(ctx context.Context, credentialID string) error
}

// Pool runs a fixed set of workers that poll the queue, drive provisioning
// through the gateway and report outcomes to the lifecycle machine.
type Pool struct {
	queue     *Queue
	grants    *store.VisitorStore
	gateway   Provisioner
	lifecycle Lifecycle
	remover   CredentialRemover

	workers      int
	pollInterval time.Duration
	log          *zap.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// PoolOption customises the Pool.
type PoolOption func(*Pool)

// WithWorkers sets the number of concurrent workers.
func WithWorkers(n int) PoolOption {
	return func(p *Pool) {
		if n > 0 {
			p.workers = n
		}
	}
}

// WithPollInterval sets how long an idle worker waits between claim attempts.
func WithPollInterval(d time.Duration) PoolOption {
	return func(p *Pool) {
		if d > 0 {
			p.pollInterval = d
		}
	}
}

// NewPool constructs a worker pool.
func NewPool(q *Queue, grants *store.VisitorStore, gateway Provisioner, lifecycle Lifecycle, remover CredentialRemover, opts ...PoolOption) (*Pool, error) {
	if q == nil {
		return nil, errors.New("queue: queue is required")
	}
	if grants == nil {
		return nil, errors.New("queue: grant store is required")
	}
	if gateway == nil {
		return nil, errors.New("queue: provisioner is required")
	}
	if lifecycle == nil {
		return nil, errors.New("queue: lifecycle is required")
	}

	p := &Pool{
		queue:        q,
		grants:       grants,
		gateway:      gateway,
		lifecycle:    lifecycle,
		remover:      remover,
		workers:      defaultWorkers,
		pollInterval: defaultPollInterval,
		log:          logger.WithModule("queue.worker"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Start launches the workers. They run until Stop is called or the context is
// cancelled.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}

	ctx, p.cancel = context.WithCancel(ctx)
	p.started = true

	for i := 0; i < p.workers; i++ {
		workerID := fmt.Sprintf("worker-%d", i+1)
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.run(ctx, workerID)
		}()
	}
	p.log.Info("worker pool started", zap.Int("workers", p.workers))
}

// Stop signals the workers and waits for in-flight jobs to finish.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	p.cancel()
	p.started = false
	p.mu.Unlock()

	p.wg.Wait()
	p.log.Info("worker pool stopped")
}

func (p *Pool) run(ctx context.Context, workerID string) {
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		p.drain(ctx, workerID)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// drain claims and processes jobs until the queue is empty or the context ends.
func (p *Pool) drain(ctx context.Context, workerID string) {
	for ctx.Err() == nil {
		job, err := p.queue.ClaimNext(ctx, workerID)
		if err != nil {
			p.log.Error("claiming job failed", zap.String("worker", workerID), zap.Error(err))
			return
		}
		if job == nil {
			return
		}
		p.Process(ctx, job)
	}
}

// Process executes a single claimed job. Exported so tests and manual retry
// endpoints can drive a job without the polling loop.
func (p *Pool) Process(ctx context.Context, job *models.ProvisioningJob) {
	log := p.log.With(
		zap.String("job_id", job.ID),
		zap.String("grant_id", job.VisitorGrantID))

	grant, err := p.grants.GetByID(ctx, job.VisitorGrantID)
	if err != nil {
		log.Error("grant lookup failed", zap.Error(err))
		p.finishFailed(ctx, job, "grant not found: "+err.Error())
		return
	}

	// A grant cancelled while its job sat in the queue must not be pushed to
	// the device.
	if grant.State == models.GrantCancelled {
		log.Info("skipping job for cancelled grant")
		if err := p.queue.Fail(ctx, job.ID, "grant was cancelled before provisioning"); err != nil {
			log.Error("failing job for cancelled grant", zap.Error(err))
		}
		return
	}

	var payload models.JobPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		log.Error("payload decode failed", zap.Error(err))
		p.finishFailed(ctx, job, "undecodable payload: "+err.Error())
		return
	}

	outcome, err := p.gateway.Execute(ctx, automation.Request{
		VisitorID: grant.ID,
		VisitorData: automation.VisitorData{
			Name:     payload.Name,
			CPF:      payload.Document,
			Phone:    payload.Phone,
			Email:    payload.Email,
			PhotoURL: payload.PhotoURL,
		},
	})
	if err != nil {
		p.handleFailure(ctx, job, grant.ID, err, log)
		return
	}

	p.handleSuccess(ctx, job, outcome, log)
}

func (p *Pool) handleSuccess(ctx context.Context, job *models.ProvisioningJob, outcome *automation.Outcome, log *zap.Logger) {
	// Re-check the grant: it may have been cancelled while the gateway was
	// driving the console. In that case the registration just created must be
	// compensated, not reported as success.
	grant, err := p.grants.GetByID(ctx, job.VisitorGrantID)
	if err == nil && grant.State == models.GrantCancelled {
		log.Warn("grant cancelled mid-provisioning, compensating",
			zap.String("credential_id", outcome.HikCentralID))
		if p.remover != nil && outcome.HikCentralID != "" {
			if err := p.remover.RemoveCredential(ctx, outcome.HikCentralID); err != nil {
				log.Warn("compensating removal failed", zap.Error(err))
			}
		}
		if err := p.queue.Fail(ctx, job.ID, "grant was cancelled during provisioning"); err != nil {
			log.Error("failing compensated job", zap.Error(err))
		}
		return
	}

	if err := p.lifecycle.CompleteProvisioning(ctx, job.VisitorGrantID, outcome.HikCentralID); err != nil {
		log.Error("recording provisioning success failed", zap.Error(err))
		p.finishFailed(ctx, job, "recording success failed: "+err.Error())
		return
	}
	if err := p.queue.Complete(ctx, job.ID); err != nil {
		log.Error("completing job failed", zap.Error(err))
		return
	}
	log.Info("job completed", zap.String("credential_id", outcome.HikCentralID))
}

func (p *Pool) handleFailure(ctx context.Context, job *models.ProvisioningJob, grantID string, cause error, log *zap.Logger) {
	if job.RetryCount+1 < job.MaxRetries {
		log.Warn("attempt failed, requeueing",
			zap.Int("retry_count", job.RetryCount+1),
			zap.Error(cause))
		if err := p.queue.Retry(ctx, job.ID, cause.Error()); err != nil {
			log.Error("requeueing job failed", zap.Error(err))
		}
		return
	}

	log.Error("job exhausted retries", zap.Error(cause))
	if err := p.queue.Fail(ctx, job.ID, cause.Error()); err != nil {
		log.Error("failing job failed", zap.Error(err))
	}
	if err := p.lifecycle.FailProvisioning(ctx, grantID, cause.Error()); err != nil {
		log.Error("recording provisioning failure failed", zap.Error(err))
	}
}

func (p *Pool) finishFailed(ctx context.Context, job *models.ProvisioningJob, cause string) {
	if err := p.queue.Fail(ctx, job.ID, cause); err != nil {
		p.log.Error("failing job failed", zap.String("job_id", job.ID), zap.Error(err))
	}
	if err := p.lifecycle.FailProvisioning(ctx, job.VisitorGrantID, cause); err != nil {
		p.log.Error("recording provisioning failure failed",
			zap.String("job_id", job.ID), zap.Error(err))
	}
}
