package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/portariahub/visitgate/internal/database/testutil"
	"github.com/portariahub/visitgate/internal/models"
	apperrors "github.com/portariahub/visitgate/pkg/errors"
)

func validPayload() models.JobPayload {
	return models.JobPayload{
		Name:     "Ana Souza",
		Document: "52998224725",
		Phone:    "+5511999998888",
	}
}

func newTestQueue(t *testing.T, opts ...QueueOption) (*Queue, *gorm.DB) {
	t.Helper()

	db := testutil.MustOpenTestDB(t)
	q, err := New(db, opts...)
	require.NoError(t, err)
	return q, db
}

func TestEnqueue(t *testing.T) {
	q, _ := newTestQueue(t)

	job, err := q.Enqueue(context.Background(), "grant-1", validPayload())
	require.NoError(t, err)
	require.Equal(t, models.JobPending, job.Status)
	require.Equal(t, "grant-1", job.VisitorGrantID)
	require.Equal(t, defaultMaxRetries, job.MaxRetries)
	require.JSONEq(t, `{"name":"Ana Souza","document":"52998224725","phone":"+5511999998888"}`, string(job.Payload))
}

func TestEnqueueValidatesPayload(t *testing.T) {
	q, _ := newTestQueue(t)

	_, err := q.Enqueue(context.Background(), "grant-1", models.JobPayload{Name: "Ana"})
	require.ErrorIs(t, err, apperrors.ErrValidation)

	_, err = q.Enqueue(context.Background(), "", validPayload())
	require.ErrorIs(t, err, apperrors.ErrValidation)
}

func TestEnqueueIdempotentPerGrant(t *testing.T) {
	q, _ := newTestQueue(t)

	first, err := q.Enqueue(context.Background(), "grant-1", validPayload())
	require.NoError(t, err)

	second, err := q.Enqueue(context.Background(), "grant-1", validPayload())
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)

	// A terminal job no longer blocks a fresh enqueue.
	claimed, err := q.ClaimNext(context.Background(), "worker-1")
	require.NoError(t, err)
	require.NoError(t, q.Fail(context.Background(), claimed.ID, "agent rejected"))

	third, err := q.Enqueue(context.Background(), "grant-1", validPayload())
	require.NoError(t, err)
	require.NotEqual(t, first.ID, third.ID)
}

func TestClaimNext(t *testing.T) {
	q, _ := newTestQueue(t)

	older, err := q.Enqueue(context.Background(), "grant-1", validPayload())
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	_, err = q.Enqueue(context.Background(), "grant-2", validPayload())
	require.NoError(t, err)

	claimed, err := q.ClaimNext(context.Background(), "worker-1")
	require.NoError(t, err)
	require.Equal(t, older.ID, claimed.ID)
	require.Equal(t, models.JobProcessing, claimed.Status)
	require.Equal(t, "worker-1", claimed.ClaimedBy)
	require.NotNil(t, claimed.StartedAt)
}

func TestClaimNextEmptyQueue(t *testing.T) {
	q, _ := newTestQueue(t)

	job, err := q.ClaimNext(context.Background(), "worker-1")
	require.NoError(t, err)
	require.Nil(t, job)
}

func TestClaimIsExclusive(t *testing.T) {
	q, _ := newTestQueue(t)

	_, err := q.Enqueue(context.Background(), "grant-1", validPayload())
	require.NoError(t, err)

	first, err := q.ClaimNext(context.Background(), "worker-1")
	require.NoError(t, err)
	require.NotNil(t, first)

	second, err := q.ClaimNext(context.Background(), "worker-2")
	require.NoError(t, err)
	require.Nil(t, second)
}

func TestClaimReclaimsStaleProcessing(t *testing.T) {
	now := time.Now()
	clock := &now
	q, _ := newTestQueue(t, WithClock(func() time.Time { return *clock }), WithStaleness(10*time.Minute))

	_, err := q.Enqueue(context.Background(), "grant-1", validPayload())
	require.NoError(t, err)

	claimed, err := q.ClaimNext(context.Background(), "worker-1")
	require.NoError(t, err)
	require.NotNil(t, claimed)

	// Still within the staleness bound: not claimable.
	job, err := q.ClaimNext(context.Background(), "worker-2")
	require.NoError(t, err)
	require.Nil(t, job)

	// Past the bound the presumed-dead worker's job is reclaimed.
	later := now.Add(11 * time.Minute)
	clock = &later

	reclaimed, err := q.ClaimNext(context.Background(), "worker-2")
	require.NoError(t, err)
	require.NotNil(t, reclaimed)
	require.Equal(t, claimed.ID, reclaimed.ID)
	require.Equal(t, "worker-2", reclaimed.ClaimedBy)
}

func TestRetryReturnsJobToPending(t *testing.T) {
	q, _ := newTestQueue(t)

	_, err := q.Enqueue(context.Background(), "grant-1", validPayload())
	require.NoError(t, err)
	claimed, err := q.ClaimNext(context.Background(), "worker-1")
	require.NoError(t, err)

	require.NoError(t, q.Retry(context.Background(), claimed.ID, "agent unreachable"))

	job, err := q.GetByID(context.Background(), claimed.ID)
	require.NoError(t, err)
	require.Equal(t, models.JobPending, job.Status)
	require.Equal(t, 1, job.RetryCount)
	require.Equal(t, "agent unreachable", job.LastError)
	require.Empty(t, job.ClaimedBy)

	// Retrying a job that is not processing is a conflict.
	require.ErrorIs(t, q.Retry(context.Background(), claimed.ID, "again"), apperrors.ErrStateConflict)
}

func TestCompleteAndFail(t *testing.T) {
	q, _ := newTestQueue(t)

	first, err := q.Enqueue(context.Background(), "grant-1", validPayload())
	require.NoError(t, err)
	second, err := q.Enqueue(context.Background(), "grant-2", validPayload())
	require.NoError(t, err)

	claimed, err := q.ClaimNext(context.Background(), "worker-1")
	require.NoError(t, err)
	require.NoError(t, q.Complete(context.Background(), claimed.ID))

	job, err := q.GetByID(context.Background(), first.ID)
	require.NoError(t, err)
	require.Equal(t, models.JobCompleted, job.Status)
	require.NotNil(t, job.CompletedAt)

	claimed, err = q.ClaimNext(context.Background(), "worker-1")
	require.NoError(t, err)
	require.NoError(t, q.Fail(context.Background(), claimed.ID, "console rejected the document"))

	job, err = q.GetByID(context.Background(), second.ID)
	require.NoError(t, err)
	require.Equal(t, models.JobFailed, job.Status)
	require.Equal(t, "console rejected the document", job.LastError)

	// Terminal jobs cannot be finished twice.
	require.ErrorIs(t, q.Complete(context.Background(), first.ID), apperrors.ErrStateConflict)
}

func TestStats(t *testing.T) {
	q, _ := newTestQueue(t)

	_, err := q.Enqueue(context.Background(), "grant-1", validPayload())
	require.NoError(t, err)
	_, err = q.Enqueue(context.Background(), "grant-2", validPayload())
	require.NoError(t, err)

	claimed, err := q.ClaimNext(context.Background(), "worker-1")
	require.NoError(t, err)
	require.NoError(t, q.Complete(context.Background(), claimed.ID))

	claimed, err = q.ClaimNext(context.Background(), "worker-1")
	require.NoError(t, err)

	stats, err := q.Stats(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(0), stats[models.JobPending])
	require.Equal(t, int64(1), stats[models.JobProcessing])
	require.Equal(t, int64(1), stats[models.JobCompleted])
	require.Equal(t, int64(0), stats[models.JobFailed])
}
