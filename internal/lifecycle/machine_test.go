package lifecycle

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/portariahub/visitgate/internal/database/testutil"
	"github.com/portariahub/visitgate/internal/models"
	"github.com/portariahub/visitgate/internal/notifications"
	"github.com/portariahub/visitgate/internal/store"
	apperrors "github.com/portariahub/visitgate/pkg/errors"
)

type fakeDevice struct {
	mu        sync.Mutex
	created   []string
	attached  []string
	removed   []string
	createErr error
	attachErr error
	removeErr error
}

func (d *fakeDevice) CreateCredential(_ context.Context, grant *models.VisitorGrant) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.createErr != nil {
		return "", d.createErr
	}
	id := "cred-" + grant.ID
	d.created = append(d.created, id)
	return id, nil
}

func (d *fakeDevice) AttachFace(_ context.Context, credentialID string, _ []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.attachErr != nil {
		return d.attachErr
	}
	d.attached = append(d.attached, credentialID)
	return nil
}

func (d *fakeDevice) RemoveCredential(_ context.Context, credentialID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.removeErr != nil {
		return d.removeErr
	}
	d.removed = append(d.removed, credentialID)
	return nil
}

type fakeQueue struct {
	grantIDs []string
	payloads []models.JobPayload
	err      error
}

func (q *fakeQueue) Enqueue(_ context.Context, grantID string, payload models.JobPayload) (*models.ProvisioningJob, error) {
	if q.err != nil {
		return nil, q.err
	}
	q.grantIDs = append(q.grantIDs, grantID)
	q.payloads = append(q.payloads, payload)
	return &models.ProvisioningJob{VisitorGrantID: grantID, Status: models.JobPending}, nil
}

type fakeNotifier struct {
	inputs []notifications.Input
}

func (n *fakeNotifier) Dispatch(_ context.Context, input notifications.Input) {
	n.inputs = append(n.inputs, input)
}

type machineFixture struct {
	machine  *Machine
	store    *store.VisitorStore
	device   *fakeDevice
	queue    *fakeQueue
	notifier *fakeNotifier
}

func newMachineFixture(t *testing.T, opts ...Option) *machineFixture {
	t.Helper()

	db := testutil.MustOpenTestDB(t)
	st, err := store.NewVisitorStore(db)
	require.NoError(t, err)

	f := &machineFixture{
		store:    st,
		device:   &fakeDevice{},
		queue:    &fakeQueue{},
		notifier: &fakeNotifier{},
	}
	f.machine, err = NewMachine(st, f.device, f.queue, f.notifier, opts...)
	require.NoError(t, err)
	return f
}

func (f *machineFixture) seedGrant(t *testing.T, mutate ...func(*models.VisitorGrant)) *models.VisitorGrant {
	t.Helper()

	grant := &models.VisitorGrant{
		Name:         "Ana Souza",
		DocumentID:   "52998224725",
		Phone:        "+5511999998888",
		Email:        "ana@example.com",
		SponsorID:    "sponsor-1",
		ValidFrom:    time.Now().Add(-time.Hour),
		ValidUntil:   time.Now().Add(24 * time.Hour),
		State:        models.GrantAwaiting,
		HasFacePhoto: true,
	}
	for _, m := range mutate {
		m(grant)
	}
	require.NoError(t, f.store.Create(context.Background(), grant))
	return grant
}

func (f *machineFixture) reload(t *testing.T, id string) *models.VisitorGrant {
	t.Helper()
	grant, err := f.store.GetByID(context.Background(), id)
	require.NoError(t, err)
	return grant
}

func TestCanTransition(t *testing.T) {
	require.True(t, CanTransition(models.GrantAwaiting, models.GrantGranted))
	require.True(t, CanTransition(models.GrantAwaiting, models.GrantPendingProvisioning))
	require.True(t, CanTransition(models.GrantGranted, models.GrantActive))
	require.True(t, CanTransition(models.GrantPendingProvisioning, models.GrantProvisionFailed))
	require.True(t, CanTransition(models.GrantProvisionSucceeded, models.GrantExpired))
	require.True(t, CanTransition(models.GrantProvisionFailed, models.GrantCancelled))

	require.False(t, CanTransition(models.GrantExpired, models.GrantGranted))
	require.False(t, CanTransition(models.GrantCancelled, models.GrantAwaiting))
	require.False(t, CanTransition(models.GrantProvisionFailed, models.GrantPendingProvisioning))
	require.False(t, CanTransition(models.GrantActive, models.GrantGranted))
}

func TestGrantSyncPath(t *testing.T) {
	f := newMachineFixture(t)
	seeded := f.seedGrant(t)

	granted, err := f.machine.Grant(context.Background(), seeded.ID, "sponsor-1", []byte("jpeg-bytes"))
	require.NoError(t, err)

	require.Equal(t, models.GrantGranted, granted.State)
	require.Equal(t, "cred-"+seeded.ID, granted.DeviceCredentialID)
	require.Equal(t, []string{"cred-" + seeded.ID}, f.device.created)
	require.Equal(t, []string{"cred-" + seeded.ID}, f.device.attached)
	require.Empty(t, f.device.removed)
}

func TestGrantRequiresFacePhoto(t *testing.T) {
	f := newMachineFixture(t)
	seeded := f.seedGrant(t, func(g *models.VisitorGrant) {
		g.HasFacePhoto = false
	})

	_, err := f.machine.Grant(context.Background(), seeded.ID, "sponsor-1", nil)
	require.ErrorIs(t, err, apperrors.ErrValidation)

	require.Equal(t, models.GrantAwaiting, f.reload(t, seeded.ID).State)
	require.Empty(t, f.device.created)
}

func TestGrantRejectsOtherSponsor(t *testing.T) {
	f := newMachineFixture(t)
	seeded := f.seedGrant(t)

	_, err := f.machine.Grant(context.Background(), seeded.ID, "sponsor-2", []byte("jpeg-bytes"))
	require.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestGrantFaceFailureRollsBackCredential(t *testing.T) {
	f := newMachineFixture(t)
	f.device.attachErr = apperrors.ErrBiometricRejected
	seeded := f.seedGrant(t)

	_, err := f.machine.Grant(context.Background(), seeded.ID, "", []byte("jpeg-bytes"))
	require.ErrorIs(t, err, apperrors.ErrBiometricRejected)

	reloaded := f.reload(t, seeded.ID)
	require.Equal(t, models.GrantAwaiting, reloaded.State)
	require.Empty(t, reloaded.DeviceCredentialID)
	require.Equal(t, []string{"cred-" + seeded.ID}, f.device.removed)
}

func TestGrantDeviceUnreachable(t *testing.T) {
	f := newMachineFixture(t)
	f.device.createErr = apperrors.ErrDeviceUnreachable
	seeded := f.seedGrant(t)

	_, err := f.machine.Grant(context.Background(), seeded.ID, "", []byte("jpeg-bytes"))
	require.ErrorIs(t, err, apperrors.ErrDeviceUnreachable)
	require.Equal(t, models.GrantAwaiting, f.reload(t, seeded.ID).State)
}

func TestGrantRejectsElapsedWindow(t *testing.T) {
	f := newMachineFixture(t)
	seeded := f.seedGrant(t, func(g *models.VisitorGrant) {
		g.ValidFrom = time.Now().Add(-48 * time.Hour)
		g.ValidUntil = time.Now().Add(-24 * time.Hour)
	})

	_, err := f.machine.Grant(context.Background(), seeded.ID, "", []byte("jpeg-bytes"))
	require.ErrorIs(t, err, apperrors.ErrValidation)
	require.Empty(t, f.device.created)
}

func TestEnqueueProvisioning(t *testing.T) {
	f := newMachineFixture(t)
	seeded := f.seedGrant(t, func(g *models.VisitorGrant) {
		g.FacePhotoURL = "https://cdn.example.com/faces/ana.jpg"
	})

	job, err := f.machine.EnqueueProvisioning(context.Background(), seeded.ID)
	require.NoError(t, err)
	require.Equal(t, seeded.ID, job.VisitorGrantID)
	require.Equal(t, models.JobPending, job.Status)

	require.Equal(t, models.GrantPendingProvisioning, f.reload(t, seeded.ID).State)
	require.Equal(t, []string{seeded.ID}, f.queue.grantIDs)
	require.Equal(t, models.JobPayload{
		Name:     "Ana Souza",
		Document: "52998224725",
		Phone:    "+5511999998888",
		Email:    "ana@example.com",
		PhotoURL: "https://cdn.example.com/faces/ana.jpg",
	}, f.queue.payloads[0])
}

func TestEnqueueProvisioningFailureRestoresState(t *testing.T) {
	f := newMachineFixture(t)
	f.queue.err = apperrors.ErrInternalServer
	seeded := f.seedGrant(t)

	_, err := f.machine.EnqueueProvisioning(context.Background(), seeded.ID)
	require.ErrorIs(t, err, apperrors.ErrInternalServer)
	require.Equal(t, models.GrantAwaiting, f.reload(t, seeded.ID).State)

	// A later attempt succeeds once the queue is back.
	f.queue.err = nil

	job, err := f.machine.EnqueueProvisioning(context.Background(), seeded.ID)
	require.NoError(t, err)
	require.Equal(t, seeded.ID, job.VisitorGrantID)
	require.Equal(t, models.GrantPendingProvisioning, f.reload(t, seeded.ID).State)
}

func TestEnqueueProvisioningRejectsTerminalState(t *testing.T) {
	f := newMachineFixture(t)
	seeded := f.seedGrant(t, func(g *models.VisitorGrant) {
		g.State = models.GrantCancelled
	})

	_, err := f.machine.EnqueueProvisioning(context.Background(), seeded.ID)
	require.ErrorIs(t, err, apperrors.ErrInvalidTransition)
}

func TestCompleteProvisioning(t *testing.T) {
	f := newMachineFixture(t)
	seeded := f.seedGrant(t, func(g *models.VisitorGrant) {
		g.State = models.GrantPendingProvisioning
	})

	require.NoError(t, f.machine.CompleteProvisioning(context.Background(), seeded.ID, "hik-42"))

	reloaded := f.reload(t, seeded.ID)
	require.Equal(t, models.GrantProvisionSucceeded, reloaded.State)
	require.Equal(t, "hik-42", reloaded.DeviceCredentialID)

	require.Len(t, f.notifier.inputs, 1)
	require.Equal(t, notifications.TypeProvisionSucceeded, f.notifier.inputs[0].Type)
	require.Equal(t, "sponsor-1", f.notifier.inputs[0].SponsorID)
}

func TestFailProvisioning(t *testing.T) {
	f := newMachineFixture(t)
	seeded := f.seedGrant(t, func(g *models.VisitorGrant) {
		g.State = models.GrantPendingProvisioning
	})

	require.NoError(t, f.machine.FailProvisioning(context.Background(), seeded.ID, "gateway rejected the document"))

	reloaded := f.reload(t, seeded.ID)
	require.Equal(t, models.GrantProvisionFailed, reloaded.State)
	require.Equal(t, "gateway rejected the document", reloaded.Notes)

	require.Len(t, f.notifier.inputs, 1)
	require.Equal(t, notifications.TypeProvisionFailed, f.notifier.inputs[0].Type)
	require.Equal(t, "error", f.notifier.inputs[0].Severity)
}

func TestCancelRemovesCredential(t *testing.T) {
	f := newMachineFixture(t)
	seeded := f.seedGrant(t, func(g *models.VisitorGrant) {
		g.State = models.GrantGranted
		g.DeviceCredentialID = "hik-42"
	})

	require.NoError(t, f.machine.Cancel(context.Background(), seeded.ID, "sponsor-1", "visitor no longer expected"))

	reloaded := f.reload(t, seeded.ID)
	require.Equal(t, models.GrantCancelled, reloaded.State)
	require.Empty(t, reloaded.DeviceCredentialID)
	require.Equal(t, []string{"hik-42"}, f.device.removed)
}

func TestCancelSurvivesDeviceFailure(t *testing.T) {
	f := newMachineFixture(t)
	f.device.removeErr = apperrors.ErrDeviceUnreachable
	seeded := f.seedGrant(t, func(g *models.VisitorGrant) {
		g.State = models.GrantGranted
		g.DeviceCredentialID = "hik-42"
	})

	require.NoError(t, f.machine.Cancel(context.Background(), seeded.ID, "", ""))

	reloaded := f.reload(t, seeded.ID)
	require.Equal(t, models.GrantCancelled, reloaded.State)
	// Credential linkage survives so a later sweep can retry the removal.
	require.Equal(t, "hik-42", reloaded.DeviceCredentialID)
}

func TestCancelAfterFailedProvisioning(t *testing.T) {
	f := newMachineFixture(t)
	seeded := f.seedGrant(t, func(g *models.VisitorGrant) {
		g.State = models.GrantProvisionFailed
	})

	require.NoError(t, f.machine.Cancel(context.Background(), seeded.ID, "sponsor-1", "giving up"))
	require.Equal(t, models.GrantCancelled, f.reload(t, seeded.ID).State)
}

func TestCancelRejectsTerminalGrant(t *testing.T) {
	f := newMachineFixture(t)
	seeded := f.seedGrant(t, func(g *models.VisitorGrant) {
		g.State = models.GrantExpired
	})

	err := f.machine.Cancel(context.Background(), seeded.ID, "", "")
	require.ErrorIs(t, err, apperrors.ErrInvalidTransition)
}

func TestExpire(t *testing.T) {
	now := time.Now()
	f := newMachineFixture(t, WithNow(func() time.Time { return now.Add(48 * time.Hour) }))
	seeded := f.seedGrant(t, func(g *models.VisitorGrant) {
		g.State = models.GrantActive
		g.DeviceCredentialID = "hik-42"
	})

	require.NoError(t, f.machine.Expire(context.Background(), seeded.ID, true))

	reloaded := f.reload(t, seeded.ID)
	require.Equal(t, models.GrantExpired, reloaded.State)
	require.Empty(t, reloaded.DeviceCredentialID)
}

func TestExpireKeepsCredentialWhenRemovalUnconfirmed(t *testing.T) {
	now := time.Now()
	f := newMachineFixture(t, WithNow(func() time.Time { return now.Add(48 * time.Hour) }))
	seeded := f.seedGrant(t, func(g *models.VisitorGrant) {
		g.State = models.GrantGranted
		g.DeviceCredentialID = "hik-42"
	})

	require.NoError(t, f.machine.Expire(context.Background(), seeded.ID, false))

	reloaded := f.reload(t, seeded.ID)
	require.Equal(t, models.GrantExpired, reloaded.State)
	require.Equal(t, "hik-42", reloaded.DeviceCredentialID)
}

func TestExpireRejectsOpenWindow(t *testing.T) {
	f := newMachineFixture(t)
	seeded := f.seedGrant(t, func(g *models.VisitorGrant) {
		g.State = models.GrantGranted
	})

	err := f.machine.Expire(context.Background(), seeded.ID, false)
	require.ErrorIs(t, err, apperrors.ErrValidation)
	require.Equal(t, models.GrantGranted, f.reload(t, seeded.ID).State)
}

func TestCheckIn(t *testing.T) {
	f := newMachineFixture(t)
	seeded := f.seedGrant(t, func(g *models.VisitorGrant) {
		g.State = models.GrantGranted
		g.DeviceCredentialID = "hik-42"
	})

	require.NoError(t, f.machine.CheckIn(context.Background(), seeded.ID))
	require.Equal(t, models.GrantActive, f.reload(t, seeded.ID).State)
}

func TestCheckInRequiresCredential(t *testing.T) {
	f := newMachineFixture(t)
	seeded := f.seedGrant(t, func(g *models.VisitorGrant) {
		g.State = models.GrantGranted
	})

	err := f.machine.CheckIn(context.Background(), seeded.ID)
	require.ErrorIs(t, err, apperrors.ErrInvalidTransition)
}

func TestClearCredential(t *testing.T) {
	f := newMachineFixture(t)
	seeded := f.seedGrant(t, func(g *models.VisitorGrant) {
		g.State = models.GrantExpired
		g.DeviceCredentialID = "hik-42"
	})

	require.NoError(t, f.machine.ClearCredential(context.Background(), seeded.ID))
	require.Empty(t, f.reload(t, seeded.ID).DeviceCredentialID)

	// Idempotent once the linkage is gone.
	require.NoError(t, f.machine.ClearCredential(context.Background(), seeded.ID))
}

func TestVersionConflictSurfacesAfterRetries(t *testing.T) {
	f := newMachineFixture(t)
	seeded := f.seedGrant(t)

	// A stale version must never win the compare-and-set.
	err := f.store.UpdateVersioned(context.Background(), seeded.ID, seeded.Version+10, map[string]any{
		"state": models.GrantCancelled,
	})
	require.ErrorIs(t, err, apperrors.ErrStateConflict)
	require.Equal(t, models.GrantAwaiting, f.reload(t, seeded.ID).State)
}
