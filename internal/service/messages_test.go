package service

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/you/mailq/internal/domain"
)

// fakeBroker mimics the broker's atomic cancellation semantics in memory.
type fakeBroker struct {
	jobs map[string]*domain.Job
}

func newFakeBroker(jobs ...*domain.Job) *fakeBroker {
	f := &fakeBroker{jobs: map[string]*domain.Job{}}
	for _, j := range jobs {
		f.jobs[j.ID] = j
	}
	return f
}

func (f *fakeBroker) Enqueue(_ context.Context, j *domain.Job) error {
	if j.DelayUntil.After(time.Now()) {
		j.Status = domain.Delayed
	} else {
		j.Status = domain.Waiting
	}
	f.jobs[j.ID] = j
	return nil
}

func (f *fakeBroker) GetJob(_ context.Context, id string) (*domain.Job, error) {
	j, ok := f.jobs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (f *fakeBroker) JobsForOwner(_ context.Context, owner string) ([]*domain.Job, error) {
	var out []*domain.Job
	for _, j := range f.jobs {
		if j.Owner == owner {
			cp := *j
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeBroker) Cancel(_ context.Context, owner, id string) error {
	j, ok := f.jobs[id]
	if !ok || j.Owner != owner {
		return domain.ErrNotFound
	}
	if !j.Status.Cancellable() {
		return errors.Wrapf(domain.ErrInvalidState, "status %s", j.Status)
	}
	j.Status = domain.Cancelled
	return nil
}

type fakeHealth struct{ connected bool }

func (f *fakeHealth) Connected() bool                      { return f.connected }
func (f *fakeHealth) CheckConnection(context.Context) bool { return f.connected }

type fakeMirror struct {
	inserted []string
	statuses map[string]domain.Status
	jobs     map[string]*domain.Job
}

func newFakeMirror() *fakeMirror {
	return &fakeMirror{statuses: map[string]domain.Status{}, jobs: map[string]*domain.Job{}}
}

func (f *fakeMirror) InsertJob(_ context.Context, j *domain.Job) error {
	f.inserted = append(f.inserted, j.ID)
	return nil
}

func (f *fakeMirror) MarkStatus(_ context.Context, id string, status domain.Status, _ string) error {
	f.statuses[id] = status
	return nil
}

func (f *fakeMirror) GetJob(_ context.Context, id string) (*domain.Job, error) {
	j, ok := f.jobs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return j, nil
}

func job(id, owner, tag string, status domain.Status) *domain.Job {
	return &domain.Job{ID: id, Owner: owner, Tag: tag, TxID: "tx-" + id, Status: status}
}

func newService(b Broker) (*Messages, *fakeMirror) {
	m := newFakeMirror()
	return New(b, &fakeHealth{connected: true}, m, zap.NewNop()), m
}

func TestCancelOne_OwnerIsolation(t *testing.T) {
	broker := newFakeBroker(job("j1", "API-2", "", domain.Delayed))
	svc, _ := newService(broker)

	// Same failure whether the job belongs to someone else or does not
	// exist at all.
	err := svc.CancelOne(context.Background(), "API-1", "j1")
	require.ErrorIs(t, err, domain.ErrNotFound)

	err = svc.CancelOne(context.Background(), "API-1", "no-such-job")
	require.ErrorIs(t, err, domain.ErrNotFound)

	assert.Equal(t, domain.Delayed, broker.jobs["j1"].Status)
}

func TestCancelOne_TerminalJobRejectedUnchanged(t *testing.T) {
	broker := newFakeBroker(job("j1", "API-1", "", domain.Completed))
	svc, mirror := newService(broker)

	err := svc.CancelOne(context.Background(), "API-1", "j1")
	require.ErrorIs(t, err, domain.ErrInvalidState)
	assert.Equal(t, domain.Completed, broker.jobs["j1"].Status)
	assert.Empty(t, mirror.statuses)
}

func TestCancelOne_ActiveJobNotPreempted(t *testing.T) {
	broker := newFakeBroker(job("j1", "API-1", "", domain.Active))
	svc, _ := newService(broker)

	err := svc.CancelOne(context.Background(), "API-1", "j1")
	require.ErrorIs(t, err, domain.ErrInvalidState)
	assert.Equal(t, domain.Active, broker.jobs["j1"].Status)
}

func TestCancelOne_DelayedJobCancelled(t *testing.T) {
	broker := newFakeBroker(job("j1", "API-1", "", domain.Delayed))
	svc, mirror := newService(broker)

	require.NoError(t, svc.CancelOne(context.Background(), "API-1", "j1"))
	assert.Equal(t, domain.Cancelled, broker.jobs["j1"].Status)
	assert.Equal(t, domain.Cancelled, mirror.statuses["j1"])
}

func TestCancelOne_FailsFastWhenDisconnected(t *testing.T) {
	broker := newFakeBroker(job("j1", "API-1", "", domain.Delayed))
	svc := New(broker, &fakeHealth{connected: false}, newFakeMirror(), zap.NewNop())

	err := svc.CancelOne(context.Background(), "API-1", "j1")
	require.ErrorIs(t, err, domain.ErrConnectionUnavailable)
	assert.Equal(t, domain.Delayed, broker.jobs["j1"].Status)
}

func TestFindAndCancel_StatusFilterScopedToOwner(t *testing.T) {
	broker := newFakeBroker(
		job("j1", "API-1", "", domain.Delayed),
		job("j2", "API-1", "", domain.Delayed),
		job("j3", "API-1", "", domain.Waiting),
		job("j4", "API-2", "", domain.Delayed),
	)
	svc, _ := newService(broker)

	err := svc.FindAndCancel(context.Background(), "API-1", domain.Filter{Status: domain.Delayed})
	require.NoError(t, err)

	assert.Equal(t, domain.Cancelled, broker.jobs["j1"].Status)
	assert.Equal(t, domain.Cancelled, broker.jobs["j2"].Status)
	assert.Equal(t, domain.Waiting, broker.jobs["j3"].Status)
	assert.Equal(t, domain.Delayed, broker.jobs["j4"].Status)
}

func TestFindAndCancel_TagFilterSkipsActiveAndTerminal(t *testing.T) {
	broker := newFakeBroker(
		job("j1", "API-1", "batchA", domain.Delayed),
		job("j2", "API-1", "batchA", domain.Active),
		job("j3", "API-1", "batchA", domain.Completed),
	)
	svc, _ := newService(broker)

	err := svc.FindAndCancel(context.Background(), "API-1", domain.Filter{Tag: "batchA"})
	require.NoError(t, err)

	assert.Equal(t, domain.Cancelled, broker.jobs["j1"].Status)
	assert.Equal(t, domain.Active, broker.jobs["j2"].Status)
	assert.Equal(t, domain.Completed, broker.jobs["j3"].Status)
}

func TestFindAndCancel_RequiresOwner(t *testing.T) {
	svc, _ := newService(newFakeBroker())
	require.Error(t, svc.FindAndCancel(context.Background(), "", domain.Filter{}))
}

func TestFindAndCancel_AbsorbsRaceLosses(t *testing.T) {
	broker := newFakeBroker(job("j1", "API-1", "", domain.Delayed))
	svc, _ := newService(&racingBroker{fakeBroker: broker})

	// The job flips to active between enumeration and cancellation; the
	// bulk path treats the lost race as a skip, not an error.
	require.NoError(t, svc.FindAndCancel(context.Background(), "API-1", domain.Filter{}))
	assert.Equal(t, domain.Active, broker.jobs["j1"].Status)
}

// racingBroker simulates a worker picking the job up between enumeration
// and the cancel attempt.
type racingBroker struct {
	*fakeBroker
}

func (r *racingBroker) Cancel(ctx context.Context, owner, id string) error {
	if j, ok := r.jobs[id]; ok {
		j.Status = domain.Active
	}
	return r.fakeBroker.Cancel(ctx, owner, id)
}

func TestEnqueue_AssignsIDAndTxID(t *testing.T) {
	broker := newFakeBroker()
	svc, mirror := newService(broker)

	j, err := svc.Enqueue(context.Background(), "API-1", &domain.Message{
		From:       "noreply@example.com",
		Recipients: []string{"a@example.com"},
		Subject:    "hello",
		BodyText:   "hi",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, j.ID)
	assert.NotEmpty(t, j.TxID)
	assert.Equal(t, domain.Waiting, j.Status)
	assert.Equal(t, []string{j.ID}, mirror.inserted)
}

func TestEnqueue_FutureDeliveryIsDelayed(t *testing.T) {
	broker := newFakeBroker()
	svc, _ := newService(broker)

	j, err := svc.Enqueue(context.Background(), "API-1", &domain.Message{
		From:       "noreply@example.com",
		Recipients: []string{"a@example.com"},
		BodyText:   "hi",
		DelayUntil: time.Now().Add(time.Hour),
	})
	require.NoError(t, err)
	assert.Equal(t, domain.Delayed, j.Status)
}

func TestEnqueue_RejectsInvalidMessage(t *testing.T) {
	svc, mirror := newService(newFakeBroker())

	_, err := svc.Enqueue(context.Background(), "API-1", &domain.Message{From: "x@example.com"})
	require.Error(t, err)
	assert.Empty(t, mirror.inserted)
}

func TestStatus_FallsBackToMirrorAfterPurge(t *testing.T) {
	svc, mirror := newService(newFakeBroker())
	mirror.jobs["j1"] = job("j1", "API-1", "", domain.Completed)

	j, err := svc.Status(context.Background(), "API-1", "j1")
	require.NoError(t, err)
	assert.Equal(t, domain.Completed, j.Status)

	_, err = svc.Status(context.Background(), "API-2", "j1")
	require.ErrorIs(t, err, domain.ErrNotFound)
}
