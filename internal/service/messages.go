package service

import (
	"context"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/you/mailq/internal/domain"
)

// Broker is the slice of the queue store the service consumes.
type Broker interface {
	Enqueue(ctx context.Context, j *domain.Job) error
	GetJob(ctx context.Context, id string) (*domain.Job, error)
	JobsForOwner(ctx context.Context, owner string) ([]*domain.Job, error)
	Cancel(ctx context.Context, owner, id string) error
}

// Health is the connection state the service consults before mutating.
type Health interface {
	Connected() bool
	CheckConnection(ctx context.Context) bool
}

// Mirror is the durable metadata store. The broker purges finished jobs;
// the mirror keeps their final state queryable. Mirror writes are
// best-effort and never block the broker path.
type Mirror interface {
	InsertJob(ctx context.Context, j *domain.Job) error
	MarkStatus(ctx context.Context, id string, status domain.Status, lastError string) error
	GetJob(ctx context.Context, id string) (*domain.Job, error)
}

// Messages schedules deliveries and services filtered cancellation queries
// against one owner's slice of the job set.
type Messages struct {
	broker Broker
	health Health
	mirror Mirror
	log    *zap.Logger
}

func New(broker Broker, health Health, mirror Mirror, log *zap.Logger) *Messages {
	return &Messages{broker: broker, health: health, mirror: mirror, log: log}
}

// Enqueue validates and schedules one delivery, returning the created job.
func (m *Messages) Enqueue(ctx context.Context, owner string, msg *domain.Message) (*domain.Job, error) {
	if owner == "" {
		return nil, errors.New("owner is required")
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	if err := m.ensureConnected(ctx); err != nil {
		return nil, err
	}

	if msg.TxID == "" {
		msg.TxID = uuid.NewString()
	}
	payload, err := msg.Marshal()
	if err != nil {
		return nil, err
	}

	j := &domain.Job{
		ID:         uuid.NewString(),
		Owner:      owner,
		Tag:        msg.Tag,
		TxID:       msg.TxID,
		Payload:    payload,
		DelayUntil: msg.DelayUntil,
	}
	if err := m.broker.Enqueue(ctx, j); err != nil {
		return nil, errors.Wrap(err, "schedule delivery")
	}
	m.mirrorInsert(ctx, j)
	return j, nil
}

// FindAndCancel requests cancellation of every job owned by owner that
// matches the filter. Jobs already terminal, or active under a worker, are
// silently skipped: the filter is advisory, not an assertion that matches
// exist. The call acknowledges that cancellation was requested, not that
// every job has transitioned by the time it returns.
func (m *Messages) FindAndCancel(ctx context.Context, owner string, f domain.Filter) error {
	if owner == "" {
		return errors.New("owner is required")
	}
	if err := m.ensureConnected(ctx); err != nil {
		return err
	}

	jobs, err := m.broker.JobsForOwner(ctx, owner)
	if err != nil {
		return errors.Wrap(err, "enumerate jobs")
	}

	var errs error
	for _, j := range jobs {
		if !f.Matches(j) || !j.Status.Cancellable() {
			continue
		}
		err := m.broker.Cancel(ctx, owner, j.ID)
		switch {
		case err == nil:
			m.mirrorStatus(ctx, j.ID, domain.Cancelled, "")
		case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrInvalidState):
			// Lost the race against the broker's own worker; best-effort
			// cancellation skips it.
		default:
			errs = multierr.Append(errs, errors.Wrapf(err, "cancel %s", j.ID))
		}
	}
	return errs
}

// CancelOne cancels exactly one job by id. A missing job and a job owned
// by another party both come back as domain.ErrNotFound; a terminal or
// in-flight job comes back as domain.ErrInvalidState. The ownership check
// happens before any state mutation.
func (m *Messages) CancelOne(ctx context.Context, owner, id string) error {
	if owner == "" {
		return errors.New("owner is required")
	}
	if err := m.ensureConnected(ctx); err != nil {
		return err
	}

	j, err := m.broker.GetJob(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.ErrNotFound
		}
		return errors.Wrap(err, "look up job")
	}
	if j.Owner != owner {
		return domain.ErrNotFound
	}
	if !j.Status.Cancellable() {
		return errors.Wrapf(domain.ErrInvalidState, "status %s", j.Status)
	}

	if err := m.broker.Cancel(ctx, owner, id); err != nil {
		// The atomic transition is authoritative; the pre-read can lose
		// the race to a worker pickup or purge.
		if errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrInvalidState) {
			return err
		}
		return errors.Wrap(err, "cancel job")
	}
	m.mirrorStatus(ctx, id, domain.Cancelled, "")
	return nil
}

// Status reports one job's state, consulting the durable mirror when the
// broker has already purged the record.
func (m *Messages) Status(ctx context.Context, owner, id string) (*domain.Job, error) {
	if owner == "" {
		return nil, errors.New("owner is required")
	}
	j, err := m.broker.GetJob(ctx, id)
	if errors.Is(err, domain.ErrNotFound) && m.mirror != nil {
		j, err = m.mirror.GetJob(ctx, id)
	}
	if err != nil {
		return nil, err
	}
	if j.Owner != owner {
		return nil, domain.ErrNotFound
	}
	return j, nil
}

// ensureConnected fails fast when the broker connection has not been
// verified, probing once more before giving up.
func (m *Messages) ensureConnected(ctx context.Context) error {
	if m.health == nil || m.health.Connected() || m.health.CheckConnection(ctx) {
		return nil
	}
	return domain.ErrConnectionUnavailable
}

func (m *Messages) mirrorInsert(ctx context.Context, j *domain.Job) {
	if m.mirror == nil {
		return
	}
	if err := m.mirror.InsertJob(ctx, j); err != nil {
		m.log.Warn("failed to mirror job record",
			zap.String("function", "Enqueue"),
			zap.String("msgId", j.ID),
			zap.Error(err))
	}
}

func (m *Messages) mirrorStatus(ctx context.Context, id string, status domain.Status, lastError string) {
	if m.mirror == nil {
		return
	}
	if err := m.mirror.MarkStatus(ctx, id, status, lastError); err != nil {
		m.log.Warn("failed to mirror status transition",
			zap.String("function", "mirrorStatus"),
			zap.String("msgId", id),
			zap.Error(err))
	}
}
