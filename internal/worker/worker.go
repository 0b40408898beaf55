package worker

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/you/mailq/internal/delivery"
	"github.com/you/mailq/internal/domain"
)

// Broker is the slice of the queue store the worker consumes.
type Broker interface {
	MoveDue(ctx context.Context, now int64, batch int64) error
	IsPaused(ctx context.Context) (bool, error)
	PopReady(ctx context.Context, block time.Duration) (*domain.Job, error)
	Complete(ctx context.Context, id string) error
	Fail(ctx context.Context, id string, reason string) error
}

// Mirror records terminal transitions durably; may be nil.
type Mirror interface {
	MarkStatus(ctx context.Context, id string, status domain.Status, lastError string) error
}

// Runner pulls ready jobs and hands them to the delivery transport. It
// honors the broker-side pause flag before dispatching new work and
// drains in-flight sends before returning.
type Runner struct {
	broker      Broker
	sender      delivery.Sender
	mirror      Mirror
	log         *zap.Logger
	concurrency int

	// Tunables fixed for production, shortened in tests.
	tick      time.Duration
	popBlock  time.Duration
	pauseWait time.Duration
}

func NewRunner(broker Broker, sender delivery.Sender, mirror Mirror, concurrency int, log *zap.Logger) *Runner {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Runner{
		broker:      broker,
		sender:      sender,
		mirror:      mirror,
		log:         log,
		concurrency: concurrency,
		tick:        time.Second,
		popBlock:    time.Second,
		pauseWait:   time.Second,
	}
}

// Run blocks until ctx is cancelled. The mover promotes due delayed jobs
// once per tick; executors pop and deliver. All executors finish their
// current job before Run returns.
func (r *Runner) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return r.move(gctx) })
	for i := 0; i < r.concurrency; i++ {
		g.Go(func() error { return r.execute(gctx) })
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (r *Runner) move(ctx context.Context) error {
	tick := time.NewTicker(r.tick)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
			if err := r.broker.MoveDue(ctx, time.Now().UTC().Unix(), 200); err != nil {
				r.log.Warn("failed to promote due jobs",
					zap.String("function", "move"), zap.Error(err))
			}
		}
	}
}

func (r *Runner) execute(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		paused, err := r.broker.IsPaused(ctx)
		if err != nil {
			r.log.Warn("cannot read pause flag",
				zap.String("function", "execute"), zap.Error(err))
		}
		if paused {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(r.pauseWait):
			}
			continue
		}

		j, err := r.broker.PopReady(ctx, r.popBlock)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.log.Warn("failed to pop job",
				zap.String("function", "execute"), zap.Error(err))
			continue
		}
		if j == nil {
			continue
		}

		// The job is in flight now; finish it even if shutdown begins.
		r.deliver(context.WithoutCancel(ctx), j)
	}
}

func (r *Runner) deliver(ctx context.Context, j *domain.Job) {
	msg, err := domain.UnmarshalMessage(j.Payload)
	if err != nil {
		r.finishFail(ctx, j, err)
		return
	}
	if err := r.sender.Send(ctx, msg); err != nil {
		r.finishFail(ctx, j, err)
		return
	}

	if err := r.broker.Complete(ctx, j.ID); err != nil {
		r.log.Error("failed to complete job",
			zap.String("function", "deliver"),
			zap.String("msgId", j.ID),
			zap.Error(err))
		return
	}
	if r.mirror != nil {
		if err := r.mirror.MarkStatus(ctx, j.ID, domain.Completed, ""); err != nil {
			r.log.Warn("failed to mirror completion",
				zap.String("function", "deliver"),
				zap.String("msgId", j.ID),
				zap.Error(err))
		}
	}
	r.log.Info("delivered",
		zap.String("function", "deliver"),
		zap.String("msgId", j.ID))
}

func (r *Runner) finishFail(ctx context.Context, j *domain.Job, cause error) {
	r.log.Warn("delivery failed",
		zap.String("function", "deliver"),
		zap.String("msgId", j.ID),
		zap.Int("attempt", j.Attempt+1),
		zap.Error(cause))
	if err := r.broker.Fail(ctx, j.ID, cause.Error()); err != nil {
		r.log.Error("failed to record job failure",
			zap.String("function", "deliver"),
			zap.String("msgId", j.ID),
			zap.Error(err))
		return
	}
	// Only the final attempt is terminal; the mirror tracks it once the
	// broker stops retrying.
	if j.Attempt+1 >= j.MaxAttempts && r.mirror != nil {
		if err := r.mirror.MarkStatus(ctx, j.ID, domain.Failed, cause.Error()); err != nil {
			r.log.Warn("failed to mirror failure",
				zap.String("function", "deliver"),
				zap.String("msgId", j.ID),
				zap.Error(err))
		}
	}
}
