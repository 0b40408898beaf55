package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	r "github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/you/mailq/internal/config"
)

// readyChannel is the pub/sub channel the subscriber handle sits on. Its
// only purpose is keeping the subscriber connection alive and probeable.
const readyChannel = "{mailq}:events"

const drainPollInterval = time.Second

type channelProbe struct {
	name string
	ping Pinger
}

// Connection owns the logical queue connection: the command client, a
// dedicated blocking-pop client, the pub/sub subscriber, and the default
// job policy. It exposes readiness, admission control and graceful close.
// All methods are safe for concurrent use; the connected flag is the only
// process-local mutable state and is written solely by CheckConnection.
type Connection struct {
	log    *zap.Logger
	prober Prober
	policy JobPolicy

	client   r.UniversalClient
	blocking r.UniversalClient
	pubsub   *r.PubSub

	channels    []channelProbe
	initialized bool
	connected   atomic.Bool

	// activeCount and drainPoll are swappable so drain behavior is
	// testable without a live broker.
	activeCount func(ctx context.Context) (int64, error)
	drainPoll   time.Duration
}

var (
	openOnce sync.Once
	openConn *Connection
)

// Open returns the process-wide Connection, dialing it on first use.
// Subsequent calls return the same instance without building a second
// broker client.
func Open(cfg config.Config, log *zap.Logger) *Connection {
	openOnce.Do(func() {
		openConn = Dial(cfg, log)
	})
	return openConn
}

// Dial builds a fresh Connection from configuration. Most callers want
// Open; Dial exists for composition roots that manage their own lifetime.
func Dial(cfg config.Config, log *zap.Logger) *Connection {
	c := &Connection{
		log: log,
		prober: Prober{
			Interval: cfg.ProbeInterval,
			Timeout:  cfg.ProbeTimeout,
		},
		policy: JobPolicy{
			Attempts:         cfg.MaxAttempts,
			Backoff:          cfg.RetryBackoff,
			RemoveOnComplete: true,
			RemoveOnFail:     true,
		},
	}
	c.SetClient(NewClient(cfg, log), NewClient(cfg, log))
	return c
}

// SetClient installs (or replaces) the underlying clients. Replacing the
// client always drops connected back to false until the next verification.
func (c *Connection) SetClient(client, blocking r.UniversalClient) {
	c.connected.Store(false)
	if c.pubsub != nil {
		_ = c.pubsub.Close()
	}
	c.client = client
	c.blocking = blocking
	c.pubsub = client.Subscribe(context.Background(), readyChannel)
	c.channels = []channelProbe{
		{name: "command", ping: clientPinger(client)},
		{name: "subscriber", ping: pubsubPinger(c.pubsub)},
		{name: "blocking", ping: clientPinger(blocking)},
	}
	c.initialized = true
	c.activeCount = func(ctx context.Context) (int64, error) {
		return client.SCard(ctx, activeKey).Result()
	}
}

// Client returns the command client handle.
func (c *Connection) Client() r.UniversalClient { return c.client }

// BlockingClient returns the handle reserved for blocking pops.
func (c *Connection) BlockingClient() r.UniversalClient { return c.blocking }

// Policy returns the default job policy fixed at construction.
func (c *Connection) Policy() JobPolicy { return c.policy }

// Connected is the last verified connection state. It reflects the most
// recent CheckConnection, not real time; readers must tolerate staleness.
func (c *Connection) Connected() bool { return c.connected.Load() }

// CheckReachable probes only the command channel. Lightweight liveness
// check for readiness endpoints; does not touch the connected flag.
func (c *Connection) CheckReachable(ctx context.Context) bool {
	if len(c.channels) == 0 {
		return false
	}
	return c.prober.Probe(ctx, c.initialized, c.channels[0].ping)
}

// CheckConnection probes the command, subscriber and blocking channels in
// parallel and requires all three ready. It is the sole writer of the
// connected flag and the authoritative health signal to consult before
// routing new work.
func (c *Connection) CheckConnection(ctx context.Context) bool {
	g, gctx := errgroup.WithContext(ctx)
	for _, ch := range c.channels {
		ch := ch
		g.Go(func() error {
			if !c.prober.Probe(gctx, c.initialized, ch.ping) {
				return errors.Errorf("%s channel not ready", ch.name)
			}
			return nil
		})
	}
	err := g.Wait()
	ready := err == nil
	if !ready {
		c.log.Error("redis connections not ready",
			zap.String("function", "CheckConnection"),
			zap.Error(err))
	}
	c.connected.Store(ready)
	return ready
}

// Pause asks the broker to stop dispatching new jobs to workers; jobs
// already in flight continue. Runs in the background; the returned channel
// delivers the outcome for callers that want to await it. Idempotent.
func (c *Connection) Pause(ctx context.Context) <-chan error {
	done := make(chan error, 1)
	go func() {
		defer close(done)
		err := c.client.Set(ctx, pausedKey, "1", 0).Err()
		if err != nil {
			c.log.Error("failed to pause queue",
				zap.String("function", "Pause"), zap.Error(err))
		} else {
			c.log.Info("stopped accepting new jobs",
				zap.String("function", "Pause"))
		}
		done <- err
	}()
	return done
}

// Resume reverses Pause. Same fire-and-forget shape.
func (c *Connection) Resume(ctx context.Context) <-chan error {
	done := make(chan error, 1)
	go func() {
		defer close(done)
		err := c.client.Del(ctx, pausedKey).Err()
		if err != nil {
			c.log.Error("failed to resume queue",
				zap.String("function", "Resume"), zap.Error(err))
		} else {
			c.log.Info("accepting new jobs again",
				zap.String("function", "Resume"))
		}
		done <- err
	}()
	return done
}

// Close shuts the connection down gracefully: it waits, with no local
// timeout, until the broker reports zero in-flight jobs, then releases
// every handle and marks the connection disconnected. Close failures are
// logged and returned, never escalated, since the process is tearing down
// regardless. onComplete, when non-nil, runs after the connection is
// released.
func (c *Connection) Close(ctx context.Context, onComplete func()) error {
	c.drainActive(ctx)

	var err error
	if c.pubsub != nil {
		err = multierr.Append(err, c.pubsub.Close())
	}
	if c.blocking != nil {
		err = multierr.Append(err, c.blocking.Close())
	}
	if c.client != nil {
		err = multierr.Append(err, c.client.Close())
	}
	c.connected.Store(false)

	if err != nil {
		c.log.Error("failed to close queue connection",
			zap.String("function", "Close"), zap.Error(err))
	} else {
		c.log.Info("disconnected", zap.String("function", "Close"))
	}
	if onComplete != nil {
		onComplete()
	}
	return err
}

// drainActive blocks until the active-job count reaches zero. A broker
// error during the wait ends it: the count can no longer be observed and
// holding shutdown hostage to a dead connection helps nobody.
func (c *Connection) drainActive(ctx context.Context) {
	poll := c.drainPoll
	if poll <= 0 {
		poll = drainPollInterval
	}
	for {
		n, err := c.activeCount(ctx)
		if err != nil {
			c.log.Warn("cannot observe active jobs, ending drain wait",
				zap.String("function", "Close"), zap.Error(err))
			return
		}
		if n == 0 {
			return
		}
		c.log.Info("waiting for in-flight jobs",
			zap.String("function", "Close"), zap.Int64("active", n))
		select {
		case <-ctx.Done():
			return
		case <-time.After(poll):
		}
	}
}

func clientPinger(client r.UniversalClient) Pinger {
	return func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}
}

func pubsubPinger(ps *r.PubSub) Pinger {
	return func(ctx context.Context) error {
		return ps.Ping(ctx)
	}
}
