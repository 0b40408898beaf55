package queue

import (
	"context"
	"time"
)

// Pinger is one round-trip on a broker channel. A nil error means the
// channel answered.
type Pinger func(ctx context.Context) error

// Prober decides whether a broker channel is usable. The client's internal
// channels initialize asynchronously after construction, so a grace period
// of repeated checks is required before any of them can be trusted.
type Prober struct {
	Interval time.Duration
	Timeout  time.Duration
}

const (
	defaultProbeInterval = time.Second
	defaultProbeTimeout  = 5 * time.Second
)

// Probe polls once per Interval, up to Timeout, and returns true as soon
// as the channel is initialized and answers a ping. A false result is a
// normal outcome meaning "not ready yet", never a failure; the wait is the
// only side effect.
func (p Prober) Probe(ctx context.Context, initialized bool, ping Pinger) bool {
	interval := p.Interval
	if interval <= 0 {
		interval = defaultProbeInterval
	}
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = defaultProbeTimeout
	}

	attempts := int(timeout / interval)
	if attempts < 1 {
		attempts = 1
	}

	for i := 0; i < attempts; i++ {
		if initialized && ping != nil && ping(ctx) == nil {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(interval):
		}
	}
	return false
}
