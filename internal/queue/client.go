package queue

import (
	"context"
	"net"
	"strings"
	"time"

	r "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/you/mailq/internal/config"
)

// Commands retry with backoff until the connection returns instead of
// failing fast on the first broken pipe.
const maxCommandRetries = 32

// NewClient builds a broker client from configuration: a cluster client
// seeded with the configured node list when cluster mode is on, a single
// node client otherwise. The connection opens lazily; readiness is the
// owning Connection's concern (see Prober), not the client's.
func NewClient(cfg config.Config, log *zap.Logger) r.UniversalClient {
	onConnect := func(ctx context.Context, cn *r.Conn) error {
		log.Debug("redis connected", zap.String("function", "NewClient"))
		return nil
	}

	var client r.UniversalClient
	if cfg.RedisClusterMode {
		client = r.NewClusterClient(&r.ClusterOptions{
			Addrs:           strings.Split(cfg.RedisAddr, ","),
			Password:        cfg.RedisPassword,
			MaxRetries:      maxCommandRetries,
			MinRetryBackoff: 100 * time.Millisecond,
			MaxRetryBackoff: 2 * time.Second,
			OnConnect:       onConnect,
		})
	} else {
		client = r.NewClient(&r.Options{
			Addr:            cfg.RedisAddr,
			Password:        cfg.RedisPassword,
			MaxRetries:      maxCommandRetries,
			MinRetryBackoff: 100 * time.Millisecond,
			MaxRetryBackoff: 2 * time.Second,
			OnConnect:       onConnect,
		})
	}

	client.AddHook(&logHook{log: log})
	return client
}

// logHook reports dial attempts and command failures. Informational only,
// never affects control flow.
type logHook struct {
	log *zap.Logger
}

func (h *logHook) DialHook(next r.DialHook) r.DialHook {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		conn, err := next(ctx, network, addr)
		if err != nil {
			h.log.Warn("redis reconnecting",
				zap.String("function", "DialHook"),
				zap.String("addr", addr),
				zap.Error(err))
			return nil, err
		}
		h.log.Debug("redis ready",
			zap.String("function", "DialHook"),
			zap.String("addr", addr))
		return conn, nil
	}
}

func (h *logHook) ProcessHook(next r.ProcessHook) r.ProcessHook {
	return func(ctx context.Context, cmd r.Cmder) error {
		err := next(ctx, cmd)
		// READONLY means a replica took writes during failover; the client
		// re-routes and reconnects on its own, we only surface it.
		if err != nil && strings.Contains(strings.ToUpper(err.Error()), "READONLY") {
			h.log.Warn("redis read-only error, reconnect pending",
				zap.String("function", "ProcessHook"),
				zap.Error(err))
		}
		return err
	}
}

func (h *logHook) ProcessPipelineHook(next r.ProcessPipelineHook) r.ProcessPipelineHook {
	return func(ctx context.Context, cmds []r.Cmder) error {
		return next(ctx, cmds)
	}
}
