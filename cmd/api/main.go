package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/you/mailq/internal/api"
	"github.com/you/mailq/internal/config"
	"github.com/you/mailq/internal/queue"
	"github.com/you/mailq/internal/service"
	"github.com/you/mailq/internal/storage"
)

func main() {
	cfg := config.Load()
	log := newLogger(cfg)
	defer log.Sync()

	ctx := context.Background()

	if err := storage.Migrate(cfg.PostgresDSN, "migrations"); err != nil {
		log.Fatal("migrations failed", zap.Error(err))
	}
	db, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal("cannot open postgres pool", zap.Error(err))
	}
	defer db.Close()

	conn := queue.Open(cfg, log)
	if !conn.CheckConnection(ctx) {
		// Not fatal: the client reconnects on its own and health checks
		// keep reporting until it does.
		log.Warn("queue connection not ready at startup")
	}

	broker := queue.NewStore(conn.Client(), conn.BlockingClient(), conn.Policy())
	mirror := storage.New(db)
	svc := service.New(broker, conn, mirror, log)
	server := api.NewServer(svc, conn, log)

	srv := &http.Server{Addr: cfg.APIAddr, Handler: server.Router()}
	go func() {
		log.Info("api listening", zap.String("addr", cfg.APIAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("server failed", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Info("shutting down")
	if err := srv.Shutdown(ctx); err != nil {
		log.Error("server shutdown failed", zap.Error(err))
	}
	conn.Close(ctx, func() {
		log.Info("queue connection released")
	})
}

func newLogger(cfg config.Config) *zap.Logger {
	var (
		log *zap.Logger
		err error
	)
	if cfg.AppEnv == "production" {
		log, err = zap.NewProduction()
	} else {
		log, err = zap.NewDevelopment()
	}
	if err != nil {
		panic(err)
	}
	return log
}
