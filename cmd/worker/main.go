package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/you/mailq/internal/config"
	"github.com/you/mailq/internal/delivery"
	"github.com/you/mailq/internal/queue"
	"github.com/you/mailq/internal/storage"
	"github.com/you/mailq/internal/worker"
)

func main() {
	cfg := config.Load()
	log := newLogger(cfg)
	defer log.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal("cannot open postgres pool", zap.Error(err))
	}
	defer db.Close()

	conn := queue.Open(cfg, log)
	if !conn.CheckConnection(ctx) {
		log.Warn("queue connection not ready at startup")
	}

	broker := queue.NewStore(conn.Client(), conn.BlockingClient(), conn.Policy())
	sender := delivery.NewSMTPSender(cfg.SMTPHost, cfg.SMTPPort)
	runner := worker.NewRunner(broker, sender, storage.New(db), cfg.WorkerConcurrency, log)

	go func() {
		stop := make(chan os.Signal, 1)
		signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
		<-stop
		log.Info("shutting down")
		cancel()
	}()

	if err := runner.Run(ctx); err != nil {
		log.Error("worker stopped with error", zap.Error(err))
	}
	conn.Close(context.Background(), func() {
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
