package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/daminiR/medspa-waitlist/internal/app"
	"github.com/daminiR/medspa-waitlist/internal/config"
	"github.com/daminiR/medspa-waitlist/internal/logger"
	"github.com/daminiR/medspa-waitlist/internal/sweeper"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		os.Stderr.WriteString("config load error: " + err.Error() + "\n")
		os.Exit(1)
	}

	log, err := logger.New(cfg.LogLevel, cfg.LogFormat, "waitlist-expiry-worker")
	if err != nil {
		os.Stderr.WriteString("logger init error: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if cfg.StoreBackend == config.BackendMemory {
		log.Fatal("expiry-worker needs STORE_BACKEND=postgres; the memory store is swept inside api-server")
	}

	log.Info("expiry-worker starting up",
		zap.String("env", cfg.Env),
		zap.String("offer_schedule", cfg.OfferSweepSchedule),
		zap.String("entry_schedule", cfg.EntrySweepSchedule),
	)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(rootCtx, cfg, log)
	if err != nil {
		log.Fatal("startup failed", zap.Error(err))
	}
	defer a.Close()

	sched := sweeper.New(rootCtx, a.Service, log.Named("sweeper"), 30*time.Second)
	if err := sched.Register(cfg.OfferSweepSchedule, cfg.EntrySweepSchedule); err != nil {
		log.Fatal("sweeper setup failed", zap.Error(err))
	}

	// Catch up on anything that lapsed while the worker was down.
	sched.RunOnce()
	sched.Start()

	<-rootCtx.Done()
	log.Info("shutdown signal received, stopping expiry worker")

	stopCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	sched.Stop(stopCtx)
}
