package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/daminiR/medspa-waitlist/internal/api"
	"github.com/daminiR/medspa-waitlist/internal/app"
	"github.com/daminiR/medspa-waitlist/internal/config"
	"github.com/daminiR/medspa-waitlist/internal/logger"
	"github.com/daminiR/medspa-waitlist/internal/sweeper"
)

var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		os.Stderr.WriteString("config load error: " + err.Error() + "\n")
		os.Exit(1)
	}

	log, err := logger.New(cfg.LogLevel, cfg.LogFormat, "waitlist-api")
	if err != nil {
		os.Stderr.WriteString("logger init error: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	log.Info("api-server starting up",
		zap.String("env", cfg.Env),
		zap.String("http_port", cfg.HTTPPort),
		zap.String("version", version),
	)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(rootCtx, cfg, log)
	if err != nil {
		log.Fatal("startup failed", zap.Error(err))
	}
	defer a.Close()

	// The memory store is invisible to a separate worker process.
	var sched *sweeper.Scheduler
	if cfg.SweepInProcess || cfg.StoreBackend == config.BackendMemory {
		sched = sweeper.New(rootCtx, a.Service, log.Named("sweeper"), 30*time.Second)
		if err := sched.Register(cfg.OfferSweepSchedule, cfg.EntrySweepSchedule); err != nil {
			log.Fatal("sweeper setup failed", zap.Error(err))
		}
		sched.Start()
	}

	router := api.NewRouter(api.RouterConfig{
		Service:  a.Service,
		Logger:   log.Named("http"),
		Location: cfg.Location(),
		Checks:   a.HealthChecks(),
		Env:      cfg.Env,
		Version:  version,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("http server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutting down api-server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown error", zap.Error(err))
	}
	if sched != nil {
		sched.Stop(shutdownCtx)
	}
	log.Info("api-server stopped")
}
