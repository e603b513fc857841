// Package app wires the configured backends and collaborators into a
// waitlist service. It is shared by the binaries under cmd/.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/daminiR/medspa-waitlist/internal/api"
	"github.com/daminiR/medspa-waitlist/internal/clock"
	"github.com/daminiR/medspa-waitlist/internal/config"
	"github.com/daminiR/medspa-waitlist/internal/db"
	"github.com/daminiR/medspa-waitlist/internal/integrations"
	redisclient "github.com/daminiR/medspa-waitlist/internal/redis"
	"github.com/daminiR/medspa-waitlist/internal/slotlock"
	"github.com/daminiR/medspa-waitlist/internal/waitlist"
)

type App struct {
	Service *waitlist.Service
	// PgPool and Redis are nil when the matching backend is not configured.
	PgPool *pgxpool.Pool
	Redis  *redis.Client

	log *zap.Logger
}

func Build(ctx context.Context, cfg config.Config, log *zap.Logger) (*App, error) {
	a := &App{log: log}
	c := clock.Real{}

	if cfg.StoreBackend == config.BackendPostgres || cfg.LockBackend == config.BackendPostgres {
		pgCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		pool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN, 10)
		cancel()
		if err != nil {
			return nil, err
		}
		a.PgPool = pool
		log.Info("connected to postgres")

		if cfg.AutoMigrate {
			if err := db.Migrate(ctx, pool); err != nil {
				a.Close()
				return nil, err
			}
			log.Info("schema applied")
		}
	}

	if cfg.LockBackend == config.BackendRedis {
		rdb, err := redisclient.Connect(ctx, redisclient.Options{
			Addr:     cfg.RedisAddr,
			Username: cfg.RedisUsername,
			Password: cfg.RedisPassword,
		})
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("redis connection: %w", err)
		}
		a.Redis = rdb
		log.Info("connected to redis", zap.String("addr", cfg.RedisAddr))
	}

	var repo waitlist.Repository
	switch cfg.StoreBackend {
	case config.BackendPostgres:
		repo = waitlist.NewPgRepository(a.PgPool)
	default:
		repo = waitlist.NewMemoryRepository()
	}

	var locker slotlock.Locker
	switch cfg.LockBackend {
	case config.BackendRedis:
		locker = redisclient.NewSlotLocker(a.Redis, c)
	case config.BackendPostgres:
		locker = slotlock.NewPgLocker(a.PgPool, c)
	default:
		locker = slotlock.NewMemoryLocker(c)
	}

	a.Service = waitlist.NewService(repo, locker, collaborators(cfg, c, log), cfg, log.Named("waitlist"))

	log.Info("waitlist service ready",
		zap.String("store", cfg.StoreBackend),
		zap.String("locks", cfg.LockBackend),
	)
	return a, nil
}

func collaborators(cfg config.Config, c clock.Clock, log *zap.Logger) waitlist.Collaborators {
	collab := waitlist.Collaborators{Clock: c}

	if cfg.HistoryAPIURL != "" {
		collab.History = integrations.NewHistoryClient(cfg.HistoryAPIURL, log.Named("history"))
	} else {
		collab.History = integrations.StaticHistory{}
	}

	if cfg.BookingAPIURL != "" {
		collab.Booker = integrations.NewBookingClient(cfg.BookingAPIURL, log.Named("booking"))
	} else {
		log.Warn("BOOKING_API_URL not set, appointments are recorded in memory only")
		collab.Booker = integrations.NewLocalBooker(c, log.Named("booking"))
	}

	if cfg.MessagingAPIURL != "" {
		collab.Messenger = integrations.NewWebhookMessenger(cfg.MessagingAPIURL, cfg.MessagingAPIKey, log.Named("messaging"))
	} else {
		collab.Messenger = integrations.NewLogMessenger(log.Named("messaging"))
	}
	return collab
}

// HealthChecks lists a readiness probe for every backend in use.
func (a *App) HealthChecks() []api.DependencyCheck {
	var checks []api.DependencyCheck
	if a.PgPool != nil {
		checks = append(checks, api.PostgresCheck(a.PgPool))
	}
	if a.Redis != nil {
		checks = append(checks, api.RedisCheck(a.Redis, true))
	}
	return checks
}

func (a *App) Close() {
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			a.log.Warn("error closing redis", zap.Error(err))
		}
	}
	if a.PgPool != nil {
		a.PgPool.Close()
	}
}
