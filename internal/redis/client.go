package redisclient

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type Options struct {
	Addr     string
	Username string
	Password string
	DB       int
	// PoolSize defaults to 10.
	PoolSize int
}

var lockScripts = []*redis.Script{acquireScript, transferScript, unlockScript}

// Connect opens a client for the slot lock backend and preloads the lock
// scripts so the first offer does not pay for SCRIPT LOAD.
func Connect(ctx context.Context, opts Options) (*redis.Client, error) {
	if opts.PoolSize <= 0 {
		opts.PoolSize = 10
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Username:     opts.Username,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     opts.PoolSize,
		MinIdleConns: 1,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis %s: %w", opts.Addr, err)
	}
	for _, s := range lockScripts {
		if err := s.Load(pingCtx, rdb).Err(); err != nil {
			_ = rdb.Close()
			return nil, fmt.Errorf("load lock script: %w", err)
		}
	}
	return rdb, nil
}
