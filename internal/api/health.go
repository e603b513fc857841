package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

// DependencyCheck probes one backend for readiness. A failing critical check
// makes the service unready; any other failure only degrades it.
type DependencyCheck struct {
	Name     string
	Critical bool
	Ping     func(ctx context.Context) error
}

func PostgresCheck(pool *pgxpool.Pool) DependencyCheck {
	return DependencyCheck{Name: "postgres", Critical: true, Ping: pool.Ping}
}

// RedisCheck is critical when redis holds the slot locks.
func RedisCheck(rdb *redis.Client, critical bool) DependencyCheck {
	return DependencyCheck{
		Name:     "redis",
		Critical: critical,
		Ping:     func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
	}
}

type HealthHandler struct {
	checks  []DependencyCheck
	env     string
	version string
}

func NewHealthHandler(checks []DependencyCheck, env, version string) *HealthHandler {
	return &HealthHandler{checks: checks, env: env, version: version}
}

type LivenessResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
	Env     string `json:"env,omitempty"`
}

type ReadinessResponse struct {
	Status       string            `json:"status"`
	Version      string            `json:"version,omitempty"`
	Env          string            `json:"env,omitempty"`
	Dependencies map[string]string `json:"dependencies"`
}

func (h *HealthHandler) Liveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, LivenessResponse{
		Status:  "ok",
		Version: h.version,
		Env:     h.env,
	})
}

func (h *HealthHandler) Readiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	type result struct {
		check DependencyCheck
		err   error
	}
	results := make([]result, len(h.checks))

	var wg sync.WaitGroup
	for i, c := range h.checks {
		wg.Add(1)
		go func(i int, c DependencyCheck) {
			defer wg.Done()
			pingCtx, pingCancel := context.WithTimeout(ctx, time.Second)
			defer pingCancel()
			results[i] = result{check: c, err: c.Ping(pingCtx)}
		}(i, c)
	}
	wg.Wait()

	deps := make(map[string]string, len(results))
	status := "ok"
	for _, res := range results {
		if res.err == nil {
			deps[res.check.Name] = "ok"
			continue
		}
		deps[res.check.Name] = "down"
		switch {
		case res.check.Critical:
			status = "error"
		case status == "ok":
			status = "degraded"
		}
	}

	httpStatus := http.StatusOK
	if status == "error" {
		httpStatus = http.StatusServiceUnavailable
	}

	writeJSON(w, httpStatus, ReadinessResponse{
		Status:       status,
		Version:      h.version,
		Env:          h.env,
		Dependencies: deps,
	})
}
