// Package sweeper runs the periodic waitlist maintenance jobs on cron
// schedules: expiring lapsed offers, closing stale entries and dropping
// orphaned slot locks.
package sweeper

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Target is the part of the waitlist service the jobs drive.
type Target interface {
	ExpirePendingOffers(ctx context.Context) (int, error)
	ExpireStaleEntries(ctx context.Context) (int, error)
	SweepLocks(ctx context.Context) (int, error)
}

type Scheduler struct {
	cron    *cron.Cron
	target  Target
	log     *zap.Logger
	timeout time.Duration
	ctx     context.Context
}

// New builds a scheduler whose jobs run with ctx as parent and are cut off
// after timeout. Overlapping runs of the same job are skipped.
func New(ctx context.Context, target Target, log *zap.Logger, timeout time.Duration) *Scheduler {
	cl := cronLogger{log.Sugar()}
	return &Scheduler{
		cron: cron.New(cron.WithChain(
			cron.Recover(cl),
			cron.SkipIfStillRunning(cl),
		), cron.WithLogger(cl)),
		target:  target,
		log:     log,
		timeout: timeout,
		ctx:     ctx,
	}
}

// Register schedules the offer sweep (which also sweeps locks) and the
// stale entry sweep.
func (s *Scheduler) Register(offerSpec, entrySpec string) error {
	if _, err := s.cron.AddFunc(offerSpec, s.OfferJob); err != nil {
		return fmt.Errorf("schedule offer sweep %q: %w", offerSpec, err)
	}
	if _, err := s.cron.AddFunc(entrySpec, s.EntryJob); err != nil {
		return fmt.Errorf("schedule entry sweep %q: %w", entrySpec, err)
	}
	s.log.Info("sweeps scheduled", zap.String("offers", offerSpec), zap.String("entries", entrySpec))
	return nil
}

func (s *Scheduler) Start() { s.cron.Start() }

// Stop halts scheduling and waits for running jobs or ctx, whichever ends first.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		s.log.Warn("sweeper stop timed out with jobs still running")
	}
}

// RunOnce runs every job immediately, in order.
func (s *Scheduler) RunOnce() {
	s.OfferJob()
	s.EntryJob()
}

func (s *Scheduler) OfferJob() {
	s.run("expire_offers", s.target.ExpirePendingOffers)
	s.run("sweep_locks", s.target.SweepLocks)
}

func (s *Scheduler) EntryJob() {
	s.run("expire_entries", s.target.ExpireStaleEntries)
}

func (s *Scheduler) run(job string, fn func(context.Context) (int, error)) {
	ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
	defer cancel()

	start := time.Now()
	n, err := fn(ctx)
	if err != nil {
		s.log.Error("sweep failed", zap.String("job", job), zap.Int("processed", n), zap.Error(err))
		return
	}
	s.log.Info("sweep complete",
		zap.String("job", job),
		zap.Int("processed", n),
		zap.Duration("took", time.Since(start)),
	)
}

type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
