// Package scheduler runs the periodic sweeps of the sync engine: dispatching
// passes for due configurations and renewing webhook subscriptions before
// they lapse.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// Default sweep schedules.
const (
	DefaultSyncSpec  = "@every 1m"
	DefaultRenewSpec = "@every 1h"
)

// Sweeper is the part of the sync service the scheduler drives.
// Implemented by [sync.Service].
type Sweeper interface {
	SyncDue(ctx context.Context) (int, error)
	RenewExpiringWebhooks(ctx context.Context) (int, error)
}

// Options selects the cron specs of the two sweeps. Empty specs select the
// defaults.
type Options struct {
	SyncSpec  string
	RenewSpec string
}

// Scheduler owns a cron instance with one job per sweep.
type Scheduler struct {
	cron    *cron.Cron
	sweeper Sweeper
	opts    Options
	log     *slog.Logger
	ctx     context.Context
	cancel  context.CancelFunc
}

// New creates a Scheduler. Jobs are registered by [Scheduler.Start].
func New(sweeper Sweeper, opts Options, logger *slog.Logger) *Scheduler {
	if opts.SyncSpec == "" {
		opts.SyncSpec = DefaultSyncSpec
	}
	if opts.RenewSpec == "" {
		opts.RenewSpec = DefaultRenewSpec
	}
	cronLog := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelDebug))
	return &Scheduler{
		cron: cron.New(
			cron.WithLogger(cronLog),
			cron.WithChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog)),
		),
		sweeper: sweeper,
		opts:    opts,
		log:     logger,
	}
}

// Start registers both sweeps and starts the cron loop. Sweeps run with a
// context derived from ctx that is cancelled by [Scheduler.Stop].
func (s *Scheduler) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	if _, err := s.cron.AddFunc(s.opts.SyncSpec, func() { s.SweepDue(s.ctx) }); err != nil {
		s.cancel()
		return fmt.Errorf("scheduling sync sweep %q: %w", s.opts.SyncSpec, err)
	}
	if _, err := s.cron.AddFunc(s.opts.RenewSpec, func() { s.SweepWebhooks(s.ctx) }); err != nil {
		s.cancel()
		return fmt.Errorf("scheduling webhook renewal %q: %w", s.opts.RenewSpec, err)
	}

	s.cron.Start()
	s.log.Info("scheduler started", "sync", s.opts.SyncSpec, "renew", s.opts.RenewSpec)
	return nil
}

// Stop cancels running sweeps and waits for them to return.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	<-s.cron.Stop().Done()
	s.log.Info("scheduler stopped")
}

// SweepDue dispatches a pass for every due configuration.
func (s *Scheduler) SweepDue(ctx context.Context) {
	n, err := s.sweeper.SyncDue(ctx)
	if err != nil {
		s.log.Error("due sync sweep failed", "error", err)
		return
	}
	if n > 0 {
		s.log.Debug("due sync sweep", "dispatched", n)
	}
}

// SweepWebhooks renews the subscriptions close to expiry.
func (s *Scheduler) SweepWebhooks(ctx context.Context) {
	n, err := s.sweeper.RenewExpiringWebhooks(ctx)
	if err != nil {
		s.log.Warn("webhook renewal sweep had failures", "renewed", n, "error", err)
		return
	}
	if n > 0 {
		s.log.Info("webhook renewal sweep", "renewed", n)
	}
}
