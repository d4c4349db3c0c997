// Package reconcile runs the periodic credential-maintenance job: expire,
// refresh, revalidate.
package reconcile

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cardeahq/cardea/internal/provider"
)

// Config for the scheduler. Windows default to values suitable for
// hour-scale credential lifetimes.
type Config struct {
	// Interval between runs.
	Interval time.Duration

	// RefreshWindow is how far ahead of expiry a passport or visa triggers
	// a refresh.
	RefreshWindow time.Duration

	// ValidationWindow is how stale an access_token visa's lastValidated
	// may get before a live check.
	ValidationWindow time.Duration

	// RunTimeout bounds one complete run.
	RunTimeout time.Duration
}

// Scheduler drives the three reconciliation phases on a ticker. Runs never
// overlap: if a tick fires while a run is still going, that tick is
// skipped.
type Scheduler struct {
	providers *provider.Service
	cfg       Config
	running   atomic.Bool
	logger    *logrus.Entry
}

func NewScheduler(providers *provider.Service, cfg Config) *Scheduler {
	if cfg.Interval == 0 {
		cfg.Interval = 30 * time.Minute
	}
	if cfg.RefreshWindow == 0 {
		cfg.RefreshWindow = time.Hour
	}
	if cfg.ValidationWindow == 0 {
		cfg.ValidationWindow = 24 * time.Hour
	}
	if cfg.RunTimeout == 0 {
		cfg.RunTimeout = 10 * time.Minute
	}
	return &Scheduler{
		providers: providers,
		cfg:       cfg,
		logger:    logrus.WithField("component", "reconcile"),
	}
}

// Start runs the scheduler until the context is canceled. The first run
// happens immediately.
func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.Run(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Run(ctx)
		}
	}
}

// Run executes one reconciliation pass. Reports false without doing
// anything if a previous pass is still executing.
func (s *Scheduler) Run(ctx context.Context) bool {
	if !s.running.CompareAndSwap(false, true) {
		s.logger.Warn("previous run still executing, skipping")
		return false
	}
	defer s.running.Store(false)

	runCtx, cancel := context.WithTimeout(ctx, s.cfg.RunTimeout)
	defer cancel()

	start := time.Now()

	invalidated, err := s.providers.InvalidateExpiredAccounts(runCtx)
	if err != nil {
		s.logger.WithError(err).Error("invalidate phase failed")
	}
	refreshed, err := s.providers.RefreshExpiringPassports(runCtx, s.cfg.RefreshWindow)
	if err != nil {
		s.logger.WithError(err).Error("refresh phase failed")
	}
	validated, err := s.providers.ValidateAccessTokenVisas(runCtx, s.cfg.ValidationWindow)
	if err != nil {
		s.logger.WithError(err).Error("validation phase failed")
	}

	s.logger.WithFields(logrus.Fields{
		"invalidated": invalidated,
		"refreshed":   refreshed,
		"validated":   validated,
		"elapsed":     time.Since(start).String(),
	}).Info("reconciliation run complete")
	return true
}
