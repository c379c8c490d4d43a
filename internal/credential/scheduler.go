package credential

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"tenantbridge/internal/devicecode"
	"tenantbridge/internal/tenant"
	"tenantbridge/internal/tokenrepo"
)

// DefaultSweepInterval is how often the scheduler sweeps both slots. It must
// stay shorter than the refresh lookahead so tokens are refreshed proactively
// even with no API traffic.
const DefaultSweepInterval = 3 * time.Minute

// TokenGetter is the manager surface the scheduler needs.
type TokenGetter interface {
	GetToken(ctx context.Context, slot tenant.Slot) (*tokenrepo.TokenRecord, error)
}

// Scheduler periodically calls GetToken on both slots. GetToken self-triggers
// refresh inside the lookahead window, so the sweep itself carries no refresh
// logic and never duplicates an in-flight refresh (single-flight in Manager).
type Scheduler struct {
	manager  TokenGetter
	interval time.Duration
	stopChan chan struct{}
	stopOnce sync.Once
	logger   *slog.Logger
}

// NewScheduler creates a scheduler sweeping at the given interval.
func NewScheduler(manager TokenGetter, interval time.Duration, logger *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		manager:  manager,
		interval: interval,
		stopChan: make(chan struct{}),
		logger:   logger,
	}
}

// Start runs the sweep loop until the context is canceled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	s.logger.Info("refresh scheduler started", "interval", s.interval)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sweep(ctx)
		case <-ctx.Done():
			s.logger.Info("refresh scheduler stopped")
			return
		case <-s.stopChan:
			s.logger.Info("refresh scheduler stopped")
			return
		}
	}
}

// Stop stops the scheduler. Safe to call more than once.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopChan) })
}

// sweep checks both slots. Slots proceed independently; a failure on one
// never affects the other.
func (s *Scheduler) sweep(ctx context.Context) {
	for _, slot := range tenant.Slots() {
		record, err := s.manager.GetToken(ctx, slot)
		switch {
		case errors.Is(err, ErrNotAuthenticated):
			// Nothing to keep fresh.
		case errors.Is(err, devicecode.ErrRefreshFailed):
			// The refresh token was rejected; only a new sign-in helps.
			// No exchange was performed and none will be retried here.
			s.logger.Debug("slot awaiting re-authentication", "slot", slot)
		case err != nil:
			s.logger.Warn("scheduled refresh check failed", "slot", slot, "error", err)
		default:
			s.logger.Debug("token fresh", "slot", slot, "expires_at", record.ExpiresAt)
		}
	}
}
