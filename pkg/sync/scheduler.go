package sync

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"
)

// Scheduler periodically checks the remote and refreshes the mirror when it
// has changed.
type Scheduler struct {
	coordinator *Coordinator
	interval    time.Duration
	clock       clockwork.Clock
	trigger     chan struct{}

	// onCheck is called after every check. Used by tests.
	onCheck func(CheckResult)
}

// CheckResult is the outcome of a single scheduled check.
type CheckResult struct {
	// Updated is set if the remote had changed and a refresh was attempted.
	Updated bool
	Refresh Result
	Err     error
}

// NewScheduler creates a Scheduler that checks every `interval`.
func NewScheduler(coordinator *Coordinator, interval time.Duration, clock clockwork.Clock) *Scheduler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Scheduler{
		coordinator: coordinator,
		interval:    interval,
		clock:       clock,
		trigger:     make(chan struct{}, 1),
	}
}

// Trigger requests a check outside the regular interval. Requests made while
// one is already pending are merged.
func (s *Scheduler) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Run checks immediately, and then on every tick until `ctx` is cancelled.
// Failures are logged, and retried on the next tick.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()

	log.WithField("interval", s.interval).Info("Starting sync scheduler")
	for {
		s.checkAndLog(ctx)

		select {
		case <-ctx.Done():
			log.Info("Stopping sync scheduler")
			return
		case <-ticker.Chan():
		case <-s.trigger:
		}
	}
}

func (s *Scheduler) checkAndLog(ctx context.Context) {
	result := s.Check(ctx)
	switch {
	case result.Err != nil && ctx.Err() != nil:
		log.WithError(result.Err).Debug("Sync check interrupted by shutdown")
	case result.Err != nil:
		log.WithError(result.Err).Errorf("Sync check failed. "+
			"Will retry in %s.", s.interval)
	}

	if s.onCheck != nil {
		s.onCheck(result)
	}
}

// Check refreshes the mirror if the remote has changed.
func (s *Scheduler) Check(ctx context.Context) CheckResult {
	updateAvailable, err := s.coordinator.IsUpdateAvailable(ctx)
	if err != nil {
		return CheckResult{Err: err}
	}

	if !updateAvailable {
		log.Debug("Mirror is up to date")
		return CheckResult{}
	}

	result := s.coordinator.Refresh(ctx)
	return CheckResult{Updated: true, Refresh: result, Err: result.Err}
}
