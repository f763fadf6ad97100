// Copyright (C) 2025 BundleNudge (support@bundlenudge.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package rollback runs the automatic rollback control loop.
//
// The controller polls on a fixed schedule rather than reacting to
// individual health pings: polling bounds false-positive flapping and
// the rate of state transitions. Each cycle it activates scheduled
// releases that have come due, then evaluates every active release
// with auto-rollback enabled against its crash threshold.
//
// A rollback only triggers when the sample is large enough
// (SessionCount >= MinSessionsForRollback) AND the crash rate exceeds
// the threshold; a scary rate over a handful of sessions is noise,
// not evidence. On inconclusive or unavailable health data the
// controller fails safe to no action.
//
// # Concurrency
//
// Overlapping cycles within one process are prevented by the loop
// structure (a cycle must finish before the next tick is serviced).
// Across processes, an optional file lock guards the cycle; when the
// lock is held elsewhere the cycle is skipped, which is safe because
// evaluation is idempotent — already-rolled-back releases are
// skipped, and the status flip plus channel repoint commit in one
// storage transaction.
package rollback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gofrs/flock"

	"github.com/bundlenudge/bundlenudge/services/update/datatypes"
	"github.com/bundlenudge/bundlenudge/services/update/health"
	"github.com/bundlenudge/bundlenudge/services/update/observability"
	"github.com/bundlenudge/bundlenudge/services/update/storage"
)

// =============================================================================
// Outcome
// =============================================================================

// Action is the result of evaluating one release.
type Action int

const (
	// NoAction means the release is healthy, under-sampled, or not
	// eligible for evaluation.
	NoAction Action = iota

	// Rollback means the crash threshold was exceeded with a
	// sufficient sample.
	Rollback
)

func (a Action) String() string {
	if a == Rollback {
		return "rollback"
	}
	return "no_action"
}

// =============================================================================
// Controller
// =============================================================================

// ReleaseStore is the storage surface the controller needs.
type ReleaseStore interface {
	ListRollbackCandidates(ctx context.Context) ([]*datatypes.Release, error)
	RollbackRelease(ctx context.Context, appID, releaseID, reason string, now time.Time) (*datatypes.Release, error)
	ActivateDueReleases(ctx context.Context, now time.Time) ([]*datatypes.Release, error)
}

// HealthSource provides crash statistics for a release.
type HealthSource interface {
	StatsFor(ctx context.Context, rel *datatypes.Release) (health.Stats, error)
}

// Config configures the controller.
type Config struct {
	// Interval between evaluation cycles. Default 2 minutes.
	Interval time.Duration

	// LockPath enables a cross-process file lock around each cycle.
	// Empty disables the lock (single-instance deployments).
	LockPath string
}

// Controller evaluates crash rates and reverts unsafe releases.
type Controller struct {
	store   ReleaseStore
	healthy HealthSource
	metrics *observability.Metrics
	logger  *slog.Logger

	interval time.Duration
	lock     *flock.Flock

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewController creates a controller. Call Start() to begin the loop
// and Stop() to halt it.
//
// # Inputs
//
//   - store: Release storage. Must not be nil.
//   - healthy: Crash statistics source. Must not be nil.
//   - metrics: Optional; nil disables metric updates.
//   - logger: Optional; nil disables logging.
//   - cfg: Loop configuration.
func NewController(store ReleaseStore, healthy HealthSource, metrics *observability.Metrics, logger *slog.Logger, cfg Config) (*Controller, error) {
	if store == nil {
		return nil, errors.New("store must not be nil")
	}
	if healthy == nil {
		return nil, errors.New("health source must not be nil")
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 2 * time.Minute
	}

	c := &Controller{
		store:    store,
		healthy:  healthy,
		metrics:  metrics,
		logger:   logger,
		interval: interval,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	if cfg.LockPath != "" {
		c.lock = flock.New(cfg.LockPath)
	}
	return c, nil
}

// Start begins the evaluation loop in a goroutine.
func (c *Controller) Start() {
	go c.run()
}

// Stop signals the loop to halt and waits for the current cycle to
// finish.
func (c *Controller) Stop() {
	close(c.stopCh)
	<-c.doneCh
}

// Run executes the loop until the context is cancelled. Alternative
// to Start/Stop for errgroup-managed lifecycles.
func (c *Controller) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		close(c.stopCh)
	}()
	c.run()
	return ctx.Err()
}

func (c *Controller) run() {
	defer close(c.doneCh)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.Cycle(context.Background())
		}
	}
}

// Cycle runs one full evaluation pass: scheduled activations, then
// rollback evaluation of every candidate. Exported for the serve
// command's startup pass and for tests.
func (c *Controller) Cycle(ctx context.Context) {
	if c.lock != nil {
		got, err := c.lock.TryLock()
		if err != nil || !got {
			c.logger.Debug("rollback cycle skipped, lock held elsewhere", "error", err)
			return
		}
		defer func() { _ = c.lock.Unlock() }()
	}

	now := time.Now().UTC()

	activated, err := c.store.ActivateDueReleases(ctx, now)
	if err != nil {
		c.logger.Error("scheduled activation pass failed", "error", err)
	}
	for _, rel := range activated {
		c.logger.Info("scheduled release activated",
			"app_id", rel.AppID, "release_id", rel.ID, "version", rel.Version)
		if c.metrics != nil {
			c.metrics.ScheduledActivationsTotal.Inc()
		}
	}

	candidates, err := c.store.ListRollbackCandidates(ctx)
	if err != nil {
		// Fail safe: no data, no rollbacks.
		c.logger.Error("listing rollback candidates failed", "error", err)
		return
	}

	for _, rel := range candidates {
		action, reason := c.Evaluate(ctx, rel)
		if action != Rollback {
			c.countEvaluation("no_action")
			continue
		}
		c.execute(ctx, rel, reason, now)
	}
}

// Evaluate decides whether one release should be rolled back.
//
// # Description
//
// Skips releases that are not active, have auto-rollback disabled,
// or are already rolled back (idempotent re-evaluation). Statistics
// errors fail safe to NoAction. A rollback requires both a
// sufficient sample and a crash rate strictly above the threshold.
//
// # Outputs
//
//   - Action: NoAction or Rollback.
//   - string: Human-readable reason, recorded on the release when
//     Action is Rollback.
func (c *Controller) Evaluate(ctx context.Context, rel *datatypes.Release) (Action, string) {
	if rel.Status != datatypes.StatusActive || !rel.AutoRollbackEnabled {
		return NoAction, ""
	}

	stats, err := c.healthy.StatsFor(ctx, rel)
	if err != nil {
		c.logger.Warn("health data unavailable, skipping evaluation",
			"release_id", rel.ID, "error", err)
		return NoAction, ""
	}

	if stats.SessionCount < rel.MinSessionsForRollback {
		c.logger.Debug("sample too small for rollback",
			"release_id", rel.ID,
			"sessions", stats.SessionCount,
			"min_sessions", rel.MinSessionsForRollback)
		return NoAction, ""
	}
	if stats.CrashRatePercent <= rel.CrashThresholdPercent {
		return NoAction, ""
	}

	reason := fmt.Sprintf("crash rate %.1f%% over threshold %.1f%% (%d crashes / %d sessions in %dh window)",
		stats.CrashRatePercent, rel.CrashThresholdPercent,
		stats.CrashCount, stats.SessionCount, rel.RollbackWindowHours)
	return Rollback, reason
}

// execute applies a rollback decision through storage.
func (c *Controller) execute(ctx context.Context, rel *datatypes.Release, reason string, now time.Time) {
	fallback, err := c.store.RollbackRelease(ctx, rel.AppID, rel.ID, reason, now)
	if errors.Is(err, storage.ErrNoFallback) {
		// A logged decision, not an error: leaving the channel
		// pointing at the unhealthy release beats a dangling pointer.
		c.logger.Warn("rollback skipped: no fallback release",
			"app_id", rel.AppID, "release_id", rel.ID, "reason", reason)
		c.countEvaluation("skipped_no_fallback")
		return
	}
	if err != nil {
		c.logger.Error("rollback failed",
			"app_id", rel.AppID, "release_id", rel.ID, "error", err)
		c.countEvaluation("no_action")
		return
	}

	c.logger.Warn("release rolled back",
		"app_id", rel.AppID,
		"release_id", rel.ID,
		"version", rel.Version,
		"fallback_release_id", fallback.ID,
		"fallback_version", fallback.Version,
		"reason", reason)
	c.countEvaluation("rollback")
	if c.metrics != nil {
		c.metrics.RollbacksTotal.Inc()
	}
}

func (c *Controller) countEvaluation(result string) {
	if c.metrics != nil {
		c.metrics.EvaluationsTotal.WithLabelValues(result).Inc()
	}
}
