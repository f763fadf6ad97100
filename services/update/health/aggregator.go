// Copyright (C) 2025 BundleNudge (support@bundlenudge.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package health aggregates device crash and session signals into
// per-release statistics.
//
// Ingestion is append-only and tolerates the realities of mobile
// delivery: devices retry, so the same logical signal arrives more
// than once and out of order. Aggregation therefore counts distinct
// (device, signal-type) tuples inside the rolling window rather than
// raw rows, so a device that retried its crash report five times
// still counts as one crash.
package health

import (
	"context"
	"fmt"
	"time"

	"github.com/bundlenudge/bundlenudge/services/update/datatypes"
)

// SignalStore is the persistence hook for raw signals.
type SignalStore interface {
	RecordSignal(ctx context.Context, sig datatypes.HealthSignal) error
	SignalsSince(ctx context.Context, releaseID string, since time.Time) ([]datatypes.HealthSignal, error)
}

// Stats are a release's aggregated health numbers over its window.
type Stats struct {
	// SessionCount is the number of distinct devices that reported
	// any signal for the release inside the window.
	SessionCount int

	// CrashCount is the number of distinct devices that reported a
	// crash inside the window.
	CrashCount int

	// CrashRatePercent is CrashCount over SessionCount as a
	// percentage. Zero when there are no sessions, never NaN.
	CrashRatePercent float64
}

// Aggregator computes rolling-window crash statistics.
type Aggregator struct {
	store SignalStore
}

// NewAggregator creates an aggregator over the given signal store.
func NewAggregator(store SignalStore) *Aggregator {
	return &Aggregator{store: store}
}

// Record ingests one signal. Append-only; duplicates are accepted
// and resolved at aggregation time.
func (a *Aggregator) Record(ctx context.Context, sig datatypes.HealthSignal) error {
	if !datatypes.ValidSignalType(sig.Type) {
		return fmt.Errorf("unknown signal type %q", sig.Type)
	}
	if sig.Timestamp.IsZero() {
		sig.Timestamp = time.Now().UTC()
	}
	return a.store.RecordSignal(ctx, sig)
}

// StatsFor aggregates a release's signals over its rollback window.
//
// # Outputs
//
//   - Stats: Distinct-device session and crash counts with the
//     resulting crash rate. Zero sessions yields a zero rate.
//   - error: Non-nil on storage failure; callers treating the data
//     as a rollback input must fail safe on error.
func (a *Aggregator) StatsFor(ctx context.Context, rel *datatypes.Release) (Stats, error) {
	since := time.Now().UTC().Add(-rel.RollbackWindow())
	signals, err := a.store.SignalsSince(ctx, rel.ID, since)
	if err != nil {
		return Stats{}, fmt.Errorf("read signals for release %s: %w", rel.ID, err)
	}

	sessions := make(map[string]bool)
	crashes := make(map[string]bool)
	for _, sig := range signals {
		sessions[sig.DeviceID] = true
		if sig.Type == datatypes.SignalCrash {
			crashes[sig.DeviceID] = true
		}
	}

	stats := Stats{
		SessionCount: len(sessions),
		CrashCount:   len(crashes),
	}
	if stats.SessionCount > 0 {
		stats.CrashRatePercent = float64(stats.CrashCount) / float64(stats.SessionCount) * 100
	}
	return stats, nil
}

// CrashRate returns only the crash rate for a release.
func (a *Aggregator) CrashRate(ctx context.Context, rel *datatypes.Release) (float64, error) {
	stats, err := a.StatsFor(ctx, rel)
	if err != nil {
		return 0, err
	}
	return stats.CrashRatePercent, nil
}
