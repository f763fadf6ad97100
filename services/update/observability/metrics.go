// Copyright (C) 2025 BundleNudge (support@bundlenudge.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package observability provides Prometheus metrics for the update
// service.
//
// Metrics cover the two control surfaces that matter operationally:
// the update-check serving path (volume, outcome mix, latency) and
// the auto-rollback control loop (evaluations, triggered rollbacks,
// skipped rollbacks). Exposed on /metrics for Prometheus scraping.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal
// locking.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	metricsNamespace  = "bundlenudge"
	updateSubsystem   = "update"
	rollbackSubsystem = "rollback"
)

// Metrics holds all Prometheus metrics for the update service.
// Initialize once at startup via InitMetrics().
type Metrics struct {
	// ChecksTotal counts update checks by outcome.
	// Labels: outcome (update, no_update, store_update, error)
	ChecksTotal *prometheus.CounterVec

	// CheckDurationSeconds measures end-to-end resolution latency.
	CheckDurationSeconds prometheus.Histogram

	// SignalsTotal counts ingested health signals.
	// Labels: type (applied, crash, health_ok, health_fail)
	SignalsTotal *prometheus.CounterVec

	// SignalsRejectedTotal counts signals dropped by rate limiting
	// or validation.
	SignalsRejectedTotal prometheus.Counter

	// EvaluationsTotal counts rollback evaluations by result.
	// Labels: result (no_action, rollback, skipped_no_fallback)
	EvaluationsTotal *prometheus.CounterVec

	// RollbacksTotal counts releases actually rolled back.
	RollbacksTotal prometheus.Counter

	// ScheduledActivationsTotal counts releases activated by their
	// scheduled time being reached.
	ScheduledActivationsTotal prometheus.Counter
}

// DefaultMetrics is the singleton instance, set by InitMetrics().
var DefaultMetrics *Metrics

// InitMetrics creates and registers all metrics on the default
// registry. Call once at startup.
func InitMetrics() *Metrics {
	m := &Metrics{
		ChecksTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: updateSubsystem,
			Name:      "checks_total",
			Help:      "Update checks by outcome.",
		}, []string{"outcome"}),
		CheckDurationSeconds: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: updateSubsystem,
			Name:      "check_duration_seconds",
			Help:      "Update check resolution latency.",
			Buckets:   prometheus.DefBuckets,
		}),
		SignalsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: updateSubsystem,
			Name:      "signals_total",
			Help:      "Ingested health signals by type.",
		}, []string{"type"}),
		SignalsRejectedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: updateSubsystem,
			Name:      "signals_rejected_total",
			Help:      "Health signals rejected by rate limiting or validation.",
		}),
		EvaluationsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: rollbackSubsystem,
			Name:      "evaluations_total",
			Help:      "Auto-rollback evaluations by result.",
		}, []string{"result"}),
		RollbacksTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: rollbackSubsystem,
			Name:      "rollbacks_total",
			Help:      "Releases rolled back automatically.",
		}),
		ScheduledActivationsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: updateSubsystem,
			Name:      "scheduled_activations_total",
			Help:      "Releases activated by schedule.",
		}),
	}
	DefaultMetrics = m
	return m
}
