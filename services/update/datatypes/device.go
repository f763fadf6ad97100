// Copyright (C) 2025 BundleNudge (support@bundlenudge.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package datatypes provides the domain model for the update service.
//
// This file contains the device-side types: the device view used by
// constraint evaluation and rollout resolution, sticky variant
// assignments, and health signals.
package datatypes

import "time"

// =============================================================================
// Device
// =============================================================================

// Device is the per-request view of a checking device. It is built
// from the update-check request and never persisted; the device ID is
// a client-generated, non-reversible identifier.
type Device struct {
	ID         string
	Platform   string
	AppVersion string
	OSVersion  string
	Locale     string
	Timezone   string
}

// Identity is what the device currently runs, used to suppress
// serving a release the device already has.
type Identity struct {
	BundleVersion string
	BundleHash    string
}

// Matches reports whether the identity refers to the given release,
// by version or by bundle hash.
func (i Identity) Matches(r *Release) bool {
	if i.BundleVersion != "" && i.BundleVersion == r.Version {
		return true
	}
	if i.BundleHash != "" && i.BundleHash == r.BundleHash {
		return true
	}
	return false
}

// =============================================================================
// Sticky Variant Assignment
// =============================================================================

// VariantAssignment pins a device to one variant of a release. It is
// created once on first resolution with insert-if-absent semantics
// and is immutable thereafter; it is deleted only with its release.
type VariantAssignment struct {
	DeviceID   string    `json:"deviceId"`
	ReleaseID  string    `json:"releaseId"`
	VariantID  string    `json:"variantId"`
	AssignedAt time.Time `json:"assignedAt"`
}

// =============================================================================
// Health Signals
// =============================================================================

// SignalType classifies a device health event.
type SignalType string

const (
	// SignalApplied means the device installed and launched the release.
	SignalApplied SignalType = "applied"

	// SignalCrash means the release crashed on the device.
	SignalCrash SignalType = "crash"

	// SignalHealthOK is a periodic all-clear ping.
	SignalHealthOK SignalType = "health_ok"

	// SignalHealthFail means the release is up but degraded.
	SignalHealthFail SignalType = "health_fail"
)

// ValidSignalType reports whether t is a known signal type.
func ValidSignalType(t SignalType) bool {
	switch t {
	case SignalApplied, SignalCrash, SignalHealthOK, SignalHealthFail:
		return true
	}
	return false
}

// HealthSignal is one typed device event tagged by release. Devices
// retry delivery, so the same logical signal may arrive more than
// once and out of order; aggregation deduplicates on the
// (device, type) tuple.
type HealthSignal struct {
	DeviceID  string     `json:"deviceId"`
	ReleaseID string     `json:"releaseId"`
	Type      SignalType `json:"type"`
	Timestamp time.Time  `json:"timestamp"`
}
