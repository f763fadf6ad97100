// Copyright (C) 2025 BundleNudge (support@bundlenudge.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package datatypes provides the domain model for the update service.
//
// This file contains the release-side types: App, Release, Variant,
// Channel, and the release status state machine. Device-side types
// (health signals, variant assignments) live in device.go, and the
// HTTP request/response types live in api.go.
//
// # Release Lifecycle
//
//	pending ──► active ◄──► paused
//	               │
//	               ▼
//	          rolled_back (terminal)
//
// A release becomes active when a channel's pointer is set to it,
// either by an operator action or by its scheduled activation time
// being reached. Rolled-back releases never transition automatically;
// re-activation is a new explicit operator action.
//
// # Thread Safety
//
// All types in this file are plain value types. They are safe for
// concurrent reads; callers must synchronize concurrent mutation.
package datatypes

import (
	"errors"
	"fmt"
	"time"
)

// =============================================================================
// Release Status
// =============================================================================

// ReleaseStatus is the lifecycle state of a release.
type ReleaseStatus string

const (
	// StatusPending is a release that has been created but never served.
	StatusPending ReleaseStatus = "pending"

	// StatusActive is a release eligible for resolution on its channel.
	StatusActive ReleaseStatus = "active"

	// StatusPaused is a release temporarily withheld from resolution.
	StatusPaused ReleaseStatus = "paused"

	// StatusRolledBack is a release reverted manually or by the
	// auto-rollback controller. Terminal: only an explicit operator
	// re-activation leaves this state.
	StatusRolledBack ReleaseStatus = "rolled_back"
)

// validTransitions encodes the release status state machine.
// Re-activation from rolled_back is allowed because it is modeled as
// a new operator action, not an automatic transition.
var validTransitions = map[ReleaseStatus][]ReleaseStatus{
	StatusPending:    {StatusActive},
	StatusActive:     {StatusPaused, StatusRolledBack},
	StatusPaused:     {StatusActive, StatusRolledBack},
	StatusRolledBack: {StatusActive},
}

// ErrInvalidTransition marks a status change the state machine does
// not permit.
var ErrInvalidTransition = errors.New("invalid release transition")

// CanTransition reports whether a status change is permitted.
//
// # Inputs
//
//   - from: Current status.
//   - to: Requested status.
//
// # Outputs
//
//   - bool: true if the transition is in the state machine.
func CanTransition(from, to ReleaseStatus) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Transition applies a status change to the release, recording the
// activation time when the release enters the active state.
//
// # Outputs
//
//   - error: Non-nil if the transition is not permitted.
func (r *Release) Transition(to ReleaseStatus, now time.Time) error {
	if !CanTransition(r.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.Status, to)
	}
	r.Status = to
	if to == StatusActive {
		r.ActivatedAt = now
	}
	return nil
}

// =============================================================================
// App and Channel
// =============================================================================

// App is the owning application for a set of releases and channels.
type App struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Platform  string    `json:"platform,omitempty"` // default platform hint, informational
	CreatedAt time.Time `json:"createdAt"`
}

// Channel is a named update track for an app. A channel holds exactly
// one active release pointer at a time; resolvers read it fresh on
// every resolution rather than caching it in process.
type Channel struct {
	AppID           string    `json:"appId"`
	Name            string    `json:"name"`
	ActiveReleaseID string    `json:"activeReleaseId,omitempty"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// DefaultChannel is used when an update check does not name a channel.
const DefaultChannel = "production"

// =============================================================================
// Release
// =============================================================================

// Constraints restrict which devices are eligible for a release.
// A nil or zero-value Constraints means every device is eligible.
type Constraints struct {
	// Platforms is an allow-set of platforms ("ios", "android").
	// Empty means all platforms.
	Platforms []string `json:"platforms,omitempty"`

	// MinAppVersion and MaxAppVersion bound the native app version
	// the release is compatible with. Either may be empty.
	MinAppVersion string `json:"minAppVersion,omitempty"`
	MaxAppVersion string `json:"maxAppVersion,omitempty"`

	// MinOSVersion is a lower bound on the device OS version.
	MinOSVersion string `json:"minOsVersion,omitempty"`
}

// Empty reports whether no constraint is configured.
func (c *Constraints) Empty() bool {
	return c == nil || (len(c.Platforms) == 0 && c.MinAppVersion == "" &&
		c.MaxAppVersion == "" && c.MinOSVersion == "")
}

// Variant is one arm of an A/B split inside a release. Percentages
// across a release's variants sum to 100.
type Variant struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	BundleHash string `json:"bundleHash"`
	BundleURL  string `json:"bundleUrl"`
	BundleSize int64  `json:"bundleSize"`
	Percentage int    `json:"percentage"`
	IsControl  bool   `json:"isControl"`
}

// Release is one deployable bundle version on a channel.
type Release struct {
	ID        string `json:"id"`
	AppID     string `json:"appId"`
	Version   string `json:"version"` // unique per app
	ChannelID string `json:"channelId"`

	// Bundle reference for the base (non-variant) payload.
	BundleHash string `json:"bundleHash"`
	BundleURL  string `json:"bundleUrl"`
	BundleSize int64  `json:"bundleSize"`

	Status            ReleaseStatus `json:"status"`
	RolloutPercentage int           `json:"rolloutPercentage"` // 0-100

	// Allowlist and Blocklist override rollout math. Blocklist always
	// wins over allowlist and percentage.
	Allowlist []string `json:"allowlist,omitempty"`
	Blocklist []string `json:"blocklist,omitempty"`

	Constraints *Constraints `json:"constraints,omitempty"`
	Variants    []Variant    `json:"variants,omitempty"`

	ReleaseNotes string `json:"releaseNotes,omitempty"`

	// ScheduledAt defers activation until the given time. Zero means
	// no schedule.
	ScheduledAt time.Time `json:"scheduledAt,omitempty"`

	// Auto-rollback policy.
	AutoRollbackEnabled    bool    `json:"autoRollbackEnabled"`
	CrashThresholdPercent  float64 `json:"crashThresholdPercent,omitempty"`
	MinSessionsForRollback int     `json:"minSessionsForRollback,omitempty"`
	RollbackWindowHours    int     `json:"rollbackWindowHours,omitempty"`
	RollbackReason         string  `json:"rollbackReason,omitempty"`

	CreatedAt   time.Time `json:"createdAt"`
	ActivatedAt time.Time `json:"activatedAt,omitempty"`
}

// RollbackWindow returns the health evaluation window as a duration,
// defaulting to 24 hours when unset.
func (r *Release) RollbackWindow() time.Duration {
	hours := r.RollbackWindowHours
	if hours <= 0 {
		hours = 24
	}
	return time.Duration(hours) * time.Hour
}

// ValidateVariants checks the variant percentage invariant.
//
// # Outputs
//
//   - error: Non-nil if variants are present and percentages do not
//     sum to exactly 100, or any percentage is out of range.
func (r *Release) ValidateVariants() error {
	if len(r.Variants) == 0 {
		return nil
	}
	sum := 0
	for _, v := range r.Variants {
		if v.Percentage < 0 || v.Percentage > 100 {
			return fmt.Errorf("variant %q percentage %d out of range", v.Name, v.Percentage)
		}
		sum += v.Percentage
	}
	if sum != 100 {
		return fmt.Errorf("variant percentages sum to %d, want 100", sum)
	}
	return nil
}

// InBlocklist reports whether the device is blocklisted.
func (r *Release) InBlocklist(deviceID string) bool {
	return containsString(r.Blocklist, deviceID)
}

// InAllowlist reports whether the device is allowlisted.
func (r *Release) InAllowlist(deviceID string) bool {
	return containsString(r.Allowlist, deviceID)
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
