// Copyright (C) 2025 BundleNudge (support@bundlenudge.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package rollout decides which release, if any, a checking device
// should receive.
//
// The resolver walks a channel's candidate releases most recently
// activated first and applies, per candidate: status check, already-
// current check, constraint evaluation, blocklist, allowlist,
// percentage bucketing, and sticky A/B variant assignment. The first
// candidate to survive wins.
//
// # Concurrency
//
// Resolution is pure apart from one documented side effect: creating
// a variant assignment on a device's first resolution of an A/B
// release. That creation goes through the AssignmentStore's atomic
// insert-if-absent primitive, so two concurrent first-time
// resolutions for the same (device, release) converge on one
// persisted variant; the losing writer receives the winner's value.
// Everything else operates on an immutable snapshot of release and
// channel data and is safe to call from any number of request
// handlers with no locking.
package rollout

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/bundlenudge/bundlenudge/services/update/constraints"
	"github.com/bundlenudge/bundlenudge/services/update/datatypes"
)

// =============================================================================
// Dependencies
// =============================================================================

// AssignmentStore is the persistence hook for sticky variant
// assignments.
type AssignmentStore interface {
	// GetAssignment returns the existing assignment for the pair, or
	// nil when none exists.
	GetAssignment(ctx context.Context, releaseID, deviceID string) (*datatypes.VariantAssignment, error)

	// CreateAssignmentIfAbsent persists the assignment unless one
	// already exists for the (release, device) pair, in which case
	// the existing assignment is returned. First writer wins; this
	// must be atomic at the storage layer.
	CreateAssignmentIfAbsent(ctx context.Context, a datatypes.VariantAssignment) (*datatypes.VariantAssignment, error)
}

// =============================================================================
// Resolver
// =============================================================================

// Decision is a positive resolution outcome.
type Decision struct {
	Release *datatypes.Release

	// Variant is non-nil when the release runs an A/B split; the
	// device downloads the variant's bundle, not the release's base
	// bundle.
	Variant *datatypes.Variant
}

// Outcome distinguishes the negative resolution results.
type Outcome int

const (
	// OutcomeUpdate means a release was selected.
	OutcomeUpdate Outcome = iota

	// OutcomeNoUpdate means no candidate survived.
	OutcomeNoUpdate

	// OutcomeStoreUpdate means no candidate survived and every
	// active candidate failed specifically on the app-version
	// constraint: only a store-level native update can help.
	OutcomeStoreUpdate
)

// Resolver applies rollout policy to update checks.
type Resolver struct {
	assignments AssignmentStore
	logger      *slog.Logger
}

// NewResolver creates a resolver.
//
// # Inputs
//
//   - assignments: Sticky variant assignment store. Must not be nil.
//   - logger: Optional; nil disables resolver logging.
func NewResolver(assignments AssignmentStore, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Resolver{assignments: assignments, logger: logger}
}

// Resolve picks the release a device should receive.
//
// # Description
//
// Candidates are considered most recently activated first, ties
// broken by creation time. The channel's active-release pointer is
// not an ordering input: it tracks the latest activation or rollback
// for admin reads, while resolution must converge every device onto
// the newest activation it is eligible for, even on a channel whose
// pointer was moved back by a rollback. A nil channel fails closed.
// For each candidate:
//
//  1. Skip unless status is active.
//  2. Skip if the device's current identity already matches.
//  3. Skip if the device fails the release constraints.
//  4. Skip unconditionally if the device is blocklisted.
//  5. Select immediately if the device is allowlisted.
//  6. Otherwise select iff the device's stable bucket is below the
//     rollout percentage.
//  7. For A/B releases, return the device's sticky variant, creating
//     it on first resolution.
//
// # Outputs
//
//   - *Decision: Non-nil only when Outcome is OutcomeUpdate.
//   - Outcome: Update, no update, or store-update-required.
//   - error: Non-nil only on storage failure during variant
//     assignment; callers must fail closed (serve nothing).
func (r *Resolver) Resolve(
	ctx context.Context,
	channel *datatypes.Channel,
	candidates []*datatypes.Release,
	device datatypes.Device,
	current datatypes.Identity,
) (*Decision, Outcome, error) {
	if channel == nil {
		return nil, OutcomeNoUpdate, nil
	}
	ordered := orderCandidates(candidates)

	activeSeen := 0
	versionBlocked := 0
	for _, rel := range ordered {
		if rel.Status != datatypes.StatusActive {
			continue
		}
		activeSeen++

		if current.Matches(rel) {
			// Device already runs this candidate. Keep walking: a
			// channel that was repointed at an older release still
			// needs to reach devices on the newer one.
			activeSeen--
			continue
		}

		if eval := constraints.Evaluate(rel.Constraints, device); !eval.Eligible {
			if eval.VersionMismatch {
				versionBlocked++
			}
			r.logger.Debug("constraint rejected candidate",
				"release_id", rel.ID, "device_id", device.ID, "reason", eval.Reason)
			continue
		}

		if rel.InBlocklist(device.ID) {
			continue
		}

		if !rel.InAllowlist(device.ID) {
			if Bucket(device.ID, rel.ID) >= rel.RolloutPercentage {
				continue
			}
		}

		r.logger.Debug("candidate selected",
			"channel", channel.Name, "release_id", rel.ID, "device_id", device.ID)
		return r.selectRelease(ctx, rel, device)
	}

	if activeSeen > 0 && versionBlocked == activeSeen {
		return nil, OutcomeStoreUpdate, nil
	}
	return nil, OutcomeNoUpdate, nil
}

// selectRelease finalizes a winning candidate, resolving the sticky
// variant for A/B releases.
func (r *Resolver) selectRelease(
	ctx context.Context,
	rel *datatypes.Release,
	device datatypes.Device,
) (*Decision, Outcome, error) {
	if len(rel.Variants) == 0 {
		return &Decision{Release: rel}, OutcomeUpdate, nil
	}

	existing, err := r.assignments.GetAssignment(ctx, rel.ID, device.ID)
	if err != nil {
		return nil, OutcomeNoUpdate, fmt.Errorf("read variant assignment: %w", err)
	}
	if existing == nil {
		chosen := pickVariant(rel, device.ID)
		winner, err := r.assignments.CreateAssignmentIfAbsent(ctx, datatypes.VariantAssignment{
			DeviceID:   device.ID,
			ReleaseID:  rel.ID,
			VariantID:  chosen.ID,
			AssignedAt: time.Now().UTC(),
		})
		if err != nil {
			return nil, OutcomeNoUpdate, fmt.Errorf("create variant assignment: %w", err)
		}
		existing = winner
	}

	variant := variantByID(rel, existing.VariantID)
	if variant == nil {
		// Assignment points at a variant that no longer exists on
		// the release. Fail closed rather than guessing.
		r.logger.Warn("assignment references unknown variant",
			"release_id", rel.ID, "variant_id", existing.VariantID)
		return nil, OutcomeNoUpdate, nil
	}
	return &Decision{Release: rel, Variant: variant}, OutcomeUpdate, nil
}

// pickVariant maps the device's stable bucket into cumulative
// variant-percentage ranges. Percentages sum to 100 (validated at
// release creation), so every bucket value lands in some variant.
func pickVariant(rel *datatypes.Release, deviceID string) *datatypes.Variant {
	bucket := Bucket(deviceID, rel.ID)
	cumulative := 0
	for i := range rel.Variants {
		cumulative += rel.Variants[i].Percentage
		if bucket < cumulative {
			return &rel.Variants[i]
		}
	}
	// Unreachable when percentages sum to 100.
	return &rel.Variants[len(rel.Variants)-1]
}

func variantByID(rel *datatypes.Release, id string) *datatypes.Variant {
	for i := range rel.Variants {
		if rel.Variants[i].ID == id {
			return &rel.Variants[i]
		}
	}
	return nil
}

// orderCandidates sorts most recently activated first, ties by
// creation time, without mutating the caller's slice.
func orderCandidates(candidates []*datatypes.Release) []*datatypes.Release {
	ordered := make([]*datatypes.Release, len(candidates))
	copy(ordered, candidates)
	sort.SliceStable(ordered, func(i, j int) bool {
		if !ordered[i].ActivatedAt.Equal(ordered[j].ActivatedAt) {
			return ordered[i].ActivatedAt.After(ordered[j].ActivatedAt)
		}
		return ordered[i].CreatedAt.After(ordered[j].CreatedAt)
	})
	return ordered
}
