// Copyright (C) 2025 BundleNudge (support@bundlenudge.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package constraints decides whether a device satisfies a release's
// targeting constraints.
//
// Evaluation is a pure function over immutable inputs: safe to call
// concurrently from any number of request handlers with no locking.
// An ineligible device is a normal negative outcome carrying a
// reason, never an error.
package constraints

import (
	"fmt"

	"github.com/bundlenudge/bundlenudge/services/update/datatypes"
)

// Result is the outcome of a constraint evaluation.
type Result struct {
	Eligible bool

	// Reason is set when Eligible is false.
	Reason string

	// VersionMismatch is set when the failure was the app-version
	// range check specifically. The resolver uses this to decide the
	// requires-app-store-update response.
	VersionMismatch bool
}

func eligible() Result {
	return Result{Eligible: true}
}

func ineligible(reason string) Result {
	return Result{Reason: reason}
}

// Evaluate checks a device against release constraints.
//
// # Description
//
// Checks run in a fixed order and return at the first failure:
//
//  1. Platform: if a platform allow-set is present and the device's
//     platform is absent from it, platform mismatch.
//  2. App-version range: below-minimum, above-maximum, and
//     outside-range (both bounds present) are reported distinctly.
//  3. Minimum OS version: lower bound only.
//
// No constraints present means every device is eligible.
func Evaluate(c *datatypes.Constraints, device datatypes.Device) Result {
	if c.Empty() {
		return eligible()
	}

	if len(c.Platforms) > 0 && !containsFold(c.Platforms, device.Platform) {
		return ineligible(fmt.Sprintf("platform %q not in release platforms %v", device.Platform, c.Platforms))
	}

	if c.MinAppVersion != "" || c.MaxAppVersion != "" {
		if !InRange(device.AppVersion, c.MinAppVersion, c.MaxAppVersion) {
			r := ineligible(versionReason(device.AppVersion, c.MinAppVersion, c.MaxAppVersion))
			r.VersionMismatch = true
			return r
		}
	}

	if c.MinOSVersion != "" && Compare(device.OSVersion, c.MinOSVersion) < 0 {
		return ineligible(fmt.Sprintf("os version %q below minimum %q", device.OSVersion, c.MinOSVersion))
	}

	return eligible()
}

// versionReason builds the distinct below/above/outside reason.
func versionReason(version, min, max string) string {
	switch {
	case min != "" && max != "":
		return fmt.Sprintf("app version %q outside range [%s, %s]", version, min, max)
	case min != "":
		return fmt.Sprintf("app version %q below minimum %q", version, min)
	default:
		return fmt.Sprintf("app version %q above maximum %q", version, max)
	}
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if equalFold(v, s) {
			return true
		}
	}
	return false
}

// equalFold is an ASCII-only case-insensitive compare; platform
// names are ASCII by construction.
func equalFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}
