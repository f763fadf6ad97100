// Copyright (C) 2025 BundleNudge (support@bundlenudge.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package constraints decides whether a device satisfies a release's
// targeting constraints.
//
// This file contains the version comparator. Client-reported versions
// are messy: "1.5", "3-beta.0", "14.4.1 (18D52)". The comparator
// normalizes to three numeric segments (missing segments default to
// 0, non-numeric suffixes are truncated to their leading digits) and
// then defers the actual comparison to golang.org/x/mod/semver.
package constraints

import (
	"strconv"
	"strings"

	"golang.org/x/mod/semver"
)

// normalize converts a loose version string to canonical "vX.Y.Z"
// form accepted by the semver package.
//
//	"1.5"      -> "v1.5.0"
//	"3-beta"   -> "v3.0.0"
//	"1.2.3.4"  -> "v1.2.3" (extra segments dropped)
//	"garbage"  -> "v0.0.0"
func normalize(version string) string {
	segs := [3]int{}
	parts := strings.SplitN(strings.TrimSpace(version), ".", 4)
	for i := 0; i < 3 && i < len(parts); i++ {
		segs[i] = leadingDigits(parts[i])
	}
	return "v" + strconv.Itoa(segs[0]) + "." + strconv.Itoa(segs[1]) + "." + strconv.Itoa(segs[2])
}

// leadingDigits parses the leading digit run of a segment, so
// "3-beta" compares as 3 and "18D52" as 18. A segment with no
// leading digits is 0.
func leadingDigits(s string) int {
	end := 0
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	if end == 0 {
		return 0
	}
	n, err := strconv.Atoi(s[:end])
	if err != nil {
		// A digit run too long for an int is hostile input.
		return 0
	}
	return n
}

// Compare returns -1, 0, or +1 comparing two loose version strings.
func Compare(a, b string) int {
	return semver.Compare(normalize(a), normalize(b))
}

// InRange reports whether version lies within [min, max]. Empty
// bounds are open.
func InRange(version, min, max string) bool {
	if min != "" && Compare(version, min) < 0 {
		return false
	}
	if max != "" && Compare(version, max) > 0 {
		return false
	}
	return true
}
