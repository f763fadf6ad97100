// Copyright (C) 2025 BundleNudge (support@bundlenudge.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package rollout

import "github.com/cespare/xxhash/v2"

// Bucket maps a (device, release) pair to a stable bucket in [0,100).
//
// The hash is salted with the release id so a device's bucket is
// decorrelated across releases: being in the first 10% of one rollout
// says nothing about the next. For a fixed pair the bucket never
// changes, which is what makes percentage rollout monotonic — raising
// the percentage only ever adds devices.
func Bucket(deviceID, releaseID string) int {
	return int(xxhash.Sum64String(deviceID+":"+releaseID) % 100)
}
