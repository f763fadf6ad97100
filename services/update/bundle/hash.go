// Copyright (C) 2025 BundleNudge (support@bundlenudge.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package bundle

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// HashModule returns a cheap, stable fingerprint of module code.
//
// Used for change detection between bundle versions; collision risk
// is acceptable. Do not use for integrity checks, that is what
// HashBundle is for.
func HashModule(code string) string {
	return fmt.Sprintf("%016x", xxhash.Sum64String(code))
}

// HashBundle returns the cryptographic digest of whole-bundle bytes.
//
// This is the hash bound into the release manifest and compared
// before install, so it must be collision resistant.
func HashBundle(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
