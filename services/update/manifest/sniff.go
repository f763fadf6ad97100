// Copyright (C) 2025 BundleNudge (support@bundlenudge.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package manifest

import (
	"bytes"
	"unicode/utf8"
)

// hermesMagic is the 8-byte magic header of Hermes bytecode files
// (0x1F1903C103BC1FC6, little endian on disk).
var hermesMagic = []byte{0xc6, 0x1f, 0xbc, 0x03, 0xc1, 0x03, 0x19, 0x1f}

// scriptPrefixes are byte sequences a bundler-emitted JS text bundle
// plausibly starts with, checked after leading whitespace.
var scriptPrefixes = [][]byte{
	[]byte("var "),
	[]byte("!function"),
	[]byte("(function"),
	[]byte("(()"),
	[]byte("'use strict'"),
	[]byte(`"use strict"`),
	[]byte("//"),
	[]byte("/*"),
	[]byte("__d("),
}

// Sniff classifies bundle bytes by signature.
//
// # Description
//
// Device bytecode is detected by the Hermes magic header. Script text
// must be valid UTF-8 and start (after whitespace) with a recognized
// bundler prefix, or contain a module registration call near the top.
// Anything else is unknown.
func Sniff(data []byte) BundleType {
	if len(data) >= len(hermesMagic) && bytes.Equal(data[:len(hermesMagic)], hermesMagic) {
		return TypeBytecode
	}

	// Sniffing only needs the head of the payload.
	head := data
	if len(head) > 4096 {
		head = head[:4096]
	}
	if !utf8.Valid(head) {
		return TypeUnknown
	}

	trimmed := bytes.TrimLeft(head, " \t\r\n")
	for _, p := range scriptPrefixes {
		if bytes.HasPrefix(trimmed, p) {
			return TypeScript
		}
	}
	if bytes.Contains(head, []byte("__d(")) {
		return TypeScript
	}
	return TypeUnknown
}
