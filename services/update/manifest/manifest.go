// Copyright (C) 2025 BundleNudge (support@bundlenudge.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package manifest builds and verifies the integrity manifest stored
// alongside each uploaded bundle.
//
// The manifest binds a bundle's cryptographic hash, byte size, and
// sniffed format to a release version. Clients check it before
// installing; the serving layer reads ContentType from it to set
// correct response headers. A manifest is created once at upload and
// never mutated.
//
// Verification accumulates one explicit reason per mismatched field
// instead of short-circuiting, so a caller can distinguish
// "truncated" from "different format" from "corrupted" in one pass.
//
// # Thread Safety
//
// All functions are pure and safe for concurrent use.
package manifest

import (
	"errors"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bundlenudge/bundlenudge/services/update/bundle"
)

// =============================================================================
// Types
// =============================================================================

// BundleType is the sniffed payload format.
type BundleType string

const (
	// TypeBytecode is precompiled device bytecode (Hermes).
	TypeBytecode BundleType = "device-bytecode"

	// TypeScript is plain JavaScript text.
	TypeScript BundleType = "script"

	// TypeUnknown means neither signature matched.
	TypeUnknown BundleType = "unknown"
)

// Mismatch reasons reported by Verify.
const (
	ReasonHashMismatch = "HashMismatch"
	ReasonSizeMismatch = "SizeMismatch"
	ReasonTypeMismatch = "TypeMismatch"
)

// ErrMissingField is returned by Parse for a manifest lacking a
// required field.
var ErrMissingField = errors.New("manifest: missing required field")

// Manifest is the integrity record for one uploaded bundle.
type Manifest struct {
	Version      string     `yaml:"version"`
	Hash         string     `yaml:"hash"`
	Size         int64      `yaml:"size"`
	Platform     string     `yaml:"platform"`
	BundleType   BundleType `yaml:"bundleType"`
	IsHermesLike bool       `yaml:"isHermesLike"`
	ContentType  string     `yaml:"contentType"`
	CreatedAt    time.Time  `yaml:"createdAt"`

	MinAppVersion string `yaml:"minAppVersion,omitempty"`
	MaxAppVersion string `yaml:"maxAppVersion,omitempty"`
	ReleaseNotes  string `yaml:"releaseNotes,omitempty"`
}

// Options are the caller-supplied fields for Create. Everything else
// is derived from the bundle bytes.
type Options struct {
	Version       string
	Platform      string
	MinAppVersion string
	MaxAppVersion string
	ReleaseNotes  string
}

// FieldError is one verification mismatch.
type FieldError struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
	Detail string `json:"detail"`
}

func (e FieldError) String() string {
	return fmt.Sprintf("%s: %s (%s)", e.Field, e.Reason, e.Detail)
}

// Result is the outcome of Verify.
type Result struct {
	Valid  bool         `json:"valid"`
	Errors []FieldError `json:"errors"`
}

// =============================================================================
// Create and Verify
// =============================================================================

// Create builds a manifest from bundle bytes.
//
// # Description
//
// Computes the cryptographic digest and byte length, sniffs the
// bundle type from its byte signature, and derives the content type.
//
// # Inputs
//
//   - data: The raw bundle bytes.
//   - opts: Release metadata to bind into the manifest.
//
// # Outputs
//
//   - Manifest: The completed record. Never mutated after creation.
func Create(data []byte, opts Options) Manifest {
	bt := Sniff(data)
	return Manifest{
		Version:       opts.Version,
		Hash:          bundle.HashBundle(data),
		Size:          int64(len(data)),
		Platform:      opts.Platform,
		BundleType:    bt,
		IsHermesLike:  bt == TypeBytecode,
		ContentType:   contentTypeFor(bt),
		CreatedAt:     time.Now().UTC(),
		MinAppVersion: opts.MinAppVersion,
		MaxAppVersion: opts.MaxAppVersion,
		ReleaseNotes:  opts.ReleaseNotes,
	}
}

// Verify checks bundle bytes against a manifest.
//
// # Description
//
// Recomputes hash, size, and bundle type from the bytes and compares
// each against the manifest, accumulating one FieldError per
// mismatched field rather than stopping at the first. A truncated
// download shows size and hash mismatches; a corrupted byte shows
// only a hash mismatch; a wrong-format upload shows a type mismatch.
func Verify(data []byte, m Manifest) Result {
	var errs []FieldError

	if got := bundle.HashBundle(data); got != m.Hash {
		errs = append(errs, FieldError{
			Field:  "hash",
			Reason: ReasonHashMismatch,
			Detail: fmt.Sprintf("manifest %s, computed %s", m.Hash, got),
		})
	}
	if got := int64(len(data)); got != m.Size {
		errs = append(errs, FieldError{
			Field:  "size",
			Reason: ReasonSizeMismatch,
			Detail: fmt.Sprintf("manifest %d bytes, got %d", m.Size, got),
		})
	}
	if got := Sniff(data); got != m.BundleType {
		errs = append(errs, FieldError{
			Field:  "bundleType",
			Reason: ReasonTypeMismatch,
			Detail: fmt.Sprintf("manifest %s, sniffed %s", m.BundleType, got),
		})
	}

	return Result{Valid: len(errs) == 0, Errors: errs}
}

// =============================================================================
// Serialization
// =============================================================================

// Serialize renders the manifest to its stored text form.
func Serialize(m Manifest) ([]byte, error) {
	out, err := yaml.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal manifest: %w", err)
	}
	return out, nil
}

// Parse reads a manifest from its stored text form.
//
// # Outputs
//
//   - Manifest: The parsed record.
//   - error: Non-nil on malformed input, or ErrMissingField when a
//     required field is absent.
func Parse(data []byte) (Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("unmarshal manifest: %w", err)
	}

	required := map[string]bool{
		"version":     m.Version != "",
		"hash":        m.Hash != "",
		"size":        m.Size > 0,
		"platform":    m.Platform != "",
		"bundleType":  m.BundleType != "",
		"contentType": m.ContentType != "",
		"createdAt":   !m.CreatedAt.IsZero(),
	}
	for field, present := range required {
		if !present {
			return Manifest{}, fmt.Errorf("%w: %s", ErrMissingField, field)
		}
	}
	return m, nil
}

// contentTypeFor maps a bundle type to the HTTP content type the
// serving layer should use.
func contentTypeFor(bt BundleType) string {
	if bt == TypeScript {
		return "application/javascript"
	}
	return "application/octet-stream"
}
