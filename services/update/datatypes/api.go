// Copyright (C) 2025 BundleNudge (support@bundlenudge.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package datatypes provides the domain model for the update service.
//
// This file contains the HTTP request and response types for the
// update-check, signal ingestion, and admin endpoints, together with
// their validation rules.
package datatypes

import (
	"github.com/go-playground/validator/v10"
)

// =============================================================================
// Shared Validator Instance
// =============================================================================

// apiValidate is the validator instance for API datatypes.
// Initialized in init() with custom validators. It reads the same
// "binding" struct tags that gin's engine enforces, so Validate and
// the HTTP layer apply identical rules.
var apiValidate *validator.Validate

func init() {
	apiValidate = validator.New()
	apiValidate.SetTagName("binding")
	_ = apiValidate.RegisterValidation("signaltype", validateSignalType)
}

// validateSignalType accepts only the known health signal types.
func validateSignalType(fl validator.FieldLevel) bool {
	return ValidSignalType(SignalType(fl.Field().String()))
}

// Validate runs struct validation against the shared instance.
func Validate(v any) error {
	return apiValidate.Struct(v)
}

// RegisterValidations installs the custom validators on an external
// validator instance, such as gin's binding engine.
func RegisterValidations(v *validator.Validate) error {
	return v.RegisterValidation("signaltype", validateSignalType)
}

// =============================================================================
// Update Check
// =============================================================================

// UpdateCheckRequest is the client's "is there a newer bundle for me"
// question. Bytes are assumed already authenticated by the transport
// layer in front of this service.
type UpdateCheckRequest struct {
	AppID      string `json:"appId" binding:"required,max=64"`
	DeviceID   string `json:"deviceId" binding:"required,max=128"`
	Platform   string `json:"platform" binding:"required,oneof=ios android"`
	AppVersion string `json:"appVersion" binding:"required,max=64"`

	CurrentBundleVersion string `json:"currentBundleVersion,omitempty" binding:"max=64"`
	CurrentBundleHash    string `json:"currentBundleHash,omitempty" binding:"max=128"`

	Channel   string `json:"channel,omitempty" binding:"max=64"`
	OSVersion string `json:"osVersion,omitempty" binding:"max=64"`
	Locale    string `json:"locale,omitempty" binding:"max=32"`
	Timezone  string `json:"timezone,omitempty" binding:"max=64"`
}

// Device builds the resolver view of the checking device.
func (r *UpdateCheckRequest) Device() Device {
	return Device{
		ID:         r.DeviceID,
		Platform:   r.Platform,
		AppVersion: r.AppVersion,
		OSVersion:  r.OSVersion,
		Locale:     r.Locale,
		Timezone:   r.Timezone,
	}
}

// Identity builds the current-bundle identity from the request.
func (r *UpdateCheckRequest) Identity() Identity {
	return Identity{
		BundleVersion: r.CurrentBundleVersion,
		BundleHash:    r.CurrentBundleHash,
	}
}

// UpdateInfo describes the release a device should download.
type UpdateInfo struct {
	Version      string `json:"version"`
	BundleURL    string `json:"bundleUrl"`
	BundleSize   int64  `json:"bundleSize"`
	BundleHash   string `json:"bundleHash"`
	ReleaseID    string `json:"releaseId"`
	ReleaseNotes string `json:"releaseNotes,omitempty"`
}

// UpdateCheckResponse is the answer to an update check. Internal
// failures on the check path are reported as "no update available"
// rather than surfaced to the device.
type UpdateCheckResponse struct {
	UpdateAvailable bool        `json:"updateAvailable"`
	Release         *UpdateInfo `json:"release,omitempty"`

	// RequiresAppStoreUpdate is set when every candidate release is
	// incompatible with the installed native app version, so only a
	// store-level update can help.
	RequiresAppStoreUpdate bool   `json:"requiresAppStoreUpdate,omitempty"`
	AppStoreMessage        string `json:"appStoreMessage,omitempty"`
}

// =============================================================================
// Health Signal Ingestion
// =============================================================================

// SignalRequest is one health event from a device.
type SignalRequest struct {
	AppID     string `json:"appId" binding:"required,max=64"`
	DeviceID  string `json:"deviceId" binding:"required,max=128"`
	ReleaseID string `json:"releaseId" binding:"required,max=64"`
	Type      string `json:"type" binding:"required,signaltype"`
}

// =============================================================================
// Admin Requests
// =============================================================================

// CreateAppRequest creates a new app.
type CreateAppRequest struct {
	Name     string `json:"name" binding:"required,max=128"`
	Platform string `json:"platform,omitempty" binding:"omitempty,oneof=ios android"`
}

// CreateReleaseRequest registers a new release in the pending state.
type CreateReleaseRequest struct {
	Version    string `json:"version" binding:"required,max=64"`
	Channel    string `json:"channel,omitempty" binding:"max=64"`
	BundleHash string `json:"bundleHash" binding:"required,max=128"`
	BundleURL  string `json:"bundleUrl" binding:"required,max=1024"`
	BundleSize int64  `json:"bundleSize" binding:"required,min=1"`

	RolloutPercentage int          `json:"rolloutPercentage" binding:"min=0,max=100"`
	Allowlist         []string     `json:"allowlist,omitempty" binding:"max=10000"`
	Blocklist         []string     `json:"blocklist,omitempty" binding:"max=10000"`
	Constraints       *Constraints `json:"constraints,omitempty"`
	Variants          []Variant    `json:"variants,omitempty"`
	ReleaseNotes      string       `json:"releaseNotes,omitempty" binding:"max=4096"`
	ScheduledAt       string       `json:"scheduledAt,omitempty"`

	AutoRollbackEnabled    bool    `json:"autoRollbackEnabled"`
	CrashThresholdPercent  float64 `json:"crashThresholdPercent,omitempty" binding:"min=0,max=100"`
	MinSessionsForRollback int     `json:"minSessionsForRollback,omitempty" binding:"min=0"`
	RollbackWindowHours    int     `json:"rollbackWindowHours,omitempty" binding:"min=0,max=720"`
}

// RolloutUpdateRequest changes a release's rollout percentage.
type RolloutUpdateRequest struct {
	RolloutPercentage int `json:"rolloutPercentage" binding:"min=0,max=100"`
}

// RollbackRequest manually rolls a release back.
type RollbackRequest struct {
	Reason string `json:"reason" binding:"required,max=1024"`
}

// ReleaseHealthResponse reports aggregated crash statistics.
type ReleaseHealthResponse struct {
	ReleaseID        string  `json:"releaseId"`
	SessionCount     int     `json:"sessionCount"`
	CrashCount       int     `json:"crashCount"`
	CrashRatePercent float64 `json:"crashRatePercent"`
	WindowHours      int     `json:"windowHours"`
}
