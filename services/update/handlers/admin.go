// Copyright (C) 2025 BundleNudge (support@bundlenudge.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/bundlenudge/bundlenudge/services/update/datatypes"
	"github.com/bundlenudge/bundlenudge/services/update/storage"
)

// =============================================================================
// Apps
// =============================================================================

// CreateApp handles POST /v1/admin/apps.
func (h *Handler) CreateApp(c *gin.Context) {
	var req datatypes.CreateAppRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}

	app := &datatypes.App{
		ID:        uuid.NewString(),
		Name:      req.Name,
		Platform:  req.Platform,
		CreatedAt: time.Now().UTC(),
	}
	if err := h.store.SaveApp(c.Request.Context(), app); err != nil {
		h.logger.Error("creating app failed", "name", req.Name, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not create app"})
		return
	}

	h.logger.Info("app created", "app_id", app.ID, "name", app.Name)
	c.JSON(http.StatusCreated, app)
}

// GetApp handles GET /v1/admin/apps/:appId.
func (h *Handler) GetApp(c *gin.Context) {
	app, err := h.store.GetApp(c.Request.Context(), c.Param("appId"))
	if err != nil {
		h.respondStoreError(c, err, "app")
		return
	}
	c.JSON(http.StatusOK, app)
}

// =============================================================================
// Releases
// =============================================================================

// CreateRelease handles POST /v1/admin/apps/:appId/releases.
//
// The release is created in the pending state; activation is a
// separate, explicit step (or a schedule).
func (h *Handler) CreateRelease(c *gin.Context) {
	appID := c.Param("appId")

	var req datatypes.CreateReleaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}

	ctx := c.Request.Context()
	if _, err := h.store.GetApp(ctx, appID); err != nil {
		h.respondStoreError(c, err, "app")
		return
	}

	channel := req.Channel
	if channel == "" {
		channel = datatypes.DefaultChannel
	}

	var scheduledAt time.Time
	if req.ScheduledAt != "" {
		t, err := time.Parse(time.RFC3339, req.ScheduledAt)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "scheduledAt must be RFC 3339"})
			return
		}
		scheduledAt = t.UTC()
	}

	rel := &datatypes.Release{
		ID:                     uuid.NewString(),
		AppID:                  appID,
		Version:                req.Version,
		ChannelID:              channel,
		BundleHash:             req.BundleHash,
		BundleURL:              req.BundleURL,
		BundleSize:             req.BundleSize,
		Status:                 datatypes.StatusPending,
		RolloutPercentage:      req.RolloutPercentage,
		Allowlist:              req.Allowlist,
		Blocklist:              req.Blocklist,
		Constraints:            req.Constraints,
		Variants:               req.Variants,
		ReleaseNotes:           req.ReleaseNotes,
		ScheduledAt:            scheduledAt,
		AutoRollbackEnabled:    req.AutoRollbackEnabled,
		CrashThresholdPercent:  req.CrashThresholdPercent,
		MinSessionsForRollback: req.MinSessionsForRollback,
		RollbackWindowHours:    req.RollbackWindowHours,
		CreatedAt:              time.Now().UTC(),
	}
	for i := range rel.Variants {
		if rel.Variants[i].ID == "" {
			rel.Variants[i].ID = uuid.NewString()
		}
	}
	if err := rel.ValidateVariants(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.store.CreateRelease(ctx, rel); err != nil {
		if errors.Is(err, storage.ErrVersionExists) {
			c.JSON(http.StatusConflict, gin.H{"error": "version already exists for this app"})
			return
		}
		h.logger.Error("creating release failed",
			"app_id", appID, "version", req.Version, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not create release"})
		return
	}

	h.logger.Info("release created",
		"app_id", appID, "release_id", rel.ID, "version", rel.Version, "channel", channel)
	c.JSON(http.StatusCreated, rel)
}

// ListReleases handles GET /v1/admin/apps/:appId/releases.
func (h *Handler) ListReleases(c *gin.Context) {
	appID := c.Param("appId")

	var (
		releases []*datatypes.Release
		err      error
	)
	if channel := c.Query("channel"); channel != "" {
		releases, err = h.store.ListChannelReleases(c.Request.Context(), appID, channel)
	} else {
		releases, err = h.store.ListReleases(c.Request.Context(), appID)
	}
	if err != nil {
		h.logger.Error("listing releases failed", "app_id", appID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not list releases"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"releases": releases})
}

// GetRelease handles GET /v1/admin/apps/:appId/releases/:releaseId.
func (h *Handler) GetRelease(c *gin.Context) {
	rel, err := h.store.GetRelease(c.Request.Context(), c.Param("appId"), c.Param("releaseId"))
	if err != nil {
		h.respondStoreError(c, err, "release")
		return
	}
	c.JSON(http.StatusOK, rel)
}

// =============================================================================
// Lifecycle
// =============================================================================

// ActivateRelease handles POST .../releases/:releaseId/activate.
// Activation repoints the release's channel in the same transaction.
func (h *Handler) ActivateRelease(c *gin.Context) {
	rel, err := h.store.ActivateRelease(c.Request.Context(),
		c.Param("appId"), c.Param("releaseId"), time.Now().UTC())
	if err != nil {
		h.respondTransitionError(c, err)
		return
	}
	h.logger.Info("release activated",
		"app_id", rel.AppID, "release_id", rel.ID, "version", rel.Version)
	c.JSON(http.StatusOK, rel)
}

// PauseRelease handles POST .../releases/:releaseId/pause.
func (h *Handler) PauseRelease(c *gin.Context) {
	h.setStatus(c, datatypes.StatusPaused)
}

// ResumeRelease handles POST .../releases/:releaseId/resume.
func (h *Handler) ResumeRelease(c *gin.Context) {
	h.setStatus(c, datatypes.StatusActive)
}

func (h *Handler) setStatus(c *gin.Context, to datatypes.ReleaseStatus) {
	rel, err := h.store.SetReleaseStatus(c.Request.Context(),
		c.Param("appId"), c.Param("releaseId"), to, time.Now().UTC())
	if err != nil {
		h.respondTransitionError(c, err)
		return
	}
	h.logger.Info("release status changed",
		"app_id", rel.AppID, "release_id", rel.ID, "status", rel.Status)
	c.JSON(http.StatusOK, rel)
}

// UpdateRollout handles PATCH .../releases/:releaseId/rollout.
func (h *Handler) UpdateRollout(c *gin.Context) {
	var req datatypes.RolloutUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}

	rel, err := h.store.UpdateRollout(c.Request.Context(),
		c.Param("appId"), c.Param("releaseId"), req.RolloutPercentage)
	if err != nil {
		h.respondStoreError(c, err, "release")
		return
	}
	h.logger.Info("rollout updated",
		"app_id", rel.AppID, "release_id", rel.ID, "rollout_percentage", rel.RolloutPercentage)
	c.JSON(http.StatusOK, rel)
}

// RollbackRelease handles POST .../releases/:releaseId/rollback.
//
// Manual counterpart of the automatic controller: flips the release
// to rolled_back and repoints the channel at the fallback in one
// transaction.
func (h *Handler) RollbackRelease(c *gin.Context) {
	var req datatypes.RollbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}

	appID, releaseID := c.Param("appId"), c.Param("releaseId")
	fallback, err := h.store.RollbackRelease(c.Request.Context(),
		appID, releaseID, req.Reason, time.Now().UTC())
	if err != nil {
		if errors.Is(err, storage.ErrNoFallback) {
			c.JSON(http.StatusConflict, gin.H{"error": "no fallback release available on this channel"})
			return
		}
		h.respondTransitionError(c, err)
		return
	}

	h.logger.Warn("release rolled back manually",
		"app_id", appID, "release_id", releaseID,
		"fallback_release_id", fallback.ID, "reason", req.Reason)
	if h.metrics != nil {
		h.metrics.RollbacksTotal.Inc()
	}
	c.JSON(http.StatusOK, gin.H{
		"status":   string(datatypes.StatusRolledBack),
		"fallback": fallback,
	})
}

// ReleaseHealth handles GET .../releases/:releaseId/health.
func (h *Handler) ReleaseHealth(c *gin.Context) {
	ctx := c.Request.Context()
	rel, err := h.store.GetRelease(ctx, c.Param("appId"), c.Param("releaseId"))
	if err != nil {
		h.respondStoreError(c, err, "release")
		return
	}

	stats, err := h.aggregator.StatsFor(ctx, rel)
	if err != nil {
		h.logger.Error("health aggregation failed", "release_id", rel.ID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not aggregate health"})
		return
	}

	c.JSON(http.StatusOK, datatypes.ReleaseHealthResponse{
		ReleaseID:        rel.ID,
		SessionCount:     stats.SessionCount,
		CrashCount:       stats.CrashCount,
		CrashRatePercent: stats.CrashRatePercent,
		WindowHours:      int(rel.RollbackWindow().Hours()),
	})
}

// =============================================================================
// Error Mapping
// =============================================================================

func (h *Handler) respondStoreError(c *gin.Context, err error, kind string) {
	if errors.Is(err, storage.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": kind + " not found"})
		return
	}
	h.logger.Error("storage error", "kind", kind, "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}

// respondTransitionError maps lifecycle failures: unknown release is
// 404, a disallowed state transition is 409, everything else 500.
func (h *Handler) respondTransitionError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "release not found"})
	case errors.Is(err, datatypes.ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		h.logger.Error("lifecycle operation failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
