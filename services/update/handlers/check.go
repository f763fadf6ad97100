// Copyright (C) 2025 BundleNudge (support@bundlenudge.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package handlers implements the HTTP endpoints of the update
// service.
//
// The device-facing check path fails closed: any internal failure is
// reported to the device as "no update available" so a degraded
// server never pushes a device onto a bundle it cannot vouch for.
// Admin endpoints report their errors normally.
package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"golang.org/x/time/rate"

	"github.com/bundlenudge/bundlenudge/services/update/datatypes"
	"github.com/bundlenudge/bundlenudge/services/update/health"
	"github.com/bundlenudge/bundlenudge/services/update/observability"
	"github.com/bundlenudge/bundlenudge/services/update/rollout"
	"github.com/bundlenudge/bundlenudge/services/update/storage"
)

func init() {
	// Gin binds with its own validator engine; the custom signal
	// type validation has to be installed there too.
	if v, ok := binding.Validator.Engine().(*validator.Validate); ok {
		_ = datatypes.RegisterValidations(v)
	}
}

// =============================================================================
// Handler
// =============================================================================

// Handler carries the shared dependencies for all endpoints.
type Handler struct {
	store      *storage.Store
	resolver   *rollout.Resolver
	aggregator *health.Aggregator
	metrics    *observability.Metrics
	logger     *slog.Logger

	signalLimiter *rate.Limiter
}

// Options configures a Handler.
type Options struct {
	Store      *storage.Store
	Resolver   *rollout.Resolver
	Aggregator *health.Aggregator

	// Metrics is optional; nil disables metric updates.
	Metrics *observability.Metrics

	// Logger is optional; nil disables logging.
	Logger *slog.Logger

	// SignalRPS and SignalBurst throttle health signal ingestion.
	// Zero values fall back to 200 rps with a burst of 400.
	SignalRPS   float64
	SignalBurst int
}

// NewHandler creates a Handler.
func NewHandler(opts Options) (*Handler, error) {
	if opts.Store == nil {
		return nil, errors.New("store must not be nil")
	}
	if opts.Resolver == nil {
		return nil, errors.New("resolver must not be nil")
	}
	if opts.Aggregator == nil {
		return nil, errors.New("aggregator must not be nil")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	rps := opts.SignalRPS
	if rps <= 0 {
		rps = 200
	}
	burst := opts.SignalBurst
	if burst <= 0 {
		burst = 400
	}
	return &Handler{
		store:         opts.Store,
		resolver:      opts.Resolver,
		aggregator:    opts.Aggregator,
		metrics:       opts.Metrics,
		logger:        logger,
		signalLimiter: rate.NewLimiter(rate.Limit(rps), burst),
	}, nil
}

// =============================================================================
// Update Check
// =============================================================================

// noUpdateResponse is what devices receive whenever nothing should be
// served, for whatever internal reason.
var noUpdateResponse = datatypes.UpdateCheckResponse{UpdateAvailable: false}

// UpdateCheck handles POST /v1/update/check.
//
// # Description
//
// Resolves the best release for the requesting device: loads the
// channel and its candidate releases, then applies constraint,
// rollout, and variant policy. Malformed requests get 400; every
// internal failure degrades to "no update available" with 200.
func (h *Handler) UpdateCheck(c *gin.Context) {
	start := time.Now()

	var req datatypes.UpdateCheckRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.countCheck("error")
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}

	channelName := req.Channel
	if channelName == "" {
		channelName = datatypes.DefaultChannel
	}

	ctx := c.Request.Context()

	channel, err := h.store.GetChannel(ctx, req.AppID, channelName)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			h.logger.Error("channel lookup failed",
				"app_id", req.AppID, "channel", channelName, "error", err)
		}
		h.respondNoUpdate(c, start)
		return
	}

	candidates, err := h.store.ListChannelReleases(ctx, req.AppID, channelName)
	if err != nil {
		h.logger.Error("listing releases failed",
			"app_id", req.AppID, "channel", channelName, "error", err)
		h.respondNoUpdate(c, start)
		return
	}

	decision, outcome, err := h.resolver.Resolve(ctx, channel, candidates, req.Device(), req.Identity())
	if err != nil {
		h.logger.Error("resolution failed",
			"app_id", req.AppID, "device_id", req.DeviceID, "error", err)
		h.respondNoUpdate(c, start)
		return
	}

	switch outcome {
	case rollout.OutcomeUpdate:
		h.countCheck("update")
		h.observeCheck(start)
		c.JSON(http.StatusOK, datatypes.UpdateCheckResponse{
			UpdateAvailable: true,
			Release:         updateInfo(decision),
		})
	case rollout.OutcomeStoreUpdate:
		h.countCheck("store_update")
		h.observeCheck(start)
		c.JSON(http.StatusOK, datatypes.UpdateCheckResponse{
			UpdateAvailable:        false,
			RequiresAppStoreUpdate: true,
			AppStoreMessage:        "Please update the app from the app store to receive the latest version.",
		})
	default:
		h.countCheck("no_update")
		h.observeCheck(start)
		c.JSON(http.StatusOK, noUpdateResponse)
	}
}

// updateInfo flattens a decision into the wire shape. Variant
// releases serve the variant's bundle, not the base bundle.
func updateInfo(d *rollout.Decision) *datatypes.UpdateInfo {
	rel := d.Release
	info := &datatypes.UpdateInfo{
		Version:      rel.Version,
		BundleURL:    rel.BundleURL,
		BundleSize:   rel.BundleSize,
		BundleHash:   rel.BundleHash,
		ReleaseID:    rel.ID,
		ReleaseNotes: rel.ReleaseNotes,
	}
	if d.Variant != nil {
		info.BundleURL = d.Variant.BundleURL
		info.BundleSize = d.Variant.BundleSize
		info.BundleHash = d.Variant.BundleHash
	}
	return info
}

func (h *Handler) respondNoUpdate(c *gin.Context, start time.Time) {
	h.countCheck("no_update")
	h.observeCheck(start)
	c.JSON(http.StatusOK, noUpdateResponse)
}

func (h *Handler) countCheck(outcome string) {
	if h.metrics != nil {
		h.metrics.ChecksTotal.WithLabelValues(outcome).Inc()
	}
}

func (h *Handler) observeCheck(start time.Time) {
	if h.metrics != nil {
		h.metrics.CheckDurationSeconds.Observe(time.Since(start).Seconds())
	}
}
