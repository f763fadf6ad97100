// Copyright (C) 2025 BundleNudge (support@bundlenudge.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/bundlenudge/bundlenudge/services/update/datatypes"
)

// ReportSignal handles POST /v1/signals.
//
// # Description
//
// Ingests one health event (applied, crash, health_ok, health_fail)
// from a device. Ingestion is rate limited globally; devices that
// are shed get 429 and should drop the signal, not retry. Accepted
// signals return 202 since aggregation happens asynchronously.
func (h *Handler) ReportSignal(c *gin.Context) {
	if !h.signalLimiter.Allow() {
		h.countSignalRejected()
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
		return
	}

	var req datatypes.SignalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.countSignalRejected()
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}

	sig := datatypes.HealthSignal{
		DeviceID:  req.DeviceID,
		ReleaseID: req.ReleaseID,
		Type:      datatypes.SignalType(req.Type),
		Timestamp: time.Now().UTC(),
	}
	if err := h.aggregator.Record(c.Request.Context(), sig); err != nil {
		h.countSignalRejected()
		h.logger.Error("signal ingestion failed",
			"release_id", req.ReleaseID, "type", req.Type, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "signal not recorded"})
		return
	}

	if h.metrics != nil {
		h.metrics.SignalsTotal.WithLabelValues(req.Type).Inc()
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}

func (h *Handler) countSignalRejected() {
	if h.metrics != nil {
		h.metrics.SignalsRejectedTotal.Inc()
	}
}
