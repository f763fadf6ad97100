// Copyright (C) 2025 BundleNudge (support@bundlenudge.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bundlenudge/bundlenudge/services/update/handlers"
	"github.com/bundlenudge/bundlenudge/services/update/middleware"
)

// SetupRoutes registers all update service endpoints.
//
// Device-facing endpoints (/v1/update/check, /v1/signals) are
// unauthenticated; real deployments authenticate devices at the edge.
// Admin endpoints require the API key.
func SetupRoutes(router *gin.Engine, h *handlers.Handler, adminAPIKey string) {
	router.GET("/health", h.HealthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/v1")
	{
		v1.POST("/update/check", h.UpdateCheck)
		v1.POST("/signals", h.ReportSignal)

		admin := v1.Group("/admin", middleware.AdminAuth(adminAPIKey))
		{
			admin.POST("/apps", h.CreateApp)
			admin.GET("/apps/:appId", h.GetApp)
			admin.POST("/manifest/verify", h.VerifyManifest)

			releases := admin.Group("/apps/:appId/releases")
			{
				releases.POST("", h.CreateRelease)
				releases.GET("", h.ListReleases)
				releases.GET("/:releaseId", h.GetRelease)
				releases.GET("/:releaseId/health", h.ReleaseHealth)
				releases.POST("/:releaseId/activate", h.ActivateRelease)
				releases.POST("/:releaseId/pause", h.PauseRelease)
				releases.POST("/:releaseId/resume", h.ResumeRelease)
				releases.PATCH("/:releaseId/rollout", h.UpdateRollout)
				releases.POST("/:releaseId/rollback", h.RollbackRelease)
			}
		}
	}
}
