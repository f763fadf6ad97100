// Copyright (C) 2025 BundleNudge (support@bundlenudge.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package middleware provides HTTP middleware for the update service.
//
// # Authentication Flow
//
// Admin endpoints are protected by a single static API key. The
// middleware accepts the key from either location:
//
//	X-API-Key: <key>
//	Authorization: Bearer <key>
//
// When the configured key is empty, authentication is disabled and
// all requests pass. This open mode exists for local development
// only; production deployments always set a key.
package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// =============================================================================
// Admin Auth
// =============================================================================

// AdminAuth creates a Gin middleware that guards admin routes with a
// static API key.
//
// # Description
//
// Compares the presented key against the configured one in constant
// time. A missing or mismatched key aborts the request with 401.
//
// # Inputs
//
//   - apiKey: The expected key. Empty disables authentication.
//
// # Outputs
//
//   - gin.HandlerFunc: Middleware ready for use with a route group.
//
// # Thread Safety
//
// Thread-safe. The returned middleware can be used concurrently.
func AdminAuth(apiKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if apiKey == "" {
			c.Next()
			return
		}

		presented := extractAPIKey(c)
		if presented == "" || subtle.ConstantTimeCompare([]byte(presented), []byte(apiKey)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "unauthorized",
			})
			return
		}
		c.Next()
	}
}

// extractAPIKey pulls the key from X-API-Key, falling back to a
// Bearer token. The "Bearer" prefix is case-insensitive per RFC 7235.
func extractAPIKey(c *gin.Context) string {
	if key := strings.TrimSpace(c.GetHeader("X-API-Key")); key != "" {
		return key
	}

	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		return ""
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
