// Copyright (C) 2025 BundleNudge (support@bundlenudge.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func authRouter(apiKey string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/admin", AdminAuth(apiKey), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	return r
}

func doGet(r *gin.Engine, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/admin", nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestAdminAuth_XAPIKey(t *testing.T) {
	r := authRouter("secret")

	w := doGet(r, map[string]string{"X-API-Key": "secret"})
	assert.Equal(t, http.StatusOK, w.Code)

	w = doGet(r, map[string]string{"X-API-Key": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAdminAuth_BearerToken(t *testing.T) {
	r := authRouter("secret")

	w := doGet(r, map[string]string{"Authorization": "Bearer secret"})
	assert.Equal(t, http.StatusOK, w.Code)

	w = doGet(r, map[string]string{"Authorization": "bearer secret"})
	assert.Equal(t, http.StatusOK, w.Code, "scheme is case-insensitive")

	w = doGet(r, map[string]string{"Authorization": "Basic secret"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAdminAuth_MissingKey(t *testing.T) {
	r := authRouter("secret")
	w := doGet(r, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAdminAuth_OpenModeWhenUnconfigured(t *testing.T) {
	r := authRouter("")
	w := doGet(r, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAdminAuth_XAPIKeyWinsOverBearer(t *testing.T) {
	r := authRouter("secret")
	w := doGet(r, map[string]string{
		"X-API-Key":     "wrong",
		"Authorization": "Bearer secret",
	})
	assert.Equal(t, http.StatusUnauthorized, w.Code, "X-API-Key takes precedence when present")
}
