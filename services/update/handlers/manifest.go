// Copyright (C) 2025 BundleNudge (support@bundlenudge.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/bundlenudge/bundlenudge/services/update/manifest"
)

// maxVerifyBundleBytes caps bundle uploads on the verify endpoint.
const maxVerifyBundleBytes = 64 << 20

// VerifyManifest handles POST /v1/admin/manifest/verify.
//
// # Description
//
// Takes a multipart form with a "bundle" file and a "manifest" file
// and reports every integrity mismatch between them. A failed
// verification is still a 200; the result's valid flag and error
// list carry the outcome.
func (h *Handler) VerifyManifest(c *gin.Context) {
	bundleData, err := readFormFile(c, "bundle", maxVerifyBundleBytes)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bundle file: " + err.Error()})
		return
	}
	manifestData, err := readFormFile(c, "manifest", manifestMaxBytes)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "manifest file: " + err.Error()})
		return
	}

	m, err := manifest.Parse(manifestData)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid manifest: " + err.Error()})
		return
	}

	c.JSON(http.StatusOK, manifest.Verify(bundleData, m))
}

const manifestMaxBytes = 1 << 20

func readFormFile(c *gin.Context, field string, limit int64) ([]byte, error) {
	fh, err := c.FormFile(field)
	if err != nil {
		return nil, err
	}
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	return io.ReadAll(io.LimitReader(f, limit))
}
