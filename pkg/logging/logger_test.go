// Copyright (C) 2025 BundleNudge (support@bundlenudge.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// ParseLevel
// =============================================================================

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("debug"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("info"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warn"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("WARNING"))
	assert.Equal(t, slog.LevelError, ParseLevel(" error "))
	assert.Equal(t, slog.LevelInfo, ParseLevel("verbose"), "unknown level falls back to info")
	assert.Equal(t, slog.LevelInfo, ParseLevel(""))
}

// =============================================================================
// New
// =============================================================================

func TestNew_FileOutputIsJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.log")
	logger, closeFn := New(Config{
		File:    path,
		Service: "test",
		Quiet:   true,
	})
	logger.Info("release activated", "release_id", "rel-1")
	require.NoError(t, closeFn())

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(data), &entry))
	assert.Equal(t, "release activated", entry["msg"])
	assert.Equal(t, "rel-1", entry["release_id"])
	assert.Equal(t, "test", entry["service"])
}

func TestNew_LevelFiltersDebug(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.log")
	logger, closeFn := New(Config{Level: "warn", File: path, Quiet: true})
	logger.Debug("hidden")
	logger.Info("hidden too")
	logger.Warn("visible")
	require.NoError(t, closeFn())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "hidden")
	assert.Contains(t, string(data), "visible")
}

func TestNew_QuietWithoutFileStillUsable(t *testing.T) {
	logger, closeFn := New(Config{Quiet: true})
	require.NotNil(t, logger)
	// Must not panic.
	logger.Info("discarded")
	assert.NoError(t, closeFn())
}

func TestDefault(t *testing.T) {
	logger := Default()
	require.NotNil(t, logger)
	assert.True(t, logger.Enabled(context.Background(), slog.LevelInfo))
	assert.False(t, logger.Enabled(context.Background(), slog.LevelDebug))
}

// =============================================================================
// multiHandler
// =============================================================================

func TestMultiHandler_FansOut(t *testing.T) {
	var a, b bytes.Buffer
	h := &multiHandler{handlers: []slog.Handler{
		slog.NewJSONHandler(&a, nil),
		slog.NewTextHandler(&b, nil),
	}}
	logger := slog.New(h)
	logger.Info("hello", "k", "v")

	assert.Contains(t, a.String(), `"hello"`)
	assert.Contains(t, b.String(), "hello")
}

func TestMultiHandler_RespectsPerHandlerLevels(t *testing.T) {
	var debugOut, warnOut bytes.Buffer
	h := &multiHandler{handlers: []slog.Handler{
		slog.NewTextHandler(&debugOut, &slog.HandlerOptions{Level: slog.LevelDebug}),
		slog.NewTextHandler(&warnOut, &slog.HandlerOptions{Level: slog.LevelWarn}),
	}}
	logger := slog.New(h)
	logger.Debug("details")

	assert.Contains(t, debugOut.String(), "details")
	assert.Empty(t, warnOut.String())
}
