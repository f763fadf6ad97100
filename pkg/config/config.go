// Copyright (C) 2025 BundleNudge (support@bundlenudge.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package config provides configuration loading for the BundleNudge
// server.
//
// Configuration is layered: built-in defaults, then an optional YAML
// file, then BUNDLENUDGE_* environment variables. Later layers win.
//
// Thread Safety:
//
//	Load returns a value that callers treat as read-only after
//	startup; no further synchronization is required.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// MaxConfigFileSize is the maximum allowed config file size (1MB).
// Prevents memory issues from pathological files.
const MaxConfigFileSize = 1024 * 1024

// =============================================================================
// Types
// =============================================================================

// Config is the full server configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Storage  StorageConfig  `yaml:"storage"`
	Rollback RollbackConfig `yaml:"rollback"`
	Logging  LoggingConfig  `yaml:"logging"`
	Tracing  TracingConfig  `yaml:"tracing"`
	Limits   LimitsConfig   `yaml:"limits"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	// Addr is the listen address, e.g. ":8080".
	Addr string `yaml:"addr"`

	// AdminAPIKey protects the admin endpoints. Empty disables
	// authentication, intended only for local development.
	AdminAPIKey string `yaml:"admin_api_key"`

	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// StorageConfig configures the Badger database.
type StorageConfig struct {
	Path       string `yaml:"path"`
	InMemory   bool   `yaml:"in_memory"`
	SyncWrites bool   `yaml:"sync_writes"`
}

// RollbackConfig configures the automatic rollback loop.
type RollbackConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`

	// LockPath enables a cross-process file lock around evaluation
	// cycles. Empty disables it.
	LockPath string `yaml:"lock_path"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	JSON       bool   `yaml:"json"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// TracingConfig configures OpenTelemetry export.
type TracingConfig struct {
	Enabled bool `yaml:"enabled"`

	// Endpoint is the OTLP gRPC collector address,
	// e.g. "localhost:4317".
	Endpoint string `yaml:"endpoint"`
}

// LimitsConfig configures request throttling.
type LimitsConfig struct {
	// SignalRPS caps sustained health-signal ingestion per second.
	SignalRPS float64 `yaml:"signal_rps"`

	// SignalBurst is the burst allowance on top of SignalRPS.
	SignalBurst int `yaml:"signal_burst"`

	// MaxBodyBytes caps request body size.
	MaxBodyBytes int64 `yaml:"max_body_bytes"`
}

// =============================================================================
// Loading
// =============================================================================

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Storage: StorageConfig{
			Path: "/var/lib/bundlenudge/db",
		},
		Rollback: RollbackConfig{
			Enabled:  true,
			Interval: 2 * time.Minute,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Tracing: TracingConfig{
			Endpoint: "localhost:4317",
		},
		Limits: LimitsConfig{
			SignalRPS:    200,
			SignalBurst:  400,
			MaxBodyBytes: 1 << 20,
		},
	}
}

// Load reads configuration from the optional YAML file at path, then
// applies environment overrides.
//
// # Inputs
//
//   - path: YAML file path. Empty skips file loading; a missing
//     file at a non-empty path is an error.
//
// # Outputs
//
//   - Config: Merged configuration.
//   - error: Non-nil on unreadable or invalid file contents.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		info, err := os.Stat(path)
		if err != nil {
			return cfg, fmt.Errorf("config file: %w", err)
		}
		if info.Size() > MaxConfigFileSize {
			return cfg, fmt.Errorf("config file %s exceeds %d bytes", path, MaxConfigFileSize)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks invariants not expressible in the YAML schema.
func (c Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr must not be empty")
	}
	if !c.Storage.InMemory && c.Storage.Path == "" {
		return fmt.Errorf("storage.path must be set when not in-memory")
	}
	if c.Rollback.Interval <= 0 {
		return fmt.Errorf("rollback.interval must be positive")
	}
	if c.Limits.SignalRPS <= 0 {
		return fmt.Errorf("limits.signal_rps must be positive")
	}
	if c.Limits.MaxBodyBytes <= 0 {
		return fmt.Errorf("limits.max_body_bytes must be positive")
	}
	return nil
}

// applyEnv overlays BUNDLENUDGE_* environment variables.
func applyEnv(cfg *Config) {
	setString("BUNDLENUDGE_ADDR", &cfg.Server.Addr)
	setString("BUNDLENUDGE_ADMIN_API_KEY", &cfg.Server.AdminAPIKey)
	setString("BUNDLENUDGE_DB_PATH", &cfg.Storage.Path)
	setBool("BUNDLENUDGE_DB_IN_MEMORY", &cfg.Storage.InMemory)
	setBool("BUNDLENUDGE_DB_SYNC_WRITES", &cfg.Storage.SyncWrites)
	setBool("BUNDLENUDGE_ROLLBACK_ENABLED", &cfg.Rollback.Enabled)
	setDuration("BUNDLENUDGE_ROLLBACK_INTERVAL", &cfg.Rollback.Interval)
	setString("BUNDLENUDGE_ROLLBACK_LOCK_PATH", &cfg.Rollback.LockPath)
	setString("BUNDLENUDGE_LOG_LEVEL", &cfg.Logging.Level)
	setString("BUNDLENUDGE_LOG_FILE", &cfg.Logging.File)
	setBool("BUNDLENUDGE_LOG_JSON", &cfg.Logging.JSON)
	setBool("BUNDLENUDGE_TRACING_ENABLED", &cfg.Tracing.Enabled)
	setString("OTEL_EXPORTER_OTLP_ENDPOINT", &cfg.Tracing.Endpoint)
}

func setString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			*dst = b
		}
	}
}

func setDuration(key string, dst *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(strings.TrimSpace(v)); err == nil && d > 0 {
			*dst = d
		}
	}
}
