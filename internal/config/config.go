// Newhigh - A-Share Market Data Ingestion and Sync Engine
// Copyright 2026 wateryu2030
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/wateryu2030/newhigh-zh-sub000

// Package config loads the engine configuration from layered sources:
// built-in defaults, an optional YAML file, and environment variables
// (highest priority).
package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// Config is the root configuration for the sync engine.
type Config struct {
	Provider ProviderConfig `koanf:"provider"`
	Database DatabaseConfig `koanf:"database"`
	Sync     SyncConfig     `koanf:"sync"`
	Writer   WriterConfig   `koanf:"writer"`
	Logging  LoggingConfig  `koanf:"logging"`
}

// ProviderConfig configures the external quote-service session.
type ProviderConfig struct {
	// BaseURL is the quote-service endpoint.
	BaseURL string `koanf:"base_url" validate:"required,url"`

	// User and Password are optional; the public service accepts anonymous
	// logins with empty credentials.
	User     string `koanf:"user"`
	Password string `koanf:"password"`

	// PaceSeconds is the cooperative sleep applied after every provider
	// call (SLEEP_SEC_PROVIDER). Fractions are allowed.
	PaceSeconds float64 `koanf:"pace_seconds" validate:"gte=0"`

	// WebPaceSeconds paces generic web-scrape calls (SLEEP_SEC_WEB).
	WebPaceSeconds float64 `koanf:"web_pace_seconds" validate:"gte=0"`

	// TimeoutSeconds bounds a single provider HTTP call.
	TimeoutSeconds int `koanf:"timeout_seconds" validate:"gt=0"`

	// FailStreakLimit is the consecutive-transient-failure threshold after
	// which the remaining sub-queries for one entity are deferred.
	FailStreakLimit int `koanf:"fail_streak_limit" validate:"gt=0"`
}

// DatabaseConfig selects and configures the storage backend.
type DatabaseConfig struct {
	// Backend is either "duckdb" (embedded, single writer) or "postgres".
	Backend string `koanf:"backend" validate:"oneof=duckdb postgres"`

	// Path is the DuckDB database file (duckdb backend only).
	Path string `koanf:"path"`

	// URL is the server DSN (postgres backend only), STOCK_DB_URL.
	URL string `koanf:"url"`

	// MaxMemory caps DuckDB memory usage, e.g. "2GB".
	MaxMemory string `koanf:"max_memory"`

	// Threads sets DuckDB worker threads; 0 uses runtime.NumCPU().
	Threads int `koanf:"threads" validate:"gte=0"`
}

// SyncConfig carries orchestrator defaults overridable per CLI run.
type SyncConfig struct {
	// BatchLimit is the number of pending entities fetched per cycle.
	BatchLimit int `koanf:"batch_limit" validate:"gt=0"`

	// FreshnessYears is the recency window: the latest synced year for an
	// entity must be >= current_year - (FreshnessYears - 1).
	FreshnessYears int `koanf:"freshness_years" validate:"gt=0"`

	// LoopSleepSeconds is the delay between loop iterations, floor-clamped
	// to 30s at run time.
	LoopSleepSeconds int `koanf:"loop_sleep_seconds" validate:"gte=0"`

	// RetryAttempts and RetryDelaySeconds shape the provider retry policy.
	RetryAttempts     int     `koanf:"retry_attempts" validate:"gt=0"`
	RetryDelaySeconds float64 `koanf:"retry_delay_seconds" validate:"gt=0"`
	RetryBackoff      float64 `koanf:"retry_backoff" validate:"gte=1"`
}

// WriterConfig configures the async batched writer.
type WriterConfig struct {
	// CacheDir holds the on-disk write cache segments.
	CacheDir string `koanf:"cache_dir" validate:"required"`

	// BatchSize triggers a flush once a segment accumulates this many rows.
	BatchSize int `koanf:"batch_size" validate:"gt=0"`

	// FlushIntervalSeconds triggers a flush once a segment is older than this.
	FlushIntervalSeconds int `koanf:"flush_interval_seconds" validate:"gt=0"`

	// QueueDepth bounds the flush queue, providing backpressure when the
	// background worker falls behind.
	QueueDepth int `koanf:"queue_depth" validate:"gt=0"`

	// StopTimeoutSeconds bounds the worker join during Stop.
	StopTimeoutSeconds int `koanf:"stop_timeout_seconds" validate:"gt=0"`
}

// LoggingConfig configures the global logger.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format" validate:"oneof=json console"`
	Caller bool   `koanf:"caller"`
}

// Validate checks structural constraints plus cross-field rules that tags
// cannot express.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("config validation: %w", err)
	}

	switch c.Database.Backend {
	case "duckdb":
		if c.Database.Path == "" {
			return fmt.Errorf("database.path is required for the duckdb backend")
		}
	case "postgres":
		if c.Database.URL == "" {
			return fmt.Errorf("database.url (STOCK_DB_URL) is required for the postgres backend")
		}
	}

	return nil
}
