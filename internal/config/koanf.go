// Newhigh - A-Share Market Data Ingestion and Sync Engine
// Copyright 2026 wateryu2030
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/wateryu2030/newhigh-zh-sub000

package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists where a config file is searched, in priority order.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/newhigh/config.yaml",
	"/etc/newhigh/config.yml",
}

// ConfigPathEnvVar overrides the config file path.
const ConfigPathEnvVar = "CONFIG_PATH"

// defaultConfig returns a Config with all defaults applied. These mirror the
// long-standing operational knobs of the engine: a 0.05s provider pace, a
// 10000-row write cache, a 30s flush interval, 5x1s/1.8 retries.
func defaultConfig() *Config {
	return &Config{
		Provider: ProviderConfig{
			BaseURL:         "http://127.0.0.1:8565",
			PaceSeconds:     0.05,
			WebPaceSeconds:  0.2,
			TimeoutSeconds:  30,
			FailStreakLimit: 6,
		},
		Database: DatabaseConfig{
			Backend:   "duckdb",
			Path:      "data/stock_database.duckdb",
			URL:       "",
			MaxMemory: "2GB",
			Threads:   0,
		},
		Sync: SyncConfig{
			BatchLimit:        50,
			FreshnessYears:    1,
			LoopSleepSeconds:  300,
			RetryAttempts:     5,
			RetryDelaySeconds: 1.0,
			RetryBackoff:      1.8,
		},
		Writer: WriterConfig{
			CacheDir:             "data_cache/db_cache",
			BatchSize:            10000,
			FlushIntervalSeconds: 30,
			QueueDepth:           8,
			StopTimeoutSeconds:   10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load builds the configuration with layered sources:
//  1. Defaults from defaultConfig
//  2. Optional YAML config file
//  3. Environment variables (highest priority)
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("", ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// findConfigFile returns the first config file found, or "".
func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// envTransformFunc maps environment variable names to koanf config paths.
// Unmapped variables are skipped so random environment noise cannot pollute
// the configuration.
func envTransformFunc(key string) string {
	envMappings := map[string]string{
		// Provider
		"provider_base_url":  "provider.base_url",
		"provider_user":      "provider.user",
		"provider_password":  "provider.password",
		"sleep_sec_provider": "provider.pace_seconds",
		"sleep_sec_web":      "provider.web_pace_seconds",
		"provider_timeout":   "provider.timeout_seconds",
		"fail_streak_limit":  "provider.fail_streak_limit",

		// Database
		"db_backend":        "database.backend",
		"stock_db_url":      "database.url",
		"duckdb_path":       "database.path",
		"duckdb_max_memory": "database.max_memory",
		"duckdb_threads":    "database.threads",

		// Sync
		"sync_batch_limit":     "sync.batch_limit",
		"sync_freshness_years": "sync.freshness_years",
		"sync_loop_sleep":      "sync.loop_sleep_seconds",
		"sync_retry_attempts":  "sync.retry_attempts",
		"sync_retry_delay":     "sync.retry_delay_seconds",
		"sync_retry_backoff":   "sync.retry_backoff",

		// Writer
		"cache_dir":          "writer.cache_dir",
		"cache_batch_size":   "writer.batch_size",
		"flush_interval":     "writer.flush_interval_seconds",
		"writer_queue_depth": "writer.queue_depth",

		// Logging
		"log_level":  "logging.level",
		"log_format": "logging.format",
		"log_caller": "logging.caller",
	}

	if mapped, ok := envMappings[strings.ToLower(key)]; ok {
		return mapped
	}
	return ""
}
