// Copyright (C) 2026 Tern Data (engineering@terndata.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package config loads the catalog service configuration with priority:
// environment > file > defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/ternhq/tern/pkg/logging"
	"github.com/ternhq/tern/services/catalog/pool"
	"github.com/ternhq/tern/services/catalog/processor"
	"github.com/ternhq/tern/services/catalog/search"
	"github.com/ternhq/tern/services/catalog/store"
	"github.com/ternhq/tern/services/catalog/telemetry"
)

// ServerConfig configures the HTTP API listener.
type ServerConfig struct {
	Addr            string        `yaml:"addr" validate:"required"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// RegistryConfig locates the entity registry file.
type RegistryConfig struct {
	Path string `yaml:"path" validate:"required"`

	// Watch reloads the registry on file change.
	Watch bool `yaml:"watch"`
}

// StoreConfig configures the embedded databases. Graph and run tracking
// share one database directory.
type StoreConfig struct {
	Path       string        `yaml:"path" validate:"required"`
	SyncWrites bool          `yaml:"sync_writes"`
	GCInterval time.Duration `yaml:"gc_interval"`
}

// SearchConfig configures the search backend connection.
type SearchConfig struct {
	URL                string        `yaml:"url" validate:"required,url"`
	RetryAttempts      int           `yaml:"retry_attempts" validate:"gte=0"`
	RetryBackoff       time.Duration `yaml:"retry_backoff"`
	CircuitThreshold   int           `yaml:"circuit_threshold" validate:"gte=0"`
	CircuitCooldown    time.Duration `yaml:"circuit_cooldown"`
	AllowStartDegraded bool          `yaml:"allow_start_degraded"`
}

// PipelineConfig configures the event processor and its worker pool.
type PipelineConfig struct {
	GraphWorkers   int           `yaml:"graph_workers" validate:"gte=1"`
	GraphQueueSize int           `yaml:"graph_queue_size" validate:"gte=1"`
	TaskTimeout    time.Duration `yaml:"task_timeout"`
	SinkTimeout    time.Duration `yaml:"sink_timeout"`

	// DeadLetterPath appends dead-lettered events as JSON lines. Empty
	// logs them instead.
	DeadLetterPath string `yaml:"dead_letter_path"`
}

// Config is the full catalog service configuration.
//
// Thread Safety: Safe to read concurrently. Not safe to modify after
// Load.
type Config struct {
	Server    ServerConfig     `yaml:"server"`
	Registry  RegistryConfig   `yaml:"registry"`
	Store     StoreConfig      `yaml:"store"`
	Search    SearchConfig     `yaml:"search"`
	Pipeline  PipelineConfig   `yaml:"pipeline"`
	Telemetry telemetry.Config `yaml:"telemetry"`
	Logging   logging.Config   `yaml:"logging"`
}

// Default returns production defaults.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:            ":8090",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Registry: RegistryConfig{
			Path:  "configs/entity-registry.yaml",
			Watch: true,
		},
		Store: StoreConfig{
			Path:       "data/catalog",
			SyncWrites: true,
			GCInterval: 5 * time.Minute,
		},
		Search: SearchConfig{
			URL:                "http://localhost:8080",
			RetryAttempts:      3,
			RetryBackoff:       100 * time.Millisecond,
			CircuitThreshold:   5,
			CircuitCooldown:    30 * time.Second,
			AllowStartDegraded: true,
		},
		Pipeline: PipelineConfig{
			GraphWorkers:   4,
			GraphQueueSize: 256,
			TaskTimeout:    30 * time.Second,
			SinkTimeout:    10 * time.Second,
		},
		Telemetry: telemetry.DefaultConfig(),
		Logging: logging.Config{
			Level:   "info",
			Service: "tern-catalog",
		},
	}
}

// Load merges defaults, the optional YAML file at path, and environment
// overrides, then validates the result.
//
// Outputs:
//
//	Config - Merged configuration.
//	error - Non-nil if the file exists but is invalid, or validation
//	fails.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	loadFromEnv(&cfg)

	if err := validator.New().Struct(&cfg); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func loadFromEnv(cfg *Config) {
	if v := os.Getenv("TERN_SERVER_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("TERN_REGISTRY_PATH"); v != "" {
		cfg.Registry.Path = v
	}
	if v := os.Getenv("TERN_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("TERN_SEARCH_URL"); v != "" {
		cfg.Search.URL = v
	}
	if v := os.Getenv("TERN_GRAPH_WORKERS"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Pipeline.GraphWorkers = i
		}
	}
	if v := os.Getenv("TERN_DEAD_LETTER_PATH"); v != "" {
		cfg.Pipeline.DeadLetterPath = v
	}
}

// StoreConfig returns the embedded database configuration.
func (c Config) StoreConfig() store.Config {
	sc := store.DefaultConfig(c.Store.Path)
	sc.SyncWrites = c.Store.SyncWrites
	sc.GCInterval = c.Store.GCInterval
	return sc
}

// SearchClientConfig returns the resilient search client configuration.
func (c Config) SearchClientConfig() search.ClientConfig {
	return search.ClientConfig{
		URL:                c.Search.URL,
		RetryAttempts:      c.Search.RetryAttempts,
		RetryBackoff:       c.Search.RetryBackoff,
		CircuitThreshold:   c.Search.CircuitThreshold,
		CircuitCooldown:    c.Search.CircuitCooldown,
		AllowStartDegraded: c.Search.AllowStartDegraded,
	}
}

// PoolConfig returns the graph worker pool configuration.
func (c Config) PoolConfig() pool.Config {
	return pool.Config{
		Workers:     c.Pipeline.GraphWorkers,
		QueueSize:   c.Pipeline.GraphQueueSize,
		TaskTimeout: c.Pipeline.TaskTimeout,
	}
}

// ProcessorConfig returns the event processor configuration.
func (c Config) ProcessorConfig() processor.Config {
	return processor.Config{SinkTimeout: c.Pipeline.SinkTimeout}
}
