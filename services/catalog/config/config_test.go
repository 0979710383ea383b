// Copyright (C) 2026 Tern Data (engineering@terndata.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWhenFileMissing(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, ":8090", cfg.Server.Addr)
	assert.Equal(t, 4, cfg.Pipeline.GraphWorkers)
	assert.True(t, cfg.Search.AllowStartDegraded)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  addr: ":9999"
search:
  url: http://search:8080
  retry_attempts: 7
pipeline:
  graph_workers: 12
  sink_timeout: 3s
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.Server.Addr)
	assert.Equal(t, "http://search:8080", cfg.Search.URL)
	assert.Equal(t, 7, cfg.Search.RetryAttempts)
	assert.Equal(t, 12, cfg.Pipeline.GraphWorkers)
	assert.Equal(t, 3*time.Second, cfg.Pipeline.SinkTimeout)

	// Untouched sections keep their defaults.
	assert.Equal(t, "data/catalog", cfg.Store.Path)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  addr: \":9999\"\n"), 0o644))
	t.Setenv("TERN_SERVER_ADDR", ":7777")
	t.Setenv("TERN_SEARCH_URL", "http://env-search:8080")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":7777", cfg.Server.Addr)
	assert.Equal(t, "http://env-search:8080", cfg.Search.URL)
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	t.Run("bad search url", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		require.NoError(t, os.WriteFile(path, []byte("search:\n  url: not-a-url\n"), 0o644))
		_, err := Load(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid config")
	})

	t.Run("zero workers", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		require.NoError(t, os.WriteFile(path, []byte("pipeline:\n  graph_workers: 0\n"), 0o644))
		_, err := Load(path)
		require.Error(t, err)
	})

	t.Run("unparseable yaml", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		require.NoError(t, os.WriteFile(path, []byte("{{not yaml"), 0o644))
		_, err := Load(path)
		require.Error(t, err)
	})
}

func TestComponentConfigConversions(t *testing.T) {
	cfg := Default()
	cfg.Store.Path = "/var/lib/tern"
	cfg.Pipeline.GraphWorkers = 9

	sc := cfg.StoreConfig()
	assert.Equal(t, "/var/lib/tern", sc.Path)
	assert.True(t, sc.SyncWrites)

	cc := cfg.SearchClientConfig()
	assert.Equal(t, cfg.Search.URL, cc.URL)
	assert.True(t, cc.AllowStartDegraded)

	pc := cfg.PoolConfig()
	assert.Equal(t, 9, pc.Workers)

	assert.Equal(t, cfg.Pipeline.SinkTimeout, cfg.ProcessorConfig().SinkTimeout)
}
