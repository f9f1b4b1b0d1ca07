// Copyright 2025 The innoma-obras Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := NewLoader("").Load()
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "obras.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
db:
  path: /data/obras.db
sync:
  interval: 90s
  batch_size: 20
  retry_delay: 10s
remote:
  base_url: https://api.obras.test
log:
  format: json
`), 0o600))
	t.Setenv("OBRAS_SYNC_BATCH_SIZE", "10")
	t.Setenv("OBRAS_SECURE_BACKEND", "memory")

	cfg, err := NewLoader(path).Load()
	require.NoError(t, err)
	assert.Equal(t, "/data/obras.db", cfg.DB.Path)
	assert.Equal(t, 90*time.Second, cfg.Sync.Interval)
	assert.Equal(t, 10, cfg.Sync.BatchSize)
	assert.Equal(t, 5, cfg.Sync.PoisonThreshold)
	assert.Equal(t, 10*time.Second, cfg.Sync.RetryDelay)
	assert.Equal(t, 15*time.Minute, cfg.Sync.MaxRetryDelay)
	assert.Equal(t, "https://api.obras.test", cfg.Remote.BaseURL)
	assert.Equal(t, "memory", cfg.Secure.Backend)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoad_RejectsInvalid(t *testing.T) {
	t.Setenv("OBRAS_SECURE_BACKEND", "cofre")
	t.Setenv("OBRAS_LOG_LEVEL", "verbose")
	t.Setenv("OBRAS_SYNC_MAX_RETRY_DELAY", "1s")
	_, err := NewLoader("").Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sync.max_retry_delay")
	assert.Contains(t, err.Error(), "secure.backend")
	assert.Contains(t, err.Error(), "log.level")

	_, err = NewLoader(filepath.Join(t.TempDir(), "missing.yaml")).Load()
	assert.Error(t, err)
}

func TestWatch_ReloadsOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "obras.yaml")
	require.NoError(t, os.WriteFile(path, []byte("sync:\n  interval: 1m\n"), 0o600))

	l := NewLoader(path)
	_, err := l.Load()
	require.NoError(t, err)

	got := make(chan Config, 4)
	l.Watch(func(c Config) { got <- c })

	require.NoError(t, os.WriteFile(path, []byte("sync:\n  interval: 2m\n"), 0o600))
	select {
	case c := <-got:
		assert.Equal(t, 2*time.Minute, c.Sync.Interval)
	case <-time.After(5 * time.Second):
		t.Fatal("config change not observed")
	}
}

func TestNewLogging(t *testing.T) {
	var buf bytes.Buffer
	lg, err := NewLogging(LogConfig{Level: "warn", Format: "json"}, &buf)
	require.NoError(t, err)
	defer lg.Close()

	lg.Logger.Info("hidden")
	lg.Logger.Warn("shown", "obra", "Aurora")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"obra":"Aurora"`)

	lg.Apply(LogConfig{Level: "debug"})
	assert.Equal(t, slog.LevelDebug, lg.Level.Level())

	_, err = NewLogging(LogConfig{Level: "loud"}, &buf)
	assert.Error(t, err)
}

func TestNewLogging_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.log")
	lg, err := NewLogging(LogConfig{Level: "info", Format: "text", File: path, MaxSizeMB: 1}, os.Stderr)
	require.NoError(t, err)
	lg.Logger.Info("sync batch finished", "delivered", 3)
	require.NoError(t, lg.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(data), "delivered=3"))
}
