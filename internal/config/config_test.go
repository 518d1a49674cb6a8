// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.
package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:8080", cfg.HTTP.Address)
	assert.Equal(t, 2*time.Minute, cfg.Session.IdleTTL)
	assert.Equal(t, 30*time.Second, cfg.Session.ReapInterval)
	assert.Equal(t, 5*time.Second, cfg.Session.DefaultTimeout)
	assert.Equal(t, 64, cfg.Polling.MaxConcurrent)
	assert.Equal(t, 3*time.Second, cfg.Polling.StartDebounce)
	assert.Equal(t, 5*time.Second, cfg.Polling.StopDebounce)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoadConfig_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
http:
  address: "127.0.0.1:9000"
devices:
  file: /var/lib/devicegw/devices.json
session:
  idle_ttl: 1m
polling:
  max_concurrent: 8
log:
  level: debug
`), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9000", cfg.HTTP.Address)
	assert.Equal(t, "/var/lib/devicegw/devices.json", cfg.Devices.File)
	assert.Equal(t, time.Minute, cfg.Session.IdleTTL)
	assert.Equal(t, 8, cfg.Polling.MaxConcurrent)
	assert.Equal(t, "debug", cfg.Log.Level)
	// Untouched keys keep their defaults.
	assert.Equal(t, 30*time.Second, cfg.Session.ReapInterval)
}

func TestLoadConfig_Env(t *testing.T) {
	t.Setenv("MODBUS_SESSION_IDLE_TTL", "45s")
	t.Setenv("MODBUS_POLLING_MAX_CONCURRENT", "4")

	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, 45*time.Second, cfg.Session.IdleTTL)
	assert.Equal(t, 4, cfg.Polling.MaxConcurrent)
}
