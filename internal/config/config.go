// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config defines the global configuration structure
type Config struct {
	HTTP    HTTPConfig    `mapstructure:"http"`
	Devices DevicesConfig `mapstructure:"devices"`
	Session SessionConfig `mapstructure:"session"`
	Polling PollingConfig `mapstructure:"polling"`
	Log     LogConfig     `mapstructure:"log"`
}

// HTTPConfig defines the gateway's HTTP listener
type HTTPConfig struct {
	Address string `mapstructure:"address"` // e.g. "0.0.0.0:8080"
}

// DevicesConfig defines where device definitions are loaded from
type DevicesConfig struct {
	File string `mapstructure:"file"` // JSON file with device definitions
}

// SessionConfig defines transport session pooling
type SessionConfig struct {
	IdleTTL        time.Duration `mapstructure:"idle_ttl"`        // Close drivers idle longer than this
	ReapInterval   time.Duration `mapstructure:"reap_interval"`   // Background reaper period
	DefaultTimeout time.Duration `mapstructure:"default_timeout"` // Per-request timeout fallback
}

// PollingConfig defines the polling registry
type PollingConfig struct {
	MaxConcurrent int           `mapstructure:"max_concurrent"` // Maximum simultaneously active pollers
	StartDebounce time.Duration `mapstructure:"start_debounce"` // Window coalescing repeated Start calls
	StopDebounce  time.Duration `mapstructure:"stop_debounce"`  // Window coalescing repeated Stop calls
}

// LogConfig defines logging configuration
type LogConfig struct {
	Level string `mapstructure:"level"` // debug, info, warn, error
	File  string `mapstructure:"file"`  // Log file path
}

// LoadConfig loads configuration from file and MODBUS_* environment
// variables. Environment overrides file, e.g. MODBUS_SESSION_IDLE_TTL.
func LoadConfig(configFile string) (*Config, error) {
	v := viper.New()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/modbus-devicegw/")
		v.AddConfigPath("$HOME/.modbus-devicegw")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("MODBUS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Set defaults
	v.SetDefault("http.address", "0.0.0.0:8080")
	v.SetDefault("devices.file", "devices.json")
	v.SetDefault("session.idle_ttl", 2*time.Minute)
	v.SetDefault("session.reap_interval", 30*time.Second)
	v.SetDefault("session.default_timeout", 5*time.Second)
	v.SetDefault("polling.max_concurrent", 64)
	v.SetDefault("polling.start_debounce", 3*time.Second)
	v.SetDefault("polling.stop_debounce", 5*time.Second)
	v.SetDefault("log.level", "info")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			if configFile != "" {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &config, nil
}
