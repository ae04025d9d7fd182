// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fluxgate/fluxgate/services/forwarder/tenant"
)

// ServerConfig is the process configuration loaded from YAML.
type ServerConfig struct {
	Listen string `yaml:"listen"`

	Logging struct {
		Level  string `yaml:"level"`
		JSON   bool   `yaml:"json"`
		LogDir string `yaml:"logDir"`
	} `yaml:"logging"`

	ConfigStore struct {
		// Kind selects the backing store: "index", "file", or "memory".
		Kind     string `yaml:"kind"`
		URL      string `yaml:"url"`
		Username string `yaml:"username"`
		Password string `yaml:"password"`
		Path     string `yaml:"path"`
	} `yaml:"configStore"`

	Sink struct {
		URL       string `yaml:"url"`
		Username  string `yaml:"username"`
		Password  string `yaml:"password"`
		SpoolPath string `yaml:"spoolPath"`
	} `yaml:"sink"`

	// Durations accept Go duration strings ("300s", "5m") or bare
	// second counts.
	ReloadInterval tenant.Duration `yaml:"reloadInterval"`
	DrainWindow    tenant.Duration `yaml:"drainWindow"`
	ShutdownGrace  tenant.Duration `yaml:"shutdownGrace"`
}

// defaultServerConfig mirrors the long-standing deployment defaults.
func defaultServerConfig() ServerConfig {
	cfg := ServerConfig{Listen: ":8080"}
	cfg.Logging.Level = "info"
	cfg.ConfigStore.Kind = "memory"
	cfg.ReloadInterval = tenant.Duration(300 * time.Second)
	cfg.DrainWindow = tenant.Duration(5 * time.Second)
	cfg.ShutdownGrace = tenant.Duration(30 * time.Second)
	return cfg
}

// loadServerConfig reads the YAML config file, applying defaults for
// anything unset. A missing path returns pure defaults.
func loadServerConfig(path string) (ServerConfig, error) {
	cfg := defaultServerConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if cfg.Listen == "" {
		cfg.Listen = ":8080"
	}
	if cfg.ReloadInterval <= 0 {
		cfg.ReloadInterval = tenant.Duration(300 * time.Second)
	}
	if cfg.DrainWindow <= 0 {
		cfg.DrainWindow = tenant.Duration(5 * time.Second)
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = tenant.Duration(30 * time.Second)
	}
	return cfg, nil
}
