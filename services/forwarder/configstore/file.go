// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package configstore

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/fluxgate/fluxgate/services/forwarder/tenant"
)

// File loads partner documents from a YAML file, primarily for
// development and integration setups without a document index.
//
// Watch hot-reloads the file on change and invokes the registered
// callback so the route manager can reconcile immediately instead of
// waiting for the periodic reload.
type File struct {
	path   string
	logger *slog.Logger

	mu      sync.RWMutex
	configs map[string]tenant.Config

	onChange func()
}

// fileDocument is the YAML layout: a list of partner documents.
type fileDocument struct {
	Partners []Document `yaml:"partners"`
}

// NewFile creates a file-backed store and performs the initial load.
func NewFile(path string, logger *slog.Logger) (*File, error) {
	if logger == nil {
		logger = slog.Default()
	}
	f := &File{
		path:    path,
		logger:  logger,
		configs: make(map[string]tenant.Config),
	}
	if err := f.Reload(context.Background()); err != nil {
		return nil, err
	}
	return f, nil
}

// OnChange registers a callback invoked after a successful hot reload.
func (f *File) OnChange(fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onChange = fn
}

// Reload re-reads the YAML file and replaces the snapshot.
func (f *File) Reload(context.Context) error {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return fmt.Errorf("read partner config file: %w", err)
	}

	var doc fileDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse partner config file: %w", err)
	}

	next := make(map[string]tenant.Config, len(doc.Partners))
	for _, d := range doc.Partners {
		cfg := d.ToConfig()
		if err := cfg.Validate(); err != nil {
			f.logger.Error("skipping invalid partner document", "partner", d.BusinessUnit, "error", err)
			continue
		}
		next[cfg.TenantID] = cfg
	}

	f.mu.Lock()
	f.configs = next
	f.mu.Unlock()

	f.logger.Info("partner configuration file loaded", "path", f.path, "count", len(next))
	return nil
}

func (f *File) Get(_ context.Context, tenantID string) (tenant.Config, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	cfg, ok := f.configs[tenantID]
	if !ok {
		return tenant.Config{}, ErrNotFound
	}
	return cfg, nil
}

func (f *File) All(context.Context) (map[string]tenant.Config, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make(map[string]tenant.Config, len(f.configs))
	for id, cfg := range f.configs {
		out[id] = cfg
	}
	return out, nil
}

// Watch hot-reloads the file until ctx is cancelled.
func (f *File) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(f.path); err != nil {
		return fmt.Errorf("watch %s: %w", f.path, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := f.Reload(ctx); err != nil {
				f.logger.Error("config hot reload failed", "error", err)
				continue
			}
			f.mu.RLock()
			fn := f.onChange
			f.mu.RUnlock()
			if fn != nil {
				fn()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			f.logger.Error("config watcher error", "error", err)
		}
	}
}
