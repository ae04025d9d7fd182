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
	"sync"

	"github.com/fluxgate/fluxgate/services/forwarder/tenant"
)

// Memory is a map-backed Store and Writer.
type Memory struct {
	mu      sync.RWMutex
	configs map[string]tenant.Config
}

// NewMemory creates an in-memory store seeded with the given configs.
func NewMemory(seed ...tenant.Config) *Memory {
	m := &Memory{configs: make(map[string]tenant.Config, len(seed))}
	for _, cfg := range seed {
		m.configs[cfg.TenantID] = cfg
	}
	return m
}

func (m *Memory) Get(_ context.Context, tenantID string) (tenant.Config, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cfg, ok := m.configs[tenantID]
	if !ok {
		return tenant.Config{}, ErrNotFound
	}
	return cfg, nil
}

func (m *Memory) All(_ context.Context) (map[string]tenant.Config, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]tenant.Config, len(m.configs))
	for id, cfg := range m.configs {
		out[id] = cfg
	}
	return out, nil
}

func (m *Memory) Reload(context.Context) error { return nil }

func (m *Memory) Put(_ context.Context, cfg tenant.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.configs[cfg.TenantID] = cfg
	return nil
}

func (m *Memory) Delete(_ context.Context, tenantID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.configs[tenantID]; !ok {
		return ErrNotFound
	}
	delete(m.configs, tenantID)
	return nil
}
