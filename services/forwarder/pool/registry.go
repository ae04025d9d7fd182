// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pool

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/fluxgate/fluxgate/services/forwarder/telemetry"
	"github.com/fluxgate/fluxgate/services/forwarder/tenant"
)

// ConfigFn resolves the current config for a partner. Implementations fall
// back to the DEFAULT profile for unknown partners so a pool can always be
// created on demand.
type ConfigFn func(tenantID string) tenant.Config

// Registry owns one pool per partner.
//
// Description:
//
//	Pools are created lazily on first submission (or explicitly via
//	Ensure) using the config resolved at creation time; a config change
//	takes effect when the route manager recycles the partner's pool.
//
// Thread Safety:
//
//	Safe for concurrent use. Global operations snapshot the map under a
//	read lock and then visit pools in sorted partner order, so shutdown
//	ordering is deterministic and observable in tests.
type Registry struct {
	mu      sync.RWMutex
	pools   map[string]*Pool
	configs ConfigFn
	logger  *slog.Logger
	metrics *telemetry.Metrics
}

// NewRegistry creates a pool registry. metrics may be nil.
func NewRegistry(configs ConfigFn, logger *slog.Logger, metrics *telemetry.Metrics) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		pools:   make(map[string]*Pool),
		configs: configs,
		logger:  logger,
		metrics: metrics,
	}
}

// Ensure returns the partner's pool, creating it on demand.
func (r *Registry) Ensure(tenantID string) *Pool {
	r.mu.RLock()
	p, ok := r.pools[tenantID]
	r.mu.RUnlock()
	if ok {
		return p
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok = r.pools[tenantID]; ok {
		return p
	}
	cfg := r.configs(tenantID)
	p = newPool(cfg)
	p.onComplete = func(id string, success bool) {
		r.metrics.RecordTaskCompleted(context.Background(), id, success)
	}
	r.pools[tenantID] = p
	r.logger.Info("partner pool created",
		"partner", tenantID,
		"coreWorkers", cfg.CoreWorkers,
		"maxWorkers", cfg.MaxWorkers,
		"queueCapacity", cfg.QueueCapacity)
	return p
}

// Submit schedules task on the partner's pool, creating the pool if
// needed.
func (r *Registry) Submit(ctx context.Context, tenantID string, task Task) *Future {
	p := r.Ensure(tenantID)
	r.metrics.RecordTaskSubmitted(ctx, tenantID)
	before := p.callerRuns.Load()
	fut := p.Submit(task)
	if p.callerRuns.Load() > before {
		r.metrics.RecordCallerRan(ctx, tenantID)
	}
	return fut
}

// Stats returns the snapshot for one partner. ok is false when the partner
// has no pool.
func (r *Registry) Stats(tenantID string) (Stats, bool) {
	r.mu.RLock()
	p, ok := r.pools[tenantID]
	r.mu.RUnlock()
	if !ok {
		return Stats{}, false
	}
	return p.Stats(), true
}

// All returns snapshots for every pool, keyed by partner.
func (r *Registry) All() map[string]Stats {
	r.mu.RLock()
	pools := make(map[string]*Pool, len(r.pools))
	for id, p := range r.pools {
		pools[id] = p
	}
	r.mu.RUnlock()

	stats := make(map[string]Stats, len(pools))
	for id, p := range pools {
		stats[id] = p.Stats()
	}
	return stats
}

// Shutdown drains one partner's pool. Returns false when no pool exists.
func (r *Registry) Shutdown(tenantID string, grace time.Duration) bool {
	r.mu.RLock()
	p, ok := r.pools[tenantID]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	r.logger.Info("shutting down partner pool", "partner", tenantID, "grace", grace)
	p.Shutdown(grace)
	return true
}

// Remove drains the pool and deletes it from the registry, used on
// explicit partner removal.
func (r *Registry) Remove(tenantID string, grace time.Duration) bool {
	r.mu.Lock()
	p, ok := r.pools[tenantID]
	if ok {
		delete(r.pools, tenantID)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	p.Shutdown(grace)
	r.logger.Info("partner pool removed", "partner", tenantID)
	return true
}

// ShutdownAll drains every pool in sorted partner order.
func (r *Registry) ShutdownAll(grace time.Duration) {
	r.mu.RLock()
	ids := make([]string, 0, len(r.pools))
	for id := range r.pools {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)

	for _, id := range ids {
		r.Shutdown(id, grace)
	}
	r.logger.Info("all partner pools shut down", "count", len(ids))
}
