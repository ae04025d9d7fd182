// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package breaker

import (
	"context"
	"log/slog"
	"sync"

	"github.com/fluxgate/fluxgate/services/forwarder/pool"
	"github.com/fluxgate/fluxgate/services/forwarder/telemetry"
	"github.com/fluxgate/fluxgate/services/forwarder/tenant"
)

// Registry owns one breaker per partner and composes breaker gating with
// pool scheduling: Execute decorates the task with outcome accounting and
// submits it to the partner's pool. Rejection by the breaker
// short-circuits before any pool submission.
//
// Breakers are created on first wrapped call and persist across route
// updates.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker

	pools   *pool.Registry
	configs pool.ConfigFn
	logger  *slog.Logger
	metrics *telemetry.Metrics
}

// NewRegistry creates a breaker registry submitting through pools.
// metrics may be nil.
func NewRegistry(pools *pool.Registry, configs pool.ConfigFn, logger *slog.Logger, metrics *telemetry.Metrics) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		breakers: make(map[string]*Breaker),
		pools:    pools,
		configs:  configs,
		logger:   logger,
		metrics:  metrics,
	}
}

// Ensure returns the partner's breaker, creating it on demand.
func (r *Registry) Ensure(tenantID string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[tenantID]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok = r.breakers[tenantID]; ok {
		return b
	}
	b = New(r.configs(tenantID))
	b.onTransition = func(id string, from, to State) {
		r.logger.Warn("circuit breaker state transition",
			"partner", id, "from", from.String(), "to", to.String())
		r.metrics.RecordBreakerTransition(context.Background(), id, from.String(), to.String())
	}
	r.breakers[tenantID] = b
	return b
}

// Execute gates task behind the partner's breaker and schedules it on the
// partner's pool.
//
// The breaker sees exactly one terminal sample per admitted call: the
// task's final outcome. Pool-level rejection (ErrShuttingDown) resolves
// the future without running the task, so no sample is recorded for it.
func (r *Registry) Execute(ctx context.Context, tenantID string, task pool.Task) *pool.Future {
	b := r.Ensure(tenantID)
	if err := b.Allow(); err != nil {
		r.metrics.RecordBreakerRejected(ctx, tenantID)
		r.logger.Warn("call not permitted, circuit is open", "partner", tenantID)
		return pool.NewResolvedFuture(nil, err)
	}

	decorated := func(taskCtx context.Context) (any, error) {
		value, err := task(taskCtx)
		if err != nil {
			b.RecordFailure()
		} else {
			b.RecordSuccess()
		}
		return value, err
	}
	return r.pools.Submit(ctx, tenantID, decorated)
}

// IsHealthy reports whether the partner's breaker is CLOSED. Partners
// without a breaker yet are healthy.
func (r *Registry) IsHealthy(tenantID string) bool {
	r.mu.RLock()
	b, ok := r.breakers[tenantID]
	r.mu.RUnlock()
	if !ok {
		return true
	}
	return b.State() == StateClosed
}

// Stats returns the snapshot for one partner breaker.
func (r *Registry) Stats(tenantID string) (Stats, bool) {
	r.mu.RLock()
	b, ok := r.breakers[tenantID]
	r.mu.RUnlock()
	if !ok {
		return Stats{}, false
	}
	return b.Stats(), true
}

// All returns snapshots for every breaker, keyed by partner.
func (r *Registry) All() map[string]Stats {
	r.mu.RLock()
	breakers := make(map[string]*Breaker, len(r.breakers))
	for id, b := range r.breakers {
		breakers[id] = b
	}
	r.mu.RUnlock()

	stats := make(map[string]Stats, len(breakers))
	for id, b := range breakers {
		stats[id] = b.Stats()
	}
	return stats
}

// ForceOpen forces the partner's breaker OPEN, creating it if needed.
func (r *Registry) ForceOpen(tenantID string) {
	r.Ensure(tenantID).ForceOpen()
	r.logger.Warn("forced circuit breaker OPEN", "partner", tenantID)
}

// ForceClosed forces the partner's breaker CLOSED, creating it if needed.
func (r *Registry) ForceClosed(tenantID string) {
	r.Ensure(tenantID).ForceClosed()
	r.logger.Info("forced circuit breaker CLOSED", "partner", tenantID)
}

// ForceHalfOpen forces the partner's breaker HALF_OPEN, creating it if
// needed.
func (r *Registry) ForceHalfOpen(tenantID string) {
	r.Ensure(tenantID).ForceHalfOpen()
	r.logger.Info("forced circuit breaker HALF_OPEN", "partner", tenantID)
}

// Remove deletes the partner's breaker, used on explicit partner removal.
func (r *Registry) Remove(tenantID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.breakers[tenantID]; !ok {
		return false
	}
	delete(r.breakers, tenantID)
	return true
}

// Seed pre-creates a breaker with an explicit config, used by tests.
func (r *Registry) Seed(cfg tenant.Config) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := New(cfg)
	r.breakers[cfg.TenantID] = b
	return b
}
