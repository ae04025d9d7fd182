// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package routes maintains the set of per-partner ingest loops.
//
// One authoritative reconcile function serves every trigger: webhook
// notifications, manual refresh, and the periodic full reload are hints
// and safety net respectively — all of them converge the active-route set
// on the config store. Reconciliation for different partners runs in
// parallel; reconciliation for one partner is serialized by a per-partner
// lock.
package routes

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/fluxgate/fluxgate/pkg/validation"
	"github.com/fluxgate/fluxgate/services/forwarder/broker"
	"github.com/fluxgate/fluxgate/services/forwarder/configstore"
	"github.com/fluxgate/fluxgate/services/forwarder/credential"
	"github.com/fluxgate/fluxgate/services/forwarder/pool"
	"github.com/fluxgate/fluxgate/services/forwarder/processor"
	"github.com/fluxgate/fluxgate/services/forwarder/tenant"
)

// DefaultReloadInterval is the bounded-staleness cap on configuration:
// a full reload and reconcile runs at least this often.
const DefaultReloadInterval = 300 * time.Second

// DefaultDrainWindow bounds how long stopRoute waits for a cancelled ingest
// loop to exit, and how long a recycled or removed pool drains its queue.
// The loop's context is cancelled at once, so deliveries whose futures are
// still pending at that moment are nacked rather than awaited.
const DefaultDrainWindow = 5 * time.Second

// ErrInvalidNotification marks a malformed change notification.
var ErrInvalidNotification = errors.New("invalid configuration change notification")

// RouteID returns the externally visible route id for a partner.
func RouteID(tenantID string) string {
	return "Partner:" + tenantID + ":Main"
}

// Notification is a configuration change hint delivered by the Control
// API webhook.
type Notification struct {
	PartnerID  string         `json:"partnerId" binding:"required"`
	ChangeType string         `json:"changeType" binding:"required"`
	Version    string         `json:"version,omitempty"`
	Timestamp  int64          `json:"timestamp,omitempty"`
	Source     string         `json:"source,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// activeRoute is one running ingest loop.
type activeRoute struct {
	routeID string
	version int64
	cancel  context.CancelFunc
	done    chan struct{}
}

// Manager owns the active-route table.
type Manager struct {
	store    configstore.Store
	consumer broker.Consumer
	proc     *processor.Processor
	pools    *pool.Registry
	creds    *credential.Cache
	logger   *slog.Logger

	mu     sync.Mutex
	locks  map[string]*sync.Mutex
	routes map[string]*activeRoute

	baseCtx context.Context

	reloadEvery time.Duration
	drainWindow time.Duration

	// reloadLimiter damps full index reloads when notifications arrive in
	// bursts; the by-id lookup path still sees fresh documents.
	reloadLimiter *rate.Limiter
}

// Option customizes a Manager.
type Option func(*Manager)

// WithReloadInterval overrides the periodic reload interval.
func WithReloadInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.reloadEvery = d
		}
	}
}

// WithDrainWindow overrides the stop-old drain window.
func WithDrainWindow(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.drainWindow = d
		}
	}
}

// NewManager creates a route manager. creds may be nil when credential
// cleanup on removal is not wanted.
func NewManager(store configstore.Store, consumer broker.Consumer, proc *processor.Processor, pools *pool.Registry, creds *credential.Cache, logger *slog.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		store:         store,
		consumer:      consumer,
		proc:          proc,
		pools:         pools,
		creds:         creds,
		logger:        logger,
		locks:         make(map[string]*sync.Mutex),
		routes:        make(map[string]*activeRoute),
		baseCtx:       context.Background(),
		reloadEvery:   DefaultReloadInterval,
		drainWindow:   DefaultDrainWindow,
		reloadLimiter: rate.NewLimiter(rate.Every(5*time.Second), 1),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// tenantLock returns the per-partner reconcile lock.
func (m *Manager) tenantLock(tenantID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[tenantID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[tenantID] = l
	}
	return l
}

// HandleNotification applies one change notification.
func (m *Manager) HandleNotification(ctx context.Context, n Notification) error {
	if strings.TrimSpace(n.PartnerID) == "" {
		return fmt.Errorf("%w: partnerId is required", ErrInvalidNotification)
	}
	if err := validation.ValidatePartnerID(n.PartnerID); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidNotification, err)
	}
	switch strings.ToUpper(n.ChangeType) {
	case "CREATED", "UPDATED":
		if m.reloadLimiter.Allow() {
			if err := m.store.Reload(ctx); err != nil {
				m.logger.Warn("config reload on notification failed, serving last snapshot",
					"partner", n.PartnerID, "error", err)
			}
		}
		return m.ReconcileTenant(ctx, n.PartnerID)
	case "DELETED":
		return m.RemoveTenant(ctx, n.PartnerID)
	default:
		return fmt.Errorf("%w: unknown change type %q", ErrInvalidNotification, n.ChangeType)
	}
}

// ReconcileTenant converges one partner's route on the config store.
//
// Behavior:
//
//   - no stored config: the route (if any) is stopped.
//   - no active route: one is created from the current config.
//   - active route with matching configVersion: no-op (idempotent).
//   - version mismatch: the old loop stops with a drain window, then the
//     new loop starts.
func (m *Manager) ReconcileTenant(ctx context.Context, tenantID string) error {
	lock := m.tenantLock(tenantID)
	lock.Lock()
	defer lock.Unlock()

	cfg, err := m.store.Get(ctx, tenantID)
	if errors.Is(err, configstore.ErrNotFound) {
		m.stopRoute(tenantID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("load config for %s: %w", tenantID, err)
	}

	m.mu.Lock()
	existing := m.routes[tenantID]
	m.mu.Unlock()

	if existing != nil {
		if existing.version == cfg.Version {
			m.logger.Debug("route already current", "partner", tenantID, "version", cfg.Version)
			return nil
		}
		m.logger.Info("replacing route for updated config",
			"partner", tenantID,
			"oldVersion", existing.version,
			"newVersion", cfg.Version)
		m.stopRoute(tenantID)
		// The partner's pool was sized from the old config; recycle it so
		// the new sizing applies. Queued work drains within the window.
		m.pools.Remove(tenantID, m.drainWindow)
	}

	return m.startRoute(tenantID, cfg)
}

// RemoveTenant stops the partner's route and drains its pool. The breaker
// stays behind to absorb in-flight settlement; the cached credential and
// the partner's concurrency gate are dropped.
func (m *Manager) RemoveTenant(_ context.Context, tenantID string) error {
	lock := m.tenantLock(tenantID)
	lock.Lock()
	defer lock.Unlock()

	removed := m.stopRoute(tenantID)
	m.pools.Remove(tenantID, m.drainWindow)
	if m.creds != nil {
		m.creds.Remove(tenantID)
	}
	m.proc.ReleaseTenant(tenantID)
	if !removed {
		m.logger.Warn("no active route to remove", "partner", tenantID)
	}
	return nil
}

// startRoute launches the ingest loop for one partner. Caller holds the
// partner lock.
func (m *Manager) startRoute(tenantID string, cfg tenant.Config) error {
	m.mu.Lock()
	base := m.baseCtx
	m.mu.Unlock()
	loopCtx, cancel := context.WithCancel(base)
	ch, err := m.consumer.Consume(loopCtx, cfg.QueueName())
	if err != nil {
		cancel()
		return fmt.Errorf("consume %s: %w", cfg.QueueName(), err)
	}

	route := &activeRoute{
		routeID: RouteID(tenantID),
		version: cfg.Version,
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	go m.ingestLoop(loopCtx, tenantID, route, ch)

	m.mu.Lock()
	m.routes[tenantID] = route
	m.mu.Unlock()

	m.logger.Info("route created",
		"partner", tenantID,
		"routeId", route.routeID,
		"queue", cfg.QueueName(),
		"version", cfg.Version)
	return nil
}

// ingestLoop dispatches deliveries in broker order. Pipeline execution is
// concurrent across messages inside the partner's pool; settlement
// happens per message as its future resolves.
func (m *Manager) ingestLoop(ctx context.Context, tenantID string, route *activeRoute, ch <-chan broker.Delivery) {
	defer close(route.done)
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-ch:
			if !ok {
				return
			}
			fut := m.proc.Process(ctx, tenantID, route.routeID, d)
			go settle(ctx, fut, d)
		}
	}
}

// settle acks or nacks one delivery when its pipeline resolves.
func settle(ctx context.Context, fut *pool.Future, d broker.Delivery) {
	if _, err := fut.Wait(ctx); err != nil {
		d.Nack()
		return
	}
	d.Ack()
}

// stopRoute cancels and waits out one partner's loop. Returns false when
// no route was active.
func (m *Manager) stopRoute(tenantID string) bool {
	m.mu.Lock()
	route := m.routes[tenantID]
	delete(m.routes, tenantID)
	m.mu.Unlock()
	if route == nil {
		return false
	}

	route.cancel()
	select {
	case <-route.done:
	case <-time.After(m.drainWindow):
		m.logger.Warn("route stop exceeded drain window", "partner", tenantID)
	}
	m.logger.Info("route removed", "partner", tenantID, "routeId", route.routeID)
	return true
}

// RefreshAll reloads the config store and reconciles every partner: the
// union of stored partners and currently active routes, in parallel.
func (m *Manager) RefreshAll(ctx context.Context) error {
	if err := m.store.Reload(ctx); err != nil {
		return fmt.Errorf("reload config store: %w", err)
	}
	configs, err := m.store.All(ctx)
	if err != nil {
		return fmt.Errorf("list configs: %w", err)
	}

	union := make(map[string]struct{}, len(configs))
	for id := range configs {
		if id == tenant.DefaultTenantID {
			continue
		}
		union[id] = struct{}{}
	}
	m.mu.Lock()
	for id := range m.routes {
		union[id] = struct{}{}
	}
	m.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for id := range union {
		g.Go(func() error {
			if err := m.ReconcileTenant(gctx, id); err != nil {
				m.logger.Error("reconcile failed", "partner", id, "error", err)
			}
			// One partner's failure must not abort the sweep.
			return nil
		})
	}
	g.Wait()

	m.logger.Info("route refresh completed", "activeRoutes", m.ActiveRouteCount())
	return nil
}

// Run performs the initial reconcile, starts the shared pre-dispatch
// consumer, and keeps the route set fresh until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	m.mu.Lock()
	m.baseCtx = ctx
	m.mu.Unlock()

	if err := m.RefreshAll(ctx); err != nil {
		m.logger.Error("initial route refresh failed", "error", err)
	}
	if err := m.runPredispatch(ctx); err != nil {
		m.logger.Error("pre-dispatch consumer failed to start", "error", err)
	}

	ticker := time.NewTicker(m.reloadEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.shutdownRoutes()
			return ctx.Err()
		case <-ticker.C:
			if err := m.RefreshAll(ctx); err != nil {
				m.logger.Error("periodic route refresh failed", "error", err)
			}
		}
	}
}

// runPredispatch consumes the shared ingress queue and hands each message
// to its partner's pipeline based on the tenant id header. Kept for
// compatibility with the shared-exchange topology; per-partner queues are
// authoritative.
func (m *Manager) runPredispatch(ctx context.Context) error {
	ch, err := m.consumer.Consume(ctx, broker.ProcessingQueue)
	if err != nil {
		return fmt.Errorf("consume %s: %w", broker.ProcessingQueue, err)
	}
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-ch:
				if !ok {
					return
				}
				tenantID := strings.TrimSpace(d.TenantID())
				if tenantID == "" {
					m.logger.Error("pre-dispatch message without tenant header",
						"messageId", d.MessageID)
					d.Nack()
					continue
				}
				fut := m.proc.Process(ctx, tenantID, RouteID(tenantID), d)
				go settle(ctx, fut, d)
			}
		}
	}()
	return nil
}

// shutdownRoutes stops every loop, sorted order being irrelevant here
// since each stop is independent.
func (m *Manager) shutdownRoutes() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.routes))
	for id := range m.routes {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.stopRoute(id)
	}
}

// ActiveRoutes returns partner → route id for every active route.
func (m *Manager) ActiveRoutes() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string, len(m.routes))
	for id, route := range m.routes {
		out[id] = route.routeID
	}
	return out
}

// ActiveRouteCount returns the number of active routes.
func (m *Manager) ActiveRouteCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.routes)
}

// HasActiveRoute reports whether the partner has a running loop.
func (m *Manager) HasActiveRoute(tenantID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.routes[tenantID]
	return ok
}
