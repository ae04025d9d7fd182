// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package credential caches per-partner bearer credentials and performs
// the OAuth-style token exchange with single-flight refresh: any number of
// concurrent callers needing a refresh for the same partner share exactly
// one outbound auth request.
package credential

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/fluxgate/fluxgate/services/forwarder/telemetry"
	"github.com/fluxgate/fluxgate/services/forwarder/tenant"
)

// DefaultSafetyMargin is subtracted from a credential's lifetime when
// judging validity, so a token is refreshed before it expires mid-call.
const DefaultSafetyMargin = 30 * time.Second

// Credential is a partner's current token state.
type Credential struct {
	AccessToken  string    `json:"-"`
	RefreshToken string    `json:"-"`
	IssuedAt     time.Time `json:"issuedAt"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

// HeaderValue returns the outbound credential header value for cfg,
// applying the configured prefix ("Bearer " by default).
func (c Credential) HeaderValue(cfg tenant.Config) string {
	prefix := cfg.Auth.HeaderPrefix
	if prefix == "" {
		prefix = "Bearer "
	}
	return prefix + c.AccessToken
}

// HeaderName returns the outbound credential header name for cfg
// ("Authorization" by default).
func HeaderName(cfg tenant.Config) string {
	if cfg.Auth.HeaderName != "" {
		return cfg.Auth.HeaderName
	}
	return "Authorization"
}

// Cache holds per-partner credentials with single-flight refresh.
//
// Thread Safety: safe for concurrent use. The credentials map is guarded
// by an RWMutex; refreshes are deduplicated by a singleflight.Group keyed
// by partner id.
type Cache struct {
	mu    sync.RWMutex
	creds map[string]Credential

	flight  singleflight.Group
	client  *http.Client
	margin  time.Duration
	logger  *slog.Logger
	metrics *telemetry.Metrics

	now func() time.Time
}

// Option customizes a Cache.
type Option func(*Cache)

// WithHTTPClient replaces the HTTP client used for token exchanges.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Cache) { c.client = client }
}

// WithSafetyMargin replaces the expiry safety margin.
func WithSafetyMargin(margin time.Duration) Option {
	return func(c *Cache) {
		if margin >= 0 {
			c.margin = margin
		}
	}
}

// WithMetrics attaches telemetry.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(c *Cache) { c.metrics = m }
}

// NewCache creates an empty credential cache.
func NewCache(logger *slog.Logger, opts ...Option) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Cache{
		creds:  make(map[string]Credential),
		client: &http.Client{Timeout: 30 * time.Second},
		margin: DefaultSafetyMargin,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// EnsureValid returns a credential guaranteed non-expired at return time,
// refreshing through the partner's auth endpoint when needed.
//
// Behavior:
//
//  1. A cached credential valid past now+margin is returned as-is.
//  2. Otherwise one refresh runs per partner; concurrent callers await it
//     and share its result or its error.
//  3. On refresh failure the flight is released, so the next caller may
//     retry; persistent failure trips the owning partner's breaker
//     upstream without affecting other partners.
func (c *Cache) EnsureValid(ctx context.Context, cfg tenant.Config) (Credential, error) {
	tenantID := cfg.TenantID
	if cred, ok := c.get(tenantID); ok && c.valid(cred) {
		return cred, nil
	}

	result, err, _ := c.flight.Do(tenantID, func() (any, error) {
		// Re-check inside the flight: a racer may have just refreshed.
		if cred, ok := c.get(tenantID); ok && c.valid(cred) {
			return cred, nil
		}
		cred, err := c.exchange(ctx, cfg)
		if err != nil {
			c.metrics.RecordTokenRefresh(ctx, tenantID, false)
			return Credential{}, err
		}
		c.put(tenantID, cred)
		c.metrics.RecordTokenRefresh(ctx, tenantID, true)
		c.logger.Info("credential refreshed",
			"partner", tenantID,
			"expiresAt", cred.ExpiresAt,
			"token_present", cred.AccessToken != "")
		return cred, nil
	})
	if err != nil {
		return Credential{}, fmt.Errorf("refresh credential for %s: %w", tenantID, err)
	}
	return result.(Credential), nil
}

// Invalidate drops the partner's cached credential, called after
// 401-class responses from the forward endpoint.
func (c *Cache) Invalidate(tenantID string) {
	c.mu.Lock()
	delete(c.creds, tenantID)
	c.mu.Unlock()
	c.logger.Info("credential invalidated", "partner", tenantID)
}

// Remove is an alias of Invalidate used on partner removal.
func (c *Cache) Remove(tenantID string) { c.Invalidate(tenantID) }

func (c *Cache) get(tenantID string) (Credential, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cred, ok := c.creds[tenantID]
	return cred, ok
}

func (c *Cache) put(tenantID string, cred Credential) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.creds[tenantID] = cred
}

func (c *Cache) valid(cred Credential) bool {
	return c.now().Add(c.margin).Before(cred.ExpiresAt)
}

// Stats summarizes cache occupancy for the monitoring surface.
type Stats struct {
	TotalTenants int              `json:"totalTenants"`
	TotalTokens  int              `json:"totalTokens"`
	ExpiresAt    map[string]int64 `json:"expiresAt,omitempty"`
}

// Stats returns current cache statistics.
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := Stats{
		TotalTenants: len(c.creds),
		ExpiresAt:    make(map[string]int64, len(c.creds)),
	}
	for id, cred := range c.creds {
		if cred.AccessToken != "" {
			s.TotalTokens++
		}
		s.ExpiresAt[id] = cred.ExpiresAt.UnixMilli()
	}
	return s
}
