// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package configstore loads partner configuration documents.
//
// The authoritative store is a document index keyed by partner id
// (Index); Memory backs tests and the bulk-update API, and File supports
// development setups with a hot-reloaded YAML document.
package configstore

import (
	"context"
	"errors"

	"github.com/fluxgate/fluxgate/services/forwarder/tenant"
)

// ErrNotFound is returned when a partner has no stored configuration.
var ErrNotFound = errors.New("partner configuration not found")

// Store supplies current partner configurations.
type Store interface {
	// Get returns the partner's current config or ErrNotFound.
	Get(ctx context.Context, tenantID string) (tenant.Config, error)

	// All returns every stored config keyed by partner id.
	All(ctx context.Context) (map[string]tenant.Config, error)

	// Reload refreshes the store from its backing source. Memory-backed
	// stores treat it as a no-op.
	Reload(ctx context.Context) error
}

// Writer is implemented by stores that accept runtime updates (the bulk
// configuration API writes through it).
type Writer interface {
	Put(ctx context.Context, cfg tenant.Config) error
	Delete(ctx context.Context, tenantID string) error
}

// Resolve returns the partner's config, falling back to the DEFAULT
// profile when the store has no document for it. Registries use this so a
// pool or breaker can always be created on demand.
func Resolve(ctx context.Context, store Store, tenantID string) tenant.Config {
	cfg, err := store.Get(ctx, tenantID)
	if err != nil {
		return tenant.DefaultConfig(tenantID)
	}
	return cfg
}
