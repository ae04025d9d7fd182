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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/fluxgate/fluxgate/services/forwarder/tenant"
)

// ConfigIndex is the document index holding partner configurations.
const ConfigIndex = "partner-configurations"

// Index loads partner configurations from an HTTP document index.
//
// Description:
//
//	Reload issues a match-all search against the partner-configurations
//	index and replaces the local snapshot; Get serves from the snapshot
//	and falls through to a by-id document lookup on a miss, so a partner
//	created between reloads is still resolvable.
//
// Thread Safety: safe for concurrent use; the snapshot map is guarded by
// an RWMutex and swapped wholesale on reload.
type Index struct {
	base     string
	client   *http.Client
	username string
	password string
	logger   *slog.Logger

	mu      sync.RWMutex
	configs map[string]tenant.Config
}

// IndexOption customizes an Index store.
type IndexOption func(*Index)

// WithClient replaces the HTTP client.
func WithClient(client *http.Client) IndexOption {
	return func(i *Index) { i.client = client }
}

// WithCredentials sets basic-auth credentials for the index.
func WithCredentials(username, password string) IndexOption {
	return func(i *Index) {
		i.username = username
		i.password = password
	}
}

// NewIndex creates an index-backed store against base (e.g.
// "http://localhost:9200").
func NewIndex(base string, logger *slog.Logger, opts ...IndexOption) *Index {
	if logger == nil {
		logger = slog.Default()
	}
	i := &Index{
		base:    base,
		client:  &http.Client{Timeout: 15 * time.Second},
		logger:  logger,
		configs: make(map[string]tenant.Config),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// searchResponse is the subset of the index search reply we read.
type searchResponse struct {
	Hits struct {
		Hits []struct {
			ID     string   `json:"_id"`
			Source Document `json:"_source"`
		} `json:"hits"`
	} `json:"hits"`
}

// Reload replaces the snapshot with a full match-all search.
func (i *Index) Reload(ctx context.Context) error {
	body := `{"size":1000,"query":{"match_all":{}}}`
	req, err := i.newRequest(ctx, http.MethodPost, fmt.Sprintf("%s/%s/_search", i.base, ConfigIndex), []byte(body))
	if err != nil {
		return err
	}

	resp, err := i.client.Do(req)
	if err != nil {
		return fmt.Errorf("search partner configurations: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("config index search returned %d", resp.StatusCode)
	}

	var parsed searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return fmt.Errorf("decode config search response: %w", err)
	}

	next := make(map[string]tenant.Config, len(parsed.Hits.Hits))
	for _, hit := range parsed.Hits.Hits {
		doc := hit.Source
		if doc.BusinessUnit == "" {
			doc.BusinessUnit = hit.ID
		}
		cfg := doc.ToConfig()
		if err := cfg.Validate(); err != nil {
			i.logger.Error("skipping invalid partner document", "id", hit.ID, "error", err)
			continue
		}
		next[cfg.TenantID] = cfg
	}

	i.mu.Lock()
	i.configs = next
	i.mu.Unlock()

	i.logger.Info("partner configurations reloaded", "count", len(next))
	return nil
}

// Get returns the partner's config from the snapshot, falling through to
// a by-id lookup for partners created since the last reload.
func (i *Index) Get(ctx context.Context, tenantID string) (tenant.Config, error) {
	i.mu.RLock()
	cfg, ok := i.configs[tenantID]
	i.mu.RUnlock()
	if ok {
		return cfg, nil
	}

	req, err := i.newRequest(ctx, http.MethodGet, fmt.Sprintf("%s/%s/_doc/%s", i.base, ConfigIndex, tenantID), nil)
	if err != nil {
		return tenant.Config{}, err
	}
	resp, err := i.client.Do(req)
	if err != nil {
		return tenant.Config{}, fmt.Errorf("get partner document: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return tenant.Config{}, ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return tenant.Config{}, fmt.Errorf("config index returned %d", resp.StatusCode)
	}

	var doc struct {
		Found  bool     `json:"found"`
		Source Document `json:"_source"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return tenant.Config{}, fmt.Errorf("decode partner document: %w", err)
	}
	if !doc.Found {
		return tenant.Config{}, ErrNotFound
	}
	if doc.Source.BusinessUnit == "" {
		doc.Source.BusinessUnit = tenantID
	}

	cfg = doc.Source.ToConfig()
	if err := cfg.Validate(); err != nil {
		return tenant.Config{}, err
	}

	i.mu.Lock()
	i.configs[tenantID] = cfg
	i.mu.Unlock()
	return cfg, nil
}

// All returns the current snapshot.
func (i *Index) All(context.Context) (map[string]tenant.Config, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	out := make(map[string]tenant.Config, len(i.configs))
	for id, cfg := range i.configs {
		out[id] = cfg
	}
	return out, nil
}

func (i *Index) newRequest(ctx context.Context, method, url string, body []byte) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("build config index request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if i.username != "" {
		req.SetBasicAuth(i.username, i.password)
	}
	return req, nil
}
