// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// Index writes outcome documents to an HTTP document index.
//
// Description:
//
//	Each outcome is POSTed to "<base>/<index>/_doc". A failed write is
//	logged and, when a spool is attached, buffered locally; a background
//	drain loop replays the spool once the index is reachable again.
//	Reporting the reporter would cascade, so neither path ever returns
//	the write error to the pipeline.
type Index struct {
	base     string
	client   *http.Client
	username string
	password string
	spool    *Spool
	logger   *slog.Logger

	drainEvery time.Duration
}

// IndexOption customizes an Index sink.
type IndexOption func(*Index)

// WithIndexClient replaces the HTTP client.
func WithIndexClient(client *http.Client) IndexOption {
	return func(i *Index) { i.client = client }
}

// WithBasicAuth sets index credentials.
func WithBasicAuth(username, password string) IndexOption {
	return func(i *Index) {
		i.username = username
		i.password = password
	}
}

// WithSpool attaches a local spool for deferred writes.
func WithSpool(spool *Spool) IndexOption {
	return func(i *Index) { i.spool = spool }
}

// WithDrainInterval sets how often the spool drain loop runs.
func WithDrainInterval(interval time.Duration) IndexOption {
	return func(i *Index) {
		if interval > 0 {
			i.drainEvery = interval
		}
	}
}

// NewIndex creates an index sink against base (e.g.
// "http://localhost:9200").
func NewIndex(base string, logger *slog.Logger, opts ...IndexOption) *Index {
	if logger == nil {
		logger = slog.Default()
	}
	i := &Index{
		base:       base,
		client:     &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
		drainEvery: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// WriteResult records a processed-message document.
func (i *Index) WriteResult(ctx context.Context, o Outcome) error {
	i.write(ctx, IndexResults, o)
	return nil
}

// WriteException records a terminal-failure document.
func (i *Index) WriteException(ctx context.Context, o Outcome) error {
	i.write(ctx, IndexExceptions, o)
	return nil
}

func (i *Index) write(ctx context.Context, index string, o Outcome) {
	o.Stamp()
	if err := i.post(ctx, index, o); err != nil {
		i.logger.Error("outcome write failed",
			"index", index,
			"partner", o.TenantID,
			"error", err)
		if i.spool != nil {
			if serr := i.spool.Enqueue(index, o); serr != nil {
				i.logger.Error("outcome spool failed", "index", index, "error", serr)
			}
		}
	}
}

func (i *Index) post(ctx context.Context, index string, o Outcome) error {
	data, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("marshal outcome: %w", err)
	}
	url := fmt.Sprintf("%s/%s/_doc", i.base, index)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("build index request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if i.username != "" {
		req.SetBasicAuth(i.username, i.password)
	}

	resp, err := i.client.Do(req)
	if err != nil {
		return fmt.Errorf("post outcome: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("index returned %d", resp.StatusCode)
	}
	return nil
}

// Run drains the spool periodically until ctx is cancelled. No-op without
// a spool.
func (i *Index) Run(ctx context.Context) {
	if i.spool == nil {
		return
	}
	ticker := time.NewTicker(i.drainEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			flushed, err := i.spool.Drain(ctx, i.post)
			if err != nil && ctx.Err() == nil {
				i.logger.Warn("spool drain interrupted", "flushed", flushed, "error", err)
				continue
			}
			if flushed > 0 {
				i.logger.Info("spool drained", "flushed", flushed)
			}
		}
	}
}
