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
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
)

// spoolTTL bounds how long an undeliverable outcome is retained before
// BadgerDB expires it.
const spoolTTL = 24 * time.Hour

// Spool buffers outcome documents that could not reach the index, backed
// by an embedded BadgerDB store. Entries carry a TTL so an extended index
// outage cannot grow the spool without bound.
type Spool struct {
	db *badger.DB
}

// spoolEntry is the persisted form of a deferred write.
type spoolEntry struct {
	Index   string  `json:"index"`
	Outcome Outcome `json:"outcome"`
}

// OpenSpool opens (or creates) a spool at path. An empty path opens an
// in-memory spool, useful for tests.
func OpenSpool(path string) (*Spool, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open outcome spool: %w", err)
	}
	return &Spool{db: db}, nil
}

// Close releases the underlying store.
func (s *Spool) Close() error { return s.db.Close() }

// Enqueue persists one deferred write.
func (s *Spool) Enqueue(index string, o Outcome) error {
	entry := spoolEntry{Index: index, Outcome: o}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal spool entry: %w", err)
	}
	key := fmt.Sprintf("%d-%s", time.Now().UnixNano(), uuid.NewString())
	err = s.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry([]byte(key), data).WithTTL(spoolTTL)
		return txn.SetEntry(e)
	})
	if err != nil {
		return fmt.Errorf("enqueue spool entry: %w", err)
	}
	return nil
}

// Len counts spooled entries.
func (s *Spool) Len() (int, error) {
	count := 0
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			count++
		}
		return nil
	})
	return count, err
}

// Drain replays spooled entries through write, deleting each entry that
// succeeds. It stops at the first failure (the index is presumably still
// down) or when ctx is cancelled, and reports how many entries flushed.
func (s *Spool) Drain(ctx context.Context, write func(ctx context.Context, index string, o Outcome) error) (int, error) {
	type pending struct {
		key   []byte
		entry spoolEntry
	}

	var batch []pending
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			var entry spoolEntry
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &entry)
			}); err != nil {
				continue // corrupt entry, leave for TTL expiry
			}
			batch = append(batch, pending{key: item.KeyCopy(nil), entry: entry})
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("scan spool: %w", err)
	}

	flushed := 0
	for _, p := range batch {
		if ctx.Err() != nil {
			return flushed, ctx.Err()
		}
		if err := write(ctx, p.entry.Index, p.entry.Outcome); err != nil {
			return flushed, err
		}
		if err := s.db.Update(func(txn *badger.Txn) error {
			return txn.Delete(p.key)
		}); err != nil {
			return flushed, fmt.Errorf("delete drained entry: %w", err)
		}
		flushed++
	}
	return flushed, nil
}
