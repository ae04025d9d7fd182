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
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func TestIndexWritesDocuments(t *testing.T) {
	var gotPath atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath.Store(r.URL.Path)
		var doc map[string]any
		if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
			t.Errorf("decode doc: %v", err)
		}
		if doc["tenantId"] != "ACME" || doc["result"] != ResultSuccess {
			t.Errorf("unexpected doc: %v", doc)
		}
		if doc["timestamp"] == nil {
			t.Error("timestamp not stamped")
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	idx := NewIndex(srv.URL, nil, WithIndexClient(srv.Client()))
	err := idx.WriteResult(context.Background(), Outcome{
		TenantID: "ACME",
		RouteID:  "Partner:ACME:Main",
		Result:   ResultSuccess,
		Attempts: 1,
	})
	if err != nil {
		t.Fatalf("WriteResult: %v", err)
	}
	if gotPath.Load() != "/message-results/_doc" {
		t.Errorf("path = %v, want /message-results/_doc", gotPath.Load())
	}
}

func TestIndexFailureIsSwallowedAndSpooled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	spool, err := OpenSpool("")
	if err != nil {
		t.Fatalf("OpenSpool: %v", err)
	}
	defer spool.Close()

	idx := NewIndex(srv.URL, nil, WithIndexClient(srv.Client()), WithSpool(spool))
	if err := idx.WriteException(context.Background(), Outcome{TenantID: "ACME", Result: ResultFailed}); err != nil {
		t.Fatalf("WriteException must not propagate sink errors, got %v", err)
	}

	n, err := spool.Len()
	if err != nil {
		t.Fatalf("spool.Len: %v", err)
	}
	if n != 1 {
		t.Errorf("spool holds %d entries, want 1", n)
	}
}

func TestSpoolDrain(t *testing.T) {
	spool, err := OpenSpool("")
	if err != nil {
		t.Fatalf("OpenSpool: %v", err)
	}
	defer spool.Close()

	for i := 0; i < 3; i++ {
		if err := spool.Enqueue(IndexExceptions, Outcome{TenantID: "ACME", Result: ResultFailed, Attempts: i}); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	var delivered atomic.Int32
	flushed, err := spool.Drain(context.Background(), func(ctx context.Context, index string, o Outcome) error {
		if index != IndexExceptions {
			t.Errorf("index = %q", index)
		}
		delivered.Add(1)
		return nil
	})
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if flushed != 3 || delivered.Load() != 3 {
		t.Errorf("flushed %d delivered %d, want 3", flushed, delivered.Load())
	}

	n, _ := spool.Len()
	if n != 0 {
		t.Errorf("spool holds %d entries after drain, want 0", n)
	}
}

func TestMemorySink(t *testing.T) {
	m := NewMemory()
	m.WriteResult(context.Background(), Outcome{TenantID: "A", Result: ResultSuccess})
	m.WriteException(context.Background(), Outcome{TenantID: "A", Result: ResultFailed})

	if len(m.Results()) != 1 || len(m.Exceptions()) != 1 {
		t.Errorf("memory sink recorded %d/%d", len(m.Results()), len(m.Exceptions()))
	}
	if m.Results()[0].Timestamp == 0 {
		t.Error("memory sink did not stamp timestamp")
	}
}
