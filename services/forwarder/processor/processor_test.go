// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package processor

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"regexp"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fluxgate/fluxgate/services/forwarder/breaker"
	"github.com/fluxgate/fluxgate/services/forwarder/broker"
	"github.com/fluxgate/fluxgate/services/forwarder/credential"
	"github.com/fluxgate/fluxgate/services/forwarder/pool"
	"github.com/fluxgate/fluxgate/services/forwarder/sink"
	"github.com/fluxgate/fluxgate/services/forwarder/tenant"
)

// harness wires a processor against httptest auth and forward endpoints.
type harness struct {
	proc      *Processor
	pools     *pool.Registry
	breakers  *breaker.Registry
	creds     *credential.Cache
	outcomes  *sink.Memory
	cfg       tenant.Config
	authCalls *atomic.Int32
	fwdCalls  *atomic.Int32
}

func newHarness(t *testing.T, id string, forward http.HandlerFunc) *harness {
	t.Helper()

	var authCalls, fwdCalls atomic.Int32
	authSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authCalls.Add(1)
		json.NewEncoder(w).Encode(map[string]string{"access_token": "tok"})
	}))
	t.Cleanup(authSrv.Close)

	fwdSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fwdCalls.Add(1)
		forward(w, r)
	}))
	t.Cleanup(fwdSrv.Close)

	cfg := tenant.DefaultConfig(id)
	cfg.AuthEndpoint = authSrv.URL
	cfg.APIEndpoint = fwdSrv.URL
	cfg.MaxAttempts = 3
	cfg.InitialDelay = tenant.Duration(time.Millisecond)
	cfg.JitterFraction = 0
	cfg.Auth = tenant.AuthBody{ContentType: "json", ReturnType: "json", TokenKeyPath: "access_token"}

	configs := func(tid string) tenant.Config {
		if tid == id {
			return cfg
		}
		return tenant.DefaultConfig(tid)
	}

	pools := pool.NewRegistry(configs, nil, nil)
	t.Cleanup(func() { pools.ShutdownAll(time.Second) })
	breakers := breaker.NewRegistry(pools, configs, nil, nil)
	creds := credential.NewCache(nil, credential.WithHTTPClient(authSrv.Client()))
	outcomes := sink.NewMemory()

	proc := New(breakers, creds, outcomes, configs, nil, WithHTTPClient(fwdSrv.Client()))
	return &harness{
		proc:      proc,
		pools:     pools,
		breakers:  breakers,
		creds:     creds,
		outcomes:  outcomes,
		cfg:       cfg,
		authCalls: &authCalls,
		fwdCalls:  &fwdCalls,
	}
}

func delivery(id string, body string) broker.Delivery {
	return broker.Delivery{
		MessageID: "m-1",
		Headers:   map[string]string{broker.HeaderBusinessUnit: id},
		Body:      []byte(body),
	}
}

func TestPipelineSuccess(t *testing.T) {
	var gotAuth atomic.Value
	var gotBody atomic.Value
	h := newHarness(t, "ACME", func(w http.ResponseWriter, r *http.Request) {
		gotAuth.Store(r.Header.Get("Authorization"))
		buf, _ := io.ReadAll(r.Body)
		gotBody.Store(string(buf))
		w.WriteHeader(http.StatusOK)
	})

	fut := h.proc.Process(context.Background(), "ACME", "Partner:ACME:Main", delivery("ACME", `{"order":1}`))
	v, err := fut.Wait(context.Background())
	if err != nil {
		t.Fatalf("pipeline: %v", err)
	}
	outcome := v.(sink.Outcome)
	if outcome.Result != sink.ResultSuccess || outcome.Attempts != 1 {
		t.Errorf("outcome = %+v", outcome)
	}
	if gotAuth.Load() != "Bearer tok" {
		t.Errorf("credential header = %v", gotAuth.Load())
	}
	if gotBody.Load() != `{"order":1}` {
		t.Errorf("forward body = %v", gotBody.Load())
	}

	results := h.outcomes.Results()
	if len(results) != 1 || results[0].RouteID != "Partner:ACME:Main" {
		t.Fatalf("results = %+v", results)
	}
	if !regexp.MustCompile(`^Partner-ACME-(Worker-\d+|Caller)$`).MatchString(results[0].WorkerName) {
		t.Errorf("workerName = %q", results[0].WorkerName)
	}
	if len(h.outcomes.Exceptions()) != 0 {
		t.Errorf("unexpected exception records: %+v", h.outcomes.Exceptions())
	}
}

func TestMissingTenantHeaderFails(t *testing.T) {
	h := newHarness(t, "ACME", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	d := broker.Delivery{MessageID: "m-2", Headers: map[string]string{}, Body: []byte("{}")}
	fut := h.proc.Process(context.Background(), "ACME", "Partner:ACME:Main", d)
	if _, err := fut.Wait(context.Background()); !errors.Is(err, ErrInvalid) {
		t.Fatalf("err = %v, want ErrInvalid", err)
	}
	if h.fwdCalls.Load() != 0 {
		t.Error("forward endpoint must not be called for invalid messages")
	}
	if len(h.outcomes.Exceptions()) != 1 {
		t.Errorf("exception records = %d, want 1", len(h.outcomes.Exceptions()))
	}
}

func TestTransientRetriesUpToMaxAttempts(t *testing.T) {
	h := newHarness(t, "ACME", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	fut := h.proc.Process(context.Background(), "ACME", "Partner:ACME:Main", delivery("ACME", "{}"))
	_, err := fut.Wait(context.Background())
	if err == nil {
		t.Fatal("expected failure")
	}
	if KindOf(err) != KindTransient {
		t.Errorf("kind = %v, want TRANSIENT", KindOf(err))
	}
	if h.fwdCalls.Load() != 3 {
		t.Errorf("forward attempts = %d, want maxAttempts=3", h.fwdCalls.Load())
	}

	exceptions := h.outcomes.Exceptions()
	if len(exceptions) != 1 || exceptions[0].Attempts != 3 || exceptions[0].ErrorKind != "TRANSIENT" {
		t.Errorf("exception = %+v", exceptions)
	}
}

func TestTransientThenSuccess(t *testing.T) {
	var n atomic.Int32
	h := newHarness(t, "ACME", func(w http.ResponseWriter, r *http.Request) {
		if n.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	fut := h.proc.Process(context.Background(), "ACME", "Partner:ACME:Main", delivery("ACME", "{}"))
	v, err := fut.Wait(context.Background())
	if err != nil {
		t.Fatalf("pipeline: %v", err)
	}
	if v.(sink.Outcome).Attempts != 3 {
		t.Errorf("attempts = %d, want 3", v.(sink.Outcome).Attempts)
	}
}

func TestAuthFailureGetsOneBonusRetry(t *testing.T) {
	var n atomic.Int32
	h := newHarness(t, "ACME", func(w http.ResponseWriter, r *http.Request) {
		if n.Add(1) == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	fut := h.proc.Process(context.Background(), "ACME", "Partner:ACME:Main", delivery("ACME", "{}"))
	v, err := fut.Wait(context.Background())
	if err != nil {
		t.Fatalf("pipeline: %v", err)
	}
	// Two forward calls, and a second token fetch after invalidation.
	if h.fwdCalls.Load() != 2 {
		t.Errorf("forward calls = %d, want 2", h.fwdCalls.Load())
	}
	if h.authCalls.Load() != 2 {
		t.Errorf("auth calls = %d, want 2 (initial + post-invalidate)", h.authCalls.Load())
	}
	if v.(sink.Outcome).Result != sink.ResultSuccess {
		t.Errorf("outcome = %+v", v)
	}
}

func TestPersistentAuthFailureIsTerminal(t *testing.T) {
	h := newHarness(t, "ACME", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})

	fut := h.proc.Process(context.Background(), "ACME", "Partner:ACME:Main", delivery("ACME", "{}"))
	_, err := fut.Wait(context.Background())
	if err == nil {
		t.Fatal("expected failure")
	}
	if KindOf(err) != KindAuth {
		t.Errorf("kind = %v, want AUTH", KindOf(err))
	}
	// Initial attempt + exactly one bonus retry.
	if h.fwdCalls.Load() != 2 {
		t.Errorf("forward calls = %d, want 2", h.fwdCalls.Load())
	}
}

func TestFatalStatusNotRetried(t *testing.T) {
	h := newHarness(t, "ACME", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	})

	fut := h.proc.Process(context.Background(), "ACME", "Partner:ACME:Main", delivery("ACME", "{}"))
	_, err := fut.Wait(context.Background())
	if KindOf(err) != KindFatal {
		t.Errorf("kind = %v, want FATAL", KindOf(err))
	}
	if h.fwdCalls.Load() != 1 {
		t.Errorf("forward calls = %d, want 1", h.fwdCalls.Load())
	}
}

func TestBreakerSeesOneSamplePerMessage(t *testing.T) {
	h := newHarness(t, "ACME", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	// Each message retries 3 times internally but must count once.
	for i := 0; i < 5; i++ {
		fut := h.proc.Process(context.Background(), "ACME", "Partner:ACME:Main", delivery("ACME", "{}"))
		fut.Wait(context.Background())
	}

	stats, ok := h.breakers.Stats("ACME")
	if !ok {
		t.Fatal("no breaker stats")
	}
	if stats.NumberOfFailedCalls != 5 {
		t.Errorf("breaker samples = %d, want 5 (one per message)", stats.NumberOfFailedCalls)
	}
	if h.fwdCalls.Load() != 15 {
		t.Errorf("forward calls = %d, want 15", h.fwdCalls.Load())
	}
}

func TestDecryptHookFailureSurfaces(t *testing.T) {
	h := newHarness(t, "ACME", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	h.proc.decrypt = func(ctx context.Context, tenantID string, headers map[string]string) (map[string]string, error) {
		return nil, errors.New("bad key material")
	}

	fut := h.proc.Process(context.Background(), "ACME", "Partner:ACME:Main", delivery("ACME", "{}"))
	if _, err := fut.Wait(context.Background()); err == nil {
		t.Fatal("expected decrypt failure to surface")
	}
	if h.fwdCalls.Load() != 0 {
		t.Error("forward must not run after decrypt failure")
	}
}

// Two tenants, one failing: after 100 messages each, the healthy tenant
// has completed everything with a CLOSED breaker while the failing
// tenant's breaker is OPEN.
func TestTwoTenantsOneFailing(t *testing.T) {
	authSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"access_token": "tok"})
	}))
	defer authSrv.Close()
	fwdSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(broker.HeaderBusinessUnit) == "B" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		time.Sleep(time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer fwdSrv.Close()

	configs := func(id string) tenant.Config {
		cfg := tenant.DefaultConfig(id)
		cfg.AuthEndpoint = authSrv.URL
		cfg.APIEndpoint = fwdSrv.URL
		cfg.MaxAttempts = 1
		cfg.Auth = tenant.AuthBody{ContentType: "json", ReturnType: "json", TokenKeyPath: "access_token"}
		return cfg
	}
	pools := pool.NewRegistry(configs, nil, nil)
	defer pools.ShutdownAll(2 * time.Second)
	breakers := breaker.NewRegistry(pools, configs, nil, nil)
	creds := credential.NewCache(nil, credential.WithHTTPClient(authSrv.Client()))
	proc := New(breakers, creds, sink.NewMemory(), configs, nil, WithHTTPClient(fwdSrv.Client()))

	const n = 100
	var futs []*pool.Future
	for i := 0; i < n; i++ {
		futs = append(futs, proc.Process(context.Background(), "A", "Partner:A:Main", delivery("A", "{}")))
		futs = append(futs, proc.Process(context.Background(), "B", "Partner:B:Main", delivery("B", "{}")))
	}
	for _, fut := range futs {
		fut.Wait(context.Background())
	}

	statsA, _ := pools.Stats("A")
	if statsA.CompletedCount != n {
		t.Errorf("A completedCount = %d, want %d", statsA.CompletedCount, n)
	}
	if !breakers.IsHealthy("A") {
		t.Error("A breaker should be CLOSED")
	}
	bStats, _ := breakers.Stats("B")
	if bStats.State != "OPEN" {
		t.Errorf("B breaker state = %s, want OPEN", bStats.State)
	}
}

func TestClassifyStatus(t *testing.T) {
	cases := map[int]Kind{
		401: KindAuth,
		403: KindAuth,
		408: KindTransient,
		429: KindTransient,
		500: KindTransient,
		503: KindTransient,
		400: KindFatal,
		404: KindFatal,
		422: KindFatal,
	}
	for status, want := range cases {
		if got := classifyStatus(status); got != want {
			t.Errorf("classifyStatus(%d) = %v, want %v", status, got, want)
		}
	}
}

func TestBackoffGrowth(t *testing.T) {
	p := &Processor{}
	cfg := tenant.DefaultConfig("X")
	cfg.InitialDelay = tenant.Duration(100 * time.Millisecond)
	cfg.BackoffMultiplier = 2
	cfg.JitterFraction = 0

	if d := p.backoff(cfg, 1); d != 100*time.Millisecond {
		t.Errorf("backoff(1) = %v", d)
	}
	if d := p.backoff(cfg, 3); d != 400*time.Millisecond {
		t.Errorf("backoff(3) = %v", d)
	}

	cfg.JitterFraction = 0.5
	for i := 0; i < 20; i++ {
		d := p.backoff(cfg, 2)
		if d < 100*time.Millisecond || d > 300*time.Millisecond {
			t.Fatalf("jittered backoff(2) = %v outside [100ms,300ms]", d)
		}
	}
}
