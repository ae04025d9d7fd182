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
	"errors"
	"testing"
	"time"

	"github.com/fluxgate/fluxgate/services/forwarder/pool"
	"github.com/fluxgate/fluxgate/services/forwarder/tenant"
)

// breakerConfig mirrors the reference scenario: minCalls=10, threshold=50,
// window=20, open 1s, 3 probes.
func breakerConfig(id string) tenant.Config {
	cfg := tenant.DefaultConfig(id)
	cfg.MinCallsBeforeEval = 10
	cfg.FailureRateThresholdPct = 50
	cfg.SlidingWindowSize = 20
	cfg.OpenStateDuration = tenant.Duration(time.Second)
	cfg.HalfOpenProbeCount = 3
	return cfg
}

func TestTripAndRecover(t *testing.T) {
	b := New(breakerConfig("ACME"))
	clock := time.Now()
	b.now = func() time.Time { return clock }

	// 10 failures: must trip on exactly the 10th sample.
	for i := 0; i < 10; i++ {
		if err := b.Allow(); err != nil {
			t.Fatalf("call %d unexpectedly rejected: %v", i+1, err)
		}
		b.RecordFailure()
	}
	if b.State() != StateOpen {
		t.Fatalf("state = %v after 10 failures, want OPEN", b.State())
	}

	// 11th call rejected while open.
	if err := b.Allow(); !errors.Is(err, ErrOpen) {
		t.Fatalf("call 11 err = %v, want ErrOpen", err)
	}

	// After the open window: half-open, three successful probes close it.
	clock = clock.Add(1100 * time.Millisecond)
	for i := 0; i < 3; i++ {
		if err := b.Allow(); err != nil {
			t.Fatalf("probe %d rejected: %v", i+1, err)
		}
		b.RecordSuccess()
	}
	if b.State() != StateClosed {
		t.Fatalf("state = %v after successful probes, want CLOSED", b.State())
	}
	if got := b.Stats().NumberOfCalls; got != 0 {
		t.Errorf("window not cleared on close: %d samples", got)
	}
}

func TestBoundaryDoesNotTrip(t *testing.T) {
	b := New(breakerConfig("ACME"))

	// Exactly minCalls-1 failures must not trip.
	for i := 0; i < 9; i++ {
		if err := b.Allow(); err != nil {
			t.Fatalf("call rejected: %v", err)
		}
		b.RecordFailure()
	}
	if b.State() != StateClosed {
		t.Errorf("state = %v after 9 failures, want CLOSED", b.State())
	}
}

func TestProbeFailureReopens(t *testing.T) {
	b := New(breakerConfig("ACME"))
	clock := time.Now()
	b.now = func() time.Time { return clock }

	for i := 0; i < 10; i++ {
		b.Allow()
		b.RecordFailure()
	}
	clock = clock.Add(1100 * time.Millisecond)

	if err := b.Allow(); err != nil {
		t.Fatalf("probe rejected: %v", err)
	}
	b.RecordFailure()

	if b.State() != StateOpen {
		t.Fatalf("state = %v after failed probe, want OPEN", b.State())
	}
	// Timer restarted: still rejecting before the window elapses again.
	clock = clock.Add(500 * time.Millisecond)
	if err := b.Allow(); !errors.Is(err, ErrOpen) {
		t.Errorf("err = %v, want ErrOpen", err)
	}
}

func TestExcessProbesRejected(t *testing.T) {
	b := New(breakerConfig("ACME"))
	clock := time.Now()
	b.now = func() time.Time { return clock }

	for i := 0; i < 10; i++ {
		b.Allow()
		b.RecordFailure()
	}
	clock = clock.Add(1100 * time.Millisecond)

	// probeCount=3 admissions; the fourth concurrent call is rejected.
	for i := 0; i < 3; i++ {
		if err := b.Allow(); err != nil {
			t.Fatalf("probe %d rejected: %v", i+1, err)
		}
	}
	if err := b.Allow(); !errors.Is(err, ErrOpen) {
		t.Errorf("excess probe err = %v, want ErrOpen", err)
	}

	stats := b.Stats()
	if stats.NumberOfNotPermittedCalls == 0 {
		t.Error("not-permitted total not counted")
	}
}

func TestRejectionsStayOutOfWindow(t *testing.T) {
	b := New(breakerConfig("ACME"))
	clock := time.Now()
	b.now = func() time.Time { return clock }

	for i := 0; i < 10; i++ {
		b.Allow()
		b.RecordFailure()
	}
	before := b.Stats().NumberOfCalls
	for i := 0; i < 5; i++ {
		b.Allow() // rejected
	}
	if got := b.Stats().NumberOfCalls; got != before {
		t.Errorf("window grew from rejections: %d -> %d", before, got)
	}
}

func TestSlidingWindowEviction(t *testing.T) {
	cfg := breakerConfig("ACME")
	cfg.SlidingWindowSize = 4
	cfg.MinCallsBeforeEval = 4
	b := New(cfg)

	// Two failures then enough successes to evict them.
	b.Allow()
	b.RecordFailure()
	b.Allow()
	b.RecordFailure()
	for i := 0; i < 6; i++ {
		b.Allow()
		b.RecordSuccess()
	}
	if rate := b.Stats().FailureRate; rate != 0 {
		t.Errorf("failureRate = %v after eviction, want 0", rate)
	}
	if b.State() != StateClosed {
		t.Errorf("state = %v, want CLOSED", b.State())
	}
}

func TestForceTransitions(t *testing.T) {
	b := New(breakerConfig("ACME"))

	b.ForceOpen()
	if b.State() != StateOpen {
		t.Fatalf("state = %v, want OPEN", b.State())
	}
	b.ForceOpen() // idempotent
	if b.State() != StateOpen {
		t.Fatalf("double ForceOpen changed state to %v", b.State())
	}

	b.ForceHalfOpen()
	if err := b.Allow(); err != nil {
		t.Fatalf("probe after ForceHalfOpen rejected: %v", err)
	}

	b.ForceClosed()
	if b.State() != StateClosed {
		t.Fatalf("state = %v, want CLOSED", b.State())
	}
	if b.Stats().NumberOfCalls != 0 {
		t.Error("ForceClosed did not clear the window")
	}
}

func newExecRegistry(t *testing.T, cfg tenant.Config) (*Registry, *pool.Registry) {
	t.Helper()
	configs := func(id string) tenant.Config {
		if id == cfg.TenantID {
			return cfg
		}
		return tenant.DefaultConfig(id)
	}
	pools := pool.NewRegistry(configs, nil, nil)
	t.Cleanup(func() { pools.ShutdownAll(time.Second) })
	return NewRegistry(pools, configs, nil, nil), pools
}

func TestExecuteThroughPool(t *testing.T) {
	cfg := breakerConfig("EXEC")
	reg, _ := newExecRegistry(t, cfg)

	fut := reg.Execute(context.Background(), "EXEC", func(ctx context.Context) (any, error) {
		return "done", nil
	})
	v, err := fut.Wait(context.Background())
	if err != nil || v != "done" {
		t.Fatalf("Execute: v=%v err=%v", v, err)
	}
	if !reg.IsHealthy("EXEC") {
		t.Error("breaker should be healthy after success")
	}
}

func TestExecuteRejectsWhenOpen(t *testing.T) {
	cfg := breakerConfig("EXEC")
	reg, pools := newExecRegistry(t, cfg)

	reg.ForceOpen("EXEC")
	fut := reg.Execute(context.Background(), "EXEC", func(ctx context.Context) (any, error) {
		t.Error("task must not run while breaker is open")
		return nil, nil
	})
	if _, err := fut.Wait(context.Background()); !errors.Is(err, ErrOpen) {
		t.Fatalf("err = %v, want ErrOpen", err)
	}

	// Rejection short-circuits before pool submission: no pool created.
	if _, ok := pools.Stats("EXEC"); ok {
		t.Error("rejected call must not create a pool")
	}
}

func TestExecuteCountsTerminalOutcomes(t *testing.T) {
	cfg := breakerConfig("EXEC")
	reg, _ := newExecRegistry(t, cfg)

	for i := 0; i < 10; i++ {
		fut := reg.Execute(context.Background(), "EXEC", func(ctx context.Context) (any, error) {
			return nil, errors.New("downstream down")
		})
		_, _ = fut.Wait(context.Background())
	}
	stats, ok := reg.Stats("EXEC")
	if !ok {
		t.Fatal("no breaker stats")
	}
	if stats.State != "OPEN" {
		t.Errorf("state = %s after sustained failures, want OPEN", stats.State)
	}
	if stats.NumberOfFailedCalls != 10 {
		t.Errorf("failed calls = %d, want 10", stats.NumberOfFailedCalls)
	}
}
