// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package breaker provides per-partner circuit breakers with count-based
// sliding-window failure accounting.
//
// # State machine
//
//	CLOSED ──(failure rate ≥ threshold)──► OPEN ──(openStateDuration)──► HALF_OPEN
//	   ▲                                    ▲                                │
//	   └────────(all probes succeed)────────┼────────(any probe fails)───────┘
//
// # Invariants
//
//   - The window holds at most slidingWindowSize terminal outcomes; the
//     oldest is evicted on overflow.
//   - Fewer than minCallsBeforeEval samples never trip the breaker.
//   - Rejections in OPEN/HALF_OPEN are counted for telemetry but never
//     enter the window; they would otherwise entrench the open state.
//   - A call admitted while CLOSED runs to completion even if the breaker
//     trips mid-flight; its outcome is still recorded.
package breaker

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fluxgate/fluxgate/services/forwarder/tenant"
)

// ErrOpen is returned when a call is refused by an open breaker.
var ErrOpen = errors.New("circuit breaker is open")

// State represents the circuit breaker state.
type State int

const (
	// StateClosed is normal operation; calls pass through.
	StateClosed State = iota

	// StateOpen rejects calls immediately.
	StateOpen

	// StateHalfOpen admits a limited number of probe calls.
	StateHalfOpen
)

// String returns the canonical upper-case state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(s))
	}
}

// Breaker is a circuit breaker for a single partner.
//
// Thread Safety: safe for concurrent use; every method takes the mutex.
// Administrative transitions are serialized against the state machine by
// the same mutex.
type Breaker struct {
	mu  sync.Mutex
	cfg tenant.Config

	state    State
	openedAt time.Time

	// window is a ring of the last N terminal outcomes; true = failure.
	window []bool
	head   int
	count  int

	probePermits   int
	probeSuccesses int

	totalSuccess  int64
	totalFailure  int64
	totalRejected int64

	now func() time.Time

	// onTransition observes state changes, set by the registry.
	onTransition func(tenantID string, from, to State)
}

// New creates a breaker in the CLOSED state using cfg's breaker
// parameters.
func New(cfg tenant.Config) *Breaker {
	return &Breaker{
		cfg:    cfg,
		state:  StateClosed,
		window: make([]bool, cfg.SlidingWindowSize),
		now:    time.Now,
	}
}

// Allow reports whether a call may proceed right now.
//
// In OPEN it first re-evaluates the open timer (OPEN→HALF_OPEN after
// openStateDuration). In HALF_OPEN it consumes one probe permit. A
// rejection is counted in the not-permitted total.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if b.now().Sub(b.openedAt) >= b.cfg.OpenStateDuration.Std() {
			b.transitionLocked(StateHalfOpen)
			b.probePermits--
			return nil
		}
		b.totalRejected++
		return ErrOpen
	case StateHalfOpen:
		if b.probePermits > 0 {
			b.probePermits--
			return nil
		}
		b.totalRejected++
		return ErrOpen
	}
	return nil
}

// RecordSuccess records a terminal success outcome.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.totalSuccess++

	switch b.state {
	case StateClosed:
		b.pushLocked(false)
	case StateHalfOpen:
		b.probeSuccesses++
		if b.probeSuccesses >= b.cfg.HalfOpenProbeCount {
			b.transitionLocked(StateClosed)
		}
	case StateOpen:
		// A call admitted before the trip settled after it; totals only.
	}
}

// RecordFailure records a terminal failure outcome.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.totalFailure++

	switch b.state {
	case StateClosed:
		b.pushLocked(true)
		if b.count >= b.cfg.MinCallsBeforeEval && b.failureRateLocked() >= b.cfg.FailureRateThresholdPct {
			b.transitionLocked(StateOpen)
		}
	case StateHalfOpen:
		b.transitionLocked(StateOpen)
	case StateOpen:
	}
}

// pushLocked appends one outcome to the ring, evicting the oldest when
// full. Caller holds b.mu.
func (b *Breaker) pushLocked(failure bool) {
	b.window[b.head] = failure
	b.head = (b.head + 1) % len(b.window)
	if b.count < len(b.window) {
		b.count++
	}
}

// failureRateLocked returns the failure percentage over the window.
// Caller holds b.mu.
func (b *Breaker) failureRateLocked() float64 {
	if b.count == 0 {
		return 0
	}
	failures := 0
	for i := 0; i < b.count; i++ {
		if b.window[i] {
			failures++
		}
	}
	return float64(failures) / float64(b.count) * 100
}

// transitionLocked moves to the target state and resets the bookkeeping
// that state owns. Caller holds b.mu.
func (b *Breaker) transitionLocked(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	switch to {
	case StateOpen:
		b.openedAt = b.now()
	case StateHalfOpen:
		b.probePermits = b.cfg.HalfOpenProbeCount
		b.probeSuccesses = 0
	case StateClosed:
		b.clearWindowLocked()
	}
	if b.onTransition != nil {
		b.onTransition(b.cfg.TenantID, from, to)
	}
}

func (b *Breaker) clearWindowLocked() {
	for i := range b.window {
		b.window[i] = false
	}
	b.head = 0
	b.count = 0
}

// ForceOpen transitions to OPEN immediately. Idempotent; restarts the
// open timer.
func (b *Breaker) ForceOpen() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen {
		b.openedAt = b.now()
		return
	}
	b.transitionLocked(StateOpen)
}

// ForceClosed transitions to CLOSED immediately, clearing the window.
// Idempotent.
func (b *Breaker) ForceClosed() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateClosed {
		b.clearWindowLocked()
		return
	}
	b.transitionLocked(StateClosed)
}

// ForceHalfOpen transitions to HALF_OPEN immediately, resetting the probe
// budget. Idempotent.
func (b *Breaker) ForceHalfOpen() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateHalfOpen {
		b.probePermits = b.cfg.HalfOpenProbeCount
		b.probeSuccesses = 0
		return
	}
	b.transitionLocked(StateHalfOpen)
}

// Stats is a point-in-time snapshot of one partner breaker.
type Stats struct {
	TenantID                  string  `json:"tenantId"`
	State                     string  `json:"state"`
	FailureRate               float64 `json:"failureRate"`
	NumberOfCalls             int     `json:"numberOfCalls"`
	NumberOfSuccessfulCalls   int64   `json:"numberOfSuccessfulCalls"`
	NumberOfFailedCalls       int64   `json:"numberOfFailedCalls"`
	NumberOfNotPermittedCalls int64   `json:"numberOfNotPermittedCalls"`
	OpenedAt                  int64   `json:"openedAt,omitempty"`
	HalfOpenPermitsLeft       int     `json:"halfOpenPermitsLeft,omitempty"`
}

// Stats returns the breaker's current snapshot.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := Stats{
		TenantID:                  b.cfg.TenantID,
		State:                     b.state.String(),
		FailureRate:               b.failureRateLocked(),
		NumberOfCalls:             b.count,
		NumberOfSuccessfulCalls:   b.totalSuccess,
		NumberOfFailedCalls:       b.totalFailure,
		NumberOfNotPermittedCalls: b.totalRejected,
	}
	if b.state == StateOpen {
		s.OpenedAt = b.openedAt.UnixMilli()
	}
	if b.state == StateHalfOpen {
		s.HalfOpenPermitsLeft = b.probePermits
	}
	return s
}

// State returns the current state, re-evaluating the open timer first so
// callers observe OPEN→HALF_OPEN promptly.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cfg.OpenStateDuration.Std() {
		b.transitionLocked(StateHalfOpen)
	}
	return b.state
}
