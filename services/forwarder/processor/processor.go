// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package processor runs the per-message pipeline for one partner:
// validate → decrypt headers → ensure token → forward → record outcome.
//
// The pipeline is a first-class ordered list of stages executed as a
// single task on the partner's pool, gated by the partner's breaker. A
// stage failure surfaces to the breaker as exactly one failure sample;
// the forward stage retries internally and contributes only its final
// outcome. Nothing inside a pipeline ever waits on another same-tenant
// future, so a saturated pool cannot deadlock itself.
package processor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/fluxgate/fluxgate/services/forwarder/breaker"
	"github.com/fluxgate/fluxgate/services/forwarder/broker"
	"github.com/fluxgate/fluxgate/services/forwarder/credential"
	"github.com/fluxgate/fluxgate/services/forwarder/pool"
	"github.com/fluxgate/fluxgate/services/forwarder/sink"
	"github.com/fluxgate/fluxgate/services/forwarder/telemetry"
	"github.com/fluxgate/fluxgate/services/forwarder/tenant"
)

// DecryptFunc is the pluggable header-decryption hook. The default is
// identity.
type DecryptFunc func(ctx context.Context, tenantID string, headers map[string]string) (map[string]string, error)

// IdentityDecrypt returns the headers unchanged.
func IdentityDecrypt(_ context.Context, _ string, headers map[string]string) (map[string]string, error) {
	return headers, nil
}

// Processor composes the registries into the per-message pipeline.
type Processor struct {
	breakers *breaker.Registry
	creds    *credential.Cache
	outcomes sink.Sink
	configs  pool.ConfigFn
	client   *http.Client
	decrypt  DecryptFunc
	logger   *slog.Logger
	metrics  *telemetry.Metrics

	// sems caps concurrent outbound calls per partner at
	// maxConcurrentCalls.
	semMu sync.Mutex
	sems  map[string]*semaphore.Weighted

	sleep func(ctx context.Context, d time.Duration) error
}

// Option customizes a Processor.
type Option func(*Processor)

// WithHTTPClient replaces the forward HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(p *Processor) { p.client = client }
}

// WithDecrypt installs a header-decryption hook.
func WithDecrypt(fn DecryptFunc) Option {
	return func(p *Processor) {
		if fn != nil {
			p.decrypt = fn
		}
	}
}

// WithMetrics attaches telemetry.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(p *Processor) { p.metrics = m }
}

// New creates a processor.
func New(breakers *breaker.Registry, creds *credential.Cache, outcomes sink.Sink, configs pool.ConfigFn, logger *slog.Logger, opts ...Option) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Processor{
		breakers: breakers,
		creds:    creds,
		outcomes: outcomes,
		configs:  configs,
		client:   &http.Client{},
		decrypt:  IdentityDecrypt,
		logger:   logger,
		sems:     make(map[string]*semaphore.Weighted),
		sleep:    sleepCtx,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Process schedules the full pipeline for one delivery on the partner's
// pool, gated by the partner's breaker. The returned future resolves with
// the recorded outcome.
func (p *Processor) Process(ctx context.Context, tenantID, routeID string, d broker.Delivery) *pool.Future {
	return p.breakers.Execute(ctx, tenantID, func(taskCtx context.Context) (any, error) {
		return p.runPipeline(taskCtx, tenantID, routeID, d)
	})
}

// stage is one named pipeline step.
type stage struct {
	name string
	run  func(ctx context.Context, s *pipelineState) error
}

// pipelineState threads mutable data between stages.
type pipelineState struct {
	tenantID string
	routeID  string
	cfg      tenant.Config
	delivery broker.Delivery
	headers  map[string]string
	cred     credential.Credential
	attempts int
}

// stages returns the ordered pipeline. Recording happens outside this
// list so it always runs, success or failure.
func (p *Processor) stages() []stage {
	return []stage{
		{name: "validate", run: p.stageValidate},
		{name: "decryptHeaders", run: p.stageDecrypt},
		{name: "ensureToken", run: p.stageEnsureToken},
		{name: "forward", run: p.stageForward},
	}
}

func (p *Processor) runPipeline(ctx context.Context, tenantID, routeID string, d broker.Delivery) (sink.Outcome, error) {
	start := time.Now()
	state := &pipelineState{
		tenantID: tenantID,
		routeID:  routeID,
		cfg:      p.configs(tenantID),
		delivery: d,
		headers:  d.Headers,
	}

	var failedStage string
	var err error
	for _, s := range p.stages() {
		if err = s.run(ctx, state); err != nil {
			failedStage = s.name
			break
		}
	}

	outcome := sink.Outcome{
		TenantID:   tenantID,
		RouteID:    routeID,
		Attempts:   state.attempts,
		WorkerName: pool.WorkerNameFromContext(ctx),
	}
	if err == nil {
		outcome.Result = sink.ResultSuccess
		p.record(tenantID, outcome, false)
		p.metrics.RecordOutcome(ctx, tenantID, outcome.Result, time.Since(start).Seconds())
		return outcome, nil
	}

	outcome.Result = sink.ResultFailed
	outcome.ErrorKind = string(KindOf(err))
	outcome.ErrorMessage = err.Error()
	p.logger.Error("message processing failed",
		"partner", tenantID,
		"stage", failedStage,
		"attempts", state.attempts,
		"error", err)
	p.record(tenantID, outcome, true)
	p.metrics.RecordOutcome(ctx, tenantID, outcome.Result, time.Since(start).Seconds())
	return outcome, err
}

// record writes the outcome (and an exception document on failure).
// Best-effort: sink errors are logged, never propagated.
func (p *Processor) record(tenantID string, o sink.Outcome, failed bool) {
	// The pipeline context may already be cancelled; recording gets its
	// own brief deadline.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := p.outcomes.WriteResult(ctx, o); err != nil {
		p.logger.Error("outcome record failed", "partner", tenantID, "error", err)
	}
	if failed {
		if err := p.outcomes.WriteException(ctx, o); err != nil {
			p.logger.Error("exception record failed", "partner", tenantID, "error", err)
		}
	}
}

func (p *Processor) stageValidate(_ context.Context, s *pipelineState) error {
	id := strings.TrimSpace(s.delivery.TenantID())
	if id == "" {
		return ErrInvalid
	}
	if id != s.tenantID {
		return fmt.Errorf("%w: header names %q, route owns %q", ErrInvalid, id, s.tenantID)
	}
	return nil
}

func (p *Processor) stageDecrypt(ctx context.Context, s *pipelineState) error {
	headers, err := p.decrypt(ctx, s.tenantID, s.headers)
	if err != nil {
		return fmt.Errorf("decrypt headers: %w", err)
	}
	s.headers = headers
	return nil
}

func (p *Processor) stageEnsureToken(ctx context.Context, s *pipelineState) error {
	cred, err := p.creds.EnsureValid(ctx, s.cfg)
	if err != nil {
		return err
	}
	s.cred = cred
	return nil
}

// stageForward POSTs the payload with retry, backoff and jitter. The
// post-retry outcome is the single sample the breaker sees.
func (p *Processor) stageForward(ctx context.Context, s *pipelineState) error {
	cfg := s.cfg
	bonusUsed := false

	for attempt := 1; ; {
		s.attempts++
		status, err := p.post(ctx, s)
		if err == nil && status >= 200 && status < 300 {
			return nil
		}

		var kind Kind
		var ferr error
		if err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("forward cancelled: %w", ctx.Err())
			}
			kind = KindTransient
			ferr = &forwardError{kind: kind, cause: err}
		} else {
			kind = classifyStatus(status)
			ferr = &forwardError{kind: kind, status: status}
		}

		switch kind {
		case KindAuth:
			if !bonusUsed {
				// One bonus retry after re-auth, not counted against
				// maxAttempts.
				bonusUsed = true
				p.creds.Invalidate(s.tenantID)
				cred, cerr := p.creds.EnsureValid(ctx, cfg)
				if cerr != nil {
					return cerr
				}
				s.cred = cred
				continue
			}
			return ferr
		case KindTransient:
			if attempt >= cfg.MaxAttempts {
				return ferr
			}
			if serr := p.sleep(ctx, p.backoff(cfg, attempt)); serr != nil {
				return fmt.Errorf("forward cancelled: %w", serr)
			}
			attempt++
		default:
			return ferr
		}
	}
}

// backoff computes initialDelay * multiplier^(attempt-1) with uniform
// ±jitterFraction jitter.
func (p *Processor) backoff(cfg tenant.Config, attempt int) time.Duration {
	delay := float64(cfg.InitialDelay.Std())
	for i := 1; i < attempt; i++ {
		delay *= cfg.BackoffMultiplier
	}
	if cfg.JitterFraction > 0 {
		delay *= 1 + cfg.JitterFraction*(rand.Float64()*2-1)
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

// post performs one outbound call, bounded by the partner's concurrency
// cap and apiTimeout.
func (p *Processor) post(ctx context.Context, s *pipelineState) (int, error) {
	sem := p.semaphoreFor(s.tenantID, s.cfg)
	if err := sem.Acquire(ctx, 1); err != nil {
		return 0, err
	}
	defer sem.Release(1)

	callCtx, cancel := context.WithTimeout(ctx, s.cfg.APITimeout.Std())
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, s.cfg.APIEndpoint, bytes.NewReader(s.delivery.Body))
	if err != nil {
		return 0, fmt.Errorf("build forward request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(credential.HeaderName(s.cfg), s.cred.HeaderValue(s.cfg))
	for name, value := range s.headers {
		if name == broker.HeaderBusinessUnit {
			req.Header.Set(name, value)
			continue
		}
		if strings.HasPrefix(name, "X-") {
			req.Header.Set(name, value)
		}
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	return resp.StatusCode, nil
}

func (p *Processor) semaphoreFor(tenantID string, cfg tenant.Config) *semaphore.Weighted {
	p.semMu.Lock()
	defer p.semMu.Unlock()
	sem, ok := p.sems[tenantID]
	if !ok {
		limit := int64(cfg.MaxConcurrentCalls)
		if limit <= 0 {
			limit = 1
		}
		sem = semaphore.NewWeighted(limit)
		p.sems[tenantID] = sem
	}
	return sem
}

// ReleaseTenant drops per-partner state on explicit removal.
func (p *Processor) ReleaseTenant(tenantID string) {
	p.semMu.Lock()
	delete(p.sems, tenantID)
	p.semMu.Unlock()
}
