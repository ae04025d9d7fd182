// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package pool provides bounded, partner-scoped worker pools.
//
// Each partner gets its own pool with independent workers, queue, and
// counters, so one partner's slowness cannot consume another's capacity.
// When a pool's queue is full the submitter executes the task on its own
// goroutine (caller-runs): load sheds onto the producer instead of
// dropping messages, which backpressures the ingest loop naturally.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fluxgate/fluxgate/services/forwarder/tenant"
)

// ErrShuttingDown is returned for submissions to a draining pool.
var ErrShuttingDown = errors.New("partner pool is shutting down")

// Task is a unit of work scheduled on a partner pool. The context carries
// the pool lifecycle (cancelled when shutdown grace expires) and the
// executing worker's name.
type Task func(ctx context.Context) (any, error)

type contextKey int

const workerNameKey contextKey = iota

// WorkerNameFromContext reports the name of the worker executing the task,
// e.g. "Partner-ACME-Worker-3". Caller-runs executions report
// "Partner-<id>-Caller".
func WorkerNameFromContext(ctx context.Context) string {
	name, _ := ctx.Value(workerNameKey).(string)
	return name
}

type item struct {
	task Task
	fut  *Future
}

// Pool is a bounded worker pool for a single partner.
//
// Description:
//
//	Workers are elastic between CoreWorkers and MaxWorkers: a submission
//	first tops the pool up to core, then queues; a full queue spawns one
//	surplus worker (up to max) and retries the enqueue once; if the queue
//	is still full the submitter runs the task itself. Surplus workers retire after
//	IdleKeepAlive without work.
//
// Thread Safety:
//
//	Safe for concurrent use. The mutex guards worker accounting and the
//	closed flag; counters are atomic.
type Pool struct {
	tenantID string
	cfg      tenant.Config

	tasks  chan *item
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	workers   int
	workerSeq int
	closed    bool

	active     atomic.Int32
	completed  atomic.Int64
	callerRuns atomic.Int64
	wg         sync.WaitGroup

	// onComplete, when set, observes every executed task. Installed by the
	// registry before the pool is published; never mutated afterwards.
	onComplete func(tenantID string, success bool)
}

func newPool(cfg tenant.Config) *Pool {
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		tenantID: cfg.TenantID,
		cfg:      cfg,
		tasks:    make(chan *item, cfg.QueueCapacity),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Submit schedules task on the pool and returns its future.
//
// Behavior:
//
//  1. Draining pool: the future fails immediately with ErrShuttingDown.
//  2. Below core workers: a worker is spawned, the task queued.
//  3. Queue full, below max workers: a surplus worker is spawned and the
//     enqueue is retried once, without waiting for the new worker.
//  4. Queue still full: the task runs synchronously on the caller, whether
//     or not the pool has reached max workers.
//
// Re-entrant submission from inside a worker is permitted; waiting on a
// same-tenant future from inside a worker is the caller's deadlock to
// avoid.
func (p *Pool) Submit(task Task) *Future {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return resolvedFuture(ErrShuttingDown)
	}
	it := &item{task: task, fut: newFuture()}

	if p.workers < p.cfg.CoreWorkers {
		p.spawnWorkerLocked()
	}
	select {
	case p.tasks <- it:
		p.mu.Unlock()
		return it.fut
	default:
	}
	if p.workers < p.cfg.MaxWorkers {
		p.spawnWorkerLocked()
		select {
		case p.tasks <- it:
			p.mu.Unlock()
			return it.fut
		default:
		}
	}
	p.mu.Unlock()

	// Queue still saturated: caller-runs fallback.
	p.callerRuns.Add(1)
	p.execute(it, "Partner-"+p.tenantID+"-Caller")
	return it.fut
}

// spawnWorkerLocked starts one worker. Caller holds p.mu.
func (p *Pool) spawnWorkerLocked() {
	p.workers++
	p.workerSeq++
	name := fmt.Sprintf("Partner-%s-Worker-%d", p.tenantID, p.workerSeq)
	p.wg.Add(1)
	go p.workerLoop(name)
}

func (p *Pool) workerLoop(name string) {
	defer p.wg.Done()
	for {
		var idleCh <-chan time.Time
		var idleTimer *time.Timer
		if p.aboveCore() && p.cfg.IdleKeepAlive.Std() > 0 {
			idleTimer = time.NewTimer(p.cfg.IdleKeepAlive.Std())
			idleCh = idleTimer.C
		}

		select {
		case it, ok := <-p.tasks:
			if idleTimer != nil {
				idleTimer.Stop()
			}
			if !ok {
				p.retire()
				return
			}
			if p.ctx.Err() != nil {
				// Grace expired mid-drain: fail, don't run.
				it.fut.resolve(nil, ErrShuttingDown, name)
				continue
			}
			p.execute(it, name)
		case <-idleCh:
			if p.tryRetireAboveCore() {
				return
			}
		}
	}
}

// execute runs one task, recovering panics so a failing task never takes a
// worker down with it.
func (p *Pool) execute(it *item, workerName string) {
	ctx := context.WithValue(p.ctx, workerNameKey, workerName)
	p.active.Add(1)
	value, err := runTask(ctx, it.task)
	p.active.Add(-1)
	p.completed.Add(1)
	it.fut.resolve(value, err, workerName)
	if p.onComplete != nil {
		p.onComplete(p.tenantID, err == nil)
	}
}

func runTask(ctx context.Context, task Task) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panic: %v", r)
		}
	}()
	return task(ctx)
}

func (p *Pool) aboveCore() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.workers > p.cfg.CoreWorkers
}

func (p *Pool) tryRetireAboveCore() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.workers > p.cfg.CoreWorkers {
		p.workers--
		return true
	}
	return false
}

func (p *Pool) retire() {
	p.mu.Lock()
	p.workers--
	p.mu.Unlock()
}

// Shutdown drains queued tasks for up to grace, then cancels the pool
// context so in-flight and still-queued tasks fail promptly.
//
// All tasks submitted before Shutdown either complete or fail with
// ErrShuttingDown; none are silently dropped. Idempotent.
func (p *Pool) Shutdown(grace time.Duration) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.awaitWorkers()
		return
	}
	p.closed = true
	close(p.tasks)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(grace):
		p.cancel()
		<-done
	}
	p.cancel()
}

func (p *Pool) awaitWorkers() {
	p.wg.Wait()
}

// Stats is a point-in-time snapshot of one partner pool.
type Stats struct {
	TenantID        string `json:"tenantId"`
	ActiveCount     int    `json:"activeCount"`
	PoolSize        int    `json:"poolSize"`
	CorePoolSize    int    `json:"corePoolSize"`
	MaximumPoolSize int    `json:"maximumPoolSize"`
	QueueDepth      int    `json:"queueDepth"`
	QueueCapacity   int    `json:"queueCapacity"`
	CompletedCount  int64  `json:"completedCount"`
	CallerRunCount  int64  `json:"callerRunCount"`
	ShuttingDown    bool   `json:"shuttingDown"`
}

// Stats returns the pool's current snapshot.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	workers := p.workers
	closed := p.closed
	p.mu.Unlock()

	return Stats{
		TenantID:        p.tenantID,
		ActiveCount:     int(p.active.Load()),
		PoolSize:        workers,
		CorePoolSize:    p.cfg.CoreWorkers,
		MaximumPoolSize: p.cfg.MaxWorkers,
		QueueDepth:      len(p.tasks),
		QueueCapacity:   p.cfg.QueueCapacity,
		CompletedCount:  p.completed.Load(),
		CallerRunCount:  p.callerRuns.Load(),
		ShuttingDown:    closed,
	}
}
