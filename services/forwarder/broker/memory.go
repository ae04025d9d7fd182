// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package broker

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Memory is a channel-backed broker for tests and local development.
//
// Queues are created on first use with a fixed capacity. A full queue
// blocks Publish until a consumer drains it or ctx expires, which is the
// closest in-process analogue to broker-side buffering.
type Memory struct {
	mu       sync.Mutex
	queues   map[string]chan Delivery
	capacity int
}

// NewMemory creates an in-memory broker whose queues hold up to capacity
// messages each.
func NewMemory(capacity int) *Memory {
	if capacity <= 0 {
		capacity = 128
	}
	return &Memory{
		queues:   make(map[string]chan Delivery),
		capacity: capacity,
	}
}

func (m *Memory) queue(name string) chan Delivery {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[name]
	if !ok {
		q = make(chan Delivery, m.capacity)
		m.queues[name] = q
	}
	return q
}

// Publish enqueues d onto the named queue, assigning a message id when
// absent.
func (m *Memory) Publish(ctx context.Context, queue string, d Delivery) error {
	if d.MessageID == "" {
		d.MessageID = uuid.NewString()
	}
	if d.Headers == nil {
		d.Headers = map[string]string{}
	}
	select {
	case m.queue(queue) <- d:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("publish to %s: %w", queue, ctx.Err())
	}
}

// Consume delivers messages from the named queue until ctx is cancelled.
func (m *Memory) Consume(ctx context.Context, queue string) (<-chan Delivery, error) {
	src := m.queue(queue)
	out := make(chan Delivery)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case d := <-src:
				select {
				case out <- d:
				case <-ctx.Done():
					// Consumer went away mid-handoff; requeue.
					select {
					case src <- d:
					default:
					}
					return
				}
			}
		}
	}()
	return out, nil
}

// Depth reports the number of buffered messages in a queue, for tests.
func (m *Memory) Depth(queue string) int {
	return len(m.queue(queue))
}
