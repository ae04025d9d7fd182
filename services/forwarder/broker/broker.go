// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package broker defines the AMQP-facing interface FluxGate consumes.
//
// The broker itself — exchange topology, durability, redelivery — is an
// external collaborator; this package binds only the contract: one durable
// queue per partner named "partner.<tenantId>.queue", a shared ingress
// exchange routing into an untenanted pre-dispatch queue, and a tenant id
// header on every message.
package broker

import "context"

const (
	// HeaderBusinessUnit is the message header carrying the tenant id.
	HeaderBusinessUnit = "CBUSINESSUNIT"

	// ProcessingExchange is the shared ingress exchange.
	ProcessingExchange = "message.processing.exchange"

	// ProcessingRoutingKey routes ingress messages to the pre-dispatch
	// queue.
	ProcessingRoutingKey = "message.process"

	// ProcessingQueue is the untenanted pre-dispatch queue.
	ProcessingQueue = "message.processing.queue"
)

// Delivery is one message handed to a consumer. Ack/Nack settle the
// message with the broker; both are safe to call on a zero Delivery.
type Delivery struct {
	MessageID string
	Headers   map[string]string
	Body      []byte

	ack  func()
	nack func()
}

// TenantID returns the tenant id header value.
func (d Delivery) TenantID() string { return d.Headers[HeaderBusinessUnit] }

// Ack settles the message as processed.
func (d Delivery) Ack() {
	if d.ack != nil {
		d.ack()
	}
}

// Nack settles the message as failed, leaving redelivery to the broker.
func (d Delivery) Nack() {
	if d.nack != nil {
		d.nack()
	}
}

// Consumer delivers messages from a named queue until ctx is cancelled.
// The returned channel closes when the subscription ends.
type Consumer interface {
	Consume(ctx context.Context, queue string) (<-chan Delivery, error)
}

// Publisher enqueues messages onto a named queue. Used by the in-memory
// broker and by tests; the production broker publishes through its own
// exchange bindings.
type Publisher interface {
	Publish(ctx context.Context, queue string, d Delivery) error
}
