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
	"testing"
	"time"
)

func TestPublishConsume(t *testing.T) {
	m := NewMemory(8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := m.Consume(ctx, "partner.ACME.queue")
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}

	err = m.Publish(ctx, "partner.ACME.queue", Delivery{
		Headers: map[string]string{HeaderBusinessUnit: "ACME"},
		Body:    []byte(`{"order":1}`),
	})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case d := <-ch:
		if d.TenantID() != "ACME" {
			t.Errorf("TenantID() = %q", d.TenantID())
		}
		if d.MessageID == "" {
			t.Error("message id not assigned")
		}
		d.Ack() // zero settle funcs must not panic
		d.Nack()
	case <-time.After(time.Second):
		t.Fatal("delivery not received")
	}
}

func TestConsumeStopsOnCancel(t *testing.T) {
	m := NewMemory(8)
	ctx, cancel := context.WithCancel(context.Background())

	ch, err := m.Consume(ctx, "q")
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	cancel()

	select {
	case _, ok := <-ch:
		if ok {
			t.Error("expected closed channel after cancel")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed after cancel")
	}
}

func TestQueueConstants(t *testing.T) {
	if ProcessingExchange != "message.processing.exchange" ||
		ProcessingRoutingKey != "message.process" ||
		ProcessingQueue != "message.processing.queue" {
		t.Error("broker constants drifted from the wire contract")
	}
	if HeaderBusinessUnit != "CBUSINESSUNIT" {
		t.Errorf("tenant header = %q", HeaderBusinessUnit)
	}
}

func TestDepth(t *testing.T) {
	m := NewMemory(8)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := m.Publish(ctx, "q", Delivery{Body: []byte("x")}); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}
	if m.Depth("q") != 3 {
		t.Errorf("Depth = %d, want 3", m.Depth("q"))
	}
}
