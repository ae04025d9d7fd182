// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package tenant defines the per-partner configuration value type shared by
// every FluxGate component.
//
// A Config is immutable once installed: components receive it by value and
// an updated document produces a new Config with a new Version. The tenant
// id is always an explicit argument on registry and processor calls; it is
// never stashed in context or globals.
package tenant

import (
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
)

// DefaultTenantID names the fallback profile applied to partners that have
// no document in the config store.
const DefaultTenantID = "DEFAULT"

// Priority is an informational partner priority tag. It does not affect
// scheduling.
type Priority string

const (
	PriorityHigh   Priority = "HIGH"
	PriorityMedium Priority = "MEDIUM"
	PriorityLow    Priority = "LOW"
)

// AuthBody describes the OAuth-style token exchange for a partner.
//
// ContentType selects the request body shape (json or form), ReturnType the
// response parsing (json or xml). TokenKeyPath locates the access token in
// the response: a dotted path for JSON ("data.access_token") or an element
// path for XML ("response/token").
type AuthBody struct {
	GrantType    string `json:"grantType,omitempty" yaml:"grantType,omitempty"`
	ClientID     string `json:"clientId,omitempty" yaml:"clientId,omitempty"`
	ClientSecret string `json:"clientSecret,omitempty" yaml:"clientSecret,omitempty"`
	Scope        string `json:"scope,omitempty" yaml:"scope,omitempty"`
	ContentType  string `json:"contentType,omitempty" yaml:"contentType,omitempty" validate:"omitempty,oneof=json form"`
	ReturnType   string `json:"returnType,omitempty" yaml:"returnType,omitempty" validate:"omitempty,oneof=json xml"`
	TokenKeyPath string `json:"tokenKeyPath,omitempty" yaml:"tokenKeyPath,omitempty"`
	HeaderName   string `json:"headerName,omitempty" yaml:"headerName,omitempty"`
	HeaderPrefix string `json:"headerPrefix,omitempty" yaml:"headerPrefix,omitempty"`
}

// Config is the complete per-partner profile.
//
// Identified by (TenantID, Version). All JSON field names are
// lowerCamelCase for compatibility with existing clients.
type Config struct {
	TenantID string `json:"tenantId" validate:"required"`
	Version  int64  `json:"version"`

	// Pool parameters.
	CoreWorkers   int      `json:"coreWorkers" validate:"min=1"`
	MaxWorkers    int      `json:"maxWorkers" validate:"gtefield=CoreWorkers"`
	QueueCapacity int      `json:"queueCapacity" validate:"min=1"`
	IdleKeepAlive Duration `json:"idleKeepAlive"`

	// Breaker parameters.
	FailureRateThresholdPct float64  `json:"failureRateThresholdPct" validate:"gt=0,lte=100"`
	MinCallsBeforeEval      int      `json:"minCallsBeforeEval" validate:"min=1"`
	OpenStateDuration       Duration `json:"openStateDuration"`
	SlidingWindowSize       int      `json:"slidingWindowSize" validate:"min=1"`
	HalfOpenProbeCount      int      `json:"halfOpenProbeCount" validate:"min=1"`

	// Retry parameters.
	MaxAttempts       int      `json:"maxAttempts" validate:"min=1"`
	InitialDelay      Duration `json:"initialDelay"`
	BackoffMultiplier float64  `json:"backoffMultiplier" validate:"gte=1"`
	JitterFraction    float64  `json:"jitterFraction" validate:"gte=0,lte=1"`

	// Auth parameters.
	TokenLifetime Duration `json:"tokenLifetime"`
	AuthEndpoint  string   `json:"authEndpoint,omitempty"`
	AuthMethod    string   `json:"authMethod,omitempty"`
	Auth          AuthBody `json:"authBody"`

	// Forward parameters.
	APIEndpoint        string   `json:"apiEndpoint,omitempty"`
	APITimeout         Duration `json:"apiTimeout"`
	MaxConcurrentCalls int      `json:"maxConcurrentCalls" validate:"min=1"`

	Priority Priority `json:"priority,omitempty" validate:"omitempty,oneof=HIGH MEDIUM LOW"`
}

// QueueName returns the partner's durable broker queue name.
func (c Config) QueueName() string {
	return "partner." + c.TenantID + ".queue"
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

// Validate checks the config against the documented bounds.
//
// Returns a wrapped validator error naming every offending field.
func (c Config) Validate() error {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("tenant %q config invalid: %w", c.TenantID, err)
	}
	return nil
}

// DefaultConfig returns the fallback profile used for partners without a
// stored document. The numbers match the long-standing DEFAULT profile.
func DefaultConfig(tenantID string) Config {
	return Config{
		TenantID:                tenantID,
		CoreWorkers:             5,
		MaxWorkers:              20,
		QueueCapacity:           1000,
		IdleKeepAlive:           Duration(60 * time.Second),
		FailureRateThresholdPct: 50,
		MinCallsBeforeEval:      10,
		OpenStateDuration:       Duration(30 * time.Second),
		SlidingWindowSize:       20,
		HalfOpenProbeCount:      3,
		MaxAttempts:             3,
		InitialDelay:            Duration(time.Second),
		BackoffMultiplier:       1.5,
		JitterFraction:          0.1,
		TokenLifetime:           Duration(15 * time.Minute),
		AuthMethod:              "POST",
		APITimeout:              Duration(15 * time.Second),
		MaxConcurrentCalls:      25,
		Priority:                PriorityLow,
	}
}
