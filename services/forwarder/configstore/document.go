// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package configstore

import (
	"time"

	"github.com/fluxgate/fluxgate/services/forwarder/tenant"
)

// Document is the stored shape of a partner configuration. Field names
// and units match the documents the index has always held (seconds,
// milliseconds, minutes as integers); missing numeric fields take the
// DEFAULT profile's value so sparse documents stay loadable.
type Document struct {
	BusinessUnit string `json:"businessUnit" yaml:"businessUnit"`
	Version      int64  `json:"version,omitempty" yaml:"version,omitempty"`

	CoreThreads      int   `json:"coreThreads,omitempty" yaml:"coreThreads,omitempty"`
	MaxThreads       int   `json:"maxThreads,omitempty" yaml:"maxThreads,omitempty"`
	QueueCapacity    int   `json:"queueCapacity,omitempty" yaml:"queueCapacity,omitempty"`
	KeepAliveSeconds int64 `json:"keepAliveSeconds,omitempty" yaml:"keepAliveSeconds,omitempty"`

	CircuitBreakerFailureThreshold float64 `json:"circuitBreakerFailureThreshold,omitempty" yaml:"circuitBreakerFailureThreshold,omitempty"`
	CircuitBreakerMinCalls         int     `json:"circuitBreakerMinCalls,omitempty" yaml:"circuitBreakerMinCalls,omitempty"`
	CircuitBreakerWaitDuration     int     `json:"circuitBreakerWaitDuration,omitempty" yaml:"circuitBreakerWaitDuration,omitempty"`
	SlidingWindowSize              int     `json:"slidingWindowSize,omitempty" yaml:"slidingWindowSize,omitempty"`
	HalfOpenProbeCount             int     `json:"halfOpenProbeCount,omitempty" yaml:"halfOpenProbeCount,omitempty"`

	RetryMaxAttempts       int     `json:"retryMaxAttempts,omitempty" yaml:"retryMaxAttempts,omitempty"`
	RetryBackoffMultiplier float64 `json:"retryBackoffMultiplier,omitempty" yaml:"retryBackoffMultiplier,omitempty"`
	RetryInitialDelayMs    int64   `json:"retryInitialDelayMs,omitempty" yaml:"retryInitialDelayMs,omitempty"`
	RetryJitterFraction    float64 `json:"retryJitterFraction,omitempty" yaml:"retryJitterFraction,omitempty"`

	AuthTokenExpiryMinutes int             `json:"authTokenExpiryMinutes,omitempty" yaml:"authTokenExpiryMinutes,omitempty"`
	AuthEndpoint           string          `json:"authEndpoint,omitempty" yaml:"authEndpoint,omitempty"`
	AuthMethod             string          `json:"authMethod,omitempty" yaml:"authMethod,omitempty"`
	AuthBody               tenant.AuthBody `json:"authBody,omitempty" yaml:"authBody,omitempty"`

	APITimeoutSeconds  int    `json:"apiTimeoutSeconds,omitempty" yaml:"apiTimeoutSeconds,omitempty"`
	APIEndpoint        string `json:"apiEndpoint,omitempty" yaml:"apiEndpoint,omitempty"`
	MaxConcurrentCalls int    `json:"maxConcurrentCalls,omitempty" yaml:"maxConcurrentCalls,omitempty"`

	Priority string `json:"priority,omitempty" yaml:"priority,omitempty"`
}

// ToConfig converts the stored document into the runtime Config, filling
// unset fields from the DEFAULT profile.
func (d Document) ToConfig() tenant.Config {
	cfg := tenant.DefaultConfig(d.BusinessUnit)
	cfg.Version = d.Version

	if d.CoreThreads > 0 {
		cfg.CoreWorkers = d.CoreThreads
	}
	if d.MaxThreads > 0 {
		cfg.MaxWorkers = d.MaxThreads
	}
	if cfg.MaxWorkers < cfg.CoreWorkers {
		cfg.MaxWorkers = cfg.CoreWorkers
	}
	if d.QueueCapacity > 0 {
		cfg.QueueCapacity = d.QueueCapacity
	}
	if d.KeepAliveSeconds > 0 {
		cfg.IdleKeepAlive = tenant.Duration(time.Duration(d.KeepAliveSeconds) * time.Second)
	}

	if d.CircuitBreakerFailureThreshold > 0 {
		cfg.FailureRateThresholdPct = d.CircuitBreakerFailureThreshold
	}
	if d.CircuitBreakerMinCalls > 0 {
		cfg.MinCallsBeforeEval = d.CircuitBreakerMinCalls
	}
	if d.CircuitBreakerWaitDuration > 0 {
		cfg.OpenStateDuration = tenant.Duration(time.Duration(d.CircuitBreakerWaitDuration) * time.Second)
	}
	if d.SlidingWindowSize > 0 {
		cfg.SlidingWindowSize = d.SlidingWindowSize
	}
	if d.HalfOpenProbeCount > 0 {
		cfg.HalfOpenProbeCount = d.HalfOpenProbeCount
	}

	if d.RetryMaxAttempts > 0 {
		cfg.MaxAttempts = d.RetryMaxAttempts
	}
	if d.RetryBackoffMultiplier >= 1 {
		cfg.BackoffMultiplier = d.RetryBackoffMultiplier
	}
	if d.RetryInitialDelayMs > 0 {
		cfg.InitialDelay = tenant.Duration(time.Duration(d.RetryInitialDelayMs) * time.Millisecond)
	}
	if d.RetryJitterFraction > 0 && d.RetryJitterFraction <= 1 {
		cfg.JitterFraction = d.RetryJitterFraction
	}

	if d.AuthTokenExpiryMinutes > 0 {
		cfg.TokenLifetime = tenant.Duration(time.Duration(d.AuthTokenExpiryMinutes) * time.Minute)
	}
	if d.AuthEndpoint != "" {
		cfg.AuthEndpoint = d.AuthEndpoint
	}
	if d.AuthMethod != "" {
		cfg.AuthMethod = d.AuthMethod
	}
	cfg.Auth = d.AuthBody

	if d.APITimeoutSeconds > 0 {
		cfg.APITimeout = tenant.Duration(time.Duration(d.APITimeoutSeconds) * time.Second)
	}
	if d.APIEndpoint != "" {
		cfg.APIEndpoint = d.APIEndpoint
	}
	if d.MaxConcurrentCalls > 0 {
		cfg.MaxConcurrentCalls = d.MaxConcurrentCalls
	}

	switch tenant.Priority(d.Priority) {
	case tenant.PriorityHigh, tenant.PriorityMedium, tenant.PriorityLow:
		cfg.Priority = tenant.Priority(d.Priority)
	}

	return cfg
}
