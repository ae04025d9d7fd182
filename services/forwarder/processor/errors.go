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
	"errors"
	"net/http"
)

// ErrInvalid marks an ingest record without a usable tenant id header.
var ErrInvalid = errors.New("invalid message: missing tenant id header")

// Kind classifies a forward failure for the retry policy. Classification
// is a pure function of the observed outcome.
type Kind string

const (
	// KindTransient covers connect errors, timeouts, 5xx, 408 and 429;
	// retried per the partner's retry policy.
	KindTransient Kind = "TRANSIENT"

	// KindAuth covers 401 and 403; triggers credential invalidation and
	// one bonus retry that does not count against maxAttempts.
	KindAuth Kind = "AUTH"

	// KindFatal covers everything else; never retried.
	KindFatal Kind = "FATAL"
)

// classifyStatus maps a non-2xx response status to a failure kind.
func classifyStatus(status int) Kind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindAuth
	case status == http.StatusRequestTimeout || status == http.StatusTooManyRequests:
		return KindTransient
	case status >= 500:
		return KindTransient
	default:
		return KindFatal
	}
}

// forwardError carries the classification of a failed forward attempt.
type forwardError struct {
	kind   Kind
	status int
	cause  error
}

func (e *forwardError) Error() string {
	if e.cause != nil {
		return string(e.kind) + ": " + e.cause.Error()
	}
	return string(e.kind) + ": endpoint returned " + http.StatusText(e.status)
}

func (e *forwardError) Unwrap() error { return e.cause }

// KindOf extracts the failure kind from a pipeline error, defaulting to
// FATAL for unclassified errors.
func KindOf(err error) Kind {
	var fe *forwardError
	if errors.As(err, &fe) {
		return fe.kind
	}
	return KindFatal
}
