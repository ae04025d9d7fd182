// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxgate/fluxgate/services/forwarder/breaker"
	"github.com/fluxgate/fluxgate/services/forwarder/broker"
	"github.com/fluxgate/fluxgate/services/forwarder/configstore"
	"github.com/fluxgate/fluxgate/services/forwarder/credential"
	"github.com/fluxgate/fluxgate/services/forwarder/pool"
	"github.com/fluxgate/fluxgate/services/forwarder/processor"
	"github.com/fluxgate/fluxgate/services/forwarder/routes"
	"github.com/fluxgate/fluxgate/services/forwarder/sink"
	"github.com/fluxgate/fluxgate/services/forwarder/tenant"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type apiFixture struct {
	server *Server
	store  *configstore.Memory
	pools  *pool.Registry
}

func newAPIFixture(t *testing.T, seed ...tenant.Config) *apiFixture {
	t.Helper()

	store := configstore.NewMemory(seed...)
	configs := func(id string) tenant.Config { return configstore.Resolve(context.Background(), store, id) }

	pools := pool.NewRegistry(configs, nil, nil)
	t.Cleanup(func() { pools.ShutdownAll(time.Second) })
	breakers := breaker.NewRegistry(pools, configs, nil, nil)
	creds := credential.NewCache(nil)
	outcomes := sink.NewMemory()
	proc := processor.New(breakers, creds, outcomes, configs, nil)

	mem := broker.NewMemory(16)
	mgr := routes.NewManager(store, mem, proc, pools, creds, nil,
		routes.WithDrainWindow(100*time.Millisecond))

	server := NewServer(mgr, store, pools, breakers, creds, nil, WithWriter(store))
	return &apiFixture{server: server, store: store, pools: pools}
}

func (f *apiFixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

// Reconciliation scenario: CREATED adds the route, DELETED removes it.
func TestWebhookLifecycle(t *testing.T) {
	f := newAPIFixture(t, tenant.DefaultConfig("X"))

	rec := f.do(t, http.MethodPost, "/api/v1/partner-config/webhook/config-changed",
		routes.Notification{PartnerID: "X", ChangeType: "CREATED"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodGet, "/api/v1/partner-config/routes/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	status := decode(t, rec)
	assert.Equal(t, float64(1), status["activeRouteCount"])
	activeRoutes := status["activeRoutes"].(map[string]any)
	assert.Equal(t, "Partner:X:Main", activeRoutes["X"])

	rec = f.do(t, http.MethodPost, "/api/v1/partner-config/webhook/config-changed",
		routes.Notification{PartnerID: "X", ChangeType: "DELETED"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/partner-config/routes/status", nil)
	status = decode(t, rec)
	assert.Equal(t, float64(0), status["activeRouteCount"])
	_, present := status["activeRoutes"].(map[string]any)["X"]
	assert.False(t, present, "route X must be gone after DELETED")
}

func TestWebhookValidation(t *testing.T) {
	f := newAPIFixture(t)

	t.Run("missing partnerId", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, "/api/v1/partner-config/webhook/config-changed",
			map[string]string{"changeType": "CREATED"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		body := decode(t, rec)
		assert.Equal(t, false, body["success"])
	})

	t.Run("unknown changeType", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, "/api/v1/partner-config/webhook/config-changed",
			map[string]string{"partnerId": "X", "changeType": "EXPLODED"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("malformed body", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost,
			"/api/v1/partner-config/webhook/config-changed", strings.NewReader("{nope"))
		rec := httptest.NewRecorder()
		f.server.Handler().ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestManualRefreshEndpoints(t *testing.T) {
	f := newAPIFixture(t, tenant.DefaultConfig("A"), tenant.DefaultConfig("B"))

	rec := f.do(t, http.MethodPost, "/api/v1/partner-config/A/refresh", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodPost, "/api/v1/partner-config/MISSING/refresh", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/partner-config/refresh-all", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, float64(2), body["finalRouteCount"])
}

func TestGetPartnerConfig(t *testing.T) {
	f := newAPIFixture(t, tenant.DefaultConfig("A"))

	rec := f.do(t, http.MethodGet, "/api/v1/partner-config/A", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "A", body["partnerId"])
	assert.Equal(t, false, body["hasActiveRoute"])
	cfg := body["configuration"].(map[string]any)
	assert.Equal(t, float64(5), cfg["coreWorkers"])

	rec = f.do(t, http.MethodGet, "/api/v1/partner-config/NOPE", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// Bulk scenario: one valid tenant, one with coreWorkers=0; per-tenant
// result map, overall 200.
func TestBulkUpsertPartialFailure(t *testing.T) {
	f := newAPIFixture(t)

	valid := tenant.DefaultConfig("GOOD")
	invalid := tenant.DefaultConfig("BAD")
	invalid.CoreWorkers = 0

	rec := f.do(t, http.MethodPut, "/api/config/partners/bulk", []tenant.Config{valid, invalid})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	body := decode(t, rec)
	results := body["results"].(map[string]any)
	good := results["GOOD"].(map[string]any)
	bad := results["BAD"].(map[string]any)
	assert.Equal(t, true, good["success"])
	assert.Equal(t, false, bad["success"])
	assert.NotEmpty(t, bad["message"])

	// The valid tenant is stored; the invalid one is not.
	_, err := f.store.Get(context.Background(), "GOOD")
	assert.NoError(t, err)
	_, err = f.store.Get(context.Background(), "BAD")
	assert.Error(t, err)
}

func TestMonitoringEndpoints(t *testing.T) {
	f := newAPIFixture(t, tenant.DefaultConfig("A"))

	// Materialize a pool and a breaker.
	f.pools.Submit(context.Background(), "A", func(ctx context.Context) (any, error) { return nil, nil })
	f.do(t, http.MethodPost, "/api/monitoring/circuitbreakers/A/force-closed", nil)

	t.Run("health", func(t *testing.T) {
		rec := f.do(t, http.MethodGet, "/api/monitoring/health", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		body := decode(t, rec)
		assert.Equal(t, "UP", body["status"])
		assert.Equal(t, float64(1), body["totalPartners"])
	})

	t.Run("threadpools", func(t *testing.T) {
		rec := f.do(t, http.MethodGet, "/api/monitoring/threadpools", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		all := decode(t, rec)
		require.Contains(t, all, "A")

		rec = f.do(t, http.MethodGet, "/api/monitoring/threadpools/A", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		stats := decode(t, rec)
		assert.Equal(t, "A", stats["tenantId"])
		assert.Equal(t, float64(5), stats["corePoolSize"])

		rec = f.do(t, http.MethodGet, "/api/monitoring/threadpools/NOPE", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("circuitbreakers", func(t *testing.T) {
		rec := f.do(t, http.MethodGet, "/api/monitoring/circuitbreakers/A", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		stats := decode(t, rec)
		assert.Equal(t, "CLOSED", stats["state"])

		rec = f.do(t, http.MethodGet, "/api/monitoring/circuitbreakers/NOPE", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("partners", func(t *testing.T) {
		rec := f.do(t, http.MethodGet, "/api/monitoring/partners", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		body := decode(t, rec)
		partners := body["partners"].(map[string]any)
		require.Contains(t, partners, "A")

		rec = f.do(t, http.MethodGet, "/api/monitoring/partners/A", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		view := decode(t, rec)
		assert.Equal(t, true, view["overallHealthy"])

		rec = f.do(t, http.MethodGet, "/api/monitoring/partners/NOPE", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("cache", func(t *testing.T) {
		rec := f.do(t, http.MethodGet, "/api/monitoring/cache", nil)
		require.Equal(t, http.StatusOK, rec.Code)
	})
}

func TestForceBreakerEndpoints(t *testing.T) {
	f := newAPIFixture(t, tenant.DefaultConfig("A"))

	rec := f.do(t, http.MethodPost, "/api/monitoring/circuitbreakers/A/force-open", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/monitoring/circuitbreakers/A", nil)
	stats := decode(t, rec)
	assert.Equal(t, "OPEN", stats["state"])

	rec = f.do(t, http.MethodPost, "/api/monitoring/circuitbreakers/A/force-half-open", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = f.do(t, http.MethodGet, "/api/monitoring/circuitbreakers/A", nil)
	assert.Equal(t, "HALF_OPEN", decode(t, rec)["state"])

	rec = f.do(t, http.MethodPost, "/api/monitoring/circuitbreakers/A/force-closed", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = f.do(t, http.MethodGet, "/api/monitoring/circuitbreakers/A", nil)
	assert.Equal(t, "CLOSED", decode(t, rec)["state"])
}

func TestEnvelopeShape(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/partner-config/webhook/config-changed",
		map[string]string{"partnerId": "X", "changeType": "BOGUS"})
	body := decode(t, rec)
	assert.Contains(t, body, "success")
	assert.Contains(t, body, "message")
	assert.Contains(t, body, "timestamp")
	assert.Equal(t, "X", body["partnerId"])
}
