// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package api exposes the FluxGate control surface: configuration change
// webhooks, manual refresh, and the monitoring read/command endpoints.
//
// The API is a thin dispatcher onto the registries and the route manager;
// its only logic is input validation, invocation, and uniform response
// shaping. All JSON field names are lowerCamelCase for compatibility with
// existing clients.
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/fluxgate/fluxgate/services/forwarder/breaker"
	"github.com/fluxgate/fluxgate/services/forwarder/configstore"
	"github.com/fluxgate/fluxgate/services/forwarder/credential"
	"github.com/fluxgate/fluxgate/services/forwarder/pool"
	"github.com/fluxgate/fluxgate/services/forwarder/routes"
)

// Server wires the HTTP control surface.
type Server struct {
	router *gin.Engine

	manager  *routes.Manager
	store    configstore.Store
	writer   configstore.Writer
	pools    *pool.Registry
	breakers *breaker.Registry
	creds    *credential.Cache
	logger   *slog.Logger

	metricsHandler http.Handler
}

// Option customizes a Server.
type Option func(*Server)

// WithWriter enables the bulk configuration endpoint against a writable
// store.
func WithWriter(w configstore.Writer) Option {
	return func(s *Server) { s.writer = w }
}

// WithMetricsHandler mounts a Prometheus scrape endpoint at /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metricsHandler = h }
}

// NewServer builds the control API around the given components.
func NewServer(manager *routes.Manager, store configstore.Store, pools *pool.Registry, breakers *breaker.Registry, creds *credential.Cache, logger *slog.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		manager:  manager,
		store:    store,
		pools:    pools,
		breakers: breakers,
		creds:    creds,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(s)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	s.registerRoutes(router)
	s.router = router
	return s
}

// Handler returns the http.Handler for the control surface.
func (s *Server) Handler() http.Handler { return s.router }

// registerRoutes mounts every endpoint.
//
// Partner configuration (base /api/v1/partner-config):
//
//	POST /webhook/config-changed - change-notification webhook
//	POST /:partnerId/refresh     - manual per-partner reconcile
//	POST /refresh-all            - reload store, reconcile everything
//	GET  /routes/status          - active route table
//	GET  /:partnerId             - current config + hasActiveRoute
//
// Bulk configuration:
//
//	PUT /api/config/partners/bulk - upsert many partners, per-partner result map
//
// Monitoring (base /api/monitoring):
//
//	GET  /health                              - system-wide rollup
//	GET  /threadpools[/:businessUnit]         - pool state
//	GET  /circuitbreakers[/:businessUnit]     - breaker state
//	GET  /partners[/:businessUnit]            - combined per-partner view
//	GET  /cache                               - credential cache stats
//	GET  /ws                                  - websocket stats stream
//	POST /circuitbreakers/:businessUnit/force-open
//	POST /circuitbreakers/:businessUnit/force-closed
//	POST /circuitbreakers/:businessUnit/force-half-open
func (s *Server) registerRoutes(router *gin.Engine) {
	config := router.Group("/api/v1/partner-config")
	{
		config.POST("/webhook/config-changed", s.handleConfigChanged)
		config.POST("/refresh-all", s.handleRefreshAll)
		config.GET("/routes/status", s.handleRouteStatus)
		config.POST("/:partnerId/refresh", s.handleRefreshPartner)
		config.GET("/:partnerId", s.handleGetPartnerConfig)
	}

	if s.writer != nil {
		router.PUT("/api/config/partners/bulk", s.handleBulkUpsert)
	}

	monitoring := router.Group("/api/monitoring")
	{
		monitoring.GET("/health", s.handleHealth)
		monitoring.GET("/threadpools", s.handleAllPools)
		monitoring.GET("/threadpools/:businessUnit", s.handlePool)
		monitoring.GET("/circuitbreakers", s.handleAllBreakers)
		monitoring.GET("/circuitbreakers/:businessUnit", s.handleBreaker)
		monitoring.GET("/partners", s.handlePartnerOverview)
		monitoring.GET("/partners/:businessUnit", s.handlePartnerDetails)
		monitoring.GET("/cache", s.handleCacheStats)
		monitoring.GET("/ws", s.handleStatsStream)
		monitoring.POST("/circuitbreakers/:businessUnit/force-open", s.handleForceOpen)
		monitoring.POST("/circuitbreakers/:businessUnit/force-closed", s.handleForceClosed)
		monitoring.POST("/circuitbreakers/:businessUnit/force-half-open", s.handleForceHalfOpen)
	}

	if s.metricsHandler != nil {
		router.GET("/metrics", gin.WrapH(s.metricsHandler))
	}
}

// envelope is the uniform response wrapper.
type envelope struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	PartnerID string `json:"partnerId,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

func respond(c *gin.Context, status int, success bool, message, partnerID string) {
	c.JSON(status, envelope{
		Success:   success,
		Message:   message,
		PartnerID: partnerID,
		Timestamp: time.Now().UnixMilli(),
	})
}
