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
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"

	"github.com/fluxgate/fluxgate/services/forwarder/configstore"
	"github.com/fluxgate/fluxgate/services/forwarder/routes"
	"github.com/fluxgate/fluxgate/services/forwarder/tenant"
)

var configTracer = otel.Tracer("fluxgate.forwarder.api")

// handleConfigChanged accepts the change-notification webhook and drives
// reconciliation.
func (s *Server) handleConfigChanged(c *gin.Context) {
	ctx, span := configTracer.Start(c.Request.Context(), "HandleConfigChanged")
	defer span.End()

	var n routes.Notification
	if err := c.ShouldBindJSON(&n); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		respond(c, http.StatusBadRequest, false, "invalid notification payload: "+err.Error(), "")
		return
	}

	s.logger.Info("received configuration change notification",
		"partner", n.PartnerID,
		"changeType", n.ChangeType,
		"source", n.Source)

	if err := s.manager.HandleNotification(ctx, n); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		status := http.StatusInternalServerError
		if errors.Is(err, routes.ErrInvalidNotification) {
			status = http.StatusBadRequest
		} else if errors.Is(err, configstore.ErrNotFound) {
			status = http.StatusNotFound
		}
		respond(c, status, false, err.Error(), n.PartnerID)
		return
	}

	respond(c, http.StatusOK, true,
		"configuration change applied for partner: "+n.PartnerID, n.PartnerID)
}

// handleRefreshPartner reconciles one partner on demand.
func (s *Server) handleRefreshPartner(c *gin.Context) {
	ctx, span := configTracer.Start(c.Request.Context(), "HandleRefreshPartner")
	defer span.End()

	partnerID := c.Param("partnerId")
	s.logger.Info("manual route refresh requested", "partner", partnerID)

	if err := s.store.Reload(ctx); err != nil {
		s.logger.Warn("config reload failed during manual refresh", "error", err)
	}
	if _, err := s.store.Get(ctx, partnerID); err != nil {
		if errors.Is(err, configstore.ErrNotFound) {
			respond(c, http.StatusBadRequest, false, "partner configuration not found", partnerID)
			return
		}
		span.RecordError(err)
		respond(c, http.StatusInternalServerError, false, err.Error(), partnerID)
		return
	}

	if err := s.manager.ReconcileTenant(ctx, partnerID); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		respond(c, http.StatusInternalServerError, false, err.Error(), partnerID)
		return
	}
	respond(c, http.StatusOK, true, "route manually refreshed for partner: "+partnerID, partnerID)
}

// handleRefreshAll reloads the store and reconciles every partner.
func (s *Server) handleRefreshAll(c *gin.Context) {
	ctx, span := configTracer.Start(c.Request.Context(), "HandleRefreshAll")
	defer span.End()

	initial := s.manager.ActiveRouteCount()
	if err := s.manager.RefreshAll(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"message": "failed to refresh all routes: " + err.Error(),
		})
		return
	}

	active := s.manager.ActiveRoutes()
	ids := make([]string, 0, len(active))
	for id := range active {
		ids = append(ids, id)
	}
	c.JSON(http.StatusOK, gin.H{
		"success":           true,
		"message":           "all partner routes refreshed successfully",
		"initialRouteCount": initial,
		"finalRouteCount":   len(active),
		"activeRoutes":      ids,
	})
}

// handleRouteStatus reports the active-route table.
func (s *Server) handleRouteStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"success":          true,
		"activeRouteCount": s.manager.ActiveRouteCount(),
		"activeRoutes":     s.manager.ActiveRoutes(),
		"timestamp":        time.Now().UnixMilli(),
	})
}

// handleGetPartnerConfig returns one partner's config plus route state.
func (s *Server) handleGetPartnerConfig(c *gin.Context) {
	partnerID := c.Param("partnerId")

	cfg, err := s.store.Get(c.Request.Context(), partnerID)
	if err != nil {
		if errors.Is(err, configstore.ErrNotFound) {
			respond(c, http.StatusNotFound, false, "partner configuration not found", partnerID)
			return
		}
		respond(c, http.StatusInternalServerError, false, err.Error(), partnerID)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":        true,
		"partnerId":      partnerID,
		"configuration":  cfg,
		"hasActiveRoute": s.manager.HasActiveRoute(partnerID),
		"timestamp":      time.Now().UnixMilli(),
	})
}

// bulkEntry is the per-partner result of a bulk upsert.
type bulkEntry struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// handleBulkUpsert validates and applies a batch of partner documents.
// Partial failures keep the overall status at 200 with a per-partner map.
func (s *Server) handleBulkUpsert(c *gin.Context) {
	ctx, span := configTracer.Start(c.Request.Context(), "HandleBulkUpsert")
	defer span.End()

	var configs []tenant.Config
	if err := c.ShouldBindJSON(&configs); err != nil {
		respond(c, http.StatusBadRequest, false, "invalid bulk payload: "+err.Error(), "")
		return
	}
	if len(configs) == 0 {
		respond(c, http.StatusBadRequest, false, "empty bulk payload", "")
		return
	}

	results := make(map[string]bulkEntry, len(configs))
	for _, cfg := range configs {
		id := cfg.TenantID
		if id == "" {
			results["(missing tenantId)"] = bulkEntry{Success: false, Message: "tenantId is required"}
			continue
		}
		// Bulk documents are operator input: validate their raw numbers
		// instead of silently defaulting zeroes.
		if err := cfg.Validate(); err != nil {
			results[id] = bulkEntry{Success: false, Message: err.Error()}
			continue
		}
		if err := s.writer.Put(ctx, cfg); err != nil {
			results[id] = bulkEntry{Success: false, Message: err.Error()}
			continue
		}
		if err := s.manager.ReconcileTenant(ctx, id); err != nil {
			results[id] = bulkEntry{Success: true, Message: "stored, reconcile failed: " + err.Error()}
			continue
		}
		results[id] = bulkEntry{Success: true}
	}

	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"results":   results,
		"timestamp": time.Now().UnixMilli(),
	})
}
