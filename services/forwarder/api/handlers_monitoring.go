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
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// handleHealth reports the system-wide rollup.
func (s *Server) handleHealth(c *gin.Context) {
	poolStats := s.pools.All()
	breakerStats := s.breakers.All()

	healthyPools := 0
	for _, st := range poolStats {
		if !st.ShuttingDown {
			healthyPools++
		}
	}
	healthyBreakers := 0
	for _, st := range breakerStats {
		if st.State == "CLOSED" {
			healthyBreakers++
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"status":                 "UP",
		"totalPartners":          len(poolStats),
		"threadPoolsHealthy":     healthyPools,
		"circuitBreakersHealthy": healthyBreakers,
		"circuitBreakersOpen":    len(breakerStats) - healthyBreakers,
		"cacheStats":             s.creds.Stats(),
		"timestamp":              time.Now().UnixMilli(),
	})
}

// handleAllPools returns every pool snapshot.
func (s *Server) handleAllPools(c *gin.Context) {
	c.JSON(http.StatusOK, s.pools.All())
}

// handlePool returns one pool snapshot or 404.
func (s *Server) handlePool(c *gin.Context) {
	businessUnit := c.Param("businessUnit")
	stats, ok := s.pools.Stats(businessUnit)
	if !ok {
		respond(c, http.StatusNotFound, false, "no thread pool for partner", businessUnit)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// handleAllBreakers returns every breaker snapshot.
func (s *Server) handleAllBreakers(c *gin.Context) {
	c.JSON(http.StatusOK, s.breakers.All())
}

// handleBreaker returns one breaker snapshot or 404.
func (s *Server) handleBreaker(c *gin.Context) {
	businessUnit := c.Param("businessUnit")
	stats, ok := s.breakers.Stats(businessUnit)
	if !ok {
		respond(c, http.StatusNotFound, false, "no circuit breaker for partner", businessUnit)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// partnerView combines pool and breaker state for one partner.
func (s *Server) partnerView(businessUnit string) (gin.H, bool) {
	poolStats, hasPool := s.pools.Stats(businessUnit)
	breakerStats, hasBreaker := s.breakers.Stats(businessUnit)
	if !hasPool && !hasBreaker {
		return nil, false
	}

	view := gin.H{
		"businessUnit":   businessUnit,
		"overallHealthy": s.breakers.IsHealthy(businessUnit),
	}
	if hasPool {
		view["threadPool"] = poolStats
		view["threadPoolHealthy"] = !poolStats.ShuttingDown
	}
	if hasBreaker {
		view["circuitBreaker"] = breakerStats
		view["circuitBreakerHealthy"] = breakerStats.State == "CLOSED"
	}
	return view, true
}

// handlePartnerOverview returns the combined view for every partner.
func (s *Server) handlePartnerOverview(c *gin.Context) {
	ids := make(map[string]struct{})
	for id := range s.pools.All() {
		ids[id] = struct{}{}
	}
	for id := range s.breakers.All() {
		ids[id] = struct{}{}
	}

	partners := make(map[string]gin.H, len(ids))
	for id := range ids {
		if view, ok := s.partnerView(id); ok {
			partners[id] = view
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"partners":      partners,
		"totalPartners": len(partners),
		"timestamp":     time.Now().UnixMilli(),
	})
}

// handlePartnerDetails returns the combined view for one partner or 404.
func (s *Server) handlePartnerDetails(c *gin.Context) {
	businessUnit := c.Param("businessUnit")
	view, ok := s.partnerView(businessUnit)
	if !ok {
		respond(c, http.StatusNotFound, false, "unknown partner", businessUnit)
		return
	}
	view["timestamp"] = time.Now().UnixMilli()
	c.JSON(http.StatusOK, view)
}

// handleCacheStats returns credential cache statistics.
func (s *Server) handleCacheStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.creds.Stats())
}

// handleForceOpen forces a partner's breaker OPEN.
func (s *Server) handleForceOpen(c *gin.Context) {
	businessUnit := c.Param("businessUnit")
	s.breakers.ForceOpen(businessUnit)
	respond(c, http.StatusOK, true, "circuit breaker forced OPEN for "+businessUnit, businessUnit)
}

// handleForceClosed forces a partner's breaker CLOSED.
func (s *Server) handleForceClosed(c *gin.Context) {
	businessUnit := c.Param("businessUnit")
	s.breakers.ForceClosed(businessUnit)
	respond(c, http.StatusOK, true, "circuit breaker forced CLOSED for "+businessUnit, businessUnit)
}

// handleForceHalfOpen forces a partner's breaker HALF_OPEN.
func (s *Server) handleForceHalfOpen(c *gin.Context) {
	businessUnit := c.Param("businessUnit")
	s.breakers.ForceHalfOpen(businessUnit)
	respond(c, http.StatusOK, true, "circuit breaker forced HALF_OPEN for "+businessUnit, businessUnit)
}
