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
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// The monitoring surface is deployed behind the operator network.
		return true
	},
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// statsFrame is one snapshot pushed to monitoring clients.
type statsFrame struct {
	ActiveRouteCount int               `json:"activeRouteCount"`
	ActiveRoutes     map[string]string `json:"activeRoutes"`
	ThreadPools      any               `json:"threadPools"`
	CircuitBreakers  any               `json:"circuitBreakers"`
	CacheStats       any               `json:"cacheStats"`
	Timestamp        int64             `json:"timestamp"`
}

// handleStatsStream upgrades the connection and streams the combined
// stats snapshot every two seconds until the client disconnects.
func (s *Server) handleStatsStream(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	// Reader goroutine: detect client close.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	send := func() error {
		frame := statsFrame{
			ActiveRouteCount: s.manager.ActiveRouteCount(),
			ActiveRoutes:     s.manager.ActiveRoutes(),
			ThreadPools:      s.pools.All(),
			CircuitBreakers:  s.breakers.All(),
			CacheStats:       s.creds.Stats(),
			Timestamp:        time.Now().UnixMilli(),
		}
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		return conn.WriteJSON(frame)
	}

	if err := send(); err != nil {
		return
	}
	for {
		select {
		case <-done:
			return
		case <-c.Request.Context().Done():
			return
		case <-ticker.C:
			if err := send(); err != nil {
				return
			}
		}
	}
}
