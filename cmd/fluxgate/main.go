// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command fluxgate runs the partner message-forwarding service.
//
// Usage:
//
//	fluxgate serve --config /etc/fluxgate/config.yaml
//	fluxgate spool stats --path /var/lib/fluxgate/spool
//
// Example requests against a running instance:
//
//	# Active routes
//	curl http://localhost:8080/api/v1/partner-config/routes/status | jq
//
//	# Notify a configuration change
//	curl -X POST http://localhost:8080/api/v1/partner-config/webhook/config-changed \
//	  -H "Content-Type: application/json" \
//	  -d '{"partnerId": "ACME", "changeType": "UPDATED"}'
//
//	# System health
//	curl http://localhost:8080/api/monitoring/health | jq
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "fluxgate",
		Short: "Multi-tenant partner message forwarding service",
		Long: "FluxGate consumes per-partner broker queues, authenticates to each\n" +
			"partner's endpoint, forwards message payloads, and records outcomes —\n" +
			"with per-partner thread pools and circuit breakers so one partner's\n" +
			"failures never starve the rest.",
	}
	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newSpoolCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
