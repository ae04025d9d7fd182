// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fluxgate/fluxgate/services/forwarder/sink"
)

func newSpoolCmd() *cobra.Command {
	var path string

	cmd := &cobra.Command{
		Use:   "spool",
		Short: "Inspect the local outcome spool",
	}
	cmd.PersistentFlags().StringVar(&path, "path", "", "Spool directory")

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Report how many outcomes are waiting for the index",
		RunE: func(cmd *cobra.Command, args []string) error {
			if path == "" {
				return fmt.Errorf("--path is required")
			}
			spool, err := sink.OpenSpool(path)
			if err != nil {
				return err
			}
			defer spool.Close()

			n, err := spool.Len()
			if err != nil {
				return err
			}
			fmt.Printf("spooled outcomes: %d\n", n)
			return nil
		},
	}
	cmd.AddCommand(statsCmd)
	return cmd
}
