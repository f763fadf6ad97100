// Copyright (C) 2025 BundleNudge (support@bundlenudge.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Command bundlenudge is the BundleNudge over-the-air update server
// and its operator tooling.
package main

import (
	"log"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "bundlenudge",
	Short: "Over-the-air update service for React Native bundles",
	Long: `BundleNudge serves JavaScript bundle updates to React Native apps:
staged rollouts, A/B variants, release health tracking, and automatic
rollback of crashing releases.`,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("Error executing command: %v", err)
	}
}
