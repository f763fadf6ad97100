// Copyright (C) 2025 BundleNudge (support@bundlenudge.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"fmt"
	"os"
	"sort"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/bundlenudge/bundlenudge/services/update/bundle"
)

var (
	styleHeading = lipgloss.NewStyle().Bold(true)
	styleID      = lipgloss.NewStyle().Foreground(lipgloss.Color("14"))
	styleDim     = lipgloss.NewStyle().Faint(true)
	styleOK      = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	styleBad     = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
)

var bundleCmd = &cobra.Command{
	Use:   "bundle",
	Short: "Inspect Metro bundles",
}

var bundleInspectCmd = &cobra.Command{
	Use:   "inspect [bundle file]",
	Short: "List the modules of a bundle with their dependencies and fingerprints",
	Args:  cobra.ExactArgs(1),
	RunE:  runBundleInspect,
}

var bundleHashCmd = &cobra.Command{
	Use:   "hash [bundle file]",
	Short: "Print the bundle digest used in release manifests",
	Args:  cobra.ExactArgs(1),
	RunE:  runBundleHash,
}

func init() {
	bundleCmd.AddCommand(bundleInspectCmd)
	bundleCmd.AddCommand(bundleHashCmd)
	rootCmd.AddCommand(bundleCmd)
}

func runBundleInspect(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}

	parsed, err := bundle.Parse(string(data))
	if err != nil {
		return fmt.Errorf("parsing bundle: %w", err)
	}

	fmt.Println(styleHeading.Render(fmt.Sprintf("%s: %d modules", args[0], len(parsed.Modules))))
	fmt.Println(styleDim.Render(fmt.Sprintf("prelude %d bytes, postlude %d bytes",
		len(parsed.Prelude), len(parsed.Postlude))))

	modules := make([]bundle.Module, len(parsed.Modules))
	copy(modules, parsed.Modules)
	sort.Slice(modules, func(i, j int) bool { return modules[i].ID < modules[j].ID })

	for _, m := range modules {
		fmt.Printf("  %s  %s  deps=%v  %s\n",
			styleID.Render(fmt.Sprintf("%6d", m.ID)),
			m.ContentHash,
			m.Dependencies,
			styleDim.Render(fmt.Sprintf("%d bytes", len(m.Code))))
	}
	return nil
}

func runBundleHash(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	fmt.Println(bundle.HashBundle(data))
	return nil
}
