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

	"github.com/spf13/cobra"

	"github.com/bundlenudge/bundlenudge/services/update/manifest"
)

var (
	manifestVersion  string
	manifestPlatform string
	manifestOut      string
)

var manifestCmd = &cobra.Command{
	Use:   "manifest",
	Short: "Create and verify bundle integrity manifests",
}

var manifestCreateCmd = &cobra.Command{
	Use:   "create [bundle file]",
	Short: "Create an integrity manifest for a bundle",
	Args:  cobra.ExactArgs(1),
	RunE:  runManifestCreate,
}

var manifestVerifyCmd = &cobra.Command{
	Use:   "verify [bundle file] [manifest file]",
	Short: "Verify a bundle against its manifest",
	Args:  cobra.ExactArgs(2),
	RunE:  runManifestVerify,
}

func init() {
	manifestCreateCmd.Flags().StringVar(&manifestVersion, "version", "", "release version (required)")
	manifestCreateCmd.Flags().StringVar(&manifestPlatform, "platform", "", "target platform: ios or android (required)")
	manifestCreateCmd.Flags().StringVarP(&manifestOut, "out", "o", "", "output path (default: stdout)")
	_ = manifestCreateCmd.MarkFlagRequired("version")
	_ = manifestCreateCmd.MarkFlagRequired("platform")

	manifestCmd.AddCommand(manifestCreateCmd)
	manifestCmd.AddCommand(manifestVerifyCmd)
	rootCmd.AddCommand(manifestCmd)
}

func runManifestCreate(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}

	m := manifest.Create(data, manifest.Options{
		Version:  manifestVersion,
		Platform: manifestPlatform,
	})
	out, err := manifest.Serialize(m)
	if err != nil {
		return err
	}

	if manifestOut == "" {
		fmt.Print(string(out))
		return nil
	}
	return os.WriteFile(manifestOut, out, 0o644)
}

func runManifestVerify(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	raw, err := os.ReadFile(args[1])
	if err != nil {
		return err
	}
	m, err := manifest.Parse(raw)
	if err != nil {
		return fmt.Errorf("reading manifest: %w", err)
	}

	result := manifest.Verify(data, m)
	if result.Valid {
		fmt.Println(styleOK.Render("valid") + styleDim.Render(fmt.Sprintf("  %s (%d bytes)", m.Hash, m.Size)))
		return nil
	}

	fmt.Println(styleBad.Render("invalid"))
	for _, fe := range result.Errors {
		fmt.Printf("  %s\n", fe.String())
	}
	os.Exit(1)
	return nil
}
