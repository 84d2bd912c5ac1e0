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
	"time"

	"github.com/spf13/cobra"
)

const version = "1.0.0"

// --- Global Command Variables ---
var (
	dataDir     string
	weaviateURL string
	workers     int
	baseRetries int
	cooldown    time.Duration
	listenAddr  string
	logDir      string
	jsonLogs    bool
	debug       bool

	rootCmd = &cobra.Command{
		Use:   "cognition",
		Short: "Entity pattern analysis engine",
		Long: `Cognition classifies extracted entities against a fixed taxonomy of
cognitive patterns, with durable bounded retries and tiered evidence
retrieval.`,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the analysis engine and its metrics endpoint",
		RunE:  runServe, // Defined in serve.go
	}

	deadlettersCmd = &cobra.Command{
		Use:   "deadletters",
		Short: "List dead-lettered entities and undeliverable events",
		RunE:  runDeadLetters, // Defined in deadletters.go
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "./cognition-data",
		"Directory for the durable analysis store")
	rootCmd.PersistentFlags().StringVar(&logDir, "log-dir", "",
		"Directory for log files (empty logs to stderr only)")
	rootCmd.PersistentFlags().BoolVar(&jsonLogs, "json-logs", false,
		"Write logs as JSON")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false,
		"Enable debug logging")

	serveCmd.Flags().StringVar(&weaviateURL, "weaviate-url", "",
		"Weaviate endpoint for evidence retrieval (empty runs without retrieval)")
	serveCmd.Flags().IntVar(&workers, "workers", 4, "Analysis worker pool size")
	serveCmd.Flags().IntVar(&baseRetries, "base-retries", 2,
		"Failed attempts before the final revise attempt")
	serveCmd.Flags().DurationVar(&cooldown, "cooldown", 30*time.Second,
		"Retry cool-down and early-retry window")
	serveCmd.Flags().StringVar(&listenAddr, "listen", ":9090",
		"Address for the metrics and health endpoints")

	rootCmd.AddCommand(serveCmd, deadlettersCmd, versionCmd)
}
