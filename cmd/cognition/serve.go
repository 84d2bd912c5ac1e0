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
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"go.opentelemetry.io/otel"

	"github.com/AleutianAI/cognition/broker"
	"github.com/AleutianAI/cognition/engine"
	"github.com/AleutianAI/cognition/pkg/logging"
	"github.com/AleutianAI/cognition/retrieval"
	"github.com/AleutianAI/cognition/retry"
	badgerstore "github.com/AleutianAI/cognition/storage/badger"
	"github.com/AleutianAI/cognition/telemetry"
)

// buildLogger assembles the process logger from the persistent flags.
func buildLogger() (*logging.Logger, error) {
	level := logging.LevelInfo
	if debug {
		level = logging.LevelDebug
	}
	return logging.New(logging.Config{
		Level:   level,
		LogDir:  logDir,
		Service: "cognition",
		JSON:    jsonLogs,
	})
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	logger, err := buildLogger()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Close() }()
	slog.SetDefault(logger.Logger)

	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.DefaultConfig())
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if err := shutdownTelemetry(context.Background()); err != nil {
			logger.Error("telemetry shutdown failed", "error", err)
		}
	}()

	metrics, err := telemetry.NewMetrics(otel.Meter("cognition"))
	if err != nil {
		return fmt.Errorf("create metrics: %w", err)
	}

	dbCfg := badgerstore.DefaultConfig()
	dbCfg.Path = dataDir
	dbCfg.Logger = logger.Logger
	db, err := badgerstore.Open(dbCfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() { _ = db.Close() }()

	store, err := badgerstore.NewStore(db)
	if err != nil {
		return err
	}

	manager, err := retry.NewManager(store, retry.Config{
		BaseRetries:    baseRetries,
		CooldownWindow: cooldown,
		Logger:         logger.Logger,
	})
	if err != nil {
		return err
	}

	brokerCfg := broker.DefaultConfig()
	brokerCfg.Logger = logger.Logger
	b, err := broker.New(store, brokerCfg)
	if err != nil {
		return err
	}
	defer b.Close()

	index, err := buildIndex(logger.Logger)
	if err != nil {
		return err
	}
	escalatorCfg := retrieval.DefaultEscalatorConfig()
	escalatorCfg.Logger = logger.Logger
	escalatorCfg.Metrics = metrics
	escalator, err := retrieval.NewEscalator(index, escalatorCfg)
	if err != nil {
		return err
	}

	engineCfg := engine.DefaultConfig()
	engineCfg.Workers = workers
	engineCfg.Logger = logger.Logger
	engineCfg.Metrics = metrics
	eng, err := engine.New(manager, escalator, b, engineCfg)
	if err != nil {
		return err
	}
	if err := eng.Start(); err != nil {
		return err
	}
	defer eng.Stop()

	server := buildHTTPServer()
	go func() {
		logger.Info("metrics endpoint listening", "addr", listenAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", "error", err)
	}
	return nil
}

// buildIndex connects the evidence index, or returns nil to run degraded
// when no endpoint is configured.
func buildIndex(logger *slog.Logger) (retrieval.Index, error) {
	if weaviateURL == "" {
		logger.Warn("no weaviate endpoint configured, retrieval disabled")
		return nil, nil
	}

	cfg := weaviate.Config{Host: weaviateURL, Scheme: "http"}
	switch {
	case strings.HasPrefix(weaviateURL, "https://"):
		cfg.Scheme = "https"
		cfg.Host = strings.TrimPrefix(weaviateURL, "https://")
	case strings.HasPrefix(weaviateURL, "http://"):
		cfg.Host = strings.TrimPrefix(weaviateURL, "http://")
	}

	client, err := weaviate.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("create weaviate client: %w", err)
	}
	return retrieval.NewWeaviateIndex(client)
}

func buildHTTPServer() *http.Server {
	mux := http.NewServeMux()
	if handler := telemetry.MetricsHandler(); handler != nil {
		mux.Handle("/metrics", handler)
	}
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return &http.Server{
		Addr:              listenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
