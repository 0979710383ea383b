// Copyright (C) 2026 Tern Data (engineering@terndata.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"

	"github.com/ternhq/tern/services/catalog/graph"
	"github.com/ternhq/tern/services/catalog/httpapi"
	"github.com/ternhq/tern/services/catalog/pool"
	"github.com/ternhq/tern/services/catalog/processor"
	"github.com/ternhq/tern/services/catalog/registry"
	"github.com/ternhq/tern/services/catalog/search"
	"github.com/ternhq/tern/services/catalog/store"
	"github.com/ternhq/tern/services/catalog/sysmeta"
	"github.com/ternhq/tern/services/catalog/telemetry"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the catalog pipeline and its HTTP API",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := slog.Default()

	shutdownTelemetry, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("initialize telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(shutdownCtx)
	}()

	metrics, err := telemetry.NewMetrics(otel.Meter("tern-catalog"))
	if err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	reg, err := registry.Load(cfg.Registry.Path, logger)
	if err != nil {
		return err
	}
	if cfg.Registry.Watch {
		go func() {
			if err := reg.Watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("registry watch stopped", slog.String("error", err.Error()))
			}
		}()
	}

	db, err := store.Open(cfg.StoreConfig())
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	searchSvc, err := search.NewWeaviateService(cfg.SearchClientConfig(), reg, logger)
	if err != nil {
		return fmt.Errorf("connect search backend: %w", err)
	}
	defer func() { _ = searchSvc.Close() }()
	if err := searchSvc.EnsureSchema(ctx); err != nil {
		logger.Warn("search schema not ready, writes will retry",
			slog.String("error", err.Error()))
	}

	graphSvc := graph.NewBadgerService(db, logger)
	sysmetaSvc := sysmeta.NewBadgerService(db, logger)

	workers := pool.New(cfg.PoolConfig(), logger)
	defer workers.Close()

	opts := []processor.Option{
		processor.WithLogger(logger),
		processor.WithMetrics(metrics),
		processor.WithConfig(cfg.ProcessorConfig()),
	}
	if cfg.Pipeline.DeadLetterPath != "" {
		file, err := os.OpenFile(cfg.Pipeline.DeadLetterPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
		if err != nil {
			return fmt.Errorf("open dead letter file: %w", err)
		}
		defer func() { _ = file.Close() }()
		opts = append(opts, processor.WithDeadLetterSink(processor.NewWriterSink(file)))
	}
	proc := processor.New(reg, searchSvc, graphSvc, sysmetaSvc, workers, opts...)

	router := httpapi.NewRouter(&httpapi.Server{
		Registry:  reg,
		Search:    searchSvc,
		Graph:     graphSvc,
		Sysmeta:   sysmetaSvc,
		Processor: proc,
		Logger:    logger,
	})

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("catalog API listening", slog.String("addr", cfg.Server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
