// Copyright (C) 2026 Tern Data (engineering@terndata.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ternhq/tern/services/catalog/graph"
	"github.com/ternhq/tern/services/catalog/registry"
	"github.com/ternhq/tern/services/catalog/reindex"
	"github.com/ternhq/tern/services/catalog/search"
	"github.com/ternhq/tern/services/catalog/store"
	"github.com/ternhq/tern/services/catalog/sysmeta"
)

var (
	reindexInput       string
	reindexWipe        bool
	reindexConcurrency int
	reindexRunID       string

	reindexCmd = &cobra.Command{
		Use:   "reindex",
		Short: "Rebuild the derived sinks from a snapshot export",
		Long: `Replays canonical snapshots through the sink derivation logic,
repairing any drift between the canonical store and the search, graph,
and run-tracking indexes. The input is a file of JSON snapshots, one
document per snapshot, as produced by a canonical store export.`,
		RunE: runReindex,
	}
)

func init() {
	reindexCmd.Flags().StringVarP(&reindexInput, "input", "i", "", "snapshot export file (defaults to stdin)")
	reindexCmd.Flags().BoolVar(&reindexWipe, "wipe", false, "clear all sinks before the backfill")
	reindexCmd.Flags().IntVar(&reindexConcurrency, "concurrency", 4, "parallel snapshot workers")
	reindexCmd.Flags().StringVar(&reindexRunID, "run-id", "", "run id to attribute rebuilt rows to")
}

func runReindex(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := slog.Default()

	input := os.Stdin
	if reindexInput != "" {
		file, err := os.Open(reindexInput)
		if err != nil {
			return fmt.Errorf("open snapshot export: %w", err)
		}
		defer func() { _ = file.Close() }()
		input = file
	}

	reg, err := registry.Load(cfg.Registry.Path, logger)
	if err != nil {
		return err
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
		return fmt.Errorf("ensure search schema: %w", err)
	}

	reindexer := reindex.New(reg, searchSvc,
		graph.NewBadgerService(db, logger),
		sysmeta.NewBadgerService(db, logger),
		nil, logger)

	report, err := reindexer.Run(ctx, reindex.NewJSONSource(input), reindex.Config{
		Concurrency: reindexConcurrency,
		Wipe:        reindexWipe,
		RunID:       reindexRunID,
	})
	if err != nil {
		return err
	}

	fmt.Printf("reindex %s: %d snapshots applied, %d skipped in %s\n",
		report.RunID, report.Snapshots, report.Skipped, report.Elapsed.Round(time.Millisecond))
	return nil
}
