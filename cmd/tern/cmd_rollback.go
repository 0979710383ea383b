// Copyright (C) 2026 Tern Data (engineering@terndata.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ternhq/tern/services/catalog/store"
	"github.com/ternhq/tern/services/catalog/sysmeta"
)

var rollbackCmd = &cobra.Command{
	Use:   "rollback <run-id>",
	Short: "Remove a run's attributions from the run-tracking store",
	Long: `Deletes every (urn, aspect) attribution the named ingestion run
owns and prints the removed rows as JSON lines. The derived search and
graph entries for those aspects are not rewritten here; replay the
canonical snapshots with "tern reindex" to repair them.`,
	Args: cobra.ExactArgs(1),
	RunE: runRollback,
}

func runRollback(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(cfg.StoreConfig())
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	rows, err := sysmeta.NewBadgerService(db, slog.Default()).RollbackRun(ctx, args[0])
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	for _, row := range rows {
		if err := enc.Encode(row); err != nil {
			return err
		}
	}
	fmt.Fprintf(os.Stderr, "rollback %s: %d rows removed\n", args[0], len(rows))
	return nil
}
