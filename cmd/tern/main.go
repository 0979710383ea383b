// Copyright (C) 2026 Tern Data (engineering@terndata.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Command tern runs the Tern metadata catalog: the change event pipeline,
// its query API, and the operational tooling around them.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/ternhq/tern/pkg/logging"
	"github.com/ternhq/tern/services/catalog/config"
)

var (
	configPath string

	cfg config.Config

	rootCmd = &cobra.Command{
		Use:   "tern",
		Short: "Tern metadata catalog",
		Long: `Tern consumes metadata change events and keeps the search index,
the graph index, and the run-tracking store in sync with the canonical
metadata store.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			cfg, err = config.Load(configPath)
			if err != nil {
				return err
			}

			logger, _, err := logging.New(cfg.Logging)
			if err != nil {
				return fmt.Errorf("initialize logging: %w", err)
			}
			slog.SetDefault(logger)
			return nil
		},
	}
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "tern.yaml", "path to the configuration file")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(reindexCmd)
	rootCmd.AddCommand(rollbackCmd)
}
