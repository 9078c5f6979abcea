package main

import (
	"fmt"
	"os"

	"fulfillment-service/config"
	"fulfillment-service/internal/store"
	"fulfillment-service/internal/util"

	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:     "fulfillctl",
		Short:   "Operator tooling for the fulfillment service",
		Version: Version,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			return util.InitLogger(cfg.Server.Env, cfg.Server.LogLevel)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			util.SyncLogger()
		},
	}

	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(addProductCmd())
	rootCmd.AddCommand(importSecretsCmd())
	rootCmd.AddCommand(stockCmd())
	rootCmd.AddCommand(sweepCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func openStore() (*store.Store, *config.Config, error) {
	cfg := config.Load()
	db, err := store.Open(cfg.Database.Driver, cfg.Database.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open database: %w", err)
	}
	return db, cfg, nil
}
