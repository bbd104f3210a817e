package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/mcclellann/loanrecon/pkg/config"
	"github.com/mcclellann/loanrecon/pkg/store"
	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		stop()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgFile string
	rootCmd := &cobra.Command{
		Use:           "recon",
		Short:         "Reconcile loan payments",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", os.Getenv("RECON_CONFIG"), "Configuration file (YAML)")

	loadConfig := func() (*config.Config, error) {
		return config.Load(cfgFile)
	}

	rootCmd.AddCommand(importCmd(loadConfig))
	rootCmd.AddCommand(reportCmd(loadConfig))
	rootCmd.AddCommand(loansCmd(loadConfig))
	rootCmd.AddCommand(seedCmd(loadConfig))
	rootCmd.AddCommand(initConfigCmd())
	return rootCmd
}

func openStore(cfg *config.Config) (*store.SQLiteStore, error) {
	s, err := store.NewSQLiteStore(cfg.Database.Path, cfg.Database.BusyTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return s, nil
}
