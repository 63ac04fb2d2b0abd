package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"briefcanvas/api/internal/config"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := config.Load()

	cmd := &cobra.Command{
		Use:           "briefcanvas",
		Short:         "Brief Canvas API server and admin tools",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&cfg.DatabaseURL, "database-url", cfg.DatabaseURL, "PostgreSQL URL (empty runs on the in-process store)")
	cmd.PersistentFlags().StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug|info|warn|error")
	cmd.PersistentFlags().StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "json|console")

	cmd.AddCommand(newServeCommand(&cfg))
	cmd.AddCommand(newMigrateCommand(&cfg))
	cmd.AddCommand(newTokenCommand(&cfg))
	return cmd
}
