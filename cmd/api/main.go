package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/FACorreiaa/statement-importer/pkg/config"
	"github.com/FACorreiaa/statement-importer/pkg/logger"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "statement-importer",
		Short: "Import bank and wallet statements into deduplicated expenses",
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		newServeCommand(),
		newImportCommand(),
		newJobsCommand(),
		newWaitCommand(),
		newExportCommand(),
		newMigrateCommand(),
	)

	return rootCmd
}

// bootstrap loads configuration and installs the default logger.
func bootstrap() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}

	log, err := logger.New(logger.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	if err != nil {
		return nil, nil, fmt.Errorf("building logger: %w", err)
	}
	slog.SetDefault(log)

	return cfg, log, nil
}

// withDependencies runs fn against fully wired dependencies and releases them afterwards.
func withDependencies(fn func(deps *Dependencies) error) error {
	cfg, log, err := bootstrap()
	if err != nil {
		return err
	}

	deps, err := InitDependencies(cfg, log)
	if err != nil {
		return err
	}
	defer deps.Cleanup()

	return fn(deps)
}
