package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/handiism/batch-downloader/internal/config"
	"github.com/handiism/batch-downloader/internal/logging"
)

var (
	// Global flags
	cfgFile      string
	verbose      bool
	downloadsDir string
	databasePath string

	settings *config.Settings
	logger   zerolog.Logger
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			os.Exit(130)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "batch-dl",
		Short: "Batch download manager",
		Long: `batch-dl downloads batches of remote files and keeps their progress in a
local database, so interrupted batches resume where they stopped.

Examples:
  batch-dl download --title "Made in chelsea" http://example.com/5MB.zip http://example.com/10MB.zip
  batch-dl status
  batch-dl pause <batch-id>
  batch-dl resume
  batch-dl migrate`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			path := cfgFile
			if path == "" {
				path = config.DefaultPath()
			}
			s, err := config.Load(path)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if downloadsDir != "" {
				s.DownloadsPath = downloadsDir
			}
			if databasePath != "" {
				s.DatabasePath = databasePath
			}
			if err := s.Validate(); err != nil {
				return fmt.Errorf("invalid config %s: %w", path, err)
			}
			settings = s
			logger = logging.NewCLI(verbose, s.LogLevel)
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "Configuration file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output (shows debug messages)")
	rootCmd.PersistentFlags().StringVar(&downloadsDir, "downloads", "", "Downloads directory (overrides config)")
	rootCmd.PersistentFlags().StringVar(&databasePath, "database", "", "Database file (overrides config)")

	rootCmd.AddCommand(newDownloadCmd())
	rootCmd.AddCommand(newResumeCmd())
	rootCmd.AddCommand(newPauseCmd())
	rootCmd.AddCommand(newDeleteCmd())
	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newMigrateCmd())
	rootCmd.AddCommand(newLegacyCmd())
	rootCmd.AddCommand(newConnectionCmd())

	return rootCmd
}

// configPath is where the connection command saves settings.
func configPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	return config.DefaultPath()
}
