package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/handiism/batch-downloader/internal/config"
	"github.com/handiism/batch-downloader/internal/download"
	"github.com/handiism/batch-downloader/internal/http"
	"github.com/handiism/batch-downloader/internal/logging"
	"github.com/handiism/batch-downloader/internal/metrics"
	"github.com/handiism/batch-downloader/internal/model"
	"github.com/handiism/batch-downloader/internal/store"
	"github.com/handiism/batch-downloader/internal/tui"
)

func main() {
	configFlag := flag.String("config", "", "Path to config file")
	flag.Parse()

	if err := run(*configFlag); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	if configPath == "" {
		configPath = config.DefaultPath()
	}
	settings, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := settings.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// The screen belongs to the dashboard, so logs go to a file.
	dataDir := filepath.Dir(settings.DatabasePath)
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return err
	}
	logFile, err := os.OpenFile(filepath.Join(dataDir, "batch-tui.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	defer logFile.Close()
	logger := logging.New(logFile, settings.LogLevel)

	db, err := store.OpenSQLite(ctx, settings.DatabasePath, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	mt := metrics.New()
	if settings.MetricsAddress != "" {
		go func() {
			if err := mt.Serve(ctx, settings.MetricsAddress, logger); err != nil {
				logger.Warn().Err(err).Msg("metrics endpoint stopped")
			}
		}()
	}

	connectivity := download.NewFixedConnectivity(settings.MeteredConnection)
	client := http.NewClient(settings.ToClientConfig(), logger)
	manager := download.New(settings, client, db, connectivity, logger, download.WithMetrics(mt))
	defer manager.Shutdown()

	updates := make(chan model.DownloadBatchStatus, 256)
	done := make(chan struct{})
	remove := manager.AddCallback(func(s model.DownloadBatchStatus) {
		select {
		case updates <- s:
		case <-done:
		}
	})
	defer remove()
	defer close(done)

	if err := manager.Start(ctx); err != nil {
		return err
	}
	return tui.Run(ctx, manager, connectivity, settings.StorageRoot(), updates)
}
