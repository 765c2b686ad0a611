package main

import (
	"context"
	"fmt"
	"os"
	"slices"

	"github.com/handiism/batch-downloader/internal/download"
	"github.com/handiism/batch-downloader/internal/http"
	"github.com/handiism/batch-downloader/internal/metrics"
	"github.com/handiism/batch-downloader/internal/model"
	"github.com/handiism/batch-downloader/internal/notify"
	"github.com/handiism/batch-downloader/internal/store"
)

// engine is the download stack opened by every batch command.
type engine struct {
	store   *store.SQLite
	manager *download.Manager
	metrics *metrics.Metrics
}

// openEngine opens the database and builds a Manager. With start set, every
// persisted QUEUED batch is scheduled; otherwise batches are only loaded.
func openEngine(ctx context.Context, start bool) (*engine, error) {
	db, err := store.OpenSQLite(ctx, settings.DatabasePath, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	mt := metrics.New()
	if settings.MetricsAddress != "" {
		go func() {
			if err := mt.Serve(ctx, settings.MetricsAddress, logger); err != nil {
				logger.Warn().Err(err).Msg("metrics endpoint stopped")
			}
		}()
	}

	client := http.NewClient(settings.ToClientConfig(), logger)
	m := download.New(settings, client, db, nil, logger, download.WithMetrics(mt))

	if start {
		err = m.Start(ctx)
	} else {
		err = m.Load(ctx)
	}
	if err != nil {
		m.Shutdown()
		db.Close()
		return nil, fmt.Errorf("failed to load batches: %w", err)
	}
	return &engine{store: db, manager: m, metrics: mt}, nil
}

func (e *engine) Close() {
	e.manager.Shutdown()
	if err := e.store.Close(); err != nil {
		logger.Warn().Err(err).Msg("closing database")
	}
}

// observe renders batch progress as bars on a terminal and as log lines
// otherwise. The returned function detaches the observer.
func (e *engine) observe() func() {
	if notify.IsTerminal(os.Stderr) {
		bars := notify.NewBatchBars(os.Stderr)
		remove := e.manager.AddCallback(bars.Observe)
		return func() {
			remove()
			bars.Wait()
		}
	}
	return e.manager.AddCallback(notify.BatchStatusNotifier(notify.NewLogNotifier(logger)))
}

// settled reports whether a batch needs no more work from this process.
// A gated batch waits for a connection change that a one-shot command never
// sees, so PAUSED counts as settled.
func settled(s model.DownloadBatchStatus) bool {
	switch s.Status {
	case model.StatusDownloaded, model.StatusError, model.StatusPaused, model.StatusDeleted:
		return true
	}
	return false
}

// wait blocks until every batch in ids has settled or ctx is done.
func (e *engine) wait(ctx context.Context, ids []model.BatchID) error {
	changed := make(chan struct{}, 1)
	remove := e.manager.AddCallback(func(s model.DownloadBatchStatus) {
		if !slices.Contains(ids, s.BatchID) {
			return
		}
		select {
		case changed <- struct{}{}:
		default:
		}
	})
	defer remove()

	for {
		pending := false
		for _, id := range ids {
			s, err := e.manager.GetDownloadBatchStatus(id)
			if err != nil {
				continue
			}
			if !settled(s) {
				pending = true
				break
			}
		}
		if !pending {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		}
	}
}

// report prints the final line for each batch and returns an error if any
// of them failed.
func (e *engine) report(ids []model.BatchID) error {
	failed := 0
	for _, id := range ids {
		s, err := e.manager.GetDownloadBatchStatus(id)
		if err != nil {
			continue
		}
		line := fmt.Sprintf("%s  %-11s %3d%%  %s / %s", s.BatchID, s.Status, s.Percentage(),
			formatBytes(s.BytesDownloaded), formatBytes(s.BytesTotalSize))
		if s.Error != nil {
			line += "  " + s.Error.String()
			failed++
		}
		fmt.Println(line)
	}
	if failed > 0 {
		return fmt.Errorf("%d batch(es) failed", failed)
	}
	return nil
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
