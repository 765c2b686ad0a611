// Package download is the batch download engine and its command surface.
//
// # Manager
//
// The Manager owns every submitted batch:
//
//  1. Download persists the batch and its files as QUEUED
//  2. A worker acquires a batch slot and moves the batch to DOWNLOADING
//  3. Files of unknown size are sized with a HEAD request
//  4. Files stream concurrently, each resuming from its persisted offset
//  5. The batch ends DOWNLOADED, or ERROR with a typed DownloadError
//
// # Basic Usage
//
//	m := download.New(settings, client, store, nil, logger)
//	if err := m.Start(ctx); err != nil {
//	    return err
//	}
//	defer m.Shutdown()
//
//	remove := m.AddCallback(func(s model.DownloadBatchStatus) {
//	    fmt.Printf("%s %s %d%%\n", s.BatchID, s.Status, s.Percentage())
//	})
//	defer remove()
//
//	batch, err := model.NewBatch(settings.StorageRoot(), model.NewBatchID("b1"), "Made in chelsea").
//	    DownloadFrom("http://example.com/5MB.zip").Apply().
//	    Build()
//	if err != nil {
//	    return err
//	}
//	err = m.Download(ctx, batch)
//
// # Pause, Resume and Delete
//
// Pause is cooperative: the read loop stops at its next chunk boundary and
// checkpoints the exact offset. Resume continues from that offset with a
// range request. A server that ignores the range fails the batch with a
// NETWORK error after emptying the file, so a later Resume starts over.
// Delete removes the records and every file of the batch.
//
// # Connection Policy
//
// With an UNMETERED policy on a metered connection, active batches are shown
// as PAUSED but stay QUEUED in the store. They resume on their own once
// UpdateAllowedConnectionType or ConnectivityChanged allows them again,
// unless the caller paused them.
//
// # Concurrency
//
// The Manager uses configurable concurrency limits:
//   - MaxConcurrentBatches: How many batches download in parallel
//   - MaxConcurrentFiles: How many files per batch download in parallel
//
// Writes to one file always happen in offset order from a single loop.
package download
