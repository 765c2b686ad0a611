// Package ioutils provides file system utilities for batch-downloader.
//
// This package contains:
//   - FilePersistence, the resumable on-disk writer for one file
//   - CopyStream, a bounded-buffer stream copy
//   - BufferPool, reusable fixed-size scratch buffers
//   - File copying, removal and directory helpers
//
// Every failure is returned as *model.StorageError so callers can classify
// it as a STORAGE error.
package ioutils
