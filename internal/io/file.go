package ioutils

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/handiism/batch-downloader/internal/model"
)

// CopyStream copies src to dst through buf, one chunk at a time.
//
// Unlike io.CopyBuffer it never bypasses buf through ReaderFrom or WriterTo,
// so memory use stays bounded by len(buf) whatever the source.
//
// Example:
//
//	buf := make([]byte, 4096)
//	n, err := CopyStream(dst, src, buf)
func CopyStream(dst io.Writer, src io.Reader, buf []byte) (int64, error) {
	if len(buf) == 0 {
		buf = make([]byte, DefaultBufferSize)
	}

	var written int64
	for {
		nr, rerr := src.Read(buf)
		if nr > 0 {
			nw, werr := dst.Write(buf[:nr])
			written += int64(nw)
			if werr != nil {
				return written, werr
			}
			if nw != nr {
				return written, io.ErrShortWrite
			}
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, rerr
		}
	}
}

// CopyFile copies a file from source to destination with a bounded buffer.
//
// The destination and its parent directories are created if they don't
// exist. A destination that already exists is truncated. Failures are
// returned as *model.StorageError.
//
// Example:
//
//	err := CopyFile(ctx, "/legacy/5mb.zip", "/downloads/batch/5mb.zip", buf)
func CopyFile(ctx context.Context, src, dst string, buf []byte) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	sourceFile, err := os.Open(src)
	if err != nil {
		return 0, &model.StorageError{Op: "open", Path: src, Err: err}
	}
	defer sourceFile.Close()

	if err := EnsureDir(filepath.Dir(dst)); err != nil {
		return 0, &model.StorageError{Op: "mkdir", Path: dst, Err: err}
	}

	destFile, err := os.Create(dst)
	if err != nil {
		return 0, &model.StorageError{Op: "create", Path: dst, Err: err}
	}

	n, err := CopyStream(destFile, sourceFile, buf)
	closeErr := destFile.Close()
	if err != nil {
		return n, &model.StorageError{Op: "copy", Path: dst, Err: err}
	}
	if closeErr != nil {
		return n, &model.StorageError{Op: "close", Path: dst, Err: closeErr}
	}
	return n, nil
}

// EnsureDir creates a directory and all parent directories if they don't exist.
//
// Directories are created with mode 0755 (rwxr-xr-x).
// If the directory already exists, no error is returned.
func EnsureDir(path string) error {
	return os.MkdirAll(path, 0755)
}

// RemoveFile deletes path. A missing file is not an error.
func RemoveFile(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return &model.StorageError{Op: "remove", Path: path, Err: err}
	}
	return nil
}

// FileSize returns the length of the file at path, or 0 when it does not
// exist.
func FileSize(path string) (int64, error) {
	info, err := os.Stat(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return 0, nil
	case err != nil:
		return 0, &model.StorageError{Op: "stat", Path: path, Err: err}
	}
	return info.Size(), nil
}

// FileExists reports whether path exists and is a regular file.
func FileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// RemoveEmptyDirs removes dir and its parents up to, but not including,
// stop while they are empty.
func RemoveEmptyDirs(dir, stop string) {
	stop = filepath.Clean(stop)
	for dir = filepath.Clean(dir); ; dir = filepath.Dir(dir) {
		rel, err := filepath.Rel(stop, dir)
		if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
			return
		}
		if err := os.Remove(dir); err != nil {
			return
		}
	}
}
