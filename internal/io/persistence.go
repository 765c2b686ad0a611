package ioutils

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/handiism/batch-downloader/internal/model"
)

// FilePersistence streams the bytes of one file to disk and supports resuming
// a partially written file.
//
// Writes always append at the current end of the file, so a single writer
// loop produces bytes in offset order. A write is complete once Write
// returns.
//
// Example:
//
//	fp := ioutils.NewFilePersistence()
//	current, err := fp.Create(path, totalSize)
//	// request from offset `current`
//	for {
//	    n, err := body.Read(buf)
//	    if n > 0 {
//	        if err := fp.Write(buf, 0, n); err != nil { ... }
//	    }
//	    ...
//	}
//	fp.Close()
type FilePersistence struct {
	path      string
	file      *os.File
	size      int64
	totalSize int64
}

// NewFilePersistence returns an unopened FilePersistence.
func NewFilePersistence() *FilePersistence {
	return &FilePersistence{}
}

// Create opens path for appending, creating it and its parent directories if
// needed, and returns the current length of the file.
func (fp *FilePersistence) Create(path string, totalSize int64) (int64, error) {
	if fp.file != nil {
		return 0, &model.StorageError{Op: "create", Path: path, Err: errors.New("file already open")}
	}

	if err := EnsureDir(filepath.Dir(path)); err != nil {
		return 0, &model.StorageError{Op: "mkdir", Path: path, Err: err}
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return 0, &model.StorageError{Op: "open", Path: path, Err: err}
	}

	size, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		f.Close()
		return 0, &model.StorageError{Op: "seek", Path: path, Err: err}
	}

	fp.path = path
	fp.file = f
	fp.size = size
	fp.totalSize = totalSize
	return size, nil
}

// Write appends b[offset:offset+length] to the file.
func (fp *FilePersistence) Write(b []byte, offset, length int) error {
	if fp.file == nil {
		return &model.StorageError{Op: "write", Path: fp.path, Err: os.ErrClosed}
	}
	if offset < 0 || length < 0 || offset+length > len(b) {
		return &model.StorageError{Op: "write", Path: fp.path, Err: fmt.Errorf("range [%d:%d] out of bounds for %d bytes", offset, offset+length, len(b))}
	}
	if fp.totalSize > 0 && fp.size+int64(length) > fp.totalSize {
		return &model.StorageError{Op: "write", Path: fp.path, Err: fmt.Errorf("write of %d bytes at %d exceeds total size %d", length, fp.size, fp.totalSize)}
	}

	n, err := fp.file.Write(b[offset : offset+length])
	fp.size += int64(n)
	if err != nil {
		return &model.StorageError{Op: "write", Path: fp.path, Err: err}
	}
	return nil
}

// Truncate discards the content so the file restarts from offset 0.
func (fp *FilePersistence) Truncate() error {
	if fp.file == nil {
		return &model.StorageError{Op: "truncate", Path: fp.path, Err: os.ErrClosed}
	}
	if err := fp.file.Truncate(0); err != nil {
		return &model.StorageError{Op: "truncate", Path: fp.path, Err: err}
	}
	if _, err := fp.file.Seek(0, io.SeekStart); err != nil {
		return &model.StorageError{Op: "seek", Path: fp.path, Err: err}
	}
	fp.size = 0
	return nil
}

// SetTotalSize updates the expected size once the server reports it.
func (fp *FilePersistence) SetTotalSize(totalSize int64) {
	fp.totalSize = totalSize
}

// Size returns the number of bytes currently in the file.
func (fp *FilePersistence) Size() int64 {
	return fp.size
}

// Path returns the file location.
func (fp *FilePersistence) Path() string {
	return fp.path
}

// Close flushes and releases the file handle. Calling Close on an unopened
// or closed FilePersistence is a no-op.
func (fp *FilePersistence) Close() error {
	if fp.file == nil {
		return nil
	}
	f := fp.file
	fp.file = nil

	syncErr := f.Sync()
	closeErr := f.Close()
	if err := errors.Join(syncErr, closeErr); err != nil {
		return &model.StorageError{Op: "close", Path: fp.path, Err: err}
	}
	return nil
}
