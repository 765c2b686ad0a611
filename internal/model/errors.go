package model

import (
	"errors"
	"fmt"
	"strings"
	"syscall"
)

var (
	ErrBatchNotFound             = errors.New("batch not found")
	ErrFileNotFound              = errors.New("file not found")
	ErrBatchExists               = errors.New("batch already exists")
	ErrResumeNotAllowed          = errors.New("resume not allowed")
	ErrPartialContentUnsupported = errors.New("server does not support partial content")
	ErrOffsetMismatch            = errors.New("persisted offset does not match file length")
	ErrMigrationRunning          = errors.New("migration already running")
	ErrLegacyStoreMissing        = errors.New("legacy store not found")
	ErrInvalidBatch              = errors.New("invalid batch")
)

// NetworkError covers connectivity loss, timeouts and responses that are
// neither successful nor partial content.
type NetworkError struct {
	URL  string
	Code int
	Err  error
}

func (e *NetworkError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("network error for %s (status %d): %v", e.URL, e.Code, e.Err)
	}
	return fmt.Sprintf("network error for %s: %v", e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// StorageError covers local file system failures: disk full, permission
// denied, missing files and offset mismatches.
type StorageError struct {
	Op   string
	Path string
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage error: %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// DatabaseError wraps a failed transaction on the persistence store.
type DatabaseError struct {
	Op  string
	Err error
}

func (e *DatabaseError) Error() string {
	return fmt.Sprintf("database error: %s: %v", e.Op, e.Err)
}

func (e *DatabaseError) Unwrap() error { return e.Err }

// MigrationItemError reports a failure for one legacy item. It never aborts a
// migration run.
type MigrationItemError struct {
	LegacyID int64
	URI      string
	Op       string
	Err      error
}

func (e *MigrationItemError) Error() string {
	if e.URI != "" {
		return fmt.Sprintf("migration item %d (%s): %s: %v", e.LegacyID, e.URI, e.Op, e.Err)
	}
	return fmt.Sprintf("migration item %d: %s: %v", e.LegacyID, e.Op, e.Err)
}

func (e *MigrationItemError) Unwrap() error { return e.Err }

// ClassifyError maps an error onto the DownloadError type exposed to callers.
func ClassifyError(err error) ErrorType {
	if err == nil {
		return ErrorTypeUnknown
	}
	var netErr *NetworkError
	if errors.As(err, &netErr) {
		return ErrorTypeNetwork
	}
	var storageErr *StorageError
	if errors.As(err, &storageErr) {
		return ErrorTypeStorage
	}
	if IsDiskFull(err) {
		return ErrorTypeStorage
	}
	return ErrorTypeUnknown
}

// NewDownloadError builds the caller facing error for err.
func NewDownloadError(err error) *DownloadError {
	if err == nil {
		return nil
	}
	return &DownloadError{Type: ClassifyError(err), Message: err.Error()}
}

// IsDiskFull reports whether err is likely caused by running out of disk
// space.
func IsDiskFull(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, syscall.ENOSPC) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, indicator := range []string{
		"no space left on device",
		"disk full",
		"out of disk space",
		"insufficient disk space",
		"not enough space",
		"disk quota exceeded",
	} {
		if strings.Contains(msg, indicator) {
			return true
		}
	}
	return false
}
