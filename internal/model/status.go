package model

import (
	"fmt"
	"strings"
	"time"
)

// Status is the lifecycle state of a batch.
type Status string

const (
	StatusQueued      Status = "QUEUED"
	StatusDownloading Status = "DOWNLOADING"
	StatusPaused      Status = "PAUSED"
	StatusDownloaded  Status = "DOWNLOADED"
	StatusError       Status = "ERROR"
	StatusDeleted     Status = "DELETED"
)

// validTransitions maps the current status to the set of allowed targets.
// DELETED is terminal and DOWNLOADED only leaves through delete.
var validTransitions = map[Status]map[Status]bool{
	StatusQueued: {
		StatusDownloading: true,
		StatusPaused:      true,
		StatusError:       true,
		StatusDeleted:     true,
	},
	StatusDownloading: {
		StatusPaused:     true,
		StatusDownloaded: true,
		StatusError:      true,
		StatusDeleted:    true,
	},
	StatusPaused: {
		StatusQueued:      true,
		StatusDownloading: true,
		StatusError:       true,
		StatusDeleted:     true,
	},
	StatusError: {
		StatusQueued:  true,
		StatusDeleted: true,
	},
	StatusDownloaded: {
		StatusDeleted: true,
	},
	StatusDeleted: {},
}

// ParseStatus converts a persisted status string.
func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := validTransitions[st]; !ok {
		return "", fmt.Errorf("unknown batch status %q", s)
	}
	return st, nil
}

// CanTransitionTo reports whether moving from s to target is allowed.
func (s Status) CanTransitionTo(target Status) bool {
	return validTransitions[s][target]
}

// IsTerminal reports whether no further transfer work can happen in s
// without caller action.
func (s Status) IsTerminal() bool {
	return s == StatusDownloaded || s == StatusDeleted
}

// TransitionError is returned when a batch is asked to make a transition
// the state machine does not allow.
type TransitionError struct {
	BatchID BatchID
	From    Status
	To      Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("batch %s: transition %s -> %s not allowed", e.BatchID, e.From, e.To)
}

// CheckTransition returns a *TransitionError when from cannot move to to.
func CheckTransition(id BatchID, from, to Status) error {
	if from == to || from.CanTransitionTo(to) {
		return nil
	}
	return &TransitionError{BatchID: id, From: from, To: to}
}

// ErrorType classifies a download failure.
type ErrorType string

const (
	ErrorTypeNetwork ErrorType = "NETWORK"
	ErrorTypeStorage ErrorType = "STORAGE"
	ErrorTypeUnknown ErrorType = "UNKNOWN"
)

// ParseErrorType converts a persisted error type. Unknown values map to
// ErrorTypeUnknown.
func ParseErrorType(s string) ErrorType {
	switch ErrorType(strings.ToUpper(strings.TrimSpace(s))) {
	case ErrorTypeNetwork:
		return ErrorTypeNetwork
	case ErrorTypeStorage:
		return ErrorTypeStorage
	default:
		return ErrorTypeUnknown
	}
}

// DownloadError is attached to a status only while it is StatusError.
type DownloadError struct {
	Type    ErrorType
	Message string
}

func (e DownloadError) String() string {
	if e.Message == "" {
		return string(e.Type)
	}
	return string(e.Type) + ": " + e.Message
}

// DownloadBatchStatus is a point-in-time snapshot of a batch.
//
// BytesDownloaded is always the sum of the per-file downloaded bytes and
// never exceeds BytesTotalSize. While SizeUnknown is set, BytesTotalSize is
// only a lower bound.
type DownloadBatchStatus struct {
	BatchID         BatchID
	Title           string
	Status          Status
	BytesDownloaded int64
	BytesTotalSize  int64
	SizeUnknown     bool
	Error           *DownloadError
	CreatedAt       time.Time
}

// Percentage returns the whole-number completion percentage, or 0 when the
// total size is unknown.
func (s DownloadBatchStatus) Percentage() int {
	if s.SizeUnknown || s.BytesTotalSize <= 0 {
		return 0
	}
	return int(s.BytesDownloaded * 100 / s.BytesTotalSize)
}

// DownloadFileStatus is a point-in-time snapshot of one file of a batch.
type DownloadFileStatus struct {
	BatchID         BatchID
	FileID          FileID
	URL             string
	FileName        string
	FilePath        string
	BytesDownloaded int64
	TotalSize       int64
	Status          Status
	Error           *DownloadError
}

// ConnectionType restricts which connectivity classes may carry transfers.
type ConnectionType string

const (
	ConnectionAll       ConnectionType = "ALL"
	ConnectionUnmetered ConnectionType = "UNMETERED"
)

// ParseConnectionType accepts "all" or "unmetered" in any case.
func ParseConnectionType(s string) (ConnectionType, error) {
	switch ConnectionType(strings.ToUpper(strings.TrimSpace(s))) {
	case ConnectionAll:
		return ConnectionAll, nil
	case ConnectionUnmetered:
		return ConnectionUnmetered, nil
	default:
		return "", fmt.Errorf("unknown connection type %q", s)
	}
}

// Allows reports whether transfers may run on a connection of the given
// class under this policy.
func (c ConnectionType) Allows(metered bool) bool {
	return c != ConnectionUnmetered || !metered
}
