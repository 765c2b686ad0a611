// Package notify turns migration and download statuses into user facing
// notifications.
//
// A Notifier distinguishes an ongoing notification, which every update
// replaces, from a stacked one, which is terminal and stays put.
package notify

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/handiism/batch-downloader/internal/logging"
	"github.com/handiism/batch-downloader/internal/migration"
	"github.com/handiism/batch-downloader/internal/model"
)

// Channel names.
const (
	ChannelMigration = "migration"
	ChannelDownloads = "downloads"
)

// Notification is the payload handed to a Notifier.
type Notification struct {
	Channel    string
	Key        string
	Title      string
	Text       string
	Percentage int
}

// Notifier presents notifications.
type Notifier interface {
	// UpdateNotification replaces the ongoing notification for n.Key.
	UpdateNotification(n Notification)

	// StackNotification shows a terminal notification that later updates do
	// not replace.
	StackNotification(n Notification)
}

// MigrationSink is the migration.ProgressSink used by the application. It
// updates the ongoing notification for every status, stacks a terminal one
// on COMPLETE and forwards each status to the registered callbacks.
type MigrationSink struct {
	notifier Notifier

	mu        sync.Mutex
	callbacks []func(migration.Status)
}

var _ migration.ProgressSink = (*MigrationSink)(nil)

// NewMigrationSink returns a sink presenting through notifier.
func NewMigrationSink(notifier Notifier) *MigrationSink {
	return &MigrationSink{notifier: notifier}
}

// AddCallback registers fn to receive every status.
func (s *MigrationSink) AddCallback(fn func(migration.Status)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callbacks = append(s.callbacks, fn)
}

// Report implements migration.ProgressSink.
func (s *MigrationSink) Report(status migration.Status) {
	n := Notification{
		Channel:    ChannelMigration,
		Key:        ChannelMigration,
		Title:      "Migrating downloads",
		Text:       migrationText(status),
		Percentage: status.Percentage(),
	}

	s.mu.Lock()
	callbacks := append([]func(migration.Status)(nil), s.callbacks...)
	s.mu.Unlock()
	for _, fn := range callbacks {
		fn(status)
	}

	if status.Phase == migration.PhaseComplete {
		n.Title = "Migration complete"
		s.notifier.StackNotification(n)
		return
	}
	s.notifier.UpdateNotification(n)
}

func migrationText(status migration.Status) string {
	switch status.Phase {
	case migration.PhaseExtracting:
		return "Reading previous downloads"
	case migration.PhaseMigrating:
		if status.Total == 0 {
			return "Nothing to migrate"
		}
		return fmt.Sprintf("Migrating %d of %d", status.Current+1, status.Total)
	case migration.PhaseDeleting:
		return "Removing old data"
	case migration.PhaseComplete:
		return "All downloads migrated"
	default:
		return status.String()
	}
}

// BatchStatusNotifier returns a download status callback that keeps one
// ongoing notification per batch and stacks a terminal one when the batch
// finishes or fails.
func BatchStatusNotifier(notifier Notifier) func(model.DownloadBatchStatus) {
	return func(s model.DownloadBatchStatus) {
		n := Notification{
			Channel:    ChannelDownloads,
			Key:        s.BatchID.String(),
			Title:      s.Title,
			Text:       batchText(s),
			Percentage: s.Percentage(),
		}
		switch s.Status {
		case model.StatusDownloaded, model.StatusError, model.StatusDeleted:
			notifier.StackNotification(n)
		default:
			notifier.UpdateNotification(n)
		}
	}
}

func batchText(s model.DownloadBatchStatus) string {
	switch s.Status {
	case model.StatusError:
		if s.Error != nil {
			return fmt.Sprintf("Failed: %s", s.Error)
		}
		return "Failed"
	case model.StatusDownloading:
		return fmt.Sprintf("%d%% (%d / %d bytes)", s.Percentage(), s.BytesDownloaded, s.BytesTotalSize)
	default:
		return string(s.Status)
	}
}

// LogNotifier writes notifications to a zerolog logger.
type LogNotifier struct {
	logger zerolog.Logger
}

// NewLogNotifier returns a notifier logging at info level.
func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logging.Component(logger, "notify")}
}

func (l *LogNotifier) UpdateNotification(n Notification) {
	l.logger.Info().
		Str("channel", n.Channel).
		Str("key", n.Key).
		Int("percent", n.Percentage).
		Msgf("%s: %s", n.Title, n.Text)
}

func (l *LogNotifier) StackNotification(n Notification) {
	l.logger.Info().
		Str("channel", n.Channel).
		Str("key", n.Key).
		Bool("final", true).
		Msgf("%s: %s", n.Title, n.Text)
}
