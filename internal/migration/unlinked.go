package migration

import (
	"context"
	"errors"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	ioutils "github.com/handiism/batch-downloader/internal/io"
	"github.com/handiism/batch-downloader/internal/legacy"
)

// LegacyJanitor is the part of the legacy database the unlinked data
// remover needs.
type LegacyJanitor interface {
	Path() string
	AllDownloads(ctx context.Context) ([]legacy.Download, error)
	DeleteDownload(ctx context.Context, id int64) error
	DeleteOrphanBatches(ctx context.Context) (int64, error)
}

// LegacyUnlinkedDataRemover removes download rows whose file is gone, files
// under filesDir that no row references, and batches left without rows.
type LegacyUnlinkedDataRemover struct {
	janitor  LegacyJanitor
	filesDir string
	logger   zerolog.Logger
}

// NewLegacyUnlinkedDataRemover returns a remover. An empty filesDir skips the
// unreferenced file sweep.
func NewLegacyUnlinkedDataRemover(janitor LegacyJanitor, filesDir string, logger zerolog.Logger) *LegacyUnlinkedDataRemover {
	return &LegacyUnlinkedDataRemover{janitor: janitor, filesDir: filesDir, logger: logger}
}

// Remove is best effort: every failure is collected and the sweep goes on.
func (r *LegacyUnlinkedDataRemover) Remove(ctx context.Context) error {
	downloads, err := r.janitor.AllDownloads(ctx)
	if err != nil {
		return err
	}

	var (
		errs        []error
		removedRows int
		referenced  = make(map[string]bool, len(downloads))
	)
	for _, d := range downloads {
		if d.Data != "" && ioutils.FileExists(d.Data) {
			referenced[filepath.Clean(d.Data)] = true
			continue
		}
		if err := r.janitor.DeleteDownload(ctx, d.ID); err != nil {
			errs = append(errs, err)
			continue
		}
		removedRows++
		r.logger.Debug().Int64("legacy_download", d.ID).Str("uri", d.URI).Msg("removed download row without file")
	}

	removedFiles := 0
	if r.filesDir != "" {
		dbPath := filepath.Clean(r.janitor.Path())
		walkErr := filepath.WalkDir(r.filesDir, func(path string, entry fs.DirEntry, err error) error {
			if err != nil {
				if !errors.Is(err, fs.ErrNotExist) {
					errs = append(errs, err)
				}
				return nil
			}
			if !entry.Type().IsRegular() {
				return nil
			}
			path = filepath.Clean(path)
			if referenced[path] || strings.HasPrefix(path, dbPath) {
				return nil
			}
			if err := ioutils.RemoveFile(path); err != nil {
				errs = append(errs, err)
				return nil
			}
			removedFiles++
			return nil
		})
		if walkErr != nil && !errors.Is(walkErr, fs.ErrNotExist) {
			errs = append(errs, walkErr)
		}
	}

	removedBatches, err := r.janitor.DeleteOrphanBatches(ctx)
	if err != nil {
		errs = append(errs, err)
	}

	r.logger.Info().
		Int("rows", removedRows).
		Int("files", removedFiles).
		Int64("batches", removedBatches).
		Msg("removed unlinked legacy data")

	return errors.Join(errs...)
}
