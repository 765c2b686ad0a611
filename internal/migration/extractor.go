package migration

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/handiism/batch-downloader/internal/legacy"
	"github.com/handiism/batch-downloader/internal/model"
)

// LegacyReader is the read side of the legacy database.
type LegacyReader interface {
	Batches(ctx context.Context) ([]legacy.Batch, error)
	Downloads(ctx context.Context, batchID int64) ([]legacy.Download, error)
}

// LegacyExtractor builds migrations from a v1 database. The derived batch id
// is the legacy row id and files are placed under root/<batch id>/.
type LegacyExtractor struct {
	reader LegacyReader
	root   model.StorageRoot
	logger zerolog.Logger
}

// NewLegacyExtractor returns an extractor reading from reader.
func NewLegacyExtractor(reader LegacyReader, root model.StorageRoot, logger zerolog.Logger) *LegacyExtractor {
	return &LegacyExtractor{reader: reader, root: root, logger: logger}
}

// Extract returns one migration per legacy batch that still has downloads.
// A batch that cannot be translated is logged and left out.
func (e *LegacyExtractor) Extract(ctx context.Context) ([]Migration, error) {
	batches, err := e.reader.Batches(ctx)
	if err != nil {
		return nil, fmt.Errorf("read legacy batches: %w", err)
	}

	var out []Migration
	for _, b := range batches {
		downloads, err := e.reader.Downloads(ctx, b.ID)
		if err != nil {
			return nil, fmt.Errorf("read legacy downloads of batch %d: %w", b.ID, err)
		}
		if len(downloads) == 0 {
			continue
		}

		mig, err := e.translate(b, downloads)
		if err != nil {
			e.logger.Error().Err(err).Int64("legacy_batch", b.ID).Msg("skipping untranslatable legacy batch")
			continue
		}
		out = append(out, mig)
	}
	return out, nil
}

func (e *LegacyExtractor) translate(b legacy.Batch, downloads []legacy.Download) (Migration, error) {
	batchID := model.NewBatchID(strconv.FormatInt(b.ID, 10))
	title := b.Title
	if title == "" {
		title = batchID.String()
	}

	builder := model.NewBatch(e.root, batchID, title)
	files := make([]FileMetadata, 0, len(downloads))
	names := make(map[string]bool, len(downloads))
	urls := make(map[string]bool, len(downloads))

	for _, d := range downloads {
		size := d.TotalBytes
		if size <= 0 {
			if info, err := os.Stat(d.Data); err == nil {
				size = info.Size()
			}
		}

		name := model.FileNameFromURL(d.URI)
		if names[name] {
			name = fmt.Sprintf("%d_%s", d.ID, name)
		}
		names[name] = true

		fb := builder.DownloadFrom(d.URI).SaveTo(batchID.String(), name).WithSize(size)
		if urls[d.URI] {
			fb.WithIdentifier(string(model.NewFileIDFrom(batchID, d.URI+"#"+strconv.FormatInt(d.ID, 10))))
		}
		urls[d.URI] = true
		fb.Apply()

		files = append(files, FileMetadata{
			LegacyID:         d.ID,
			URI:              d.URI,
			TotalSize:        size,
			OriginalLocation: d.Data,
		})
	}

	batch, err := builder.Build()
	if err != nil {
		return Migration{}, err
	}
	return Migration{LegacyBatchID: b.ID, Batch: batch, Files: files}, nil
}
