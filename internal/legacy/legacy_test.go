package legacy

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/handiism/batch-downloader/internal/model"
)

func TestOpen_Missing(t *testing.T) {
	_, err := Open(context.Background(), filepath.Join(t.TempDir(), "none.db"), zerolog.Nop())
	if !errors.Is(err, model.ErrLegacyStoreMissing) {
		t.Errorf("Open() error = %v, want ErrLegacyStoreMissing", err)
	}
}

func TestStore_Lifecycle(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "legacy.db")

	s, err := Create(ctx, path, zerolog.Nop())
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	first, err := s.InsertBatch(ctx, "Made in chelsea", StatusSuccessful)
	if err != nil {
		t.Fatal(err)
	}
	second, err := s.InsertBatch(ctx, "Empty", StatusPending)
	if err != nil {
		t.Fatal(err)
	}
	for _, uri := range []string{"http://example.com/10MB.zip", "http://example.com/5MB.zip"} {
		if _, err := s.InsertDownload(ctx, Download{BatchID: first, URI: uri, Data: "/legacy/x", TotalBytes: 10}); err != nil {
			t.Fatal(err)
		}
	}

	batches, err := s.Batches(ctx)
	if err != nil || len(batches) != 2 {
		t.Fatalf("Batches() = %v, %v", batches, err)
	}
	if batches[0].Title != "Made in chelsea" || batches[0].Status != StatusSuccessful {
		t.Errorf("batches[0] = %+v", batches[0])
	}

	downloads, err := s.Downloads(ctx, first)
	if err != nil || len(downloads) != 2 {
		t.Fatalf("Downloads() = %v, %v", downloads, err)
	}

	removed, err := s.DeleteOrphanBatches(ctx)
	if err != nil || removed != 1 {
		t.Errorf("DeleteOrphanBatches() = %d, %v, want 1", removed, err)
	}
	if batches, _ := s.Batches(ctx); len(batches) != 1 || batches[0].ID == second {
		t.Errorf("orphan batch still present: %+v", batches)
	}

	if err := s.DeleteDownload(ctx, downloads[0].ID); err != nil {
		t.Fatal(err)
	}
	if all, _ := s.AllDownloads(ctx); len(all) != 1 {
		t.Errorf("AllDownloads() = %d rows, want 1", len(all))
	}

	if err := s.DeleteBatch(ctx, first); err != nil {
		t.Fatalf("DeleteBatch() error = %v", err)
	}
	if batches, _ := s.Batches(ctx); len(batches) != 0 {
		t.Errorf("batches after delete = %+v", batches)
	}
	if all, _ := s.AllDownloads(ctx); len(all) != 0 {
		t.Errorf("downloads after delete = %+v", all)
	}

	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteDatabase(); err != nil {
		t.Fatalf("DeleteDatabase() error = %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("database still exists: %v", err)
	}
}
