package model

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

// BatchID identifies a batch. It is stable across restarts and safe to use
// as a directory name.
type BatchID string

// NewBatchID creates a BatchID from a caller-supplied string.
//
// The raw value is sanitized with the same rules as file names so the id can
// be used as the default sub-directory for the batch files.
//
// Example:
//
//	NewBatchID("batch:1/2") // Returns "batch_1_2"
func NewBatchID(raw string) BatchID {
	return BatchID(sanitizeFileName(raw))
}

// String returns the id as a plain string.
func (id BatchID) String() string {
	return string(id)
}

// StorageRoot is an opaque handle to the directory batch files are stored under.
type StorageRoot interface {
	Path() string
}

// DirRoot is a StorageRoot backed by a plain directory path.
type DirRoot string

// Path returns the directory path.
func (r DirRoot) Path() string {
	return string(r)
}

// Batch is a named group of files downloaded and tracked as one unit.
//
// A Batch is built once with NewBatch and is not modified after it has been
// submitted to the download manager.
//
// Example:
//
//	batch, err := model.NewBatch(model.DirRoot("/downloads"), model.NewBatchID("batch_id_1"), "Made in chelsea").
//	    DownloadFrom("http://example.com/5MB.zip").SaveTo("foo/bar", "5mb.zip").WithIdentifier("file_id_1").Apply().
//	    DownloadFrom("http://example.com/10MB.zip").Apply().
//	    Build()
type Batch struct {
	// ID is the unique batch identifier.
	ID BatchID

	// Title is the human readable batch name.
	Title string

	// Files are the file descriptors in submission order.
	Files []BatchFile

	// Root is the storage root every file path is resolved against.
	Root StorageRoot
}

// FilePath returns the absolute location of a batch file on disk.
func (b Batch) FilePath(f BatchFile) string {
	root := ""
	if b.Root != nil {
		root = b.Root.Path()
	}
	return limitPathLength(filepath.Join(root, f.SubPath, f.FileName))
}

// TotalSize returns the sum of the known file sizes.
func (b Batch) TotalSize() int64 {
	var total int64
	for _, f := range b.Files {
		if f.TotalSize > 0 {
			total += f.TotalSize
		}
	}
	return total
}

// BatchBuilder assembles a Batch file by file.
type BatchBuilder struct {
	batch Batch
	errs  []error
}

// NewBatch starts building a batch stored under root.
func NewBatch(root StorageRoot, id BatchID, title string) *BatchBuilder {
	return &BatchBuilder{
		batch: Batch{
			ID:    id,
			Title: title,
			Root:  root,
		},
	}
}

// DownloadFrom starts a new file descriptor for url.
func (b *BatchBuilder) DownloadFrom(url string) *FileBuilder {
	return &FileBuilder{
		parent: b,
		file:   BatchFile{URL: url},
	}
}

// Build validates the batch and returns it.
//
// Missing file names are derived from the last URL path segment, missing
// sub-paths default to the batch id and missing file ids are derived from
// the batch id and URL.
func (b *BatchBuilder) Build() (Batch, error) {
	batch := b.batch
	errs := append([]error(nil), b.errs...)

	if batch.ID == "" {
		errs = append(errs, fmt.Errorf("%w: batch id is empty", ErrInvalidBatch))
	}
	if batch.Root == nil || batch.Root.Path() == "" {
		errs = append(errs, fmt.Errorf("%w: storage root is empty", ErrInvalidBatch))
	}
	if len(batch.Files) == 0 {
		errs = append(errs, fmt.Errorf("%w: batch %q has no files", ErrInvalidBatch, batch.ID))
	}

	files := make([]BatchFile, len(batch.Files))
	ids := make(map[FileID]bool, len(batch.Files))
	paths := make(map[string]bool, len(batch.Files))
	for i, f := range batch.Files {
		if f.SubPath == "" {
			f.SubPath = batch.ID.String()
		}
		if f.FileName == "" {
			f.FileName = FileNameFromURL(f.URL)
		}
		if f.ID == "" {
			f.ID = NewFileIDFrom(batch.ID, f.URL)
		}

		if ids[f.ID] {
			errs = append(errs, fmt.Errorf("%w: duplicate file id %q", ErrInvalidBatch, f.ID))
		}
		ids[f.ID] = true

		path := batch.FilePath(f)
		if paths[path] {
			errs = append(errs, fmt.Errorf("%w: duplicate target path %q", ErrInvalidBatch, path))
		}
		paths[path] = true

		files[i] = f
	}
	batch.Files = files

	if len(errs) > 0 {
		return Batch{}, errors.Join(errs...)
	}
	return batch, nil
}

// limitPathLength keeps file paths under the Windows MAX_PATH limit while
// preserving the extension.
func limitPathLength(filePath string) string {
	if len(filePath) < 260 {
		return filePath
	}
	dir, name := filepath.Split(filePath)
	ext := filepath.Ext(name)
	maxLen := 259 - len(dir) - len(ext)
	base := strings.TrimSuffix(name, ext)
	if maxLen > 0 && maxLen < len(base) {
		return filepath.Join(dir, base[:maxLen]+ext)
	}
	return filePath
}

var (
	invalidNameChars   = regexp.MustCompile(`[<>:"/\\|?*\x00-\x1f]`)
	trailingDots       = regexp.MustCompile(`\.+$`)
	repeatedWhitespace = regexp.MustCompile(`\s+`)
)

// sanitizeFileName removes or replaces characters that are invalid in file/folder names.
//
// The following transformations are applied:
//   - Invalid characters (<>:"/\|?* and control chars) are replaced with underscore
//   - Trailing dots are removed (Windows limitation)
//   - Multiple whitespace is collapsed to single space
//   - Trailing whitespace is removed
//
// Example:
//
//	sanitizeFileName("Song: Part 1/2") // Returns "Song_ Part 1_2"
func sanitizeFileName(name string) string {
	name = invalidNameChars.ReplaceAllString(name, "_")
	name = trailingDots.ReplaceAllString(name, "")
	name = repeatedWhitespace.ReplaceAllString(name, " ")
	return strings.TrimRight(name, " ")
}
