package model

import (
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/google/uuid"
)

// FileID identifies a file within a batch.
type FileID string

// String returns the id as a plain string.
func (id FileID) String() string {
	return string(id)
}

// NewFileIDFrom derives a deterministic file id from the batch id and the
// source URL. The same pair always yields the same id, so a resubmitted batch
// maps onto its persisted file records.
func NewFileIDFrom(batchID BatchID, rawURL string) FileID {
	return FileID(uuid.NewSHA1(uuid.NameSpaceURL, []byte(batchID.String()+"/"+rawURL)).String())
}

// BatchFile describes one remote file of a batch.
//
// The target location is Root/SubPath/FileName, see Batch.FilePath.
type BatchFile struct {
	// ID is unique within the batch.
	ID FileID

	// URL is the remote location the file is fetched from.
	URL string

	// SubPath is the directory relative to the batch storage root.
	SubPath string

	// FileName is the sanitized name of the file on disk.
	FileName string

	// TotalSize is the size in bytes, or 0 when unknown until the
	// first response arrives.
	TotalSize int64
}

// FileBuilder configures a single BatchFile and hands it back to its batch.
type FileBuilder struct {
	parent *BatchBuilder
	file   BatchFile
}

// SaveTo sets the sub-path and file name for the file.
func (fb *FileBuilder) SaveTo(subPath, fileName string) *FileBuilder {
	fb.file.SubPath = path.Clean(strings.ReplaceAll(subPath, "\\", "/"))
	if fb.file.SubPath == "." {
		fb.file.SubPath = ""
	}
	fb.file.FileName = sanitizeFileName(fileName)
	return fb
}

// WithIdentifier overrides the derived file id.
func (fb *FileBuilder) WithIdentifier(id string) *FileBuilder {
	fb.file.ID = FileID(id)
	return fb
}

// WithSize records a known total size so no size request is needed.
func (fb *FileBuilder) WithSize(size int64) *FileBuilder {
	fb.file.TotalSize = size
	return fb
}

// Apply adds the file to the batch and returns the batch builder.
func (fb *FileBuilder) Apply() *BatchBuilder {
	if fb.file.URL == "" {
		fb.parent.errs = append(fb.parent.errs, fmt.Errorf("%w: file without url", ErrInvalidBatch))
		return fb.parent
	}
	fb.parent.batch.Files = append(fb.parent.batch.Files, fb.file)
	return fb.parent
}

// FileNameFromURL returns the sanitized last path segment of rawURL.
//
// Example:
//
//	FileNameFromURL("http://example.com/files/5MB.zip?x=1") // Returns "5MB.zip"
func FileNameFromURL(rawURL string) string {
	p := rawURL
	if u, err := url.Parse(rawURL); err == nil {
		p = u.Path
	}
	name := sanitizeFileName(path.Base(p))
	if name == "" || name == "." || name == "_" {
		return "download"
	}
	return name
}
