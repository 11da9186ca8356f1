// Package storage defines where a pod's shared files come from.
package storage

import (
	"context"
	"errors"
	"io"
	"mime"
	"path"
	"strings"
	"time"
)

// ErrNotFound is returned by Open when the named file does not exist.
var ErrNotFound = errors.New("file not found")

// File describes one shareable file. Name is slash separated and relative
// to the root of its source.
type File struct {
	Name        string
	ContentType string
	Size        int64
	ModTime     time.Time
}

// IsImage reports whether the file's content type is an image type.
func (f File) IsImage() bool {
	return IsImageType(f.ContentType)
}

// Source is the interface for share sources.
// Implementations list and read files from a local directory or an S3 prefix.
type Source interface {
	// List returns every file under the source root.
	List(ctx context.Context) ([]File, error)

	// Open returns the content of the named file.
	Open(ctx context.Context, name string) (io.ReadCloser, error)

	// Type returns the source type identifier ("local", "s3").
	Type() string
}

// ContentTypeFor guesses a content type from the file extension.
func ContentTypeFor(name string) string {
	ext := strings.ToLower(path.Ext(name))
	if ct := mime.TypeByExtension(ext); ct != "" {
		if i := strings.IndexByte(ct, ';'); i >= 0 {
			ct = ct[:i]
		}
		return ct
	}
	switch ext {
	case ".webp":
		return "image/webp"
	case ".bmp":
		return "image/bmp"
	case ".tif", ".tiff":
		return "image/tiff"
	}
	return "application/octet-stream"
}

// IsImageType reports whether contentType is an image/* type.
func IsImageType(contentType string) bool {
	return strings.HasPrefix(contentType, "image/")
}
