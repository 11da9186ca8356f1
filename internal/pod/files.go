package pod

import (
	"context"
	"io"

	"github.com/podgallery/podgallery/internal/storage"
	"github.com/podgallery/podgallery/internal/thumbnail"
)

// SharedFile is one file offered by the pod. Its blob is absent until the
// thumbnail pipeline has finished with it.
type SharedFile struct {
	file   storage.File
	source storage.Source
	blob   string
	ready  bool
	failed error
}

func newSharedFile(src storage.Source, f storage.File) *SharedFile {
	return &SharedFile{file: f, source: src}
}

// Name is the unique key of the file within the pod.
func (f *SharedFile) Name() string { return f.file.Name }

// File returns the storage metadata.
func (f *SharedFile) File() storage.File { return f.file }

// Blob returns the preview data URL once it is ready.
func (f *SharedFile) Blob() (string, bool) { return f.blob, f.ready }

// Err returns the thumbnail failure, if any.
func (f *SharedFile) Err() error { return f.failed }

func (f *SharedFile) job() thumbnail.Job {
	src, name := f.source, f.file.Name
	return thumbnail.Job{
		Name:        name,
		ContentType: f.file.ContentType,
		Open: func(ctx context.Context) (io.ReadCloser, error) {
			return src.Open(ctx, name)
		},
	}
}
