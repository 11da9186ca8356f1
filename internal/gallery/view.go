package gallery

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/podgallery/podgallery/internal/logging"
	"github.com/podgallery/podgallery/internal/thumbnail"
	"github.com/podgallery/podgallery/pkg/protocol"
)

// Status says what the selection area shows.
type Status int

const (
	NoneSelected Status = iota
	InvalidSelection
	Shown
)

// Selection is what the selection area displays. Pictures follow the
// pod's path order and include pending entries.
type Selection struct {
	Status   Status
	ID       protocol.PodID
	Pod      PodSummary
	Pictures []Picture
}

// View renders gallery state. Calls happen on the event loop and must not block for long.
type View interface {
	ShowList(pods []PodSummary)
	ShowSelection(s Selection)
}

// NopView discards every update.
type NopView struct{}

func (NopView) ShowList([]PodSummary)   {}
func (NopView) ShowSelection(Selection) {}

// LogView writes list and selection changes to the log.
type LogView struct{}

func (LogView) ShowList(pods []PodSummary) {
	if len(pods) == 0 {
		logging.Info("no gallery connected")
		return
	}
	for _, p := range pods {
		logging.Info("gallery",
			logging.Uint64("id", uint64(p.ID)),
			logging.String("title", p.Title()),
			logging.Int("images", len(p.Paths)),
			logging.Any("last_modified", p.LastModified))
	}
}

func (LogView) ShowSelection(s Selection) {
	switch s.Status {
	case NoneSelected:
		logging.Info("no gallery selected")
	case InvalidSelection:
		logging.Warn("invalid gallery id", logging.Uint64("id", uint64(s.ID)))
	case Shown:
		ready := 0
		for _, p := range s.Pictures {
			if p.State == Ready {
				ready++
			}
		}
		logging.Info("showing gallery",
			logging.String("title", s.Pod.Title()),
			logging.Int("ready", ready),
			logging.Int("images", len(s.Pictures)))
	}
}

// ExportView writes every ready picture of the selected pod below Dir,
// one directory per pod. A picture is written once per blob.
type ExportView struct {
	LogView
	Dir string

	written map[exportKey]string
}

type exportKey struct {
	id   protocol.PodID
	path string
}

// NewExportView creates an export view rooted at dir.
func NewExportView(dir string) (*ExportView, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create export dir: %w", err)
	}
	return &ExportView{Dir: dir, written: make(map[exportKey]string)}, nil
}

func (v *ExportView) ShowSelection(s Selection) {
	v.LogView.ShowSelection(s)
	if s.Status != Shown {
		return
	}
	for _, p := range s.Pictures {
		if p.State != Ready {
			continue
		}
		key := exportKey{id: p.GalleryID, path: p.Path}
		if v.written[key] == p.Blob {
			continue
		}
		if err := v.write(p); err != nil {
			logging.Warn("export picture failed",
				logging.Uint64("gallery_id", uint64(p.GalleryID)),
				logging.String("path", p.Path),
				logging.Err(err))
			continue
		}
		v.written[key] = p.Blob
	}
}

// Target returns where the picture is written.
func (v *ExportView) Target(p Picture) (string, error) {
	rel := filepath.FromSlash(p.Path)
	if !filepath.IsLocal(rel) {
		return "", fmt.Errorf("path %q escapes the export directory", p.Path)
	}
	return filepath.Join(v.Dir, fmt.Sprintf("pod-%d", p.GalleryID), rel), nil
}

func (v *ExportView) write(p Picture) error {
	target, err := v.Target(p)
	if err != nil {
		return err
	}
	_, data, err := thumbnail.ParseDataURL(p.Blob)
	if err != nil {
		return err
	}

	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create dirs for %s: %w", p.Path, err)
	}
	tmp, err := os.CreateTemp(dir, ".podgallery-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", p.Path, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", p.Path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp for %s: %w", p.Path, err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename temp to %s: %w", p.Path, err)
	}
	return nil
}
