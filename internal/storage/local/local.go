// Package local provides a local directory share source.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/podgallery/podgallery/internal/storage"
)

// Config holds local directory source settings.
type Config struct {
	RootPath string `yaml:"root_path"`
}

// Source implements storage.Source over a directory tree.
type Source struct {
	rootPath string
}

// New creates a local source rooted at cfg.RootPath.
func New(cfg Config) (*Source, error) {
	if cfg.RootPath == "" {
		return nil, fmt.Errorf("root_path is required")
	}

	info, err := os.Stat(cfg.RootPath)
	if err != nil {
		return nil, fmt.Errorf("stat root path %s: %w", cfg.RootPath, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("root path %s is not a directory", cfg.RootPath)
	}

	return &Source{rootPath: cfg.RootPath}, nil
}

// Root returns the directory the source serves.
func (s *Source) Root() string { return s.rootPath }

// List walks the directory, skipping hidden entries.
func (s *Source) List(ctx context.Context) ([]storage.File, error) {
	var files []storage.File
	err := filepath.WalkDir(s.rootPath, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if p != s.rootPath && strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return nil
		}
		rel, err := filepath.Rel(s.rootPath, p)
		if err != nil {
			return err
		}
		name := filepath.ToSlash(rel)
		files = append(files, storage.File{
			Name:        name,
			ContentType: storage.ContentTypeFor(name),
			Size:        info.Size(),
			ModTime:     info.ModTime(),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", s.rootPath, err)
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	return files, nil
}

// Stat describes a single file by name.
func (s *Source) Stat(name string) (storage.File, error) {
	p, err := s.fullPath(name)
	if err != nil {
		return storage.File{}, err
	}
	info, err := os.Stat(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return storage.File{}, fmt.Errorf("stat %s: %w", name, storage.ErrNotFound)
		}
		return storage.File{}, fmt.Errorf("stat %s: %w", name, err)
	}
	if !info.Mode().IsRegular() {
		return storage.File{}, fmt.Errorf("stat %s: not a regular file", name)
	}
	return storage.File{
		Name:        name,
		ContentType: storage.ContentTypeFor(name),
		Size:        info.Size(),
		ModTime:     info.ModTime(),
	}, nil
}

// Open opens a file below the root. Names escaping the root are rejected.
func (s *Source) Open(_ context.Context, name string) (io.ReadCloser, error) {
	p, err := s.fullPath(name)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("open %s: %w", name, storage.ErrNotFound)
		}
		return nil, fmt.Errorf("open %s: %w", name, err)
	}
	return f, nil
}

// Name maps an absolute path below the root to a source name.
func (s *Source) Name(absPath string) (string, bool) {
	rel, err := filepath.Rel(s.rootPath, absPath)
	if err != nil || !filepath.IsLocal(rel) {
		return "", false
	}
	return filepath.ToSlash(rel), true
}

// Type returns "local".
func (s *Source) Type() string { return "local" }

func (s *Source) fullPath(name string) (string, error) {
	rel := filepath.FromSlash(name)
	if !filepath.IsLocal(rel) {
		return "", fmt.Errorf("open %s: path escapes share root", name)
	}
	return filepath.Join(s.rootPath, rel), nil
}
