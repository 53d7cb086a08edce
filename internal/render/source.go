package render

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
)

//go:embed templates/default.yaml
var defaultCatalogYAML []byte

// DefaultCatalog compiles the embedded catalog.
func DefaultCatalog() (*Catalog, error) {
	return ParseCatalog(defaultCatalogYAML)
}

// CatalogSource serves the current catalog and swaps it atomically when the
// override file changes.
type CatalogSource struct {
	base    *Catalog
	path    string
	current atomic.Pointer[Catalog]
	logger  *slog.Logger
}

// NewCatalogSource compiles the embedded catalog and layers the override file
// at path over it. An empty path serves the embedded catalog only.
func NewCatalogSource(path string, logger *slog.Logger) (*CatalogSource, error) {
	base, err := DefaultCatalog()
	if err != nil {
		return nil, err
	}
	s := &CatalogSource{base: base, path: path, logger: logger}
	if err := s.reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Catalog returns the catalog in effect.
func (s *CatalogSource) Catalog() *Catalog {
	return s.current.Load()
}

func (s *CatalogSource) reload() error {
	if s.path == "" {
		s.current.Store(s.base)
		return nil
	}
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		s.current.Store(s.base)
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading template override %s: %w", s.path, err)
	}
	c, err := s.base.Merge(data)
	if err != nil {
		return err
	}
	s.current.Store(c)
	return nil
}

// Watch reloads the override file whenever it is written or recreated, until
// ctx is cancelled. A file that fails to parse leaves the previous catalog in
// effect.
func (s *CatalogSource) Watch(ctx context.Context) error {
	if s.path == "" {
		<-ctx.Done()
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer watcher.Close() //nolint:errcheck

	// Editors replace files on save, so the directory is watched rather than the file.
	dir := filepath.Dir(s.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	target := filepath.Clean(s.path)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Remove) {
				continue
			}
			if err := s.reload(); err != nil {
				s.logger.Error("template reload failed", "path", s.path, "error", err)
				continue
			}
			s.logger.Info("templates reloaded", "path", s.path, "op", event.Op.String())
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Error("fsnotify error", "error", err)
		}
	}
}
