package sources

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Togather-Foundation/harvester/internal/domain/harvest"
)

// FileStore is a harvest.Repository backed by a directory of YAML files,
// one per source. Watermark updates rewrite the source's file.
type FileStore struct {
	dir string

	mu    sync.Mutex
	paths map[string]string // source name -> file
}

var _ harvest.Repository = (*FileStore)(nil)

// NewFileStore indexes the YAML files in dir. Invalid files fail the load.
func NewFileStore(dir string) (*FileStore, error) {
	s := &FileStore{dir: dir, paths: make(map[string]string)}
	files, err := configFiles(dir)
	if err != nil {
		return nil, err
	}
	for _, path := range files {
		cfg, err := LoadSourceConfig(path)
		if err != nil {
			return nil, err
		}
		if prev, dup := s.paths[cfg.Name]; dup {
			return nil, fmt.Errorf("source %q defined in both %s and %s", cfg.Name, prev, path)
		}
		s.paths[cfg.Name] = path
	}
	return s, nil
}

func (s *FileStore) GetByName(_ context.Context, name string) (*harvest.Source, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, err := s.read(name)
	if err != nil {
		return nil, err
	}
	src := cfg.toSource()
	return &src, nil
}

func (s *FileStore) List(_ context.Context, enabled *bool) ([]harvest.Source, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.paths))
	for name := range s.paths {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]harvest.Source, 0, len(names))
	for _, name := range names {
		cfg, err := s.read(name)
		if err != nil {
			return nil, err
		}
		if enabled != nil && cfg.Enabled != *enabled {
			continue
		}
		out = append(out, cfg.toSource())
	}
	return out, nil
}

func (s *FileStore) Upsert(_ context.Context, params harvest.UpsertParams) (*harvest.Source, error) {
	cfg := SourceConfig{
		Name:           strings.TrimSpace(params.Name),
		BaseURL:        params.BaseURL,
		MetadataPrefix: params.MetadataPrefix,
		Sets:           params.SetSpecs,
		Granularity:    params.Granularity,
		Workflow:       params.Workflow,
		Enabled:        params.Enabled,
		LastRun:        params.LastRun,
		Notes:          params.Notes,
	}
	if cfg.MetadataPrefix == "" {
		cfg.MetadataPrefix = harvest.DefaultMetadataPrefix
	}
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	path, ok := s.paths[cfg.Name]
	if !ok {
		if err := os.MkdirAll(s.dir, 0o755); err != nil {
			return nil, fmt.Errorf("create source dir: %w", err)
		}
		path = filepath.Join(s.dir, cfg.Name+".yaml")
	} else if cfg.LastRun == nil {
		// Keep the stored watermark unless the caller sets one.
		if prev, err := loadFile(path); err == nil {
			cfg.LastRun = prev.LastRun
		}
	}
	if err := WriteSourceConfig(path, cfg); err != nil {
		return nil, err
	}
	s.paths[cfg.Name] = path
	src := cfg.toSource()
	return &src, nil
}

func (s *FileStore) UpdateLastRun(_ context.Context, name string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, err := s.read(name)
	if err != nil {
		return err
	}
	at = at.UTC()
	cfg.LastRun = &at
	return WriteSourceConfig(s.paths[name], cfg)
}

func (s *FileStore) Delete(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	path, ok := s.paths[name]
	if !ok {
		return harvest.ErrNotFound
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete source %q: %w", name, err)
	}
	delete(s.paths, name)
	return nil
}

// read loads the current file contents; callers hold s.mu.
func (s *FileStore) read(name string) (SourceConfig, error) {
	path, ok := s.paths[name]
	if !ok {
		return SourceConfig{}, harvest.ErrNotFound
	}
	cfg, err := loadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return SourceConfig{}, harvest.ErrNotFound
		}
		return SourceConfig{}, fmt.Errorf("loading %s: %w", path, err)
	}
	return cfg, nil
}
