// internal/registry/store.go
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"

	"github.com/spf13/afero"
)

const documentVersion = 1

// Store persists the whole registry as one unit.
type Store interface {
	// Load returns nil, nil when nothing has been stored yet.
	Load() ([]Schedule, error)
	Save([]Schedule) error
}

type document struct {
	Version   int        `json:"version"`
	Schedules []Schedule `json:"schedules"`
}

// FileStore keeps the registry in a single JSON file. Saves go through a
// temporary file in the same directory and a rename, so readers see either
// the old or the new document.
type FileStore struct {
	fs   afero.Fs
	path string
}

func NewFileStore(fsys afero.Fs, path string) *FileStore {
	return &FileStore{fs: fsys, path: path}
}

func (s *FileStore) Path() string { return s.path }

func (s *FileStore) Load() ([]Schedule, error) {
	data, err := afero.ReadFile(s.fs, s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading registry: %w", err)
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing registry %s: %w", s.path, err)
	}
	if doc.Version > documentVersion {
		return nil, fmt.Errorf("registry %s has version %d, newest supported is %d", s.path, doc.Version, documentVersion)
	}
	return doc.Schedules, nil
}

func (s *FileStore) Save(schedules []Schedule) error {
	data, err := json.MarshalIndent(document{Version: documentVersion, Schedules: schedules}, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding registry: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := s.fs.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("creating registry directory: %w", err)
	}
	tmp, err := afero.TempFile(s.fs, dir, "."+filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		s.fs.Remove(tmpName)
		return fmt.Errorf("writing registry: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		s.fs.Remove(tmpName)
		return fmt.Errorf("syncing registry: %w", err)
	}
	if err := tmp.Close(); err != nil {
		s.fs.Remove(tmpName)
		return fmt.Errorf("closing registry: %w", err)
	}
	if err := s.fs.Rename(tmpName, s.path); err != nil {
		s.fs.Remove(tmpName)
		return fmt.Errorf("replacing registry: %w", err)
	}
	return nil
}
