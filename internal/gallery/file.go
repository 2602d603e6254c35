package gallery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/adrg/xdg"
	"github.com/google/uuid"
)

var _ Store = (*FileStore)(nil)

const relPath = "lumina/gallery.json"

// DefaultPath returns the gallery file under the user data directory.
func DefaultPath() string {
	p, err := xdg.DataFile(relPath)
	if err != nil {
		return filepath.Join(xdg.DataHome, relPath)
	}
	return p
}

// FileStore keeps the gallery in a single JSON file. Every mutation rewrites
// the file through a temporary sibling and a rename. Safe for concurrent use
// within one process.
type FileStore struct {
	path string
	mu   sync.Mutex
}

// NewFileStore returns a FileStore at path, or at [DefaultPath] when path is
// empty. The file is created on first write.
func NewFileStore(path string) *FileStore {
	if path == "" {
		path = DefaultPath()
	}
	return &FileStore{path: path}
}

// Path returns the backing file.
func (s *FileStore) Path() string { return s.path }

// Append inserts item at the front.
func (s *FileStore) Append(_ context.Context, item Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	items, err := s.read()
	if err != nil {
		return err
	}
	return s.write(append([]Item{item}, items...))
}

// Remove deletes the item with the given id.
func (s *FileStore) Remove(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	items, err := s.read()
	if err != nil {
		return err
	}
	kept := items[:0]
	for _, it := range items {
		if it.ID != id {
			kept = append(kept, it)
		}
	}
	if len(kept) == len(items) {
		return ErrNotFound
	}
	return s.write(kept)
}

// Clear removes every item.
func (s *FileStore) Clear(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write([]Item{})
}

// List returns all items, newest first.
func (s *FileStore) List(context.Context) ([]Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read()
}

// Close is a no-op.
func (s *FileStore) Close() error { return nil }

type document struct {
	Items []Item `json:"items"`
}

func (s *FileStore) read() ([]Item, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("gallery: read %s: %w", s.path, err)
	}
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("gallery: parse %s: %w", s.path, err)
	}
	return doc.Items, nil
}

func (s *FileStore) write(items []Item) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("gallery: create data directory: %w", err)
	}
	data, err := json.MarshalIndent(document{Items: items}, "", "  ")
	if err != nil {
		return fmt.Errorf("gallery: encode: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".gallery-*.json")
	if err != nil {
		return fmt.Errorf("gallery: write: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("gallery: write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("gallery: write: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("gallery: write: %w", err)
	}
	return nil
}
