package site

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// FileRepository stores the document as an indented JSON file.
type FileRepository struct {
	mu          sync.RWMutex
	path        string
	examplePath string
}

// OpenFileRepository returns a repository backed by path. When path does not
// exist it is seeded from examplePath if that file exists, otherwise with an
// empty document.
func OpenFileRepository(path, examplePath string) (*FileRepository, error) {
	r := &FileRepository{path: path, examplePath: examplePath}
	if err := r.bootstrap(); err != nil {
		return nil, err
	}
	return r, nil
}

// Path returns the location of the configuration file.
func (r *FileRepository) Path() string {
	return r.path
}

func (r *FileRepository) bootstrap() error {
	if _, err := os.Stat(r.path); err == nil {
		return nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("stat config file %s: %w", r.path, err)
	}

	if r.examplePath != "" {
		example, err := os.ReadFile(r.examplePath)
		if err == nil {
			var doc Document
			if err := json.Unmarshal(example, &doc); err != nil {
				return fmt.Errorf("parse example config %s: %w", r.examplePath, err)
			}
			return r.write(example)
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("read example config %s: %w", r.examplePath, err)
		}
	}

	empty := &Document{Sites: []Site{}, TokenRefreshInterval: DefaultTokenRefreshMinutes}
	data, err := json.MarshalIndent(empty, "", "  ")
	if err != nil {
		return fmt.Errorf("encode empty config: %w", err)
	}
	return r.write(data)
}

// Load reads the document from disk.
func (r *FileRepository) Load(_ context.Context) (*Document, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	data, err := os.ReadFile(r.path)
	if err != nil {
		return nil, fmt.Errorf("read config file %s: %w", r.path, err)
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", r.path, err)
	}
	if doc.Sites == nil {
		doc.Sites = []Site{}
	}
	return &doc, nil
}

// Save replaces the file contents with doc.
func (r *FileRepository) Save(_ context.Context, doc *Document) error {
	if doc == nil {
		return fmt.Errorf("document is required")
	}
	out := doc.Clone()
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.write(data)
}

// write replaces the file atomically through a temp file in the same
// directory. The file holds upstream passwords, hence 0600.
func (r *FileRepository) write(data []byte) error {
	dir := filepath.Dir(r.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create config directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".sites-*.json")
	if err != nil {
		return fmt.Errorf("create temp config file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp config file: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod temp config file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp config file: %w", err)
	}
	if err := os.Rename(tmpName, r.path); err != nil {
		return fmt.Errorf("replace config file %s: %w", r.path, err)
	}
	return nil
}
