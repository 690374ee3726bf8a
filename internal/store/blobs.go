package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// BlobStore is a file-backed blob bucket. Names use forward slashes and map
// to files under the root directory.
type BlobStore struct {
	root string
}

// NewBlobStore opens (and creates if needed) a bucket rooted at dir.
func NewBlobStore(dir string) (*BlobStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("blob root %s: %w", dir, err)
	}
	return &BlobStore{root: dir}, nil
}

// DayPath builds the {year}/{month:02}/{day:02}/{name} convention used for
// daily location blobs.
func DayPath(date time.Time, name string) string {
	return fmt.Sprintf("%04d/%02d/%02d/%s", date.Year(), int(date.Month()), date.Day(), name)
}

func (s *BlobStore) path(name string) (string, error) {
	if name == "" || strings.Contains(name, "..") || strings.HasPrefix(name, "/") {
		return "", fmt.Errorf("invalid blob name %q", name)
	}
	return filepath.Join(s.root, filepath.FromSlash(name)), nil
}

// Get returns the blob's contents and whether it exists.
func (s *BlobStore) Get(name string) ([]byte, bool, error) {
	p, err := s.path(name)
	if err != nil {
		return nil, false, err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

// Put writes the blob, replacing any previous contents. The write goes
// through a temp file so a crashed run never leaves a torn blob behind.
func (s *BlobStore) Put(name string, data []byte) error {
	p, err := s.path(name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(p), ".blob-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), p)
}

// Delete removes the blob. Deleting a missing blob is not an error.
func (s *BlobStore) Delete(name string) error {
	p, err := s.path(name)
	if err != nil {
		return err
	}
	err = os.Remove(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// List returns the sorted names of all blobs under prefix.
func (s *BlobStore) List(prefix string) ([]string, error) {
	base := s.root
	if prefix != "" {
		p, err := s.path(strings.TrimSuffix(prefix, "/"))
		if err != nil {
			return nil, err
		}
		base = p
	}

	var names []string
	walkErr := filepath.WalkDir(base, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".blob-") {
			return nil
		}
		rel, err := filepath.Rel(s.root, p)
		if err != nil {
			return err
		}
		names = append(names, filepath.ToSlash(rel))
		return nil
	})
	if walkErr != nil {
		return nil, walkErr
	}
	sort.Strings(names)
	return names, nil
}

// GetJSON decodes a JSON blob into v, reporting whether it exists.
func (s *BlobStore) GetJSON(name string, v any) (bool, error) {
	data, ok, err := s.Get(name)
	if err != nil || !ok {
		return ok, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return true, fmt.Errorf("blob %s: %w", name, err)
	}
	return true, nil
}

// PutJSON writes v as an indented JSON blob.
func (s *BlobStore) PutJSON(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return s.Put(name, data)
}
