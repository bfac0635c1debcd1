package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"live-notifier/internal/models"
)

// FileStore keeps each document as an indented JSON file in one directory.
type FileStore struct {
	dir string
}

var _ Store = (*FileStore)(nil)

func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir}
}

func (f *FileStore) LoadSnapshot(_ context.Context) (*models.Snapshot, error) {
	var s models.Snapshot
	found, err := f.read(snapshotDocument, &s)
	if err != nil || !found {
		return nil, err
	}
	return &s, nil
}

func (f *FileStore) SaveSnapshot(_ context.Context, s models.Snapshot) error {
	return f.write(snapshotDocument, s)
}

func (f *FileStore) LoadLease(_ context.Context, platform models.Platform) (*models.CredentialLease, error) {
	var l models.CredentialLease
	found, err := f.read(leaseDocument(platform), &l)
	if err != nil || !found {
		return nil, err
	}
	return &l, nil
}

func (f *FileStore) SaveLease(_ context.Context, platform models.Platform, l models.CredentialLease) error {
	return f.write(leaseDocument(platform), l)
}

func (f *FileStore) path(name string) string {
	return filepath.Join(f.dir, name+".json")
}

func (f *FileStore) read(name string, v any) (bool, error) {
	data, err := os.ReadFile(f.path(name))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read %s: %w", name, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("failed to decode %s: %w", name, err)
	}
	return true, nil
}

// write replaces the file atomically so a crash never leaves half a document.
func (f *FileStore) write(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", name, err)
	}

	if err := os.MkdirAll(f.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}

	tmp, err := os.CreateTemp(f.dir, name+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", name, err)
	}
	if err := os.Rename(tmp.Name(), f.path(name)); err != nil {
		return fmt.Errorf("failed to replace %s: %w", name, err)
	}
	return nil
}
