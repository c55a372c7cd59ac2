package storage

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/eatyourpeas/checktick-sub000/interfaces"
)

// FileStore implements a secret store on the local file system, one JSON
// file per path. Intended for air-gapped recovery drills and local
// development, not production key storage.
type FileStore struct {
	baseDir string
	log     *slog.Logger
}

// NewFileStore creates a file-backed secret store rooted at baseDir,
// creating the directory if needed.
func NewFileStore(baseDir string, log *slog.Logger) (*FileStore, error) {
	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}

	return &FileStore{baseDir: baseDir, log: log}, nil
}

// Get retrieves the JSON document at path. Returns ErrKeyNotFound if the
// file does not exist.
func (s *FileStore) Get(ctx context.Context, path string) ([]byte, error) {
	filePath, err := s.filePath(path)
	if err != nil {
		return nil, err
	}

	doc, err := os.ReadFile(filePath)
	if os.IsNotExist(err) {
		return nil, interfaces.ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrStoreUnavailable, err)
	}

	s.log.Debug("Fetched secret from file",
		slog.String("path", path),
		slog.Int("size", len(doc)))
	return doc, nil
}

// Put writes the JSON document at path with owner-only permissions.
func (s *FileStore) Put(ctx context.Context, path string, doc []byte) error {
	filePath, err := s.filePath(path)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(filePath), 0700); err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrStoreUnavailable, err)
	}

	if err := os.WriteFile(filePath, doc, 0600); err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrStoreUnavailable, err)
	}

	s.log.Debug("Stored secret in file", slog.String("path", path))
	return nil
}

// Delete removes the file at path. Deleting an absent path is not an error.
func (s *FileStore) Delete(ctx context.Context, path string) error {
	filePath, err := s.filePath(path)
	if err != nil {
		return err
	}

	if err := os.Remove(filePath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: %v", interfaces.ErrStoreUnavailable, err)
	}

	s.log.Debug("Deleted secret file", slog.String("path", path))
	return nil
}

// Available checks that the base directory exists.
func (s *FileStore) Available(ctx context.Context) bool {
	_, err := os.Stat(s.baseDir)
	if err != nil {
		s.log.Debug("File store unavailable", "err", err)
		return false
	}
	return true
}

// Name returns a unique identifier for this store.
func (s *FileStore) Name() string {
	return fmt.Sprintf("file-%s", filepath.Base(s.baseDir))
}

// filePath maps a logical secret path onto the base directory, refusing
// anything that would escape it.
func (s *FileStore) filePath(path string) (string, error) {
	clean := filepath.Clean(path)
	if strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", fmt.Errorf("invalid secret path: %s", path)
	}
	return filepath.Join(s.baseDir, clean+".json"), nil
}
