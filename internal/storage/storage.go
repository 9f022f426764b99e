// Package storage provides the file-backed key/value store behind thread
// bindings, preferences and the emitted-part index.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

var (
	ErrNotFound = errors.New("not found")
)

// Storage stores JSON documents under a base directory, one file per key path.
type Storage struct {
	basePath string
	mu       sync.Mutex
	locks    map[string]*FileLock
}

// New creates a new Storage instance.
func New(basePath string) *Storage {
	return &Storage{
		basePath: basePath,
		locks:    make(map[string]*FileLock),
	}
}

func (s *Storage) pathToFile(path []string) string {
	return filepath.Join(append([]string{s.basePath}, escape(path)...)...) + ".json"
}

func (s *Storage) pathToDir(path []string) string {
	return filepath.Join(append([]string{s.basePath}, escape(path)...)...)
}

// escape keeps thread ids such as "guild/channel" from creating nested directories.
func escape(path []string) []string {
	out := make([]string, len(path))
	for i, p := range path {
		out[i] = strings.NewReplacer("/", "%2F", "\\", "%5C", "..", "%2E%2E").Replace(p)
	}
	return out
}

func unescape(name string) string {
	return strings.NewReplacer("%2F", "/", "%5C", "\\", "%2E%2E", "..").Replace(name)
}

// Get retrieves a value from storage.
func (s *Storage) Get(ctx context.Context, path []string, v any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := os.ReadFile(s.pathToFile(path))
	if err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to read file: %w", err)
	}

	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to unmarshal: %w", err)
	}
	return nil
}

// Put stores a value in storage with file locking.
func (s *Storage) Put(ctx context.Context, path []string, v any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	filePath := s.pathToFile(path)
	lock, err := s.lockFor(filePath)
	if err != nil {
		return err
	}
	defer lock.Unlock()

	return writeAtomic(filePath, v)
}

// Update runs a read-modify-write cycle under the key's lock.
// fn receives the current raw value, or nil when the key does not exist,
// and returns the value to store.
func (s *Storage) Update(ctx context.Context, path []string, fn func(current json.RawMessage) (any, error)) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	filePath := s.pathToFile(path)
	lock, err := s.lockFor(filePath)
	if err != nil {
		return err
	}
	defer lock.Unlock()

	current, err := os.ReadFile(filePath)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to read file: %w", err)
	}

	next, err := fn(current)
	if err != nil {
		return err
	}
	return writeAtomic(filePath, next)
}

func (s *Storage) lockFor(filePath string) (*FileLock, error) {
	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}
	lock := s.getLock(filePath)
	if err := lock.Lock(); err != nil {
		return nil, fmt.Errorf("failed to acquire lock: %w", err)
	}
	return lock, nil
}

// writeAtomic writes to a temp file and renames it over the target.
func writeAtomic(filePath string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal: %w", err)
	}

	tmpPath := filePath + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tmpPath, filePath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename file: %w", err)
	}
	return nil
}

// Delete removes a value from storage. Deleting a missing key is not an error.
func (s *Storage) Delete(ctx context.Context, path []string) error {
	filePath := s.pathToFile(path)

	lock := s.getLock(filePath)
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	defer lock.Unlock()

	if err := os.Remove(filePath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete file: %w", err)
	}
	return nil
}

// List returns the keys directly under a path.
func (s *Storage) List(ctx context.Context, path []string) ([]string, error) {
	entries, err := os.ReadDir(s.pathToDir(path))
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to read directory: %w", err)
	}

	items := []string{}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() {
			items = append(items, unescape(name))
		} else if strings.HasSuffix(name, ".json") {
			items = append(items, unescape(strings.TrimSuffix(name, ".json")))
		}
	}
	return items, nil
}

// Scan calls fn for every document directly under a path.
// Unreadable files are skipped.
func (s *Storage) Scan(ctx context.Context, path []string, fn func(key string, data json.RawMessage) error) error {
	dirPath := s.pathToDir(path)

	entries, err := os.ReadDir(dirPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read directory: %w", err)
	}

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		data, err := os.ReadFile(filepath.Join(dirPath, name))
		if err != nil {
			continue
		}
		if err := fn(unescape(strings.TrimSuffix(name, ".json")), json.RawMessage(data)); err != nil {
			return err
		}
	}
	return nil
}

// Exists checks if a key exists.
func (s *Storage) Exists(ctx context.Context, path []string) bool {
	_, err := os.Stat(s.pathToFile(path))
	return err == nil
}

func (s *Storage) getLock(filePath string) *FileLock {
	s.mu.Lock()
	defer s.mu.Unlock()

	lock, ok := s.locks[filePath]
	if !ok {
		lock = NewFileLock(filePath)
		s.locks[filePath] = lock
	}
	return lock
}
