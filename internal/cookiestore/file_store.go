package cookiestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// FileStore keeps the cookie jar in a single JSON file. Writes go through a
// temp file and rename so a crash never leaves a half-written jar behind.
type FileStore struct {
	path string
}

// NewFileStore creates a file-backed store at the given path.
func NewFileStore(path string) (*FileStore, error) {
	if path == "" {
		return nil, fmt.Errorf("cookie file path is required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create cookie dir: %w", err)
		}
	}
	return &FileStore{path: path}, nil
}

func (s *FileStore) Save(_ context.Context, jar Jar) error {
	data, err := json.MarshalIndent(jar, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write cookie file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace cookie file: %w", err)
	}
	return nil
}

func (s *FileStore) Load(_ context.Context) (Jar, bool, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return Jar{}, false, nil
	}
	if err != nil {
		return Jar{}, false, fmt.Errorf("read cookie file: %w", err)
	}
	var jar Jar
	if err := json.Unmarshal(data, &jar); err != nil {
		return Jar{}, false, fmt.Errorf("decode cookie file: %w", err)
	}
	return jar, true, nil
}

func (s *FileStore) Exists(_ context.Context) (bool, error) {
	_, err := os.Stat(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *FileStore) Remove(_ context.Context) error {
	err := os.Remove(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

func (s *FileStore) Close() error {
	return nil
}
