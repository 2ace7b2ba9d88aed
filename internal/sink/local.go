// Package sink provides transfer.Sink implementations that decide
// where a completed inbound transfer is persisted.
package sink

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// LocalSink delivers completed transfers into a directory on disk,
// defaulting to the user's Downloads folder. Writes are atomic:
// payload lands in a temp file in the same directory, then is renamed
// into place, so a reader never observes a partially written file.
type LocalSink struct {
	dir string
}

// NewLocalSink creates dir if it does not already exist.
func NewLocalSink(dir string) (*LocalSink, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating downloads directory: %w", err)
	}
	return &LocalSink{dir: dir}, nil
}

// Store writes data under filename, appending a numeric suffix
// ("name (1).ext", "name (2).ext", ...) if filename already exists.
func (s *LocalSink) Store(filename string, data []byte) error {
	finalPath := s.resolveCollision(filename)

	tmp, err := os.CreateTemp(s.dir, "zmesh-*.part")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("writing payload: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing temp file: %w", err)
	}

	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("renaming temp to final: %w", err)
	}
	return nil
}

func (s *LocalSink) resolveCollision(filename string) string {
	ext := filepath.Ext(filename)
	base := strings.TrimSuffix(filename, ext)

	candidate := filepath.Join(s.dir, filename)
	for n := 1; ; n++ {
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate
		}
		candidate = filepath.Join(s.dir, fmt.Sprintf("%s (%d)%s", base, n, ext))
	}
}
