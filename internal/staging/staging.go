package staging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// Upload is one incoming file to be staged.
type Upload struct {
	Filename string
	Content  io.Reader
}

// Store writes request uploads into temp files for the duration of one
// pipeline run. Files are request-scoped: staged before the run and
// unstaged on every exit path.
type Store struct {
	dir         string
	maxFileSize int64
	allowedExts map[string]struct{}
	log         *slog.Logger
}

// New creates a staging store rooted at dir.
func New(dir string, maxFileSize int64, allowedExts []string, log *slog.Logger) (*Store, error) {
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create staging directory: %w", err)
	}

	exts := make(map[string]struct{}, len(allowedExts))
	for _, e := range allowedExts {
		exts[strings.ToLower(e)] = struct{}{}
	}

	return &Store{dir: dir, maxFileSize: maxFileSize, allowedExts: exts, log: log}, nil
}

// Dir returns the staging root.
func (s *Store) Dir() string { return s.dir }

// Stage writes each upload to a temp file and returns the paths in
// input order. On any error the files written so far are removed.
func (s *Store) Stage(uploads []Upload) ([]string, error) {
	staged := make([]string, 0, len(uploads))

	for i, up := range uploads {
		path, err := s.stageOne(up, i)
		if err != nil {
			s.Unstage(staged)
			return nil, err
		}
		staged = append(staged, path)
	}

	s.log.Debug("uploads staged", "count", len(staged), "dir", s.dir)
	return staged, nil
}

func (s *Store) stageOne(up Upload, index int) (string, error) {
	f, err := os.CreateTemp(s.dir, "upload-*"+s.extFor(up.Filename))
	if err != nil {
		return "", fmt.Errorf("failed to create staging file: %w", err)
	}

	// Read one byte past the limit so oversize uploads are detected
	// without buffering the whole file first.
	n, err := io.Copy(f, io.LimitReader(up.Content, s.maxFileSize+1))
	closeErr := f.Close()
	if err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("failed to stage upload %d: %w", index, err)
	}
	if closeErr != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("failed to stage upload %d: %w", index, closeErr)
	}
	if n > s.maxFileSize {
		os.Remove(f.Name())
		return "", fmt.Errorf("file %q exceeds the %d byte size limit", up.Filename, s.maxFileSize)
	}

	return f.Name(), nil
}

// Unstage removes staged files. Individual deletion failures are
// logged, never raised.
func (s *Store) Unstage(paths []string) {
	removed := 0
	for _, path := range paths {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			s.log.Warn("failed to remove staged file", "path", path, "error", err)
			continue
		}
		removed++
	}
	s.log.Debug("staged files removed", "count", removed)
}

// extFor maps an upload filename to a safe staging extension.
func (s *Store) extFor(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	if _, ok := s.allowedExts[ext]; ok {
		return ext
	}
	return ".jpg"
}
