package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// LocalSink writes uploads into a directory on the local filesystem.
type LocalSink struct {
	dir string
}

func NewLocalSink(dir string) (*LocalSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating upload directory: %w", err)
	}
	return &LocalSink{dir: dir}, nil
}

// Put writes data to <dir>/<uuid><ext> and returns that path.
func (s *LocalSink) Put(_ context.Context, filename string, data []byte) (string, error) {
	path := filepath.Join(s.dir, objectName(filename))
	tmp := path + ".part"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("writing upload: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("finalizing upload: %w", err)
	}
	return path, nil
}

// Open opens a path previously returned by Put. References outside the
// upload directory are rejected.
func (s *LocalSink) Open(_ context.Context, ref string) (io.ReadCloser, error) {
	rel, err := filepath.Rel(s.dir, ref)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		return nil, fmt.Errorf("blob reference %q is outside %s", ref, s.dir)
	}
	f, err := os.Open(ref)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	if err != nil {
		return nil, err
	}
	return f, nil
}
