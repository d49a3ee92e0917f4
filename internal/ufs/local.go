package ufs

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// LocalUFS serves objects from a directory on the local file system.
type LocalUFS struct {
	root string
}

func NewLocalUFS(root string) (*LocalUFS, error) {
	if root == "" {
		return nil, fmt.Errorf("local ufs requires a root directory")
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("creating ufs root %s: %w", root, err)
	}
	return &LocalUFS{root: root}, nil
}

// resolve keeps path inside root.
func (l *LocalUFS) resolve(path string) string {
	return filepath.Join(l.root, filepath.Clean("/"+path))
}

func (l *LocalUFS) Open(_ context.Context, path string, offset int64) (io.ReadCloser, error) {
	f, err := os.Open(l.resolve(path))
	if err != nil {
		return nil, err
	}
	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			f.Close()
			return nil, err
		}
	}
	return f, nil
}

func (l *LocalUFS) Size(_ context.Context, path string) (int64, error) {
	info, err := os.Stat(l.resolve(path))
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func (l *LocalUFS) Ping(_ context.Context) error {
	_, err := os.Stat(l.root)
	return err
}

func (l *LocalUFS) Type() string { return "local" }
