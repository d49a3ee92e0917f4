package ufs

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
)

// MemoryUFS is an in-process under file system, used for tests and ephemeral mounts.
type MemoryUFS struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

func NewMemoryUFS() *MemoryUFS {
	return &MemoryUFS{objects: make(map[string][]byte)}
}

func normalize(path string) string {
	return strings.TrimPrefix(path, "/")
}

// Put stores a copy of data at path, replacing any previous object.
func (m *MemoryUFS) Put(path string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[normalize(path)] = append([]byte(nil), data...)
}

func (m *MemoryUFS) Delete(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, normalize(path))
}

func (m *MemoryUFS) get(path string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.objects[normalize(path)]
	if !ok {
		return nil, fmt.Errorf("%s: %w", path, os.ErrNotExist)
	}
	return data, nil
}

func (m *MemoryUFS) Open(_ context.Context, path string, offset int64) (io.ReadCloser, error) {
	data, err := m.get(path)
	if err != nil {
		return nil, err
	}
	if offset > int64(len(data)) {
		offset = int64(len(data))
	}
	return io.NopCloser(bytes.NewReader(data[offset:])), nil
}

func (m *MemoryUFS) Size(_ context.Context, path string) (int64, error) {
	data, err := m.get(path)
	if err != nil {
		return 0, err
	}
	return int64(len(data)), nil
}

func (m *MemoryUFS) Ping(_ context.Context) error { return nil }

func (m *MemoryUFS) Type() string { return "memory" }
