// Package ufs reads blocks that are not cached locally straight from the under file
// system they were loaded from.
package ufs

import (
	"context"
	"fmt"
	"io"

	"github.com/gftdcojp/tiered-block-worker/internal/config"
	"go.uber.org/zap"
)

// UnderFileSystem is a mounted source of truth. Paths are relative to the mount root.
type UnderFileSystem interface {
	// Open returns the object at path positioned at offset.
	Open(ctx context.Context, path string, offset int64) (io.ReadCloser, error)
	Size(ctx context.Context, path string) (int64, error)
	Ping(ctx context.Context) error
	Type() string
}

// NewFromConfig builds the under file system described by a mount entry.
func NewFromConfig(ctx context.Context, mc config.MountConfig, logger *zap.Logger) (UnderFileSystem, error) {
	switch mc.Type {
	case "local":
		return NewLocalUFS(mc.Root)
	case "s3":
		u, err := NewS3UFSFromConfig(ctx, mc.S3, logger)
		if err != nil {
			return nil, fmt.Errorf("creating S3 client for %s: %w", mc.MountPoint, err)
		}
		return u, nil
	case "memory":
		return NewMemoryUFS(), nil
	default:
		return nil, fmt.Errorf("unknown ufs type %q for mount %s", mc.Type, mc.MountPoint)
	}
}
