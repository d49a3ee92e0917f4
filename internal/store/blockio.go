package store

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"syscall"

	"github.com/gftdcojp/tiered-block-worker/internal/types"
)

// BlockReader reads a committed block from local storage. It holds a read lock on the
// block until Close, so removal and eviction treat the block as busy.
type BlockReader struct {
	blockID int64
	length  int64
	file    *os.File
	unlock  func() error

	once     sync.Once
	closeErr error
}

// Read reads sequentially from the current position.
func (r *BlockReader) Read(p []byte) (int, error) {
	n, err := r.file.Read(p)
	if err != nil && err != io.EOF {
		return n, types.IOFailure(fmt.Sprintf("reading block %d", r.blockID), err)
	}
	return n, err
}

// ReadAt reads len(p) bytes at an absolute offset within the block.
func (r *BlockReader) ReadAt(p []byte, off int64) (int, error) {
	n, err := r.file.ReadAt(p, off)
	if err != nil && err != io.EOF {
		return n, types.IOFailure(fmt.Sprintf("reading block %d at %d", r.blockID, off), err)
	}
	return n, err
}

// Length is the committed size of the block.
func (r *BlockReader) Length() int64 { return r.length }

func (r *BlockReader) BlockID() int64 { return r.blockID }

// Close releases the file and the block lock. Only the first call has any effect.
func (r *BlockReader) Close() error {
	r.once.Do(func() {
		r.closeErr = errors.Join(r.file.Close(), r.unlock())
	})
	return r.closeErr
}

// BlockWriter appends to a temporary block owned by a session.
type BlockWriter struct {
	sessionID int64
	blockID   int64
	file      *os.File
	position  int64

	once     sync.Once
	closeErr error
}

func (w *BlockWriter) Write(p []byte) (int, error) {
	n, err := w.file.Write(p)
	w.position += int64(n)
	if err != nil {
		return n, types.IOFailure(fmt.Sprintf("writing block %d", w.blockID), err)
	}
	return n, nil
}

// Append is Write under the name used by block clients.
func (w *BlockWriter) Append(p []byte) (int, error) {
	return w.Write(p)
}

// Position is the number of bytes in the block file.
func (w *BlockWriter) Position() int64 { return w.position }

func (w *BlockWriter) BlockID() int64 { return w.blockID }

func (w *BlockWriter) Close() error {
	w.once.Do(func() {
		if err := w.file.Close(); err != nil {
			w.closeErr = types.IOFailure(fmt.Sprintf("closing block %d", w.blockID), err)
		}
	})
	return w.closeErr
}

// copyFile copies src to dst for moves across file systems.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	return out.Close()
}

// moveFile renames src to dst, falling back to copy and delete when they live on
// different devices.
func moveFile(src, dst string) error {
	err := os.Rename(src, dst)
	if err == nil {
		return nil
	}
	if !errors.Is(err, syscall.EXDEV) {
		return err
	}
	if err := copyFile(src, dst); err != nil {
		return err
	}
	return os.Remove(src)
}
