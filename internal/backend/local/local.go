// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package local implements byterange.Fetcher over the host filesystem
// for paths with no backend:// prefix.
package local

import (
	"context"
	"fmt"
	"os"
	"sync"
)

// Fetcher reads byte ranges directly from os.File handles, keeping
// one open *os.File per path for the lifetime of the Fetcher to avoid
// repeated open/close overhead across many small ranged reads.
type Fetcher struct {
	mu    sync.Mutex
	files map[string]*os.File
}

// New returns a Fetcher with no files open yet.
func New() *Fetcher {
	return &Fetcher{files: make(map[string]*os.File)}
}

func (f *Fetcher) open(path string) (*os.File, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if fh, ok := f.files[path]; ok {
		return fh, nil
	}
	fh, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	f.files[path] = fh
	return fh, nil
}

// ReadRange implements byterange.Fetcher.
func (f *Fetcher) ReadRange(ctx context.Context, path string, offset int64, dst []byte) error {
	fh, err := f.open(path)
	if err != nil {
		return fmt.Errorf("opening %s: %w", path, err)
	}
	n, err := fh.ReadAt(dst, offset)
	if err != nil {
		return fmt.Errorf("reading %s at offset %d (%d bytes): %w", path, offset, len(dst), err)
	}
	if n != len(dst) {
		return fmt.Errorf("short read on %s at offset %d: got %d, want %d", path, offset, n, len(dst))
	}
	return nil
}

// Size implements byterange.Fetcher.
func (f *Fetcher) Size(ctx context.Context, path string) (int64, error) {
	fh, err := f.open(path)
	if err != nil {
		return 0, fmt.Errorf("opening %s: %w", path, err)
	}
	info, err := fh.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat %s: %w", path, err)
	}
	return info.Size(), nil
}

// Close closes every file handle opened by this Fetcher.
func (f *Fetcher) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	var firstErr error
	for path, fh := range f.files {
		if err := fh.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("closing %s: %w", path, err)
		}
	}
	f.files = make(map[string]*os.File)
	return firstErr
}
