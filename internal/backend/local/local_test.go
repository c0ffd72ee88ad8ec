// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package local

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestFetcher_ReadRangeAndSize(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "weights.bin")
	content := []byte("the quick brown fox jumps over the lazy dog")
	if err := os.WriteFile(path, content, 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	f := New()
	defer f.Close()

	size, err := f.Size(context.Background(), path)
	if err != nil {
		t.Fatalf("Size: %v", err)
	}
	if size != int64(len(content)) {
		t.Fatalf("Size = %d, want %d", size, len(content))
	}

	dst := make([]byte, 5)
	if err := f.ReadRange(context.Background(), path, 4, dst); err != nil {
		t.Fatalf("ReadRange: %v", err)
	}
	if string(dst) != "quick" {
		t.Fatalf("ReadRange = %q, want %q", dst, "quick")
	}
}

func TestFetcher_ReadRangeOutOfBounds(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "small.bin")
	if err := os.WriteFile(path, []byte("abc"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	f := New()
	defer f.Close()

	dst := make([]byte, 10)
	if err := f.ReadRange(context.Background(), path, 0, dst); err == nil {
		t.Fatal("expected short-read error")
	}
}

func TestFetcher_MissingFile(t *testing.T) {
	f := New()
	defer f.Close()

	if _, err := f.Size(context.Background(), "/nonexistent/path.bin"); err == nil {
		t.Fatal("expected error for missing file")
	}
}
