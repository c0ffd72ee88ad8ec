// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package streamer

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/nishisan-dev/modelstreamer/internal/backend/local"
	"github.com/nishisan-dev/modelstreamer/internal/chunkio"
)

func writeTempFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "weights.bin")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing temp file: %v", err)
	}
	return path
}

func drainRequest(t *testing.T, r *StreamRequest) []Chunk {
	t.Helper()
	ctx := context.Background()
	var out []Chunk
	for {
		c, ok, err := r.Next(ctx)
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if !ok {
			return out
		}
		// Copy: the view is only valid until the next batch runs.
		data := append([]byte(nil), c.Data...)
		out = append(out, Chunk{FileID: c.FileID, ChunkIdx: c.ChunkIdx, Data: data})
	}
}

func TestStreamRequest_SingleFileUnlimitedBudget(t *testing.T) {
	const content = "ABCDEFGHIJKLMNOP"
	path := writeTempFile(t, content)

	files := []chunkio.FileChunks{
		{ID: 1, Path: path, Offset: 0, Chunks: []int64{4, 4, 4, 4}},
	}
	fetcher := local.New()
	req, err := NewStreamRequest(files, chunkio.BudgetUnlimited, 1, fetcher, 2, 0)
	if err != nil {
		t.Fatalf("NewStreamRequest: %v", err)
	}
	defer req.Close(context.Background())

	chunks := drainRequest(t, req)
	if len(chunks) != 4 {
		t.Fatalf("got %d chunks, want 4", len(chunks))
	}
	for _, c := range chunks {
		want := content[c.ChunkIdx*4 : c.ChunkIdx*4+4]
		if string(c.Data) != want {
			t.Errorf("chunk idx %d = %q, want %q", c.ChunkIdx, string(c.Data), want)
		}
	}
}

func TestStreamRequest_BudgetForcesMultipleBatches(t *testing.T) {
	const content = "0123456789"
	path := writeTempFile(t, content)

	files := []chunkio.FileChunks{
		{ID: 1, Path: path, Offset: 0, Chunks: []int64{1, 2, 3, 4}},
	}
	fetcher := local.New()
	req, err := NewStreamRequest(files, 5, 1, fetcher, 1, 0)
	if err != nil {
		t.Fatalf("NewStreamRequest: %v", err)
	}
	defer req.Close(context.Background())

	chunks := drainRequest(t, req)
	if len(chunks) != 4 {
		t.Fatalf("got %d chunks, want 4", len(chunks))
	}
	cursor := 0
	for _, c := range chunks {
		want := content[cursor : cursor+len(c.Data)]
		if string(c.Data) != want {
			t.Errorf("chunk idx %d = %q, want %q", c.ChunkIdx, string(c.Data), want)
		}
		cursor += len(c.Data)
	}
}

func TestStreamRequest_AlignedStridesProducePaddedGaps(t *testing.T) {
	const content = "abcdefgh"
	path := writeTempFile(t, content)

	// Two chunks of 3 bytes each, padded to an 8-byte stride; the
	// padding between them must never leak into a View.
	files := []chunkio.FileChunks{
		{ID: 1, Path: path, Offset: 0, Chunks: []int64{3, 3}, BufferStrides: []int64{8, 8}},
	}
	fetcher := local.New()
	req, err := NewStreamRequest(files, chunkio.BudgetUnlimited, 8, fetcher, 1, 0)
	if err != nil {
		t.Fatalf("NewStreamRequest: %v", err)
	}
	defer req.Close(context.Background())

	chunks := drainRequest(t, req)
	if len(chunks) != 2 {
		t.Fatalf("got %d chunks, want 2", len(chunks))
	}
	if string(chunks[0].Data) != "abc" || string(chunks[1].Data) != "def" {
		t.Fatalf("got %q, %q; want \"abc\", \"def\"", chunks[0].Data, chunks[1].Data)
	}
}
