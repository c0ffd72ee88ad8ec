// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package chunkio

import (
	"testing"

	"github.com/nishisan-dev/modelstreamer/internal/streamerr"
)

func coordsOf(b *Batch) []GlobalCoord {
	var out []GlobalCoord
	for _, e := range b.Entries {
		out = append(out, e.Coords...)
	}
	return out
}

func drain(t *testing.T, s *Scheduler) []*Batch {
	t.Helper()
	var batches []*Batch
	for {
		b, ok := s.NextBatch()
		if !ok {
			break
		}
		batches = append(batches, b)
	}
	return batches
}

func TestScheduler_SingleFileUnlimitedBudget(t *testing.T) {
	files := []FileChunks{
		{ID: 1, Path: "a.safetensors", Chunks: []int64{10, 20, 30}},
	}
	s, err := New(files, BudgetUnlimited, 1)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	batches := drain(t, s)
	if len(batches) != 1 {
		t.Fatalf("expected 1 batch, got %d", len(batches))
	}
	coords := coordsOf(batches[0])
	want := []GlobalCoord{{FileID: 1, ChunkIdx: 0}, {FileID: 1, ChunkIdx: 1}, {FileID: 1, ChunkIdx: 2}}
	if len(coords) != len(want) {
		t.Fatalf("got %d coords, want %d", len(coords), len(want))
	}
	for i := range want {
		if coords[i] != want[i] {
			t.Errorf("coord %d = %+v, want %+v", i, coords[i], want[i])
		}
	}
	if batches[0].TotalPaddedBytes != 60 {
		t.Errorf("TotalPaddedBytes = %d, want 60", batches[0].TotalPaddedBytes)
	}
}

func TestScheduler_BudgetForcedSplitting(t *testing.T) {
	files := []FileChunks{
		{ID: 1, Path: "a.safetensors", Chunks: []int64{1, 2, 3, 4}},
	}
	s, err := New(files, 5, 1)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	batches := drain(t, s)
	if len(batches) != 3 {
		t.Fatalf("expected 3 batches, got %d", len(batches))
	}

	expect := [][]int{{0, 1}, {2}, {3}}
	for bi, want := range expect {
		coords := coordsOf(batches[bi])
		if len(coords) != len(want) {
			t.Fatalf("batch %d: got %d chunks, want %d", bi, len(coords), len(want))
		}
		for i, idx := range want {
			if coords[i].ChunkIdx != idx {
				t.Errorf("batch %d chunk %d: idx = %d, want %d", bi, i, coords[i].ChunkIdx, idx)
			}
		}
	}
}

func TestScheduler_EmptyFileList(t *testing.T) {
	s, err := New(nil, BudgetUnlimited, 1)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, ok := s.NextBatch(); ok {
		t.Fatal("expected no batches for empty file list")
	}
}

func TestScheduler_BudgetLargestChunk(t *testing.T) {
	files := []FileChunks{
		{ID: 1, Path: "a.safetensors", Chunks: []int64{4, 9, 2}},
		{ID: 2, Path: "b.safetensors", Chunks: []int64{1, 1}},
	}
	s, err := New(files, BudgetLargestChunk, 1)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if s.Budget() != 9 {
		t.Fatalf("Budget() = %d, want 9 (largest chunk)", s.Budget())
	}

	batches := drain(t, s)
	var total int
	for _, b := range batches {
		total += len(coordsOf(b))
		if b.TotalPaddedBytes > 9 {
			t.Errorf("batch exceeds resolved budget: %d > 9", b.TotalPaddedBytes)
		}
	}
	if total != 5 {
		t.Fatalf("covered %d chunks, want 5", total)
	}
}

func TestScheduler_BudgetTooSmall(t *testing.T) {
	files := []FileChunks{
		{ID: 1, Path: "a.safetensors", Chunks: []int64{100}},
	}
	_, err := New(files, 10, 1)
	if !streamerr.Is(err, streamerr.KindBudgetTooSmall) {
		t.Fatalf("expected BudgetTooSmall, got %v", err)
	}
}

func TestScheduler_InvalidAlignment(t *testing.T) {
	_, err := New(nil, BudgetUnlimited, 0)
	if !streamerr.Is(err, streamerr.KindInvalidInput) {
		t.Fatalf("expected InvalidInput, got %v", err)
	}
}

func TestScheduler_DuplicateFileID(t *testing.T) {
	files := []FileChunks{
		{ID: 1, Chunks: []int64{1}},
		{ID: 1, Chunks: []int64{2}},
	}
	_, err := New(files, BudgetUnlimited, 1)
	if !streamerr.Is(err, streamerr.KindInvalidInput) {
		t.Fatalf("expected InvalidInput for duplicate file id, got %v", err)
	}
}

func TestScheduler_MultiFileOrderAndCoverage(t *testing.T) {
	files := []FileChunks{
		{ID: 1, Chunks: []int64{3, 3}},
		{ID: 2, Chunks: []int64{3, 3}},
	}
	s, err := New(files, 6, 1)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	batches := drain(t, s)
	seen := map[GlobalCoord]bool{}
	var order []GlobalCoord
	for _, b := range batches {
		for _, e := range b.Entries {
			// Each entry's coords must be in strictly increasing chunk
			// order for that file (no reordering within a file).
			for i := 1; i < len(e.Coords); i++ {
				if e.Coords[i].ChunkIdx <= e.Coords[i-1].ChunkIdx {
					t.Errorf("file %d: out-of-order chunks %d then %d", e.File.ID, e.Coords[i-1].ChunkIdx, e.Coords[i].ChunkIdx)
				}
			}
			for _, c := range e.Coords {
				if seen[c] {
					t.Errorf("chunk %+v yielded more than once", c)
				}
				seen[c] = true
				order = append(order, c)
			}
		}
		if b.TotalPaddedBytes > 6 {
			t.Errorf("batch exceeds budget: %d > 6", b.TotalPaddedBytes)
		}
	}

	if len(order) != 4 {
		t.Fatalf("covered %d chunks, want 4", len(order))
	}
	for _, f := range files {
		for i, c := range f.Chunks {
			want := GlobalCoord{FileID: f.ID, ChunkIdx: i}
			if !seen[want] {
				t.Errorf("chunk %+v (size %d) never scheduled", want, c)
			}
		}
	}
}

func TestScheduler_ZeroSizeChunkAdvances(t *testing.T) {
	files := []FileChunks{
		{ID: 1, Chunks: []int64{0, 0, 5}},
	}
	s, err := New(files, 5, 1)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	batches := drain(t, s)
	if len(batches) != 1 {
		t.Fatalf("expected 1 batch (zero-size chunks are free), got %d", len(batches))
	}
	coords := coordsOf(batches[0])
	if len(coords) != 3 {
		t.Fatalf("expected all 3 chunks in one batch, got %d", len(coords))
	}
}

func TestScheduler_BufferStridesDrivePacking(t *testing.T) {
	files := []FileChunks{
		{ID: 1, Chunks: []int64{3, 3}, BufferStrides: []int64{4, 4}},
	}
	// Budget fits the chunk sizes (3+3=6) but not the padded strides (4+4=8).
	s, err := New(files, 6, 1)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	batches := drain(t, s)
	if len(batches) != 2 {
		t.Fatalf("expected strides to force a split into 2 batches, got %d", len(batches))
	}
}

func TestFileChunks_ValidateRejectsShortStride(t *testing.T) {
	f := FileChunks{ID: 1, Chunks: []int64{10}, BufferStrides: []int64{4}}
	if err := f.Validate(); err == nil {
		t.Fatal("expected error for stride smaller than chunk size")
	}
}
