// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package chunkio

import (
	"github.com/nishisan-dev/modelstreamer/internal/streamerr"
)

// Budget special values, mirrored from config.MemoryLimit* for callers
// that construct a Scheduler directly without going through config.
const (
	BudgetLargestChunk int64 = 0
	BudgetUnlimited    int64 = -1
)

// GlobalCoord is a (file, chunk) pair in the caller's original index
// space, as produced by a batch entry.
type GlobalCoord struct {
	FileID   FileID
	ChunkIdx int
}

// BatchEntry is one file's contiguous chunk sub-range within a batch, in
// original order, together with the global coordinates each batch-local
// chunk slot maps back to.
type BatchEntry struct {
	File FileChunks
	// FirstChunkIdx is the index, within File.Chunks, of the first chunk
	// in this entry (batches never reorder a file's chunks).
	FirstChunkIdx int
	// Coords[i] is the global coordinate of batch-local chunk i within
	// this entry, i.e. FileID is File.ID and ChunkIdx is
	// FirstChunkIdx+i.
	Coords []GlobalCoord
}

// Batch is an ordered list of file entries whose combined padded
// footprint fits within the scheduler's budget.
type Batch struct {
	Entries          []BatchEntry
	TotalPaddedBytes int64
}

// fileCursor tracks how far a Scheduler has progressed through one
// FileChunks' chunk list.
type fileCursor struct {
	file FileChunks
	next int // next chunk index to emit
}

// Scheduler is the single-threaded, synchronous, FIFO chunk scheduler
// from spec §4.1. It performs no I/O and fails only at construction:
// BudgetTooSmall, or InvalidInput for a bad alignment, budget or file
// list.
type Scheduler struct {
	budget    int64 // resolved effective cap; BudgetUnlimited means no cap
	alignment int64
	queue     []*fileCursor
}

// New resolves budget against the largest padded chunk across files and
// builds the FIFO of per-file cursors. budget follows spec §4.1: -1
// unlimited, 0 largest-single-chunk, positive a hard byte cap. alignment
// must be >= 1.
func New(files []FileChunks, budget int64, alignment int64) (*Scheduler, error) {
	if alignment < 1 {
		return nil, streamerr.New(streamerr.KindInvalidInput, "alignment must be >= 1, got %d", alignment)
	}

	seen := make(map[FileID]struct{}, len(files))
	for _, f := range files {
		if err := f.Validate(); err != nil {
			return nil, streamerr.Wrap(streamerr.KindInvalidInput, err, "invalid file %d", f.ID)
		}
		if _, dup := seen[f.ID]; dup {
			return nil, streamerr.New(streamerr.KindInvalidInput, "duplicate file id %d", f.ID)
		}
		seen[f.ID] = struct{}{}
	}

	largest := largestStride(files, alignment)

	var effective int64
	switch {
	case budget == BudgetUnlimited:
		effective = BudgetUnlimited
	case budget == BudgetLargestChunk:
		effective = largest
	case budget > 0:
		if largest > budget {
			return nil, streamerr.New(streamerr.KindBudgetTooSmall,
				"budget %d is smaller than the largest padded chunk %d", budget, largest)
		}
		effective = budget
	default:
		return nil, streamerr.New(streamerr.KindInvalidInput, "invalid budget %d", budget)
	}

	queue := make([]*fileCursor, 0, len(files))
	for _, f := range files {
		queue = append(queue, &fileCursor{file: f})
	}

	return &Scheduler{budget: effective, alignment: alignment, queue: queue}, nil
}

// Budget returns the resolved effective byte cap (BudgetUnlimited if none).
func (s *Scheduler) Budget() int64 { return s.budget }

// NextBatch walks the FIFO of per-file cursors, greedily packing chunks
// into one batch while the running padded footprint stays within budget.
// It never splits a single chunk across batches and never reorders a
// file's chunks: once a chunk would overflow the budget, the whole batch
// stops there, leaving the current file at the head of the FIFO for the
// next call. Returns (nil, false) once every cursor is drained.
func (s *Scheduler) NextBatch() (*Batch, bool) {
	batch := &Batch{}
	var running int64

	for len(s.queue) > 0 {
		cur := s.queue[0]

		if cur.next >= len(cur.file.Chunks) {
			s.queue = s.queue[1:]
			continue
		}

		stride := cur.file.stride(cur.next, s.alignment)
		if s.budget != BudgetUnlimited && running+stride > s.budget {
			break
		}

		if len(batch.Entries) == 0 || batch.Entries[len(batch.Entries)-1].File.ID != cur.file.ID {
			batch.Entries = append(batch.Entries, BatchEntry{File: cur.file, FirstChunkIdx: cur.next})
		}
		entry := &batch.Entries[len(batch.Entries)-1]
		entry.Coords = append(entry.Coords, GlobalCoord{FileID: cur.file.ID, ChunkIdx: cur.next})
		running += stride
		cur.next++

		if cur.next >= len(cur.file.Chunks) {
			s.queue = s.queue[1:]
		}
	}

	if len(batch.Entries) == 0 {
		return nil, false
	}
	batch.TotalPaddedBytes = running
	return batch, true
}

// GlobalCoords is a deterministic lookup from a batch's (file slot, chunk
// slot) back to the caller's (file_id, global_chunk_idx) space.
func GlobalCoords(batch *Batch, fileSlot, chunkSlot int) (FileID, int, bool) {
	if fileSlot < 0 || fileSlot >= len(batch.Entries) {
		return 0, 0, false
	}
	entry := batch.Entries[fileSlot]
	if chunkSlot < 0 || chunkSlot >= len(entry.Coords) {
		return 0, 0, false
	}
	c := entry.Coords[chunkSlot]
	return c.FileID, c.ChunkIdx, true
}
