// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package streamer wires ChunkScheduler, StagingBuffer, the ByteRangeFetcher
// worker pool, and the DistributedEngine into the two call paths
// stream_files exposes: the single-peer StreamRequest pipeline of spec
// §4.5, and the top-level Streamer façade that picks between it and the
// distributed path per the gating rule in §5.
package streamer

import (
	"context"

	"github.com/nishisan-dev/modelstreamer/internal/byterange"
	"github.com/nishisan-dev/modelstreamer/internal/chunkio"
	"github.com/nishisan-dev/modelstreamer/internal/stagingbuf"
	"github.com/nishisan-dev/modelstreamer/internal/streamerr"
)

// Chunk is one piece of tensor payload handed to the caller, tagged with
// its original (file_id, chunk_idx) coordinates. The backing array is
// owned by the iterator that produced it and must not be retained past
// the next call to Next.
type Chunk struct {
	FileID   chunkio.FileID
	ChunkIdx int
	Data     []byte
}

// Iterator is the lazy sequence stream_files exposes to callers: one
// tensor chunk per Next call, blocking as needed (spec §5 suspension
// points).
type Iterator interface {
	Next(ctx context.Context) (Chunk, bool, error)
	Close(ctx context.Context) error
}

// StreamRequest is the single-peer pipeline: it iterates ChunkScheduler
// batches, issues one byte-range fetch per chunk (fanned out across the
// worker pool) into the staging buffer, and yields each chunk as an
// unpadded view into that buffer once its whole batch has landed.
type StreamRequest struct {
	sched *chunkio.Scheduler
	buf   *stagingbuf.Buffer
	pool  *byterange.Pool

	pending []Chunk
	idx     int
	done    bool
}

// NewStreamRequest builds a StreamRequest over files, with a staging
// buffer sized to the scheduler's resolved budget (or the files' total
// padded byte count when that is smaller or the budget is unlimited) and
// a worker pool fanning
// fetches out across workers goroutines, optionally throttled to
// bytesPerSec (0 disables throttling).
func NewStreamRequest(files []chunkio.FileChunks, memoryLimit, alignment int64, fetcher byterange.Fetcher, workers int, bytesPerSec int64) (*StreamRequest, error) {
	sched, err := chunkio.New(files, memoryLimit, alignment)
	if err != nil {
		return nil, err
	}

	capacity := sched.Budget()
	if total := totalPaddedBytes(files, alignment); capacity == chunkio.BudgetUnlimited || capacity > total {
		capacity = total
	}
	buf, err := stagingbuf.New(capacity, alignment)
	if err != nil {
		return nil, err
	}

	pool := byterange.NewPool(fetcher, workers, bytesPerSec)

	return &StreamRequest{sched: sched, buf: buf, pool: pool}, nil
}

func totalPaddedBytes(files []chunkio.FileChunks, alignment int64) int64 {
	var total int64
	for _, f := range files {
		for i, c := range f.Chunks {
			if f.BufferStrides != nil {
				total += f.BufferStrides[i]
			} else {
				total += stagingbuf.RoundUp(c, alignment)
			}
		}
	}
	return total
}

// Next returns the next chunk in scheduler-batch order, running the next
// batch's fetches and blocking for them to land whenever the current
// batch is exhausted. ok is false once every file is drained.
func (r *StreamRequest) Next(ctx context.Context) (Chunk, bool, error) {
	for r.idx >= len(r.pending) {
		if r.done {
			return Chunk{}, false, nil
		}
		batch, ok := r.sched.NextBatch()
		if !ok {
			r.done = true
			return Chunk{}, false, nil
		}
		if err := r.runBatch(ctx, batch); err != nil {
			r.done = true
			return Chunk{}, false, err
		}
		r.idx = 0
	}
	c := r.pending[r.idx]
	r.idx++
	return c, true, nil
}

// runBatch activates the staging buffer over batch, fans out one fetch
// request per chunk, waits for every one of them, then builds r.pending
// in deterministic (file slot, chunk slot) order — independent of the
// order completions actually arrive in, so callers see a stable sequence
// regardless of which worker happened to finish first.
func (r *StreamRequest) runBatch(ctx context.Context, batch *chunkio.Batch) error {
	if err := r.buf.Activate(batch); err != nil {
		return err
	}

	var total int

	for fileSlot, entry := range batch.Entries {
		var cursor int64 = entry.File.Offset
		for i := 0; i < entry.FirstChunkIdx; i++ {
			cursor += entry.File.Chunks[i]
		}

		for chunkSlot, coord := range entry.Coords {
			idx := entry.FirstChunkIdx + chunkSlot
			size := entry.File.Chunks[idx]
			padded := size
			if entry.File.BufferStrides != nil {
				padded = entry.File.BufferStrides[idx]
			} else {
				padded = stagingbuf.RoundUp(size, r.buf.Alignment())
			}

			dst, err := r.buf.WriteWindow(fileSlot, chunkSlot, padded)
			if err != nil {
				return err
			}

			req := byterange.Request{
				Path:     entry.File.Path,
				Offset:   cursor,
				Dst:      dst[:size],
				FileID:   int64(coord.FileID),
				ChunkIdx: coord.ChunkIdx,
			}
			if err := r.pool.Submit(ctx, req); err != nil {
				return err
			}
			total++
			cursor += size
		}
	}

	for i := 0; i < total; i++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case res := <-r.pool.Results():
			if res.Err != nil {
				return streamerr.Wrap(streamerr.KindBackendError, res.Err, "fetching chunk (file=%d, idx=%d)", res.Request.FileID, res.Request.ChunkIdx)
			}
		}
	}

	r.pending = r.pending[:0]
	for fileSlot, entry := range batch.Entries {
		for chunkSlot, coord := range entry.Coords {
			view, err := r.buf.View(fileSlot, chunkSlot)
			if err != nil {
				return err
			}
			r.pending = append(r.pending, Chunk{FileID: coord.FileID, ChunkIdx: coord.ChunkIdx, Data: view})
		}
	}
	return nil
}

// Close releases the worker pool and underlying backend resources.
func (r *StreamRequest) Close(_ context.Context) error {
	return r.pool.Close()
}
