// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package chunkio turns a list of files annotated with ordered byte-chunks
// into a lazy sequence of bounded batches that fit a reusable staging
// buffer, and maps batch-local coordinates back to the caller's original
// (file, chunk) indices.
package chunkio

import "fmt"

// FileID identifies one FileChunks entry, unique within a single
// scheduling run.
type FileID int64

// FileChunks describes one object's byte layout: a path, a starting
// offset into that object, and an ordered list of chunk sizes. An
// optional parallel list of buffer strides gives the padded footprint
// each chunk should reserve in the staging buffer (e.g. for alignment);
// when absent the chunk size itself is the stride.
type FileChunks struct {
	ID             FileID
	Path           string
	Offset         int64
	Chunks         []int64
	BufferStrides  []int64
}

// Validate checks the structural invariants from the spec's data model:
// BufferStrides, when present, must have one entry per chunk and each
// stride must be at least as large as its chunk.
func (f FileChunks) Validate() error {
	if f.Offset < 0 {
		return fmt.Errorf("chunkio: file %d has negative offset %d", f.ID, f.Offset)
	}
	for i, c := range f.Chunks {
		if c < 0 {
			return fmt.Errorf("chunkio: file %d chunk %d has negative size %d", f.ID, i, c)
		}
	}
	if f.BufferStrides == nil {
		return nil
	}
	if len(f.BufferStrides) != len(f.Chunks) {
		return fmt.Errorf("chunkio: file %d has %d chunks but %d buffer strides", f.ID, len(f.Chunks), len(f.BufferStrides))
	}
	for i, s := range f.BufferStrides {
		if s < f.Chunks[i] {
			return fmt.Errorf("chunkio: file %d chunk %d stride %d smaller than chunk size %d", f.ID, i, s, f.Chunks[i])
		}
	}
	return nil
}

// stride returns the padded footprint of chunk i: BufferStrides[i] when
// explicitly set, else Chunks[i] rounded up to alignment per spec §4.2's
// padded_stride = round_up(chunk_size, alignment) policy.
func (f FileChunks) stride(i int, alignment int64) int64 {
	if f.BufferStrides != nil {
		return f.BufferStrides[i]
	}
	return roundUp(f.Chunks[i], alignment)
}

// roundUp rounds n up to the nearest multiple of alignment.
func roundUp(n, alignment int64) int64 {
	if alignment <= 1 {
		return n
	}
	rem := n % alignment
	if rem == 0 {
		return n
	}
	return n + (alignment - rem)
}

// TotalBytes returns the sum of chunk sizes (the unpadded object_bytes_to_read).
func (f FileChunks) TotalBytes() int64 {
	var total int64
	for _, c := range f.Chunks {
		total += c
	}
	return total
}

// largestStride returns the largest padded chunk footprint across files,
// used to size the staging buffer and validate the memory budget.
func largestStride(files []FileChunks, alignment int64) int64 {
	var max int64
	for _, f := range files {
		for i := range f.Chunks {
			if s := f.stride(i, alignment); s > max {
				max = s
			}
		}
	}
	return max
}
