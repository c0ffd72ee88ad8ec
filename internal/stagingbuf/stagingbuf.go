// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package stagingbuf provides the single reusable staging buffer that
// hosts one active batch's worth of tensor bytes, plus the
// alignment-aware slicing policy that turns a batch's flat chunk list
// into per-tensor views. It is the destination every ByteRangeFetcher
// read lands in before the caller sees tensor slices.
package stagingbuf

import (
	"github.com/nishisan-dev/modelstreamer/internal/chunkio"
	"github.com/nishisan-dev/modelstreamer/internal/streamerr"
)

// DefaultDeviceAlignment is the default alignment for device (GPU)
// staging buffers, chosen to satisfy common GPU copy-engine alignment
// requirements.
const DefaultDeviceAlignment = 256

// DefaultHostAlignment is the default alignment for host pageable
// buffers, which have no particular copy-alignment requirement.
const DefaultHostAlignment = 1

// slot records where one chunk landed in the staging window: its
// padded absolute offset plus the unpadded length the caller should
// actually see.
type slot struct {
	offset int64
	length int64
}

// Buffer is a single reusable byte region sized to the largest padded
// batch the scheduler can produce, plus an aligned sub-slicing policy.
// It is allocated once on the first batch and reused across every
// subsequent one; Activate re-lays-out the same backing array rather
// than reallocating.
type Buffer struct {
	raw       []byte // B + (alignment-1) bytes, unaligned backing array
	window    []byte // aligned sub-slice of raw, length B
	alignment int64

	// slots[fileSlot][chunkSlot] is the (offset, length) of that
	// chunk's bytes within window, valid only until the next Activate.
	slots [][]slot
	used  int64 // bytes of window occupied by the active batch
}

// New allocates a staging buffer of capacity bytes with the given
// alignment (must be a power of two, >= 1). It reports only validation
// failures, as InvalidInput: Go's allocator panics on OOM rather than
// returning an error, so New never returns OutOfMemory. Activate
// reports OutOfMemory when a batch does not fit the capacity.
func New(capacity int64, alignment int64) (*Buffer, error) {
	if alignment < 1 || alignment&(alignment-1) != 0 {
		return nil, streamerr.New(streamerr.KindInvalidInput, "alignment must be a power of two >= 1, got %d", alignment)
	}
	if capacity < 0 {
		return nil, streamerr.New(streamerr.KindInvalidInput, "capacity must be >= 0, got %d", capacity)
	}

	raw := make([]byte, capacity+alignment-1)
	window := alignSlice(raw, alignment, capacity)

	return &Buffer{
		raw:       raw,
		window:    window,
		alignment: alignment,
	}, nil
}

// alignSlice returns the sub-slice of raw starting at the first
// alignment-aligned address, truncated to length.
func alignSlice(raw []byte, alignment, length int64) []byte {
	if len(raw) == 0 {
		return raw
	}
	base := sliceAddr(raw)
	pad := (alignment - base%alignment) % alignment
	return raw[pad : pad+length]
}

// Capacity returns the usable (aligned) window size in bytes.
func (b *Buffer) Capacity() int64 { return int64(len(b.window)) }

// Alignment returns the configured alignment.
func (b *Buffer) Alignment() int64 { return b.alignment }

// RoundUp rounds n up to the nearest multiple of alignment; callers that
// write into the window outside Activate (e.g. sizing a fetch
// destination) use this to agree with Activate's own layout.
func RoundUp(n, alignment int64) int64 {
	if alignment <= 1 {
		return n
	}
	rem := n % alignment
	if rem == 0 {
		return n
	}
	return n + (alignment - rem)
}

// Activate lays out a batch's chunks into the staging window in order,
// assigning each chunk an aligned absolute offset, and records the
// total padded bytes consumed (see Used). It must be called before View for a
// given batch, and overwrites any previous batch's layout (the caller
// must have finished consuming the prior batch's views first, since
// they alias the same backing array).
func (b *Buffer) Activate(batch *chunkio.Batch) error {
	var running int64
	slots := make([][]slot, len(batch.Entries))

	for fi, entry := range batch.Entries {
		entrySlots := make([]slot, len(entry.Coords))
		for ci := range entry.Coords {
			chunkIdx := entry.FirstChunkIdx + ci
			actual := entry.File.Chunks[chunkIdx]
			padded := actual
			if entry.File.BufferStrides != nil {
				padded = entry.File.BufferStrides[chunkIdx]
			} else {
				padded = RoundUp(actual, b.alignment)
			}

			if running+padded > int64(len(b.window)) {
				return streamerr.New(streamerr.KindOutOfMemory,
					"batch padded footprint %d exceeds staging buffer capacity %d", batch.TotalPaddedBytes, len(b.window))
			}

			entrySlots[ci] = slot{offset: running, length: actual}
			running += padded
		}
		slots[fi] = entrySlots
	}

	b.slots = slots
	b.used = running
	return nil
}

// Used returns the padded bytes occupied by the currently active batch.
func (b *Buffer) Used() int64 { return b.used }

// View returns the unpadded, aligned byte slice for (fileSlot,
// chunkSlot) within the currently active batch. The returned slice
// aliases the staging buffer; it is only valid until the next Activate
// call and must be copied by the caller to retain it longer.
func (b *Buffer) View(fileSlot, chunkSlot int) ([]byte, error) {
	if fileSlot < 0 || fileSlot >= len(b.slots) {
		return nil, streamerr.New(streamerr.KindInvalidInput, "file slot %d out of range", fileSlot)
	}
	entrySlots := b.slots[fileSlot]
	if chunkSlot < 0 || chunkSlot >= len(entrySlots) {
		return nil, streamerr.New(streamerr.KindInvalidInput, "chunk slot %d out of range", chunkSlot)
	}
	s := entrySlots[chunkSlot]
	return b.window[s.offset : s.offset+s.length], nil
}

// WriteWindow returns the aligned, padded window for (fileSlot,
// chunkSlot) — i.e. the full destination a ByteRangeFetcher should
// read actual_chunk_size bytes into before View trims it to the
// unpadded tensor bytes. Distinguishing write destination from read
// view matters only when padded != actual; otherwise they're the same
// bytes.
func (b *Buffer) WriteWindow(fileSlot, chunkSlot int, paddedLen int64) ([]byte, error) {
	if fileSlot < 0 || fileSlot >= len(b.slots) {
		return nil, streamerr.New(streamerr.KindInvalidInput, "file slot %d out of range", fileSlot)
	}
	entrySlots := b.slots[fileSlot]
	if chunkSlot < 0 || chunkSlot >= len(entrySlots) {
		return nil, streamerr.New(streamerr.KindInvalidInput, "chunk slot %d out of range", chunkSlot)
	}
	s := entrySlots[chunkSlot]
	end := s.offset + paddedLen
	if end > int64(len(b.window)) {
		end = int64(len(b.window))
	}
	return b.window[s.offset:end], nil
}
