// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package distengine shards a workload across a peer group and drives
// the round-robin broadcast loop that lets every peer yield every
// chunk in the caller's original (file_id, chunk_idx) space, per §4.4.
package distengine

import (
	"sort"

	"github.com/nishisan-dev/modelstreamer/internal/chunkio"
	"github.com/nishisan-dev/modelstreamer/internal/streamerr"
)

// Source maps one chunk in a peer's partitioned FileChunks back to
// its original (file_id, chunk_idx) coordinates.
type Source struct {
	OrigFileID   chunkio.FileID
	OrigChunkIdx int
}

// Partition is one peer's share of the workload: a list of FileChunks
// it will stream locally, plus a lookup from (synthetic file id,
// chunk idx within that file) back to the original coordinates.
type Partition struct {
	Rank   int
	Files  []chunkio.FileChunks
	Source map[chunkio.FileID][]Source // keyed by the FileChunks.ID used in Files
	Bytes  int64
}

// unit is one atomic work item used by partition-by-chunks: a single
// chunk from the input, still tagged with its original coordinates.
type unit struct {
	path         string
	fileOffset   int64 // absolute byte offset into the object for this unit
	size         int64
	origFileID   chunkio.FileID
	origChunkIdx int
}

// Partition splits files across g peers deterministically: identical
// inputs always produce identical per-rank outputs on every peer (no
// randomness, no map iteration order dependence).
func Partition(files []chunkio.FileChunks, g int) ([]Partition, error) {
	if g < 1 {
		return nil, streamerr.New(streamerr.KindInvalidInput, "partition count must be >= 1, got %d", g)
	}

	if len(files) >= g {
		return partitionByFiles(files, g)
	}
	return partitionByChunks(files, g)
}

// partitionByFiles sorts whole files by descending total size and
// greedily assigns each to the currently lightest bin. Source maps
// are the identity (synthetic file id == original file id).
func partitionByFiles(files []chunkio.FileChunks, g int) ([]Partition, error) {
	sorted := make([]chunkio.FileChunks, len(files))
	copy(sorted, files)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].TotalBytes() > sorted[j].TotalBytes()
	})

	parts := make([]Partition, g)
	for r := range parts {
		parts[r] = Partition{Rank: r, Source: make(map[chunkio.FileID][]Source)}
	}

	for _, f := range sorted {
		lightest := lightestBin(parts)
		parts[lightest].Files = append(parts[lightest].Files, f)
		parts[lightest].Bytes += f.TotalBytes()

		srcs := make([]Source, len(f.Chunks))
		for i := range f.Chunks {
			srcs[i] = Source{OrigFileID: f.ID, OrigChunkIdx: i}
		}
		parts[lightest].Source[f.ID] = srcs
	}

	return parts, nil
}

// partitionByChunks flattens every file into atomic units, sorts them
// descending by size, greedily bin-packs, then within each bin groups
// by path and merges adjacent contiguous units back into synthetic
// FileChunks with fresh ids.
func partitionByChunks(files []chunkio.FileChunks, g int) ([]Partition, error) {
	var units []unit
	for _, f := range files {
		offset := f.Offset
		for i, size := range f.Chunks {
			if size > 0 {
				units = append(units, unit{
					path:         f.Path,
					fileOffset:   offset,
					size:         size,
					origFileID:   f.ID,
					origChunkIdx: i,
				})
			}
			offset += size
		}
	}

	sort.SliceStable(units, func(i, j int) bool { return units[i].size > units[j].size })

	bins := make([][]unit, g)
	binBytes := make([]int64, g)
	for _, u := range units {
		lightest := lightestIndex(binBytes)
		bins[lightest] = append(bins[lightest], u)
		binBytes[lightest] += u.size
	}

	parts := make([]Partition, g)
	var nextID chunkio.FileID = 1
	for r, bin := range bins {
		parts[r] = Partition{Rank: r, Source: make(map[chunkio.FileID][]Source), Bytes: binBytes[r]}

		byPath := make(map[string][]unit)
		var order []string
		for _, u := range bin {
			if _, ok := byPath[u.path]; !ok {
				order = append(order, u.path)
			}
			byPath[u.path] = append(byPath[u.path], u)
		}
		sort.Strings(order)

		for _, path := range order {
			group := byPath[path]
			sort.SliceStable(group, func(i, j int) bool { return group[i].fileOffset < group[j].fileOffset })

			synth := chunkio.FileChunks{ID: nextID, Path: path, Offset: group[0].fileOffset}
			nextID++
			var srcs []Source

			for i, u := range group {
				// A gap here means this bin doesn't hold the unit that
				// used to sit between them: flush what's accumulated as
				// its own synthetic file and start a fresh run at u's
				// real offset, so Prefill never assumes contiguity that
				// bin-packing broke.
				if i > 0 && u.fileOffset != group[i-1].fileOffset+group[i-1].size {
					parts[r].Files = append(parts[r].Files, synth)
					parts[r].Source[synth.ID] = srcs

					synth = chunkio.FileChunks{ID: nextID, Path: path, Offset: u.fileOffset}
					nextID++
					srcs = nil
				}
				synth.Chunks = append(synth.Chunks, u.size)
				srcs = append(srcs, Source{OrigFileID: u.origFileID, OrigChunkIdx: u.origChunkIdx})
			}

			parts[r].Files = append(parts[r].Files, synth)
			parts[r].Source[synth.ID] = srcs
		}
	}

	return parts, nil
}

func lightestBin(parts []Partition) int {
	lightest := 0
	for i := 1; i < len(parts); i++ {
		if parts[i].Bytes < parts[lightest].Bytes {
			lightest = i
		}
	}
	return lightest
}

func lightestIndex(bytes []int64) int {
	lightest := 0
	for i := 1; i < len(bytes); i++ {
		if bytes[i] < bytes[lightest] {
			lightest = i
		}
	}
	return lightest
}
