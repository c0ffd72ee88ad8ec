// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package safetensors decodes a safetensors file's header — the
// 8-byte little-endian length prefix followed by a JSON object
// describing each tensor's dtype, shape, and byte range — into an
// ordered, validated list of tensor records plus the chunk sizes the
// scheduler needs to stream the data region.
package safetensors

import (
	"encoding/binary"
	"encoding/json"
	"io"
	"sort"
	"unicode/utf8"

	"github.com/klauspost/compress/gzip"

	"github.com/nishisan-dev/modelstreamer/internal/streamerr"
)

// MaxHeaderSize bounds the JSON header length to guard against a
// corrupt or hostile length prefix forcing an unbounded allocation.
const MaxHeaderSize = 100 * 1024 * 1024 // 100 MiB

// TensorRecord describes one tensor's location within a safetensors
// file's data region.
type TensorRecord struct {
	Name        string
	Dtype       Dtype
	Shape       []int64
	StartOffset int64
	EndOffset   int64
}

// wireEntry mirrors one tensor's JSON value in the header object.
// DataOffsets is a slice rather than a fixed array so a missing key
// can be distinguished from an explicit [0, 0].
type wireEntry struct {
	Dtype       string  `json:"dtype"`
	Shape       []int64 `json:"shape"`
	DataOffsets []int64 `json:"data_offsets"`
}

// Header is the fully decoded, validated result of parsing a
// safetensors file's header.
type Header struct {
	// Records are sorted by StartOffset and verified contiguous.
	Records []TensorRecord
	// DataRegionOffset is the absolute byte offset, from the start of
	// the file, where the data region (and hence Records[0].StartOffset
	// if any) begins: 8 + L.
	DataRegionOffset int64
	// ChunkSizes[i] = Records[i].EndOffset - Records[i].StartOffset,
	// the per-tensor byte counts a ChunkScheduler can turn into
	// FileChunks.Chunks.
	ChunkSizes []int64
}

// Decode reads and validates a safetensors header from r, which must
// be positioned at the start of the file. It never reads past
// 8+L bytes (the data region is left untouched for the caller's
// ByteRangeFetcher to stream separately).
func Decode(r io.Reader) (*Header, error) {
	var lenBuf [8]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, streamerr.Wrap(streamerr.KindHeaderTruncated, err, "reading 8-byte header length prefix")
	}
	length := binary.LittleEndian.Uint64(lenBuf[:])
	if length > MaxHeaderSize {
		return nil, streamerr.New(streamerr.KindHeaderTooLarge, "header length %d exceeds max %d", length, MaxHeaderSize)
	}

	raw := make([]byte, length)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, streamerr.Wrap(streamerr.KindHeaderTruncated, err, "reading %d-byte header body", length)
	}

	if !utf8.Valid(raw) {
		return nil, streamerr.New(streamerr.KindHeaderEncoding, "header is not valid UTF-8")
	}

	var wire map[string]json.RawMessage
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, streamerr.Wrap(streamerr.KindHeaderJSON, err, "decoding header JSON object")
	}

	records := make([]TensorRecord, 0, len(wire))
	for name, msg := range wire {
		if name == "__metadata__" {
			continue
		}
		var entry wireEntry
		if err := json.Unmarshal(msg, &entry); err != nil {
			return nil, streamerr.Wrap(streamerr.KindHeaderJSON, err, "decoding tensor entry %q", name)
		}

		if len(entry.DataOffsets) != 2 {
			return nil, streamerr.New(streamerr.KindHeaderInconsistent,
				"tensor %q is missing data_offsets", name)
		}
		start, end := entry.DataOffsets[0], entry.DataOffsets[1]
		if start > end {
			return nil, streamerr.New(streamerr.KindHeaderInconsistent,
				"tensor %q has start_offset %d > end_offset %d", name, start, end)
		}

		want, err := expectedPayloadBytes(Dtype(entry.Dtype), entry.Shape)
		if err != nil {
			return nil, streamerr.Wrap(streamerr.KindUnknownDtype, err, "tensor %q", name)
		}
		if end-start != want {
			return nil, streamerr.New(streamerr.KindHeaderInconsistent,
				"tensor %q: data_offsets span %d bytes but shape×dtype expects %d", name, end-start, want)
		}

		records = append(records, TensorRecord{
			Name:        name,
			Dtype:       Dtype(entry.Dtype),
			Shape:       entry.Shape,
			StartOffset: start,
			EndOffset:   end,
		})
	}

	sort.Slice(records, func(i, j int) bool { return records[i].StartOffset < records[j].StartOffset })

	for i := 1; i < len(records); i++ {
		if records[i-1].EndOffset != records[i].StartOffset {
			return nil, streamerr.New(streamerr.KindHeaderInconsistent,
				"tensors %q (end %d) and %q (start %d) are not contiguous",
				records[i-1].Name, records[i-1].EndOffset, records[i].Name, records[i].StartOffset)
		}
	}

	chunkSizes := make([]int64, len(records))
	for i, rec := range records {
		chunkSizes[i] = rec.EndOffset - rec.StartOffset
	}

	return &Header{
		Records:          records,
		DataRegionOffset: 8 + int64(length),
		ChunkSizes:       chunkSizes,
	}, nil
}

// DecodeGzip reads a gzip-compressed safetensors header from r — the
// fixture layout test data generation produces so large synthetic
// dtype-coverage headers don't bloat the repo — and decodes it the
// same as Decode. DataRegionOffset is only meaningful relative to the
// decompressed stream; gzip fixtures exist to exercise the header
// decode path, not to describe where the real data region starts in
// the compressed file.
func DecodeGzip(r io.Reader) (*Header, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, streamerr.Wrap(streamerr.KindHeaderEncoding, err, "opening gzip-compressed header")
	}
	defer gz.Close()
	return Decode(gz)
}
