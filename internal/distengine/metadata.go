// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package distengine

import "encoding/binary"

// metadataRow is one row of a broadcast round's metadata buffer: row 0
// carries [chunk_count, 0, 0, 0]; rows 1..chunk_count carry
// [orig_file_id, orig_chunk_idx, chunk_size, offset_in_buffer].
type metadataRow struct {
	ChunkCount   int64 // only meaningful on row 0
	OrigFileID   int64
	OrigChunkIdx int64
	Size         int64
	Offset       int64
}

// metadataRowBytes is the wire size of one row: 4 little-endian int64
// fields (chunk_count/orig_file_id reuses the same first field,
// keeping every row a uniform width so the buffer can be preallocated
// once and reused across rounds).
const metadataRowBytes = 4 * 8

func metadataByteLen(rows int) int { return rows * metadataRowBytes }

func encodeMetadata(rows []metadataRow) []byte {
	buf := make([]byte, metadataByteLen(len(rows)))
	for i, r := range rows {
		off := i * metadataRowBytes
		if i == 0 {
			binary.LittleEndian.PutUint64(buf[off:], uint64(r.ChunkCount))
			continue
		}
		binary.LittleEndian.PutUint64(buf[off:], uint64(r.OrigFileID))
		binary.LittleEndian.PutUint64(buf[off+8:], uint64(r.OrigChunkIdx))
		binary.LittleEndian.PutUint64(buf[off+16:], uint64(r.Size))
		binary.LittleEndian.PutUint64(buf[off+24:], uint64(r.Offset))
	}
	return buf
}

func decodeMetadata(buf []byte, rows []metadataRow) {
	for i := range rows {
		off := i * metadataRowBytes
		if off+metadataRowBytes > len(buf) {
			rows[i] = metadataRow{}
			continue
		}
		if i == 0 {
			rows[i] = metadataRow{ChunkCount: int64(binary.LittleEndian.Uint64(buf[off:]))}
			continue
		}
		rows[i] = metadataRow{
			OrigFileID:   int64(binary.LittleEndian.Uint64(buf[off:])),
			OrigChunkIdx: int64(binary.LittleEndian.Uint64(buf[off+8:])),
			Size:         int64(binary.LittleEndian.Uint64(buf[off+16:])),
			Offset:       int64(binary.LittleEndian.Uint64(buf[off+24:])),
		}
	}
}
