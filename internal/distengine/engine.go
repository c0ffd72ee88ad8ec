// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package distengine

import (
	"context"

	"github.com/nishisan-dev/modelstreamer/internal/byterange"
	"github.com/nishisan-dev/modelstreamer/internal/chunkio"
	"github.com/nishisan-dev/modelstreamer/internal/streamerr"
)

// State is the Engine's lifecycle stage.
type State int

const (
	StatePrefilling State = iota
	StateBroadcasting
	StateDone
	StateFailed
)

// Chunk is one piece of tensor payload yielded by the engine, tagged
// with the coordinates of the caller's original request so the
// reassembled stream is indistinguishable from a single-peer read.
type Chunk struct {
	FileID   chunkio.FileID
	ChunkIdx int
	Data     []byte
}

// hostItem is one locally-owned chunk already staged in the engine's
// host prefill buffer, in partition order.
type hostItem struct {
	offset       int64
	length       int64
	origFileID   chunkio.FileID
	origChunkIdx int
}

// Engine drives one peer's side of the partition-and-broadcast
// protocol from spec §4.4: it reads its own partition once into a
// host-resident prefill buffer (no scheduling budget applies to this
// pass: the host buffer is sized to the whole partition),
// then repeatedly round-robins a broadcast turn per peer, packing as
// many locally-owned chunks as fit the distributed staging buffer
// pair each time it is the sender.
type Engine struct {
	plan      BroadcastPlan
	coll      Collective
	fetcher   byterange.Fetcher
	sessionID string

	partition Partition
	hostBuf   []byte
	hostItems []hostItem
	hostCursor int

	sendData []byte
	recvData []byte
	sendMeta []metadataRow
	recvMeta []metadataRow

	outstanding      int64
	doneAfterPending bool
	round            int

	state   State
	failErr error

	pending    []Chunk
	pendingIdx int
}

// Collective is the subset of transport.Collective the engine drives;
// declared locally so this package doesn't need to import transport
// just to name the type in New's signature (callers pass a
// transport.Collective value, which satisfies this interface).
type Collective interface {
	Rank() int
	Size() int
	Broadcast(ctx context.Context, root int, buf []byte) error
	Barrier(ctx context.Context) error
	AllGather(ctx context.Context, value string) ([]string, error)
	Close() error
}

// New builds an Engine for one peer. totalOutstanding is the sum of
// every peer's partition chunk count in the subgroup (every peer
// computes the same number independently from the same Partition
// call). globalLargestChunk is the largest single chunk size across
// the entire original workload, not just this peer's share, so every
// peer sizes its distributed buffers identically. distBufferMin is
// the configured minimum distributed buffer size; the larger of the
// two wins. maxChunksPerBroadcast caps how many chunks one broadcast
// round's metadata buffer can describe. sessionID identifies this run
// in logs and errors across every peer (see NewSessionID); callers
// that don't need cross-peer log correlation may pass an empty string.
func New(coll Collective, fetcher byterange.Fetcher, partition Partition, totalOutstanding, globalLargestChunk, distBufferMin int64, maxChunksPerBroadcast int, sessionID string) (*Engine, error) {
	if maxChunksPerBroadcast < 1 {
		return nil, streamerr.New(streamerr.KindInvalidInput, "max chunks per broadcast must be >= 1, got %d", maxChunksPerBroadcast)
	}
	bufCap := distBufferMin
	if globalLargestChunk > bufCap {
		bufCap = globalLargestChunk
	}
	if bufCap < 1 {
		return nil, streamerr.New(streamerr.KindBudgetTooSmall, "distributed buffer size resolved to %d bytes", bufCap)
	}

	e := &Engine{
		plan:      BroadcastPlan{Size: coll.Size(), LocalRank: coll.Rank()},
		coll:      coll,
		fetcher:   fetcher,
		sessionID: sessionID,
		partition: partition,

		sendData: make([]byte, bufCap),
		recvData: make([]byte, bufCap),
		sendMeta: make([]metadataRow, maxChunksPerBroadcast+1),
		recvMeta: make([]metadataRow, maxChunksPerBroadcast+1),

		outstanding: totalOutstanding,
		state:       StatePrefilling,
	}
	return e, nil
}

// SessionID returns the id this engine was built with, for callers
// that want to tag their own logs with the same correlation id.
func (e *Engine) SessionID() string {
	return e.sessionID
}

// Prefill reads this peer's entire partition into the host-resident
// staging buffer, sequentially and once. The engine has nothing to
// broadcast until this completes.
func (e *Engine) Prefill(ctx context.Context) error {
	var total int64
	for _, f := range e.partition.Files {
		total += f.TotalBytes()
	}
	e.hostBuf = make([]byte, total)

	var cursor int64
	for _, f := range e.partition.Files {
		offset := f.Offset
		srcs := e.partition.Source[f.ID]
		for i, size := range f.Chunks {
			if size > 0 {
				dst := e.hostBuf[cursor : cursor+size]
				if err := e.fetcher.ReadRange(ctx, f.Path, offset, dst); err != nil {
					return streamerr.Wrap(streamerr.KindBackendError, err, "prefilling file %q at offset %d", f.Path, offset)
				}
			}
			e.hostItems = append(e.hostItems, hostItem{
				offset:       cursor,
				length:       size,
				origFileID:   srcs[i].OrigFileID,
				origChunkIdx: srcs[i].OrigChunkIdx,
			})
			cursor += size
			offset += size
		}
	}
	e.state = StateBroadcasting
	return nil
}

// Next returns the next chunk in round-robin broadcast order across
// the whole subgroup, running additional broadcast rounds as needed.
// ok is false once every peer has exhausted its partition (a clean
// end of stream, err is nil) or the engine has entered StateFailed.
func (e *Engine) Next(ctx context.Context) (Chunk, bool, error) {
	if e.state == StatePrefilling {
		if err := e.Prefill(ctx); err != nil {
			e.state = StateFailed
			e.failErr = err
			return Chunk{}, false, err
		}
	}

	for e.pendingIdx >= len(e.pending) {
		switch e.state {
		case StateDone:
			return Chunk{}, false, nil
		case StateFailed:
			return Chunk{}, false, e.failErr
		}
		if e.doneAfterPending {
			e.state = StateDone
			return Chunk{}, false, nil
		}

		n, err := e.runRound(ctx)
		if err != nil {
			e.state = StateFailed
			e.failErr = err
			return Chunk{}, false, err
		}
		if n == 0 {
			if e.outstanding > 0 {
				e.failErr = streamerr.New(streamerr.KindMissingChunks, "broadcast round yielded no chunks with %d still outstanding", e.outstanding)
				e.state = StateFailed
				return Chunk{}, false, e.failErr
			}
			e.state = StateDone
			return Chunk{}, false, nil
		}
		e.outstanding -= n
		e.pendingIdx = 0
		if e.outstanding <= 0 {
			e.doneAfterPending = true
		}
	}

	c := e.pending[e.pendingIdx]
	e.pendingIdx++
	return c, true, nil
}

// runRound drives one full round: every rank in the subgroup takes a
// turn as broadcast sender, in subgroup-rank order. It returns the
// total number of chunks yielded into e.pending this round.
func (e *Engine) runRound(ctx context.Context) (int64, error) {
	e.pending = e.pending[:0]
	var total int64
	e.round++

	for sender := 0; sender < e.plan.Size; sender++ {
		if sender == e.plan.LocalRank {
			n, err := e.sendTurn(ctx, sender)
			if err != nil {
				return total, err
			}
			total += n
		} else {
			n, err := e.recvTurn(ctx, sender)
			if err != nil {
				return total, err
			}
			total += n
		}
	}
	return total, nil
}

func (e *Engine) sendTurn(ctx context.Context, sender int) (int64, error) {
	count := e.packSendBuffer()
	e.sendMeta[0] = metadataRow{ChunkCount: int64(count)}

	metaBytes := encodeMetadata(e.sendMeta)
	if err := e.coll.Broadcast(ctx, sender, metaBytes); err != nil {
		return 0, streamerr.Wrap(streamerr.KindBroadcastTimeout, err, "round %d: broadcasting metadata as sender rank %d", e.round, sender)
	}
	if count == 0 {
		return 0, nil
	}

	last := e.sendMeta[count]
	dataLen := last.Offset + last.Size
	if err := e.coll.Broadcast(ctx, sender, e.sendData[:dataLen]); err != nil {
		return 0, streamerr.Wrap(streamerr.KindBroadcastTimeout, err, "round %d: broadcasting data as sender rank %d", e.round, sender)
	}

	for i := 1; i <= count; i++ {
		row := e.sendMeta[i]
		e.pending = append(e.pending, Chunk{
			FileID:   chunkio.FileID(row.OrigFileID),
			ChunkIdx: int(row.OrigChunkIdx),
			Data:     e.sendData[row.Offset : row.Offset+row.Size],
		})
	}
	return int64(count), nil
}

func (e *Engine) recvTurn(ctx context.Context, sender int) (int64, error) {
	metaBytes := make([]byte, metadataByteLen(len(e.recvMeta)))
	if err := e.coll.Broadcast(ctx, sender, metaBytes); err != nil {
		return 0, streamerr.Wrap(streamerr.KindBroadcastTimeout, err, "round %d: rank %d receiving metadata from rank %d", e.round, e.plan.LocalRank, sender)
	}
	decodeMetadata(metaBytes, e.recvMeta)

	count := int(e.recvMeta[0].ChunkCount)
	if count == 0 {
		return 0, nil
	}

	last := e.recvMeta[count]
	dataLen := last.Offset + last.Size
	if int64(len(e.recvData)) < dataLen {
		e.recvData = make([]byte, dataLen)
	}
	if err := e.coll.Broadcast(ctx, sender, e.recvData[:dataLen]); err != nil {
		return 0, streamerr.Wrap(streamerr.KindBroadcastTimeout, err, "round %d: rank %d receiving data from rank %d", e.round, e.plan.LocalRank, sender)
	}

	for i := 1; i <= count; i++ {
		row := e.recvMeta[i]
		e.pending = append(e.pending, Chunk{
			FileID:   chunkio.FileID(row.OrigFileID),
			ChunkIdx: int(row.OrigChunkIdx),
			Data:     e.recvData[row.Offset : row.Offset+row.Size],
		})
	}
	return int64(count), nil
}

// packSendBuffer fills e.sendData/e.sendMeta with as many of this
// peer's remaining host-resident chunks as fit, in partition order,
// never splitting a chunk across rounds. Returns the count packed.
func (e *Engine) packSendBuffer() int {
	count := 0
	var offset int64
	for e.hostCursor < len(e.hostItems) && count < len(e.sendMeta)-1 {
		item := e.hostItems[e.hostCursor]
		if offset+item.length > int64(len(e.sendData)) {
			break
		}
		copy(e.sendData[offset:offset+item.length], e.hostBuf[item.offset:item.offset+item.length])
		e.sendMeta[count+1] = metadataRow{
			OrigFileID:   int64(item.origFileID),
			OrigChunkIdx: int64(item.origChunkIdx),
			Size:         item.length,
			Offset:       offset,
		}
		offset += item.length
		count++
		e.hostCursor++
	}
	return count
}
