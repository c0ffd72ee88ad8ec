// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package streamer

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/nishisan-dev/modelstreamer/internal/byterange"
	"github.com/nishisan-dev/modelstreamer/internal/chunkio"
	"github.com/nishisan-dev/modelstreamer/internal/config"
	"github.com/nishisan-dev/modelstreamer/internal/distengine"
	"github.com/nishisan-dev/modelstreamer/internal/logging"
	"github.com/nishisan-dev/modelstreamer/internal/streamerr"
)

// Collective is the subgroup handle a caller threads into StreamFiles to
// opt into the distributed path; it is whatever scope-appropriate
// transport.Collective the caller already formed (see
// distengine.DiscoverSubgroups). A nil Collective always takes the
// single-peer path.
type Collective = distengine.Collective

// DefaultWorkers and DefaultMaxChunksPerBroadcast are the Streamer's
// fallback tuning knobs when the caller doesn't override them.
const (
	DefaultWorkers               = 8
	DefaultMaxChunksPerBroadcast = 64
)

// Streamer is the top-level façade stream_files exposes: given a file
// list and an optional peer group, it picks the single-peer or
// distributed path per the gating rule in spec §5 and returns a lazy
// Iterator.
type Streamer struct {
	cfg     config.StreamerConfig
	fetcher byterange.Fetcher
	logger  *slog.Logger

	workers               int
	maxChunksPerBroadcast int
}

// New builds a Streamer bound to one ByteRangeFetcher and configuration.
// The fetcher is reused across every StreamFiles call; the worker pool is
// not: each single-peer StreamFiles call builds its own pool, and closing
// that iterator closes the pool and the fetcher.
func New(cfg config.StreamerConfig, fetcher byterange.Fetcher, logger *slog.Logger) *Streamer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Streamer{
		cfg:                   cfg,
		fetcher:               fetcher,
		logger:                logger,
		workers:               DefaultWorkers,
		maxChunksPerBroadcast: DefaultMaxChunksPerBroadcast,
	}
}

// StreamFiles opens a lazy sequence over files. world is the caller's
// already-formed subgroup handle, or nil for a single-peer stream;
// either way the decision of whether to actually use it is the gating
// rule in spec §5, not just world's presence.
func (s *Streamer) StreamFiles(ctx context.Context, files []chunkio.FileChunks, world Collective) (Iterator, error) {
	if s.shouldDistribute(world) {
		it, err := s.newDistributedIterator(ctx, files, world)
		if err != nil {
			return nil, err
		}
		s.logger.Info("stream_files: distribution gate passed, using distributed path",
			"peers", world.Size(), "rank", world.Rank(), "session_id", it.engine.SessionID())
		return it, nil
	}
	s.logger.Info("stream_files: using single-peer path", "files", len(files))
	return NewStreamRequest(files, s.cfg.MemoryLimit, int64(s.cfg.CUDAAlignment), s.fetcher, s.workers, 0)
}

// shouldDistribute implements spec §5's gating rule: (1) a peer group is
// initialised and size > 1, (2) policy allows it for this call, (3) the
// collective backend supports the device family (always true here — see
// DESIGN.md), (4) free device memory >= 2x the configured staging buffer.
func (s *Streamer) shouldDistribute(world Collective) bool {
	if world == nil || world.Size() <= 1 {
		return false
	}
	switch s.cfg.Dist {
	case config.DistForceOff:
		return false
	case config.DistForceOn:
		return true
	default: // auto
		free, err := distengine.FreeDeviceMemoryBytes()
		if err != nil {
			s.logger.Warn("stream_files: could not query free memory for distribution gate, falling back to single-peer", "error", err)
			return false
		}
		return free >= 2*s.cfg.DistBufferMinBytesize
	}
}

func (s *Streamer) newDistributedIterator(ctx context.Context, files []chunkio.FileChunks, world Collective) (*distIterator, error) {
	g := world.Size()
	parts, err := distengine.Partition(files, g)
	if err != nil {
		return nil, err
	}
	rank := world.Rank()
	if rank < 0 || rank >= len(parts) {
		return nil, streamerr.New(streamerr.KindInvalidInput, "rank %d out of range for %d partitions", rank, len(parts))
	}
	// Published for downstream layers to read after StreamFiles returns
	// (see config.StreamerConfig.ProcessGroupSize's doc comment).
	s.cfg.ProcessGroupSize = g

	sessionID, err := distengine.NewSessionID(ctx, world)
	if err != nil {
		return nil, err
	}
	peerGroup := fmt.Sprintf("rank-%d", rank)
	sessLogger, sessCloser, sessLogPath, err := logging.NewSessionLogger(s.logger, s.cfg.SessionLogDir, peerGroup, sessionID)
	if err != nil {
		return nil, err
	}
	if sessLogPath != "" {
		sessLogger.Debug("opened per-session debug log", "path", sessLogPath)
	}

	// Count the chunks of the whole partition, as every peer does, so all
	// agree on when the stream ends; the per-chunk split leaves out
	// zero-size chunks, so the input's own chunk count can be larger.
	var totalChunks int64
	for _, p := range parts {
		for _, f := range p.Files {
			totalChunks += int64(len(f.Chunks))
		}
	}
	var globalLargest int64
	for _, f := range files {
		for i, c := range f.Chunks {
			padded := c
			if f.BufferStrides != nil {
				padded = f.BufferStrides[i]
			}
			if padded > globalLargest {
				globalLargest = padded
			}
		}
	}

	e, err := distengine.New(world, s.fetcher, parts[rank], totalChunks, globalLargest, s.cfg.DistBufferMinBytesize, s.maxChunksPerBroadcast, sessionID)
	if err != nil {
		return nil, err
	}
	timeout := time.Duration(s.cfg.DistTimeoutSeconds) * time.Second
	return &distIterator{
		engine:        e,
		world:         world,
		timeout:       timeout,
		logger:        sessLogger,
		logCloser:     sessCloser,
		sessionLogDir: s.cfg.SessionLogDir,
		peerGroup:     peerGroup,
		sessionID:     sessionID,
	}, nil
}

// distIterator adapts *distengine.Engine to the Iterator interface and
// implements the scope-exit teardown from spec §5: barrier and tear
// down the subgroup on clean exit, skip the barrier (leaving the
// subgroup for the caller to reap) when an error is in flight. Each
// call is bounded by the configured broadcast timeout (spec §5
// "Cancellation and timeouts", default 10 minutes).
type distIterator struct {
	engine  *distengine.Engine
	world   Collective
	timeout time.Duration
	failed  bool

	logger        *slog.Logger
	logCloser     io.Closer
	sessionLogDir string
	peerGroup     string
	sessionID     string
}

func (d *distIterator) Next(ctx context.Context) (Chunk, bool, error) {
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}
	c, ok, err := d.engine.Next(ctx)
	if err != nil {
		d.failed = true
		d.logger.Error("distributed broadcast round failed", "error", err, "session_id", d.sessionID)
		return Chunk{}, false, err
	}
	if !ok {
		return Chunk{}, false, nil
	}
	return Chunk{FileID: c.FileID, ChunkIdx: c.ChunkIdx, Data: c.Data}, true, nil
}

// Close tears down the subgroup on a clean exit and removes the
// per-session debug log, since there's nothing left worth keeping;
// on failure it leaves the subgroup for the caller to reap and keeps
// the debug log on disk for postmortem (see SPEC_FULL.md DESIGN.md).
func (d *distIterator) Close(ctx context.Context) error {
	defer d.logCloser.Close()
	if d.failed {
		return nil
	}
	if err := d.world.Barrier(ctx); err != nil {
		return err
	}
	if err := d.world.Close(); err != nil {
		return err
	}
	logging.RemoveSessionLog(d.sessionLogDir, d.peerGroup, d.sessionID)
	return nil
}
