// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// modelstreamer-bench is a glue CLI that exercises the streamer engine
// end-to-end against a real backend for manual smoke testing; it is
// not part of the core per spec §1.
package main

import (
	"context"
	"crypto/rand"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/pgzip"
	"github.com/robfig/cron/v3"

	"github.com/nishisan-dev/modelstreamer/internal/backend"
	"github.com/nishisan-dev/modelstreamer/internal/chunkio"
	"github.com/nishisan-dev/modelstreamer/internal/config"
	"github.com/nishisan-dev/modelstreamer/internal/distengine"
	"github.com/nishisan-dev/modelstreamer/internal/distengine/transport"
	"github.com/nishisan-dev/modelstreamer/internal/logging"
	"github.com/nishisan-dev/modelstreamer/internal/safetensors"
	"github.com/nishisan-dev/modelstreamer/internal/streamer"
)

func main() {
	configPath := flag.String("config", "", "path to a streamer config YAML file (optional)")
	paths := flag.String("paths", "", "comma-separated list of files to stream")
	safetensorsPath := flag.String("safetensors", "", "a single .safetensors file to stream tensor-by-tensor")
	chunkSize := flag.Int64("chunk-size", 64*1024*1024, "chunk size in bytes when --paths files aren't safetensors")
	peers := flag.Int("peers", 1, "number of simulated peers sharing the workload (in-process)")
	synthBytes := flag.Int64("synth-bytes", 0, "if > 0, generate a synthetic local fixture file of this size instead of reading --paths")
	synthGzip := flag.Bool("synth-gzip", false, "when generating a synthetic fixture, also write a parallel-gzip-compressed sibling")
	schedule := flag.String("schedule", "", "optional cron expression to re-run the benchmark periodically instead of once")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	logFormat := flag.String("log-format", "json", "log format: json or text")
	flag.Parse()

	logger, logCloser := logging.NewLogger(*logLevel, *logFormat, "")
	defer logCloser.Close()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading config: %v\n", err)
		os.Exit(1)
	}

	run := func() {
		if err := runOnce(context.Background(), cfg, *paths, *safetensorsPath, *chunkSize, *peers, *synthBytes, *synthGzip, logger); err != nil {
			logger.Error("benchmark run failed", "error", err)
		}
	}

	if *schedule == "" {
		run()
		return
	}

	c := cron.New()
	if _, err := c.AddFunc(*schedule, run); err != nil {
		fmt.Fprintf(os.Stderr, "invalid --schedule expression: %v\n", err)
		os.Exit(1)
	}
	logger.Info("scheduling periodic benchmark run", "schedule", *schedule)
	c.Run()
}

func runOnce(ctx context.Context, cfg config.StreamerConfig, pathsFlag, safetensorsPath string, chunkSize int64, peers int, synthBytes int64, synthGzip bool, logger *slog.Logger) error {
	var filePaths []string

	if synthBytes > 0 {
		p, err := generateSyntheticFixture(synthBytes, synthGzip, logger)
		if err != nil {
			return fmt.Errorf("generating synthetic fixture: %w", err)
		}
		filePaths = []string{p}
	} else if safetensorsPath != "" {
		filePaths = []string{safetensorsPath}
	} else if pathsFlag != "" {
		filePaths = strings.Split(pathsFlag, ",")
	} else {
		return fmt.Errorf("one of --paths, --safetensors, or --synth-bytes is required")
	}

	files, err := buildFileChunks(filePaths, safetensorsPath != "" && synthBytes == 0, chunkSize)
	if err != nil {
		return err
	}

	routePaths := make([]string, len(files))
	for i, f := range files {
		routePaths[i] = f.Path
	}
	scheme, err := backend.ValidateHomogeneous(routePaths)
	if err != nil {
		return err
	}

	start := time.Now()
	var totalBytes int64
	var totalChunks int64

	if peers <= 1 {
		fetcher, err := backend.New(ctx, scheme, "")
		if err != nil {
			return fmt.Errorf("building backend: %w", err)
		}
		s := streamer.New(cfg, fetcher, logger)
		it, err := s.StreamFiles(ctx, files, nil)
		if err != nil {
			return err
		}
		defer it.Close(ctx)
		for {
			c, ok, err := it.Next(ctx)
			if err != nil {
				return err
			}
			if !ok {
				break
			}
			totalBytes += int64(len(c.Data))
			totalChunks++
		}
	} else {
		handles := transport.NewLocalGroup(peers)

		if groups, err := discoverSubgroupsForLog(ctx, handles, cfg.DistGlobal); err != nil {
			logger.Warn("subgroup discovery failed, proceeding with the simulated peer group as-is", "error", err)
		} else {
			logger.Info("planned subgroup layout", "dist_global", cfg.DistGlobal, "groups", groups)
		}

		results := make(chan error, peers)
		counts := make(chan [2]int64, peers)
		for r := 0; r < peers; r++ {
			go func(r int) {
				fetcher, err := backend.New(ctx, scheme, "")
				if err != nil {
					results <- err
					return
				}
				s := streamer.New(cfg, fetcher, logger)
				it, err := s.StreamFiles(ctx, files, handles[r])
				if err != nil {
					results <- err
					return
				}
				var bytesRead, chunksRead int64
				for {
					c, ok, err := it.Next(ctx)
					if err != nil {
						results <- err
						return
					}
					if !ok {
						break
					}
					bytesRead += int64(len(c.Data))
					chunksRead++
				}
				_ = it.Close(ctx)
				counts <- [2]int64{bytesRead, chunksRead}
				results <- nil
			}(r)
		}
		for r := 0; r < peers; r++ {
			if err := <-results; err != nil {
				return err
			}
		}
		close(counts)
		for c := range counts {
			totalBytes += c[0]
			totalChunks += c[1]
		}
	}

	elapsed := time.Since(start)
	throughput := float64(totalBytes) / elapsed.Seconds() / (1024 * 1024)
	logger.Info("benchmark complete",
		"files", len(files),
		"peers", peers,
		"total_bytes", totalBytes,
		"total_chunks", totalChunks,
		"elapsed", elapsed.String(),
		"throughput_mib_s", throughput,
	)
	return nil
}

// discoverSubgroupsForLog runs distengine.DiscoverSubgroups across every
// simulated peer purely for diagnostic logging: simulated peers share one
// hostname, so this yields a single group whether or not dist_global is
// set, but it exercises the same discovery step a
// real multi-host deployment would run before scoping the Collective it
// hands to Streamer.StreamFiles (see DESIGN.md's subgroup-splitting note).
func discoverSubgroupsForLog(ctx context.Context, handles []transport.Collective, global bool) ([][]int, error) {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "localhost"
	}

	type result struct {
		groups [][]int
		err    error
	}
	out := make(chan result, len(handles))
	for _, h := range handles {
		go func(h transport.Collective) {
			groups, _, err := distengine.DiscoverSubgroups(ctx, h, hostname, global)
			out <- result{groups: groups, err: err}
		}(h)
	}
	var groups [][]int
	for range handles {
		r := <-out
		if r.err != nil {
			return nil, r.err
		}
		groups = r.groups
	}
	return groups, nil
}

// buildFileChunks builds the scheduler input either from a safetensors
// header (one chunk per tensor) or by splitting each path into fixed
// chunkSize pieces for a generic smoke test.
func buildFileChunks(paths []string, isSafetensors bool, chunkSize int64) ([]chunkio.FileChunks, error) {
	var out []chunkio.FileChunks

	for i, p := range paths {
		if isSafetensors {
			f, err := os.Open(p)
			if err != nil {
				return nil, fmt.Errorf("opening %s: %w", p, err)
			}
			hdr, err := safetensors.Decode(f)
			f.Close()
			if err != nil {
				return nil, fmt.Errorf("decoding safetensors header %s: %w", p, err)
			}
			out = append(out, chunkio.FileChunks{
				ID:     chunkio.FileID(i + 1),
				Path:   p,
				Offset: hdr.DataRegionOffset,
				Chunks: hdr.ChunkSizes,
			})
			continue
		}

		size, err := fileSize(p)
		if err != nil {
			return nil, err
		}
		var chunks []int64
		for remaining := size; remaining > 0; {
			n := chunkSize
			if n > remaining {
				n = remaining
			}
			chunks = append(chunks, n)
			remaining -= n
		}
		if len(chunks) == 0 {
			chunks = []int64{0}
		}
		out = append(out, chunkio.FileChunks{ID: chunkio.FileID(i + 1), Path: p, Chunks: chunks})
	}
	return out, nil
}

func fileSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, fmt.Errorf("stat %s: %w", path, err)
	}
	return info.Size(), nil
}

// generateSyntheticFixture writes a random-content local file of size
// bytes for bench-mode smoke testing. When gzipSibling is set it also
// writes a parallel-gzip-compressed copy alongside it, demonstrating
// the same CompressionGzip wire mode the teacher's agent offers,
// purely so the bench CLI exercises klauspost/pgzip; the stream itself
// always reads the uncompressed fixture, since safetensors payloads
// are never transparently decompressed per spec's dtype-conversion
// non-goal.
func generateSyntheticFixture(size int64, gzipSibling bool, logger *slog.Logger) (string, error) {
	dir, err := os.MkdirTemp("", "modelstreamer-bench-")
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, "synthetic.bin")
	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	if _, err := io.CopyN(f, rand.Reader, size); err != nil {
		return "", fmt.Errorf("writing synthetic fixture: %w", err)
	}

	if gzipSibling {
		gzPath := path + ".gz"
		gzf, err := os.Create(gzPath)
		if err != nil {
			return "", err
		}
		defer gzf.Close()
		zw := pgzip.NewWriter(gzf)
		src, err := os.Open(path)
		if err != nil {
			return "", err
		}
		defer src.Close()
		if _, err := io.Copy(zw, src); err != nil {
			return "", fmt.Errorf("writing gzip sibling: %w", err)
		}
		if err := zw.Close(); err != nil {
			return "", err
		}
		logger.Info("wrote parallel-gzip sibling fixture", "path", gzPath)
	}

	logger.Info("generated synthetic fixture", "path", path, "bytes", size)
	return path, nil
}
