// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package streamer

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nishisan-dev/modelstreamer/internal/backend/local"
	"github.com/nishisan-dev/modelstreamer/internal/chunkio"
	"github.com/nishisan-dev/modelstreamer/internal/config"
	"github.com/nishisan-dev/modelstreamer/internal/distengine/transport"
)

func TestStreamer_NilWorldAlwaysUsesSinglePeerPath(t *testing.T) {
	path := writeTempFile(t, "hello world12345")
	files := []chunkio.FileChunks{{ID: 1, Path: path, Offset: 0, Chunks: []int64{16}}}

	cfg := config.Default()
	s := New(cfg, local.New(), nil)
	it, err := s.StreamFiles(context.Background(), files, nil)
	if err != nil {
		t.Fatalf("StreamFiles: %v", err)
	}
	defer it.Close(context.Background())
	if _, ok := it.(*StreamRequest); !ok {
		t.Fatalf("got %T, want *StreamRequest", it)
	}
}

func TestStreamer_DistForceOffNeverDistributes(t *testing.T) {
	path := writeTempFile(t, "hello world12345")
	files := []chunkio.FileChunks{{ID: 1, Path: path, Offset: 0, Chunks: []int64{16}}}

	cfg := config.Default()
	cfg.Dist = config.DistForceOff
	s := New(cfg, local.New(), nil)

	handles := transport.NewLocalGroup(2)
	it, err := s.StreamFiles(context.Background(), files, handles[0])
	if err != nil {
		t.Fatalf("StreamFiles: %v", err)
	}
	defer it.Close(context.Background())
	if _, ok := it.(*StreamRequest); !ok {
		t.Fatalf("got %T, want *StreamRequest (DistForceOff must never distribute)", it)
	}
}

func TestStreamer_DistForceOnDistributesAcrossPeers(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "obj.bin")
	const content = "ABCDEFGHIJKLMNOP"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}
	files := []chunkio.FileChunks{{ID: 1, Path: path, Offset: 0, Chunks: []int64{4, 4, 4, 4}}}

	cfg := config.Default()
	cfg.Dist = config.DistForceOn
	cfg.DistBufferMinBytesize = 4

	handles := transport.NewLocalGroup(2)

	var wg sync.WaitGroup
	var mu sync.Mutex
	all := make([][]Chunk, 2)
	for r := 0; r < 2; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			s := New(cfg, local.New(), nil)
			it, err := s.StreamFiles(context.Background(), files, handles[r])
			if err != nil {
				t.Errorf("rank %d: StreamFiles: %v", r, err)
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			for {
				c, ok, err := it.Next(ctx)
				if err != nil {
					t.Errorf("rank %d: Next: %v", r, err)
					return
				}
				if !ok {
					break
				}
				mu.Lock()
				all[r] = append(all[r], Chunk{FileID: c.FileID, ChunkIdx: c.ChunkIdx, Data: append([]byte(nil), c.Data...)})
				mu.Unlock()
			}
			if err := it.Close(context.Background()); err != nil {
				t.Errorf("rank %d: Close: %v", r, err)
			}
		}(r)
	}
	wg.Wait()

	// Every peer yields every chunk of the original request.
	for r, rs := range all {
		if len(rs) != 4 {
			t.Fatalf("rank %d: got %d chunks, want 4", r, len(rs))
		}
		seen := map[int]bool{}
		for _, c := range rs {
			if seen[c.ChunkIdx] {
				t.Fatalf("rank %d: chunk idx %d yielded more than once", r, c.ChunkIdx)
			}
			seen[c.ChunkIdx] = true
			want := content[c.ChunkIdx*4 : c.ChunkIdx*4+4]
			if string(c.Data) != want {
				t.Errorf("rank %d: chunk idx %d = %q, want %q", r, c.ChunkIdx, string(c.Data), want)
			}
		}
	}
}
