// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package transport

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestLocalGroup_BroadcastFanOut(t *testing.T) {
	const size = 4
	handles := NewLocalGroup(size)

	var wg sync.WaitGroup
	received := make([][]byte, size)
	errs := make([]error, size)

	for r := 0; r < size; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()

			if r == 0 {
				buf := []byte("hello peers")
				errs[r] = handles[r].Broadcast(ctx, 0, buf)
				received[r] = buf
				return
			}
			buf := make([]byte, len("hello peers"))
			errs[r] = handles[r].Broadcast(ctx, 0, buf)
			received[r] = buf
		}(r)
	}
	wg.Wait()

	for r := 0; r < size; r++ {
		if errs[r] != nil {
			t.Fatalf("rank %d: %v", r, errs[r])
		}
		if string(received[r]) != "hello peers" {
			t.Errorf("rank %d received %q, want %q", r, received[r], "hello peers")
		}
	}
}

func TestLocalGroup_Barrier(t *testing.T) {
	const size = 3
	handles := NewLocalGroup(size)

	var wg sync.WaitGroup
	order := make([]int, 0, size)
	var mu sync.Mutex

	for r := 0; r < size; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := handles[r].Barrier(ctx); err != nil {
				t.Errorf("rank %d barrier: %v", r, err)
			}
			mu.Lock()
			order = append(order, r)
			mu.Unlock()
		}(r)
	}
	wg.Wait()

	if len(order) != size {
		t.Fatalf("got %d ranks past barrier, want %d", len(order), size)
	}
}

func TestLocalGroup_AllGather(t *testing.T) {
	const size = 3
	handles := NewLocalGroup(size)
	hostnames := []string{"host-a", "host-b", "host-a"}

	var wg sync.WaitGroup
	results := make([][]string, size)

	for r := 0; r < size; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			res, err := handles[r].AllGather(ctx, hostnames[r])
			if err != nil {
				t.Errorf("rank %d: %v", r, err)
				return
			}
			results[r] = res
		}(r)
	}
	wg.Wait()

	for r := 0; r < size; r++ {
		for i, h := range hostnames {
			if results[r][i] != h {
				t.Errorf("rank %d sees index %d = %q, want %q", r, i, results[r][i], h)
			}
		}
	}
}

func TestLocalGroup_BroadcastTimeout(t *testing.T) {
	handles := NewLocalGroup(2)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	// Only rank 1 participates; rank 0 (root) never calls Broadcast, so
	// rank 1 must time out waiting for it.
	buf := make([]byte, 4)
	err := handles[1].Broadcast(ctx, 0, buf)
	if err == nil {
		t.Fatal("expected a timeout error")
	}
}
