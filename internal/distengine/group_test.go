// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package distengine

import (
	"context"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/nishisan-dev/modelstreamer/internal/distengine/transport"
)

func TestDiscoverSubgroups_Global(t *testing.T) {
	handles := transport.NewLocalGroup(3)
	for r := 0; r < 3; r++ {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		groups, mine, err := DiscoverSubgroups(ctx, handles[r], "irrelevant", true)
		cancel()
		if err != nil {
			t.Fatalf("rank %d: %v", r, err)
		}
		if len(groups) != 1 || len(groups[0]) != 3 {
			t.Fatalf("rank %d: got groups %+v, want a single group of 3", r, groups)
		}
		if mine != 0 {
			t.Fatalf("rank %d: mine = %d, want 0", r, mine)
		}
	}
}

func TestDiscoverSubgroups_ByHostnameIsDeterministicAcrossPeers(t *testing.T) {
	const size = 4
	handles := transport.NewLocalGroup(size)
	hostnames := []string{"zeta", "alpha", "alpha", "zeta"}

	var wg sync.WaitGroup
	groupsByRank := make([][][]int, size)
	mineByRank := make([]int, size)
	errByRank := make([]error, size)

	for r := 0; r < size; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			groups, mine, err := DiscoverSubgroups(ctx, handles[r], hostnames[r], false)
			groupsByRank[r] = groups
			mineByRank[r] = mine
			errByRank[r] = err
		}(r)
	}
	wg.Wait()

	for r := 0; r < size; r++ {
		if errByRank[r] != nil {
			t.Fatalf("rank %d: %v", r, errByRank[r])
		}
	}

	// "alpha" sorts before "zeta", so group 0 is alpha's ranks (1,2) and
	// group 1 is zeta's ranks (0,3).
	want := [][]int{{1, 2}, {0, 3}}
	for r := 0; r < size; r++ {
		if !reflect.DeepEqual(groupsByRank[r], want) {
			t.Fatalf("rank %d sees groups %+v, want %+v", r, groupsByRank[r], want)
		}
	}

	wantMine := map[int]int{0: 1, 1: 0, 2: 0, 3: 1}
	for r := 0; r < size; r++ {
		if mineByRank[r] != wantMine[r] {
			t.Errorf("rank %d: mine = %d, want %d", r, mineByRank[r], wantMine[r])
		}
	}
}

func TestNewBroadcastPlan(t *testing.T) {
	handles := transport.NewLocalGroup(2)
	plan := NewBroadcastPlan(handles[1])
	if plan.Size != 2 || plan.LocalRank != 1 {
		t.Fatalf("got %+v, want Size=2 LocalRank=1", plan)
	}
}
