// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package distengine

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/nishisan-dev/modelstreamer/internal/distengine/transport"
)

// DiscoverSubgroups runs the one-time hostname all-gather on the
// sandbox world group and computes, for every rank, which subgroup it
// belongs to. Every peer computes the identical list of groups in the
// identical order — a collective requirement, since sub-collectives
// are typically created in lockstep by all world ranks — then looks up
// its own index.
//
// global=true collapses everything into a single subgroup containing
// every rank, matching DIST_GLOBAL=1.
func DiscoverSubgroups(ctx context.Context, world transport.Collective, hostname string, global bool) (groups [][]int, mine int, err error) {
	if global {
		all := make([]int, world.Size())
		for i := range all {
			all[i] = i
		}
		return [][]int{all}, 0, nil
	}

	hostnames, err := world.AllGather(ctx, hostname)
	if err != nil {
		return nil, 0, fmt.Errorf("discovering peer hostnames: %w", err)
	}

	byHost := make(map[string][]int)
	var uniqueHosts []string
	for rank, h := range hostnames {
		if _, ok := byHost[h]; !ok {
			uniqueHosts = append(uniqueHosts, h)
		}
		byHost[h] = append(byHost[h], rank)
	}
	sort.Strings(uniqueHosts)

	groups = make([][]int, len(uniqueHosts))
	for i, h := range uniqueHosts {
		groups[i] = byHost[h]
	}

	myRank := world.Rank()
	for i, g := range groups {
		for _, r := range g {
			if r == myRank {
				mine = i
			}
		}
	}
	return groups, mine, nil
}

// BroadcastPlan is the plan every peer in a subgroup independently
// computes: the subgroup size and the local peer's rank within the
// subgroup. Senders take turns in each round in rank order 0..Size-1;
// the plan is kept as an explicit type so callers don't confuse
// subgroup rank with global rank.
type BroadcastPlan struct {
	Size      int
	LocalRank int
}

// NewBroadcastPlan builds the plan for a Collective already scoped to
// the peer's subgroup.
func NewBroadcastPlan(coll transport.Collective) BroadcastPlan {
	return BroadcastPlan{Size: coll.Size(), LocalRank: coll.Rank()}
}

// NewSessionID agrees on a single id for a distributed streaming run
// across every peer in coll, mirroring the teacher's per-run
// SessionID used to correlate log lines from every participant. There
// is no elected leader step: each peer proposes its own UUID and all
// peers converge on the lexicographically smallest proposal, which is
// both deterministic and order-independent.
func NewSessionID(ctx context.Context, coll transport.Collective) (string, error) {
	proposals, err := coll.AllGather(ctx, uuid.NewString())
	if err != nil {
		return "", fmt.Errorf("agreeing on distributed session id: %w", err)
	}
	sort.Strings(proposals)
	return proposals[0], nil
}
