package indexmap

import (
	"context"
	"fmt"
	"sort"

	"github.com/notargets/ghostmap/comm"
)

// GlobalRanges gathers the owned count of every rank and returns the
// partition of the global index space: rank r owns [ranges[r], ranges[r+1]).
// The offset of each rank is the exclusive prefix sum of the counts.
//
// Collective.
func GlobalRanges(ctx context.Context, c comm.Comm, sizeLocal int) ([]int64, error) {
	sizes, err := comm.Allgather(ctx, c, int64(sizeLocal))
	if err != nil {
		return nil, fmt.Errorf("gather local sizes: %w", err)
	}
	ranges := make([]int64, len(sizes)+1)
	for r, n := range sizes {
		ranges[r+1] = ranges[r] + n
	}
	return ranges, nil
}

// ownerOf returns the rank whose range holds global, or -1 when global lies
// outside [0, size_global). Ranks with an empty range are never returned.
func ownerOf(ranges []int64, global int64) int {
	nranks := len(ranges) - 1
	if global < 0 || global >= ranges[nranks] {
		return -1
	}
	return sort.Search(nranks, func(r int) bool { return ranges[r+1] > global })
}

// OwnerRanks computes the owning rank of each global index from ranges, the
// way NewFromGhosts does. Indices outside the global range map to -1.
func OwnerRanks(ranges []int64, globals []int64) []int {
	owners := make([]int, len(globals))
	for i, g := range globals {
		owners[i] = ownerOf(ranges, g)
	}
	return owners
}
