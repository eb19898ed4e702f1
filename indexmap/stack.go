package indexmap

import (
	"context"
	"fmt"
	"math"

	"github.com/notargets/ghostmap/comm"
)

// BlockMap pairs a map with the number of values stored per index.
type BlockMap struct {
	Map       *IndexMap
	BlockSize int
}

// StackLayout describes the concatenation of several blocked maps into one
// index space, as used for block (mixed) problems. On each rank the owned
// part of sub-map m occupies local offsets [LocalOffsets[m],
// LocalOffsets[m+1]) of the stacked map.
type StackLayout struct {
	ProcessOffset int64     // first global index owned by this rank in the stacked map
	LocalOffsets  []int32   // len(maps)+1
	Ghosts        [][]int64 // per sub-map, BlockSize entries per original ghost
	GhostOwners   [][]int
}

// Stack computes the stacked numbering of maps. Every map must live on the
// same group. Owners tell each ghosting rank the stacked index of its ghosts
// over the existing neighborhoods, one exchange per sub-map. Collective.
func Stack(ctx context.Context, maps []BlockMap) (*StackLayout, error) {
	if len(maps) == 0 {
		return nil, fmt.Errorf("%w: no maps to stack", ErrShapeMismatch)
	}
	c := maps[0].Map.comm
	layout := &StackLayout{
		LocalOffsets: make([]int32, len(maps)+1),
		Ghosts:       make([][]int64, len(maps)),
		GhostOwners:  make([][]int, len(maps)),
	}
	for i, bm := range maps {
		if bm.BlockSize < 1 {
			return nil, fmt.Errorf("%w: map %d has block size %d", ErrShapeMismatch, i, bm.BlockSize)
		}
		if bm.Map.comm.Size() != c.Size() || bm.Map.comm.Rank() != c.Rank() {
			return nil, fmt.Errorf("%w: map %d lives on a different group", ErrShapeMismatch, i)
		}
		layout.ProcessOffset += int64(bm.BlockSize) * bm.Map.GlobalOffset()
		next := int64(layout.LocalOffsets[i]) + int64(bm.BlockSize)*int64(bm.Map.sizeLocal)
		if next > math.MaxInt32 {
			return nil, fmt.Errorf("%w: stacked local size %d after map %d exceeds int32", ErrShapeMismatch, next, i)
		}
		layout.LocalOffsets[i+1] = int32(next)
	}

	for i, bm := range maps {
		m, bs := bm.Map, bm.BlockSize
		nb, err := m.Neighborhood(ctx)
		if err != nil {
			return nil, err
		}
		base := layout.ProcessOffset + int64(layout.LocalOffsets[i])
		replies := make([][]int64, len(nb.Dests))
		for d, pick := range nb.Pick {
			replies[d] = make([]int64, len(pick))
			for k, l := range pick {
				replies[d][k] = base + int64(bs)*int64(l)
			}
		}
		answers, err := comm.NeighborExchange(ctx, c, tagStackReply, nb.Dests, replies, nb.Sources)
		if err != nil {
			return nil, fmt.Errorf("stack map %d: %w", i, err)
		}

		ghosts := make([]int64, bs*len(m.ghosts))
		owners := make([]int, bs*len(m.ghosts))
		for s, place := range nb.Place {
			if len(answers[s]) != len(place) {
				return nil, fmt.Errorf("%w: rank %d answered %d ghosts of map %d, want %d",
					ErrShapeMismatch, nb.Sources[s], len(answers[s]), i, len(place))
			}
			for k, p := range place {
				for j := 0; j < bs; j++ {
					ghosts[bs*int(p)+j] = answers[s][k] + int64(j)
					owners[bs*int(p)+j] = nb.Sources[s]
				}
			}
		}
		layout.Ghosts[i] = ghosts
		layout.GhostOwners[i] = owners
	}
	return layout, nil
}

// SizeLocal is the owned size of the stacked map on this rank.
func (sl *StackLayout) SizeLocal() int { return int(sl.LocalOffsets[len(sl.LocalOffsets)-1]) }

// IndexMap builds the stacked map itself. Its global offset equals
// ProcessOffset on every rank. Collective.
func (sl *StackLayout) IndexMap(ctx context.Context, c comm.Comm, opts ...Option) (*IndexMap, error) {
	var ghosts []int64
	var owners []int
	for i := range sl.Ghosts {
		ghosts = append(ghosts, sl.Ghosts[i]...)
		owners = append(owners, sl.GhostOwners[i]...)
	}
	return New(ctx, c, sl.SizeLocal(), ghosts, owners, opts...)
}
