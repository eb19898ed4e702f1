package indexmap

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/notargets/ghostmap/comm"
)

// selection is a validated list of local indices split into owned indices
// and ghost positions, both in caller order.
type selection struct {
	owned    []int32
	ghostPos []int32
}

func (m *IndexMap) split(indices []int32, strict bool) (selection, error) {
	if strict && len(indices) == 0 {
		return selection{}, fmt.Errorf("%w: empty", ErrEmptyOrDuplicateSelection)
	}
	total := m.sizeLocal + len(m.ghosts)
	seen := make(map[int32]struct{}, len(indices))
	var sel selection
	for _, l := range indices {
		if l < 0 || int(l) >= total {
			return selection{}, fmt.Errorf("%w: local index %d outside [0, %d)", ErrNotLocal, l, total)
		}
		if _, dup := seen[l]; dup {
			if strict {
				return selection{}, fmt.Errorf("%w: local index %d repeated", ErrEmptyOrDuplicateSelection, l)
			}
			continue
		}
		seen[l] = struct{}{}
		if int(l) < m.sizeLocal {
			sel.owned = append(sel.owned, l)
		} else {
			sel.ghostPos = append(sel.ghostPos, l-int32(m.sizeLocal))
		}
	}
	return sel, nil
}

// ownership is the result of telling every owner which of its indices were
// selected elsewhere.
type ownership struct {
	nb *Neighborhood
	// owned is the ascending union of indices selected here and indices
	// selected as ghosts by other ranks.
	owned []int32
	// requests[i] are the globals sent to nb.Sources[i]; reqPos[i] their
	// ghost positions.
	requests [][]int64
	reqPos   [][]int32
	// incoming[i] are the globals nb.Dests[i] selected from this rank.
	incoming [][]int64
}

func (m *IndexMap) resolveOwnership(ctx context.Context, sel selection) (*ownership, error) {
	nb, err := m.Neighborhood(ctx)
	if err != nil {
		return nil, err
	}
	srcIndex := make(map[int]int, len(nb.Sources))
	for i, r := range nb.Sources {
		srcIndex[r] = i
	}
	own := &ownership{
		nb:       nb,
		requests: make([][]int64, len(nb.Sources)),
		reqPos:   make([][]int32, len(nb.Sources)),
	}
	for _, p := range sel.ghostPos {
		i := srcIndex[m.owners[p]]
		own.requests[i] = append(own.requests[i], m.ghosts[p])
		own.reqPos[i] = append(own.reqPos[i], p)
	}

	own.incoming, err = comm.NeighborExchange(ctx, m.comm, tagCompressRequest, nb.Sources, own.requests, nb.Dests)
	if err != nil {
		return nil, fmt.Errorf("send selected ghosts to owners: %w", err)
	}

	start, end := m.LocalRange()
	union := roaring.New()
	for _, l := range sel.owned {
		union.Add(uint32(l))
	}
	for i, globals := range own.incoming {
		for _, g := range globals {
			if g < start || g >= end {
				return nil, fmt.Errorf("%w: rank %d selected global %d, not in [%d, %d)",
					ErrInvalidGhostOwner, nb.Dests[i], g, start, end)
			}
			union.Add(uint32(g - start))
		}
	}
	own.owned = make([]int32, 0, union.GetCardinality())
	it := union.Iterator()
	for it.HasNext() {
		own.owned = append(own.owned, int32(it.Next()))
	}
	return own, nil
}

// OwnedIndices returns the owned local indices, ascending and unique, that
// appear in indices on this rank or as a ghost in indices on any other rank.
// indices may mix owned and ghost local indices and may repeat. Collective.
func OwnedIndices(ctx context.Context, m *IndexMap, indices []int32) ([]int32, error) {
	sel, err := m.split(indices, false)
	if err != nil {
		return nil, err
	}
	own, err := m.resolveOwnership(ctx, sel)
	if err != nil {
		return nil, err
	}
	return own.owned, nil
}

// Compress builds a new map holding exactly the selected local indices of m,
// plus any owned index another rank selected. It returns the new map and,
// for every local index of the new map, the global index it had in m.
//
// An index keeps its original owner whenever any rank selects it, so the new
// owner is a pure function of the global index and needs no agreement
// beyond the exchange with the owner. New owned indices keep their original
// relative order; new ghosts follow the order of the selection.
//
// indices must be non-empty and free of repeats. Collective.
func Compress(ctx context.Context, m *IndexMap, indices []int32, opts ...Option) (*IndexMap, []int64, error) {
	sel, err := m.split(indices, true)
	if err != nil {
		return nil, nil, err
	}
	began := time.Now()
	own, err := m.resolveOwnership(ctx, sel)
	if err != nil {
		return nil, nil, err
	}

	ranges, err := GlobalRanges(ctx, m.comm, len(own.owned))
	if err != nil {
		return nil, nil, err
	}
	newOffset := ranges[m.comm.Rank()]
	oldStart, _ := m.LocalRange()

	// Tell every requester the new global index of what it selected.
	nb := own.nb
	replies := make([][]int64, len(nb.Dests))
	sent := len(sel.ghostPos)
	for i, globals := range own.incoming {
		sent += len(globals)
		replies[i] = make([]int64, len(globals))
		for k, g := range globals {
			pos, _ := slices.BinarySearch(own.owned, int32(g-oldStart))
			replies[i][k] = newOffset + int64(pos)
		}
	}
	answers, err := comm.NeighborExchange(ctx, m.comm, tagCompressReply, nb.Dests, replies, nb.Sources)
	if err != nil {
		return nil, nil, fmt.Errorf("receive renumbered ghosts: %w", err)
	}
	renumbered := make(map[int32]int64, len(sel.ghostPos))
	for i, positions := range own.reqPos {
		if len(answers[i]) != len(positions) {
			return nil, nil, fmt.Errorf("%w: rank %d renumbered %d ghosts, want %d",
				ErrShapeMismatch, nb.Sources[i], len(answers[i]), len(positions))
		}
		for k, p := range positions {
			renumbered[p] = answers[i][k]
		}
	}

	ghosts := make([]int64, len(sel.ghostPos))
	owners := make([]int, len(sel.ghostPos))
	original := make([]int64, 0, len(own.owned)+len(sel.ghostPos))
	for _, l := range own.owned {
		original = append(original, oldStart+int64(l))
	}
	for k, p := range sel.ghostPos {
		ghosts[k] = renumbered[p]
		owners[k] = m.owners[p]
		original = append(original, m.ghosts[p])
	}

	if len(opts) == 0 {
		opts = []Option{WithLogger(m.opts.log), WithObserver(m.opts.observer)}
	}
	compressed, err := newWithRanges(m.comm, ranges, len(own.owned), ghosts, owners, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("compressed map: %w", err)
	}
	m.opts.observer.ObserveExchange("compress", sent, time.Since(began))
	return compressed, original, nil
}
