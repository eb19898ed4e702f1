// Package indexmap distributes a global index space over the ranks of a
// comm.Comm. Every rank owns a contiguous block of global indices and holds
// ghost copies of indices owned elsewhere. Values laid out over an IndexMap
// are synchronized with ScatterForward (owner to ghost) and ScatterReverse
// (ghost to owner), and a map can be restricted to a subset with Compress.
//
// Local numbering puts the owned indices first, [0, SizeLocal()), followed by
// the ghosts in the order they were registered.
//
// All constructors and exchanges are collectives: every rank of the group
// must call the same operations in the same order, with consistent block
// sizes, or the group blocks. This cannot be checked locally.
package indexmap

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/notargets/ghostmap/comm"
)

// Message tags used by the exchanges in this package.
const (
	tagScatterForward  = 100
	tagScatterReverse  = 101
	tagCompressRequest = 102
	tagCompressReply   = 103
	tagStackReply      = 104
)

// Ghost is one non-owned entry of a map.
type Ghost struct {
	Global int64
	Owner  int
}

// IndexMap is immutable after construction and safe for concurrent reads.
type IndexMap struct {
	comm      comm.Comm
	ranges    []int64 // rank r owns [ranges[r], ranges[r+1])
	sizeLocal int
	ghosts    []int64
	owners    []int
	ghostPos  map[int64]int32 // global -> position in ghosts

	opts options

	nbrMu sync.Mutex
	nbr   *Neighborhood // nil until derived successfully
}

// New builds the map for this rank from its owned count and its ghosts, given
// as global indices with the rank that owns each one.
//
// Collective: the owned counts of all ranks are gathered to fix the global
// numbering. Validation runs after the gather, so a rank with bad input still
// completes the collective before returning its error.
func New(ctx context.Context, c comm.Comm, sizeLocal int, ghosts []int64, owners []int, opts ...Option) (*IndexMap, error) {
	ranges, err := GlobalRanges(ctx, c, max(sizeLocal, 0))
	if err != nil {
		return nil, err
	}
	return newWithRanges(c, ranges, sizeLocal, ghosts, owners, opts...)
}

// NewOwned builds a map without ghosts.
func NewOwned(ctx context.Context, c comm.Comm, sizeLocal int, opts ...Option) (*IndexMap, error) {
	return New(ctx, c, sizeLocal, nil, nil, opts...)
}

// NewFromGhosts builds a map whose ghost owners are looked up from the global
// numbering instead of being supplied by the caller.
func NewFromGhosts(ctx context.Context, c comm.Comm, sizeLocal int, ghosts []int64, opts ...Option) (*IndexMap, error) {
	ranges, err := GlobalRanges(ctx, c, max(sizeLocal, 0))
	if err != nil {
		return nil, err
	}
	return newWithRanges(c, ranges, sizeLocal, ghosts, OwnerRanks(ranges, ghosts), opts...)
}

func newWithRanges(c comm.Comm, ranges []int64, sizeLocal int, ghosts []int64, owners []int, opts ...Option) (*IndexMap, error) {
	if sizeLocal < 0 {
		return nil, fmt.Errorf("%w: negative local size %d", ErrShapeMismatch, sizeLocal)
	}
	if len(ghosts) != len(owners) {
		return nil, fmt.Errorf("%w: %d ghosts with %d owners", ErrShapeMismatch, len(ghosts), len(owners))
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	rank := c.Rank()
	m := &IndexMap{
		comm:      c,
		ranges:    ranges,
		sizeLocal: sizeLocal,
		ghosts:    slices.Clone(ghosts),
		owners:    slices.Clone(owners),
		ghostPos:  make(map[int64]int32, len(ghosts)),
		opts:      o,
	}
	start, end := ranges[rank], ranges[rank+1]
	for i, g := range m.ghosts {
		if g >= start && g < end {
			return nil, fmt.Errorf("%w: ghost %d is global %d in [%d, %d)", ErrSelfGhost, i, g, start, end)
		}
		if actual := ownerOf(ranges, g); actual < 0 || actual != m.owners[i] {
			return nil, fmt.Errorf("%w: ghost %d (global %d) claims rank %d, owned by %d",
				ErrInvalidGhostOwner, i, g, m.owners[i], actual)
		}
		if _, dup := m.ghostPos[g]; dup {
			return nil, fmt.Errorf("%w: global %d", ErrDuplicateGhost, g)
		}
		m.ghostPos[g] = int32(i)
	}

	o.log.Debug().
		Int("rank", rank).
		Int("size_local", sizeLocal).
		Int("num_ghosts", len(ghosts)).
		Int64("offset", start).
		Int64("size_global", m.SizeGlobal()).
		Msg("index map built")
	return m, nil
}

// Comm returns the process group the map was built on.
func (m *IndexMap) Comm() comm.Comm { return m.comm }

// SizeLocal is the number of indices owned by this rank.
func (m *IndexMap) SizeLocal() int { return m.sizeLocal }

// NumGhosts is the number of ghost entries on this rank.
func (m *IndexMap) NumGhosts() int { return len(m.ghosts) }

// SizeGlobal is the number of indices owned across the whole group.
func (m *IndexMap) SizeGlobal() int64 { return m.ranges[len(m.ranges)-1] }

// GlobalOffset is the first global index owned by this rank.
func (m *IndexMap) GlobalOffset() int64 { return m.ranges[m.comm.Rank()] }

// LocalRange returns the half-open range of global indices owned here.
func (m *IndexMap) LocalRange() (start, end int64) {
	r := m.comm.Rank()
	return m.ranges[r], m.ranges[r+1]
}

// Ranges returns the owned range boundaries of every rank.
func (m *IndexMap) Ranges() []int64 { return slices.Clone(m.ranges) }

// OwnerOf returns the rank owning global, or -1 if global is outside the
// index space. Needs no communication.
func (m *IndexMap) OwnerOf(global int64) int { return ownerOf(m.ranges, global) }

// GlobalIndex maps a local index to its global index.
func (m *IndexMap) GlobalIndex(local int32) (int64, error) {
	switch {
	case local >= 0 && int(local) < m.sizeLocal:
		return m.GlobalOffset() + int64(local), nil
	case int(local) >= m.sizeLocal && int(local) < m.sizeLocal+len(m.ghosts):
		return m.ghosts[int(local)-m.sizeLocal], nil
	default:
		return 0, fmt.Errorf("%w: local index %d outside [0, %d)", ErrNotLocal, local, m.sizeLocal+len(m.ghosts))
	}
}

// LocalIndex maps a global index to its local index on this rank.
func (m *IndexMap) LocalIndex(global int64) (int32, error) {
	start, end := m.LocalRange()
	if global >= start && global < end {
		return int32(global - start), nil
	}
	if pos, ok := m.ghostPos[global]; ok {
		return int32(m.sizeLocal) + pos, nil
	}
	return -1, fmt.Errorf("%w: global index %d", ErrNotLocal, global)
}

// LocalToGlobal maps a batch of local indices. It fails on the first index
// that is out of range.
func (m *IndexMap) LocalToGlobal(local []int32) ([]int64, error) {
	global := make([]int64, len(local))
	for i, l := range local {
		g, err := m.GlobalIndex(l)
		if err != nil {
			return nil, err
		}
		global[i] = g
	}
	return global, nil
}

// GlobalToLocal maps a batch of global indices; misses are reported as -1.
func (m *IndexMap) GlobalToLocal(global []int64) []int32 {
	local := make([]int32, len(global))
	for i, g := range global {
		l, err := m.LocalIndex(g)
		if err != nil {
			l = -1
		}
		local[i] = l
	}
	return local
}

// GhostOwnerRank returns the owner of ghost slot i (0-based in the ghost
// list, not a local index).
func (m *IndexMap) GhostOwnerRank(i int) (int, error) {
	if i < 0 || i >= len(m.ghosts) {
		return -1, fmt.Errorf("%w: ghost %d of %d", ErrNotLocal, i, len(m.ghosts))
	}
	return m.owners[i], nil
}

// Ghosts returns the ghost entries in local order.
func (m *IndexMap) Ghosts() []Ghost {
	out := make([]Ghost, len(m.ghosts))
	for i, g := range m.ghosts {
		out[i] = Ghost{Global: g, Owner: m.owners[i]}
	}
	return out
}

// GhostIndices returns the global index of every ghost, in local order.
func (m *IndexMap) GhostIndices() []int64 { return slices.Clone(m.ghosts) }

// GhostOwners returns the owner rank of every ghost, in local order.
func (m *IndexMap) GhostOwners() []int { return slices.Clone(m.owners) }

// GlobalIndices returns the global index of every local slot, owned first.
func (m *IndexMap) GlobalIndices() []int64 {
	global := make([]int64, m.sizeLocal+len(m.ghosts))
	offset := m.GlobalOffset()
	for i := 0; i < m.sizeLocal; i++ {
		global[i] = offset + int64(i)
	}
	copy(global[m.sizeLocal:], m.ghosts)
	return global
}
