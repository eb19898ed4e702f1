package indexmap

import (
	"context"
	"fmt"
	"time"

	"gonum.org/v1/gonum/graph/simple"

	"github.com/notargets/ghostmap/comm"
)

// Neighborhood is the sparse communication pattern of one rank, derived from
// the ghost-owner relation. Pick and Place play the roles of send and receive
// index lists: Pick[i] are the owned local indices sent to Dests[i], Place[i]
// are the ghost slots (0-based in the ghost list) filled from Sources[i].
// Pick lists are ordered the way the receiving rank lists its ghosts, so a
// payload lines up with the receiver's Place list without further lookup.
type Neighborhood struct {
	Sources []int     // ranks owning at least one of my ghosts, ascending
	Place   [][]int32 // per source: ghost positions in ghost order
	Dests   []int     // ranks ghosting at least one of my owned indices, ascending
	Pick    [][]int32 // per dest: owned local indices
}

// Neighborhood returns the map's communication pattern, deriving it on first
// use. Derivation is a collective (one all-to-all of ghost requests), so the
// first call must happen on every rank at the same point; ScatterForward,
// ScatterReverse and Compress all call it. Only a successful derivation is
// cached; a failed one is retried by the next call.
func (m *IndexMap) Neighborhood(ctx context.Context) (*Neighborhood, error) {
	m.nbrMu.Lock()
	defer m.nbrMu.Unlock()
	if m.nbr != nil {
		return m.nbr, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("neighborhood: %w", err)
	}
	nb, err := m.deriveNeighborhood(ctx)
	if err != nil {
		return nil, err
	}
	m.nbr = nb
	return nb, nil
}

// deriveNeighborhood announces to every rank which of its indices this rank
// ghosts. What a rank receives is exactly its send list.
func (m *IndexMap) deriveNeighborhood(ctx context.Context) (*Neighborhood, error) {
	began := time.Now()
	size := m.comm.Size()
	requests := make([][]int64, size)
	place := make([][]int32, size)
	for i, g := range m.ghosts {
		r := m.owners[i]
		requests[r] = append(requests[r], g)
		place[r] = append(place[r], int32(i))
	}

	received, err := comm.Alltoall(ctx, m.comm, requests)
	if err != nil {
		return nil, fmt.Errorf("neighborhood: %w", err)
	}

	nb := &Neighborhood{}
	for r, positions := range place {
		if len(positions) > 0 {
			nb.Sources = append(nb.Sources, r)
			nb.Place = append(nb.Place, positions)
		}
	}
	start, end := m.LocalRange()
	for r, globals := range received {
		if r == m.comm.Rank() || len(globals) == 0 {
			continue
		}
		pick := make([]int32, len(globals))
		for k, g := range globals {
			if g < start || g >= end {
				return nil, fmt.Errorf("%w: rank %d ghosts global %d, not in [%d, %d)",
					ErrInvalidGhostOwner, r, g, start, end)
			}
			pick[k] = int32(g - start)
		}
		nb.Dests = append(nb.Dests, r)
		nb.Pick = append(nb.Pick, pick)
	}

	m.opts.observer.ObserveExchange("neighborhood", len(m.ghosts), time.Since(began))
	m.opts.log.Debug().
		Int("rank", m.comm.Rank()).
		Ints("sources", nb.Sources).
		Ints("dests", nb.Dests).
		Msg("neighborhood derived")
	return nb, nil
}

// SendCount is the number of indices sent per forward scatter, before
// multiplying by the block size.
func (nb *Neighborhood) SendCount() int {
	n := 0
	for _, p := range nb.Pick {
		n += len(p)
	}
	return n
}

// RecvCount is the number of ghost slots filled per forward scatter.
func (nb *Neighborhood) RecvCount() int {
	n := 0
	for _, p := range nb.Place {
		n += len(p)
	}
	return n
}

// SharedIndices maps every owned local index that is ghosted elsewhere to
// the ascending list of ranks ghosting it.
func (m *IndexMap) SharedIndices(ctx context.Context) (map[int32][]int, error) {
	nb, err := m.Neighborhood(ctx)
	if err != nil {
		return nil, err
	}
	shared := make(map[int32][]int)
	for i, r := range nb.Dests {
		for _, l := range nb.Pick[i] {
			shared[l] = append(shared[l], r)
		}
	}
	return shared, nil
}

// CommunicationGraph gathers every rank's destinations and returns the
// group-wide directed graph with an edge owner -> ghosting rank. Node IDs are
// ranks. Collective.
func CommunicationGraph(ctx context.Context, m *IndexMap) (*simple.DirectedGraph, error) {
	nb, err := m.Neighborhood(ctx)
	if err != nil {
		return nil, err
	}
	dests := nb.Dests
	if dests == nil {
		dests = []int{}
	}
	all, err := comm.Allgather(ctx, m.comm, dests)
	if err != nil {
		return nil, fmt.Errorf("communication graph: %w", err)
	}
	g := simple.NewDirectedGraph()
	for r := range all {
		g.AddNode(simple.Node(r))
	}
	for r, ds := range all {
		for _, d := range ds {
			g.SetEdge(g.NewEdge(simple.Node(r), simple.Node(d)))
		}
	}
	return g, nil
}
