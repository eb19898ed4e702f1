package partitions

import (
	"fmt"
	"slices"
)

// RankLayout is the IndexMap construction input of one rank: the elements it
// owns and the off-partition face neighbors it needs a copy of.
type RankLayout struct {
	Rank      int
	SizeLocal int
	Ghosts    []int64 // partition-contiguous global index of each ghost element
	Owners    []int   // owning rank of each ghost

	// LocalToElement maps local index (owned first, then ghosts) to the
	// mesh element ID
	LocalToElement []int

	// Boundary[r] are the owned local indices adjacent to rank r, ascending;
	// rank r ghosts exactly these elements.
	Boundary map[int][]int32
}

// GhostLayout derives the owned count, ghosts and owners of rank from the
// face connectivity. Ghosts are listed in the order they are first met while
// walking the owned elements face by face.
func (pl *PartitionLayout) GhostLayout(rank int, mesh *MeshConnectivity) (*RankLayout, error) {
	if rank < 0 || rank >= pl.NumPartitions {
		return nil, fmt.Errorf("rank %d outside %d partitions", rank, pl.NumPartitions)
	}
	if mesh.NumElements != pl.TotalElements {
		return nil, fmt.Errorf("mesh has %d elements, layout %d", mesh.NumElements, pl.TotalElements)
	}
	if pl.Offsets == nil {
		pl.index()
	}
	part := pl.Partitions[rank]
	rl := &RankLayout{
		Rank:           rank,
		SizeLocal:      part.NumElements,
		LocalToElement: slices.Clone(part.Elements),
		Boundary:       make(map[int][]int32),
	}

	seen := make(map[int]bool)
	for local, elem := range part.Elements {
		for _, nbr := range mesh.EToE[elem] {
			if nbr < 0 || nbr == elem {
				continue
			}
			owner := pl.GetPartition(nbr)
			if owner == rank {
				continue
			}
			b := rl.Boundary[owner]
			if len(b) == 0 || b[len(b)-1] != int32(local) {
				rl.Boundary[owner] = append(b, int32(local))
			}
			if seen[nbr] {
				continue
			}
			seen[nbr] = true
			rl.Ghosts = append(rl.Ghosts, pl.GlobalIndex(nbr))
			rl.Owners = append(rl.Owners, owner)
			rl.LocalToElement = append(rl.LocalToElement, nbr)
		}
	}
	return rl, nil
}

// ValidateExchangeSymmetry checks that what every rank expects to receive
// from each neighbor matches what that neighbor will send it.
func ValidateExchangeSymmetry(layouts []*RankLayout) error {
	type link struct{ from, to int }

	// Build send expectations
	sends := make(map[link]int)
	for _, rl := range layouts {
		for to, b := range rl.Boundary {
			sends[link{rl.Rank, to}] = len(b)
		}
	}

	// Verify receive expectations match
	recvs := make(map[link]int)
	for _, rl := range layouts {
		for _, owner := range rl.Owners {
			recvs[link{owner, rl.Rank}]++
		}
	}
	for l, n := range recvs {
		sent, ok := sends[l]
		if !ok {
			return fmt.Errorf("rank %d expects to receive from %d, but %d doesn't send",
				l.to, l.from, l.from)
		}
		if sent != n {
			return fmt.Errorf("count mismatch: rank %d sends %d to %d, but %d expects %d",
				l.from, sent, l.to, l.to, n)
		}
	}
	for l := range sends {
		if _, ok := recvs[l]; !ok {
			return fmt.Errorf("rank %d sends to %d, which expects nothing", l.from, l.to)
		}
	}
	return nil
}
