package partitions

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"
)

// Partition is the set of elements assigned to one rank
type Partition struct {
	// Unique identifier for this partition, equal to the owning rank
	ID int

	// Element membership, ascending by global element ID
	Elements    []int
	NumElements int
}

// PartitionLayout manages the complete mesh decomposition
type PartitionLayout struct {
	// All partitions in the mesh
	Partitions []Partition

	// Global sizing information
	TotalElements int // Sum of all elements across partitions
	NumPartitions int // Total number of partitions

	// Element to partition mapping
	EToP []int // Length TotalElements: element k belongs to partition EToP[k]

	// Offsets[p] is the first partition-contiguous index of partition p
	Offsets []int64
	// position of each element inside its partition's element list
	localIndex []int32
}

// GetPartition returns the partition containing element k
func (pl *PartitionLayout) GetPartition(elementID int) int {
	if elementID < 0 || elementID >= len(pl.EToP) {
		return -1
	}
	return pl.EToP[elementID]
}

// GlobalIndex returns the partition-contiguous index of an element: the
// elements of partition 0 come first, then partition 1, and so on.
func (pl *PartitionLayout) GlobalIndex(elementID int) int64 {
	p := pl.GetPartition(elementID)
	if p < 0 {
		return -1
	}
	return pl.Offsets[p] + int64(pl.localIndex[elementID])
}

// ValidateLayout checks partition consistency
func (pl *PartitionLayout) ValidateLayout() error {
	if len(pl.Partitions) != pl.NumPartitions {
		return fmt.Errorf("%d partitions, NumPartitions %d", len(pl.Partitions), pl.NumPartitions)
	}
	if len(pl.EToP) != pl.TotalElements {
		return fmt.Errorf("EToP length %d != TotalElements %d", len(pl.EToP), pl.TotalElements)
	}
	total := 0
	for _, p := range pl.Partitions {
		if p.NumElements != len(p.Elements) {
			return fmt.Errorf("partition %d: NumElements %d != %d listed",
				p.ID, p.NumElements, len(p.Elements))
		}
		for _, elem := range p.Elements {
			if pl.GetPartition(elem) != p.ID {
				return fmt.Errorf("partition %d lists element %d, EToP says %d",
					p.ID, elem, pl.GetPartition(elem))
			}
		}
		total += p.NumElements
	}
	if total != pl.TotalElements {
		return fmt.Errorf("partitions hold %d elements, want %d", total, pl.TotalElements)
	}
	return nil
}

// index fills Offsets and the element positions from Partitions
func (pl *PartitionLayout) index() {
	pl.Offsets = make([]int64, pl.NumPartitions+1)
	pl.localIndex = make([]int32, pl.TotalElements)
	for i, p := range pl.Partitions {
		pl.Offsets[i+1] = pl.Offsets[i] + int64(p.NumElements)
		for j, elem := range p.Elements {
			pl.localIndex[elem] = int32(j)
		}
	}
}

// PartitionStatistics computes load balance and communication metrics
func (pl *PartitionLayout) PartitionStatistics(mesh *MeshConnectivity) PartitionStats {
	stats := PartitionStats{
		NumPartitions: pl.NumPartitions,
		MinElements:   math.MaxInt32,
		MaxElements:   0,
		AvgElements:   float64(pl.TotalElements) / float64(pl.NumPartitions),
	}

	for _, p := range pl.Partitions {
		if p.NumElements < stats.MinElements {
			stats.MinElements = p.NumElements
		}
		if p.NumElements > stats.MaxElements {
			stats.MaxElements = p.NumElements
		}
	}
	if stats.AvgElements > 0 {
		stats.Imbalance = float64(stats.MaxElements) / stats.AvgElements
	}
	if mesh == nil {
		return stats
	}

	// Each cut face is seen from both sides
	cut := 0
	for elem, neighbors := range mesh.EToE {
		for _, nbr := range neighbors {
			if nbr >= 0 && nbr != elem && pl.GetPartition(nbr) != pl.GetPartition(elem) {
				cut++
			}
		}
	}
	stats.EdgeCut = cut / 2

	for _, p := range pl.Partitions {
		if c := pl.components(p, mesh); c > stats.MaxComponents {
			stats.MaxComponents = c
		}
	}
	return stats
}

// components counts the connected pieces of the subgraph induced by p
func (pl *PartitionLayout) components(p Partition, mesh *MeshConnectivity) int {
	g := simple.NewUndirectedGraph()
	for _, elem := range p.Elements {
		g.AddNode(simple.Node(elem))
	}
	for _, elem := range p.Elements {
		for _, nbr := range mesh.EToE[elem] {
			if nbr > elem && pl.GetPartition(nbr) == p.ID {
				g.SetEdge(g.NewEdge(simple.Node(elem), simple.Node(nbr)))
			}
		}
	}
	return len(topo.ConnectedComponents(g))
}

type PartitionStats struct {
	NumPartitions int
	MinElements   int
	MaxElements   int
	AvgElements   float64
	Imbalance     float64 // MaxElements / AvgElements

	EdgeCut       int // faces shared by elements of different partitions
	MaxComponents int // worst fragmentation of a single partition
}
