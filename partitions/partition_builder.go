package partitions

import (
	"fmt"
	"math"
	"slices"
)

// PartitionBuilder constructs partitions from mesh connectivity
type PartitionBuilder struct {
	// Mesh connectivity
	Mesh *MeshConnectivity

	// Partitioning parameters
	NumPartitions       int // Number of ranks; derived from TargetPartitionSize when 0
	TargetPartitionSize int // Desired elements per partition
	Strategy            PartitionStrategy
}

// MeshConnectivity provides the mesh topology needed for partitioning
type MeshConnectivity struct {
	NumElements int

	// Face connectivity. EToE[k][f] is the element across face f of element
	// k; boundary faces point back at k itself or hold -1.
	EToE [][]int
}

// PartitionStrategy defines how elements are grouped
type PartitionStrategy int

const (
	// Simple strategies
	BlockPartition PartitionStrategy = iota // Consecutive elements
	RoundRobin                              // Distribute cyclically

	// Graph-based strategies
	GraphPartition // Breadth-first growth over face neighbors
)

func (s PartitionStrategy) String() string {
	switch s {
	case BlockPartition:
		return "block"
	case RoundRobin:
		return "round-robin"
	case GraphPartition:
		return "graph"
	default:
		return fmt.Sprintf("PartitionStrategy(%d)", int(s))
	}
}

// ParseStrategy maps a configuration name to a strategy
func ParseStrategy(name string) (PartitionStrategy, error) {
	switch name {
	case "", "block":
		return BlockPartition, nil
	case "round-robin", "roundrobin":
		return RoundRobin, nil
	case "graph":
		return GraphPartition, nil
	}
	return 0, fmt.Errorf("unknown partition strategy %q", name)
}

// Validate checks that the connectivity is well formed and symmetric
func (mc *MeshConnectivity) Validate() error {
	if len(mc.EToE) != mc.NumElements {
		return fmt.Errorf("EToE has %d rows for %d elements", len(mc.EToE), mc.NumElements)
	}
	for elem, neighbors := range mc.EToE {
		for face, nbr := range neighbors {
			if nbr < 0 || nbr == elem {
				continue
			}
			if nbr >= mc.NumElements {
				return fmt.Errorf("element %d face %d: neighbor %d out of range", elem, face, nbr)
			}
			if !slices.Contains(mc.EToE[nbr], elem) {
				return fmt.Errorf("element %d lists %d as a neighbor but not vice versa", elem, nbr)
			}
		}
	}
	return nil
}

// BuildPartitions creates a partition layout from mesh connectivity
func (pb *PartitionBuilder) BuildPartitions() (*PartitionLayout, error) {
	if pb.Mesh == nil {
		return nil, fmt.Errorf("no mesh connectivity")
	}
	if err := pb.Mesh.Validate(); err != nil {
		return nil, fmt.Errorf("invalid mesh: %w", err)
	}

	// Determine number of partitions needed
	numPartitions := pb.calculateNumPartitions()

	// Partition the elements
	eToP := pb.partitionElements(numPartitions)

	// Create the layout
	layout := &PartitionLayout{
		Partitions:    pb.createPartitions(eToP, numPartitions),
		TotalElements: pb.Mesh.NumElements,
		NumPartitions: numPartitions,
		EToP:          eToP,
	}

	// Validate the layout
	if err := layout.ValidateLayout(); err != nil {
		return nil, fmt.Errorf("invalid partition layout: %w", err)
	}
	layout.index()

	return layout, nil
}

// calculateNumPartitions determines the partition count
func (pb *PartitionBuilder) calculateNumPartitions() int {
	if pb.NumPartitions > 0 {
		return pb.NumPartitions
	}
	if pb.TargetPartitionSize <= 0 {
		return 1
	}

	// Basic calculation based on target size
	numPartitions := int(math.Ceil(float64(pb.Mesh.NumElements) / float64(pb.TargetPartitionSize)))

	// Ensure at least one partition
	if numPartitions < 1 {
		numPartitions = 1
	}

	return numPartitions
}

// balancedSizes splits n elements into parts sizes differing by at most one
func balancedSizes(n, parts int) []int {
	sizes := make([]int, parts)
	for p := range sizes {
		sizes[p] = n / parts
		if p < n%parts {
			sizes[p]++
		}
	}
	return sizes
}

// partitionElements assigns elements to partitions
func (pb *PartitionBuilder) partitionElements(numPartitions int) []int {
	eToP := make([]int, pb.Mesh.NumElements)

	switch pb.Strategy {
	case RoundRobin:
		// Distribute elements cyclically
		for i := 0; i < pb.Mesh.NumElements; i++ {
			eToP[i] = i % numPartitions
		}

	case GraphPartition:
		return pb.growPartitions(numPartitions)

	default:
		// Block partitioning with balanced sizes
		elem := 0
		for p, n := range balancedSizes(pb.Mesh.NumElements, numPartitions) {
			for ; n > 0; n-- {
				eToP[elem] = p
				elem++
			}
		}
	}

	return eToP
}

// growPartitions fills each partition breadth-first from its lowest
// unassigned element until it reaches its balanced size. Neighbors are
// visited in ascending element order so every rank computes the same result.
func (pb *PartitionBuilder) growPartitions(numPartitions int) []int {
	n := pb.Mesh.NumElements
	eToP := make([]int, n)
	for i := range eToP {
		eToP[i] = -1
	}
	sizes := balancedSizes(n, numPartitions)

	part, count := 0, 0
	for seed := 0; seed < n; seed++ {
		if eToP[seed] >= 0 {
			continue
		}
		queue := []int{seed}
		eToP[seed] = part
		for len(queue) > 0 {
			elem := queue[0]
			queue = queue[1:]
			count++
			if count == sizes[part] {
				// Anything still queued goes back to the pool
				for _, q := range queue {
					eToP[q] = -1
				}
				part, count = part+1, 0
				break
			}
			neighbors := slices.Clone(pb.Mesh.EToE[elem])
			slices.Sort(neighbors)
			for _, nbr := range neighbors {
				if nbr >= 0 && nbr != elem && eToP[nbr] < 0 {
					eToP[nbr] = part
					queue = append(queue, nbr)
				}
			}
		}
	}
	return eToP
}

// createPartitions builds partition structures from element assignments
func (pb *PartitionBuilder) createPartitions(eToP []int, numPartitions int) []Partition {
	partitions := make([]Partition, numPartitions)

	// Initialize partitions
	for i := range partitions {
		partitions[i] = Partition{
			ID:       i,
			Elements: make([]int, 0),
		}
	}

	// Assign elements to partitions
	for elem, part := range eToP {
		partitions[part].Elements = append(partitions[part].Elements, elem)
		partitions[part].NumElements++
	}

	return partitions
}

// GridConnectivity is an nx by ny grid of quads, element i+nx*j, with faces
// ordered left, right, down, up. Boundary faces point back at the element.
func GridConnectivity(nx, ny int) *MeshConnectivity {
	eToE := make([][]int, nx*ny)
	for j := 0; j < ny; j++ {
		for i := 0; i < nx; i++ {
			k := i + nx*j
			faces := []int{k, k, k, k}
			if i > 0 {
				faces[0] = k - 1
			}
			if i < nx-1 {
				faces[1] = k + 1
			}
			if j > 0 {
				faces[2] = k - nx
			}
			if j < ny-1 {
				faces[3] = k + nx
			}
			eToE[k] = faces
		}
	}
	return &MeshConnectivity{NumElements: nx * ny, EToE: eToE}
}
