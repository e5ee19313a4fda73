package distributor

import "github.com/ChuLiYu/groupmesh/pkg/types"

// Strategy thresholds and shape parameters.
const (
	BatchedThreshold = 100
	TreeThreshold    = 1000
	MeshThreshold    = 10000

	TreeFanout  = 10
	ClusterSize = 1000
)

// GetOptimalDistributionStrategy maps a member count to a fan-out strategy.
func GetOptimalDistributionStrategy(memberCount int) types.DistributionStrategy {
	switch {
	case memberCount < BatchedThreshold:
		return types.StrategyDirect
	case memberCount < TreeThreshold:
		return types.StrategyBatched
	case memberCount < MeshThreshold:
		return types.StrategyTreeRouting
	default:
		return types.StrategyHybridMesh
	}
}

// batchBracket is the fixed BATCHED chunk size for a recipient count.
func batchBracket(total int) int {
	switch {
	case total < 250:
		return 50
	case total < 500:
		return 100
	default:
		return 200
	}
}

// chunk splits recipients into consecutive slices of at most size.
func chunk(recipients []string, size int) [][]string {
	if size <= 0 {
		size = 1
	}
	out := make([][]string, 0, (len(recipients)+size-1)/size)
	for start := 0; start < len(recipients); start += size {
		end := min(start+size, len(recipients))
		out = append(out, recipients[start:end])
	}
	return out
}

// treeChildren returns the child node indices of node i in a heap-ordered
// tree of n nodes with the given fanout. Every node except 0 has exactly one
// parent, (j-1)/fanout, so a walk from the root visits each node once.
func treeChildren(i, n, fanout int) []int {
	first := i*fanout + 1
	if first >= n {
		return nil
	}
	last := min(first+fanout, n)
	out := make([]int, 0, last-first)
	for c := first; c < last; c++ {
		out = append(out, c)
	}
	return out
}

// treeDepth is the number of levels needed for n nodes.
func treeDepth(n, fanout int) int {
	depth, width, covered := 0, 1, 0
	for covered < n {
		covered += width
		width *= fanout
		depth++
	}
	return depth
}
