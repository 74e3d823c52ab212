// Package partition assigns named model parameters to aggregation shards.
//
// The assignment is a greedy longest-processing-time bin-packing: parameters
// are sorted by element count descending and each one goes to the currently
// least-loaded shard. That bounds the load gap between any two shards to at
// most the single largest parameter, and it is deterministic for a fixed
// input, which keeps the shard-to-worker mapping reproducible across
// restarts.
//
// In ring-allreduce mode the same scheme partitions the gradient into ring
// segments, with the worker count taking the place of the shard count.
package partition

import (
	"sort"

	. "github.com/gomlx/exceptions"
	"github.com/pcl-projects/STRN/ml/params"
)

// Handle identifies one named parameter and its placement: the shard that
// owns it and its position within that shard's sequence.
// Handles are created once at partition time and are immutable thereafter.
type Handle struct {
	Name        string
	NumElements int

	// Shard index in [0, NumShards) and position within the shard's handle
	// sequence.
	Shard, Index int
}

// ShardMap is the result of partitioning a parameter set onto shards.
//
// Every parameter appears in exactly one shard, and shard loads (cumulative
// element counts) are approximately balanced.
type ShardMap struct {
	numShards int

	// shards[i] is the ordered handle sequence owned by shard i.
	shards [][]Handle

	// loads[i] is the cumulative element count of shard i.
	loads []int

	// byName resolves a parameter name to its handle.
	byName map[string]Handle
}

// Assign partitions specs onto numShards shards.
//
// It panics on configuration misuse: non-positive shard count, empty
// parameter set, duplicate names or non-positive element counts.
func Assign(specs []params.Spec, numShards int) *ShardMap {
	if numShards <= 0 {
		Panicf("partition.Assign: numShards must be positive, got %d", numShards)
	}
	if len(specs) == 0 {
		Panicf("partition.Assign: empty parameter set")
	}

	sorted := append([]params.Spec(nil), specs...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].NumElements != sorted[j].NumElements {
			return sorted[i].NumElements > sorted[j].NumElements
		}
		return sorted[i].Name < sorted[j].Name
	})

	sm := &ShardMap{
		numShards: numShards,
		shards:    make([][]Handle, numShards),
		loads:     make([]int, numShards),
		byName:    make(map[string]Handle, len(specs)),
	}
	for _, spec := range sorted {
		if spec.NumElements <= 0 {
			Panicf("partition.Assign: parameter %q has non-positive element count %d",
				spec.Name, spec.NumElements)
		}
		if _, found := sm.byName[spec.Name]; found {
			Panicf("partition.Assign: duplicate parameter name %q", spec.Name)
		}
		shard := sm.leastLoaded()
		handle := Handle{
			Name:        spec.Name,
			NumElements: spec.NumElements,
			Shard:       shard,
			Index:       len(sm.shards[shard]),
		}
		sm.shards[shard] = append(sm.shards[shard], handle)
		sm.loads[shard] += spec.NumElements
		sm.byName[spec.Name] = handle
	}
	return sm
}

// leastLoaded returns the index of the shard with the smallest cumulative
// element count, ties broken by the lowest shard index.
func (sm *ShardMap) leastLoaded() int {
	best := 0
	for i := 1; i < sm.numShards; i++ {
		if sm.loads[i] < sm.loads[best] {
			best = i
		}
	}
	return best
}

// NumShards returns the number of shards the parameters were assigned to.
func (sm *ShardMap) NumShards() int { return sm.numShards }

// NumParameters returns the total number of parameters across all shards.
func (sm *ShardMap) NumParameters() int { return len(sm.byName) }

// Shard returns the ordered handle sequence owned by the given shard.
// Callers must not modify the returned slice.
func (sm *ShardMap) Shard(shard int) []Handle { return sm.shards[shard] }

// Load returns the cumulative element count assigned to the given shard.
func (sm *ShardMap) Load(shard int) int { return sm.loads[shard] }

// Lookup resolves a parameter name to its handle.
func (sm *ShardMap) Lookup(name string) (Handle, bool) {
	h, found := sm.byName[name]
	return h, found
}

// ElementCounts returns the per-parameter element counts of one shard, in
// sequence order. Handy to allocate aligned params.Values storage.
func (sm *ShardMap) ElementCounts(shard int) []int {
	handles := sm.shards[shard]
	counts := make([]int, len(handles))
	for i, h := range handles {
		counts[i] = h.NumElements
	}
	return counts
}

// Imbalance returns the difference between the most and least loaded shard.
// It is a heuristic outcome, never an error; Assign guarantees it stays at
// or below the largest single parameter's element count.
func (sm *ShardMap) Imbalance() int {
	minLoad, maxLoad := sm.loads[0], sm.loads[0]
	for _, l := range sm.loads[1:] {
		if l < minLoad {
			minLoad = l
		}
		if l > maxLoad {
			maxLoad = l
		}
	}
	return maxLoad - minLoad
}
