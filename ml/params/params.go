// Package params defines how the aggregation layer sees model parameters: as
// a set of named, fixed-size slices of float32 values.
//
// The layer never looks inside a parameter beyond its element count; the
// model collaborator owns shapes, dtypes and gradient math.
package params

import (
	"sort"

	"github.com/dustin/go-humanize"
	"golang.org/x/exp/maps"
)

// Spec identifies one named parameter by its unique name and element count.
// It is the partition input supplied once at startup by the model-loading
// collaborator.
type Spec struct {
	Name        string
	NumElements int
}

// SpecsFromCounts converts a `{name: element count}` mapping to a Spec list
// sorted by name, so callers get a deterministic ordering independent of map
// iteration order.
func SpecsFromCounts(counts map[string]int) []Spec {
	names := maps.Keys(counts)
	sort.Strings(names)
	specs := make([]Spec, 0, len(names))
	for _, name := range names {
		specs = append(specs, Spec{Name: name, NumElements: counts[name]})
	}
	return specs
}

// TotalElements sums the element counts of the given specs.
func TotalElements(specs []Spec) int {
	total := 0
	for _, s := range specs {
		total += s.NumElements
	}
	return total
}

// HumanCount formats an element count for logs, e.g. "1.2M".
func HumanCount(n int) string {
	return humanize.SIWithDigits(float64(n), 1, "")
}

// Values holds one float32 slice per parameter, aligned positionally with
// some agreed-upon parameter sequence (usually a shard's handle sequence).
// It is used both for gradients and for parameter snapshots.
type Values [][]float32

// NewValues allocates zeroed storage for the given element counts.
func NewValues(counts []int) Values {
	vs := make(Values, len(counts))
	for i, n := range counts {
		vs[i] = make([]float32, n)
	}
	return vs
}

// Clone returns a deep copy of the values.
//
// Aggregator shards hand out clones so a contributor can never observe a
// snapshot mutated by the next round.
func (vs Values) Clone() Values {
	out := make(Values, len(vs))
	for i, v := range vs {
		out[i] = append([]float32(nil), v...)
	}
	return out
}

// AccumulateInto adds src element-wise into dst. Both must be aligned to the
// same parameter sequence.
func AccumulateInto(dst, src Values) {
	for i, s := range src {
		d := dst[i]
		for j, x := range s {
			d[j] += x
		}
	}
}

// Scale multiplies every element by factor, in place.
func (vs Values) Scale(factor float32) {
	for _, v := range vs {
		for j := range v {
			v[j] *= factor
		}
	}
}

// Zero resets every element to zero, in place.
func (vs Values) Zero() {
	for _, v := range vs {
		for j := range v {
			v[j] = 0
		}
	}
}
