// Package grads implements the per-worker gradient staging buffer.
//
// A Buffer holds one gradient slice per shard (or per ring segment, in
// ring-allreduce mode), each slice aligned positionally with the shard's
// handle sequence from the shard map. Gradients are produced once per
// training step, consumed by aggregation and discarded.
package grads

import (
	"github.com/pkg/errors"

	"github.com/pcl-projects/STRN/ml/params"
	"github.com/pcl-projects/STRN/ml/partition"
)

// Buffer stages one training step's gradients, partitioned by shard.
type Buffer struct {
	shardMap *partition.ShardMap
	slices   []params.Values
}

// NewBuffer allocates a zeroed staging buffer aligned to the shard map.
func NewBuffer(sm *partition.ShardMap) *Buffer {
	b := &Buffer{
		shardMap: sm,
		slices:   make([]params.Values, sm.NumShards()),
	}
	for shard := range b.slices {
		b.slices[shard] = params.NewValues(sm.ElementCounts(shard))
	}
	return b
}

// ShardMap returns the shard map the buffer is aligned to.
func (b *Buffer) ShardMap() *partition.ShardMap { return b.shardMap }

// Set stores the gradient for one named parameter at its assigned slot.
// The gradient is copied, so the caller may reuse its storage.
func (b *Buffer) Set(name string, grad []float32) error {
	h, found := b.shardMap.Lookup(name)
	if !found {
		return errors.Errorf("gradient for unknown parameter %q", name)
	}
	if len(grad) != h.NumElements {
		return errors.Errorf("gradient for parameter %q has %d elements, want %d",
			name, len(grad), h.NumElements)
	}
	copy(b.slices[h.Shard][h.Index], grad)
	return nil
}

// SetAll stores one gradient per parameter, keyed by name, failing if any
// parameter of the shard map is missing from m.
func (b *Buffer) SetAll(m map[string][]float32) error {
	if len(m) != b.shardMap.NumParameters() {
		return errors.Errorf("got gradients for %d parameters, want %d",
			len(m), b.shardMap.NumParameters())
	}
	for name, grad := range m {
		if err := b.Set(name, grad); err != nil {
			return err
		}
	}
	return nil
}

// Slice returns the staged gradient slice for one shard.
// The returned values alias the buffer's storage.
func (b *Buffer) Slice(shard int) params.Values { return b.slices[shard] }

// ReplaceSlice swaps in a fully-reduced slice for one shard, as the
// all-gather phase of the ring protocol does.
func (b *Buffer) ReplaceSlice(shard int, vs params.Values) { b.slices[shard] = vs }

// Get returns the staged gradient of one named parameter, aliasing the
// buffer's storage.
func (b *Buffer) Get(name string) ([]float32, bool) {
	h, found := b.shardMap.Lookup(name)
	if !found {
		return nil, false
	}
	return b.slices[h.Shard][h.Index], true
}

// Zero resets every staged gradient, in place.
func (b *Buffer) Zero() {
	for _, s := range b.slices {
		s.Zero()
	}
}
