// Package ring implements ring-allreduce gradient exchange among worker
// actors.
//
// Each worker partitions its gradient into W slices (the shard map reused as
// ring segments) and runs two phases per training step: a reduce-scatter
// pass, after which every slice is fully summed on exactly one worker, and an
// all-gather pass, which circulates the summed slices so every worker ends up
// holding all of them. Transport is a bounded per-edge hand-off: a worker
// deposits its outbound slice into its own outbox and its ring successor
// retrieves it with a blocking pull, which is also how backpressure and
// ordering are enforced.
package ring

import (
	"time"

	. "github.com/gomlx/exceptions"
	"github.com/pkg/errors"

	"github.com/pcl-projects/STRN/ml/grads"
	"github.com/pcl-projects/STRN/ml/params"
)

// GroupConfig configures a ring exchange group.
// Create it with NewGroup, configure and call Done.
type GroupConfig struct {
	numWorkers  int
	roundOffset int
	pullTimeout time.Duration
	compress    bool
}

// NewGroup returns a configuration for a ring group of numWorkers workers.
// Call Done when finished configuring.
func NewGroup(numWorkers int) *GroupConfig {
	return &GroupConfig{numWorkers: numWorkers}
}

// RoundOffset rotates the logical ring identities: worker w takes ring
// identity (w - offset) mod W. Defaults to 0.
// It returns the config, so calls can be cascaded.
func (c *GroupConfig) RoundOffset(offset int) *GroupConfig {
	c.roundOffset = offset
	return c
}

// PullTimeout bounds how long a worker blocks on an edge pull before giving
// up with an error. 0 (the default) blocks forever, matching the classic
// protocol where a crashed peer stalls the ring indefinitely.
// It returns the config, so calls can be cascaded.
func (c *GroupConfig) PullTimeout(d time.Duration) *GroupConfig {
	c.pullTimeout = d
	return c
}

// CompressFloat16 makes edges carry gradients in half precision, halving
// exchange bandwidth at the cost of precision. Off by default.
// It returns the config, so calls can be cascaded.
func (c *GroupConfig) CompressFloat16() *GroupConfig {
	c.compress = true
	return c
}

// Done builds the group, allocating one edge per ring neighbor pair.
func (c *GroupConfig) Done() *Group {
	if c.numWorkers < 1 {
		Panicf("ring.NewGroup: need at least 1 worker, got %d", c.numWorkers)
	}
	g := &Group{
		config: *c,
		edges:  make([]*Edge, c.numWorkers),
	}
	for i := range g.edges {
		g.edges[i] = &Edge{
			config: *c,
			slot:   make(chan wireSlice, 1),
		}
	}
	return g
}

// Group owns the edges of one logical ring and hands out per-worker
// exchangers. All exchangers of a group must execute the same number of
// exchange rounds, one Run per training step.
type Group struct {
	config GroupConfig
	edges  []*Edge
}

// NumWorkers returns the ring size W.
func (g *Group) NumWorkers() int { return g.config.numWorkers }

// Exchanger returns the exchanger for the given worker id in [0, W).
func (g *Group) Exchanger(workerID int) *Exchanger {
	if workerID < 0 || workerID >= g.config.numWorkers {
		Panicf("ring.Group.Exchanger: worker id %d outside [0, %d)",
			workerID, g.config.numWorkers)
	}
	w := g.config.numWorkers
	return &Exchanger{
		numWorkers: w,
		ringID:     mod(workerID-g.config.roundOffset, w),
		outbox:     g.edges[workerID],
		// A worker pulls the slice its ring predecessor deposited.
		inbox: g.edges[mod(workerID-1, w)],
	}
}

// Exchanger runs the two-phase exchange for one worker.
type Exchanger struct {
	numWorkers int
	ringID     int
	outbox     *Edge
	inbox      *Edge
}

// RingID returns the worker's logical ring identity.
func (e *Exchanger) RingID() int { return e.ringID }

// Run executes one full reduce-scatter + all-gather cycle over the staged
// gradients in b. On return (with W workers all running the same cycle)
// every worker's buffer holds the identical element-wise sum of all W
// contributions, each contribution exactly once.
//
// With W == 1 there is nothing to exchange and Run returns immediately.
func (e *Exchanger) Run(b *grads.Buffer) error {
	w := e.numWorkers
	if w == 1 {
		return nil
	}

	// Reduce-scatter: after iteration i the slice at recvID holds the sum
	// of i+2 contributions; after W-1 iterations each worker holds one
	// fully-reduced slice, at index (ringID+1) mod W.
	for i := 0; i < w-1; i++ {
		sendID := mod(e.ringID-i, w)
		recvID := mod(sendID-1, w)
		e.outbox.deposit(b.Slice(sendID))
		received, err := e.inbox.pull()
		if err != nil {
			return errors.WithMessagef(err, "ring reduce-scatter, iteration %d/%d", i, w-1)
		}
		params.AccumulateInto(b.Slice(recvID), received)
	}

	// All-gather: circulate the fully-reduced slices so every worker ends
	// up with all of them.
	for i := 0; i < w-1; i++ {
		sendID := mod(e.ringID+1-i, w)
		recvID := mod(sendID-1, w)
		e.outbox.deposit(b.Slice(sendID))
		received, err := e.inbox.pull()
		if err != nil {
			return errors.WithMessagef(err, "ring all-gather, iteration %d/%d", i, w-1)
		}
		b.ReplaceSlice(recvID, received)
	}
	return nil
}

// mod implements the non-negative modulo used for ring arithmetic.
func mod(a, n int) int {
	return ((a % n) + n) % n
}
