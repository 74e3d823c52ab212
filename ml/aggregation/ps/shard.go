// Package ps implements the parameter-server aggregation mode: each Shard
// owns one partition of the model parameters, accumulates worker gradient
// contributions, applies an optimizer step when the round's barrier
// condition is met, and resolves a shared round future with the post-step
// parameter snapshot.
package ps

import (
	"sync"
	"sync/atomic"
	"time"

	. "github.com/gomlx/exceptions"
	"k8s.io/klog/v2"

	"github.com/pcl-projects/STRN/ml/optimizers"
	"github.com/pcl-projects/STRN/ml/params"
	"github.com/pcl-projects/STRN/ml/partition"
	"github.com/pcl-projects/STRN/types/xsync"
)

// Mode selects the shard's barrier condition. It is runtime-switchable.
type Mode int32

const (
	// Sync waits until every worker contributed before stepping.
	Sync Mode = iota

	// Async steps on each individual contribution.
	Async
)

// String implements fmt.Stringer.
func (m Mode) String() string {
	if m == Async {
		return "async"
	}
	return "sync"
}

// StepResult is delivered through the round future to every contributor of
// a completed round: a snapshot of the shard's post-step parameter values
// and the time the step finished.
type StepResult struct {
	Params    params.Values
	Timestamp time.Time
}

// ShardConfig configures one aggregator shard.
// Create it with NewShard, configure and call Done.
type ShardConfig struct {
	id          int
	handles     []partition.Handle
	initial     params.Values
	workerCount int
	opt         optimizers.Interface
	mode        Mode
	average     bool
}

// NewShard returns a configuration for aggregator shard id, owning the given
// handle sequence with the given initial parameter values, serving
// workerCount workers. Call Done when finished configuring.
func NewShard(id int, handles []partition.Handle, initial params.Values, workerCount int) *ShardConfig {
	return &ShardConfig{
		id:          id,
		handles:     handles,
		initial:     initial,
		workerCount: workerCount,
	}
}

// Optimizer sets the optimizer applied at each step.
// Defaults to SGD with momentum 0.9.
// It returns the config, so calls can be cascaded.
func (c *ShardConfig) Optimizer(opt optimizers.Interface) *ShardConfig {
	c.opt = opt
	return c
}

// Mode sets the initial barrier mode. Defaults to Sync. The mode can be
// switched at runtime with Shard.SetMode.
// It returns the config, so calls can be cascaded.
func (c *ShardConfig) Mode(m Mode) *ShardConfig {
	c.mode = m
	return c
}

// AverageGradients divides the accumulated gradient by the number of
// contributors before the optimizer step. Off by default, so shards apply
// the raw gradient sum; turn it on for averaged synchronous SGD.
// It returns the config, so calls can be cascaded.
func (c *ShardConfig) AverageGradients(avg bool) *ShardConfig {
	c.average = avg
	return c
}

// Done builds the shard from the configuration.
func (c *ShardConfig) Done() *Shard {
	if c.workerCount < 1 {
		Panicf("ps.NewShard: shard %d needs at least 1 worker, got %d", c.id, c.workerCount)
	}
	if len(c.handles) != len(c.initial) {
		Panicf("ps.NewShard: shard %d got %d handles but %d initial values",
			c.id, len(c.handles), len(c.initial))
	}
	for i, h := range c.handles {
		if len(c.initial[i]) != h.NumElements {
			Panicf("ps.NewShard: shard %d parameter %q initial value has %d elements, want %d",
				c.id, h.Name, len(c.initial[i]), h.NumElements)
		}
	}
	if c.opt == nil {
		c.opt = optimizers.Sgd().Momentum(0.9).Done()
	}
	s := &Shard{
		config:         *c,
		values:         c.initial.Clone(),
		future:         xsync.NewFuture[StepResult](),
		computeTimes:   make([]time.Duration, c.workerCount),
		lastContribute: make([]time.Time, c.workerCount),
		departed:       make([]bool, c.workerCount),
	}
	s.mode.Store(int32(c.mode))
	return s
}

// Shard is one parameter-server aggregation shard. All round state --
// accumulation buffer, contribution counter and the pending future -- is
// mutated only inside the shard's own critical section, so shards are
// independently parallel.
type Shard struct {
	config ShardConfig

	mode    atomic.Int32
	stepNum atomic.Int64

	mu sync.Mutex

	// values are the authoritative parameter values, aligned with the
	// shard's handle sequence.
	values params.Values

	// Round state, replaced wholesale at each step: accum is lazily created on
	// the first contribution, contributed counts workers since the last
	// step, future is the barrier shared by the round's contributors.
	accum       params.Values
	contributed int
	future      *xsync.Future[StepResult]

	// departed marks workers that withdrew for good. A sync round triggers
	// on the remaining contributor count, so a withdrawal can never strand
	// the workers still blocked on the round future.
	departed    []bool
	numDeparted int

	// Per-worker timing bookkeeping, for logs only.
	computeTimes   []time.Duration
	lastContribute []time.Time
	lastStepTime   time.Duration
}

// ID returns the shard index.
func (s *Shard) ID() int { return s.config.id }

// Handles returns the shard's ordered handle sequence.
func (s *Shard) Handles() []partition.Handle { return s.config.handles }

// Mode returns the current barrier mode.
func (s *Shard) Mode() Mode { return Mode(s.mode.Load()) }

// SetMode switches the barrier mode at runtime. A switch to Async while a
// sync round is accumulating takes effect on the next contribution.
func (s *Shard) SetMode(m Mode) { s.mode.Store(int32(m)) }

// StepNum returns the number of completed aggregation rounds. It increases
// by exactly one per round and is never decremented.
func (s *Shard) StepNum() int64 { return s.stepNum.Load() }

// Contribute delivers one worker's gradient slice for this shard and
// returns the round's barrier future.
//
// The returned future is always the one created before this contribution
// possibly triggered the step, so every contributor of a round observes the
// post-step parameters -- never a stale pre-step snapshot and never a future
// meant for the next round.
func (s *Shard) Contribute(workerID int, slice params.Values) *xsync.Future[StepResult] {
	if workerID < 0 || workerID >= s.config.workerCount {
		Panicf("ps.Shard.Contribute: worker id %d outside [0, %d)", workerID, s.config.workerCount)
	}
	if len(slice) != len(s.config.handles) {
		Panicf("ps.Shard.Contribute: shard %d got %d gradient slices, want %d",
			s.config.id, len(slice), len(s.config.handles))
	}
	for i, h := range s.config.handles {
		if len(slice[i]) != h.NumElements {
			Panicf("ps.Shard.Contribute: shard %d gradient for parameter %q has %d elements, want %d",
				s.config.id, h.Name, len(slice[i]), h.NumElements)
		}
	}
	mode := s.Mode()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.departed[workerID] {
		Panicf("ps.Shard.Contribute: worker %d already withdrew from shard %d",
			workerID, s.config.id)
	}
	s.lastContribute[workerID] = time.Now()

	// Idle -> Accumulating on the first contribution of a round.
	if s.accum == nil {
		counts := make([]int, len(s.config.handles))
		for i, h := range s.config.handles {
			counts[i] = h.NumElements
		}
		s.accum = params.NewValues(counts)
	}
	params.AccumulateInto(s.accum, slice)
	s.contributed++

	// Grab the pre-step future before a possible step swaps it.
	ft := s.future

	if mode == Async || s.contributed >= s.activeLocked() {
		s.stepLocked(ft)
	}
	return ft
}

// activeLocked returns how many workers are still contributing.
// Callers must hold s.mu.
func (s *Shard) activeLocked() int {
	return s.config.workerCount - s.numDeparted
}

// Withdraw removes a worker from the shard's contributor set for good: a
// worker winding down (stop flag, exhausted batch stream or step bound)
// withdraws so the sync barrier no longer waits for it. If the in-flight
// round already has every remaining contribution, the withdrawal triggers
// the step, releasing the workers blocked on the round future. Idempotent.
func (s *Shard) Withdraw(workerID int) {
	if workerID < 0 || workerID >= s.config.workerCount {
		Panicf("ps.Shard.Withdraw: worker id %d outside [0, %d)", workerID, s.config.workerCount)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.departed[workerID] {
		return
	}
	s.departed[workerID] = true
	s.numDeparted++
	if klog.V(1).Enabled() {
		klog.Infof("ps shard %d: worker %d withdrew, %d contributors remain",
			s.config.id, workerID, s.activeLocked())
	}
	if s.contributed > 0 && s.contributed >= s.activeLocked() {
		s.stepLocked(s.future)
	}
}

// stepLocked applies one optimizer update and completes the round.
// Callers must hold s.mu.
func (s *Shard) stepLocked(ft *xsync.Future[StepResult]) {
	start := time.Now()

	grad := s.accum
	if s.config.average && s.contributed > 1 {
		grad.Scale(1 / float32(s.contributed))
	}
	s.config.opt.Step(s.values, grad)

	// Accumulating -> Idle: round state is dropped wholesale.
	s.accum = nil
	s.contributed = 0
	s.stepNum.Add(1)
	s.lastStepTime = time.Since(start)

	ft.Resolve(StepResult{Params: s.values.Clone(), Timestamp: time.Now()})
	s.future = xsync.NewFuture[StepResult]()

	if klog.V(1).Enabled() {
		klog.Infof("ps shard %d: step %d (%s mode) took %s",
			s.config.id, s.stepNum.Load(), s.Mode(), s.lastStepTime)
	}
}

// Parameters returns a snapshot of the shard's current parameter values.
// It runs in the shard's critical section but never blocks on a round.
func (s *Shard) Parameters() params.Values {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.values.Clone()
}

// LastStepDuration returns how long the most recent optimizer step took.
func (s *Shard) LastStepDuration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastStepTime
}

// RecordComputeTime lets a worker report how long its local gradient
// computation took. Purely informational.
func (s *Shard) RecordComputeTime(workerID int, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if workerID >= 0 && workerID < len(s.computeTimes) {
		s.computeTimes[workerID] = d
		if klog.V(1).Enabled() {
			klog.Infof("ps shard %d: worker %d compute time %s", s.config.id, workerID, d)
		}
	}
}
