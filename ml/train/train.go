// Package train wires the actor topology that coordinates distributed
// training: workers computing gradients, aggregator shards (parameter-server
// mode) or a ring-exchange group (ring-allreduce mode) combining them, a
// tester evaluating snapshots on a wall-clock cadence, and a coordinator
// bootstrapping the whole thing.
//
// The package owns no model math: gradient computation and evaluation are an
// external collaborator reached through the Model interface, and all
// cross-actor calls go through narrow client interfaces so a remote stub can
// replace the in-process implementations without touching the core.
package train

import (
	"time"

	"github.com/pcl-projects/STRN/ml/aggregation/ps"
	"github.com/pcl-projects/STRN/ml/params"
	"github.com/pcl-projects/STRN/types/xsync"
)

// Model is the training collaborator. The aggregation layer sees parameters
// only as named float32 slices; shapes, dtypes and the actual forward /
// backward math stay on the collaborator's side.
//
// Implementations must be safe for concurrent use by multiple workers and
// the tester.
type Model interface {
	// Parameters returns the named parameter set with initial values. It
	// must be idempotent: the coordinator calls it once at partition time
	// and each worker calls it once at bootstrap, and all of them must see
	// the same names, sizes and initial values.
	Parameters() map[string][]float32

	// Gradients runs one local compute step for the given worker -- one
	// batch worth of forward/backward -- against the given parameter values
	// and returns the gradients keyed by parameter name.
	//
	// Returning io.EOF signals the worker's batch stream is exhausted and
	// ends that worker's training loop.
	Gradients(workerID int, values map[string][]float32) (map[string][]float32, error)

	// Evaluate runs the held-out batch set against the given parameter
	// values and returns the loss and accuracy (accuracy may be 0 for
	// models where it is meaningless).
	Evaluate(values map[string][]float32) (loss, accuracy float64, err error)
}

// AggregationMode selects how the per-worker gradients are combined.
type AggregationMode int

const (
	// RingAllreduce sums gradients peer-to-peer along a logical ring; each
	// worker then applies the sum with its own optimizer.
	RingAllreduce AggregationMode = iota

	// ParameterServer routes gradients to centralized aggregator shards
	// that own the authoritative parameter values.
	ParameterServer
)

// String implements fmt.Stringer.
func (m AggregationMode) String() string {
	if m == ParameterServer {
		return "parameter-server"
	}
	return "ring-allreduce"
}

// ShardClient is the call surface a worker or tester uses to reach one
// aggregator shard. *ps.Shard implements it in-process; a remote stub would
// implement the same interface.
type ShardClient interface {
	// Contribute delivers a gradient slice and returns the round's barrier
	// future, resolved with the post-step parameters once the round's
	// trigger condition is met.
	Contribute(workerID int, slice params.Values) *xsync.Future[ps.StepResult]

	// Parameters snapshots the shard's current parameter values without
	// waiting for any round.
	Parameters() params.Values

	// StepNum returns the number of completed aggregation rounds.
	StepNum() int64

	// RecordComputeTime reports how long the contributing worker's local
	// gradient computation took. Purely informational bookkeeping.
	RecordComputeTime(workerID int, d time.Duration)

	// Withdraw removes the worker from the shard's contributor set for
	// good, so sync rounds stop waiting for it. Workers call it on every
	// exit from their training loop.
	Withdraw(workerID int)
}

// Statically ensure the in-process shard satisfies the client surface.
var _ ShardClient = (*ps.Shard)(nil)

// WorkerClient is the call surface the tester uses to reach a worker.
type WorkerClient interface {
	// Model snapshots the worker's local parameter copy and its local step
	// count.
	Model() (map[string][]float32, int64)
}

// TesterClient is the call surface workers use to poll the stop flag.
type TesterClient interface {
	// StopFlag reports whether training should stop. Once true it never
	// goes back to false.
	StopFlag() bool
}
