package train

import (
	"io"
	"sync"
	"sync/atomic"
	"time"

	. "github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/pcl-projects/STRN/ml/aggregation/ps"
	"github.com/pcl-projects/STRN/ml/aggregation/ring"
	"github.com/pcl-projects/STRN/ml/grads"
	"github.com/pcl-projects/STRN/ml/optimizers"
	"github.com/pcl-projects/STRN/ml/params"
	"github.com/pcl-projects/STRN/ml/partition"
)

// OnStepFn is the type of worker step hooks, called after each completed
// training step with the duration of that step.
type OnStepFn func(w *Worker, stepTime time.Duration) error

// WorkerConfig configures one worker actor.
// Create it with NewWorker, configure and call Done.
type WorkerConfig struct {
	id       int
	mode     AggregationMode
	model    Model
	shardMap *partition.ShardMap
	registry *Registry

	ringGroup  *ring.Group
	optBuilder func() optimizers.Interface

	maxSteps int64
}

// NewWorker returns a configuration for worker id. The shard map must be the
// one produced at partition time; in ring mode its shard count equals the
// worker count (shards double as ring segments).
// Call Done when finished configuring.
func NewWorker(id int, model Model, sm *partition.ShardMap, registry *Registry) *WorkerConfig {
	return &WorkerConfig{
		id:       id,
		mode:     ParameterServer,
		model:    model,
		shardMap: sm,
		registry: registry,
	}
}

// Ring puts the worker in ring-allreduce mode: gradients are summed
// peer-to-peer through the group and applied locally with an optimizer built
// by optBuilder (each worker owns an optimizer instance, they keep state).
// It returns the config, so calls can be cascaded.
func (c *WorkerConfig) Ring(group *ring.Group, optBuilder func() optimizers.Interface) *WorkerConfig {
	c.mode = RingAllreduce
	c.ringGroup = group
	c.optBuilder = optBuilder
	return c
}

// MaxSteps bounds the number of training steps. 0 (the default) keeps
// training until the batch stream is exhausted or the stop flag is set.
// It returns the config, so calls can be cascaded.
func (c *WorkerConfig) MaxSteps(n int64) *WorkerConfig {
	c.maxSteps = n
	return c
}

// Done builds the worker and registers it under its logical name.
func (c *WorkerConfig) Done() *Worker {
	if c.mode == RingAllreduce {
		if c.ringGroup == nil || c.optBuilder == nil {
			Panicf("train.NewWorker: ring mode needs a group and an optimizer builder")
		}
		if c.ringGroup.NumWorkers() != c.shardMap.NumShards() {
			Panicf("train.NewWorker: ring group has %d workers but the shard map has %d segments",
				c.ringGroup.NumWorkers(), c.shardMap.NumShards())
		}
	}

	w := &Worker{
		config: *c,
		values: make(map[string][]float32),
		buffer: grads.NewBuffer(c.shardMap),
	}
	for name, initial := range c.model.Parameters() {
		w.values[name] = append([]float32(nil), initial...)
	}
	if w.config.shardMap.NumParameters() != len(w.values) {
		Panicf("train.NewWorker: shard map covers %d parameters, model has %d",
			w.config.shardMap.NumParameters(), len(w.values))
	}

	// Shard-major view of the local parameter copy, aliasing w.values
	// storage, in the same order the gradient buffer flattens to.
	for shard := 0; shard < c.shardMap.NumShards(); shard++ {
		for _, h := range c.shardMap.Shard(shard) {
			w.aligned = append(w.aligned, w.values[h.Name])
		}
	}

	if c.mode == RingAllreduce {
		w.exchanger = c.ringGroup.Exchanger(c.id)
		w.opt = c.optBuilder()
	}

	if err := c.registry.Register(WorkerName(c.id), w); err != nil {
		Panicf("train.NewWorker: %v", err)
	}
	return w
}

// Worker runs the local training loop: compute gradients through the model
// collaborator, combine them (ring exchange or parameter-server fan-out),
// apply the result, poll the stop flag.
type Worker struct {
	config WorkerConfig

	exchanger *ring.Exchanger
	opt       optimizers.Interface

	// muModel guards values/aligned against the tester's snapshot calls.
	muModel sync.Mutex
	values  map[string][]float32
	aligned params.Values

	buffer  *grads.Buffer
	stepNum atomic.Int64

	muHooks sync.Mutex
	onStep  []OnStepFn
}

// ID returns the worker index.
func (w *Worker) ID() int { return w.config.id }

// StepNum returns the number of training steps this worker completed.
func (w *Worker) StepNum() int64 { return w.stepNum.Load() }

// OnStep registers a hook called after every completed training step.
// Hooks run on the worker's own goroutine; an error aborts the loop.
func (w *Worker) OnStep(fn OnStepFn) {
	w.muHooks.Lock()
	defer w.muHooks.Unlock()
	w.onStep = append(w.onStep, fn)
}

// Model implements WorkerClient: it snapshots the worker's local parameter
// copy and local step count. Used by the tester in ring mode.
func (w *Worker) Model() (map[string][]float32, int64) {
	w.muModel.Lock()
	defer w.muModel.Unlock()
	snapshot := make(map[string][]float32, len(w.values))
	for name, v := range w.values {
		snapshot[name] = append([]float32(nil), v...)
	}
	return snapshot, w.stepNum.Load()
}

// Run executes the training loop until the batch stream is exhausted, the
// configured step bound is reached, or the tester's stop flag is observed.
// It must not be called before the registry rendezvous is complete.
func (w *Worker) Run() error {
	w.config.registry.WaitReady()

	tester, err := w.config.registry.Tester()
	if err != nil {
		return errors.WithMessagef(err, "worker %d", w.config.id)
	}
	var shards []ShardClient
	if w.config.mode == ParameterServer {
		shards = make([]ShardClient, w.config.shardMap.NumShards())
		for i := range shards {
			if shards[i], err = w.config.registry.Shard(i); err != nil {
				return errors.WithMessagef(err, "worker %d", w.config.id)
			}
		}
		// Withdraw on every exit path, so shards whose sync rounds are
		// still waiting on this worker step with the remaining
		// contributors instead of stalling them forever.
		defer func() {
			for _, client := range shards {
				client.Withdraw(w.config.id)
			}
		}()
	}

	klog.Infof("worker %d: starting training loop (%s mode)", w.config.id, w.config.mode)
	for {
		start := time.Now()

		gradsByName, err := w.config.model.Gradients(w.config.id, w.values)
		if err == io.EOF {
			klog.Infof("worker %d: batch stream exhausted after %d steps",
				w.config.id, w.stepNum.Load())
			return nil
		}
		if err != nil {
			return errors.WithMessagef(err, "worker %d: computing gradients", w.config.id)
		}
		if err := w.buffer.SetAll(gradsByName); err != nil {
			return errors.WithMessagef(err, "worker %d: staging gradients", w.config.id)
		}
		computeTime := time.Since(start)

		switch w.config.mode {
		case RingAllreduce:
			if err := w.exchanger.Run(w.buffer); err != nil {
				return errors.WithMessagef(err, "worker %d: ring exchange", w.config.id)
			}
			w.applyReduced()
		case ParameterServer:
			if err := w.contributeAll(shards, computeTime); err != nil {
				return errors.WithMessagef(err, "worker %d", w.config.id)
			}
		}
		w.stepNum.Add(1)

		stepTime := time.Since(start)
		if klog.V(1).Enabled() {
			klog.Infof("worker %d: step %d took %s (compute %s)",
				w.config.id, w.stepNum.Load(), stepTime, computeTime)
		}
		if err := w.runHooks(stepTime); err != nil {
			return errors.WithMessagef(err, "worker %d: step hook", w.config.id)
		}

		if w.config.maxSteps > 0 && w.stepNum.Load() >= w.config.maxSteps {
			klog.Infof("worker %d: reached step bound %d", w.config.id, w.config.maxSteps)
			return nil
		}
		if tester.StopFlag() {
			klog.Infof("worker %d: stop flag observed, exiting", w.config.id)
			return nil
		}
	}
}

// applyReduced applies the fully-reduced gradient sum with the worker-local
// optimizer (ring mode).
func (w *Worker) applyReduced() {
	w.muModel.Lock()
	defer w.muModel.Unlock()

	reduced := make(params.Values, 0, len(w.aligned))
	for shard := 0; shard < w.config.shardMap.NumShards(); shard++ {
		reduced = append(reduced, w.buffer.Slice(shard)...)
	}
	w.opt.Step(w.aligned, reduced)
}

// contributeAll fans out one concurrent contribution per shard -- shards are
// independent -- and fans in on all round futures before overwriting the
// local parameter copy with the returned shard snapshots.
func (w *Worker) contributeAll(shards []ShardClient, computeTime time.Duration) error {
	results := make([]ps.StepResult, len(shards))
	var wg sync.WaitGroup
	for shard, client := range shards {
		wg.Add(1)
		go func(shard int, client ShardClient) {
			defer wg.Done()
			client.RecordComputeTime(w.config.id, computeTime)
			ft := client.Contribute(w.config.id, w.buffer.Slice(shard))
			results[shard] = ft.Wait()
		}(shard, client)
	}
	wg.Wait()

	w.muModel.Lock()
	defer w.muModel.Unlock()
	for shard, res := range results {
		for i, h := range w.config.shardMap.Shard(shard) {
			copy(w.values[h.Name], res.Params[i])
		}
	}
	return nil
}

func (w *Worker) runHooks(stepTime time.Duration) error {
	w.muHooks.Lock()
	hooks := append([]OnStepFn(nil), w.onStep...)
	w.muHooks.Unlock()
	for _, fn := range hooks {
		if err := fn(w, stepTime); err != nil {
			return err
		}
	}
	return nil
}
