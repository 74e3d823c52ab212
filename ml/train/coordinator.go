package train

import (
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	. "github.com/gomlx/exceptions"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/pcl-projects/STRN/ml/aggregation/ps"
	"github.com/pcl-projects/STRN/ml/aggregation/ring"
	"github.com/pcl-projects/STRN/ml/optimizers"
	"github.com/pcl-projects/STRN/ml/params"
	"github.com/pcl-projects/STRN/ml/partition"
)

// JobConfig configures a training job: the actor topology and the
// aggregation protocol. Create it with NewJob, configure and call Done.
type JobConfig struct {
	model Model

	numWorkers int
	numShards  int
	mode       AggregationMode
	shardMode  ps.Mode
	average    bool
	optBuilder func() optimizers.Interface

	testInterval time.Duration
	targetLoss   float64
	fetchFrom    int
	maxSteps     int64

	compress    bool
	pullTimeout time.Duration
}

// NewJob returns a job configuration for the given model collaborator, with
// one worker, one shard, parameter-server aggregation in sync mode and the
// default optimizer. Call Done when finished configuring.
func NewJob(model Model) *JobConfig {
	return &JobConfig{
		model:        model,
		numWorkers:   1,
		numShards:    1,
		mode:         ParameterServer,
		testInterval: DefaultTestInterval,
	}
}

// NumWorkers sets the worker count W; worker ids run 0..W-1.
// It returns the config, so calls can be cascaded.
func (c *JobConfig) NumWorkers(w int) *JobConfig {
	c.numWorkers = w
	return c
}

// NumShards sets the aggregator shard count for parameter-server mode;
// shard ids run 0..N-1. Ignored in ring mode, where the worker count
// determines the segment count.
// It returns the config, so calls can be cascaded.
func (c *JobConfig) NumShards(n int) *JobConfig {
	c.numShards = n
	return c
}

// Mode selects the aggregation protocol. Defaults to ParameterServer.
// It returns the config, so calls can be cascaded.
func (c *JobConfig) Mode(m AggregationMode) *JobConfig {
	c.mode = m
	return c
}

// ShardMode sets the initial barrier mode of every aggregator shard
// (parameter-server mode only). Defaults to ps.Sync.
// It returns the config, so calls can be cascaded.
func (c *JobConfig) ShardMode(m ps.Mode) *JobConfig {
	c.shardMode = m
	return c
}

// AverageGradients makes shards divide accumulated gradients by the
// contributor count before stepping. Off by default.
// It returns the config, so calls can be cascaded.
func (c *JobConfig) AverageGradients(avg bool) *JobConfig {
	c.average = avg
	return c
}

// Optimizer sets the factory for optimizer instances -- one per shard in
// parameter-server mode, one per worker in ring mode (optimizers keep
// state, so instances are never shared). Defaults to SGD with momentum 0.9.
// It returns the config, so calls can be cascaded.
func (c *JobConfig) Optimizer(builder func() optimizers.Interface) *JobConfig {
	c.optBuilder = builder
	return c
}

// TestInterval sets the tester's wall-clock evaluation cadence.
// It returns the config, so calls can be cascaded.
func (c *JobConfig) TestInterval(d time.Duration) *JobConfig {
	c.testInterval = d
	return c
}

// TargetLoss arms the tester's stop flag. 0 (the default) disables it.
// It returns the config, so calls can be cascaded.
func (c *JobConfig) TargetLoss(target float64) *JobConfig {
	c.targetLoss = target
	return c
}

// FetchFromWorker designates the worker the tester snapshots in ring mode.
// It returns the config, so calls can be cascaded.
func (c *JobConfig) FetchFromWorker(workerID int) *JobConfig {
	c.fetchFrom = workerID
	return c
}

// MaxSteps bounds every worker's training loop. 0 means unbounded.
// It returns the config, so calls can be cascaded.
func (c *JobConfig) MaxSteps(n int64) *JobConfig {
	c.maxSteps = n
	return c
}

// CompressFloat16 makes ring edges carry gradients in half precision.
// It returns the config, so calls can be cascaded.
func (c *JobConfig) CompressFloat16() *JobConfig {
	c.compress = true
	return c
}

// RingPullTimeout bounds ring edge pulls; 0 (the default) blocks forever.
// It returns the config, so calls can be cascaded.
func (c *JobConfig) RingPullTimeout(d time.Duration) *JobConfig {
	c.pullTimeout = d
	return c
}

// Done bootstraps the job: partitions the parameters once, builds and wires
// every actor through the registry, and returns the runnable Job. By the
// time Done returns the registration rendezvous is complete.
func (c *JobConfig) Done() *Job {
	if c.numWorkers < 1 {
		Panicf("train.NewJob: need at least 1 worker, got %d", c.numWorkers)
	}
	if c.mode == ParameterServer && c.numShards < 1 {
		Panicf("train.NewJob: need at least 1 aggregator shard, got %d", c.numShards)
	}
	if c.optBuilder == nil {
		c.optBuilder = func() optimizers.Interface {
			return optimizers.Sgd().Momentum(0.9).Done()
		}
	}

	job := &Job{
		id:     uuid.NewString(),
		config: *c,
	}

	// Partition once; in ring mode the worker count doubles as the segment
	// count.
	initial := c.model.Parameters()
	counts := make(map[string]int, len(initial))
	for name, v := range initial {
		counts[name] = len(v)
	}
	specs := params.SpecsFromCounts(counts)
	bins := c.numShards
	if c.mode == RingAllreduce {
		bins = c.numWorkers
	}
	job.shardMap = partition.Assign(specs, bins)
	klog.Infof("job %s: partitioned %d parameters (%s elements) onto %d %s, imbalance %s",
		job.id, len(specs), params.HumanCount(params.TotalElements(specs)), bins,
		map[AggregationMode]string{RingAllreduce: "ring segments", ParameterServer: "shards"}[c.mode],
		humanize.Comma(int64(job.shardMap.Imbalance())))

	numActors := c.numWorkers + 1 // Workers + tester.
	if c.mode == ParameterServer {
		numActors += c.numShards
	}
	job.registry = NewRegistry(numActors)

	if c.mode == ParameterServer {
		job.shards = make([]*ps.Shard, c.numShards)
		for i := range job.shards {
			handles := job.shardMap.Shard(i)
			values := make(params.Values, len(handles))
			for j, h := range handles {
				values[j] = initial[h.Name]
			}
			job.shards[i] = ps.NewShard(i, handles, values, c.numWorkers).
				Optimizer(c.optBuilder()).
				Mode(c.shardMode).
				AverageGradients(c.average).
				Done()
			if err := job.registry.Register(ShardName(i), job.shards[i]); err != nil {
				Panicf("train.NewJob: %v", err)
			}
		}
	} else {
		ringCfg := ring.NewGroup(c.numWorkers).PullTimeout(c.pullTimeout)
		if c.compress {
			ringCfg.CompressFloat16()
		}
		job.ringGroup = ringCfg.Done()
	}

	job.workers = make([]*Worker, c.numWorkers)
	for i := range job.workers {
		wc := NewWorker(i, c.model, job.shardMap, job.registry).MaxSteps(c.maxSteps)
		if c.mode == RingAllreduce {
			wc.Ring(job.ringGroup, c.optBuilder)
		}
		job.workers[i] = wc.Done()
	}

	job.tester = NewTester(c.model, c.mode, job.shardMap, job.registry).
		Interval(c.testInterval).
		TargetLoss(c.targetLoss).
		FetchFromWorker(c.fetchFrom).
		Done()

	// All actors above registered synchronously, so the rendezvous barrier
	// is already satisfied; aggregation may begin.
	job.registry.WaitReady()
	return job
}

// Job is a bootstrapped training topology, ready to run. The coordinator is
// not part of the steady-state hot path: after Run launches the actor tasks
// it only waits for them.
type Job struct {
	id     string
	config JobConfig

	registry *Registry
	shardMap *partition.ShardMap

	shards    []*ps.Shard
	ringGroup *ring.Group
	workers   []*Worker
	tester    *Tester
}

// ID returns the job's run identifier.
func (j *Job) ID() string { return j.id }

// ShardMap returns the partition computed at bootstrap.
func (j *Job) ShardMap() *partition.ShardMap { return j.shardMap }

// Worker returns worker id's actor, e.g. to attach step hooks.
func (j *Job) Worker(id int) *Worker { return j.workers[id] }

// Tester returns the tester actor.
func (j *Job) Tester() *Tester { return j.tester }

// Shard returns aggregator shard id (parameter-server mode only), e.g. to
// switch its barrier mode at runtime.
func (j *Job) Shard(id int) *ps.Shard { return j.shards[id] }

// Run launches every worker and the tester, waits for all workers to finish
// and then shuts the tester down. It returns the first actor error, if any.
func (j *Job) Run() error {
	klog.Infof("job %s: launching %d workers and tester (%s mode)",
		j.id, len(j.workers), j.config.mode)

	var wg sync.WaitGroup
	workerErrs := make([]error, len(j.workers))
	for i, w := range j.workers {
		wg.Add(1)
		go func(i int, w *Worker) {
			defer wg.Done()
			workerErrs[i] = w.Run()
		}(i, w)
	}

	testerDone := make(chan error, 1)
	go func() { testerDone <- j.tester.Run() }()

	wg.Wait()
	j.tester.Shutdown()
	testerErr := <-testerDone

	for i, err := range workerErrs {
		if err != nil {
			return errors.WithMessagef(err, "job %s: worker %d failed", j.id, i)
		}
	}
	if testerErr != nil {
		return errors.WithMessagef(testerErr, "job %s: tester failed", j.id)
	}
	klog.Infof("job %s: all workers and tester complete", j.id)
	return nil
}
