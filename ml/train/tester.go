package train

import (
	"sync"
	"sync/atomic"
	"time"

	. "github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/pcl-projects/STRN/ml/params"
	"github.com/pcl-projects/STRN/ml/partition"
)

// DefaultTestInterval is the wall-clock evaluation cadence used when none is
// configured.
const DefaultTestInterval = 40 * time.Second

// TesterConfig configures the tester actor.
// Create it with NewTester, configure and call Done.
type TesterConfig struct {
	model    Model
	mode     AggregationMode
	shardMap *partition.ShardMap
	registry *Registry

	interval   time.Duration
	targetLoss float64
	fetchFrom  int
}

// NewTester returns a configuration for the tester actor.
// Call Done when finished configuring.
func NewTester(model Model, mode AggregationMode, sm *partition.ShardMap, registry *Registry) *TesterConfig {
	return &TesterConfig{
		model:    model,
		mode:     mode,
		shardMap: sm,
		registry: registry,
		interval: DefaultTestInterval,
	}
}

// Interval sets the wall-clock evaluation cadence, independent of step
// cadence. Defaults to DefaultTestInterval.
// It returns the config, so calls can be cascaded.
func (c *TesterConfig) Interval(d time.Duration) *TesterConfig {
	c.interval = d
	return c
}

// TargetLoss arms the stop flag: once an evaluation reaches loss <= target,
// the flag is set (at most once, never reset) and workers wind down at their
// next checkpoint. 0 (the default) disables the capability.
// It returns the config, so calls can be cascaded.
func (c *TesterConfig) TargetLoss(target float64) *TesterConfig {
	c.targetLoss = target
	return c
}

// FetchFromWorker designates which worker's snapshot is evaluated in ring
// mode. Defaults to worker 0. Ignored in parameter-server mode, where the
// tester fans out to every shard.
// It returns the config, so calls can be cascaded.
func (c *TesterConfig) FetchFromWorker(workerID int) *TesterConfig {
	c.fetchFrom = workerID
	return c
}

// Done builds the tester and registers it under its logical name.
func (c *TesterConfig) Done() *Tester {
	if c.interval <= 0 {
		Panicf("train.NewTester: interval must be positive, got %s", c.interval)
	}
	t := &Tester{
		config:   *c,
		shutdown: make(chan struct{}),
	}
	if err := c.registry.Register(TesterRole, t); err != nil {
		Panicf("train.NewTester: %v", err)
	}
	return t
}

// Tester periodically evaluates the latest parameter snapshot on a held-out
// batch set, without ever blocking aggregation progress. Because it fetches
// shard snapshots outside any round, it may observe a partially-advanced
// model across shards; that is acceptable for evaluation.
type Tester struct {
	config TesterConfig

	stopFlag atomic.Bool
	shutdown chan struct{}
	once     sync.Once
}

// StopFlag implements TesterClient. Single writer (the tester), many
// readers (the workers); set at most once, never reset.
func (t *Tester) StopFlag() bool { return t.stopFlag.Load() }

// Shutdown makes Run return after its current iteration. Idempotent.
func (t *Tester) Shutdown() {
	t.once.Do(func() { close(t.shutdown) })
}

// Run evaluates on the configured cadence until Shutdown. It must not be
// called before the registry rendezvous is complete.
func (t *Tester) Run() error {
	t.config.registry.WaitReady()
	started := time.Now()

	ticker := time.NewTicker(t.config.interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.shutdown:
			return nil
		case <-ticker.C:
		}

		values, stepNum, err := t.fetch()
		if err != nil {
			return errors.WithMessage(err, "tester: fetching parameters")
		}
		loss, accuracy, err := t.config.model.Evaluate(values)
		if err != nil {
			return errors.WithMessage(err, "tester: evaluating")
		}
		klog.Infof("tester: steps %d | loss %.4f | acc. %.4f%% | elapsed %s",
			stepNum, loss, 100*accuracy, time.Since(started).Round(time.Millisecond))

		if t.config.targetLoss > 0 && loss <= t.config.targetLoss && !t.stopFlag.Load() {
			klog.Infof("tester: target loss %.4f reached, raising stop flag", t.config.targetLoss)
			t.stopFlag.Store(true)
		}
	}
}

// EvaluateNow runs one immediate fetch-and-evaluate outside the ticker
// cadence, e.g. for a final report after training.
func (t *Tester) EvaluateNow() (loss, accuracy float64, err error) {
	values, _, err := t.fetch()
	if err != nil {
		return 0, 0, errors.WithMessage(err, "tester: fetching parameters")
	}
	return t.config.model.Evaluate(values)
}

// fetch pulls the latest parameter snapshot: from the designated worker in
// ring mode, from every shard concurrently in parameter-server mode.
func (t *Tester) fetch() (map[string][]float32, int64, error) {
	if t.config.mode == RingAllreduce {
		worker, err := t.config.registry.Worker(t.config.fetchFrom)
		if err != nil {
			return nil, 0, err
		}
		values, stepNum := worker.Model()
		return values, stepNum, nil
	}

	numShards := t.config.shardMap.NumShards()
	clients := make([]ShardClient, numShards)
	for i := range clients {
		var err error
		if clients[i], err = t.config.registry.Shard(i); err != nil {
			return nil, 0, err
		}
	}

	snapshots := make([]struct {
		values  params.Values
		stepNum int64
	}, numShards)
	var wg sync.WaitGroup
	for i, client := range clients {
		wg.Add(1)
		go func(i int, client ShardClient) {
			defer wg.Done()
			snapshots[i].values = client.Parameters()
			snapshots[i].stepNum = client.StepNum()
		}(i, client)
	}
	wg.Wait()

	values := make(map[string][]float32, t.config.shardMap.NumParameters())
	for shard := 0; shard < numShards; shard++ {
		for i, h := range t.config.shardMap.Shard(shard) {
			values[h.Name] = snapshots[shard].values[i]
		}
	}
	// Step count reporting follows shard 0; shards may be mid-round, so
	// counts across shards can differ by one.
	return values, snapshots[0].stepNum, nil
}
