package train

import (
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pcl-projects/STRN/ml/aggregation/ps"
	"github.com/pcl-projects/STRN/ml/optimizers"
)

// fakeModel is a minimal training collaborator: gradients are either a
// constant or proportional to the current values (gradDecay), each worker
// gets an independent bounded batch stream, and the loss is the sum of
// squares of all parameter values.
type fakeModel struct {
	initial    map[string][]float32
	gradValue  float32 // constant gradient per element when gradDecay is false
	gradDecay  bool    // gradient = current values, so SGD shrinks them
	maxBatches int     // per worker; 0 means unbounded

	mu     sync.Mutex
	served map[int]int
}

func (m *fakeModel) Parameters() map[string][]float32 {
	out := make(map[string][]float32, len(m.initial))
	for name, v := range m.initial {
		out[name] = append([]float32(nil), v...)
	}
	return out
}

func (m *fakeModel) Gradients(workerID int, values map[string][]float32) (map[string][]float32, error) {
	m.mu.Lock()
	if m.served == nil {
		m.served = make(map[int]int)
	}
	if m.maxBatches > 0 && m.served[workerID] >= m.maxBatches {
		m.mu.Unlock()
		return nil, io.EOF
	}
	m.served[workerID]++
	m.mu.Unlock()

	out := make(map[string][]float32, len(values))
	for name, v := range values {
		g := make([]float32, len(v))
		for i := range g {
			if m.gradDecay {
				g[i] = v[i]
			} else {
				g[i] = m.gradValue
			}
		}
		out[name] = g
	}
	return out, nil
}

func (m *fakeModel) Evaluate(values map[string][]float32) (loss, accuracy float64, err error) {
	for _, v := range values {
		for _, x := range v {
			loss += float64(x) * float64(x)
		}
	}
	return loss, 0, nil
}

func plainSgd(lr float64) func() optimizers.Interface {
	return func() optimizers.Interface {
		return optimizers.Sgd().LearningRate(lr).Done()
	}
}

func TestRegistryRendezvous(t *testing.T) {
	r := NewRegistry(2)

	released := make(chan struct{})
	go func() {
		r.WaitReady()
		close(released)
	}()

	require.NoError(t, r.Register(WorkerName(0), &Worker{}))
	select {
	case <-released:
		t.Fatal("rendezvous released before all participants registered")
	case <-time.After(20 * time.Millisecond):
	}

	require.NoError(t, r.Register(TesterRole, &Tester{}))
	select {
	case <-released:
	case <-time.After(time.Second):
		t.Fatal("rendezvous never released")
	}

	require.Error(t, r.Register(WorkerName(0), &Worker{}), "duplicate name must be rejected")

	_, err := r.Shard(0)
	require.Error(t, err, "unregistered name must not resolve")

	// A registered actor that lacks the requested surface must not resolve
	// either.
	_, err = lookup[ShardClient](r, WorkerName(0))
	require.Error(t, err)
}

func TestJobParameterServerEndToEnd(t *testing.T) {
	const (
		numWorkers = 3
		numRounds  = 5
		lr         = 0.1
	)
	model := &fakeModel{
		initial: map[string][]float32{
			"layer0/weights": {1, 1, 1, 1},
			"layer0/biases":  {2, 2},
			"layer1/weights": {3, 3, 3},
		},
		gradValue:  1,
		maxBatches: numRounds,
	}

	job := NewJob(model).
		NumWorkers(numWorkers).
		NumShards(2).
		Mode(ParameterServer).
		ShardMode(ps.Sync).
		Optimizer(plainSgd(lr)).
		TestInterval(time.Hour). // Keep the ticker out of this test.
		Done()
	require.NoError(t, job.Run())

	// Every round all workers contribute a gradient of 1 per element, so
	// each element moves by lr*numWorkers per round.
	expected := map[string]float32{
		"layer0/weights": 1 - lr*numWorkers*numRounds,
		"layer0/biases":  2 - lr*numWorkers*numRounds,
		"layer1/weights": 3 - lr*numWorkers*numRounds,
	}

	for shard := 0; shard < job.ShardMap().NumShards(); shard++ {
		values := job.Shard(shard).Parameters()
		for i, h := range job.ShardMap().Shard(shard) {
			for _, x := range values[i] {
				assert.InDelta(t, expected[h.Name], x, 1e-5, "shard %d parameter %q", shard, h.Name)
			}
		}
		assert.EqualValues(t, numRounds, job.Shard(shard).StepNum())
	}

	// Workers copy the round results back into their local parameter view.
	for id := 0; id < numWorkers; id++ {
		snapshot, stepNum := job.Worker(id).Model()
		assert.EqualValues(t, numRounds, stepNum)
		for name, v := range snapshot {
			for _, x := range v {
				assert.InDelta(t, expected[name], x, 1e-5, "worker %d parameter %q", id, name)
			}
		}
	}
}

func TestJobRingEndToEnd(t *testing.T) {
	const (
		numWorkers = 4
		numRounds  = 3
		lr         = 0.05
	)
	model := &fakeModel{
		initial: map[string][]float32{
			"w0": {1, 1, 1, 1, 1},
			"w1": {2, 2, 2},
			"w2": {3, 3},
			"w3": {4},
		},
		gradValue:  1,
		maxBatches: numRounds,
	}

	job := NewJob(model).
		NumWorkers(numWorkers).
		Mode(RingAllreduce).
		Optimizer(plainSgd(lr)).
		TestInterval(time.Hour).
		Done()
	require.NoError(t, job.Run())

	expected := map[string]float32{
		"w0": 1 - lr*numWorkers*numRounds,
		"w1": 2 - lr*numWorkers*numRounds,
		"w2": 3 - lr*numWorkers*numRounds,
		"w3": 4 - lr*numWorkers*numRounds,
	}
	for id := 0; id < numWorkers; id++ {
		snapshot, stepNum := job.Worker(id).Model()
		assert.EqualValues(t, numRounds, stepNum)
		for name, v := range snapshot {
			for _, x := range v {
				assert.InDelta(t, expected[name], x, 1e-4, "worker %d parameter %q", id, name)
			}
		}
	}
}

func TestJobAsyncModeCompletes(t *testing.T) {
	const numWorkers = 3
	model := &fakeModel{
		initial:    map[string][]float32{"w": {1, 2, 3, 4}},
		gradValue:  0.5,
		maxBatches: 4,
	}

	job := NewJob(model).
		NumWorkers(numWorkers).
		NumShards(1).
		ShardMode(ps.Async).
		Optimizer(plainSgd(0.01)).
		TestInterval(time.Hour).
		Done()
	require.NoError(t, job.Run())

	// Async steps once per contribution: every worker drains its stream,
	// so the shard sees workers*batches rounds.
	assert.EqualValues(t, numWorkers*4, job.Shard(0).StepNum())
}

func TestTargetLossRaisesStopFlag(t *testing.T) {
	// A decay-gradient model with plain SGD halves every value per round
	// (single worker, lr 0.5), so the loss falls below any positive target
	// quickly and the tester's stop flag ends the otherwise unbounded loop.
	model := &fakeModel{
		initial:   map[string][]float32{"w": {1, 1, 1, 1}},
		gradDecay: true,
	}

	job := NewJob(model).
		NumWorkers(1).
		NumShards(1).
		Optimizer(plainSgd(0.5)).
		TestInterval(5 * time.Millisecond).
		TargetLoss(1e-3).
		Done()

	done := make(chan error, 1)
	go func() { done <- job.Run() }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("stop flag never ended the unbounded training loop")
	}
	assert.True(t, job.Tester().StopFlag())

	loss, _, err := job.Tester().EvaluateNow()
	require.NoError(t, err)
	assert.Less(t, loss, 1e-3)
}

func TestStopFlagDrainsAllWorkersInSyncMode(t *testing.T) {
	// With several workers in sync mode, workers observe the stop flag at
	// different checkpoints: the first to exit must not strand the others
	// mid-round, blocked on a barrier future that can no longer fill up.
	// Workers withdraw from every shard on exit, so in-flight rounds step
	// with the remaining contributors and the job drains.
	model := &fakeModel{
		initial:   map[string][]float32{"w": {1, 1, 1, 1}, "b": {1, 1}},
		gradDecay: true,
	}

	job := NewJob(model).
		NumWorkers(3).
		NumShards(2).
		ShardMode(ps.Sync).
		Optimizer(plainSgd(0.5)).
		TestInterval(5 * time.Millisecond).
		TargetLoss(1e-3).
		Done()

	done := make(chan error, 1)
	go func() { done <- job.Run() }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("a worker stayed blocked on a round after the stop flag was raised")
	}
	assert.True(t, job.Tester().StopFlag())
	for id := 0; id < 3; id++ {
		_, stepNum := job.Worker(id).Model()
		assert.Greater(t, stepNum, int64(0), "worker %d", id)
	}
}

func TestWorkerOnStepHooks(t *testing.T) {
	const numRounds = 6
	model := &fakeModel{
		initial:    map[string][]float32{"w": {1, 1}},
		gradValue:  1,
		maxBatches: numRounds,
	}

	job := NewJob(model).
		NumWorkers(1).
		NumShards(1).
		Optimizer(plainSgd(0.1)).
		TestInterval(time.Hour).
		Done()

	var calls atomic.Int64
	job.Worker(0).OnStep(func(w *Worker, stepTime time.Duration) error {
		assert.Greater(t, stepTime, time.Duration(0))
		calls.Add(1)
		return nil
	})
	require.NoError(t, job.Run())
	assert.EqualValues(t, numRounds, calls.Load())
}

func TestMaxStepsBoundsTheLoop(t *testing.T) {
	model := &fakeModel{
		initial:   map[string][]float32{"w": {1, 1, 1}},
		gradValue: 1,
	}

	job := NewJob(model).
		NumWorkers(2).
		NumShards(1).
		Optimizer(plainSgd(0.1)).
		MaxSteps(7).
		TestInterval(time.Hour).
		Done()
	require.NoError(t, job.Run())

	for id := 0; id < 2; id++ {
		_, stepNum := job.Worker(id).Model()
		assert.EqualValues(t, 7, stepNum)
	}
	assert.EqualValues(t, 7, job.Shard(0).StepNum())
}

func TestRuntimeModeSwitch(t *testing.T) {
	// Flip the single shard to async mid-run from a step hook; the job must
	// still drain cleanly. With one worker the round cadence is identical
	// in both modes, so the final step count stays the batch count.
	const numRounds = 10
	model := &fakeModel{
		initial:    map[string][]float32{"w": {1, 1}},
		gradValue:  1,
		maxBatches: numRounds,
	}

	job := NewJob(model).
		NumWorkers(1).
		NumShards(1).
		Optimizer(plainSgd(0.1)).
		TestInterval(time.Hour).
		Done()
	job.Worker(0).OnStep(func(w *Worker, _ time.Duration) error {
		if w.StepNum() == numRounds/2 {
			job.Shard(0).SetMode(ps.Async)
		}
		return nil
	})
	require.NoError(t, job.Run())
	assert.EqualValues(t, numRounds, job.Shard(0).StepNum())
	assert.Equal(t, ps.Async, job.Shard(0).Mode())
}
