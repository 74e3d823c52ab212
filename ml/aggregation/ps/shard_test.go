package ps

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pcl-projects/STRN/ml/optimizers"
	"github.com/pcl-projects/STRN/ml/params"
	"github.com/pcl-projects/STRN/ml/partition"
	"github.com/pcl-projects/STRN/types/xsync"
)

// newTestShard builds a 1-parameter shard with 3 elements, initial values
// {1,1,1} and SGD lr=1 without momentum, so values move by exactly -grad per
// step.
func newTestShard(t *testing.T, workerCount int, mode Mode) *Shard {
	t.Helper()
	sm := partition.Assign([]params.Spec{{Name: "w", NumElements: 3}}, 1)
	return NewShard(0, sm.Shard(0), params.Values{{1, 1, 1}}, workerCount).
		Optimizer(optimizers.Sgd().LearningRate(1).Done()).
		Mode(mode).
		Done()
}

func grad(a, b, c float32) params.Values { return params.Values{{a, b, c}} }

func TestSyncRoundCompletesOnlyWithAllContributions(t *testing.T) {
	s := newTestShard(t, 3, Sync)

	// Workers 0 and 1 contribute, then the round stalls.
	ft0 := s.Contribute(0, grad(1, 0, 0))
	ft1 := s.Contribute(1, grad(0, 1, 0))
	require.Same(t, ft0, ft1, "contributors of one round share the barrier future")
	assert.False(t, ft0.Test(), "round must not complete with 2 of 3 contributions")
	assert.EqualValues(t, 0, s.StepNum())

	// The missing contributor arrives later and releases everyone.
	ft2 := s.Contribute(2, grad(0, 0, 1))
	require.Same(t, ft0, ft2)
	require.True(t, ft0.Test())
	assert.EqualValues(t, 1, s.StepNum())

	// All three callers observe identical post-step parameters.
	for _, ft := range []*xsync.Future[StepResult]{ft0, ft1, ft2} {
		res := ft.Wait()
		assert.Equal(t, []float32{0, 0, 0}, []float32(res.Params[0]))
		assert.False(t, res.Timestamp.IsZero())
	}
}

func TestSyncAccumulationResetsBetweenRounds(t *testing.T) {
	s := newTestShard(t, 2, Sync)

	s.Contribute(0, grad(1, 1, 1))
	ft := s.Contribute(1, grad(1, 1, 1))
	assert.Equal(t, []float32{-1, -1, -1}, []float32(ft.Wait().Params[0]))

	// A fresh round must start from an empty accumulation buffer.
	s.Contribute(0, grad(0.5, 0, 0))
	ft = s.Contribute(1, grad(0.5, 0, 0))
	assert.Equal(t, []float32{-2, -1, -1}, []float32(ft.Wait().Params[0]))
	assert.EqualValues(t, 2, s.StepNum())
}

func TestSyncSecondRoundGetsFreshFuture(t *testing.T) {
	s := newTestShard(t, 1, Sync)
	ft1 := s.Contribute(0, grad(1, 0, 0))
	ft2 := s.Contribute(0, grad(1, 0, 0))
	require.NotSame(t, ft1, ft2)
	require.True(t, ft1.Test())
	require.True(t, ft2.Test())
}

func TestAsyncStepsOnEveryContribution(t *testing.T) {
	s := newTestShard(t, 3, Async)

	for i := 0; i < 3; i++ {
		ft := s.Contribute(i, grad(1, 0, 0))
		require.True(t, ft.Test(), "async contribution %d must resolve immediately", i)
		assert.EqualValues(t, i+1, s.StepNum())
	}
	assert.Equal(t, []float32{-2, 1, 1}, []float32(s.Parameters()[0]))
}

func TestStepNumMonotonicUnderConcurrency(t *testing.T) {
	s := newTestShard(t, 4, Sync)

	const rounds = 25
	var wg sync.WaitGroup
	for worker := 0; worker < 4; worker++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for r := 0; r < rounds; r++ {
				s.Contribute(worker, grad(0, 0, 0)).Wait()
			}
		}(worker)
	}
	wg.Wait()
	assert.EqualValues(t, rounds, s.StepNum())
}

func TestAverageGradients(t *testing.T) {
	sm := partition.Assign([]params.Spec{{Name: "w", NumElements: 1}}, 1)
	s := NewShard(0, sm.Shard(0), params.Values{{0}}, 2).
		Optimizer(optimizers.Sgd().LearningRate(1).Done()).
		AverageGradients(true).
		Done()

	s.Contribute(0, params.Values{{4}})
	ft := s.Contribute(1, params.Values{{2}})
	// (4+2)/2 = 3, value = 0 - 3.
	assert.Equal(t, []float32{-3}, []float32(ft.Wait().Params[0]))
}

func TestModeSwitchAtRuntime(t *testing.T) {
	s := newTestShard(t, 2, Sync)
	require.Equal(t, Sync, s.Mode())

	ft := s.Contribute(0, grad(1, 0, 0))
	assert.False(t, ft.Test())

	// Switching to async: the next contribution triggers a step that also
	// releases the pending contributor.
	s.SetMode(Async)
	require.Equal(t, Async, s.Mode())
	ft2 := s.Contribute(1, grad(0, 0, 0))
	require.Same(t, ft, ft2)
	require.True(t, ft.Test())
	assert.EqualValues(t, 1, s.StepNum())
}

func TestParametersSnapshotIsIsolated(t *testing.T) {
	s := newTestShard(t, 1, Sync)
	snap := s.Parameters()
	snap[0][0] = 99
	assert.Equal(t, []float32{1, 1, 1}, []float32(s.Parameters()[0]))
}

func TestContributePanicsOnBadWorker(t *testing.T) {
	s := newTestShard(t, 2, Sync)
	assert.Panics(t, func() { s.Contribute(2, grad(0, 0, 0)) })
	assert.Panics(t, func() { s.Contribute(-1, grad(0, 0, 0)) })
}

func TestContributePanicsOnMisshapedSlice(t *testing.T) {
	s := newTestShard(t, 2, Sync)

	// Wrong slice count for the shard's handle sequence.
	assert.Panics(t, func() { s.Contribute(0, params.Values{{0, 0, 0}, {0}}) })
	// Oversized gradient must be rejected up front, not crash mid-add.
	assert.Panics(t, func() { s.Contribute(0, params.Values{{0, 0, 0, 0}}) })
	// An undersized gradient must not silently accumulate a partial sum.
	assert.Panics(t, func() { s.Contribute(0, params.Values{{0, 0}}) })

	// The failed contributions left no round state behind.
	ft := s.Contribute(0, grad(1, 0, 0))
	s.Contribute(1, grad(0, 0, 0))
	assert.Equal(t, []float32{0, 1, 1}, []float32(ft.Wait().Params[0]))
}

func TestWithdrawReleasesStalledSyncRound(t *testing.T) {
	s := newTestShard(t, 3, Sync)

	// Two of three workers contribute, then the third winds down instead
	// of contributing: the round must step with what it has.
	ft0 := s.Contribute(0, grad(1, 0, 0))
	s.Contribute(1, grad(0, 1, 0))
	require.False(t, ft0.Test())

	s.Withdraw(2)
	require.True(t, ft0.Test(), "withdrawal must release the blocked contributors")
	assert.EqualValues(t, 1, s.StepNum())
	assert.Equal(t, []float32{0, 0, 1}, []float32(ft0.Wait().Params[0]))

	// Following rounds trigger on the two remaining contributors.
	s.Contribute(0, grad(0, 0, 0))
	ft := s.Contribute(1, grad(0, 0, 0))
	require.True(t, ft.Test())
	assert.EqualValues(t, 2, s.StepNum())
}

func TestWithdrawIsIdempotentAndChecked(t *testing.T) {
	s := newTestShard(t, 2, Sync)

	s.Withdraw(1)
	s.Withdraw(1) // No effect the second time.

	// With one contributor left, a single contribution completes a round.
	ft := s.Contribute(0, grad(1, 0, 0))
	require.True(t, ft.Test())

	assert.Panics(t, func() { s.Withdraw(2) })
	assert.Panics(t, func() { s.Contribute(1, grad(0, 0, 0)) }, "a departed worker must not contribute again")
}

func TestWithdrawBeforeAnyContributionLeavesRoundIdle(t *testing.T) {
	s := newTestShard(t, 2, Sync)
	s.Withdraw(0)
	assert.EqualValues(t, 0, s.StepNum(), "no round in flight, nothing to step")
}
