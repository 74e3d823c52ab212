package optimizers

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pcl-projects/STRN/ml/params"
)

func TestSgdStep(t *testing.T) {
	opt := Sgd().LearningRate(0.1).Done()
	values := params.Values{{1, 2}, {3}}
	grads := params.Values{{10, 20}, {30}}

	opt.Step(values, grads)
	assert.InDeltaSlice(t, []float32{0, 0}, values[0], 1e-6)
	assert.InDeltaSlice(t, []float32{0}, values[1], 1e-6)
}

func TestSgdMomentumAccumulates(t *testing.T) {
	opt := Sgd().LearningRate(1).Momentum(0.5).Done()
	values := params.Values{{0}}
	grads := params.Values{{1}}

	// v1 = 1, v2 = 0.5*1 + 1 = 1.5; value = 0 - 1 - 1.5 = -2.5.
	opt.Step(values, grads)
	opt.Step(values, grads)
	assert.InDelta(t, -2.5, float64(values[0][0]), 1e-6)
}

func TestAdamFirstStepIsLearningRateSized(t *testing.T) {
	// With debiasing, the first Adam step moves each weight by roughly
	// lr * sign(grad), independent of the gradient magnitude.
	opt := Adam().LearningRate(0.001).Done()
	values := params.Values{{1, 1}}
	grads := params.Values{{100, -0.001}}

	opt.Step(values, grads)
	assert.InDelta(t, 1-0.001, float64(values[0][0]), 1e-4)
	assert.InDelta(t, 1+0.001, float64(values[0][1]), 1e-4)
}

func TestAdamConvergesOnQuadratic(t *testing.T) {
	// Minimize f(x) = x^2, gradient 2x.
	opt := Adam().LearningRate(0.1).Done()
	values := params.Values{{5}}
	for i := 0; i < 500; i++ {
		grad := params.Values{{2 * values[0][0]}}
		opt.Step(values, grad)
	}
	assert.Less(t, math.Abs(float64(values[0][0])), 0.01)
}

func TestByName(t *testing.T) {
	for name := range KnownOptimizers {
		require.NotNil(t, ByName(name))
	}
	assert.Panics(t, func() { ByName("nope") })
}

func TestConfigValidation(t *testing.T) {
	assert.Panics(t, func() { Sgd().LearningRate(0).Done() })
	assert.Panics(t, func() { Sgd().Momentum(1).Done() })
	assert.Panics(t, func() { Adam().LearningRate(-1).Done() })
	assert.Panics(t, func() { Adam().Betas(0, 0.999).Done() })
}
