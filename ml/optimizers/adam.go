package optimizers

import (
	"math"

	. "github.com/gomlx/exceptions"

	"github.com/pcl-projects/STRN/ml/params"
)

// Adam default hyperparameters.
const (
	AdamDefaultLearningRate = 0.001
	AdamDefaultBeta1        = 0.9
	AdamDefaultBeta2        = 0.999
	AdamDefaultEpsilon      = 1e-7
)

// AdamConfig configures an Adam optimizer. Create it with Adam, configure
// and call Done.
type AdamConfig struct {
	learningRate   float64
	beta1, beta2   float64
	epsilon        float64
}

// Adam returns an Adam optimizer configuration. Call Done when finished.
func Adam() *AdamConfig {
	return &AdamConfig{
		learningRate: AdamDefaultLearningRate,
		beta1:        AdamDefaultBeta1,
		beta2:        AdamDefaultBeta2,
		epsilon:      AdamDefaultEpsilon,
	}
}

// LearningRate sets the learning rate.
// It returns the config, so calls can be cascaded.
func (c *AdamConfig) LearningRate(lr float64) *AdamConfig {
	c.learningRate = lr
	return c
}

// Betas sets the moving-average coefficients of the first and second moment.
// It returns the config, so calls can be cascaded.
func (c *AdamConfig) Betas(beta1, beta2 float64) *AdamConfig {
	c.beta1, c.beta2 = beta1, beta2
	return c
}

// Epsilon sets the denominator stabilizer.
// It returns the config, so calls can be cascaded.
func (c *AdamConfig) Epsilon(eps float64) *AdamConfig {
	c.epsilon = eps
	return c
}

// Done builds the optimizer from the configuration.
func (c *AdamConfig) Done() Interface {
	if c.learningRate <= 0 {
		Panicf("Adam learning rate must be positive, got %g", c.learningRate)
	}
	if c.beta1 <= 0 || c.beta1 >= 1 || c.beta2 <= 0 || c.beta2 >= 1 {
		Panicf("Adam betas must be in (0, 1), got beta1=%g beta2=%g", c.beta1, c.beta2)
	}
	return &adam{config: *c}
}

type adam struct {
	config AdamConfig

	step             int
	moment1, moment2 params.Values
}

func (o *adam) Step(values, grads params.Values) {
	if o.moment1 == nil {
		counts := make([]int, len(values))
		for i, v := range values {
			counts[i] = len(v)
		}
		o.moment1 = params.NewValues(counts)
		o.moment2 = params.NewValues(counts)
	}
	o.step++

	lr := o.config.learningRate
	beta1, beta2 := o.config.beta1, o.config.beta2
	eps := o.config.epsilon
	debias1 := 1 / (1 - math.Pow(beta1, float64(o.step)))
	debias2 := 1 / (1 - math.Pow(beta2, float64(o.step)))

	for i, grad := range grads {
		value, m1, m2 := values[i], o.moment1[i], o.moment2[i]
		for j, g := range grad {
			g64 := float64(g)
			m1v := beta1*float64(m1[j]) + (1-beta1)*g64
			m2v := beta2*float64(m2[j]) + (1-beta2)*g64*g64
			m1[j], m2[j] = float32(m1v), float32(m2v)
			update := lr * (m1v * debias1) / (math.Sqrt(m2v*debias2) + eps)
			value[j] -= float32(update)
		}
	}
}
