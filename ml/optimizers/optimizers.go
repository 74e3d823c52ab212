// Package optimizers implements the optimizers applied by aggregator shards
// (parameter-server mode) and by workers (ring-allreduce mode). They all
// operate on raw per-parameter float32 slices and implement
// optimizers.Interface.
package optimizers

import (
	. "github.com/gomlx/exceptions"
	"golang.org/x/exp/maps"

	"github.com/pcl-projects/STRN/ml/params"
)

// Interface implemented by all optimizers.
//
// Step applies one update to values given the aggregated grads. Both are
// aligned to the same parameter sequence; the optimizer keeps any per-slot
// state (momentum, moments) keyed by position, so a given optimizer instance
// must always be stepped with the same parameter sequence.
type Interface interface {
	Step(values, grads params.Values)
}

// KnownOptimizers maps optimizer names to their default constructors,
// a quick start point for flag-configured mains.
var KnownOptimizers = map[string]func() Interface{
	"sgd":      func() Interface { return Sgd().Done() },
	"momentum": func() Interface { return Sgd().Momentum(0.9).Done() },
	"adam":     func() Interface { return Adam().Done() },
}

// ByName returns an optimizer given its name, or panics if one does not
// exist. See KnownOptimizers.
func ByName(name string) Interface {
	builder, found := KnownOptimizers[name]
	if !found {
		Panicf("unknown optimizer %q, valid values are %v", name, maps.Keys(KnownOptimizers))
	}
	return builder()
}

// SGDDefaultLearningRate is used when no learning rate is configured.
const SGDDefaultLearningRate = 0.005

// SgdConfig configures a stochastic gradient descent optimizer, with
// optional momentum. Create it with Sgd, configure and call Done.
type SgdConfig struct {
	learningRate float64
	momentum     float64
}

// Sgd returns an SGD optimizer configuration. Call Done when finished.
func Sgd() *SgdConfig {
	return &SgdConfig{learningRate: SGDDefaultLearningRate}
}

// LearningRate sets the learning rate. Defaults to SGDDefaultLearningRate.
// It returns the config, so calls can be cascaded.
func (c *SgdConfig) LearningRate(lr float64) *SgdConfig {
	c.learningRate = lr
	return c
}

// Momentum sets the momentum coefficient. 0 (the default) disables momentum.
// It returns the config, so calls can be cascaded.
func (c *SgdConfig) Momentum(m float64) *SgdConfig {
	c.momentum = m
	return c
}

// Done builds the optimizer from the configuration.
func (c *SgdConfig) Done() Interface {
	if c.learningRate <= 0 {
		Panicf("SGD learning rate must be positive, got %g", c.learningRate)
	}
	if c.momentum < 0 || c.momentum >= 1 {
		Panicf("SGD momentum must be in [0, 1), got %g", c.momentum)
	}
	return &sgd{config: *c}
}

type sgd struct {
	config SgdConfig

	// velocity is allocated lazily on the first Step, one slice per
	// parameter slot. Only used when momentum > 0.
	velocity params.Values
}

func (o *sgd) Step(values, grads params.Values) {
	lr := float32(o.config.learningRate)
	if o.config.momentum == 0 {
		for i, grad := range grads {
			value := values[i]
			for j, g := range grad {
				value[j] -= lr * g
			}
		}
		return
	}

	if o.velocity == nil {
		counts := make([]int, len(values))
		for i, v := range values {
			counts[i] = len(v)
		}
		o.velocity = params.NewValues(counts)
	}
	mu := float32(o.config.momentum)
	for i, grad := range grads {
		value, vel := values[i], o.velocity[i]
		for j, g := range grad {
			vel[j] = mu*vel[j] + g
			value[j] -= lr * vel[j]
		}
	}
}
