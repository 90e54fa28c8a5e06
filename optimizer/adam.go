package optimizer

import (
	"fmt"
	"math"

	"github.com/tetralith/advpatch/tensor"
)

// AdamConfig holds configuration for the Adam optimizer.
type AdamConfig struct {
	LearningRate float64
	Beta1        float64
	Beta2        float64
	Epsilon      float64
	WeightDecay  float64
}

// DefaultAdamConfig returns default Adam optimizer configuration.
func DefaultAdamConfig() AdamConfig {
	return AdamConfig{
		LearningRate: 0.001,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
		WeightDecay:  0.0,
	}
}

// Adam implements the Adam optimizer with bias-corrected first and
// second moment estimates.
type Adam struct {
	config    AdamConfig
	params    []*tensor.Tensor
	momentum  [][]float32 // first moment per parameter
	variance  [][]float32 // second moment per parameter
	stepCount int
}

// NewAdam creates an Adam optimizer over the given parameters.
func NewAdam(params []*tensor.Tensor, config AdamConfig) (*Adam, error) {
	if err := validateParams(params); err != nil {
		return nil, err
	}
	if config.LearningRate <= 0 {
		return nil, fmt.Errorf("learning rate must be positive: %f", config.LearningRate)
	}
	if config.Beta1 < 0 || config.Beta1 >= 1 {
		return nil, fmt.Errorf("beta1 must be in [0, 1): %f", config.Beta1)
	}
	if config.Beta2 < 0 || config.Beta2 >= 1 {
		return nil, fmt.Errorf("beta2 must be in [0, 1): %f", config.Beta2)
	}
	if config.Epsilon <= 0 {
		return nil, fmt.Errorf("epsilon must be positive: %g", config.Epsilon)
	}
	if config.WeightDecay < 0 {
		return nil, fmt.Errorf("weight decay cannot be negative: %f", config.WeightDecay)
	}

	adam := &Adam{
		config:   config,
		params:   params,
		momentum: make([][]float32, len(params)),
		variance: make([][]float32, len(params)),
	}
	for i, p := range params {
		adam.momentum[i] = make([]float32, p.NumElems)
		adam.variance[i] = make([]float32, p.NumElems)
	}

	return adam, nil
}

// Step performs a single Adam optimization step.
func (adam *Adam) Step() error {
	adam.stepCount++

	beta1 := float32(adam.config.Beta1)
	beta2 := float32(adam.config.Beta2)
	decay := float32(adam.config.WeightDecay)

	// Bias correction terms for the current step.
	t := float64(adam.stepCount)
	correction1 := 1.0 - math.Pow(adam.config.Beta1, t)
	correction2 := 1.0 - math.Pow(adam.config.Beta2, t)

	for i, p := range adam.params {
		grad := p.Grad()
		if grad == nil {
			continue
		}
		gradData, err := grad.GetFloat32Data()
		if err != nil {
			return fmt.Errorf("failed to read gradient for parameter %d: %v", i, err)
		}
		data, err := p.GetFloat32Data()
		if err != nil {
			return fmt.Errorf("failed to read parameter %d: %v", i, err)
		}
		if len(gradData) != len(data) {
			return fmt.Errorf("gradient size (%d) doesn't match parameter size (%d)", len(gradData), len(data))
		}

		m := adam.momentum[i]
		v := adam.variance[i]
		for j := range data {
			g := gradData[j] + decay*data[j]
			m[j] = beta1*m[j] + (1-beta1)*g
			v[j] = beta2*v[j] + (1-beta2)*g*g

			mHat := float64(m[j]) / correction1
			vHat := float64(v[j]) / correction2
			data[j] -= float32(adam.config.LearningRate * mHat / (math.Sqrt(vHat) + adam.config.Epsilon))
		}
	}

	return nil
}

// ZeroGrad clears the gradients of all managed parameters.
func (adam *Adam) ZeroGrad() {
	zeroGrads(adam.params)
}

// LearningRate returns the current learning rate.
func (adam *Adam) LearningRate() float64 {
	return adam.config.LearningRate
}

// SetLearningRate updates the learning rate.
func (adam *Adam) SetLearningRate(lr float64) {
	adam.config.LearningRate = lr
}

// StepCount returns the current step count.
func (adam *Adam) StepCount() int {
	return adam.stepCount
}

// State extracts optimizer state for checkpointing.
func (adam *Adam) State() *State {
	return &State{
		Type:         "adam",
		LearningRate: adam.config.LearningRate,
		StepCount:    adam.stepCount,
		Parameters: map[string]float64{
			"beta1":        adam.config.Beta1,
			"beta2":        adam.config.Beta2,
			"epsilon":      adam.config.Epsilon,
			"weight_decay": adam.config.WeightDecay,
		},
		Slots: map[string][][]float32{
			"momentum": copySlot(adam.momentum),
			"variance": copySlot(adam.variance),
		},
	}
}

// LoadState restores optimizer state from a checkpoint.
func (adam *Adam) LoadState(state *State) error {
	if err := validateStateType("adam", state); err != nil {
		return err
	}
	if state.LearningRate > 0 {
		adam.config.LearningRate = state.LearningRate
	}
	adam.stepCount = state.StepCount
	if err := loadSlot(adam.momentum, state, "momentum"); err != nil {
		return err
	}
	if err := loadSlot(adam.variance, state, "variance"); err != nil {
		return err
	}
	return nil
}
