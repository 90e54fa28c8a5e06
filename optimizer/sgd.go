package optimizer

import (
	"fmt"

	"github.com/tetralith/advpatch/tensor"
)

// SGDConfig holds configuration for the SGD optimizer.
type SGDConfig struct {
	LearningRate float64
	Momentum     float64
	WeightDecay  float64
	Nesterov     bool
}

// DefaultSGDConfig returns default SGD optimizer configuration.
func DefaultSGDConfig() SGDConfig {
	return SGDConfig{
		LearningRate: 0.01,
		Momentum:     0.0,
		WeightDecay:  0.0,
		Nesterov:     false,
	}
}

// SGD implements stochastic gradient descent with optional momentum,
// Nesterov acceleration and L2 weight decay.
type SGD struct {
	config    SGDConfig
	params    []*tensor.Tensor
	velocity  [][]float32 // one buffer per parameter, allocated only if momentum > 0
	stepCount int
}

// NewSGD creates an SGD optimizer over the given parameters.
func NewSGD(params []*tensor.Tensor, config SGDConfig) (*SGD, error) {
	if err := validateParams(params); err != nil {
		return nil, err
	}
	if config.LearningRate <= 0 {
		return nil, fmt.Errorf("learning rate must be positive: %f", config.LearningRate)
	}
	if config.Momentum < 0 {
		return nil, fmt.Errorf("momentum cannot be negative: %f", config.Momentum)
	}
	if config.Momentum > 1.0 {
		return nil, fmt.Errorf("momentum cannot be greater than 1.0: %f", config.Momentum)
	}
	if config.WeightDecay < 0 {
		return nil, fmt.Errorf("weight decay cannot be negative: %f", config.WeightDecay)
	}
	if config.Nesterov && config.Momentum == 0 {
		return nil, fmt.Errorf("nesterov momentum requires momentum > 0")
	}

	sgd := &SGD{
		config: config,
		params: params,
	}

	if config.Momentum > 0 {
		sgd.velocity = make([][]float32, len(params))
		for i, p := range params {
			sgd.velocity[i] = make([]float32, p.NumElems)
		}
	}

	return sgd, nil
}

// Step performs a single SGD optimization step.
func (sgd *SGD) Step() error {
	lr := float32(sgd.config.LearningRate)
	momentum := float32(sgd.config.Momentum)
	decay := float32(sgd.config.WeightDecay)

	for i, p := range sgd.params {
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

		for j := range data {
			g := gradData[j] + decay*data[j]
			if momentum > 0 {
				v := momentum*sgd.velocity[i][j] + g
				sgd.velocity[i][j] = v
				if sgd.config.Nesterov {
					g = g + momentum*v
				} else {
					g = v
				}
			}
			data[j] -= lr * g
		}
	}

	sgd.stepCount++
	return nil
}

// ZeroGrad clears the gradients of all managed parameters.
func (sgd *SGD) ZeroGrad() {
	zeroGrads(sgd.params)
}

// LearningRate returns the current learning rate.
func (sgd *SGD) LearningRate() float64 {
	return sgd.config.LearningRate
}

// SetLearningRate updates the learning rate.
func (sgd *SGD) SetLearningRate(lr float64) {
	sgd.config.LearningRate = lr
}

// StepCount returns the current step count.
func (sgd *SGD) StepCount() int {
	return sgd.stepCount
}

// State extracts optimizer state for checkpointing.
func (sgd *SGD) State() *State {
	nesterov := 0.0
	if sgd.config.Nesterov {
		nesterov = 1.0
	}
	state := &State{
		Type:         "sgd",
		LearningRate: sgd.config.LearningRate,
		StepCount:    sgd.stepCount,
		Parameters: map[string]float64{
			"momentum":     sgd.config.Momentum,
			"weight_decay": sgd.config.WeightDecay,
			"nesterov":     nesterov,
		},
	}
	if sgd.velocity != nil {
		state.Slots = map[string][][]float32{
			"velocity": copySlot(sgd.velocity),
		}
	}
	return state
}

// LoadState restores optimizer state from a checkpoint.
func (sgd *SGD) LoadState(state *State) error {
	if err := validateStateType("sgd", state); err != nil {
		return err
	}
	if state.LearningRate > 0 {
		sgd.config.LearningRate = state.LearningRate
	}
	sgd.stepCount = state.StepCount
	if sgd.velocity != nil {
		if err := loadSlot(sgd.velocity, state, "velocity"); err != nil {
			return err
		}
	}
	return nil
}
