package optimizer

import (
	"fmt"

	"github.com/tetralith/advpatch/tensor"
)

// Optimizer defines the common interface for all optimizers.
// Optimizers own the slot buffers (momentum, variance) for the parameters
// they were built with; State/LoadState expose those buffers for
// checkpointing.
type Optimizer interface {
	// Step applies one update to every parameter that has a gradient.
	// Parameters whose gradient is nil are skipped.
	Step() error

	// ZeroGrad clears the gradients of all managed parameters.
	ZeroGrad()

	// LearningRate returns the current learning rate.
	LearningRate() float64

	// SetLearningRate updates the learning rate, e.g. from a scheduler.
	SetLearningRate(lr float64)

	// StepCount returns the number of completed optimization steps.
	StepCount() int

	// State extracts optimizer state for checkpointing.
	State() *State

	// LoadState restores optimizer state from a checkpoint.
	LoadState(state *State) error
}

// State represents the complete serializable state of an optimizer:
// its hyperparameters plus one slot buffer set per managed parameter.
type State struct {
	Type         string                 `json:"type"` // "sgd", "adam"
	LearningRate float64                `json:"learning_rate"`
	StepCount    int                    `json:"step_count"`
	Parameters   map[string]float64     `json:"parameters,omitempty"`
	Slots        map[string][][]float32 `json:"slots,omitempty"`
}

// validateStateType ensures the state type matches the optimizer.
func validateStateType(optimizerType string, state *State) error {
	if state == nil {
		return fmt.Errorf("optimizer state cannot be nil")
	}
	if state.Type != optimizerType {
		return fmt.Errorf("state type mismatch: expected %s, got %s", optimizerType, state.Type)
	}
	return nil
}

// validateParams checks that every parameter is a Float32 tensor.
func validateParams(params []*tensor.Tensor) error {
	if len(params) == 0 {
		return fmt.Errorf("no parameters provided")
	}
	for i, p := range params {
		if p == nil {
			return fmt.Errorf("parameter %d is nil", i)
		}
		if p.DType != tensor.Float32 {
			return fmt.Errorf("parameter %d has dtype %s, only float32 parameters can be optimized", i, p.DType)
		}
	}
	return nil
}

// loadSlot copies checkpointed slot buffers back into live buffers,
// validating the count and per-buffer sizes.
func loadSlot(dst [][]float32, state *State, name string) error {
	src, ok := state.Slots[name]
	if !ok {
		return fmt.Errorf("state is missing slot %q", name)
	}
	if len(src) != len(dst) {
		return fmt.Errorf("slot %q has %d buffers, optimizer manages %d parameters", name, len(src), len(dst))
	}
	for i := range src {
		if len(src[i]) != len(dst[i]) {
			return fmt.Errorf("slot %q buffer %d has %d elements, expected %d", name, i, len(src[i]), len(dst[i]))
		}
		copy(dst[i], src[i])
	}
	return nil
}

// copySlot deep-copies slot buffers for inclusion in a State.
func copySlot(src [][]float32) [][]float32 {
	out := make([][]float32, len(src))
	for i := range src {
		out[i] = make([]float32, len(src[i]))
		copy(out[i], src[i])
	}
	return out
}

// zeroGrads clears gradients on a parameter list.
func zeroGrads(params []*tensor.Tensor) {
	tensor.ZeroGrad(params)
}
