package training

import (
	"fmt"

	"github.com/tetralith/advpatch/oracle"
	"github.com/tetralith/advpatch/tensor"
)

// Loss converts ensemble predictions and a target class into a scalar
// attack objective plus a success measurement. Implementations must
// keep the returned tensor connected to the autograd graph so the
// backward pass reaches the patch.
type Loss interface {
	// Compute returns the differentiable loss and the fraction of
	// ensemble members whose top-1 prediction is already the target.
	Compute(predictions []oracle.Prediction, target int) (*tensor.Tensor, float64, error)
	Name() string
}

// TargetedNLL drives the target-class probability up: the negative log
// of that probability, averaged across ensemble members so ensemble
// size does not change loss magnitude. Probabilities are floored before
// the log, so a member assigning zero to the target yields a large
// finite loss instead of +Inf.
type TargetedNLL struct {
	floor float32
}

// DefaultProbFloor is the probability floor applied before the log.
const DefaultProbFloor = 1e-10

// NewTargetedNLL creates the targeted loss with the given probability
// floor.
func NewTargetedNLL(floor float64) (*TargetedNLL, error) {
	if floor <= 0 || floor >= 1 {
		return nil, fmt.Errorf("probability floor must be in (0, 1), got %g", floor)
	}
	return &TargetedNLL{floor: float32(floor)}, nil
}

// Name returns the loss identifier used in logs.
func (l *TargetedNLL) Name() string {
	return "targeted-nll"
}

// Compute scores one composited image against every ensemble member.
func (l *TargetedNLL) Compute(predictions []oracle.Prediction, target int) (*tensor.Tensor, float64, error) {
	if len(predictions) == 0 {
		return nil, 0, fmt.Errorf("no predictions to score")
	}

	var sum *tensor.Tensor
	hits := 0

	for _, pred := range predictions {
		prob, err := tensor.GatherAutograd(pred.Probs, target)
		if err != nil {
			return nil, 0, fmt.Errorf("classifier %s: %w", pred.Model, err)
		}
		prob, err = tensor.ClampMinAutograd(prob, l.floor)
		if err != nil {
			return nil, 0, fmt.Errorf("classifier %s: %w", pred.Model, err)
		}
		logProb, err := tensor.LogAutograd(prob)
		if err != nil {
			return nil, 0, fmt.Errorf("classifier %s: %w", pred.Model, err)
		}

		if sum == nil {
			sum = logProb
		} else {
			sum, err = tensor.AddAutograd(sum, logProb)
			if err != nil {
				return nil, 0, err
			}
		}

		top, err := tensor.ArgMax(pred.Probs)
		if err != nil {
			return nil, 0, fmt.Errorf("classifier %s: %w", pred.Model, err)
		}
		if top == target {
			hits++
		}
	}

	loss, err := tensor.ScaleAutograd(sum, -1.0/float32(len(predictions)))
	if err != nil {
		return nil, 0, err
	}

	return loss, float64(hits) / float64(len(predictions)), nil
}
