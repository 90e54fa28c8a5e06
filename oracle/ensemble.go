package oracle

import (
	"fmt"

	"github.com/tetralith/advpatch/tensor"
)

// Prediction holds one ensemble member's output for an image. Probs
// stays connected to the compositing graph, so losses built from it
// backpropagate into the patch.
type Prediction struct {
	Model string
	Probs *tensor.Tensor // [1, classes]
}

// Oracle is an ensemble of frozen classifiers queried jointly during
// patch training. Every member must agree on the class count.
type Oracle struct {
	scorers []Scorer
	classes int
}

// New creates an ensemble from one or more scorers.
func New(scorers ...Scorer) (*Oracle, error) {
	if len(scorers) == 0 {
		return nil, fmt.Errorf("ensemble requires at least one classifier")
	}

	classes := scorers[0].NumClasses()
	for _, s := range scorers[1:] {
		if s.NumClasses() != classes {
			return nil, fmt.Errorf("classifier %s has %d classes, %s has %d: ensemble members must agree",
				s.Name(), s.NumClasses(), scorers[0].Name(), classes)
		}
	}

	return &Oracle{scorers: scorers, classes: classes}, nil
}

// NumClasses returns the shared class count of the ensemble.
func (o *Oracle) NumClasses() int {
	return o.classes
}

// Size returns the number of ensemble members.
func (o *Oracle) Size() int {
	return len(o.scorers)
}

// Members returns the member names in ensemble order.
func (o *Oracle) Members() []string {
	names := make([]string, len(o.scorers))
	for i, s := range o.scorers {
		names[i] = s.Name()
	}
	return names
}

// InputSize returns the image geometry of the first member. All members
// are queried with the same composited image.
func (o *Oracle) InputSize() (channels, height, width int) {
	return o.scorers[0].InputSize()
}

// ValidateTarget checks that a target class index is addressable by
// every ensemble member. Call it before any forward pass.
func (o *Oracle) ValidateTarget(class int) error {
	if class < 0 || class >= o.classes {
		return fmt.Errorf("target class %d out of range [0, %d)", class, o.classes)
	}
	return nil
}

// Classify runs every member on the same image and returns their
// probability outputs in ensemble order.
func (o *Oracle) Classify(image *tensor.Tensor) ([]Prediction, error) {
	predictions := make([]Prediction, 0, len(o.scorers))
	for _, s := range o.scorers {
		probs, err := s.Forward(image)
		if err != nil {
			return nil, fmt.Errorf("classifier %s failed: %w", s.Name(), err)
		}
		predictions = append(predictions, Prediction{Model: s.Name(), Probs: probs})
	}
	return predictions, nil
}
