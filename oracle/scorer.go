package oracle

import (
	"fmt"

	"github.com/tetralith/advpatch/tensor"
)

// Scorer scores a single image: it maps a CHW float32 image in [0, 1]
// to a probability distribution over classes. Implementations must be
// differentiable with respect to the image, so gradients can flow back
// into an adversarial patch composited onto it, and must keep their own
// weights frozen.
type Scorer interface {
	Name() string
	NumClasses() int
	// InputSize returns the image geometry the scorer accepts.
	InputSize() (channels, height, width int)
	// Forward returns class probabilities with shape [1, NumClasses].
	Forward(image *tensor.Tensor) (*tensor.Tensor, error)
}

// checkImage validates that an image matches the expected geometry.
func checkImage(image *tensor.Tensor, channels, height, width int) error {
	if image == nil {
		return fmt.Errorf("image cannot be nil")
	}
	if image.DType != tensor.Float32 {
		return fmt.Errorf("image must be float32, got %s", image.DType)
	}
	if len(image.Shape) != 3 || image.Shape[0] != channels || image.Shape[1] != height || image.Shape[2] != width {
		return fmt.Errorf("image shape %v does not match expected [%d %d %d]",
			image.Shape, channels, height, width)
	}
	return nil
}

// checkGeometry validates common constructor arguments.
func checkGeometry(channels, height, width, classes int) error {
	if channels <= 0 || height <= 0 || width <= 0 {
		return fmt.Errorf("invalid input geometry %dx%dx%d", channels, height, width)
	}
	if classes < 2 {
		return fmt.Errorf("classifier needs at least 2 classes, got %d", classes)
	}
	return nil
}
