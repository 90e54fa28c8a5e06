package oracle

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/tetralith/advpatch/tensor"
)

// initWeight draws frozen weights from a normal distribution scaled by
// the fan-in. The tensors never require gradients: only the patch is
// trainable.
func initWeight(shape []int, fanIn int, rng *rand.Rand) (*tensor.Tensor, error) {
	std := float32(1.0 / math.Sqrt(float64(fanIn)))
	return tensor.RandNormal(shape, 0, std, rng)
}

// Linear is the simplest scorer: flatten, one dense layer, softmax.
type Linear struct {
	name     string
	channels int
	height   int
	width    int
	classes  int
	weight   *tensor.Tensor // [features, classes]
	bias     *tensor.Tensor // [classes]
}

// NewLinear creates a linear scorer with seeded random frozen weights.
func NewLinear(name string, channels, height, width, classes int, seed int64) (*Linear, error) {
	if err := checkGeometry(channels, height, width, classes); err != nil {
		return nil, err
	}

	features := channels * height * width
	rng := rand.New(rand.NewSource(seed))

	weight, err := initWeight([]int{features, classes}, features, rng)
	if err != nil {
		return nil, err
	}
	bias, err := tensor.Zeros([]int{classes}, tensor.Float32)
	if err != nil {
		return nil, err
	}

	return &Linear{
		name:     name,
		channels: channels,
		height:   height,
		width:    width,
		classes:  classes,
		weight:   weight,
		bias:     bias,
	}, nil
}

func (m *Linear) Name() string    { return m.name }
func (m *Linear) NumClasses() int { return m.classes }
func (m *Linear) InputSize() (int, int, int) {
	return m.channels, m.height, m.width
}

// Forward computes softmax(flatten(image) @ W + b).
func (m *Linear) Forward(image *tensor.Tensor) (*tensor.Tensor, error) {
	if err := checkImage(image, m.channels, m.height, m.width); err != nil {
		return nil, fmt.Errorf("%s: %w", m.name, err)
	}

	flat, err := tensor.ReshapeAutograd(image, []int{1, m.channels * m.height * m.width})
	if err != nil {
		return nil, err
	}
	logits, err := tensor.MatMulAutograd(flat, m.weight)
	if err != nil {
		return nil, err
	}
	logits, err = tensor.BiasAddAutograd(logits, m.bias)
	if err != nil {
		return nil, err
	}
	return tensor.SoftmaxAutograd(logits)
}

// MLP is a two-layer perceptron scorer with a ReLU hidden layer.
type MLP struct {
	name     string
	channels int
	height   int
	width    int
	hidden   int
	classes  int
	w1       *tensor.Tensor // [features, hidden]
	b1       *tensor.Tensor // [hidden]
	w2       *tensor.Tensor // [hidden, classes]
	b2       *tensor.Tensor // [classes]
}

// NewMLP creates an MLP scorer with seeded random frozen weights.
func NewMLP(name string, channels, height, width, hidden, classes int, seed int64) (*MLP, error) {
	if err := checkGeometry(channels, height, width, classes); err != nil {
		return nil, err
	}
	if hidden <= 0 {
		return nil, fmt.Errorf("hidden size must be positive, got %d", hidden)
	}

	features := channels * height * width
	rng := rand.New(rand.NewSource(seed))

	w1, err := initWeight([]int{features, hidden}, features, rng)
	if err != nil {
		return nil, err
	}
	b1, err := tensor.Zeros([]int{hidden}, tensor.Float32)
	if err != nil {
		return nil, err
	}
	w2, err := initWeight([]int{hidden, classes}, hidden, rng)
	if err != nil {
		return nil, err
	}
	b2, err := tensor.Zeros([]int{classes}, tensor.Float32)
	if err != nil {
		return nil, err
	}

	return &MLP{
		name:     name,
		channels: channels,
		height:   height,
		width:    width,
		hidden:   hidden,
		classes:  classes,
		w1:       w1,
		b1:       b1,
		w2:       w2,
		b2:       b2,
	}, nil
}

func (m *MLP) Name() string    { return m.name }
func (m *MLP) NumClasses() int { return m.classes }
func (m *MLP) InputSize() (int, int, int) {
	return m.channels, m.height, m.width
}

func (m *MLP) Forward(image *tensor.Tensor) (*tensor.Tensor, error) {
	if err := checkImage(image, m.channels, m.height, m.width); err != nil {
		return nil, fmt.Errorf("%s: %w", m.name, err)
	}

	flat, err := tensor.ReshapeAutograd(image, []int{1, m.channels * m.height * m.width})
	if err != nil {
		return nil, err
	}
	hidden, err := tensor.MatMulAutograd(flat, m.w1)
	if err != nil {
		return nil, err
	}
	hidden, err = tensor.BiasAddAutograd(hidden, m.b1)
	if err != nil {
		return nil, err
	}
	hidden, err = tensor.ReLUAutograd(hidden)
	if err != nil {
		return nil, err
	}
	logits, err := tensor.MatMulAutograd(hidden, m.w2)
	if err != nil {
		return nil, err
	}
	logits, err = tensor.BiasAddAutograd(logits, m.b2)
	if err != nil {
		return nil, err
	}
	return tensor.SoftmaxAutograd(logits)
}

// ConvNet is a small convolutional scorer: two strided 3x3 conv+ReLU
// stages followed by a dense layer.
type ConvNet struct {
	name     string
	channels int
	height   int
	width    int
	classes  int
	conv1W   *tensor.Tensor // [8, channels, 3, 3]
	conv1B   *tensor.Tensor // [8]
	conv2W   *tensor.Tensor // [16, 8, 3, 3]
	conv2B   *tensor.Tensor // [16]
	fcW      *tensor.Tensor // [flattened, classes]
	fcB      *tensor.Tensor // [classes]
	outH     int
	outW     int
}

// convOutSize computes the output side length of a padded strided
// convolution.
func convOutSize(in, kernel, stride, padding int) int {
	return (in+2*padding-kernel)/stride + 1
}

// NewConvNet creates a convolutional scorer with seeded random frozen
// weights.
func NewConvNet(name string, channels, height, width, classes int, seed int64) (*ConvNet, error) {
	if err := checkGeometry(channels, height, width, classes); err != nil {
		return nil, err
	}

	// Each stage uses a 3x3 kernel, so the input must cover at least one
	// full window.
	if height < 3 || width < 3 {
		return nil, fmt.Errorf("input %dx%d too small for 3x3 convolutions", width, height)
	}

	h1 := convOutSize(height, 3, 2, 1)
	w1 := convOutSize(width, 3, 2, 1)
	h2 := convOutSize(h1, 3, 2, 1)
	w2 := convOutSize(w1, 3, 2, 1)

	rng := rand.New(rand.NewSource(seed))

	conv1W, err := initWeight([]int{8, channels, 3, 3}, channels*3*3, rng)
	if err != nil {
		return nil, err
	}
	conv1B, err := tensor.Zeros([]int{8}, tensor.Float32)
	if err != nil {
		return nil, err
	}
	conv2W, err := initWeight([]int{16, 8, 3, 3}, 8*3*3, rng)
	if err != nil {
		return nil, err
	}
	conv2B, err := tensor.Zeros([]int{16}, tensor.Float32)
	if err != nil {
		return nil, err
	}

	flattened := 16 * h2 * w2
	fcW, err := initWeight([]int{flattened, classes}, flattened, rng)
	if err != nil {
		return nil, err
	}
	fcB, err := tensor.Zeros([]int{classes}, tensor.Float32)
	if err != nil {
		return nil, err
	}

	return &ConvNet{
		name:     name,
		channels: channels,
		height:   height,
		width:    width,
		classes:  classes,
		conv1W:   conv1W,
		conv1B:   conv1B,
		conv2W:   conv2W,
		conv2B:   conv2B,
		fcW:      fcW,
		fcB:      fcB,
		outH:     h2,
		outW:     w2,
	}, nil
}

func (m *ConvNet) Name() string    { return m.name }
func (m *ConvNet) NumClasses() int { return m.classes }
func (m *ConvNet) InputSize() (int, int, int) {
	return m.channels, m.height, m.width
}

func (m *ConvNet) Forward(image *tensor.Tensor) (*tensor.Tensor, error) {
	if err := checkImage(image, m.channels, m.height, m.width); err != nil {
		return nil, fmt.Errorf("%s: %w", m.name, err)
	}

	out, err := tensor.Conv2DAutograd(image, m.conv1W, m.conv1B, 2, 1)
	if err != nil {
		return nil, err
	}
	out, err = tensor.ReLUAutograd(out)
	if err != nil {
		return nil, err
	}
	out, err = tensor.Conv2DAutograd(out, m.conv2W, m.conv2B, 2, 1)
	if err != nil {
		return nil, err
	}
	out, err = tensor.ReLUAutograd(out)
	if err != nil {
		return nil, err
	}

	flat, err := tensor.ReshapeAutograd(out, []int{1, 16 * m.outH * m.outW})
	if err != nil {
		return nil, err
	}
	logits, err := tensor.MatMulAutograd(flat, m.fcW)
	if err != nil {
		return nil, err
	}
	logits, err = tensor.BiasAddAutograd(logits, m.fcB)
	if err != nil {
		return nil, err
	}
	return tensor.SoftmaxAutograd(logits)
}
