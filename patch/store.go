package patch

import (
	"fmt"
	"math/rand"

	"github.com/tetralith/advpatch/tensor"
	"github.com/tetralith/advpatch/vision/preprocessing"
)

// InitMode selects how the patch pixels are initialized.
type InitMode string

const (
	// InitRandom fills the patch with uniform noise in [0, 1).
	InitRandom InitMode = "random"
	// InitGray fills the patch with mid-gray (0.5).
	InitGray InitMode = "gray"
	// InitImage initializes the patch from an image file, resized to
	// the patch size.
	InitImage InitMode = "image"
)

// Config holds configuration for a patch store.
type Config struct {
	Size      int      // patch is Size x Size pixels, 3 channels
	Init      InitMode // pixel initialization mode
	ImagePath string   // source image, required when Init is InitImage
	Seed      int64    // rng seed for random initialization
}

// DefaultConfig returns the default patch configuration.
func DefaultConfig() Config {
	return Config{
		Size: 64,
		Init: InitRandom,
		Seed: 1,
	}
}

// Store owns the trainable patch tensor. The patch is a CHW float32
// tensor with values kept in [0, 1]; it is the only tensor in the
// training graph that requires gradients.
type Store struct {
	tensor *tensor.Tensor
}

// New creates a patch store with freshly initialized pixels.
func New(config Config) (*Store, error) {
	if config.Size <= 0 {
		return nil, fmt.Errorf("patch size must be positive, got %d", config.Size)
	}

	shape := []int{3, config.Size, config.Size}
	var t *tensor.Tensor
	var err error

	switch config.Init {
	case InitRandom:
		t, err = tensor.Rand(shape, rand.New(rand.NewSource(config.Seed)))
	case InitGray:
		t, err = tensor.Full(shape, 0.5, tensor.Float32)
	case InitImage:
		if config.ImagePath == "" {
			return nil, fmt.Errorf("image initialization requires a source path")
		}
		t, err = preprocessing.LoadTensor(config.ImagePath, config.Size, config.Size)
	default:
		return nil, fmt.Errorf("unknown init mode %q", config.Init)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to initialize patch: %w", err)
	}

	t.SetRequiresGrad(true)
	return &Store{tensor: t}, nil
}

// FromTensor creates a store around an existing patch, e.g. one
// restored from a checkpoint. The tensor must be a square 3-channel CHW
// image; its values are clamped into [0, 1].
func FromTensor(t *tensor.Tensor) (*Store, error) {
	if t == nil {
		return nil, fmt.Errorf("patch tensor cannot be nil")
	}
	if t.DType != tensor.Float32 {
		return nil, fmt.Errorf("patch must be float32, got %s", t.DType)
	}
	if len(t.Shape) != 3 || t.Shape[0] != 3 {
		return nil, fmt.Errorf("patch must be CHW with 3 channels, got shape %v", t.Shape)
	}
	if t.Shape[1] != t.Shape[2] {
		return nil, fmt.Errorf("patch must be square, got %dx%d", t.Shape[2], t.Shape[1])
	}

	owned, err := t.Clone()
	if err != nil {
		return nil, err
	}
	if err := owned.ClampInPlace(0, 1); err != nil {
		return nil, err
	}
	owned.SetRequiresGrad(true)
	return &Store{tensor: owned}, nil
}

// Tensor returns the live patch parameter. Autograd operations applied
// to it become part of the training graph.
func (s *Store) Tensor() *tensor.Tensor {
	return s.tensor
}

// Size returns the patch side length in pixels.
func (s *Store) Size() int {
	return s.tensor.Shape[1]
}

// Clamp projects every pixel back into [0, 1]. It modifies values in
// place without touching gradients, so it is safe to call between
// optimizer steps. Clamping an already valid patch is a no-op.
func (s *Store) Clamp() error {
	return s.tensor.ClampInPlace(0, 1)
}

// Snapshot returns a detached copy of the current patch. The copy does
// not require gradients and is unaffected by further training steps.
func (s *Store) Snapshot() (*tensor.Tensor, error) {
	return s.tensor.Detach()
}

// Restore copies pixel values from a snapshot back into the live patch
// without replacing the tensor, so optimizer and graph references stay
// valid.
func (s *Store) Restore(snapshot *tensor.Tensor) error {
	if snapshot == nil {
		return fmt.Errorf("snapshot cannot be nil")
	}
	if snapshot.DType != s.tensor.DType || snapshot.NumElems != s.tensor.NumElems {
		return fmt.Errorf("snapshot shape %v does not match patch shape %v", snapshot.Shape, s.tensor.Shape)
	}

	src, err := snapshot.GetFloat32Data()
	if err != nil {
		return err
	}
	dst, err := s.tensor.GetFloat32Data()
	if err != nil {
		return err
	}
	copy(dst, src)
	return nil
}

// WritePNG saves the current patch as a PNG image.
func (s *Store) WritePNG(path string) error {
	return preprocessing.WritePNG(path, s.tensor)
}
