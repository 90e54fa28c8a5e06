package eot

import (
	"errors"
	"fmt"
	"math"
	"math/rand"

	"github.com/tetralith/advpatch/tensor"
)

// ErrPatchExceedsHost reports that a transformed patch cannot be placed
// inside its host image without clipping.
var ErrPatchExceedsHost = errors.New("transformed patch does not fit inside host image")

// ApplyTransform rotates the patch and then rescales it, both
// differentiably. Angles that are exact multiples of 90 degrees take
// the lossless quarter-turn path; any other angle uses bilinear
// rotation. The rotated patch is then resized by the scale factor,
// never below one pixel per side.
func ApplyTransform(patch *tensor.Tensor, params Params) (*tensor.Tensor, error) {
	if params.Scale <= 0 {
		return nil, fmt.Errorf("scale must be positive, got %v", params.Scale)
	}

	var rotated *tensor.Tensor
	var err error
	if math.Mod(params.Angle, 90) == 0 {
		rotated, err = tensor.Rot90Autograd(patch, int(params.Angle/90))
	} else {
		rotated, err = tensor.RotateAutograd(patch, params.Angle)
	}
	if err != nil {
		return nil, fmt.Errorf("rotation failed: %w", err)
	}

	height := rotated.Shape[1]
	width := rotated.Shape[2]
	newHeight := scaledSize(height, params.Scale)
	newWidth := scaledSize(width, params.Scale)
	if newHeight == height && newWidth == width {
		return rotated, nil
	}

	resized, err := tensor.ResizeBilinearAutograd(rotated, newHeight, newWidth)
	if err != nil {
		return nil, fmt.Errorf("rescale failed: %w", err)
	}
	return resized, nil
}

// scaledSize rounds a side length under a scale factor, keeping at
// least one pixel.
func scaledSize(size int, scale float64) int {
	scaled := int(math.Round(float64(size) * scale))
	if scaled < 1 {
		return 1
	}
	return scaled
}

// MaxTransformedSize returns the largest side length a square patch can
// reach under the given scale bound. Rotation never changes a square
// patch's bounding box, so this is the worst case for placement.
func MaxTransformedSize(patchSize int, maxScale float64) int {
	return scaledSize(patchSize, maxScale)
}

// PlaceRandom draws a placement for a transformed patch uniformly over
// every fully in-bounds position of the host. It never clips: a patch
// that cannot fit yields ErrPatchExceedsHost.
func PlaceRandom(hostHeight, hostWidth, patchHeight, patchWidth int, rng *rand.Rand) (x, y int, err error) {
	if patchHeight <= 0 || patchWidth <= 0 {
		return 0, 0, fmt.Errorf("invalid patch size %dx%d", patchWidth, patchHeight)
	}
	if patchHeight > hostHeight || patchWidth > hostWidth {
		return 0, 0, fmt.Errorf("%w: patch %dx%d, host %dx%d",
			ErrPatchExceedsHost, patchWidth, patchHeight, hostWidth, hostHeight)
	}

	x = rng.Intn(hostWidth - patchWidth + 1)
	y = rng.Intn(hostHeight - patchHeight + 1)
	return x, y, nil
}

// Composite pastes the transformed patch onto the host at (x, y). The
// result is a new tensor: pixels outside the patch rectangle are exact
// copies of the host, pixels inside come entirely from the patch, and
// gradients flow only through the patch rectangle.
func Composite(host, patch *tensor.Tensor, x, y int) (*tensor.Tensor, error) {
	return tensor.PasteAutograd(host, patch, x, y)
}
