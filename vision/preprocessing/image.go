package preprocessing

import (
	"fmt"
	"image"
	_ "image/jpeg"
	"image/png"
	"io"
	"os"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"

	"github.com/tetralith/advpatch/tensor"
)

// Decode reads and decodes an image file. JPEG, PNG and BMP are
// supported; the format is detected from the file contents.
func Decode(path string) (image.Image, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open image: %w", err)
	}
	defer file.Close()

	img, _, err := image.Decode(file)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return img, nil
}

// Resize scales an image to the target size with bilinear filtering.
func Resize(img image.Image, width, height int) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.BiLinear.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)
	return dst
}

// ToTensor converts an image to a CHW float32 tensor normalized to [0, 1].
func ToTensor(img image.Image) (*tensor.Tensor, error) {
	bounds := img.Bounds()
	width := bounds.Dx()
	height := bounds.Dy()
	if width == 0 || height == 0 {
		return nil, fmt.Errorf("image has empty bounds %v", bounds)
	}

	plane := height * width
	data := make([]float32, 3*plane)

	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			r, g, b, _ := img.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()

			idx := y*width + x
			rVal := float32(r) / 65535.0
			gVal := float32(g) / 65535.0
			bVal := float32(b) / 65535.0

			// Validate for NaN/out-of-range values
			if rVal != rVal || rVal < 0 || rVal > 1 {
				rVal = 0.0
			}
			if gVal != gVal || gVal < 0 || gVal > 1 {
				gVal = 0.0
			}
			if bVal != bVal || bVal < 0 || bVal > 1 {
				bVal = 0.0
			}

			data[0*plane+idx] = rVal
			data[1*plane+idx] = gVal
			data[2*plane+idx] = bVal
		}
	}

	return tensor.New([]int{3, height, width}, tensor.Float32, data)
}

// LoadTensor decodes an image file, resizes it to height x width if
// needed, and returns it as a CHW tensor in [0, 1].
func LoadTensor(path string, height, width int) (*tensor.Tensor, error) {
	if height <= 0 || width <= 0 {
		return nil, fmt.Errorf("invalid target size %dx%d", width, height)
	}
	img, err := Decode(path)
	if err != nil {
		return nil, err
	}
	bounds := img.Bounds()
	if bounds.Dx() != width || bounds.Dy() != height {
		img = Resize(img, width, height)
	}
	return ToTensor(img)
}

// ToImage converts a CHW float32 tensor in [0, 1] to an RGBA image.
// Values outside [0, 1] are clamped.
func ToImage(t *tensor.Tensor) (*image.RGBA, error) {
	if t.DType != tensor.Float32 {
		return nil, fmt.Errorf("expected float32 tensor, got %s", t.DType)
	}
	if len(t.Shape) != 3 || t.Shape[0] != 3 {
		return nil, fmt.Errorf("expected CHW tensor with 3 channels, got shape %v", t.Shape)
	}

	data, err := t.GetFloat32Data()
	if err != nil {
		return nil, err
	}

	height := t.Shape[1]
	width := t.Shape[2]
	plane := height * width
	img := image.NewRGBA(image.Rect(0, 0, width, height))

	toByte := func(v float32) uint8 {
		if v != v || v < 0 {
			v = 0
		}
		if v > 1 {
			v = 1
		}
		return uint8(v*255.0 + 0.5)
	}

	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			idx := y*width + x
			offset := img.PixOffset(x, y)
			img.Pix[offset+0] = toByte(data[0*plane+idx])
			img.Pix[offset+1] = toByte(data[1*plane+idx])
			img.Pix[offset+2] = toByte(data[2*plane+idx])
			img.Pix[offset+3] = 0xff
		}
	}

	return img, nil
}

// EncodePNG encodes a CHW tensor as PNG to w.
func EncodePNG(w io.Writer, t *tensor.Tensor) error {
	img, err := ToImage(t)
	if err != nil {
		return err
	}
	if err := png.Encode(w, img); err != nil {
		return fmt.Errorf("failed to encode PNG: %w", err)
	}
	return nil
}

// WritePNG encodes a CHW tensor as a PNG file.
func WritePNG(path string, t *tensor.Tensor) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer file.Close()

	return EncodePNG(file, t)
}
