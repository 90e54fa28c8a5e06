package tensor

import (
	"fmt"
	"math"
)

// Spatial operations treat Float32 tensors of shape [C, H, W] as images.

func chwDims(t *Tensor) (c, h, w int, err error) {
	if t.DType != Float32 {
		return 0, 0, 0, fmt.Errorf("spatial operations require Float32 tensors, got %s", t.DType)
	}
	if len(t.Shape) != 3 {
		return 0, 0, 0, fmt.Errorf("spatial operations require CHW tensors, got shape %v", t.Shape)
	}
	return t.Shape[0], t.Shape[1], t.Shape[2], nil
}

// Rot90 rotates a CHW tensor counter-clockwise by k quarter turns. The
// rotation is an exact pixel permutation; no resampling occurs.
func Rot90(t *Tensor, k int) (*Tensor, error) {
	c, h, w, err := chwDims(t)
	if err != nil {
		return nil, err
	}

	k = ((k % 4) + 4) % 4
	if k == 0 {
		return t.Clone()
	}

	outH, outW := h, w
	if k%2 == 1 {
		outH, outW = w, h
	}

	result, err := Zeros([]int{c, outH, outW}, Float32)
	if err != nil {
		return nil, err
	}

	in := t.Data.([]float32)
	out := result.Data.([]float32)

	for ci := 0; ci < c; ci++ {
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				var yo, xo int
				switch k {
				case 1:
					yo, xo = w-1-x, y
				case 2:
					yo, xo = h-1-y, w-1-x
				case 3:
					yo, xo = x, h-1-y
				}
				out[(ci*outH+yo)*outW+xo] = in[(ci*h+y)*w+x]
			}
		}
	}

	return result, nil
}

// Rot90Op implements the Operation interface for quarter-turn rotation.
type Rot90Op struct {
	inputs []*Tensor
	k      int
}

func (op *Rot90Op) Forward(inputs ...*Tensor) (*Tensor, error) {
	if len(inputs) != 1 {
		return nil, fmt.Errorf("Rot90Op requires exactly 1 input, got %d", len(inputs))
	}

	a := inputs[0]
	op.inputs = inputs

	result, err := Rot90(a, op.k)
	if err != nil {
		return nil, err
	}

	result.requiresGrad = a.requiresGrad
	if result.requiresGrad {
		result.creator = op
	}
	return result, nil
}

func (op *Rot90Op) Backward(gradOut *Tensor) ([]*Tensor, error) {
	// The inverse of k quarter turns is -k quarter turns.
	grad, err := Rot90(gradOut, -op.k)
	if err != nil {
		return nil, err
	}
	return []*Tensor{grad}, nil
}

func (op *Rot90Op) Inputs() []*Tensor { return op.inputs }

// Rot90Autograd rotates counter-clockwise by k quarter turns with
// automatic differentiation.
func Rot90Autograd(a *Tensor, k int) (*Tensor, error) {
	op := &Rot90Op{k: k}
	return op.Forward(a)
}

// bilinearTap is one source pixel contribution to a resampled output
// pixel, as a flat index into an HxW plane plus its interpolation weight.
type bilinearTap struct {
	idx    int
	weight float32
}

// rotateTaps computes the source taps for one output pixel of a rotation
// by the given angle (cos/sin precomputed). Taps falling outside the
// image are dropped, which gives the zero-fill behavior.
func rotateTaps(xo, yo, h, w int, cosA, sinA float64, taps *[4]bilinearTap) int {
	cx := float64(w-1) / 2
	cy := float64(h-1) / 2
	dx := float64(xo) - cx
	dy := float64(yo) - cy

	srcX := cosA*dx - sinA*dy + cx
	srcY := sinA*dx + cosA*dy + cy

	x0 := int(math.Floor(srcX))
	y0 := int(math.Floor(srcY))
	fx := srcX - float64(x0)
	fy := srcY - float64(y0)

	n := 0
	add := func(x, y int, wgt float64) {
		if x < 0 || x >= w || y < 0 || y >= h || wgt == 0 {
			return
		}
		taps[n] = bilinearTap{idx: y*w + x, weight: float32(wgt)}
		n++
	}
	add(x0, y0, (1-fx)*(1-fy))
	add(x0+1, y0, fx*(1-fy))
	add(x0, y0+1, (1-fx)*fy)
	add(x0+1, y0+1, fx*fy)
	return n
}

// Rotate rotates a CHW tensor counter-clockwise by an angle in degrees
// about its center, sampling bilinearly. Pixels that map outside the
// input are zero. The output has the same shape as the input; at multiples
// of 90 degrees on square inputs it agrees with Rot90.
func Rotate(t *Tensor, angleDegrees float64) (*Tensor, error) {
	c, h, w, err := chwDims(t)
	if err != nil {
		return nil, err
	}

	rad := angleDegrees * math.Pi / 180
	cosA, sinA := math.Cos(rad), math.Sin(rad)

	result, err := Zeros([]int{c, h, w}, Float32)
	if err != nil {
		return nil, err
	}

	in := t.Data.([]float32)
	out := result.Data.([]float32)

	var taps [4]bilinearTap
	for yo := 0; yo < h; yo++ {
		for xo := 0; xo < w; xo++ {
			n := rotateTaps(xo, yo, h, w, cosA, sinA, &taps)
			if n == 0 {
				continue
			}
			for ci := 0; ci < c; ci++ {
				base := ci * h * w
				var v float32
				for i := 0; i < n; i++ {
					v += in[base+taps[i].idx] * taps[i].weight
				}
				out[base+yo*w+xo] = v
			}
		}
	}

	return result, nil
}

// RotateOp implements the Operation interface for continuous rotation.
// The backward pass scatters each output gradient back through the same
// bilinear taps used by the forward pass.
type RotateOp struct {
	inputs       []*Tensor
	angleDegrees float64
}

func (op *RotateOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	if len(inputs) != 1 {
		return nil, fmt.Errorf("RotateOp requires exactly 1 input, got %d", len(inputs))
	}

	a := inputs[0]
	op.inputs = inputs

	result, err := Rotate(a, op.angleDegrees)
	if err != nil {
		return nil, err
	}

	result.requiresGrad = a.requiresGrad
	if result.requiresGrad {
		result.creator = op
	}
	return result, nil
}

func (op *RotateOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	a := op.inputs[0]
	c, h, w, err := chwDims(a)
	if err != nil {
		return nil, err
	}

	grad, err := Zeros([]int{c, h, w}, Float32)
	if err != nil {
		return nil, err
	}

	rad := op.angleDegrees * math.Pi / 180
	cosA, sinA := math.Cos(rad), math.Sin(rad)

	g := gradOut.Data.([]float32)
	gradData := grad.Data.([]float32)

	var taps [4]bilinearTap
	for yo := 0; yo < h; yo++ {
		for xo := 0; xo < w; xo++ {
			n := rotateTaps(xo, yo, h, w, cosA, sinA, &taps)
			if n == 0 {
				continue
			}
			for ci := 0; ci < c; ci++ {
				base := ci * h * w
				gv := g[base+yo*w+xo]
				if gv == 0 {
					continue
				}
				for i := 0; i < n; i++ {
					gradData[base+taps[i].idx] += gv * taps[i].weight
				}
			}
		}
	}

	return []*Tensor{grad}, nil
}

func (op *RotateOp) Inputs() []*Tensor { return op.inputs }

// RotateAutograd rotates by an angle in degrees with automatic
// differentiation.
func RotateAutograd(a *Tensor, angleDegrees float64) (*Tensor, error) {
	op := &RotateOp{angleDegrees: angleDegrees}
	return op.Forward(a)
}

// resizeAxis precomputes, for each output coordinate along one axis, the
// two source coordinates and the interpolation fraction between them.
// Half-pixel centers; source positions are clamped to the input.
func resizeAxis(outSize, inSize int) (lo, hi []int, frac []float32) {
	lo = make([]int, outSize)
	hi = make([]int, outSize)
	frac = make([]float32, outSize)

	scale := float64(inSize) / float64(outSize)
	for o := 0; o < outSize; o++ {
		src := (float64(o)+0.5)*scale - 0.5
		if src < 0 {
			src = 0
		}
		if src > float64(inSize-1) {
			src = float64(inSize - 1)
		}
		l := int(math.Floor(src))
		h := l + 1
		if h > inSize-1 {
			h = inSize - 1
		}
		lo[o], hi[o] = l, h
		frac[o] = float32(src - float64(l))
	}
	return lo, hi, frac
}

// ResizeBilinear resamples a CHW tensor to outH x outW with bilinear
// interpolation.
func ResizeBilinear(t *Tensor, outH, outW int) (*Tensor, error) {
	c, h, w, err := chwDims(t)
	if err != nil {
		return nil, err
	}
	if outH <= 0 || outW <= 0 {
		return nil, fmt.Errorf("invalid resize target %dx%d", outH, outW)
	}

	result, err := Zeros([]int{c, outH, outW}, Float32)
	if err != nil {
		return nil, err
	}

	y0, y1, fy := resizeAxis(outH, h)
	x0, x1, fx := resizeAxis(outW, w)

	in := t.Data.([]float32)
	out := result.Data.([]float32)

	for ci := 0; ci < c; ci++ {
		base := ci * h * w
		outBase := ci * outH * outW
		for yo := 0; yo < outH; yo++ {
			rowLo := base + y0[yo]*w
			rowHi := base + y1[yo]*w
			for xo := 0; xo < outW; xo++ {
				top := in[rowLo+x0[xo]]*(1-fx[xo]) + in[rowLo+x1[xo]]*fx[xo]
				bot := in[rowHi+x0[xo]]*(1-fx[xo]) + in[rowHi+x1[xo]]*fx[xo]
				out[outBase+yo*outW+xo] = top*(1-fy[yo]) + bot*fy[yo]
			}
		}
	}

	return result, nil
}

// ResizeBilinearOp implements the Operation interface for bilinear
// resampling. The backward pass scatter-adds each output gradient to the
// four source pixels it interpolated.
type ResizeBilinearOp struct {
	inputs []*Tensor
	outH   int
	outW   int
}

func (op *ResizeBilinearOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	if len(inputs) != 1 {
		return nil, fmt.Errorf("ResizeBilinearOp requires exactly 1 input, got %d", len(inputs))
	}

	a := inputs[0]
	op.inputs = inputs

	result, err := ResizeBilinear(a, op.outH, op.outW)
	if err != nil {
		return nil, err
	}

	result.requiresGrad = a.requiresGrad
	if result.requiresGrad {
		result.creator = op
	}
	return result, nil
}

func (op *ResizeBilinearOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	a := op.inputs[0]
	c, h, w, err := chwDims(a)
	if err != nil {
		return nil, err
	}

	grad, err := Zeros([]int{c, h, w}, Float32)
	if err != nil {
		return nil, err
	}

	y0, y1, fy := resizeAxis(op.outH, h)
	x0, x1, fx := resizeAxis(op.outW, w)

	g := gradOut.Data.([]float32)
	gradData := grad.Data.([]float32)

	for ci := 0; ci < c; ci++ {
		base := ci * h * w
		outBase := ci * op.outH * op.outW
		for yo := 0; yo < op.outH; yo++ {
			rowLo := base + y0[yo]*w
			rowHi := base + y1[yo]*w
			for xo := 0; xo < op.outW; xo++ {
				gv := g[outBase+yo*op.outW+xo]
				if gv == 0 {
					continue
				}
				gradData[rowLo+x0[xo]] += gv * (1 - fx[xo]) * (1 - fy[yo])
				gradData[rowLo+x1[xo]] += gv * fx[xo] * (1 - fy[yo])
				gradData[rowHi+x0[xo]] += gv * (1 - fx[xo]) * fy[yo]
				gradData[rowHi+x1[xo]] += gv * fx[xo] * fy[yo]
			}
		}
	}

	return []*Tensor{grad}, nil
}

func (op *ResizeBilinearOp) Inputs() []*Tensor { return op.inputs }

// ResizeBilinearAutograd resamples to outH x outW with automatic
// differentiation.
func ResizeBilinearAutograd(a *Tensor, outH, outW int) (*Tensor, error) {
	op := &ResizeBilinearOp{outH: outH, outW: outW}
	return op.Forward(a)
}

// Paste writes block into a copy of host with its top-left corner at
// column x, row y. Host pixels outside the block rectangle are unchanged.
// The block must fit entirely inside the host.
func Paste(host, block *Tensor, x, y int) (*Tensor, error) {
	hc, hh, hw, err := chwDims(host)
	if err != nil {
		return nil, err
	}
	bc, bh, bw, err := chwDims(block)
	if err != nil {
		return nil, err
	}
	if hc != bc {
		return nil, fmt.Errorf("channel mismatch: host has %d, block has %d", hc, bc)
	}
	if x < 0 || y < 0 || x+bw > hw || y+bh > hh {
		return nil, fmt.Errorf("block %dx%d at (%d, %d) does not fit in host %dx%d", bw, bh, x, y, hw, hh)
	}

	result, err := host.Clone()
	if err != nil {
		return nil, err
	}

	blockData := block.Data.([]float32)
	out := result.Data.([]float32)

	for ci := 0; ci < hc; ci++ {
		for by := 0; by < bh; by++ {
			srcOff := (ci*bh + by) * bw
			dstOff := (ci*hh+y+by)*hw + x
			copy(out[dstOff:dstOff+bw], blockData[srcOff:srcOff+bw])
		}
	}

	return result, nil
}

// PasteOp implements the Operation interface for compositing a block into
// a host image. The host gradient is the output gradient with the block
// rectangle zeroed; the block gradient is the rectangle itself.
type PasteOp struct {
	inputs []*Tensor
	x, y   int
}

func (op *PasteOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	if len(inputs) != 2 {
		return nil, fmt.Errorf("PasteOp requires exactly 2 inputs, got %d", len(inputs))
	}

	host, block := inputs[0], inputs[1]
	op.inputs = inputs

	result, err := Paste(host, block, op.x, op.y)
	if err != nil {
		return nil, err
	}

	result.requiresGrad = host.requiresGrad || block.requiresGrad
	if result.requiresGrad {
		result.creator = op
	}
	return result, nil
}

func (op *PasteOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	host, block := op.inputs[0], op.inputs[1]

	hc, hh, hw, err := chwDims(host)
	if err != nil {
		return nil, err
	}
	_, bh, bw, err := chwDims(block)
	if err != nil {
		return nil, err
	}

	g := gradOut.Data.([]float32)

	var gradHost *Tensor
	if host.RequiresGrad() {
		gradHost, err = gradOut.Clone()
		if err != nil {
			return nil, err
		}
		gh := gradHost.Data.([]float32)
		for ci := 0; ci < hc; ci++ {
			for by := 0; by < bh; by++ {
				dstOff := (ci*hh+op.y+by)*hw + op.x
				for bx := 0; bx < bw; bx++ {
					gh[dstOff+bx] = 0
				}
			}
		}
	}

	var gradBlock *Tensor
	if block.RequiresGrad() {
		gradBlock, err = Zeros(block.Size(), Float32)
		if err != nil {
			return nil, err
		}
		gb := gradBlock.Data.([]float32)
		for ci := 0; ci < hc; ci++ {
			for by := 0; by < bh; by++ {
				srcOff := (ci*hh+op.y+by)*hw + op.x
				dstOff := (ci*bh + by) * bw
				copy(gb[dstOff:dstOff+bw], g[srcOff:srcOff+bw])
			}
		}
	}

	return []*Tensor{gradHost, gradBlock}, nil
}

func (op *PasteOp) Inputs() []*Tensor { return op.inputs }

// PasteAutograd composites block into host at (x, y) with automatic
// differentiation.
func PasteAutograd(host, block *Tensor, x, y int) (*Tensor, error) {
	op := &PasteOp{x: x, y: y}
	return op.Forward(host, block)
}

// Conv2D applies a direct 2D convolution to a CHW input. The weight is
// [Cout, Cin, kh, kw] and the bias is [Cout].
func Conv2D(input, weight, bias *Tensor, stride, padding int) (*Tensor, error) {
	cin, h, w, err := chwDims(input)
	if err != nil {
		return nil, err
	}
	if weight.DType != Float32 || len(weight.Shape) != 4 {
		return nil, fmt.Errorf("conv weight must be a Float32 [Cout, Cin, kh, kw] tensor, got %s", weight)
	}
	cout, wcin, kh, kw := weight.Shape[0], weight.Shape[1], weight.Shape[2], weight.Shape[3]
	if wcin != cin {
		return nil, fmt.Errorf("conv weight expects %d input channels, input has %d", wcin, cin)
	}
	if bias.DType != Float32 || len(bias.Shape) != 1 || bias.Shape[0] != cout {
		return nil, fmt.Errorf("conv bias must be a Float32 [%d] tensor, got %s", cout, bias)
	}
	if stride <= 0 {
		return nil, fmt.Errorf("conv stride must be positive, got %d", stride)
	}
	if padding < 0 {
		return nil, fmt.Errorf("conv padding must be non-negative, got %d", padding)
	}

	outH := (h+2*padding-kh)/stride + 1
	outW := (w+2*padding-kw)/stride + 1
	if outH <= 0 || outW <= 0 {
		return nil, fmt.Errorf("conv kernel %dx%d does not fit input %dx%d with padding %d", kh, kw, h, w, padding)
	}

	result, err := Zeros([]int{cout, outH, outW}, Float32)
	if err != nil {
		return nil, err
	}

	in := input.Data.([]float32)
	wt := weight.Data.([]float32)
	b := bias.Data.([]float32)
	out := result.Data.([]float32)

	for co := 0; co < cout; co++ {
		for yo := 0; yo < outH; yo++ {
			for xo := 0; xo < outW; xo++ {
				sum := b[co]
				for ci := 0; ci < cin; ci++ {
					for ky := 0; ky < kh; ky++ {
						yi := yo*stride + ky - padding
						if yi < 0 || yi >= h {
							continue
						}
						for kx := 0; kx < kw; kx++ {
							xi := xo*stride + kx - padding
							if xi < 0 || xi >= w {
								continue
							}
							sum += in[(ci*h+yi)*w+xi] * wt[((co*cin+ci)*kh+ky)*kw+kx]
						}
					}
				}
				out[(co*outH+yo)*outW+xo] = sum
			}
		}
	}

	return result, nil
}

// Conv2DOp implements the Operation interface for 2D convolution with
// gradients for the input, the weight, and the bias.
type Conv2DOp struct {
	inputs  []*Tensor
	stride  int
	padding int
}

func (op *Conv2DOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	if len(inputs) != 3 {
		return nil, fmt.Errorf("Conv2DOp requires exactly 3 inputs (input, weight, bias), got %d", len(inputs))
	}

	input, weight, bias := inputs[0], inputs[1], inputs[2]
	op.inputs = inputs

	result, err := Conv2D(input, weight, bias, op.stride, op.padding)
	if err != nil {
		return nil, err
	}

	result.requiresGrad = input.requiresGrad || weight.requiresGrad || bias.requiresGrad
	if result.requiresGrad {
		result.creator = op
	}
	return result, nil
}

func (op *Conv2DOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	input, weight, bias := op.inputs[0], op.inputs[1], op.inputs[2]

	cin, h, w, err := chwDims(input)
	if err != nil {
		return nil, err
	}
	cout, kh, kw := weight.Shape[0], weight.Shape[2], weight.Shape[3]
	outH, outW := gradOut.Shape[1], gradOut.Shape[2]

	in := input.Data.([]float32)
	wt := weight.Data.([]float32)
	g := gradOut.Data.([]float32)

	var gradInput, gradWeight, gradBias *Tensor
	var gi, gw, gb []float32

	if input.RequiresGrad() {
		gradInput, err = Zeros(input.Size(), Float32)
		if err != nil {
			return nil, err
		}
		gi = gradInput.Data.([]float32)
	}
	if weight.RequiresGrad() {
		gradWeight, err = Zeros(weight.Size(), Float32)
		if err != nil {
			return nil, err
		}
		gw = gradWeight.Data.([]float32)
	}
	if bias.RequiresGrad() {
		gradBias, err = Zeros(bias.Size(), Float32)
		if err != nil {
			return nil, err
		}
		gb = gradBias.Data.([]float32)
	}

	for co := 0; co < cout; co++ {
		for yo := 0; yo < outH; yo++ {
			for xo := 0; xo < outW; xo++ {
				gv := g[(co*outH+yo)*outW+xo]
				if gv == 0 {
					continue
				}
				if gb != nil {
					gb[co] += gv
				}
				if gi == nil && gw == nil {
					continue
				}
				for ci := 0; ci < cin; ci++ {
					for ky := 0; ky < kh; ky++ {
						yi := yo*op.stride + ky - op.padding
						if yi < 0 || yi >= h {
							continue
						}
						for kx := 0; kx < kw; kx++ {
							xi := xo*op.stride + kx - op.padding
							if xi < 0 || xi >= w {
								continue
							}
							wIdx := ((co*cin+ci)*kh+ky)*kw + kx
							inIdx := (ci*h+yi)*w + xi
							if gi != nil {
								gi[inIdx] += gv * wt[wIdx]
							}
							if gw != nil {
								gw[wIdx] += gv * in[inIdx]
							}
						}
					}
				}
			}
		}
	}

	return []*Tensor{gradInput, gradWeight, gradBias}, nil
}

func (op *Conv2DOp) Inputs() []*Tensor { return op.inputs }

// Conv2DAutograd applies a 2D convolution with automatic differentiation.
func Conv2DAutograd(input, weight, bias *Tensor, stride, padding int) (*Tensor, error) {
	op := &Conv2DOp{stride: stride, padding: padding}
	return op.Forward(input, weight, bias)
}

// BiasAdd adds a [N] bias vector to every row of a [R, N] tensor.
func BiasAdd(a, bias *Tensor) (*Tensor, error) {
	if a.DType != Float32 || bias.DType != Float32 {
		return nil, fmt.Errorf("BiasAdd requires Float32 tensors")
	}
	if len(a.Shape) != 2 || len(bias.Shape) != 1 || bias.Shape[0] != a.Shape[1] {
		return nil, fmt.Errorf("BiasAdd requires [R, N] and [N] tensors, got %v and %v", a.Shape, bias.Shape)
	}

	result, err := Zeros(a.Shape, Float32)
	if err != nil {
		return nil, err
	}

	rows, cols := a.Shape[0], a.Shape[1]
	data := a.Data.([]float32)
	b := bias.Data.([]float32)
	out := result.Data.([]float32)

	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			out[r*cols+c] = data[r*cols+c] + b[c]
		}
	}

	return result, nil
}

// BiasAddOp implements the Operation interface for adding a bias vector
// to the rows of a matrix.
type BiasAddOp struct {
	inputs []*Tensor
}

func (op *BiasAddOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	if len(inputs) != 2 {
		return nil, fmt.Errorf("BiasAddOp requires exactly 2 inputs, got %d", len(inputs))
	}

	a, bias := inputs[0], inputs[1]
	op.inputs = inputs

	result, err := BiasAdd(a, bias)
	if err != nil {
		return nil, err
	}

	result.requiresGrad = a.requiresGrad || bias.requiresGrad
	if result.requiresGrad {
		result.creator = op
	}
	return result, nil
}

func (op *BiasAddOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	a, bias := op.inputs[0], op.inputs[1]

	var gradA *Tensor
	var err error
	if a.RequiresGrad() {
		gradA, err = gradOut.Clone()
		if err != nil {
			return nil, err
		}
	}

	var gradBias *Tensor
	if bias.RequiresGrad() {
		gradBias, err = Zeros(bias.Size(), Float32)
		if err != nil {
			return nil, err
		}
		rows, cols := a.Shape[0], a.Shape[1]
		g := gradOut.Data.([]float32)
		gb := gradBias.Data.([]float32)
		for r := 0; r < rows; r++ {
			for c := 0; c < cols; c++ {
				gb[c] += g[r*cols+c]
			}
		}
	}

	return []*Tensor{gradA, gradBias}, nil
}

func (op *BiasAddOp) Inputs() []*Tensor { return op.inputs }

// BiasAddAutograd adds a bias vector to matrix rows with automatic
// differentiation.
func BiasAddAutograd(a, bias *Tensor) (*Tensor, error) {
	op := &BiasAddOp{}
	return op.Forward(a, bias)
}
