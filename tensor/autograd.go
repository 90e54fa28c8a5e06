package tensor

import (
	"fmt"
)

// AddOp implements the Operation interface for element-wise addition.
type AddOp struct {
	inputs []*Tensor
}

func (op *AddOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	if len(inputs) != 2 {
		return nil, fmt.Errorf("AddOp requires exactly 2 inputs, got %d", len(inputs))
	}

	a, b := inputs[0], inputs[1]
	op.inputs = inputs

	result, err := Add(a, b)
	if err != nil {
		return nil, err
	}

	result.requiresGrad = a.requiresGrad || b.requiresGrad
	if result.requiresGrad {
		result.creator = op
	}
	return result, nil
}

func (op *AddOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	// ∂(a + b)/∂a = 1, ∂(a + b)/∂b = 1
	gradA, err := gradOut.Clone()
	if err != nil {
		return nil, err
	}
	gradB, err := gradOut.Clone()
	if err != nil {
		return nil, err
	}
	return []*Tensor{gradA, gradB}, nil
}

func (op *AddOp) Inputs() []*Tensor { return op.inputs }

// SubOp implements the Operation interface for element-wise subtraction.
type SubOp struct {
	inputs []*Tensor
}

func (op *SubOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	if len(inputs) != 2 {
		return nil, fmt.Errorf("SubOp requires exactly 2 inputs, got %d", len(inputs))
	}

	a, b := inputs[0], inputs[1]
	op.inputs = inputs

	result, err := Sub(a, b)
	if err != nil {
		return nil, err
	}

	result.requiresGrad = a.requiresGrad || b.requiresGrad
	if result.requiresGrad {
		result.creator = op
	}
	return result, nil
}

func (op *SubOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	// ∂(a - b)/∂a = 1, ∂(a - b)/∂b = -1
	gradA, err := gradOut.Clone()
	if err != nil {
		return nil, err
	}
	gradB, err := Scale(gradOut, -1)
	if err != nil {
		return nil, err
	}
	return []*Tensor{gradA, gradB}, nil
}

func (op *SubOp) Inputs() []*Tensor { return op.inputs }

// MulOp implements the Operation interface for element-wise multiplication.
type MulOp struct {
	inputs []*Tensor
}

func (op *MulOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	if len(inputs) != 2 {
		return nil, fmt.Errorf("MulOp requires exactly 2 inputs, got %d", len(inputs))
	}

	a, b := inputs[0], inputs[1]
	op.inputs = inputs

	result, err := Mul(a, b)
	if err != nil {
		return nil, err
	}

	result.requiresGrad = a.requiresGrad || b.requiresGrad
	if result.requiresGrad {
		result.creator = op
	}
	return result, nil
}

func (op *MulOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	a, b := op.inputs[0], op.inputs[1]

	// ∂(a * b)/∂a = b, ∂(a * b)/∂b = a
	gradA, err := Mul(gradOut, b)
	if err != nil {
		return nil, err
	}
	gradB, err := Mul(gradOut, a)
	if err != nil {
		return nil, err
	}
	return []*Tensor{gradA, gradB}, nil
}

func (op *MulOp) Inputs() []*Tensor { return op.inputs }

// ScaleOp implements the Operation interface for multiplication by a
// scalar constant.
type ScaleOp struct {
	inputs []*Tensor
	alpha  float32
}

func (op *ScaleOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	if len(inputs) != 1 {
		return nil, fmt.Errorf("ScaleOp requires exactly 1 input, got %d", len(inputs))
	}

	a := inputs[0]
	op.inputs = inputs

	result, err := Scale(a, op.alpha)
	if err != nil {
		return nil, err
	}

	result.requiresGrad = a.requiresGrad
	if result.requiresGrad {
		result.creator = op
	}
	return result, nil
}

func (op *ScaleOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	grad, err := Scale(gradOut, op.alpha)
	if err != nil {
		return nil, err
	}
	return []*Tensor{grad}, nil
}

func (op *ScaleOp) Inputs() []*Tensor { return op.inputs }

// MatMulOp implements the Operation interface for matrix multiplication.
type MatMulOp struct {
	inputs []*Tensor
}

func (op *MatMulOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	if len(inputs) != 2 {
		return nil, fmt.Errorf("MatMulOp requires exactly 2 inputs, got %d", len(inputs))
	}

	a, b := inputs[0], inputs[1]
	op.inputs = inputs

	result, err := MatMul(a, b)
	if err != nil {
		return nil, err
	}

	result.requiresGrad = a.requiresGrad || b.requiresGrad
	if result.requiresGrad {
		result.creator = op
	}
	return result, nil
}

func (op *MatMulOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	a, b := op.inputs[0], op.inputs[1]

	// ∂(A @ B)/∂A = gradOut @ Bᵀ, ∂(A @ B)/∂B = Aᵀ @ gradOut
	var gradA, gradB *Tensor

	if a.requiresGrad {
		bT, err := Transpose(b, 0, 1)
		if err != nil {
			return nil, err
		}
		gradA, err = MatMul(gradOut, bT)
		if err != nil {
			return nil, err
		}
	}

	if b.requiresGrad {
		aT, err := Transpose(a, 0, 1)
		if err != nil {
			return nil, err
		}
		gradB, err = MatMul(aT, gradOut)
		if err != nil {
			return nil, err
		}
	}

	return []*Tensor{gradA, gradB}, nil
}

func (op *MatMulOp) Inputs() []*Tensor { return op.inputs }

// ReLUOp implements the Operation interface for the ReLU activation.
type ReLUOp struct {
	inputs []*Tensor
}

func (op *ReLUOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	if len(inputs) != 1 {
		return nil, fmt.Errorf("ReLUOp requires exactly 1 input, got %d", len(inputs))
	}

	a := inputs[0]
	op.inputs = inputs

	result, err := ReLU(a)
	if err != nil {
		return nil, err
	}

	result.requiresGrad = a.requiresGrad
	if result.requiresGrad {
		result.creator = op
	}
	return result, nil
}

func (op *ReLUOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	a := op.inputs[0]

	// ∂ReLU(x)/∂x = 1 if x > 0, else 0
	grad, err := gradOut.Clone()
	if err != nil {
		return nil, err
	}

	inputData := a.Data.([]float32)
	gradData := grad.Data.([]float32)
	for i := range gradData {
		if inputData[i] <= 0 {
			gradData[i] = 0
		}
	}

	return []*Tensor{grad}, nil
}

func (op *ReLUOp) Inputs() []*Tensor { return op.inputs }

// SoftmaxOp implements the Operation interface for a row-wise softmax over
// the last dimension.
type SoftmaxOp struct {
	inputs []*Tensor
	output *Tensor // stored for the backward pass
}

func (op *SoftmaxOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	if len(inputs) != 1 {
		return nil, fmt.Errorf("SoftmaxOp requires exactly 1 input, got %d", len(inputs))
	}

	a := inputs[0]
	op.inputs = inputs

	result, err := Softmax(a)
	if err != nil {
		return nil, err
	}
	op.output = result

	result.requiresGrad = a.requiresGrad
	if result.requiresGrad {
		result.creator = op
	}
	return result, nil
}

func (op *SoftmaxOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	if op.output == nil {
		return nil, fmt.Errorf("SoftmaxOp: output not stored for backward pass")
	}

	// ∂softmax_i/∂x_j = y_i (δ_ij - y_j), so per row:
	// grad_j = y_j * (gradOut_j - Σ_k gradOut_k y_k)
	grad, err := Zeros(op.output.Shape, Float32)
	if err != nil {
		return nil, err
	}

	cols := op.output.Shape[len(op.output.Shape)-1]
	rows := op.output.NumElems / cols

	y := op.output.Data.([]float32)
	g := gradOut.Data.([]float32)
	gradData := grad.Data.([]float32)

	for r := 0; r < rows; r++ {
		offset := r * cols

		var dot float64
		for c := 0; c < cols; c++ {
			dot += float64(g[offset+c]) * float64(y[offset+c])
		}

		for c := 0; c < cols; c++ {
			gradData[offset+c] = y[offset+c] * (g[offset+c] - float32(dot))
		}
	}

	return []*Tensor{grad}, nil
}

func (op *SoftmaxOp) Inputs() []*Tensor { return op.inputs }

// LogOp implements the Operation interface for the element-wise natural
// logarithm.
type LogOp struct {
	inputs []*Tensor
}

func (op *LogOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	if len(inputs) != 1 {
		return nil, fmt.Errorf("LogOp requires exactly 1 input, got %d", len(inputs))
	}

	a := inputs[0]
	op.inputs = inputs

	result, err := Log(a)
	if err != nil {
		return nil, err
	}

	result.requiresGrad = a.requiresGrad
	if result.requiresGrad {
		result.creator = op
	}
	return result, nil
}

func (op *LogOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	a := op.inputs[0]

	// ∂log(x)/∂x = 1/x
	grad, err := Zeros(a.Shape, Float32)
	if err != nil {
		return nil, err
	}

	inputData := a.Data.([]float32)
	gradOutData := gradOut.Data.([]float32)
	gradData := grad.Data.([]float32)
	for i := range gradData {
		gradData[i] = gradOutData[i] / inputData[i]
	}

	return []*Tensor{grad}, nil
}

func (op *LogOp) Inputs() []*Tensor { return op.inputs }

// ClampMinOp implements the Operation interface for an element-wise lower
// bound. Gradient is zero wherever the input was clamped.
type ClampMinOp struct {
	inputs []*Tensor
	min    float32
}

func (op *ClampMinOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	if len(inputs) != 1 {
		return nil, fmt.Errorf("ClampMinOp requires exactly 1 input, got %d", len(inputs))
	}

	a := inputs[0]
	op.inputs = inputs

	result, err := ClampMin(a, op.min)
	if err != nil {
		return nil, err
	}

	result.requiresGrad = a.requiresGrad
	if result.requiresGrad {
		result.creator = op
	}
	return result, nil
}

func (op *ClampMinOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	a := op.inputs[0]

	grad, err := gradOut.Clone()
	if err != nil {
		return nil, err
	}

	inputData := a.Data.([]float32)
	gradData := grad.Data.([]float32)
	for i := range gradData {
		if inputData[i] < op.min {
			gradData[i] = 0
		}
	}

	return []*Tensor{grad}, nil
}

func (op *ClampMinOp) Inputs() []*Tensor { return op.inputs }

// GatherOp implements the Operation interface for selecting one element by
// flat index; the output is a single-element tensor.
type GatherOp struct {
	inputs []*Tensor
	index  int
}

func (op *GatherOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	if len(inputs) != 1 {
		return nil, fmt.Errorf("GatherOp requires exactly 1 input, got %d", len(inputs))
	}

	a := inputs[0]
	op.inputs = inputs

	if a.DType != Float32 {
		return nil, fmt.Errorf("unsupported dtype for Gather: %s", a.DType)
	}
	if op.index < 0 || op.index >= a.NumElems {
		return nil, fmt.Errorf("gather index %d out of range for tensor with %d elements", op.index, a.NumElems)
	}

	data := a.Data.([]float32)
	result, err := New([]int{1}, Float32, []float32{data[op.index]})
	if err != nil {
		return nil, err
	}

	result.requiresGrad = a.requiresGrad
	if result.requiresGrad {
		result.creator = op
	}
	return result, nil
}

func (op *GatherOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	a := op.inputs[0]

	grad, err := Zeros(a.Shape, Float32)
	if err != nil {
		return nil, err
	}
	grad.Data.([]float32)[op.index] = gradOut.Data.([]float32)[0]

	return []*Tensor{grad}, nil
}

func (op *GatherOp) Inputs() []*Tensor { return op.inputs }

// SumOp implements the Operation interface for summing every element into
// a single-element tensor.
type SumOp struct {
	inputs []*Tensor
}

func (op *SumOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	if len(inputs) != 1 {
		return nil, fmt.Errorf("SumOp requires exactly 1 input, got %d", len(inputs))
	}

	a := inputs[0]
	op.inputs = inputs

	result, err := Sum(a)
	if err != nil {
		return nil, err
	}

	result.requiresGrad = a.requiresGrad
	if result.requiresGrad {
		result.creator = op
	}
	return result, nil
}

func (op *SumOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	a := op.inputs[0]

	g := gradOut.Data.([]float32)[0]
	grad, err := Full(a.Shape, g, Float32)
	if err != nil {
		return nil, err
	}
	return []*Tensor{grad}, nil
}

func (op *SumOp) Inputs() []*Tensor { return op.inputs }

// ReshapeOp implements the Operation interface for a shape change that
// shares data with its input.
type ReshapeOp struct {
	inputs   []*Tensor
	shape    []int
	oldShape []int
}

func (op *ReshapeOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	if len(inputs) != 1 {
		return nil, fmt.Errorf("ReshapeOp requires exactly 1 input, got %d", len(inputs))
	}

	a := inputs[0]
	op.inputs = inputs
	op.oldShape = a.Size()

	result, err := a.Reshape(op.shape)
	if err != nil {
		return nil, err
	}

	result.requiresGrad = a.requiresGrad
	if result.requiresGrad {
		result.creator = op
	}
	return result, nil
}

func (op *ReshapeOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	grad, err := gradOut.Clone()
	if err != nil {
		return nil, err
	}
	grad, err = grad.Reshape(op.oldShape)
	if err != nil {
		return nil, err
	}
	return []*Tensor{grad}, nil
}

func (op *ReshapeOp) Inputs() []*Tensor { return op.inputs }

// High-level autograd functions that create and execute operations.

// AddAutograd performs addition with automatic differentiation.
func AddAutograd(a, b *Tensor) (*Tensor, error) {
	op := &AddOp{}
	return op.Forward(a, b)
}

// SubAutograd performs subtraction with automatic differentiation.
func SubAutograd(a, b *Tensor) (*Tensor, error) {
	op := &SubOp{}
	return op.Forward(a, b)
}

// MulAutograd performs element-wise multiplication with automatic
// differentiation.
func MulAutograd(a, b *Tensor) (*Tensor, error) {
	op := &MulOp{}
	return op.Forward(a, b)
}

// ScaleAutograd multiplies by a scalar constant with automatic
// differentiation.
func ScaleAutograd(a *Tensor, alpha float32) (*Tensor, error) {
	op := &ScaleOp{alpha: alpha}
	return op.Forward(a)
}

// MatMulAutograd performs matrix multiplication with automatic
// differentiation.
func MatMulAutograd(a, b *Tensor) (*Tensor, error) {
	op := &MatMulOp{}
	return op.Forward(a, b)
}

// ReLUAutograd applies ReLU with automatic differentiation.
func ReLUAutograd(a *Tensor) (*Tensor, error) {
	op := &ReLUOp{}
	return op.Forward(a)
}

// SoftmaxAutograd applies a row-wise softmax with automatic
// differentiation.
func SoftmaxAutograd(a *Tensor) (*Tensor, error) {
	op := &SoftmaxOp{}
	return op.Forward(a)
}

// LogAutograd applies the natural logarithm with automatic
// differentiation.
func LogAutograd(a *Tensor) (*Tensor, error) {
	op := &LogOp{}
	return op.Forward(a)
}

// ClampMinAutograd applies an element-wise lower bound with automatic
// differentiation.
func ClampMinAutograd(a *Tensor, min float32) (*Tensor, error) {
	op := &ClampMinOp{min: min}
	return op.Forward(a)
}

// GatherAutograd selects a single element by flat index with automatic
// differentiation.
func GatherAutograd(a *Tensor, index int) (*Tensor, error) {
	op := &GatherOp{index: index}
	return op.Forward(a)
}

// SumAutograd sums every element into a scalar with automatic
// differentiation.
func SumAutograd(a *Tensor) (*Tensor, error) {
	op := &SumOp{}
	return op.Forward(a)
}

// ReshapeAutograd changes the shape with automatic differentiation. The
// result shares data with the input.
func ReshapeAutograd(a *Tensor, shape []int) (*Tensor, error) {
	op := &ReshapeOp{shape: shape}
	return op.Forward(a)
}
