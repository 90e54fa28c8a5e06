package tensor

import (
	"fmt"
)

type DType int

const (
	Float32 DType = iota
	Int32
)

func (d DType) String() string {
	switch d {
	case Float32:
		return "Float32"
	case Int32:
		return "Int32"
	default:
		return "Unknown"
	}
}

// Operation is a node in the autograd graph. Forward computes the output
// tensor from its inputs and records them; Backward maps the gradient of
// the output to one gradient per input, in input order (nil for inputs
// whose gradient the operation does not compute). Inputs returns the
// tensors captured during Forward so the graph can be walked.
type Operation interface {
	Forward(inputs ...*Tensor) (*Tensor, error)
	Backward(gradOut *Tensor) ([]*Tensor, error)
	Inputs() []*Tensor
}

type Tensor struct {
	Shape        []int
	Strides      []int
	DType        DType
	Data         interface{}
	NumElems     int
	requiresGrad bool
	grad         *Tensor
	creator      Operation
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(shape=%v, dtype=%s, elements=%d)", t.Shape, t.DType, t.NumElems)
}

func (t *Tensor) RequiresGrad() bool {
	return t.requiresGrad
}

func (t *Tensor) SetRequiresGrad(requires bool) {
	t.requiresGrad = requires
}

func (t *Tensor) Grad() *Tensor {
	return t.grad
}

// IsLeaf reports whether the tensor was created directly rather than as
// the output of an operation.
func (t *Tensor) IsLeaf() bool {
	return t.creator == nil
}

// Backward runs reverse-mode differentiation from a scalar tensor. It
// walks the creator graph in reverse topological order and accumulates
// gradients into every reachable leaf that requires them. Leaf gradients
// add to any gradient already present; callers clear them between steps
// with ZeroGrad.
func (t *Tensor) Backward() error {
	if t.NumElems != 1 {
		return fmt.Errorf("backward requires a scalar tensor, got shape %v", t.Shape)
	}
	if t.DType != Float32 {
		return fmt.Errorf("backward requires a Float32 tensor, got %s", t.DType)
	}
	if !t.requiresGrad {
		return fmt.Errorf("backward called on a tensor that does not require gradients")
	}

	// Topological order over the creator graph, restricted to the
	// subgraph that can reach a gradient-requiring leaf.
	var order []*Tensor
	visited := make(map[*Tensor]bool)
	var visit func(node *Tensor)
	visit = func(node *Tensor) {
		if visited[node] {
			return
		}
		visited[node] = true
		if node.creator != nil {
			for _, in := range node.creator.Inputs() {
				if in.requiresGrad {
					visit(in)
				}
			}
		}
		order = append(order, node)
	}
	visit(t)

	seed, err := Ones(t.Shape, Float32)
	if err != nil {
		return fmt.Errorf("failed to seed gradient: %w", err)
	}

	grads := make(map[*Tensor]*Tensor, len(order))
	grads[t] = seed

	for i := len(order) - 1; i >= 0; i-- {
		node := order[i]
		gradOut := grads[node]
		if gradOut == nil || node.creator == nil {
			continue
		}
		inGrads, err := node.creator.Backward(gradOut)
		if err != nil {
			return fmt.Errorf("backward failed at %s: %w", node, err)
		}
		inputs := node.creator.Inputs()
		if len(inGrads) != len(inputs) {
			return fmt.Errorf("operation returned %d gradients for %d inputs", len(inGrads), len(inputs))
		}
		for j, in := range inputs {
			if !in.requiresGrad || inGrads[j] == nil {
				continue
			}
			if existing, ok := grads[in]; ok {
				if err := accumulateInto(existing, inGrads[j]); err != nil {
					return err
				}
			} else {
				grads[in] = inGrads[j]
			}
		}
	}

	for node, g := range grads {
		if node.creator != nil || !node.requiresGrad {
			continue
		}
		if node.grad == nil {
			node.grad = g
		} else if err := accumulateInto(node.grad, g); err != nil {
			return err
		}
	}

	return nil
}

// accumulateInto adds src into dst element-wise. Gradients are always
// Float32 and size-matched to their tensors.
func accumulateInto(dst, src *Tensor) error {
	if dst.NumElems != src.NumElems {
		return fmt.Errorf("gradient size mismatch: %d vs %d", dst.NumElems, src.NumElems)
	}
	dstData, ok := dst.Data.([]float32)
	if !ok {
		return fmt.Errorf("gradient accumulation requires Float32 tensors")
	}
	srcData, ok := src.Data.([]float32)
	if !ok {
		return fmt.Errorf("gradient accumulation requires Float32 tensors")
	}
	for i := range dstData {
		dstData[i] += srcData[i]
	}
	return nil
}

func calculateStrides(shape []int) []int {
	if len(shape) == 0 {
		return []int{}
	}

	strides := make([]int, len(shape))
	stride := 1
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = stride
		stride *= shape[i]
	}
	return strides
}

func calculateNumElements(shape []int) int {
	if len(shape) == 0 {
		return 0
	}

	elements := 1
	for _, dim := range shape {
		elements *= dim
	}
	return elements
}

func validateShape(shape []int) error {
	if len(shape) == 0 {
		return fmt.Errorf("invalid shape: must have at least one dimension")
	}
	for i, dim := range shape {
		if dim <= 0 {
			return fmt.Errorf("invalid shape: dimension %d has size %d, must be positive", i, dim)
		}
	}
	return nil
}
