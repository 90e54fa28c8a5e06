package tensor

import (
	"math"
	"testing"
)

// numericGradient approximates the gradient of a scalar-valued function
// with central differences, perturbing x in place.
func numericGradient(t *testing.T, x *Tensor, f func() (*Tensor, error)) []float32 {
	t.Helper()

	const eps = 1e-3
	data := x.Data.([]float32)
	grad := make([]float32, len(data))

	for i := range data {
		orig := data[i]

		data[i] = orig + eps
		plus, err := f()
		if err != nil {
			t.Fatalf("forward failed during numeric gradient: %v", err)
		}

		data[i] = orig - eps
		minus, err := f()
		if err != nil {
			t.Fatalf("forward failed during numeric gradient: %v", err)
		}

		data[i] = orig
		pv := plus.Data.([]float32)[0]
		mv := minus.Data.([]float32)[0]
		grad[i] = float32(float64(pv-mv) / (2 * eps))
	}

	return grad
}

func TestAddAutogradBackward(t *testing.T) {
	a, _ := New([]int{3}, Float32, []float32{1, 2, 3})
	b, _ := New([]int{3}, Float32, []float32{4, 5, 6})
	a.SetRequiresGrad(true)
	b.SetRequiresGrad(true)

	sum, err := AddAutograd(a, b)
	if err != nil {
		t.Fatalf("AddAutograd failed: %v", err)
	}

	loss, err := SumAutograd(sum)
	if err != nil {
		t.Fatalf("SumAutograd failed: %v", err)
	}

	if err := loss.Backward(); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}

	for name, tensor := range map[string]*Tensor{"a": a, "b": b} {
		grad := tensor.Grad()
		if grad == nil {
			t.Fatalf("Gradient of %s is nil", name)
		}
		if !floatsClose(grad.Data.([]float32), []float32{1, 1, 1}, 1e-6) {
			t.Errorf("Gradient of %s = %v, expected ones", name, grad.Data)
		}
	}
}

func TestMulAutogradBackward(t *testing.T) {
	a, _ := New([]int{2}, Float32, []float32{3, -2})
	b, _ := New([]int{2}, Float32, []float32{5, 7})
	a.SetRequiresGrad(true)
	b.SetRequiresGrad(true)

	prod, err := MulAutograd(a, b)
	if err != nil {
		t.Fatalf("MulAutograd failed: %v", err)
	}

	loss, err := SumAutograd(prod)
	if err != nil {
		t.Fatalf("SumAutograd failed: %v", err)
	}

	if err := loss.Backward(); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}

	if !floatsClose(a.Grad().Data.([]float32), []float32{5, 7}, 1e-6) {
		t.Errorf("Gradient of a = %v, expected b's values", a.Grad().Data)
	}
	if !floatsClose(b.Grad().Data.([]float32), []float32{3, -2}, 1e-6) {
		t.Errorf("Gradient of b = %v, expected a's values", b.Grad().Data)
	}
}

func TestSharedInputAccumulation(t *testing.T) {
	// y = sum(x * x) has gradient 2x; both gradient contributions arrive
	// through the same input tensor.
	x, _ := New([]int{3}, Float32, []float32{1, -2, 3})
	x.SetRequiresGrad(true)

	sq, err := MulAutograd(x, x)
	if err != nil {
		t.Fatalf("MulAutograd failed: %v", err)
	}

	loss, err := SumAutograd(sq)
	if err != nil {
		t.Fatalf("SumAutograd failed: %v", err)
	}

	if err := loss.Backward(); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}

	if !floatsClose(x.Grad().Data.([]float32), []float32{2, -4, 6}, 1e-6) {
		t.Errorf("Gradient = %v, expected 2x", x.Grad().Data)
	}
}

func TestBackwardRequiresScalar(t *testing.T) {
	x, _ := New([]int{2}, Float32, []float32{1, 2})
	x.SetRequiresGrad(true)

	y, err := ScaleAutograd(x, 2)
	if err != nil {
		t.Fatalf("ScaleAutograd failed: %v", err)
	}

	if err := y.Backward(); err == nil {
		t.Error("Expected error calling Backward on a non-scalar tensor")
	}
}

func TestGradAccumulatesAcrossBackward(t *testing.T) {
	x, _ := New([]int{2}, Float32, []float32{1, 1})
	x.SetRequiresGrad(true)

	for i := 0; i < 2; i++ {
		loss, err := SumAutograd(x)
		if err != nil {
			t.Fatalf("SumAutograd failed: %v", err)
		}
		if err := loss.Backward(); err != nil {
			t.Fatalf("Backward failed: %v", err)
		}
	}

	if !floatsClose(x.Grad().Data.([]float32), []float32{2, 2}, 1e-6) {
		t.Errorf("Gradient = %v, expected accumulation to 2", x.Grad().Data)
	}

	ZeroGrad([]*Tensor{x})
	if !floatsClose(x.Grad().Data.([]float32), []float32{0, 0}, 1e-6) {
		t.Errorf("Gradient after ZeroGrad = %v, expected zeros", x.Grad().Data)
	}
}

func TestMatMulAutogradNumeric(t *testing.T) {
	a, _ := New([]int{2, 3}, Float32, []float32{0.5, -1.0, 2.0, 1.5, 0.25, -0.75})
	b, _ := New([]int{3, 2}, Float32, []float32{1.0, 0.5, -0.5, 2.0, 0.75, -1.25})
	a.SetRequiresGrad(true)
	b.SetRequiresGrad(true)

	forward := func() (*Tensor, error) {
		prod, err := MatMulAutograd(a, b)
		if err != nil {
			return nil, err
		}
		return SumAutograd(prod)
	}

	loss, err := forward()
	if err != nil {
		t.Fatalf("forward failed: %v", err)
	}
	if err := loss.Backward(); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}

	wantA := numericGradient(t, a, forward)
	if !floatsClose(a.Grad().Data.([]float32), wantA, 1e-2) {
		t.Errorf("Gradient of a = %v, numeric %v", a.Grad().Data, wantA)
	}

	wantB := numericGradient(t, b, forward)
	if !floatsClose(b.Grad().Data.([]float32), wantB, 1e-2) {
		t.Errorf("Gradient of b = %v, numeric %v", b.Grad().Data, wantB)
	}
}

func TestNLLPipelineGradient(t *testing.T) {
	// The loss pipeline used in training: softmax over logits, gather the
	// target probability, floor it, take -log.
	logits, _ := New([]int{1, 4}, Float32, []float32{0.2, -0.4, 1.1, 0.3})
	logits.SetRequiresGrad(true)

	const target = 2
	forward := func() (*Tensor, error) {
		probs, err := SoftmaxAutograd(logits)
		if err != nil {
			return nil, err
		}
		p, err := GatherAutograd(probs, target)
		if err != nil {
			return nil, err
		}
		p, err = ClampMinAutograd(p, 1e-9)
		if err != nil {
			return nil, err
		}
		lp, err := LogAutograd(p)
		if err != nil {
			return nil, err
		}
		return ScaleAutograd(lp, -1)
	}

	loss, err := forward()
	if err != nil {
		t.Fatalf("forward failed: %v", err)
	}
	if err := loss.Backward(); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}

	// Softmax + NLL has the closed form gradient p - onehot(target).
	probs, err := Softmax(logits)
	if err != nil {
		t.Fatalf("Softmax failed: %v", err)
	}
	want := make([]float32, 4)
	copy(want, probs.Data.([]float32))
	want[target] -= 1

	if !floatsClose(logits.Grad().Data.([]float32), want, 1e-4) {
		t.Errorf("Gradient = %v, expected %v", logits.Grad().Data, want)
	}

	numeric := numericGradient(t, logits, forward)
	if !floatsClose(logits.Grad().Data.([]float32), numeric, 1e-2) {
		t.Errorf("Gradient = %v, numeric %v", logits.Grad().Data, numeric)
	}
}

func TestClampMinBlocksGradientBelowFloor(t *testing.T) {
	x, _ := New([]int{2}, Float32, []float32{1e-12, 0.5})
	x.SetRequiresGrad(true)

	clamped, err := ClampMinAutograd(x, 1e-9)
	if err != nil {
		t.Fatalf("ClampMinAutograd failed: %v", err)
	}
	loss, err := SumAutograd(clamped)
	if err != nil {
		t.Fatalf("SumAutograd failed: %v", err)
	}
	if err := loss.Backward(); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}

	grad := x.Grad().Data.([]float32)
	if grad[0] != 0 {
		t.Errorf("Gradient below floor = %v, expected 0", grad[0])
	}
	if grad[1] != 1 {
		t.Errorf("Gradient above floor = %v, expected 1", grad[1])
	}
}

func TestReshapeAutogradRoundTrip(t *testing.T) {
	x, _ := New([]int{2, 3}, Float32, []float32{1, 2, 3, 4, 5, 6})
	x.SetRequiresGrad(true)

	flat, err := ReshapeAutograd(x, []int{1, 6})
	if err != nil {
		t.Fatalf("ReshapeAutograd failed: %v", err)
	}
	if flat.Shape[0] != 1 || flat.Shape[1] != 6 {
		t.Fatalf("Reshaped to %v, expected [1 6]", flat.Shape)
	}

	loss, err := SumAutograd(flat)
	if err != nil {
		t.Fatalf("SumAutograd failed: %v", err)
	}
	if err := loss.Backward(); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}

	grad := x.Grad()
	if grad == nil {
		t.Fatal("Gradient is nil after reshape backward")
	}
	if len(grad.Shape) != 2 || grad.Shape[0] != 2 || grad.Shape[1] != 3 {
		t.Errorf("Gradient shape = %v, expected [2 3]", grad.Shape)
	}
}

func TestNoGraphWithoutRequiresGrad(t *testing.T) {
	a, _ := New([]int{2}, Float32, []float32{1, 2})
	b, _ := New([]int{2}, Float32, []float32{3, 4})

	sum, err := AddAutograd(a, b)
	if err != nil {
		t.Fatalf("AddAutograd failed: %v", err)
	}

	if !sum.IsLeaf() {
		t.Error("Operation on non-gradient tensors should not record a creator")
	}
	if sum.RequiresGrad() {
		t.Error("Result should not require gradients")
	}
}

func TestReLUAutogradBackward(t *testing.T) {
	x, _ := New([]int{4}, Float32, []float32{-1, 2, -3, 4})
	x.SetRequiresGrad(true)

	y, err := ReLUAutograd(x)
	if err != nil {
		t.Fatalf("ReLUAutograd failed: %v", err)
	}
	loss, err := SumAutograd(y)
	if err != nil {
		t.Fatalf("SumAutograd failed: %v", err)
	}
	if err := loss.Backward(); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}

	if !floatsClose(x.Grad().Data.([]float32), []float32{0, 1, 0, 1}, 1e-6) {
		t.Errorf("Gradient = %v, expected pass-through above zero only", x.Grad().Data)
	}
}

func TestLogGradient(t *testing.T) {
	x, _ := New([]int{2}, Float32, []float32{0.5, 2.0})
	x.SetRequiresGrad(true)

	y, err := LogAutograd(x)
	if err != nil {
		t.Fatalf("LogAutograd failed: %v", err)
	}
	loss, err := SumAutograd(y)
	if err != nil {
		t.Fatalf("SumAutograd failed: %v", err)
	}
	if err := loss.Backward(); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}

	grad := x.Grad().Data.([]float32)
	if math.Abs(float64(grad[0])-2.0) > 1e-5 || math.Abs(float64(grad[1])-0.5) > 1e-5 {
		t.Errorf("Gradient = %v, expected [2 0.5]", grad)
	}
}
