package training

import (
	"math"
	"testing"

	"github.com/tetralith/advpatch/oracle"
	"github.com/tetralith/advpatch/tensor"
)

func prediction(t *testing.T, model string, probs []float32) oracle.Prediction {
	t.Helper()
	pt, err := tensor.New([]int{1, len(probs)}, tensor.Float32, probs)
	if err != nil {
		t.Fatalf("failed to create probs tensor: %v", err)
	}
	return oracle.Prediction{Model: model, Probs: pt}
}

func lossValue(t *testing.T, loss *tensor.Tensor) float64 {
	t.Helper()
	data, err := loss.GetFloat32Data()
	if err != nil {
		t.Fatalf("failed to read loss: %v", err)
	}
	if len(data) != 1 {
		t.Fatalf("loss should be scalar, got %d elements", len(data))
	}
	return float64(data[0])
}

func TestTargetedNLLSingleMember(t *testing.T) {
	criterion, err := NewTargetedNLL(DefaultProbFloor)
	if err != nil {
		t.Fatalf("NewTargetedNLL failed: %v", err)
	}

	preds := []oracle.Prediction{prediction(t, "m0", []float32{0.1, 0.7, 0.1, 0.1})}
	loss, success, err := criterion.Compute(preds, 1)
	if err != nil {
		t.Fatalf("Compute failed: %v", err)
	}

	want := -math.Log(0.7)
	if got := lossValue(t, loss); math.Abs(got-want) > 1e-5 {
		t.Errorf("loss = %f, want %f", got, want)
	}
	if success != 1.0 {
		t.Errorf("success = %f, want 1.0 (top-1 is the target)", success)
	}
}

func TestTargetedNLLEnsembleMean(t *testing.T) {
	criterion, err := NewTargetedNLL(DefaultProbFloor)
	if err != nil {
		t.Fatalf("NewTargetedNLL failed: %v", err)
	}

	preds := []oracle.Prediction{
		prediction(t, "m0", []float32{0.8, 0.2}),
		prediction(t, "m1", []float32{0.4, 0.6}),
	}
	loss, success, err := criterion.Compute(preds, 0)
	if err != nil {
		t.Fatalf("Compute failed: %v", err)
	}

	want := -(math.Log(0.8) + math.Log(0.4)) / 2
	if got := lossValue(t, loss); math.Abs(got-want) > 1e-5 {
		t.Errorf("loss = %f, want member average %f", got, want)
	}
	// Only m0's top-1 is the target.
	if success != 0.5 {
		t.Errorf("success = %f, want 0.5", success)
	}
}

func TestTargetedNLLFloorsZeroProbability(t *testing.T) {
	criterion, err := NewTargetedNLL(DefaultProbFloor)
	if err != nil {
		t.Fatalf("NewTargetedNLL failed: %v", err)
	}

	preds := []oracle.Prediction{prediction(t, "m0", []float32{0, 1})}
	loss, success, err := criterion.Compute(preds, 0)
	if err != nil {
		t.Fatalf("Compute failed: %v", err)
	}

	got := lossValue(t, loss)
	if math.IsInf(got, 0) || math.IsNaN(got) {
		t.Fatalf("loss = %f, want finite value from floored probability", got)
	}
	want := -math.Log(DefaultProbFloor)
	if math.Abs(got-want) > 1e-2 {
		t.Errorf("loss = %f, want about %f", got, want)
	}
	if success != 0 {
		t.Errorf("success = %f, want 0", success)
	}
}

func TestTargetedNLLGradient(t *testing.T) {
	criterion, err := NewTargetedNLL(DefaultProbFloor)
	if err != nil {
		t.Fatalf("NewTargetedNLL failed: %v", err)
	}

	probs, err := tensor.New([]int{1, 3}, tensor.Float32, []float32{0.2, 0.7, 0.1})
	if err != nil {
		t.Fatalf("failed to create probs tensor: %v", err)
	}
	probs.SetRequiresGrad(true)

	loss, _, err := criterion.Compute([]oracle.Prediction{{Model: "m0", Probs: probs}}, 1)
	if err != nil {
		t.Fatalf("Compute failed: %v", err)
	}
	if err := loss.Backward(); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}

	grad := probs.Grad()
	if grad == nil {
		t.Fatal("probs received no gradient")
	}
	gradData, err := grad.GetFloat32Data()
	if err != nil {
		t.Fatalf("failed to read gradient: %v", err)
	}

	// dLoss/dp_target = -1/p_target; other classes get nothing.
	want := float32(-1.0 / 0.7)
	if math.Abs(float64(gradData[1]-want)) > 1e-4 {
		t.Errorf("gradient at target = %f, want %f", gradData[1], want)
	}
	if gradData[0] != 0 || gradData[2] != 0 {
		t.Errorf("non-target gradients = %f, %f, want 0", gradData[0], gradData[2])
	}
}

func TestTargetedNLLEmptyPredictions(t *testing.T) {
	criterion, err := NewTargetedNLL(DefaultProbFloor)
	if err != nil {
		t.Fatalf("NewTargetedNLL failed: %v", err)
	}
	if _, _, err := criterion.Compute(nil, 0); err == nil {
		t.Error("expected error for empty predictions")
	}
}

func TestNewTargetedNLLValidation(t *testing.T) {
	for _, floor := range []float64{0, -0.1, 1, 1.5} {
		if _, err := NewTargetedNLL(floor); err == nil {
			t.Errorf("expected error for floor %g", floor)
		}
	}
	criterion, err := NewTargetedNLL(1e-6)
	if err != nil {
		t.Fatalf("NewTargetedNLL rejected valid floor: %v", err)
	}
	if criterion.Name() != "targeted-nll" {
		t.Errorf("Name() = %q, want targeted-nll", criterion.Name())
	}
}
