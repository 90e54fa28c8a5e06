package training

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tetralith/advpatch/checkpoints"
	"github.com/tetralith/advpatch/eot"
	"github.com/tetralith/advpatch/optimizer"
	"github.com/tetralith/advpatch/oracle"
	"github.com/tetralith/advpatch/patch"
	"github.com/tetralith/advpatch/tensor"
	"github.com/tetralith/advpatch/vision/dataloader"
	"github.com/tetralith/advpatch/vision/dataset"
)

// fixedScorer returns the same distribution for every image, which
// makes trainer outcomes fully deterministic: success and loss depend
// only on the configured probabilities. The returned tensor requires
// gradients so the backward pass has a root, but nothing connects it to
// the image, so the patch never changes.
type fixedScorer struct {
	name      string
	height    int
	width     int
	probs     []float32
	failAbove float32 // images with mean above this fail, 0 disables
}

func (s *fixedScorer) Name() string    { return s.name }
func (s *fixedScorer) NumClasses() int { return len(s.probs) }
func (s *fixedScorer) InputSize() (int, int, int) {
	return 3, s.height, s.width
}

func (s *fixedScorer) Forward(image *tensor.Tensor) (*tensor.Tensor, error) {
	if image == nil {
		return nil, fmt.Errorf("image cannot be nil")
	}
	if s.failAbove > 0 {
		data, err := image.GetFloat32Data()
		if err != nil {
			return nil, err
		}
		var sum float32
		for _, v := range data {
			sum += v
		}
		if sum/float32(len(data)) > s.failAbove {
			return nil, fmt.Errorf("image too bright for %s", s.name)
		}
	}

	out, err := tensor.New([]int{1, len(s.probs)}, tensor.Float32, append([]float32(nil), s.probs...))
	if err != nil {
		return nil, err
	}
	out.SetRequiresGrad(true)
	return out, nil
}

func writeHostPNG(t *testing.T, path string, c color.RGBA) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			img.Set(x, y, c)
		}
	}
	file, err := os.Create(path)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	defer file.Close()
	if err := png.Encode(file, img); err != nil {
		t.Fatalf("png.Encode failed: %v", err)
	}
}

// hostLoader writes n dark PNGs plus optionally one white PNG and wraps
// them in a 16x16 loader with deterministic order.
func hostLoader(t *testing.T, n int, withWhite bool) *dataloader.Loader {
	t.Helper()
	dir := t.TempDir()
	for i := 0; i < n; i++ {
		writeHostPNG(t, filepath.Join(dir, fmt.Sprintf("img_%02d.png", i)), color.RGBA{uint8(10 * i), 0, 0, 255})
	}
	if withWhite {
		writeHostPNG(t, filepath.Join(dir, "white.png"), color.RGBA{255, 255, 255, 255})
	}
	ds, err := dataset.NewImageDataset(dir, nil)
	if err != nil {
		t.Fatalf("NewImageDataset failed: %v", err)
	}
	loader, err := dataloader.New(ds, dataloader.Config{
		BatchSize: 2,
		Height:    16,
		Width:     16,
		Workers:   1,
	})
	if err != nil {
		t.Fatalf("dataloader.New failed: %v", err)
	}
	return loader
}

func grayPatch(t *testing.T, size int) *patch.Store {
	t.Helper()
	store, err := patch.New(patch.Config{Size: size, Init: patch.InitGray, Seed: 3})
	if err != nil {
		t.Fatalf("patch.New failed: %v", err)
	}
	return store
}

func sgdOver(t *testing.T, store *patch.Store, lr float64) optimizer.Optimizer {
	t.Helper()
	opt, err := optimizer.NewSGD([]*tensor.Tensor{store.Tensor()}, optimizer.SGDConfig{LearningRate: lr})
	if err != nil {
		t.Fatalf("NewSGD failed: %v", err)
	}
	return opt
}

func fixedEnsemble(t *testing.T, probs []float32) *oracle.Oracle {
	t.Helper()
	ens, err := oracle.New(&fixedScorer{name: "fixed", height: 16, width: 16, probs: probs})
	if err != nil {
		t.Fatalf("oracle.New failed: %v", err)
	}
	return ens
}

func quietConfig(epochs int, threshold float64) Config {
	config := DefaultConfig()
	config.Epochs = epochs
	config.StopThreshold = threshold
	config.Sampler = eot.SamplerConfig{Rotation: eot.RotationQuarter, MinScale: 1.0, MaxScale: 1.0}
	config.Seed = 7
	config.PrintEvery = 1
	config.Quiet = true
	return config
}

func TestRunStopsAtEpochLimit(t *testing.T) {
	// The scorer always picks class 1, so target 0 never succeeds and
	// an unreachable threshold must terminate through the epoch limit.
	store := grayPatch(t, 4)
	trainer, err := New(store, fixedEnsemble(t, []float32{0.05, 0.85, 0.05, 0.05}), sgdOver(t, store, 0.05), quietConfig(1, 1.0))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	res, err := trainer.Run(hostLoader(t, 4, false), hostLoader(t, 4, false))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if res.Reason != StopEpochLimit {
		t.Errorf("Reason = %q, want %q", res.Reason, StopEpochLimit)
	}
	if res.Epochs != 1 {
		t.Errorf("Epochs = %d, want 1", res.Epochs)
	}
	if len(res.History) != 1 {
		t.Errorf("history has %d entries, want 1", len(res.History))
	}
	if res.BestSuccess != 0 {
		t.Errorf("BestSuccess = %f, want 0", res.BestSuccess)
	}
	if res.BestEpoch != 1 {
		t.Errorf("BestEpoch = %d, want 1", res.BestEpoch)
	}
	if trainer.Phase() != PhaseIdle {
		t.Errorf("Phase after Run = %s, want idle", trainer.Phase())
	}
}

func TestRunStopsAtThreshold(t *testing.T) {
	// The scorer always picks the target, so the very first validation
	// meets the threshold and the remaining epochs never run.
	store := grayPatch(t, 4)
	trainer, err := New(store, fixedEnsemble(t, []float32{0.85, 0.05, 0.05, 0.05}), sgdOver(t, store, 0.05), quietConfig(5, 0.9))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	res, err := trainer.Run(hostLoader(t, 4, false), hostLoader(t, 4, false))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if res.Reason != StopThreshold {
		t.Errorf("Reason = %q, want %q", res.Reason, StopThreshold)
	}
	if res.Epochs != 1 {
		t.Errorf("Epochs = %d, want 1", res.Epochs)
	}
	if res.BestSuccess != 1.0 {
		t.Errorf("BestSuccess = %f, want 1.0", res.BestSuccess)
	}
}

func TestRunRejectsOversizedPatch(t *testing.T) {
	store := grayPatch(t, 20)
	trainer, err := New(store, fixedEnsemble(t, []float32{0.25, 0.25, 0.25, 0.25}), sgdOver(t, store, 0.05), quietConfig(1, 1.0))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	_, err = trainer.Run(hostLoader(t, 4, false), hostLoader(t, 4, false))
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("Run error = %v, want ErrInvalidConfig", err)
	}
	if len(trainer.History()) != 0 {
		t.Errorf("history has %d entries, want none before first epoch", len(trainer.History()))
	}
}

func TestRunRejectsGeometryMismatch(t *testing.T) {
	store := grayPatch(t, 4)
	ens, err := oracle.New(&fixedScorer{name: "small", height: 8, width: 8, probs: []float32{0.5, 0.5}})
	if err != nil {
		t.Fatalf("oracle.New failed: %v", err)
	}
	trainer, err := New(store, ens, sgdOver(t, store, 0.05), quietConfig(1, 1.0))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	_, err = trainer.Run(hostLoader(t, 4, false), hostLoader(t, 4, false))
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("Run error = %v, want ErrInvalidConfig for 8x8 scorer on 16x16 images", err)
	}
}

func TestRunRequiresBothLoaders(t *testing.T) {
	store := grayPatch(t, 4)
	trainer, err := New(store, fixedEnsemble(t, []float32{0.5, 0.5}), sgdOver(t, store, 0.05), quietConfig(1, 1.0))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	loader := hostLoader(t, 4, false)
	if _, err := trainer.Run(nil, loader); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("Run without training loader: error = %v, want ErrInvalidConfig", err)
	}
	if _, err := trainer.Run(loader, nil); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("Run without validation loader: error = %v, want ErrInvalidConfig", err)
	}
}

func TestNewValidation(t *testing.T) {
	store := grayPatch(t, 4)
	ens := fixedEnsemble(t, []float32{0.5, 0.5})
	opt := sgdOver(t, store, 0.05)
	valid := quietConfig(1, 0.9)

	tests := []struct {
		name   string
		invoke func() error
	}{
		{"nil store", func() error { _, err := New(nil, ens, opt, valid); return err }},
		{"nil ensemble", func() error { _, err := New(store, nil, opt, valid); return err }},
		{"nil optimizer", func() error { _, err := New(store, ens, nil, valid); return err }},
		{"zero epochs", func() error {
			config := valid
			config.Epochs = 0
			_, err := New(store, ens, opt, config)
			return err
		}},
		{"threshold above one", func() error {
			config := valid
			config.StopThreshold = 1.5
			_, err := New(store, ens, opt, config)
			return err
		}},
		{"negative threshold", func() error {
			config := valid
			config.StopThreshold = -0.1
			_, err := New(store, ens, opt, config)
			return err
		}},
		{"target out of range", func() error {
			config := valid
			config.TargetClass = 99
			_, err := New(store, ens, opt, config)
			return err
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.invoke(); !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("error = %v, want ErrInvalidConfig", err)
			}
		})
	}
}

func TestRunRecordsHistory(t *testing.T) {
	store := grayPatch(t, 4)
	config := quietConfig(2, 1.0)
	config.MetricsPath = filepath.Join(t.TempDir(), "log.csv")

	trainer, err := New(store, fixedEnsemble(t, []float32{0.05, 0.85, 0.05, 0.05}), sgdOver(t, store, 0.05), config)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	res, err := trainer.Run(hostLoader(t, 6, false), hostLoader(t, 4, false))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if len(res.History) != 2 {
		t.Fatalf("history has %d entries, want 2", len(res.History))
	}
	// The scorer is constant, so every sample's loss is -ln(0.05).
	wantLoss := -math.Log(0.05)
	for i, m := range res.History {
		if m.Epoch != i+1 {
			t.Errorf("history[%d].Epoch = %d, want %d", i, m.Epoch, i+1)
		}
		if m.Samples != 6 {
			t.Errorf("history[%d].Samples = %d, want 6", i, m.Samples)
		}
		if m.Skipped != 0 {
			t.Errorf("history[%d].Skipped = %d, want 0", i, m.Skipped)
		}
		if math.Abs(m.TrainLoss-wantLoss) > 1e-3 {
			t.Errorf("history[%d].TrainLoss = %f, want %f", i, m.TrainLoss, wantLoss)
		}
		if math.Abs(m.ValLoss-wantLoss) > 1e-3 {
			t.Errorf("history[%d].ValLoss = %f, want %f", i, m.ValLoss, wantLoss)
		}
		if m.TrainSuccess != 0 || m.ValSuccess != 0 {
			t.Errorf("history[%d] success = %f/%f, want 0/0", i, m.TrainSuccess, m.ValSuccess)
		}
		if m.LearningRate != 0.05 {
			t.Errorf("history[%d].LearningRate = %f, want 0.05", i, m.LearningRate)
		}
	}

	file, err := os.Open(config.MetricsPath)
	if err != nil {
		t.Fatalf("training log missing: %v", err)
	}
	defer file.Close()
	records, err := csv.NewReader(file).ReadAll()
	if err != nil {
		t.Fatalf("failed to parse training log: %v", err)
	}
	if len(records) != 3 {
		t.Errorf("training log has %d rows, want header plus 2 epochs", len(records))
	}
}

func TestRunSkipsFailingSamples(t *testing.T) {
	// One white image in the training split trips the scorer; the
	// trainer must skip it, report it, and finish the epoch.
	store := grayPatch(t, 4)
	ens, err := oracle.New(&fixedScorer{
		name: "picky", height: 16, width: 16,
		probs:     []float32{0.05, 0.85, 0.05, 0.05},
		failAbove: 0.9,
	})
	if err != nil {
		t.Fatalf("oracle.New failed: %v", err)
	}
	trainer, err := New(store, ens, sgdOver(t, store, 0.05), quietConfig(1, 1.0))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	var skippedPaths []string
	trainer.SetSampleErrorHandler(func(path string, err error) {
		if err == nil {
			t.Error("sample error handler called with nil error")
		}
		skippedPaths = append(skippedPaths, path)
	})

	res, err := trainer.Run(hostLoader(t, 4, true), hostLoader(t, 4, false))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if len(skippedPaths) != 1 {
		t.Fatalf("handler saw %d samples, want 1", len(skippedPaths))
	}
	if filepath.Base(skippedPaths[0]) != "white.png" {
		t.Errorf("skipped %q, want white.png", skippedPaths[0])
	}
	if res.History[0].Samples != 4 {
		t.Errorf("Samples = %d, want 4", res.History[0].Samples)
	}
	if res.History[0].Skipped != 1 {
		t.Errorf("Skipped = %d, want 1", res.History[0].Skipped)
	}
}

func TestRunAbortsOnDivergence(t *testing.T) {
	store := grayPatch(t, 4)
	// Poison the patch so the real scorer produces NaN probabilities.
	data, err := store.Tensor().GetFloat32Data()
	if err != nil {
		t.Fatalf("GetFloat32Data failed: %v", err)
	}
	for i := range data {
		data[i] = float32(math.NaN())
	}

	lin, err := oracle.NewLinear("lin", 3, 16, 16, 4, 1)
	if err != nil {
		t.Fatalf("NewLinear failed: %v", err)
	}
	ens, err := oracle.New(lin)
	if err != nil {
		t.Fatalf("oracle.New failed: %v", err)
	}
	trainer, err := New(store, ens, sgdOver(t, store, 0.05), quietConfig(3, 1.0))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	_, err = trainer.Run(hostLoader(t, 4, false), hostLoader(t, 4, false))
	if !errors.Is(err, ErrDiverged) {
		t.Fatalf("Run error = %v, want ErrDiverged", err)
	}
	if trainer.Phase() != PhaseIdle {
		t.Errorf("Phase after aborted Run = %s, want idle", trainer.Phase())
	}
}

func TestRunUpdatesPatchPixels(t *testing.T) {
	store := grayPatch(t, 4)
	before := make([]float32, 0, 48)
	data, err := store.Tensor().GetFloat32Data()
	if err != nil {
		t.Fatalf("GetFloat32Data failed: %v", err)
	}
	before = append(before, data...)

	lin, err := oracle.NewLinear("lin", 3, 16, 16, 4, 1)
	if err != nil {
		t.Fatalf("NewLinear failed: %v", err)
	}
	ens, err := oracle.New(lin)
	if err != nil {
		t.Fatalf("oracle.New failed: %v", err)
	}
	trainer, err := New(store, ens, sgdOver(t, store, 0.5), quietConfig(1, 1.0))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if _, err := trainer.Run(hostLoader(t, 4, false), hostLoader(t, 4, false)); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	after, err := store.Tensor().GetFloat32Data()
	if err != nil {
		t.Fatalf("GetFloat32Data failed: %v", err)
	}
	changed := false
	for i := range after {
		if after[i] != before[i] {
			changed = true
		}
		if after[i] < 0 || after[i] > 1 {
			t.Fatalf("pixel %d = %f outside [0, 1] after training", i, after[i])
		}
	}
	if !changed {
		t.Error("patch pixels did not change after a training epoch")
	}
}

// driftScorer ties its output to the image mean, so optimizer steps
// move the patch, but class 1 always wins: for a mean m in [0, 1] the
// probabilities are [0.3+0.1m, 0.7-0.1m]. Validation success is zero
// every epoch, so nothing after the first epoch ever improves on it.
type driftScorer struct {
	weights *tensor.Tensor
	bias    *tensor.Tensor
}

func newDriftScorer(t *testing.T) *driftScorer {
	t.Helper()
	weights, err := tensor.New([]int{1, 2}, tensor.Float32, []float32{0.1, -0.1})
	if err != nil {
		t.Fatalf("tensor.New failed: %v", err)
	}
	bias, err := tensor.New([]int{1, 2}, tensor.Float32, []float32{0.3, 0.7})
	if err != nil {
		t.Fatalf("tensor.New failed: %v", err)
	}
	return &driftScorer{weights: weights, bias: bias}
}

func (s *driftScorer) Name() string               { return "drift" }
func (s *driftScorer) NumClasses() int            { return 2 }
func (s *driftScorer) InputSize() (int, int, int) { return 3, 16, 16 }

func (s *driftScorer) Forward(image *tensor.Tensor) (*tensor.Tensor, error) {
	sum, err := tensor.SumAutograd(image)
	if err != nil {
		return nil, err
	}
	mean, err := tensor.ScaleAutograd(sum, 1/float32(image.NumElems))
	if err != nil {
		return nil, err
	}
	row, err := tensor.ReshapeAutograd(mean, []int{1, 1})
	if err != nil {
		return nil, err
	}
	scaled, err := tensor.MatMulAutograd(row, s.weights)
	if err != nil {
		return nil, err
	}
	return tensor.AddAutograd(scaled, s.bias)
}

func TestRunRestoresBestOnRegression(t *testing.T) {
	// With success stuck at zero, every epoch after the first regresses
	// and the trainer must reset the patch to the epoch-1 snapshot, so
	// a three-epoch run ends with exactly the patch a one-epoch run
	// produces.
	finalPixels := func(epochs int) []float32 {
		store := grayPatch(t, 4)
		ens, err := oracle.New(newDriftScorer(t))
		if err != nil {
			t.Fatalf("oracle.New failed: %v", err)
		}
		trainer, err := New(store, ens, sgdOver(t, store, 0.5), quietConfig(epochs, 1.0))
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		if _, err := trainer.Run(hostLoader(t, 4, false), hostLoader(t, 4, false)); err != nil {
			t.Fatalf("Run failed: %v", err)
		}
		data, err := store.Tensor().GetFloat32Data()
		if err != nil {
			t.Fatalf("GetFloat32Data failed: %v", err)
		}
		return append([]float32(nil), data...)
	}

	short := finalPixels(1)
	long := finalPixels(3)
	for i := range short {
		if short[i] != long[i] {
			t.Fatalf("pixel %d differs after regressing epochs: %f vs %f", i, short[i], long[i])
		}
	}
}

func TestRunAppliesScheduler(t *testing.T) {
	store := grayPatch(t, 4)
	trainer, err := New(store, fixedEnsemble(t, []float32{0.05, 0.85, 0.05, 0.05}), sgdOver(t, store, 0.08), quietConfig(3, 1.0))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	trainer.SetScheduler(NewStepLRScheduler(1, 0.5))

	res, err := trainer.Run(hostLoader(t, 4, false), hostLoader(t, 4, false))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	// Epoch n trains at the rate set after epoch n-1.
	want := []float64{0.08, 0.04, 0.02}
	for i, m := range res.History {
		if math.Abs(m.LearningRate-want[i]) > 1e-9 {
			t.Errorf("epoch %d learning rate = %f, want %f", m.Epoch, m.LearningRate, want[i])
		}
	}
}

func TestRunSavesCheckpoints(t *testing.T) {
	dir := t.TempDir()
	manager, err := checkpoints.NewManager(checkpoints.ManagerConfig{Dir: dir, SaveInterval: 1, MaxKeep: 5})
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}

	store := grayPatch(t, 4)
	trainer, err := New(store, fixedEnsemble(t, []float32{0.05, 0.85, 0.05, 0.05}), sgdOver(t, store, 0.05), quietConfig(2, 1.0))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	trainer.SetCheckpointManager(manager)

	if _, err := trainer.Run(hostLoader(t, 4, false), hostLoader(t, 4, false)); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	best := manager.BestPath()
	if best == "" {
		t.Fatal("no best checkpoint recorded")
	}
	ckpt, err := checkpoints.Load(best)
	if err != nil {
		t.Fatalf("failed to load best checkpoint: %v", err)
	}
	// Success never improves past epoch 1's zero.
	if ckpt.TrainingState.BestEpoch != 1 {
		t.Errorf("BestEpoch = %d, want 1", ckpt.TrainingState.BestEpoch)
	}
	if ckpt.TrainingState.BestSuccess != 0 {
		t.Errorf("BestSuccess = %f, want 0", ckpt.TrainingState.BestSuccess)
	}
	if ckpt.OptimizerState == nil {
		t.Error("checkpoint is missing optimizer state")
	}

	periodic, err := filepath.Glob(filepath.Join(dir, "patch_e*.json"))
	if err != nil {
		t.Fatalf("Glob failed: %v", err)
	}
	if len(periodic) != 2 {
		t.Errorf("found %d periodic checkpoints, want 2", len(periodic))
	}
}

func TestRunPublishesPreview(t *testing.T) {
	var requests int32
	var last PreviewUpdate
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		if err := json.NewDecoder(r.Body).Decode(&last); err != nil {
			t.Errorf("failed to decode update: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	store := grayPatch(t, 4)
	trainer, err := New(store, fixedEnsemble(t, []float32{0.05, 0.85, 0.05, 0.05}), sgdOver(t, store, 0.05), quietConfig(2, 1.0))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	preview := NewPreviewClient(PreviewConfig{BaseURL: server.URL, Timeout: 2 * time.Second, RetryAttempts: 1})
	preview.Enable()
	trainer.SetPreview(preview)

	if _, err := trainer.Run(hostLoader(t, 4, false), hostLoader(t, 4, false)); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if got := atomic.LoadInt32(&requests); got != 2 {
		t.Fatalf("preview received %d updates, want one per epoch", got)
	}
	if last.Epoch != 2 || len(last.TrainLoss) != 2 {
		t.Errorf("last update epoch %d with %d curve points, want 2 and 2", last.Epoch, len(last.TrainLoss))
	}
	if len(last.PatchPNG) == 0 {
		t.Error("last update is missing the patch image")
	}
}

func TestEvaluate(t *testing.T) {
	store := grayPatch(t, 4)
	before, err := store.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	trainer, err := New(store, fixedEnsemble(t, []float32{0.85, 0.05, 0.05, 0.05}), sgdOver(t, store, 0.05), quietConfig(1, 0.9))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	loss, success, err := trainer.Evaluate(hostLoader(t, 4, false))
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if success != 1.0 {
		t.Errorf("success = %f, want 1.0", success)
	}
	if want := -math.Log(0.85); math.Abs(loss-want) > 1e-3 {
		t.Errorf("loss = %f, want %f", loss, want)
	}

	wantData, err := before.GetFloat32Data()
	if err != nil {
		t.Fatalf("GetFloat32Data failed: %v", err)
	}
	gotData, err := store.Tensor().GetFloat32Data()
	if err != nil {
		t.Fatalf("GetFloat32Data failed: %v", err)
	}
	for i := range gotData {
		if gotData[i] != wantData[i] {
			t.Fatalf("pixel %d changed during evaluation", i)
		}
	}
	if trainer.Phase() != PhaseIdle {
		t.Errorf("Phase after Evaluate = %s, want idle", trainer.Phase())
	}

	if _, _, err := trainer.Evaluate(nil); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("Evaluate(nil) error = %v, want ErrInvalidConfig", err)
	}
}

func TestPhaseString(t *testing.T) {
	tests := []struct {
		phase Phase
		want  string
	}{
		{PhaseIdle, "idle"},
		{PhaseTrainingEpoch, "training"},
		{PhaseValidating, "validating"},
		{PhaseContinuing, "continuing"},
		{PhaseConverged, "converged"},
		{Phase(42), "unknown(42)"},
	}
	for _, tt := range tests {
		if got := tt.phase.String(); got != tt.want {
			t.Errorf("Phase(%d).String() = %q, want %q", int(tt.phase), got, tt.want)
		}
	}
}
