package training

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/tetralith/advpatch/checkpoints"
	"github.com/tetralith/advpatch/eot"
	"github.com/tetralith/advpatch/optimizer"
	"github.com/tetralith/advpatch/oracle"
	"github.com/tetralith/advpatch/patch"
	"github.com/tetralith/advpatch/tensor"
	"github.com/tetralith/advpatch/vision/dataloader"
	"github.com/tetralith/advpatch/vision/preprocessing"
)

// Phase identifies where the trainer is in its run cycle.
type Phase int

const (
	// PhaseIdle means no run is in progress.
	PhaseIdle Phase = iota
	// PhaseTrainingEpoch means the trainer is stepping through the
	// training split.
	PhaseTrainingEpoch
	// PhaseValidating means the trainer is measuring the held-out
	// split with a detached patch.
	PhaseValidating
	// PhaseContinuing means the last validation fell short of the stop
	// threshold and another epoch will run.
	PhaseContinuing
	// PhaseConverged means the run finished, either by reaching the
	// stop threshold or by exhausting the epoch budget.
	PhaseConverged
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseTrainingEpoch:
		return "training"
	case PhaseValidating:
		return "validating"
	case PhaseContinuing:
		return "continuing"
	case PhaseConverged:
		return "converged"
	default:
		return fmt.Sprintf("unknown(%d)", int(p))
	}
}

// StopReason records which exit condition ended a run.
type StopReason string

const (
	// StopThreshold means validation success reached the configured
	// stop threshold.
	StopThreshold StopReason = "threshold"
	// StopEpochLimit means the configured number of epochs ran without
	// reaching the threshold.
	StopEpochLimit StopReason = "epoch-limit"
)

// Config holds configuration for a patch training run.
type Config struct {
	Epochs        int               // epoch budget
	TargetClass   int               // class the patch should force
	StopThreshold float64           // validation success that ends the run early, in [0, 1]
	ProbFloor     float64           // probability floor for the loss; 0 means DefaultProbFloor
	Sampler       eot.SamplerConfig // transform distribution
	Seed          int64             // seeds transform sampling and placement
	PrintEvery    int               // refresh the progress bar every N batches; 0 means 10
	MetricsPath   string            // CSV path for per-epoch metrics; empty disables
	RestoreBest   bool              // reset the patch to the best snapshot after non-improving epochs and at the end
	Quiet         bool              // suppress progress bars and epoch summaries
}

// DefaultConfig returns the default training configuration.
func DefaultConfig() Config {
	return Config{
		Epochs:        50,
		TargetClass:   0,
		StopThreshold: 0.9,
		ProbFloor:     DefaultProbFloor,
		Sampler:       eot.DefaultSamplerConfig(),
		Seed:          42,
		PrintEvery:    10,
		RestoreBest:   true,
	}
}

// Result summarizes a completed run.
type Result struct {
	Reason      StopReason     // which exit condition fired
	BestSuccess float64        // highest validation success seen
	BestEpoch   int            // epoch that produced it
	Epochs      int            // epochs actually run
	History     []EpochMetrics // per-epoch metrics in order
}

// Trainer optimizes a patch against an ensemble of classifiers. Each
// training step transforms the patch, places it on one host image,
// queries the ensemble, and updates the patch pixels; the classifier
// weights are never touched. Validation repeats the pipeline on a
// detached copy of the patch so no gradients accumulate.
type Trainer struct {
	config    Config
	store     *patch.Store
	oracle    *oracle.Oracle
	optimizer optimizer.Optimizer
	criterion Loss
	sampler   *eot.Sampler
	rng       *rand.Rand

	scheduler LRScheduler
	manager   *checkpoints.Manager
	preview   *PreviewClient

	history       []EpochMetrics
	phase         Phase
	onSampleError func(path string, err error)
}

// New creates a trainer. The optimizer must have been built over the
// store's patch tensor; it is the only parameter that receives updates.
func New(store *patch.Store, ensemble *oracle.Oracle, opt optimizer.Optimizer, config Config) (*Trainer, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: patch store cannot be nil", ErrInvalidConfig)
	}
	if ensemble == nil {
		return nil, fmt.Errorf("%w: ensemble cannot be nil", ErrInvalidConfig)
	}
	if opt == nil {
		return nil, fmt.Errorf("%w: optimizer cannot be nil", ErrInvalidConfig)
	}
	if config.Epochs <= 0 {
		return nil, fmt.Errorf("%w: epochs must be positive, got %d", ErrInvalidConfig, config.Epochs)
	}
	if config.StopThreshold < 0 || config.StopThreshold > 1 {
		return nil, fmt.Errorf("%w: stop threshold must be in [0, 1], got %g", ErrInvalidConfig, config.StopThreshold)
	}
	if err := ensemble.ValidateTarget(config.TargetClass); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if config.ProbFloor == 0 {
		config.ProbFloor = DefaultProbFloor
	}
	if config.PrintEvery <= 0 {
		config.PrintEvery = 10
	}

	criterion, err := NewTargetedNLL(config.ProbFloor)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	sampler, err := eot.NewSampler(config.Sampler, uint64(config.Seed))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	return &Trainer{
		config:    config,
		store:     store,
		oracle:    ensemble,
		optimizer: opt,
		criterion: criterion,
		sampler:   sampler,
		rng:       rand.New(rand.NewSource(config.Seed)),
		phase:     PhaseIdle,
	}, nil
}

// SetScheduler attaches a learning rate scheduler. The scheduler is
// consulted after every epoch.
func (t *Trainer) SetScheduler(s LRScheduler) {
	t.scheduler = s
}

// SetCheckpointManager attaches a checkpoint manager for best and
// periodic snapshots.
func (t *Trainer) SetCheckpointManager(m *checkpoints.Manager) {
	t.manager = m
}

// SetPreview attaches a preview client. Publishing is best-effort and
// never affects training.
func (t *Trainer) SetPreview(p *PreviewClient) {
	t.preview = p
}

// SetSampleErrorHandler registers a callback for per-sample failures
// that were skipped.
func (t *Trainer) SetSampleErrorHandler(fn func(path string, err error)) {
	t.onSampleError = fn
}

// Phase returns the trainer's current phase.
func (t *Trainer) Phase() Phase {
	return t.phase
}

// History returns per-epoch metrics collected so far.
func (t *Trainer) History() []EpochMetrics {
	return t.history
}

// Run executes the training loop until validation success reaches the
// stop threshold or the epoch budget runs out, whichever comes first.
// Per-sample failures are skipped; configuration and divergence errors
// abort the run.
func (t *Trainer) Run(trainLoader, valLoader *dataloader.Loader) (*Result, error) {
	if trainLoader == nil || valLoader == nil {
		return nil, fmt.Errorf("%w: training and validation loaders are both required", ErrInvalidConfig)
	}
	if err := t.checkGeometry(trainLoader, valLoader); err != nil {
		return nil, err
	}
	defer func() { t.phase = PhaseIdle }()

	baseLR := t.optimizer.LearningRate()
	bestSuccess := -1.0
	bestEpoch := 0
	var bestSnapshot *tensor.Tensor

	reason := StopEpochLimit
	epochsRun := 0
	start := time.Now()

	for epoch := 1; epoch <= t.config.Epochs; epoch++ {
		epochStart := time.Now()
		lr := t.optimizer.LearningRate()

		t.phase = PhaseTrainingEpoch
		trainStats, err := t.trainEpoch(trainLoader, epoch)
		if err != nil {
			return nil, fmt.Errorf("epoch %d: %w", epoch, err)
		}

		t.phase = PhaseValidating
		valLoss, valSuccess, err := t.validateEpoch(valLoader)
		if err != nil {
			return nil, fmt.Errorf("epoch %d validation: %w", epoch, err)
		}

		metrics := EpochMetrics{
			Epoch:        epoch,
			TrainLoss:    trainStats.meanLoss(),
			TrainSuccess: trainStats.meanSuccess(),
			ValLoss:      valLoss,
			ValSuccess:   valSuccess,
			BatchLossStd: trainStats.lossSpread(),
			LearningRate: lr,
			Duration:     time.Since(epochStart),
			Samples:      trainStats.samples,
			Skipped:      trainStats.skipped,
		}
		t.history = append(t.history, metrics)
		epochsRun = epoch

		if t.config.MetricsPath != "" {
			if err := WriteCSV(t.config.MetricsPath, t.history); err != nil {
				return nil, fmt.Errorf("epoch %d: %w", epoch, err)
			}
		}

		if valSuccess > bestSuccess {
			bestSuccess = valSuccess
			bestEpoch = epoch
			snapshot, err := t.store.Snapshot()
			if err != nil {
				return nil, fmt.Errorf("epoch %d: failed to snapshot patch: %w", epoch, err)
			}
			bestSnapshot = snapshot
			if t.manager != nil {
				ckpt, err := t.checkpoint(epoch, bestSuccess, bestEpoch)
				if err != nil {
					return nil, fmt.Errorf("epoch %d: %w", epoch, err)
				}
				if _, err := t.manager.SaveBest(ckpt); err != nil {
					return nil, fmt.Errorf("epoch %d: failed to save best checkpoint: %w", epoch, err)
				}
			}
		} else if t.config.RestoreBest && bestSnapshot != nil {
			// The epoch made the patch worse on the held-out split, so
			// continue the next epoch from the best patch instead.
			if err := t.store.Restore(bestSnapshot); err != nil {
				return nil, fmt.Errorf("epoch %d: failed to restore best patch: %w", epoch, err)
			}
		}
		if t.manager != nil {
			ckpt, err := t.checkpoint(epoch, bestSuccess, bestEpoch)
			if err != nil {
				return nil, fmt.Errorf("epoch %d: %w", epoch, err)
			}
			if _, err := t.manager.SavePeriodic(ckpt); err != nil {
				return nil, fmt.Errorf("epoch %d: failed to save checkpoint: %w", epoch, err)
			}
		}

		t.publishPreview(epoch)

		if t.scheduler != nil {
			if plateau, ok := t.scheduler.(interface{ Observe(float64) }); ok {
				plateau.Observe(valLoss)
			}
			t.optimizer.SetLearningRate(t.scheduler.GetLR(epoch, baseLR))
		}

		if !t.config.Quiet {
			t.printEpochSummary(metrics, time.Since(start), epoch)
		}

		if valSuccess >= t.config.StopThreshold {
			reason = StopThreshold
			break
		}
		t.phase = PhaseContinuing
	}
	t.phase = PhaseConverged

	if t.config.RestoreBest && bestSnapshot != nil {
		if err := t.store.Restore(bestSnapshot); err != nil {
			return nil, fmt.Errorf("failed to restore best patch: %w", err)
		}
	}

	if !t.config.Quiet {
		fmt.Printf("Training finished after %d epochs (%s): best validation success %.4f at epoch %d\n",
			epochsRun, reason, bestSuccess, bestEpoch)
	}

	return &Result{
		Reason:      reason,
		BestSuccess: bestSuccess,
		BestEpoch:   bestEpoch,
		Epochs:      epochsRun,
		History:     t.history,
	}, nil
}

// Evaluate measures the current patch against one dataset split using
// the validation pipeline. The patch is not modified.
func (t *Trainer) Evaluate(loader *dataloader.Loader) (loss, success float64, err error) {
	if loader == nil {
		return 0, 0, fmt.Errorf("%w: loader is required", ErrInvalidConfig)
	}
	if err := t.checkGeometry(loader, loader); err != nil {
		return 0, 0, err
	}
	t.phase = PhaseValidating
	defer func() { t.phase = PhaseIdle }()
	return t.validateEpoch(loader)
}

// checkGeometry rejects runs whose patch cannot fit the host images
// before any work is done. The largest transformed patch must fit both
// splits, and the splits must match the ensemble's input size.
func (t *Trainer) checkGeometry(trainLoader, valLoader *dataloader.Loader) error {
	channels, height, width := t.oracle.InputSize()
	if channels != 3 {
		return fmt.Errorf("%w: ensemble expects %d-channel input, images are RGB", ErrInvalidConfig, channels)
	}

	for name, loader := range map[string]*dataloader.Loader{"training": trainLoader, "validation": valLoader} {
		h, w := loader.ImageSize()
		if h != height || w != width {
			return fmt.Errorf("%w: ensemble expects %dx%d images, %s loader yields %dx%d",
				ErrInvalidConfig, height, width, name, h, w)
		}
	}

	maxSide := eot.MaxTransformedSize(t.store.Size(), t.config.Sampler.MaxScale)
	if maxSide > height || maxSide > width {
		return fmt.Errorf("%w: patch of size %d can reach %d pixels after transforms and cannot fit %dx%d images",
			ErrInvalidConfig, t.store.Size(), maxSide, height, width)
	}
	return nil
}

// trainEpoch runs one pass over the training split, updating the patch
// once per image.
func (t *Trainer) trainEpoch(loader *dataloader.Loader, epoch int) (*epochTracker, error) {
	loader.Reset()

	tracker := &epochTracker{}
	bar := NewProgressBar(fmt.Sprintf("Epoch %d/%d", epoch, t.config.Epochs), loader.Len())
	if t.config.Quiet {
		bar.Silence()
	}

	processed := 0
	batchIndex := 0
	for {
		batch, err := loader.NextBatch()
		if err != nil {
			return nil, err
		}
		if batch == nil {
			break
		}

		batchLoss := 0.0
		batchSamples := 0
		for i, host := range batch.Images {
			lossVal, success, err := t.trainStep(host)
			if err != nil {
				if errors.Is(err, ErrDiverged) || errors.Is(err, ErrInvalidConfig) {
					return nil, err
				}
				tracker.skip()
				if t.onSampleError != nil {
					t.onSampleError(batch.Paths[i], err)
				}
				continue
			}
			tracker.addSample(lossVal, success)
			batchLoss += lossVal
			batchSamples++
		}
		if batchSamples > 0 {
			tracker.addBatch(batchLoss / float64(batchSamples))
		}

		processed += len(batch.Images)
		batchIndex++
		if batchIndex%t.config.PrintEvery == 0 || processed >= loader.Len() {
			bar.Update(processed, tracker.meanLoss(), tracker.meanSuccess())
		}
	}
	bar.Finish(tracker.meanLoss(), tracker.meanSuccess())

	if tracker.samples == 0 {
		return nil, fmt.Errorf("%w: no training samples could be processed", ErrInvalidConfig)
	}
	return tracker, nil
}

// trainStep performs one optimization step on a single host image:
// sample a transform, place and composite the patch, query the
// ensemble, backpropagate to the patch pixels, step, clamp.
//
// Failures in the sample-dependent stages are returned for the caller
// to skip. Divergence and geometry violations wrap the fatal sentinel
// errors.
func (t *Trainer) trainStep(host *tensor.Tensor) (float64, float64, error) {
	params := t.sampler.Sample()
	transformed, err := eot.ApplyTransform(t.store.Tensor(), params)
	if err != nil {
		return 0, 0, fmt.Errorf("transform failed: %w", err)
	}

	x, y, err := eot.PlaceRandom(host.Shape[1], host.Shape[2], transformed.Shape[1], transformed.Shape[2], t.rng)
	if err != nil {
		if errors.Is(err, eot.ErrPatchExceedsHost) {
			return 0, 0, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
		return 0, 0, fmt.Errorf("placement failed: %w", err)
	}

	composited, err := eot.Composite(host, transformed, x, y)
	if err != nil {
		return 0, 0, fmt.Errorf("composite failed: %w", err)
	}

	predictions, err := t.oracle.Classify(composited)
	if err != nil {
		return 0, 0, fmt.Errorf("classification failed: %w", err)
	}

	loss, success, err := t.criterion.Compute(predictions, t.config.TargetClass)
	if err != nil {
		return 0, 0, fmt.Errorf("loss failed: %w", err)
	}
	lossVal, err := scalarValue(loss)
	if err != nil {
		return 0, 0, err
	}
	if math.IsNaN(lossVal) || math.IsInf(lossVal, 0) {
		return 0, 0, fmt.Errorf("%w: loss %v at step %d", ErrDiverged, lossVal, t.optimizer.StepCount())
	}

	t.optimizer.ZeroGrad()
	if err := loss.Backward(); err != nil {
		return 0, 0, fmt.Errorf("backward failed: %w", err)
	}
	if err := t.optimizer.Step(); err != nil {
		return 0, 0, fmt.Errorf("optimizer step failed: %w", err)
	}
	if err := t.store.Clamp(); err != nil {
		return 0, 0, fmt.Errorf("clamp failed: %w", err)
	}

	return lossVal, success, nil
}

// validateEpoch measures the held-out split against a detached copy of
// the patch. No gradients flow and the patch is not modified.
func (t *Trainer) validateEpoch(loader *dataloader.Loader) (float64, float64, error) {
	snapshot, err := t.store.Snapshot()
	if err != nil {
		return 0, 0, fmt.Errorf("failed to snapshot patch: %w", err)
	}

	loader.Reset()
	tracker := &epochTracker{}
	for {
		batch, err := loader.NextBatch()
		if err != nil {
			return 0, 0, err
		}
		if batch == nil {
			break
		}
		for i, host := range batch.Images {
			lossVal, success, err := t.valStep(snapshot, host)
			if err != nil {
				if errors.Is(err, ErrDiverged) || errors.Is(err, ErrInvalidConfig) {
					return 0, 0, err
				}
				tracker.skip()
				if t.onSampleError != nil {
					t.onSampleError(batch.Paths[i], err)
				}
				continue
			}
			tracker.addSample(lossVal, success)
		}
	}

	if tracker.samples == 0 {
		return 0, 0, fmt.Errorf("%w: no validation samples could be processed", ErrInvalidConfig)
	}
	return tracker.meanLoss(), tracker.meanSuccess(), nil
}

// valStep runs the training pipeline on one image without updating the
// patch.
func (t *Trainer) valStep(patchSnapshot, host *tensor.Tensor) (float64, float64, error) {
	params := t.sampler.Sample()
	transformed, err := eot.ApplyTransform(patchSnapshot, params)
	if err != nil {
		return 0, 0, fmt.Errorf("transform failed: %w", err)
	}

	x, y, err := eot.PlaceRandom(host.Shape[1], host.Shape[2], transformed.Shape[1], transformed.Shape[2], t.rng)
	if err != nil {
		if errors.Is(err, eot.ErrPatchExceedsHost) {
			return 0, 0, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
		return 0, 0, fmt.Errorf("placement failed: %w", err)
	}

	composited, err := eot.Composite(host, transformed, x, y)
	if err != nil {
		return 0, 0, fmt.Errorf("composite failed: %w", err)
	}

	predictions, err := t.oracle.Classify(composited)
	if err != nil {
		return 0, 0, fmt.Errorf("classification failed: %w", err)
	}

	loss, success, err := t.criterion.Compute(predictions, t.config.TargetClass)
	if err != nil {
		return 0, 0, fmt.Errorf("loss failed: %w", err)
	}
	lossVal, err := scalarValue(loss)
	if err != nil {
		return 0, 0, err
	}
	if math.IsNaN(lossVal) || math.IsInf(lossVal, 0) {
		return 0, 0, fmt.Errorf("%w: validation loss %v", ErrDiverged, lossVal)
	}
	return lossVal, success, nil
}

// checkpoint builds a checkpoint from the current patch and optimizer
// state. The patch data is copied, so later steps cannot mutate it.
func (t *Trainer) checkpoint(epoch int, bestSuccess float64, bestEpoch int) (*checkpoints.Checkpoint, error) {
	snapshot, err := t.store.Snapshot()
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot patch: %w", err)
	}
	state := checkpoints.TrainingState{
		Epoch:        epoch,
		Step:         t.optimizer.StepCount(),
		LearningRate: t.optimizer.LearningRate(),
		BestSuccess:  bestSuccess,
		BestEpoch:    bestEpoch,
		TargetClass:  t.config.TargetClass,
	}
	return checkpoints.New(snapshot, state, t.optimizer.State())
}

// publishPreview posts the metric curves and current patch image to the
// preview sidecar. Any failure is absorbed by the client.
func (t *Trainer) publishPreview(epoch int) {
	if t.preview == nil || !t.preview.IsEnabled() {
		return
	}

	update := PreviewUpdate{
		Epoch:  epoch,
		Epochs: t.config.Epochs,
	}
	for _, m := range t.history {
		update.TrainLoss = append(update.TrainLoss, m.TrainLoss)
		update.ValLoss = append(update.ValLoss, m.ValLoss)
		update.TrainSuccess = append(update.TrainSuccess, m.TrainSuccess)
		update.ValSuccess = append(update.ValSuccess, m.ValSuccess)
	}
	if snapshot, err := t.store.Snapshot(); err == nil {
		var buf bytes.Buffer
		if err := preprocessing.EncodePNG(&buf, snapshot); err == nil {
			update.PatchPNG = buf.Bytes()
		}
	}
	t.preview.Publish(update)
}

func (t *Trainer) printEpochSummary(m EpochMetrics, elapsed time.Duration, epoch int) {
	perEpoch := elapsed / time.Duration(epoch)
	remaining := perEpoch * time.Duration(t.config.Epochs-epoch)
	fmt.Printf("Epoch %d/%d: train_loss=%.4f train_success=%.4f val_loss=%.4f val_success=%.4f lr=%.6f [%s elapsed, %s remaining]\n",
		m.Epoch, t.config.Epochs, m.TrainLoss, m.TrainSuccess, m.ValLoss, m.ValSuccess, m.LearningRate,
		formatDuration(elapsed), formatDuration(remaining))
}

// scalarValue extracts the single float from a scalar loss tensor.
func scalarValue(loss *tensor.Tensor) (float64, error) {
	data, err := loss.GetFloat32Data()
	if err != nil {
		return 0, fmt.Errorf("failed to read loss value: %w", err)
	}
	if len(data) != 1 {
		return 0, fmt.Errorf("loss must be scalar, got %d elements", len(data))
	}
	return float64(data[0]), nil
}
