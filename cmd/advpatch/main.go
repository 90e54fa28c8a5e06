package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/tetralith/advpatch/checkpoints"
	"github.com/tetralith/advpatch/eot"
	"github.com/tetralith/advpatch/optimizer"
	"github.com/tetralith/advpatch/oracle"
	"github.com/tetralith/advpatch/patch"
	"github.com/tetralith/advpatch/tensor"
	"github.com/tetralith/advpatch/training"
	"github.com/tetralith/advpatch/vision/dataloader"
	"github.com/tetralith/advpatch/vision/dataset"
	"github.com/tetralith/advpatch/vision/preprocessing"
)

func main() {
	log.SetFlags(log.LstdFlags)

	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "train":
		err = runTrain(os.Args[2:])
	case "eval":
		err = runEval(os.Args[2:])
	case "export":
		err = runExport(os.Args[2:])
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", os.Args[1])
		usage()
		os.Exit(2)
	}
	if err != nil {
		log.Fatal(err)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `advpatch trains adversarial patches against an ensemble of image classifiers.

Usage:
  advpatch train  -data DIR [options]   train a patch
  advpatch eval   -patch FILE -data DIR [options]   measure an existing patch
  advpatch export -checkpoint FILE [-png FILE] [-onnx FILE]   convert a checkpoint

Run a command with -h for its options.
`)
}

type trainOptions struct {
	dataDir    string
	split      float64
	imageSize  int
	batchSize  int
	workers    int
	cacheSize  int
	patchSize  int
	initMode   string
	initImage  string
	modelsPath string
	classes    int
	target     int
	optimizer  string
	lr         float64
	momentum   float64
	epochs     int
	threshold  float64
	floor      float64
	rotation   string
	minAngle   float64
	maxAngle   float64
	minScale   float64
	maxScale   float64
	seed       int64
	ckptDir    string
	interval   int
	maxKeep    int
	csvPath    string
	previewURL string
	resume     string
	outPNG     string
	outONNX    string
	scheduler  string
	gamma      float64
	stepSize   int
	patience   int
	quiet      bool
}

func runTrain(args []string) error {
	fs := flag.NewFlagSet("train", flag.ExitOnError)
	var opts trainOptions

	fs.StringVar(&opts.dataDir, "data", "", "directory of host images (required)")
	fs.Float64Var(&opts.split, "split", 0.8, "fraction of images used for training")
	fs.IntVar(&opts.imageSize, "image-size", 224, "host image side length after resize")
	fs.IntVar(&opts.batchSize, "batch", 8, "images per batch")
	fs.IntVar(&opts.workers, "workers", 4, "parallel image decoders")
	fs.IntVar(&opts.cacheSize, "cache", 256, "decoded images kept in memory, 0 disables")

	fs.IntVar(&opts.patchSize, "size", 64, "patch side length in pixels")
	fs.StringVar(&opts.initMode, "init", "random", "patch initialization: random, gray or image")
	fs.StringVar(&opts.initImage, "init-image", "", "source image when -init=image")
	fs.StringVar(&opts.resume, "resume", "", "checkpoint to resume from, overrides -init")

	fs.StringVar(&opts.modelsPath, "models", "", "ensemble spec JSON; empty builds a seeded demo ensemble")
	fs.IntVar(&opts.classes, "classes", 10, "classes for the demo ensemble")
	fs.IntVar(&opts.target, "target", 0, "class the patch should force")

	fs.StringVar(&opts.optimizer, "optimizer", "sgd", "optimizer: sgd or adam")
	fs.Float64Var(&opts.lr, "lr", 0.01, "learning rate")
	fs.Float64Var(&opts.momentum, "momentum", 0, "SGD momentum")
	fs.IntVar(&opts.epochs, "epochs", 50, "epoch budget")
	fs.Float64Var(&opts.threshold, "threshold", 0.9, "validation success that stops training early")
	fs.Float64Var(&opts.floor, "floor", training.DefaultProbFloor, "probability floor inside the loss")

	fs.StringVar(&opts.rotation, "rotation", "quarter", "rotation mode: quarter or continuous")
	fs.Float64Var(&opts.minAngle, "min-angle", 0, "minimum rotation angle (continuous mode)")
	fs.Float64Var(&opts.maxAngle, "max-angle", 360, "maximum rotation angle (continuous mode)")
	fs.Float64Var(&opts.minScale, "min-scale", 0.8, "minimum patch scale")
	fs.Float64Var(&opts.maxScale, "max-scale", 1.2, "maximum patch scale")
	fs.Int64Var(&opts.seed, "seed", 42, "seed for init, splits and transform draws")

	fs.StringVar(&opts.ckptDir, "checkpoint-dir", "checkpoints", "checkpoint directory, empty disables")
	fs.IntVar(&opts.interval, "save-interval", 10, "epochs between periodic checkpoints, 0 disables")
	fs.IntVar(&opts.maxKeep, "max-keep", 5, "periodic checkpoints kept on disk")
	fs.StringVar(&opts.csvPath, "log", "training_log.csv", "CSV metrics path, empty disables")
	fs.StringVar(&opts.previewURL, "preview", "", "preview sidecar base URL, empty disables")
	fs.StringVar(&opts.outPNG, "out", "patch.png", "final patch PNG path")
	fs.StringVar(&opts.outONNX, "onnx", "", "also export the final patch as an ONNX tensor")

	fs.StringVar(&opts.scheduler, "scheduler", "none", "lr schedule: none, step, exponential, cosine or plateau")
	fs.Float64Var(&opts.gamma, "gamma", 0.1, "decay factor for step, exponential and plateau schedules")
	fs.IntVar(&opts.stepSize, "step-size", 30, "epochs between step schedule decays")
	fs.IntVar(&opts.patience, "patience", 10, "plateau schedule patience in epochs")
	fs.BoolVar(&opts.quiet, "quiet", false, "suppress progress output")

	if err := fs.Parse(args); err != nil {
		return err
	}
	if opts.dataDir == "" {
		fs.Usage()
		return fmt.Errorf("-data is required")
	}
	return train(opts)
}

func train(opts trainOptions) error {
	trainLoader, valLoader, err := buildLoaders(opts)
	if err != nil {
		return err
	}
	log.Printf("dataset: %d training images, %d validation images", trainLoader.Len(), valLoader.Len())

	ensemble, err := buildEnsemble(opts.modelsPath, opts.classes, opts.imageSize, opts.seed)
	if err != nil {
		return err
	}
	log.Printf("ensemble: %s", strings.Join(ensemble.Members(), ", "))

	store, resumed, err := buildPatch(opts)
	if err != nil {
		return err
	}

	opt, err := buildOptimizer(opts, store)
	if err != nil {
		return err
	}
	if resumed != nil && resumed.OptimizerState != nil {
		if err := opt.LoadState(resumed.OptimizerState); err != nil {
			return fmt.Errorf("failed to restore optimizer state: %w", err)
		}
	}

	config := training.DefaultConfig()
	config.Epochs = opts.epochs
	config.TargetClass = opts.target
	config.StopThreshold = opts.threshold
	config.ProbFloor = opts.floor
	config.Sampler = eot.SamplerConfig{
		Rotation: eot.RotationMode(opts.rotation),
		MinAngle: opts.minAngle,
		MaxAngle: opts.maxAngle,
		MinScale: opts.minScale,
		MaxScale: opts.maxScale,
	}
	config.Seed = opts.seed
	config.MetricsPath = opts.csvPath
	config.Quiet = opts.quiet

	trainer, err := training.New(store, ensemble, opt, config)
	if err != nil {
		return err
	}
	trainer.SetSampleErrorHandler(func(path string, err error) {
		log.Printf("skipping %s: %v", path, err)
	})

	if scheduler := buildScheduler(opts); scheduler != nil {
		trainer.SetScheduler(scheduler)
		log.Printf("scheduler: %s", scheduler.GetName())
	}

	if opts.ckptDir != "" {
		manager, err := checkpoints.NewManager(checkpoints.ManagerConfig{
			Dir:          opts.ckptDir,
			SaveInterval: opts.interval,
			MaxKeep:      opts.maxKeep,
		})
		if err != nil {
			return err
		}
		trainer.SetCheckpointManager(manager)
	}

	if opts.previewURL != "" {
		preview := training.NewPreviewClient(training.PreviewConfig{
			BaseURL:       opts.previewURL,
			Timeout:       5 * time.Second,
			RetryAttempts: 2,
			RetryDelay:    time.Second,
		})
		if err := preview.CheckHealth(); err != nil {
			log.Printf("preview service not reachable, continuing without it: %v", err)
		} else {
			preview.Enable()
		}
		trainer.SetPreview(preview)
	}

	result, err := trainer.Run(trainLoader, valLoader)
	if err != nil {
		return err
	}
	log.Printf("stopped by %s after %d epochs, best validation success %.4f (epoch %d)",
		result.Reason, result.Epochs, result.BestSuccess, result.BestEpoch)

	if opts.outPNG != "" {
		if err := store.WritePNG(opts.outPNG); err != nil {
			return fmt.Errorf("failed to write final patch: %w", err)
		}
		log.Printf("wrote %s", opts.outPNG)
	}
	if opts.outONNX != "" {
		snapshot, err := store.Snapshot()
		if err != nil {
			return err
		}
		ckpt, err := checkpoints.New(snapshot, checkpoints.TrainingState{
			Epoch:        result.Epochs,
			LearningRate: opt.LearningRate(),
			BestSuccess:  result.BestSuccess,
			BestEpoch:    result.BestEpoch,
			TargetClass:  opts.target,
		}, nil)
		if err != nil {
			return err
		}
		if err := checkpoints.NewONNXExporter().ExportPatch(ckpt, "patch", opts.outONNX); err != nil {
			return fmt.Errorf("failed to export ONNX tensor: %w", err)
		}
		log.Printf("wrote %s", opts.outONNX)
	}
	return nil
}

func runEval(args []string) error {
	fs := flag.NewFlagSet("eval", flag.ExitOnError)
	var (
		patchPath  = fs.String("patch", "", "patch artifact: checkpoint JSON or PNG (required)")
		patchSize  = fs.Int("size", 64, "patch side length when -patch is a PNG")
		dataDir    = fs.String("data", "", "directory of host images (required)")
		modelsPath = fs.String("models", "", "ensemble spec JSON; empty builds a seeded demo ensemble")
		classes    = fs.Int("classes", 10, "classes for the demo ensemble")
		imageSize  = fs.Int("image-size", 224, "host image side length after resize")
		batchSize  = fs.Int("batch", 8, "images per batch")
		workers    = fs.Int("workers", 4, "parallel image decoders")
		target     = fs.Int("target", 0, "class the patch should force")
		rotation   = fs.String("rotation", "quarter", "rotation mode: quarter or continuous")
		minScale   = fs.Float64("min-scale", 0.8, "minimum patch scale")
		maxScale   = fs.Float64("max-scale", 1.2, "maximum patch scale")
		seed       = fs.Int64("seed", 42, "seed for transform draws")
	)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *patchPath == "" || *dataDir == "" {
		fs.Usage()
		return fmt.Errorf("-patch and -data are required")
	}

	store, err := loadPatchArtifact(*patchPath, *patchSize)
	if err != nil {
		return err
	}

	ensemble, err := buildEnsemble(*modelsPath, *classes, *imageSize, *seed)
	if err != nil {
		return err
	}

	ds, err := dataset.NewImageDataset(*dataDir, nil)
	if err != nil {
		return err
	}
	loader, err := dataloader.New(ds, dataloader.Config{
		BatchSize: *batchSize,
		Height:    *imageSize,
		Width:     *imageSize,
		Workers:   *workers,
	})
	if err != nil {
		return err
	}

	// The trainer wants an optimizer even though evaluation never steps.
	opt, err := optimizer.NewSGD([]*tensor.Tensor{store.Tensor()}, optimizer.DefaultSGDConfig())
	if err != nil {
		return err
	}

	config := training.DefaultConfig()
	config.TargetClass = *target
	config.Sampler = eot.SamplerConfig{
		Rotation: eot.RotationMode(*rotation),
		MinAngle: 0,
		MaxAngle: 360,
		MinScale: *minScale,
		MaxScale: *maxScale,
	}
	config.Seed = *seed
	config.Quiet = true

	trainer, err := training.New(store, ensemble, opt, config)
	if err != nil {
		return err
	}
	trainer.SetSampleErrorHandler(func(path string, err error) {
		log.Printf("skipping %s: %v", path, err)
	})

	loss, success, err := trainer.Evaluate(loader)
	if err != nil {
		return err
	}
	fmt.Printf("images: %d\nsuccess: %.4f\nmean loss: %.4f\n", loader.Len(), success, loss)
	return nil
}

func runExport(args []string) error {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	var (
		ckptPath = fs.String("checkpoint", "", "checkpoint JSON to convert (required)")
		pngPath  = fs.String("png", "", "write the patch as a PNG image")
		onnxPath = fs.String("onnx", "", "write the patch as an ONNX tensor")
		name     = fs.String("name", "patch", "tensor name inside the ONNX file")
	)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *ckptPath == "" {
		fs.Usage()
		return fmt.Errorf("-checkpoint is required")
	}
	if *pngPath == "" && *onnxPath == "" {
		return fmt.Errorf("nothing to do: pass -png and/or -onnx")
	}

	ckpt, err := checkpoints.Load(*ckptPath)
	if err != nil {
		return err
	}

	if *pngPath != "" {
		t, err := ckpt.RestorePatch()
		if err != nil {
			return err
		}
		if err := preprocessing.WritePNG(*pngPath, t); err != nil {
			return err
		}
		log.Printf("wrote %s", *pngPath)
	}
	if *onnxPath != "" {
		if err := checkpoints.NewONNXExporter().ExportPatch(ckpt, *name, *onnxPath); err != nil {
			return err
		}
		log.Printf("wrote %s", *onnxPath)
	}
	return nil
}

func buildLoaders(opts trainOptions) (*dataloader.Loader, *dataloader.Loader, error) {
	ds, err := dataset.NewImageDataset(opts.dataDir, nil)
	if err != nil {
		return nil, nil, err
	}
	trainDS, valDS, err := ds.Split(opts.split, true, opts.seed)
	if err != nil {
		return nil, nil, err
	}

	logSkip := func(se *dataset.SampleError) {
		log.Printf("skipping %s: %v", se.Path, se.Err)
	}

	trainLoader, err := dataloader.New(trainDS, dataloader.Config{
		BatchSize: opts.batchSize,
		Height:    opts.imageSize,
		Width:     opts.imageSize,
		Shuffle:   true,
		Seed:      opts.seed,
		Workers:   opts.workers,
		CacheSize: opts.cacheSize,
	})
	if err != nil {
		return nil, nil, err
	}
	trainLoader.SetSampleErrorHandler(logSkip)

	valLoader, err := dataloader.New(valDS, dataloader.Config{
		BatchSize: opts.batchSize,
		Height:    opts.imageSize,
		Width:     opts.imageSize,
		Seed:      opts.seed,
		Workers:   opts.workers,
		CacheSize: opts.cacheSize,
	})
	if err != nil {
		return nil, nil, err
	}
	valLoader.SetSampleErrorHandler(logSkip)

	return trainLoader, valLoader, nil
}

// buildEnsemble loads classifier specs from disk, or falls back to a
// seeded three-model demo ensemble.
func buildEnsemble(path string, classes, imageSize int, seed int64) (*oracle.Oracle, error) {
	if path != "" {
		specs, err := oracle.LoadSpecs(path)
		if err != nil {
			return nil, err
		}
		return oracle.BuildEnsemble(specs)
	}
	return oracle.BuildEnsemble([]oracle.Spec{
		{Name: "linear-0", Kind: "linear", Channels: 3, Height: imageSize, Width: imageSize, Classes: classes, Seed: seed},
		{Name: "mlp-0", Kind: "mlp", Channels: 3, Height: imageSize, Width: imageSize, Classes: classes, Seed: seed + 1},
		{Name: "conv-0", Kind: "conv", Channels: 3, Height: imageSize, Width: imageSize, Classes: classes, Seed: seed + 2},
	})
}

func buildPatch(opts trainOptions) (*patch.Store, *checkpoints.Checkpoint, error) {
	if opts.resume != "" {
		ckpt, err := checkpoints.Load(opts.resume)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to load checkpoint: %w", err)
		}
		t, err := ckpt.RestorePatch()
		if err != nil {
			return nil, nil, err
		}
		store, err := patch.FromTensor(t)
		if err != nil {
			return nil, nil, err
		}
		log.Printf("resumed from %s (epoch %d, best success %.4f)",
			opts.resume, ckpt.TrainingState.Epoch, ckpt.TrainingState.BestSuccess)
		return store, ckpt, nil
	}

	store, err := patch.New(patch.Config{
		Size:      opts.patchSize,
		Init:      patch.InitMode(opts.initMode),
		ImagePath: opts.initImage,
		Seed:      opts.seed,
	})
	if err != nil {
		return nil, nil, err
	}
	return store, nil, nil
}

func buildOptimizer(opts trainOptions, store *patch.Store) (optimizer.Optimizer, error) {
	params := []*tensor.Tensor{store.Tensor()}
	switch opts.optimizer {
	case "sgd":
		config := optimizer.DefaultSGDConfig()
		config.LearningRate = opts.lr
		config.Momentum = opts.momentum
		return optimizer.NewSGD(params, config)
	case "adam":
		config := optimizer.DefaultAdamConfig()
		config.LearningRate = opts.lr
		return optimizer.NewAdam(params, config)
	default:
		return nil, fmt.Errorf("unknown optimizer %q", opts.optimizer)
	}
}

func buildScheduler(opts trainOptions) training.LRScheduler {
	switch opts.scheduler {
	case "", "none":
		return nil
	case "step":
		return training.NewStepLRScheduler(opts.stepSize, opts.gamma)
	case "exponential":
		return training.NewExponentialLRScheduler(opts.gamma)
	case "cosine":
		return training.NewCosineAnnealingLRScheduler(opts.epochs, 0)
	case "plateau":
		return training.NewReduceLROnPlateauScheduler(opts.gamma, opts.patience, 1e-4)
	default:
		log.Printf("unknown scheduler %q, training with a constant rate", opts.scheduler)
		return nil
	}
}

// loadPatchArtifact accepts either a checkpoint JSON or a PNG image.
func loadPatchArtifact(path string, size int) (*patch.Store, error) {
	if strings.HasSuffix(path, ".json") {
		ckpt, err := checkpoints.Load(path)
		if err != nil {
			return nil, err
		}
		t, err := ckpt.RestorePatch()
		if err != nil {
			return nil, err
		}
		return patch.FromTensor(t)
	}

	t, err := preprocessing.LoadTensor(path, size, size)
	if err != nil {
		return nil, fmt.Errorf("failed to load patch image: %w", err)
	}
	return patch.FromTensor(t)
}
