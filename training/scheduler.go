package training

import (
	"math"
)

// LRScheduler adjusts the patch learning rate across epochs. GetLR is a
// pure function of the epoch so schedules stay reproducible when a run
// resumes from a checkpoint.
type LRScheduler interface {
	// GetLR returns the learning rate for the given epoch.
	GetLR(epoch int, baseLR float64) float64

	// GetName returns the scheduler name for logging.
	GetName() string
}

// StepLRScheduler reduces the learning rate by a factor every stepSize
// epochs.
type StepLRScheduler struct {
	StepSize int     // Epochs between reductions
	Gamma    float64 // Multiplicative decay factor
}

// NewStepLRScheduler creates a step learning rate scheduler.
func NewStepLRScheduler(stepSize int, gamma float64) *StepLRScheduler {
	if stepSize <= 0 {
		stepSize = 30
	}
	if gamma <= 0 || gamma >= 1 {
		gamma = 0.1
	}
	return &StepLRScheduler{
		StepSize: stepSize,
		Gamma:    gamma,
	}
}

func (s *StepLRScheduler) GetLR(epoch int, baseLR float64) float64 {
	times := epoch / s.StepSize
	return baseLR * math.Pow(s.Gamma, float64(times))
}

func (s *StepLRScheduler) GetName() string {
	return "StepLR"
}

// ExponentialLRScheduler decays the learning rate exponentially per
// epoch.
type ExponentialLRScheduler struct {
	Gamma float64
}

// NewExponentialLRScheduler creates an exponential learning rate
// scheduler.
func NewExponentialLRScheduler(gamma float64) *ExponentialLRScheduler {
	if gamma <= 0 || gamma >= 1 {
		gamma = 0.95
	}
	return &ExponentialLRScheduler{
		Gamma: gamma,
	}
}

func (s *ExponentialLRScheduler) GetLR(epoch int, baseLR float64) float64 {
	return baseLR * math.Pow(s.Gamma, float64(epoch))
}

func (s *ExponentialLRScheduler) GetName() string {
	return "ExponentialLR"
}

// CosineAnnealingLRScheduler anneals the learning rate along a cosine
// curve from baseLR down to EtaMin over TMax epochs.
type CosineAnnealingLRScheduler struct {
	TMax   int
	EtaMin float64
}

// NewCosineAnnealingLRScheduler creates a cosine annealing scheduler.
func NewCosineAnnealingLRScheduler(tMax int, etaMin float64) *CosineAnnealingLRScheduler {
	if tMax <= 0 {
		tMax = 100
	}
	if etaMin < 0 {
		etaMin = 0
	}
	return &CosineAnnealingLRScheduler{
		TMax:   tMax,
		EtaMin: etaMin,
	}
}

func (s *CosineAnnealingLRScheduler) GetLR(epoch int, baseLR float64) float64 {
	if epoch >= s.TMax {
		return s.EtaMin
	}
	return s.EtaMin + (baseLR-s.EtaMin)*(1+math.Cos(math.Pi*float64(epoch)/float64(s.TMax)))/2
}

func (s *CosineAnnealingLRScheduler) GetName() string {
	return "CosineAnnealingLR"
}

// ReduceLROnPlateauScheduler reduces the learning rate when validation
// loss stops improving. It carries state, so the trainer feeds it the
// validation loss after each epoch through Observe.
type ReduceLROnPlateauScheduler struct {
	Factor    float64 // Reduction factor
	Patience  int     // Epochs without improvement before reducing
	Threshold float64 // Minimum improvement that resets patience

	bestLoss    float64
	badEpochs   int
	scale       float64
	initialized bool
}

// NewReduceLROnPlateauScheduler creates a plateau-based scheduler.
func NewReduceLROnPlateauScheduler(factor float64, patience int, threshold float64) *ReduceLROnPlateauScheduler {
	if factor <= 0 || factor >= 1 {
		factor = 0.1
	}
	if patience <= 0 {
		patience = 10
	}
	if threshold < 0 {
		threshold = 1e-4
	}
	return &ReduceLROnPlateauScheduler{
		Factor:    factor,
		Patience:  patience,
		Threshold: threshold,
		scale:     1.0,
	}
}

// Observe records one epoch's validation loss and reduces the rate when
// patience runs out.
func (s *ReduceLROnPlateauScheduler) Observe(valLoss float64) {
	if !s.initialized {
		s.bestLoss = valLoss
		s.initialized = true
		return
	}

	if valLoss < s.bestLoss-s.Threshold {
		s.bestLoss = valLoss
		s.badEpochs = 0
		return
	}

	s.badEpochs++
	if s.badEpochs >= s.Patience {
		s.scale *= s.Factor
		s.badEpochs = 0
	}
}

func (s *ReduceLROnPlateauScheduler) GetLR(epoch int, baseLR float64) float64 {
	return baseLR * s.scale
}

func (s *ReduceLROnPlateauScheduler) GetName() string {
	return "ReduceLROnPlateau"
}

// NoOpScheduler keeps the learning rate constant.
type NoOpScheduler struct{}

func (s *NoOpScheduler) GetLR(epoch int, baseLR float64) float64 {
	return baseLR
}

func (s *NoOpScheduler) GetName() string {
	return "ConstantLR"
}
