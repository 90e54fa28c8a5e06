package eot

import (
	"fmt"

	exprand "golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"
)

// RotationMode selects how rotation angles are drawn.
type RotationMode string

const (
	// RotationQuarter draws angles uniformly from {0, 90, 180, 270}.
	// Quarter turns are lossless, so this is the default.
	RotationQuarter RotationMode = "quarter"
	// RotationContinuous draws angles uniformly from [MinAngle, MaxAngle].
	RotationContinuous RotationMode = "continuous"
)

// Params is one sampled transform: a counter-clockwise rotation in
// degrees followed by a uniform rescale of both patch dimensions.
type Params struct {
	Angle float64
	Scale float64
}

// SamplerConfig holds configuration for a transform sampler.
type SamplerConfig struct {
	Rotation RotationMode
	MinAngle float64 // continuous rotation only
	MaxAngle float64 // continuous rotation only
	MinScale float64
	MaxScale float64
}

// DefaultSamplerConfig returns the default transform distribution:
// quarter turns with scales in [0.8, 1.2].
func DefaultSamplerConfig() SamplerConfig {
	return SamplerConfig{
		Rotation: RotationQuarter,
		MinAngle: 0,
		MaxAngle: 360,
		MinScale: 0.8,
		MaxScale: 1.2,
	}
}

// Sampler draws random transform parameters. All randomness comes from
// a single seeded generator, so a sampler built with the same seed
// produces the same sequence.
type Sampler struct {
	config SamplerConfig
	rng    *exprand.Rand
	scale  distuv.Uniform
	angle  distuv.Uniform
}

// NewSampler creates a sampler for the given distribution.
func NewSampler(config SamplerConfig, seed uint64) (*Sampler, error) {
	switch config.Rotation {
	case RotationQuarter, RotationContinuous:
	default:
		return nil, fmt.Errorf("unknown rotation mode %q", config.Rotation)
	}
	if config.MinScale <= 0 {
		return nil, fmt.Errorf("minimum scale must be positive, got %v", config.MinScale)
	}
	if config.MaxScale < config.MinScale {
		return nil, fmt.Errorf("invalid scale range [%v, %v]", config.MinScale, config.MaxScale)
	}
	if config.Rotation == RotationContinuous && config.MaxAngle < config.MinAngle {
		return nil, fmt.Errorf("invalid angle range [%v, %v]", config.MinAngle, config.MaxAngle)
	}

	rng := exprand.New(exprand.NewSource(seed))
	s := &Sampler{
		config: config,
		rng:    rng,
		scale:  distuv.Uniform{Min: config.MinScale, Max: config.MaxScale, Src: rng},
	}
	if config.Rotation == RotationContinuous {
		s.angle = distuv.Uniform{Min: config.MinAngle, Max: config.MaxAngle, Src: rng}
	}

	return s, nil
}

// Sample draws one transform.
func (s *Sampler) Sample() Params {
	params := Params{Scale: s.scale.Rand()}
	switch s.config.Rotation {
	case RotationQuarter:
		params.Angle = float64(s.rng.Intn(4) * 90)
	case RotationContinuous:
		params.Angle = s.angle.Rand()
	}
	return params
}

// Config returns the sampler's distribution parameters.
func (s *Sampler) Config() SamplerConfig {
	return s.config
}
