package oracle

import (
	"encoding/json"
	"fmt"
	"os"
)

// Spec describes one ensemble member so a reproducible classifier can
// be rebuilt from a config file: architecture kind, input geometry,
// class count and the weight seed.
type Spec struct {
	Name     string `json:"name"`
	Kind     string `json:"kind"` // "linear", "mlp" or "conv"
	Channels int    `json:"channels"`
	Height   int    `json:"height"`
	Width    int    `json:"width"`
	Classes  int    `json:"classes"`
	Hidden   int    `json:"hidden,omitempty"` // mlp only
	Seed     int64  `json:"seed"`
}

// Build constructs the scorer the spec describes.
func (s Spec) Build() (Scorer, error) {
	switch s.Kind {
	case "linear":
		return NewLinear(s.Name, s.Channels, s.Height, s.Width, s.Classes, s.Seed)
	case "mlp":
		hidden := s.Hidden
		if hidden == 0 {
			hidden = 128
		}
		return NewMLP(s.Name, s.Channels, s.Height, s.Width, hidden, s.Classes, s.Seed)
	case "conv":
		return NewConvNet(s.Name, s.Channels, s.Height, s.Width, s.Classes, s.Seed)
	default:
		return nil, fmt.Errorf("unknown classifier kind %q", s.Kind)
	}
}

// LoadSpecs reads a JSON array of member specs.
func LoadSpecs(path string) ([]Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read ensemble config: %w", err)
	}

	var specs []Spec
	if err := json.Unmarshal(data, &specs); err != nil {
		return nil, fmt.Errorf("failed to parse ensemble config: %w", err)
	}
	if len(specs) == 0 {
		return nil, fmt.Errorf("ensemble config %s lists no classifiers", path)
	}
	return specs, nil
}

// SaveSpecs writes member specs as indented JSON.
func SaveSpecs(path string, specs []Spec) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create ensemble config: %w", err)
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(specs); err != nil {
		return fmt.Errorf("failed to write ensemble config: %w", err)
	}
	return nil
}

// BuildEnsemble constructs an oracle from a list of member specs.
func BuildEnsemble(specs []Spec) (*Oracle, error) {
	scorers := make([]Scorer, 0, len(specs))
	for i, spec := range specs {
		scorer, err := spec.Build()
		if err != nil {
			return nil, fmt.Errorf("classifier %d: %w", i, err)
		}
		scorers = append(scorers, scorer)
	}
	return New(scorers...)
}
