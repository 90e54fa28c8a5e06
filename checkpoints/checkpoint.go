package checkpoints

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/tetralith/advpatch/optimizer"
	"github.com/tetralith/advpatch/tensor"
)

// Checkpoint captures everything needed to resume or reproduce a patch
// training run: the patch pixels, training progress, and optimizer
// state.
type Checkpoint struct {
	Patch PatchTensor `json:"patch"`

	TrainingState TrainingState `json:"training_state"`

	// Optimizer state (if available)
	OptimizerState *optimizer.State `json:"optimizer_state,omitempty"`

	Metadata Metadata `json:"metadata"`
}

// PatchTensor is the serialized patch: CHW shape plus flat float32
// data.
type PatchTensor struct {
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
}

// TrainingState captures the training progress at save time.
type TrainingState struct {
	Epoch        int     `json:"epoch"`
	Step         int     `json:"step"`
	LearningRate float64 `json:"learning_rate"`
	BestSuccess  float64 `json:"best_success"`
	BestEpoch    int     `json:"best_epoch"`
	TargetClass  int     `json:"target_class"`
}

// Metadata contains checkpoint provenance.
type Metadata struct {
	Version     string    `json:"version"`
	Framework   string    `json:"framework"`
	CreatedAt   time.Time `json:"created_at"`
	Description string    `json:"description,omitempty"`
}

// New builds a checkpoint from a patch tensor. The patch data is
// copied, so later optimizer steps do not mutate the checkpoint.
func New(patch *tensor.Tensor, state TrainingState, optState *optimizer.State) (*Checkpoint, error) {
	if patch == nil {
		return nil, fmt.Errorf("patch cannot be nil")
	}
	if patch.DType != tensor.Float32 {
		return nil, fmt.Errorf("patch must be float32, got %s", patch.DType)
	}
	if len(patch.Shape) != 3 {
		return nil, fmt.Errorf("patch must be CHW, got shape %v", patch.Shape)
	}

	data, err := patch.GetFloat32Data()
	if err != nil {
		return nil, err
	}

	return &Checkpoint{
		Patch: PatchTensor{
			Shape: append([]int(nil), patch.Shape...),
			Data:  append([]float32(nil), data...),
		},
		TrainingState:  state,
		OptimizerState: optState,
		Metadata: Metadata{
			Version:   "1.0.0",
			Framework: "advpatch",
			CreatedAt: time.Now(),
		},
	}, nil
}

// RestorePatch reconstructs the patch tensor from the checkpoint. The
// returned tensor owns its data.
func (c *Checkpoint) RestorePatch() (*tensor.Tensor, error) {
	if len(c.Patch.Shape) != 3 {
		return nil, fmt.Errorf("checkpoint patch must be CHW, got shape %v", c.Patch.Shape)
	}
	expected := 1
	for _, dim := range c.Patch.Shape {
		expected *= dim
	}
	if len(c.Patch.Data) != expected {
		return nil, fmt.Errorf("checkpoint patch has %d values, shape %v needs %d",
			len(c.Patch.Data), c.Patch.Shape, expected)
	}

	data := append([]float32(nil), c.Patch.Data...)
	return tensor.New(append([]int(nil), c.Patch.Shape...), tensor.Float32, data)
}

// Save writes the checkpoint as indented JSON.
func Save(c *Checkpoint, path string) error {
	if c.Metadata.Framework == "" {
		c.Metadata.Framework = "advpatch"
		c.Metadata.Version = "1.0.0"
		c.Metadata.CreatedAt = time.Now()
	}

	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create checkpoint file: %w", err)
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")

	if err := encoder.Encode(c); err != nil {
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}
	return nil
}

// Load reads a checkpoint from a JSON file.
func Load(path string) (*Checkpoint, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint file: %w", err)
	}
	defer file.Close()

	var checkpoint Checkpoint
	if err := json.NewDecoder(file).Decode(&checkpoint); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint: %w", err)
	}
	return &checkpoint, nil
}
