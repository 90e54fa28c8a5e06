package checkpoints

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tetralith/advpatch/vision/preprocessing"
)

// ManagerConfig controls where and how often checkpoints are written.
type ManagerConfig struct {
	Dir          string // checkpoint directory, created if missing
	SaveInterval int    // save every N epochs; 0 disables periodic saves
	MaxKeep      int    // periodic checkpoints retained; 0 keeps all
}

// DefaultManagerConfig returns sensible checkpoint settings.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		Dir:          "checkpoints",
		SaveInterval: 10,
		MaxKeep:      5,
	}
}

// Manager writes best and periodic checkpoints during training. Every
// checkpoint JSON gets a PNG preview of the patch alongside it, so a
// run can be inspected without loading anything.
type Manager struct {
	config   ManagerConfig
	periodic []string
	bestPath string
}

// NewManager creates a checkpoint manager and its directory.
func NewManager(config ManagerConfig) (*Manager, error) {
	if config.Dir == "" {
		return nil, fmt.Errorf("checkpoint directory cannot be empty")
	}
	if config.SaveInterval < 0 {
		return nil, fmt.Errorf("save interval cannot be negative, got %d", config.SaveInterval)
	}
	if config.MaxKeep < 0 {
		return nil, fmt.Errorf("max keep cannot be negative, got %d", config.MaxKeep)
	}
	if err := os.MkdirAll(config.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint directory: %w", err)
	}
	return &Manager{config: config}, nil
}

// SaveBest writes a checkpoint for a new best validation success rate
// and removes the previous best files.
func (m *Manager) SaveBest(c *Checkpoint) (string, error) {
	name := fmt.Sprintf("patch_best_e%03d_s%.4f", c.TrainingState.Epoch, c.TrainingState.BestSuccess)
	path := filepath.Join(m.config.Dir, name+".json")

	if err := m.write(c, path, name+".png"); err != nil {
		return "", err
	}
	if m.bestPath != "" && m.bestPath != path {
		removePair(m.bestPath)
	}
	m.bestPath = path
	return path, nil
}

// SavePeriodic writes a checkpoint when the epoch hits the configured
// interval, then prunes periodic checkpoints past MaxKeep. It returns
// an empty path when no save is due.
func (m *Manager) SavePeriodic(c *Checkpoint) (string, error) {
	if m.config.SaveInterval <= 0 || c.TrainingState.Epoch%m.config.SaveInterval != 0 {
		return "", nil
	}

	name := fmt.Sprintf("patch_e%03d", c.TrainingState.Epoch)
	path := filepath.Join(m.config.Dir, name+".json")

	if err := m.write(c, path, name+".png"); err != nil {
		return "", err
	}
	m.periodic = append(m.periodic, path)
	m.prune()
	return path, nil
}

// BestPath returns the current best checkpoint path, or "" before the
// first best save.
func (m *Manager) BestPath() string {
	return m.bestPath
}

func (m *Manager) write(c *Checkpoint, jsonPath, pngName string) error {
	if err := Save(c, jsonPath); err != nil {
		return err
	}
	patch, err := c.RestorePatch()
	if err != nil {
		return err
	}
	return preprocessing.WritePNG(filepath.Join(m.config.Dir, pngName), patch)
}

func (m *Manager) prune() {
	if m.config.MaxKeep <= 0 {
		return
	}
	for len(m.periodic) > m.config.MaxKeep {
		removePair(m.periodic[0])
		m.periodic = m.periodic[1:]
	}
}

// removePair deletes a checkpoint JSON and its PNG sibling, ignoring
// files already gone.
func removePair(jsonPath string) {
	os.Remove(jsonPath)
	os.Remove(strings.TrimSuffix(jsonPath, ".json") + ".png")
}
