package training

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"time"

	"gonum.org/v1/gonum/stat"
)

// EpochMetrics summarizes one epoch of patch training.
type EpochMetrics struct {
	Epoch        int
	TrainLoss    float64
	TrainSuccess float64
	ValLoss      float64
	ValSuccess   float64
	BatchLossStd float64
	LearningRate float64
	Duration     time.Duration
	Samples      int
	Skipped      int
}

// epochTracker accumulates per-sample results during one training or
// validation pass.
type epochTracker struct {
	lossSum     float64
	successSum  float64
	samples     int
	skipped     int
	batchLosses []float64
}

func (t *epochTracker) addSample(loss, success float64) {
	t.lossSum += loss
	t.successSum += success
	t.samples++
}

func (t *epochTracker) addBatch(meanLoss float64) {
	t.batchLosses = append(t.batchLosses, meanLoss)
}

func (t *epochTracker) skip() {
	t.skipped++
}

func (t *epochTracker) meanLoss() float64 {
	if t.samples == 0 {
		return 0
	}
	return t.lossSum / float64(t.samples)
}

func (t *epochTracker) meanSuccess() float64 {
	if t.samples == 0 {
		return 0
	}
	return t.successSum / float64(t.samples)
}

// lossSpread reports the standard deviation of per-batch mean losses, a
// cheap view of how uneven the transform draws were within the epoch.
func (t *epochTracker) lossSpread() float64 {
	if len(t.batchLosses) < 2 {
		return 0
	}
	_, std := stat.MeanStdDev(t.batchLosses, nil)
	return std
}

// WriteCSV writes the training log in the layout offline plotting
// expects: epoch,train_loss,val_loss,train_success,val_success. The
// file is rewritten whole each call so it is always consistent.
func WriteCSV(path string, history []EpochMetrics) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create training log: %w", err)
	}
	defer file.Close()

	w := csv.NewWriter(file)
	if err := w.Write([]string{"epoch", "train_loss", "val_loss", "train_success", "val_success"}); err != nil {
		return fmt.Errorf("failed to write training log header: %w", err)
	}
	for _, m := range history {
		record := []string{
			strconv.Itoa(m.Epoch),
			strconv.FormatFloat(m.TrainLoss, 'f', 6, 64),
			strconv.FormatFloat(m.ValLoss, 'f', 6, 64),
			strconv.FormatFloat(m.TrainSuccess, 'f', 6, 64),
			strconv.FormatFloat(m.ValSuccess, 'f', 6, 64),
		}
		if err := w.Write(record); err != nil {
			return fmt.Errorf("failed to write training log row: %w", err)
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("failed to flush training log: %w", err)
	}
	return nil
}
