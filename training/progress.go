package training

import (
	"fmt"
	"strings"
	"time"
)

// ProgressBar renders per-batch progress for one training or validation
// pass, with elapsed/remaining time and the running loss and success
// rate.
type ProgressBar struct {
	description string
	total       int
	current     int
	startTime   time.Time
	width       int
	silent      bool
}

// NewProgressBar creates a progress bar over total batches.
func NewProgressBar(description string, total int) *ProgressBar {
	return &ProgressBar{
		description: description,
		total:       total,
		startTime:   time.Now(),
		width:       40,
	}
}

// Silence suppresses rendering; Update still tracks progress.
func (pb *ProgressBar) Silence() {
	pb.silent = true
}

// Update advances the bar and redraws it with the running metrics.
func (pb *ProgressBar) Update(step int, loss, success float64) {
	pb.current = step
	pb.render(loss, success)
}

// Finish completes the bar and moves to the next line.
func (pb *ProgressBar) Finish(loss, success float64) {
	pb.current = pb.total
	pb.render(loss, success)
	if !pb.silent {
		fmt.Println()
	}
}

func (pb *ProgressBar) render(loss, success float64) {
	if pb.silent || pb.total <= 0 {
		return
	}

	percentage := float64(pb.current) / float64(pb.total)
	if percentage > 1.0 {
		percentage = 1.0
	}

	filled := int(percentage * float64(pb.width))
	if filled > pb.width {
		filled = pb.width
	}
	bar := strings.Repeat("█", filled) + strings.Repeat(" ", pb.width-filled)

	elapsed := time.Since(pb.startTime)
	var eta time.Duration
	var rate float64
	if pb.current > 0 {
		rate = float64(pb.current) / elapsed.Seconds()
		if percentage > 0 {
			eta = time.Duration(float64(elapsed)/percentage) - elapsed
		}
	}

	line := fmt.Sprintf("\r%s: %3.0f%%|%s| %d/%d [%s<%s",
		pb.description,
		percentage*100,
		bar,
		pb.current,
		pb.total,
		formatDuration(elapsed),
		formatDuration(eta),
	)
	if rate > 0 {
		line += fmt.Sprintf(", %.2fbatch/s", rate)
	}
	line += fmt.Sprintf(", loss=%.4f, success=%.4f]", loss, success)

	fmt.Print(line)
}

// formatDuration formats a duration as MM:SS.
func formatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	minutes := int(d.Minutes())
	seconds := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d", minutes, seconds)
}
