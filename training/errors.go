package training

import "errors"

// Two failure classes terminate a run; everything else is recovered
// locally. Configuration problems and numeric divergence wrap these
// sentinels so callers can errors.Is them. Per-sample failures (a host
// that fails to decode, transform, or classify) are reported through
// the sample error handler and skipped.
var (
	// ErrInvalidConfig marks configuration that cannot produce a valid
	// run, such as a patch that cannot fit the host images at maximum
	// scale.
	ErrInvalidConfig = errors.New("invalid training configuration")

	// ErrDiverged marks a non-finite training loss. The patch is no
	// longer trustworthy, so the run aborts; the last checkpoint on
	// disk remains usable.
	ErrDiverged = errors.New("training loss is not finite")
)
