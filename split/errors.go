package split

import "errors"

var (
	// ErrTaskFailed wraps the failure of one pipeline task. Per-file and
	// per-chunk failures are carried in their results; the pipeline
	// itself fails only when no input is usable or a requested
	// verification cannot complete.
	ErrTaskFailed = errors.New("split: task failed")

	// ErrCancelled marks work declined because the pipeline's context
	// ended before the task ran to completion.
	ErrCancelled = errors.New("split: cancelled")

	// ErrNoInput is returned when the input directory holds no trace
	// files, or none of them produced usable metadata.
	ErrNoInput = errors.New("split: no usable input files")
)

// errStopIteration ends an eachLine walk early; never escapes the package.
var errStopIteration = errors.New("split: stop iteration")
