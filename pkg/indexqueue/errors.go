package indexqueue

import "errors"

// Rebuild-class errors: the caller must delete the checkpoint file and let
// replay rebuild it from the logs alone.
var (
	// ErrCorrupt indicates the checkpoint file's CHECKPOINT_MARKER was left
	// at "in progress" (a crash during a prior checkpoint), or its header
	// otherwise fails validation.
	ErrCorrupt = errors.New("indexqueue: corrupt checkpoint")

	// ErrCapacityMismatch indicates the file's size disagrees with the
	// configured capacity. Capacity cannot be changed after creation.
	ErrCapacityMismatch = errors.New("indexqueue: capacity cannot be changed")

	// ErrIncompatibleVersion indicates the on-disk VERSION does not match
	// the version this build understands.
	ErrIncompatibleVersion = errors.New("indexqueue: incompatible checkpoint version")
)

// ErrTooManyActiveLogs indicates an ActiveFileTable increment would exceed
// MaxActiveLogs entries. Fatal: indicates misconfiguration (too many log
// files alive at once for a single channel).
var ErrTooManyActiveLogs = errors.New("indexqueue: too many active log files")

// ErrClosed is returned by operations on a queue whose Close has already
// been called.
var ErrClosed = errors.New("indexqueue: closed")
