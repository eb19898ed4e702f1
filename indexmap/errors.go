package indexmap

import "errors"

// Errors are reported only on the rank that detects them. A caller that
// wants every rank to fail together must agree on it with its own collective
// after catching one of these.
var (
	// ErrInvalidGhostOwner is returned when a ghost names an owner rank that
	// does not own its global index under the group's numbering.
	ErrInvalidGhostOwner = errors.New("ghost owner does not own global index")

	// ErrSelfGhost is returned when a ghost falls in the caller's own range.
	ErrSelfGhost = errors.New("ghost index is owned by this rank")

	// ErrDuplicateGhost is returned when one map ghosts a global index twice.
	ErrDuplicateGhost = errors.New("global index ghosted more than once")

	ErrNotLocal                  = errors.New("index is not local to this rank")
	ErrShapeMismatch             = errors.New("shape mismatch")
	ErrEmptyOrDuplicateSelection = errors.New("selection is empty or contains duplicates")
)
