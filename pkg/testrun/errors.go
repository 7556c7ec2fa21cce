package testrun

import "errors"

// Sentinel errors classified by the API layer into response statuses.
var (
	// ErrNotFound marks lookups for unknown test sets or runs.
	ErrNotFound = errors.New("not found")

	// ErrConflict marks a submission refused because a run is active.
	ErrConflict = errors.New("a test run is already active")

	// ErrStaleStatus marks a conditional status write that lost to a
	// concurrent transition.
	ErrStaleStatus = errors.New("test run status changed concurrently")
)
