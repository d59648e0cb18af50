package btscan

import "errors"

var (
	// ErrCorrupted reports a structural invariant violation: a right-link
	// walk that falls off the end of a level, a left-link that never
	// converges, or duplicate row locators on one page. Wrapped errors
	// carry the detail; match with errors.Is.
	ErrCorrupted = errors.New("index corruption detected")

	// ErrInvalidScanKey reports a malformed scan key list: an attribute
	// outside the schema, a null comparison value on an ordinary
	// operator, or row-comparison members on non-consecutive attributes.
	ErrInvalidScanKey = errors.New("invalid scan key")

	// ErrBackwardParallel reports a backward First on a parallel scan.
	// Parallel scans hand out pages left to right only.
	ErrBackwardParallel = errors.New("parallel scans cannot run backward")
)
