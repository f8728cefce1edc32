package domain

import "errors"

// Sentinel errors shared across components. Callers classify failures with
// errors.Is; the HTTP layer maps them to status codes.
var (
	// ErrDatasetUnavailable means the dataset root could not be read while
	// building the farm index. Fatal at startup.
	ErrDatasetUnavailable = errors.New("dataset unavailable")

	// ErrNotFound is returned for unknown farms, images or annotators.
	ErrNotFound = errors.New("not found")

	// ErrNoBatchesAvailable means every batch is claimed or completed.
	ErrNoBatchesAvailable = errors.New("no batches available")

	// ErrNotClaimant is returned when release or complete is attempted by
	// an annotator that does not hold the batch.
	ErrNotClaimant = errors.New("annotator is not the claimant of this batch")

	// ErrNoSelection is returned when a save carries no selected image.
	ErrNoSelection = errors.New("no image selected")

	// ErrNoActiveBatch is returned for session operations without a
	// claimed batch.
	ErrNoActiveBatch = errors.New("no active batch")

	// ErrRenderFailure means a thumbnail could not be generated from its
	// source image. Recovered locally by serving a placeholder.
	ErrRenderFailure = errors.New("thumbnail render failure")
)
