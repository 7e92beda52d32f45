package core

import "errors"

// Sentinel errors shared across the index and storage packages. Callers
// match them with errors.Is; wrapped messages carry the call-site detail.
var (
	// ErrDimensionMismatch is returned when a vector's length does not match
	// the dimension the index or detector was created with.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")

	// ErrLengthMismatch is returned when a batch of embeddings and its id
	// list do not have the same length.
	ErrLengthMismatch = errors.New("embeddings and ids must have the same length")

	// ErrCorruptStorage is returned when neither the canonical file nor any
	// backup or in-flight temp file yields a readable dataset.
	ErrCorruptStorage = errors.New("storage unrecoverable: no valid canonical, temp or backup file")
)
