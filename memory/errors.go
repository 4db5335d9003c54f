package memory

import "errors"

var (
	// ErrEmbeddingUnavailable means the embedding provider kept failing
	// until the retry budget or the context ran out.
	ErrEmbeddingUnavailable = errors.New("embedding provider unavailable")

	// ErrNotFound means no record exists for the given key or
	// (owner, message id).
	ErrNotFound = errors.New("record not found")

	// ErrKeyExists means a record key is taken by a different record.
	ErrKeyExists = errors.New("record key already exists")

	// ErrAlreadyLinked means the record or the (owner, message id) pair
	// is already linked to something else.
	ErrAlreadyLinked = errors.New("record already linked")

	// ErrStoreUnavailable means the record store kept failing.
	ErrStoreUnavailable = errors.New("record store unavailable")

	// ErrIndexUnavailable means the vector index kept failing.
	ErrIndexUnavailable = errors.New("vector index unavailable")

	// ErrTransient marks backend failures worth retrying.
	ErrTransient = errors.New("transient backend failure")

	// ErrInvalidLimit means a search was asked for k <= 0 results.
	ErrInvalidLimit = errors.New("search limit must be positive")

	// ErrEmptyText means the message or query has no content.
	ErrEmptyText = errors.New("text is empty")

	// ErrInvalidExternalID means a transport id was not positive.
	ErrInvalidExternalID = errors.New("external message id must be positive")

	// ErrDimensionMismatch means a vector does not match the index.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")

	// ErrUnsupportedMetric means the metric is unknown or not served by
	// the backend.
	ErrUnsupportedMetric = errors.New("unsupported distance metric")

	// ErrIndexNotReady means the index was used before EnsureIndex.
	ErrIndexNotReady = errors.New("vector index not created")
)
