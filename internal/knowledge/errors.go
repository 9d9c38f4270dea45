package knowledge

import "errors"

var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrDuplicateName indicates an agent config with the same name exists.
	ErrDuplicateName = errors.New("agent config name already exists")

	// ErrInvalidEmbedding indicates a vector with the wrong dimensionality.
	ErrInvalidEmbedding = errors.New("invalid embedding dimensionality")
)
