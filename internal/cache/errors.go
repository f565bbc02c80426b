package cache

import "errors"

var (
	// ErrInvalidParameters is returned before key derivation when a request
	// is missing required fields.
	ErrInvalidParameters = errors.New("invalid parameters")

	// ErrGenerationFailure wraps generator errors. Nothing is cached.
	ErrGenerationFailure = errors.New("generation failed")

	// ErrPersistenceUnavailable wraps store errors surfaced to callers.
	ErrPersistenceUnavailable = errors.New("cache unavailable")

	// ErrNotFound is returned by stores for id-addressed updates of missing rows.
	ErrNotFound = errors.New("not found")
)
