package repository

import (
	"fmt"

	"github.com/fahrettinrizaergin/docker-manager/internal/domain"
)

// Repository errors wrap the domain taxonomy so callers can match either.
var (
	// ErrNotFound indicates an entity was not located.
	ErrNotFound = fmt.Errorf("repository: %w", domain.ErrNotFound)
	// ErrConflict indicates a uniqueness violation.
	ErrConflict = fmt.Errorf("repository: %w", domain.ErrConflict)
	// ErrInvalidArgument indicates a constraint violation on input data.
	ErrInvalidArgument = fmt.Errorf("repository: %w", domain.ErrValidation)
	// ErrTerminal indicates an attempt to mutate a finished deployment record.
	ErrTerminal = fmt.Errorf("repository: deployment already finished: %w", domain.ErrConflict)
)
