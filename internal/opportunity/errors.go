package opportunity

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("opportunity not found")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// DuplicateOpportunityError is raised internally when a key already exists.
// Stores treat it as a no-op and report created=false instead of failing.
type DuplicateOpportunityError struct {
	Key Key
}

func (e *DuplicateOpportunityError) Error() string {
	return fmt.Sprintf("opportunity %s already recorded", e.Key)
}

// TransitionError wraps ErrInvalidTransition with the offending states.
func TransitionError(id string, from, to Status) error {
	return fmt.Errorf("%w: %s %s -> %s", ErrInvalidTransition, id, from, to)
}
