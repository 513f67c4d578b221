package incidents

import (
	"errors"
	"fmt"
)

// Sentinel errors for incident operations.
var (
	ErrIncidentNotFound  = errors.New("incident not found")
	ErrValidation        = errors.New("validation error")
	ErrAlreadyClaimed    = errors.New("someone is already responding")
	ErrNotOwner          = errors.New("incident is owned by another responder")
	ErrAlreadyResolved   = errors.New("incident already resolved")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrLevelNotHigher    = errors.New("escalation level must be higher than current level")
	ErrForbidden         = errors.New("insufficient permissions")
	ErrVersionConflict   = errors.New("incident was modified concurrently")
	ErrStoreUnavailable  = errors.New("incident store unavailable")
)

// AlreadyClaimedError reports who owns the incident a claim lost against.
type AlreadyClaimedError struct {
	By string
}

func (e *AlreadyClaimedError) Error() string {
	return fmt.Sprintf("%s: claimed by %s", ErrAlreadyClaimed, e.By)
}

// Is makes errors.Is(err, ErrAlreadyClaimed) match.
func (e *AlreadyClaimedError) Is(target error) bool {
	return target == ErrAlreadyClaimed
}

// ErrorFields tells the losing responder who got there first.
func (e *AlreadyClaimedError) ErrorFields() map[string]any {
	return map[string]any{"claimed_by": e.By}
}

// ValidationError carries the reason an input was rejected.
type ValidationError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s: %s", ErrValidation, e.Reason)
	}
	return fmt.Sprintf("%s: %s %s", ErrValidation, e.Field, e.Reason)
}

// Is makes errors.Is(err, ErrValidation) match.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}
