package service

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidTransition is returned when the requested event is unknown or
	// not defined for the target's current state.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrForbidden is returned when the actor's role or identity may not
	// perform the requested event.
	ErrForbidden = errors.New("forbidden")

	// ErrChainBroken is returned by Reconcile when the item's chain fails
	// verification and cannot be trusted as the source of status.
	ErrChainBroken = errors.New("provenance chain broken")
)

// TransitionError describes a rejected transition. It matches
// ErrInvalidTransition with errors.Is.
type TransitionError struct {
	Event         string
	CurrentStatus string
	AllowedEvents []string
}

func (e *TransitionError) Error() string {
	if e.CurrentStatus == "" {
		return fmt.Sprintf("invalid transition: unknown event %q", e.Event)
	}
	return fmt.Sprintf("invalid transition: %q not allowed from %q (allowed: %s)",
		e.Event, e.CurrentStatus, strings.Join(e.AllowedEvents, ", "))
}

func (e *TransitionError) Is(target error) bool { return target == ErrInvalidTransition }

func forbidden(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrForbidden, fmt.Sprintf(format, args...))
}
