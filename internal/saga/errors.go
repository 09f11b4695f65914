// Package saga holds the error taxonomy shared by every participant of the
// order saga. Handlers classify failures with errors.Is against these values.
package saga

import (
	"errors"
	"fmt"
)

var (
	// ErrIllegalStateTransition is returned when an operation is not allowed
	// in the aggregate's current state. It is never retried.
	ErrIllegalStateTransition = errors.New("illegal state transition")

	// ErrNotFound is returned when a referenced aggregate does not exist (yet).
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned to the losing writer of a concurrent update.
	ErrConflict = errors.New("concurrent modification")

	// ErrInvalidArgument is returned for malformed input.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrDuplicate is returned when an aggregate with the same identity exists.
	ErrDuplicate = errors.New("already exists")

	// ErrPremature marks a message that arrived before the message carrying
	// its prerequisite. Redelivery later will succeed.
	ErrPremature = errors.New("prerequisite not processed yet")

	// ErrUpstream is returned when a synchronous collaborator such as the
	// payment gateway failed or is unavailable.
	ErrUpstream = errors.New("upstream service failed")
)

// TransitionError describes a rejected state transition. Premature is set
// when the aggregate is still behind the required state on its forward path,
// so the same transition can become legal once earlier events are applied.
type TransitionError struct {
	Aggregate string
	ID        string
	From      string
	Action    string
	Premature bool
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s %s: cannot %s from %s", e.Aggregate, e.ID, e.Action, e.From)
}

func (e *TransitionError) Unwrap() error {
	return ErrIllegalStateTransition
}

// IllegalTransition builds a TransitionError.
func IllegalTransition(aggregate, id, from, action string) error {
	return &TransitionError{Aggregate: aggregate, ID: id, From: from, Action: action}
}

// PrematureTransition builds a TransitionError for an aggregate that has
// not reached the prerequisite state yet.
func PrematureTransition(aggregate, id, from, action string) error {
	return &TransitionError{Aggregate: aggregate, ID: id, From: from, Action: action, Premature: true}
}

// NotFound wraps ErrNotFound with the missing aggregate.
func NotFound(aggregate, id string) error {
	return fmt.Errorf("%s %s: %w", aggregate, id, ErrNotFound)
}

// Conflict wraps ErrConflict with the aggregate that lost the race.
func Conflict(aggregate, id string) error {
	return fmt.Errorf("%s %s: %w", aggregate, id, ErrConflict)
}

// Invalid wraps ErrInvalidArgument.
func Invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}

// IsPremature reports whether err is worth redelivering because the
// message overtook its prerequisite.
func IsPremature(err error) bool {
	if errors.Is(err, ErrPremature) {
		return true
	}
	var te *TransitionError
	return errors.As(err, &te) && te.Premature
}

// IsPermanent reports whether redelivering the message that caused err can
// never succeed. Everything else is treated as an infrastructure failure.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrIllegalStateTransition) ||
		errors.Is(err, ErrInvalidArgument) ||
		errors.Is(err, ErrDuplicate)
}
