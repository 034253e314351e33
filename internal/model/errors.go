package model

import "errors"

var (
	// ErrInvalidRequest is returned for malformed input. It is never retried.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrEventNotFound is returned when the referenced event does not exist.
	ErrEventNotFound = errors.New("event not found")

	// ErrReservationNotFound is returned when a reservation does not exist,
	// including one that was already cancelled.
	ErrReservationNotFound = errors.New("reservation not found")

	// ErrInsufficientCapacity is returned when an allocation would exceed the
	// seats still available. Nothing is mutated.
	ErrInsufficientCapacity = errors.New("insufficient capacity")

	// ErrCapacityOverflow is returned when a release would push the seat
	// counter above the event capacity. It signals ledger/counter drift.
	ErrCapacityOverflow = errors.New("release exceeds event capacity")

	// ErrDanglingReference is returned when a reservation points at an event
	// that no longer exists.
	ErrDanglingReference = errors.New("reservation references a missing event")

	// ErrActiveReservations is returned when a resize would drop capacity
	// below the seats already allocated.
	ErrActiveReservations = errors.New("capacity below allocated seats")

	// ErrTransientStorage marks failures that are safe to retry: serialization
	// conflicts, deadlocks, lock wait timeouts and lost connections.
	ErrTransientStorage = errors.New("transient storage failure")
)

// IsInconsistency reports whether err is a consistency defect rather than a
// business rejection.
func IsInconsistency(err error) bool {
	return errors.Is(err, ErrDanglingReference) || errors.Is(err, ErrCapacityOverflow)
}
