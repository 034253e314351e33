package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Shivanand-hulikatti/event-reservations/internal/model"
)

// SeatRepository is the seat counter stored on the events row.
//
// Every mutation is a single conditional UPDATE, so the bounds
// 0 <= available_seats <= capacity hold even without an enclosing
// transaction. Inside a transaction, Snapshot takes a row lock first:
//
//	SELECT … FOR UPDATE acquires a row-level exclusive lock on the event row.
//	Any other transaction that attempts the same SELECT … FOR UPDATE on that
//	row blocks until the first one commits or rolls back, which serialises
//	read-then-write sequences across every instance sharing the database.
type SeatRepository struct {
	db *pgxpool.Pool
}

// NewSeatRepository constructs a SeatRepository.
func NewSeatRepository(db *pgxpool.Pool) *SeatRepository {
	return &SeatRepository{db: db}
}

// Snapshot locks the event row for the rest of the current transaction and
// returns its pricing and seat figures.
func (r *SeatRepository) Snapshot(ctx context.Context, eventID string) (model.SeatSnapshot, error) {
	var s model.SeatSnapshot
	err := conn(ctx, r.db).QueryRow(ctx,
		`SELECT id, unit_price, capacity, available_seats
		 FROM events
		 WHERE id = $1
		 FOR UPDATE`,
		eventID,
	).Scan(&s.EventID, &s.UnitPrice, &s.Capacity, &s.AvailableSeats)
	if err != nil {
		return model.SeatSnapshot{}, eventLookupError("lock event row", err)
	}
	return s, nil
}

// TryAllocate decrements the counter by n when at least n seats remain and
// returns the new count.
func (r *SeatRepository) TryAllocate(ctx context.Context, eventID string, n int) (int, error) {
	if n < 1 {
		return 0, fmt.Errorf("%w: seats must be at least 1", model.ErrInvalidRequest)
	}
	var remaining int
	err := conn(ctx, r.db).QueryRow(ctx,
		`UPDATE events
		 SET available_seats = available_seats - $2
		 WHERE id = $1 AND available_seats >= $2
		 RETURNING available_seats`,
		eventID, n,
	).Scan(&remaining)
	if err == nil {
		return remaining, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, eventLookupError("allocate seats", err)
	}
	return 0, r.missOrElse(ctx, eventID, model.ErrInsufficientCapacity)
}

// Release increments the counter by n. A release that would exceed the
// stored capacity is refused with model.ErrCapacityOverflow.
func (r *SeatRepository) Release(ctx context.Context, eventID string, n int) (int, error) {
	if n < 1 {
		return 0, fmt.Errorf("%w: seats must be at least 1", model.ErrInvalidRequest)
	}
	var available int
	err := conn(ctx, r.db).QueryRow(ctx,
		`UPDATE events
		 SET available_seats = available_seats + $2
		 WHERE id = $1 AND available_seats + $2 <= capacity
		 RETURNING available_seats`,
		eventID, n,
	).Scan(&available)
	if err == nil {
		return available, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, eventLookupError("release seats", err)
	}
	return 0, r.missOrElse(ctx, eventID, model.ErrCapacityOverflow)
}

// Resize changes the capacity and shifts the available seats by the same
// delta. Shrinking below the seats already allocated is refused.
func (r *SeatRepository) Resize(ctx context.Context, eventID string, capacity int) (model.SeatSnapshot, error) {
	var s model.SeatSnapshot
	err := conn(ctx, r.db).QueryRow(ctx,
		`UPDATE events
		 SET capacity = $2, available_seats = available_seats + ($2 - capacity)
		 WHERE id = $1 AND capacity - available_seats <= $2
		 RETURNING id, unit_price, capacity, available_seats`,
		eventID, capacity,
	).Scan(&s.EventID, &s.UnitPrice, &s.Capacity, &s.AvailableSeats)
	if err == nil {
		return s, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return model.SeatSnapshot{}, eventLookupError("resize event", err)
	}
	return model.SeatSnapshot{}, r.missOrElse(ctx, eventID, model.ErrActiveReservations)
}

// missOrElse distinguishes a missing event from a refused conditional update.
func (r *SeatRepository) missOrElse(ctx context.Context, eventID string, refused error) error {
	var exists bool
	err := conn(ctx, r.db).QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM events WHERE id = $1)`, eventID,
	).Scan(&exists)
	if err != nil {
		return eventLookupError("check event", err)
	}
	if !exists {
		return model.ErrEventNotFound
	}
	return refused
}
