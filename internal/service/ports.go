package service

import (
	"context"

	"github.com/Shivanand-hulikatti/event-reservations/internal/model"
	"github.com/Shivanand-hulikatti/event-reservations/internal/queue"
)

// Transactor runs fn as one atomic unit of work. Stores called with the
// context passed to fn take part in the same unit.
type Transactor interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// EventDirectory is the part of the event store the reservation engine needs.
type EventDirectory interface {
	GetByID(ctx context.Context, id string) (*model.Event, error)
	Delete(ctx context.Context, id string) error
}

// EventStore persists event metadata.
type EventStore interface {
	EventDirectory
	Create(ctx context.Context, e *model.Event) error
	List(ctx context.Context) ([]model.Event, error)
	Search(ctx context.Context, query string) ([]model.Event, error)
	ListByOrganizer(ctx context.Context, organizerID string) ([]model.Event, error)
	UpdateDetails(ctx context.Context, id string, req model.UpdateEventRequest) (*model.Event, error)
	IncrementLikes(ctx context.Context, id string) (*model.Event, error)
}

// SeatCounter owns the live seat count of each event.
type SeatCounter interface {
	Snapshot(ctx context.Context, eventID string) (model.SeatSnapshot, error)
	TryAllocate(ctx context.Context, eventID string, n int) (int, error)
	Release(ctx context.Context, eventID string, n int) (int, error)
	Resize(ctx context.Context, eventID string, capacity int) (model.SeatSnapshot, error)
}

// Ledger stores active reservation records.
type Ledger interface {
	Insert(ctx context.Context, res *model.Reservation) error
	GetByID(ctx context.Context, id string) (*model.Reservation, error)
	FindByEvent(ctx context.Context, eventID string) ([]model.Reservation, error)
	FindByUser(ctx context.Context, userID string) ([]model.ReservationWithEvent, error)
	DeleteByID(ctx context.Context, id string) error
	DeleteByEvent(ctx context.Context, eventID string) (int, error)
}

// Publisher emits reservation lifecycle events.
type Publisher interface {
	Publish(ctx context.Context, ev queue.ReservationEvent) error
}
