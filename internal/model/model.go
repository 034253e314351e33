// Package model defines the core domain types for the event reservation system.
package model

import "time"

// Event represents a bookable event created by an organizer.
//
// Capacity is fixed at creation and only changes through an administrative
// resize; AvailableSeats is the live seat counter and always satisfies
// 0 <= AvailableSeats <= Capacity.
type Event struct {
	ID             string    `json:"id"`
	Title          string    `json:"title"`
	Description    string    `json:"description"`
	Location       string    `json:"location"`
	StartsAt       time.Time `json:"starts_at"`
	UnitPrice      float64   `json:"unit_price"`
	Capacity       int       `json:"capacity"`
	AvailableSeats int       `json:"available_seats"`
	OrganizerID    string    `json:"organizer_id"`
	ImageURL       string    `json:"image_url"`
	Likes          int       `json:"likes"`
	CreatedAt      time.Time `json:"created_at"`
}

// Allocated returns the number of seats currently held by reservations.
func (e *Event) Allocated() int {
	return e.Capacity - e.AvailableSeats
}

// SeatSnapshot is the seat-counter view of an event that the reservation
// engine works with.
type SeatSnapshot struct {
	EventID        string
	UnitPrice      float64
	Capacity       int
	AvailableSeats int
}

// Reservation sources.
const (
	SourceReservation   = "reservation"
	SourceQuickPurchase = "quick_purchase"
)

// AnonymousUserID is the requester recorded for quick purchases.
const AnonymousUserID = "anonymous"

// Reservation is an immutable ledger record of seats allocated on an event.
type Reservation struct {
	ID         string    `json:"id"`
	EventID    string    `json:"event_id"`
	UserID     string    `json:"user_id"`
	Email      string    `json:"email"`
	Seats      int       `json:"seats"`
	TotalPrice float64   `json:"total_price"`
	Source     string    `json:"source"`
	CreatedAt  time.Time `json:"created_at"`
}

// EventSummary is the snapshot of event display fields attached to a
// reservation when listing a user's history.
type EventSummary struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Location  string    `json:"location"`
	StartsAt  time.Time `json:"starts_at"`
	UnitPrice float64   `json:"unit_price"`
}

// ReservationWithEvent joins a reservation with its event at read time.
type ReservationWithEvent struct {
	Reservation
	Event EventSummary `json:"event"`
}

// QuickPurchaseResult is returned by the single-seat purchase path.
type QuickPurchaseResult struct {
	EventID        string      `json:"event_id"`
	AvailableSeats int         `json:"available_seats"`
	Reservation    Reservation `json:"reservation"`
}

// CreateEventRequest is the payload for creating a new event.
type CreateEventRequest struct {
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Location    string    `json:"location"`
	StartsAt    time.Time `json:"starts_at"`
	UnitPrice   float64   `json:"unit_price"`
	Capacity    int       `json:"capacity"`
	OrganizerID string    `json:"organizer_id"`
	ImageURL    string    `json:"image_url"`
}

// UpdateEventRequest carries the display fields and price of an event.
// Seat counts are not part of it.
type UpdateEventRequest struct {
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Location    string    `json:"location"`
	StartsAt    time.Time `json:"starts_at"`
	UnitPrice   float64   `json:"unit_price"`
	ImageURL    string    `json:"image_url"`
}

// ResizeRequest is the payload for an administrative capacity change.
type ResizeRequest struct {
	Capacity int `json:"capacity"`
}

// ReserveRequest is the payload for reserving seats on an event.
type ReserveRequest struct {
	Email  string `json:"email"`
	Seats  int    `json:"seats"`
	UserID string `json:"user_id"`
}

// ErrorResponse is a standard JSON error envelope.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}
