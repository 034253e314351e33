// Package queue defines the reservation lifecycle messages and publishes
// them to RabbitMQ after the corresponding state change has committed.
package queue

import "time"

// Queue names double as event types.
const (
	ReservationCreated   = "reservation.created"
	ReservationCancelled = "reservation.cancelled"
)

// ReservationEvent carries enough for downstream consumers (mailers,
// analytics) to act without querying the primary database.
type ReservationEvent struct {
	Type           string    `json:"type"`
	ReservationID  string    `json:"reservation_id"`
	EventID        string    `json:"event_id"`
	UserID         string    `json:"user_id"`
	Email          string    `json:"email,omitempty"`
	Seats          int       `json:"seats"`
	TotalPrice     float64   `json:"total_price"`
	Source         string    `json:"source"`
	AvailableSeats int       `json:"available_seats"`
	OccurredAt     time.Time `json:"occurred_at"`
}
