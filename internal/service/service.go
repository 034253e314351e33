// Package service implements business logic, validation, and orchestration
// between HTTP handlers and the storage layer.
package service

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Shivanand-hulikatti/event-reservations/internal/model"
)

// EventService orchestrates event metadata operations. Seat counts are only
// ever changed through the ReservationService.
type EventService struct {
	events EventStore
	engine *ReservationService
	log    *zap.Logger
	now    func() time.Time
}

// NewEventService constructs an EventService with its dependencies.
func NewEventService(events EventStore, engine *ReservationService, log *zap.Logger) *EventService {
	return &EventService{
		events: events,
		engine: engine,
		log:    log,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// CreateEvent validates the request and stores the event with all of its
// capacity available.
func (s *EventService) CreateEvent(ctx context.Context, req model.CreateEventRequest) (*model.Event, error) {
	req.Title = strings.TrimSpace(req.Title)
	if req.Title == "" {
		return nil, fmt.Errorf("%w: title is required", model.ErrInvalidRequest)
	}
	if err := validatePrice(req.UnitPrice); err != nil {
		return nil, err
	}
	if req.Capacity <= 0 {
		return nil, fmt.Errorf("%w: capacity must be a positive integer", model.ErrInvalidRequest)
	}
	if req.Capacity > MaxCapacity {
		return nil, fmt.Errorf("%w: capacity cannot exceed 100,000", model.ErrInvalidRequest)
	}
	if req.StartsAt.IsZero() {
		return nil, fmt.Errorf("%w: starts_at is required", model.ErrInvalidRequest)
	}

	e := &model.Event{
		ID:             uuid.New().String(),
		Title:          req.Title,
		Description:    strings.TrimSpace(req.Description),
		Location:       strings.TrimSpace(req.Location),
		StartsAt:       req.StartsAt.UTC(),
		UnitPrice:      req.UnitPrice,
		Capacity:       req.Capacity,
		AvailableSeats: req.Capacity,
		OrganizerID:    strings.TrimSpace(req.OrganizerID),
		ImageURL:       strings.TrimSpace(req.ImageURL),
		CreatedAt:      s.now(),
	}
	if err := s.events.Create(ctx, e); err != nil {
		return nil, fmt.Errorf("create event: %w", err)
	}

	s.log.Info("event created",
		zap.String("event_id", e.ID),
		zap.Int("capacity", e.Capacity),
		zap.Float64("unit_price", e.UnitPrice),
	)
	return e, nil
}

// ListEvents returns all events, newest first.
func (s *EventService) ListEvents(ctx context.Context) ([]model.Event, error) {
	return nonNil(s.events.List(ctx))
}

// SearchEvents returns events whose title contains query. An empty query
// lists everything.
func (s *EventService) SearchEvents(ctx context.Context, query string) ([]model.Event, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return s.ListEvents(ctx)
	}
	return nonNil(s.events.Search(ctx, query))
}

// ListByOrganizer returns the events of one organizer.
func (s *EventService) ListByOrganizer(ctx context.Context, organizerID string) ([]model.Event, error) {
	return nonNil(s.events.ListByOrganizer(ctx, strings.TrimSpace(organizerID)))
}

// GetEvent returns a single event by ID.
func (s *EventService) GetEvent(ctx context.Context, id string) (*model.Event, error) {
	if id == "" {
		return nil, model.ErrEventNotFound
	}
	return s.events.GetByID(ctx, id)
}

// UpdateEvent rewrites the display fields and unit price. Existing
// reservations keep the price they were made at.
func (s *EventService) UpdateEvent(ctx context.Context, id string, req model.UpdateEventRequest) (*model.Event, error) {
	req.Title = strings.TrimSpace(req.Title)
	if req.Title == "" {
		return nil, fmt.Errorf("%w: title is required", model.ErrInvalidRequest)
	}
	if err := validatePrice(req.UnitPrice); err != nil {
		return nil, err
	}
	if req.StartsAt.IsZero() {
		return nil, fmt.Errorf("%w: starts_at is required", model.ErrInvalidRequest)
	}
	req.StartsAt = req.StartsAt.UTC()
	return s.events.UpdateDetails(ctx, id, req)
}

// LikeEvent increments the like counter.
func (s *EventService) LikeEvent(ctx context.Context, id string) (*model.Event, error) {
	return s.events.IncrementLikes(ctx, id)
}

// DeleteEvent removes an event and its reservations.
func (s *EventService) DeleteEvent(ctx context.Context, id string) error {
	_, err := s.engine.DeleteEvent(ctx, id)
	return err
}

func validatePrice(p float64) error {
	if math.IsNaN(p) || math.IsInf(p, 0) || p < 0 {
		return fmt.Errorf("%w: unit_price must be a non-negative number", model.ErrInvalidRequest)
	}
	return nil
}

func nonNil(events []model.Event, err error) ([]model.Event, error) {
	if err != nil {
		return nil, err
	}
	if events == nil {
		events = []model.Event{}
	}
	return events, nil
}

// isValidEmail does a basic structural check (no external deps).
func isValidEmail(email string) bool {
	parts := strings.Split(email, "@")
	if len(parts) != 2 {
		return false
	}
	return len(parts[0]) > 0 && strings.Contains(parts[1], ".")
}
