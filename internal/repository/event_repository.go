package repository

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Shivanand-hulikatti/event-reservations/internal/model"
)

const eventColumns = `id, title, description, location, starts_at, unit_price, capacity,
	available_seats, organizer_id, image_url, likes, created_at`

// EventRepository handles persistence for event metadata. It never writes
// the seat counter; see SeatRepository.
type EventRepository struct {
	db *pgxpool.Pool
}

// NewEventRepository constructs an EventRepository.
func NewEventRepository(db *pgxpool.Pool) *EventRepository {
	return &EventRepository{db: db}
}

// Create inserts a fully populated event.
func (r *EventRepository) Create(ctx context.Context, e *model.Event) error {
	_, err := conn(ctx, r.db).Exec(ctx,
		`INSERT INTO events (`+eventColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		e.ID, e.Title, e.Description, e.Location, e.StartsAt, e.UnitPrice, e.Capacity,
		e.AvailableSeats, e.OrganizerID, e.ImageURL, e.Likes, e.CreatedAt,
	)
	if err != nil {
		return classify("insert event", err)
	}
	return nil
}

// GetByID returns a single event or model.ErrEventNotFound.
func (r *EventRepository) GetByID(ctx context.Context, id string) (*model.Event, error) {
	row := conn(ctx, r.db).QueryRow(ctx, `SELECT `+eventColumns+` FROM events WHERE id = $1`, id)
	e, err := scanEvent(row)
	if err != nil {
		return nil, eventLookupError("get event", err)
	}
	return e, nil
}

// List returns all events ordered by creation time descending.
func (r *EventRepository) List(ctx context.Context) ([]model.Event, error) {
	return r.query(ctx, "list events",
		`SELECT `+eventColumns+` FROM events ORDER BY created_at DESC`)
}

// Search returns events whose title contains query, ignoring case.
func (r *EventRepository) Search(ctx context.Context, query string) ([]model.Event, error) {
	return r.query(ctx, "search events",
		`SELECT `+eventColumns+` FROM events
		 WHERE title ILIKE '%' || $1 || '%' ESCAPE '\'
		 ORDER BY created_at DESC`,
		escapeLike(query),
	)
}

// ListByOrganizer returns the events created by one organizer.
func (r *EventRepository) ListByOrganizer(ctx context.Context, organizerID string) ([]model.Event, error) {
	return r.query(ctx, "list events by organizer",
		`SELECT `+eventColumns+` FROM events WHERE organizer_id = $1 ORDER BY created_at DESC`,
		organizerID,
	)
}

// UpdateDetails rewrites display fields and the unit price. Seat columns are
// left untouched.
func (r *EventRepository) UpdateDetails(ctx context.Context, id string, req model.UpdateEventRequest) (*model.Event, error) {
	row := conn(ctx, r.db).QueryRow(ctx,
		`UPDATE events
		 SET title = $2, description = $3, location = $4, starts_at = $5, unit_price = $6, image_url = $7
		 WHERE id = $1
		 RETURNING `+eventColumns,
		id, req.Title, req.Description, req.Location, req.StartsAt, req.UnitPrice, req.ImageURL,
	)
	e, err := scanEvent(row)
	if err != nil {
		return nil, eventLookupError("update event", err)
	}
	return e, nil
}

// IncrementLikes bumps the like counter atomically.
func (r *EventRepository) IncrementLikes(ctx context.Context, id string) (*model.Event, error) {
	row := conn(ctx, r.db).QueryRow(ctx,
		`UPDATE events SET likes = likes + 1 WHERE id = $1 RETURNING `+eventColumns, id)
	e, err := scanEvent(row)
	if err != nil {
		return nil, eventLookupError("like event", err)
	}
	return e, nil
}

// Delete removes an event. Reservations cascade at the schema level, but the
// service deletes them explicitly first so the count can be logged.
func (r *EventRepository) Delete(ctx context.Context, id string) error {
	tag, err := conn(ctx, r.db).Exec(ctx, `DELETE FROM events WHERE id = $1`, id)
	if err != nil {
		if isInvalidUUID(err) {
			return model.ErrEventNotFound
		}
		return classify("delete event", err)
	}
	if tag.RowsAffected() == 0 {
		return model.ErrEventNotFound
	}
	return nil
}

func (r *EventRepository) query(ctx context.Context, op, sql string, args ...any) ([]model.Event, error) {
	rows, err := conn(ctx, r.db).Query(ctx, sql, args...)
	if err != nil {
		return nil, classify(op, err)
	}
	defer rows.Close()

	var events []model.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, classify("scan event", err)
		}
		events = append(events, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(op, err)
	}
	return events, nil
}

func scanEvent(row rowScanner) (*model.Event, error) {
	var e model.Event
	err := row.Scan(
		&e.ID, &e.Title, &e.Description, &e.Location, &e.StartsAt, &e.UnitPrice, &e.Capacity,
		&e.AvailableSeats, &e.OrganizerID, &e.ImageURL, &e.Likes, &e.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func eventLookupError(op string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) || isInvalidUUID(err) {
		return model.ErrEventNotFound
	}
	return classify(op, err)
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}
