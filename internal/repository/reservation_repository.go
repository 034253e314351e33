package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Shivanand-hulikatti/event-reservations/internal/model"
)

const reservationColumns = `id, event_id, user_id, email, seats, total_price, source, created_at`

// ReservationRepository is the reservation ledger.
type ReservationRepository struct {
	db *pgxpool.Pool
}

// NewReservationRepository constructs a ReservationRepository.
func NewReservationRepository(db *pgxpool.Pool) *ReservationRepository {
	return &ReservationRepository{db: db}
}

// Insert stores a new reservation under a freshly generated id, which is
// written back into res.
func (r *ReservationRepository) Insert(ctx context.Context, res *model.Reservation) error {
	res.ID = uuid.New().String()
	if res.CreatedAt.IsZero() {
		res.CreatedAt = time.Now().UTC()
	}
	if res.Source == "" {
		res.Source = model.SourceReservation
	}

	_, err := conn(ctx, r.db).Exec(ctx,
		`INSERT INTO reservations (`+reservationColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		res.ID, res.EventID, res.UserID, res.Email, res.Seats, res.TotalPrice, res.Source, res.CreatedAt,
	)
	if err != nil {
		if isForeignKeyViolation(err) || isInvalidUUID(err) {
			return model.ErrEventNotFound
		}
		return classify("insert reservation", err)
	}
	return nil
}

// GetByID returns one reservation or model.ErrReservationNotFound.
func (r *ReservationRepository) GetByID(ctx context.Context, id string) (*model.Reservation, error) {
	row := conn(ctx, r.db).QueryRow(ctx,
		`SELECT `+reservationColumns+` FROM reservations WHERE id = $1`, id)
	res, err := scanReservation(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) || isInvalidUUID(err) {
			return nil, model.ErrReservationNotFound
		}
		return nil, classify("get reservation", err)
	}
	return res, nil
}

// FindByEvent returns the active reservations of an event in insertion order.
func (r *ReservationRepository) FindByEvent(ctx context.Context, eventID string) ([]model.Reservation, error) {
	rows, err := conn(ctx, r.db).Query(ctx,
		`SELECT `+reservationColumns+`
		 FROM reservations
		 WHERE event_id = $1
		 ORDER BY seq ASC`,
		eventID,
	)
	if err != nil {
		if isInvalidUUID(err) {
			return nil, nil
		}
		return nil, classify("list reservations", err)
	}
	defer rows.Close()

	var out []model.Reservation
	for rows.Next() {
		res, err := scanReservation(rows)
		if err != nil {
			return nil, classify("scan reservation", err)
		}
		out = append(out, *res)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("list reservations", err)
	}
	return out, nil
}

// FindByUser returns a user's reservations joined with the current display
// fields of their events. A reservation whose event is gone yields
// model.ErrDanglingReference instead of being skipped.
func (r *ReservationRepository) FindByUser(ctx context.Context, userID string) ([]model.ReservationWithEvent, error) {
	rows, err := conn(ctx, r.db).Query(ctx,
		`SELECT r.id, r.event_id, r.user_id, r.email, r.seats, r.total_price, r.source, r.created_at,
		        e.id, e.title, e.location, e.starts_at, e.unit_price
		 FROM reservations r
		 LEFT JOIN events e ON e.id = r.event_id
		 WHERE r.user_id = $1
		 ORDER BY r.seq ASC`,
		userID,
	)
	if err != nil {
		return nil, classify("list user reservations", err)
	}
	defer rows.Close()

	var out []model.ReservationWithEvent
	for rows.Next() {
		var (
			item      model.ReservationWithEvent
			eventID   *string
			title     *string
			location  *string
			startsAt  *time.Time
			unitPrice *float64
		)
		err := rows.Scan(
			&item.ID, &item.EventID, &item.UserID, &item.Email, &item.Seats, &item.TotalPrice, &item.Source, &item.CreatedAt,
			&eventID, &title, &location, &startsAt, &unitPrice,
		)
		if err != nil {
			return nil, classify("scan user reservation", err)
		}
		if eventID == nil {
			return nil, fmt.Errorf("reservation %s -> event %s: %w", item.ID, item.EventID, model.ErrDanglingReference)
		}
		item.Event = model.EventSummary{
			ID:        *eventID,
			Title:     *title,
			Location:  *location,
			StartsAt:  *startsAt,
			UnitPrice: *unitPrice,
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("list user reservations", err)
	}
	return out, nil
}

// DeleteByID removes a reservation or returns model.ErrReservationNotFound.
func (r *ReservationRepository) DeleteByID(ctx context.Context, id string) error {
	tag, err := conn(ctx, r.db).Exec(ctx, `DELETE FROM reservations WHERE id = $1`, id)
	if err != nil {
		if isInvalidUUID(err) {
			return model.ErrReservationNotFound
		}
		return classify("delete reservation", err)
	}
	if tag.RowsAffected() == 0 {
		return model.ErrReservationNotFound
	}
	return nil
}

// DeleteByEvent removes every reservation of an event and reports how many
// were removed.
func (r *ReservationRepository) DeleteByEvent(ctx context.Context, eventID string) (int, error) {
	tag, err := conn(ctx, r.db).Exec(ctx, `DELETE FROM reservations WHERE event_id = $1`, eventID)
	if err != nil {
		if isInvalidUUID(err) {
			return 0, nil
		}
		return 0, classify("delete event reservations", err)
	}
	return int(tag.RowsAffected()), nil
}

func scanReservation(row rowScanner) (*model.Reservation, error) {
	var res model.Reservation
	err := row.Scan(&res.ID, &res.EventID, &res.UserID, &res.Email, &res.Seats, &res.TotalPrice, &res.Source, &res.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &res, nil
}
