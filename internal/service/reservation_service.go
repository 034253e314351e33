package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/Shivanand-hulikatti/event-reservations/internal/lock"
	"github.com/Shivanand-hulikatti/event-reservations/internal/metrics"
	"github.com/Shivanand-hulikatti/event-reservations/internal/model"
	"github.com/Shivanand-hulikatti/event-reservations/internal/queue"
)

const (
	defaultLockTimeout = 3 * time.Second
	publishTimeout     = 5 * time.Second

	// MaxCapacity bounds the seat count of a single event.
	MaxCapacity = 100_000
)

// RetryPolicy bounds the retries of an atomic phase that failed with
// model.ErrTransientStorage.
type RetryPolicy struct {
	MaxAttempts     uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

var defaultRetry = RetryPolicy{
	MaxAttempts:     4,
	InitialInterval: 25 * time.Millisecond,
	MaxInterval:     500 * time.Millisecond,
}

// ReservationService is the reservation engine. It is the only writer of seat
// counters: every allocation and release runs under the event's lock inside
// one storage transaction, so a reservation record exists if and only if its
// seats were taken.
type ReservationService struct {
	tx        Transactor
	events    EventDirectory
	seats     SeatCounter
	ledger    Ledger
	locker    lock.Locker
	publisher Publisher
	log       *zap.Logger

	now         func() time.Time
	lockTimeout time.Duration
	retry       RetryPolicy
}

// ReservationOption configures a ReservationService.
type ReservationOption func(*ReservationService)

// WithPublisher sets where lifecycle events are sent after commit.
func WithPublisher(p Publisher) ReservationOption {
	return func(s *ReservationService) {
		if p != nil {
			s.publisher = p
		}
	}
}

// WithRetry overrides the transient-failure retry policy.
func WithRetry(p RetryPolicy) ReservationOption {
	return func(s *ReservationService) {
		if p.MaxAttempts > 0 && p.InitialInterval > 0 {
			s.retry = p
		}
	}
}

// WithLockTimeout bounds how long one attempt waits for the event lock.
func WithLockTimeout(d time.Duration) ReservationOption {
	return func(s *ReservationService) {
		if d > 0 {
			s.lockTimeout = d
		}
	}
}

// WithClock injects the time source used for createdAt stamps.
func WithClock(now func() time.Time) ReservationOption {
	return func(s *ReservationService) {
		if now != nil {
			s.now = now
		}
	}
}

// NewReservationService constructs the engine.
func NewReservationService(
	tx Transactor,
	events EventDirectory,
	seats SeatCounter,
	ledger Ledger,
	locker lock.Locker,
	log *zap.Logger,
	opts ...ReservationOption,
) *ReservationService {
	s := &ReservationService{
		tx:          tx,
		events:      events,
		seats:       seats,
		ledger:      ledger,
		locker:      locker,
		publisher:   queue.Nop{},
		log:         log,
		now:         func() time.Time { return time.Now().UTC() },
		lockTimeout: defaultLockTimeout,
		retry:       defaultRetry,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ReserveInput is a request for seats on one event.
type ReserveInput struct {
	EventID string
	Email   string
	Seats   int
	UserID  string
}

// Reserve allocates in.Seats seats and records them in the ledger as one
// atomic step. A rejected reservation leaves the seat count untouched.
func (s *ReservationService) Reserve(ctx context.Context, in ReserveInput) (*model.Reservation, error) {
	in.Email = strings.TrimSpace(strings.ToLower(in.Email))
	in.UserID = strings.TrimSpace(in.UserID)

	if in.EventID == "" {
		return nil, s.reject("reserve", model.ErrEventNotFound)
	}
	if _, err := s.events.GetByID(ctx, in.EventID); err != nil {
		return nil, s.reject("reserve", err)
	}
	if in.Seats < 1 {
		return nil, s.reject("reserve", fmt.Errorf("%w: seats must be at least 1", model.ErrInvalidRequest))
	}
	// No event holds more than MaxCapacity seats.
	if in.Seats > MaxCapacity {
		return nil, s.reject("reserve", fmt.Errorf("%w: %d seats requested", model.ErrInsufficientCapacity, in.Seats))
	}
	if in.Email == "" {
		return nil, s.reject("reserve", fmt.Errorf("%w: email is required", model.ErrInvalidRequest))
	}
	if !isValidEmail(in.Email) {
		return nil, s.reject("reserve", fmt.Errorf("%w: email is not a valid email address", model.ErrInvalidRequest))
	}
	if in.UserID == "" {
		return nil, s.reject("reserve", fmt.Errorf("%w: user_id is required", model.ErrInvalidRequest))
	}

	res, _, err := s.allocate(ctx, "reserve", model.Reservation{
		EventID: in.EventID,
		UserID:  in.UserID,
		Email:   in.Email,
		Seats:   in.Seats,
		Source:  model.SourceReservation,
	})
	return res, err
}

// QuickPurchase takes a single seat for an anonymous buyer. The seat is
// recorded as a one-seat reservation so it stays auditable and cancellable.
func (s *ReservationService) QuickPurchase(ctx context.Context, eventID string) (*model.QuickPurchaseResult, error) {
	if eventID == "" {
		return nil, s.reject("quick_purchase", model.ErrEventNotFound)
	}

	res, available, err := s.allocate(ctx, "quick_purchase", model.Reservation{
		EventID: eventID,
		UserID:  model.AnonymousUserID,
		Seats:   1,
		Source:  model.SourceQuickPurchase,
	})
	if err != nil {
		return nil, err
	}
	return &model.QuickPurchaseResult{
		EventID:        eventID,
		AvailableSeats: available,
		Reservation:    *res,
	}, nil
}

// allocate is the single entry point through which seats are taken.
func (s *ReservationService) allocate(ctx context.Context, op string, draft model.Reservation) (*model.Reservation, int, error) {
	var (
		committed model.Reservation
		available int
	)
	err := s.atomically(ctx, draft.EventID, func(txCtx context.Context) error {
		snap, err := s.seats.Snapshot(txCtx, draft.EventID)
		if err != nil {
			return err
		}
		left, err := s.seats.TryAllocate(txCtx, draft.EventID, draft.Seats)
		if err != nil {
			return err
		}

		rec := draft
		rec.TotalPrice = TotalPrice(snap.UnitPrice, rec.Seats)
		rec.CreatedAt = s.now()
		if err := s.ledger.Insert(txCtx, &rec); err != nil {
			return fmt.Errorf("insert reservation: %w", err)
		}

		committed, available = rec, left
		return nil
	})
	s.observe(op, err)
	if err != nil {
		return nil, 0, err
	}

	metrics.SeatsAllocated(committed.Seats)
	s.log.Info("reservation committed",
		zap.String("reservation_id", committed.ID),
		zap.String("event_id", committed.EventID),
		zap.String("source", committed.Source),
		zap.Int("seats", committed.Seats),
		zap.Int("available_seats", available),
	)
	s.publish(ctx, queue.ReservationCreated, committed, available)
	return &committed, available, nil
}

// Cancel deletes a reservation and returns its seats to the event. Cancelling
// a reservation that no longer exists fails with model.ErrReservationNotFound
// and changes nothing.
func (s *ReservationService) Cancel(ctx context.Context, reservationID string) (*model.Reservation, error) {
	if reservationID == "" {
		return nil, s.reject("cancel", model.ErrReservationNotFound)
	}

	rec, err := s.ledger.GetByID(ctx, reservationID)
	if err != nil {
		s.observe("cancel", err)
		return nil, err
	}

	var (
		cancelled model.Reservation
		available int
	)
	err = s.atomically(ctx, rec.EventID, func(txCtx context.Context) error {
		if _, err := s.seats.Snapshot(txCtx, rec.EventID); err != nil {
			if errors.Is(err, model.ErrEventNotFound) {
				return fmt.Errorf("reservation %s -> event %s: %w", rec.ID, rec.EventID, model.ErrDanglingReference)
			}
			return err
		}

		// Re-read under the lock: a concurrent cancel may have won.
		cur, err := s.ledger.GetByID(txCtx, reservationID)
		if err != nil {
			return err
		}
		left, err := s.seats.Release(txCtx, cur.EventID, cur.Seats)
		if err != nil {
			return fmt.Errorf("release %d seats of reservation %s: %w", cur.Seats, cur.ID, err)
		}
		if err := s.ledger.DeleteByID(txCtx, cur.ID); err != nil {
			return fmt.Errorf("delete reservation: %w", err)
		}

		cancelled, available = *cur, left
		return nil
	})
	s.observe("cancel", err)
	if err != nil {
		return nil, err
	}

	metrics.SeatsReleased(cancelled.Seats)
	s.log.Info("reservation cancelled",
		zap.String("reservation_id", cancelled.ID),
		zap.String("event_id", cancelled.EventID),
		zap.Int("seats", cancelled.Seats),
		zap.Int("available_seats", available),
	)
	s.publish(ctx, queue.ReservationCancelled, cancelled, available)
	return &cancelled, nil
}

// ListForEvent returns an event's active reservations in creation order.
func (s *ReservationService) ListForEvent(ctx context.Context, eventID string) ([]model.Reservation, error) {
	if _, err := s.events.GetByID(ctx, eventID); err != nil {
		return nil, err
	}
	list, err := s.ledger.FindByEvent(ctx, eventID)
	if err != nil {
		return nil, fmt.Errorf("list reservations: %w", err)
	}
	if list == nil {
		list = []model.Reservation{}
	}
	return list, nil
}

// ListForUser returns a user's reservations joined with their events.
func (s *ReservationService) ListForUser(ctx context.Context, userID string) ([]model.ReservationWithEvent, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", model.ErrInvalidRequest)
	}
	list, err := s.ledger.FindByUser(ctx, userID)
	if err != nil {
		if model.IsInconsistency(err) {
			s.log.Error("inconsistent reservation ledger", zap.String("user_id", userID), zap.Error(err))
		}
		return nil, err
	}
	if list == nil {
		list = []model.ReservationWithEvent{}
	}
	return list, nil
}

// ResizeCapacity changes an event's capacity. The new capacity may not drop
// below the seats currently allocated.
func (s *ReservationService) ResizeCapacity(ctx context.Context, eventID string, capacity int) (*model.Event, error) {
	if capacity < 1 || capacity > MaxCapacity {
		return nil, s.reject("resize", fmt.Errorf("%w: capacity must be between 1 and %d", model.ErrInvalidRequest, MaxCapacity))
	}

	var updated *model.Event
	err := s.atomically(ctx, eventID, func(txCtx context.Context) error {
		if _, err := s.seats.Snapshot(txCtx, eventID); err != nil {
			return err
		}
		if _, err := s.seats.Resize(txCtx, eventID, capacity); err != nil {
			return err
		}
		e, err := s.events.GetByID(txCtx, eventID)
		if err != nil {
			return err
		}
		updated = e
		return nil
	})
	s.observe("resize", err)
	if err != nil {
		return nil, err
	}

	s.log.Info("event resized",
		zap.String("event_id", eventID),
		zap.Int("capacity", updated.Capacity),
		zap.Int("available_seats", updated.AvailableSeats),
	)
	return updated, nil
}

// DeleteEvent removes an event together with its active reservations, so no
// reservation is ever left pointing at a missing event.
func (s *ReservationService) DeleteEvent(ctx context.Context, eventID string) (int, error) {
	var removed []model.Reservation
	err := s.atomically(ctx, eventID, func(txCtx context.Context) error {
		if _, err := s.seats.Snapshot(txCtx, eventID); err != nil {
			return err
		}
		list, err := s.ledger.FindByEvent(txCtx, eventID)
		if err != nil {
			return err
		}
		if _, err := s.ledger.DeleteByEvent(txCtx, eventID); err != nil {
			return err
		}
		if err := s.events.Delete(txCtx, eventID); err != nil {
			return err
		}
		removed = list
		return nil
	})
	s.observe("delete_event", err)
	if err != nil {
		return 0, err
	}

	s.log.Info("event deleted",
		zap.String("event_id", eventID),
		zap.Int("reservations_removed", len(removed)),
	)
	for _, r := range removed {
		metrics.SeatsReleased(r.Seats)
		s.publish(ctx, queue.ReservationCancelled, r, 0)
	}
	return len(removed), nil
}

// atomically runs fn under the event's lock inside one transaction. Attempts
// failing with model.ErrTransientStorage are retried with exponential
// backoff; a caller that gives up before commit leaves no effect.
func (s *ReservationService) atomically(ctx context.Context, eventID string, fn func(ctx context.Context) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.retry.InitialInterval
	if s.retry.MaxInterval > 0 {
		b.MaxInterval = s.retry.MaxInterval
	}

	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		err := s.attempt(ctx, eventID, fn)
		switch {
		case err == nil:
			return struct{}{}, nil
		case errors.Is(err, model.ErrTransientStorage) && ctx.Err() == nil:
			return struct{}{}, err
		default:
			return struct{}{}, backoff.Permanent(err)
		}
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(s.retry.MaxAttempts),
		backoff.WithNotify(func(err error, next time.Duration) {
			s.log.Warn("transient failure, retrying",
				zap.String("event_id", eventID),
				zap.Int("attempt", attempt),
				zap.Duration("backoff", next),
				zap.Error(err),
			)
		}),
	)

	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		err = permanent.Unwrap()
	}
	return err
}

func (s *ReservationService) attempt(ctx context.Context, eventID string, fn func(ctx context.Context) error) error {
	lockCtx, cancel := context.WithTimeout(ctx, s.lockTimeout)
	unlock, err := s.locker.Lock(lockCtx, eventID)
	cancel()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("lock event %s: %w: %w", eventID, model.ErrTransientStorage, err)
	}
	defer unlock()

	return s.tx.WithTx(ctx, fn)
}

func (s *ReservationService) publish(ctx context.Context, typ string, r model.Reservation, available int) {
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	err := s.publisher.Publish(pubCtx, queue.ReservationEvent{
		Type:           typ,
		ReservationID:  r.ID,
		EventID:        r.EventID,
		UserID:         r.UserID,
		Email:          r.Email,
		Seats:          r.Seats,
		TotalPrice:     r.TotalPrice,
		Source:         r.Source,
		AvailableSeats: available,
		OccurredAt:     s.now(),
	})
	if err != nil {
		s.log.Warn("failed to publish reservation event",
			zap.String("type", typ),
			zap.String("reservation_id", r.ID),
			zap.Error(err),
		)
	}
}

func (s *ReservationService) reject(op string, err error) error {
	s.observe(op, err)
	return err
}

// observe records the outcome of op and logs consistency defects.
func (s *ReservationService) observe(op string, err error) {
	outcome := metrics.OutcomeOK
	switch {
	case err == nil:
	case errors.Is(err, model.ErrInvalidRequest),
		errors.Is(err, model.ErrInsufficientCapacity),
		errors.Is(err, model.ErrActiveReservations):
		outcome = metrics.OutcomeRejected
	case errors.Is(err, model.ErrEventNotFound),
		errors.Is(err, model.ErrReservationNotFound):
		outcome = metrics.OutcomeNotFound
	case model.IsInconsistency(err):
		outcome = metrics.OutcomeInconsistent
		s.log.Error("seat inventory inconsistency", zap.String("operation", op), zap.Error(err))
	default:
		outcome = metrics.OutcomeError
	}
	metrics.ObserveOperation(op, outcome)
}
