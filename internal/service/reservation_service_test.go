package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Shivanand-hulikatti/event-reservations/internal/lock"
	"github.com/Shivanand-hulikatti/event-reservations/internal/memstore"
	"github.com/Shivanand-hulikatti/event-reservations/internal/metrics"
	"github.com/Shivanand-hulikatti/event-reservations/internal/model"
	"github.com/Shivanand-hulikatti/event-reservations/internal/queue"
)

var fixedNow = time.Date(2026, 10, 1, 9, 30, 0, 0, time.UTC)

type harness struct {
	store     *memstore.Store
	ledger    *flakyLedger
	locker    *lock.KeyedMutex
	publisher *recordingPublisher
	engine    *ReservationService
	events    *EventService
}

func newHarness(t *testing.T, opts ...ReservationOption) *harness {
	t.Helper()
	st := memstore.New()
	h := &harness{
		store:     st,
		ledger:    &flakyLedger{Ledger: st.Reservations()},
		locker:    lock.NewKeyedMutex(),
		publisher: &recordingPublisher{},
	}
	base := []ReservationOption{
		WithPublisher(h.publisher),
		WithClock(func() time.Time { return fixedNow }),
		WithRetry(RetryPolicy{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond}),
	}
	h.engine = NewReservationService(st, st.Events(), st.Seats(), h.ledger, h.locker, zap.NewNop(), append(base, opts...)...)
	h.events = NewEventService(st.Events(), h.engine, zap.NewNop())
	return h
}

func (h *harness) createEvent(t *testing.T, capacity int, price float64) *model.Event {
	t.Helper()
	e, err := h.events.CreateEvent(context.Background(), model.CreateEventRequest{
		Title:       "Rust & Go Conf",
		Location:    "Berlin",
		StartsAt:    fixedNow.Add(30 * 24 * time.Hour),
		UnitPrice:   price,
		Capacity:    capacity,
		OrganizerID: "org-1",
	})
	require.NoError(t, err)
	return e
}

func (h *harness) available(t *testing.T, eventID string) int {
	t.Helper()
	snap, err := h.store.Seats().Snapshot(context.Background(), eventID)
	require.NoError(t, err)
	return snap.AvailableSeats
}

func (h *harness) ledgerSize(t *testing.T, eventID string) int {
	t.Helper()
	list, err := h.store.Reservations().FindByEvent(context.Background(), eventID)
	require.NoError(t, err)
	return len(list)
}

// flakyLedger fails Insert with the queued errors before delegating.
type flakyLedger struct {
	Ledger
	mu          sync.Mutex
	insertErrs  []error
	insertCalls int
	onInsert    func()
}

func (f *flakyLedger) failNextInserts(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.insertErrs = append(f.insertErrs, errs...)
}

func (f *flakyLedger) Insert(ctx context.Context, res *model.Reservation) error {
	f.mu.Lock()
	f.insertCalls++
	var err error
	if len(f.insertErrs) > 0 {
		err, f.insertErrs = f.insertErrs[0], f.insertErrs[1:]
	}
	hook := f.onInsert
	f.mu.Unlock()

	if err != nil {
		return err
	}
	if err := f.Ledger.Insert(ctx, res); err != nil {
		return err
	}
	if hook != nil {
		hook()
	}
	return nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []queue.ReservationEvent
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, ev queue.ReservationEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return p.err
}

func (p *recordingPublisher) published() []queue.ReservationEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]queue.ReservationEvent(nil), p.events...)
}

func TestTotalPrice(t *testing.T) {
	assert.Equal(t, 60.0, TotalPrice(20.0, 3))
	assert.Equal(t, 0.0, TotalPrice(0, 5))
	assert.Equal(t, 15.0, TotalPrice(15.0, 1))
}

func TestReserve_PricingAndConservation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	e := h.createEvent(t, 10, 20.0)

	res, err := h.engine.Reserve(ctx, ReserveInput{EventID: e.ID, Email: " Ada@Example.com ", Seats: 3, UserID: "user-1"})
	require.NoError(t, err)

	assert.NotEmpty(t, res.ID)
	assert.Equal(t, 60.0, res.TotalPrice)
	assert.Equal(t, "ada@example.com", res.Email)
	assert.Equal(t, model.SourceReservation, res.Source)
	assert.Equal(t, fixedNow, res.CreatedAt)
	assert.Equal(t, 7, h.available(t, e.ID))
}

func TestReserveThenCancel_EndToEnd(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	e := h.createEvent(t, 10, 15.0)

	res, err := h.engine.Reserve(ctx, ReserveInput{EventID: e.ID, Email: "a@example.com", Seats: 4, UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, 60.0, res.TotalPrice)
	assert.Equal(t, 6, h.available(t, e.ID))

	cancelled, err := h.engine.Cancel(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, res.ID, cancelled.ID)
	assert.Equal(t, 10, h.available(t, e.ID))
	assert.Equal(t, 0, h.ledgerSize(t, e.ID))

	got := h.publisher.published()
	require.Len(t, got, 2)
	assert.Equal(t, queue.ReservationCreated, got[0].Type)
	assert.Equal(t, 6, got[0].AvailableSeats)
	assert.Equal(t, queue.ReservationCancelled, got[1].Type)
	assert.Equal(t, 10, got[1].AvailableSeats)
}

func TestCancel_TwiceFailsWithNotFound(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	e := h.createEvent(t, 5, 1)

	res, err := h.engine.Reserve(ctx, ReserveInput{EventID: e.ID, Email: "a@example.com", Seats: 2, UserID: "u1"})
	require.NoError(t, err)
	_, err = h.engine.Cancel(ctx, res.ID)
	require.NoError(t, err)

	_, err = h.engine.Cancel(ctx, res.ID)
	assert.ErrorIs(t, err, model.ErrReservationNotFound)
	assert.Equal(t, 5, h.available(t, e.ID))

	_, err = h.engine.Cancel(ctx, "")
	assert.ErrorIs(t, err, model.ErrReservationNotFound)
}

func TestReserve_RejectionLeavesNoTrace(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	e := h.createEvent(t, 2, 10)

	_, err := h.engine.Reserve(ctx, ReserveInput{EventID: e.ID, Email: "a@example.com", Seats: 3, UserID: "u1"})
	assert.ErrorIs(t, err, model.ErrInsufficientCapacity)
	assert.Equal(t, 2, h.available(t, e.ID))
	assert.Equal(t, 0, h.ledgerSize(t, e.ID))
	assert.Empty(t, h.publisher.published())
}

func TestReserve_Validation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	e := h.createEvent(t, 2, 10)

	tests := []struct {
		name string
		in   ReserveInput
		want error
	}{
		{"zero seats", ReserveInput{EventID: e.ID, Email: "a@example.com", Seats: 0, UserID: "u1"}, model.ErrInvalidRequest},
		{"negative seats", ReserveInput{EventID: e.ID, Email: "a@example.com", Seats: -2, UserID: "u1"}, model.ErrInvalidRequest},
		{"missing email", ReserveInput{EventID: e.ID, Seats: 1, UserID: "u1"}, model.ErrInvalidRequest},
		{"malformed email", ReserveInput{EventID: e.ID, Email: "not-an-email", Seats: 1, UserID: "u1"}, model.ErrInvalidRequest},
		{"missing user", ReserveInput{EventID: e.ID, Email: "a@example.com", Seats: 1}, model.ErrInvalidRequest},
		{"unknown event", ReserveInput{EventID: "nope", Email: "a@example.com", Seats: 1, UserID: "u1"}, model.ErrEventNotFound},
		{"empty event", ReserveInput{Email: "a@example.com", Seats: 1, UserID: "u1"}, model.ErrEventNotFound},
		{"bad input on unknown event", ReserveInput{EventID: "nope", Seats: 0}, model.ErrEventNotFound},
		{"seats beyond any capacity", ReserveInput{EventID: e.ID, Email: "a@example.com", Seats: MaxCapacity + 1, UserID: "u1"}, model.ErrInsufficientCapacity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.engine.Reserve(ctx, tt.in)
			assert.ErrorIs(t, err, tt.want)
		})
	}
	assert.Equal(t, 2, h.available(t, e.ID))
}

func TestReserve_RaceForLastSeat(t *testing.T) {
	h := newHarness(t)
	e := h.createEvent(t, 1, 5)

	var (
		wg   sync.WaitGroup
		errs = make([]error, 2)
	)
	start := make(chan struct{})
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, errs[i] = h.engine.Reserve(context.Background(), ReserveInput{
				EventID: e.ID, Email: "a@example.com", Seats: 1, UserID: fmt.Sprintf("u%d", i),
			})
		}(i)
	}
	close(start)
	wg.Wait()

	var ok, rejected int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, model.ErrInsufficientCapacity):
			rejected++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, rejected)
	assert.Equal(t, 0, h.available(t, e.ID))
}

func TestReserveAndCancel_ConcurrentMixKeepsInvariant(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	const capacity = 30
	e := h.createEvent(t, capacity, 2)

	var wg sync.WaitGroup
	for i := 0; i < 60; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := h.engine.Reserve(ctx, ReserveInput{
				EventID: e.ID, Email: "a@example.com", Seats: 1 + i%3, UserID: fmt.Sprintf("u%d", i),
			})
			if err != nil {
				assert.ErrorIs(t, err, model.ErrInsufficientCapacity)
				return
			}
			if i%2 == 0 {
				_, err := h.engine.Cancel(ctx, res.ID)
				assert.NoError(t, err)
			}
		}(i)
	}
	wg.Wait()

	list, err := h.store.Reservations().FindByEvent(ctx, e.ID)
	require.NoError(t, err)
	held := 0
	for _, r := range list {
		held += r.Seats
	}
	avail := h.available(t, e.ID)
	assert.GreaterOrEqual(t, avail, 0)
	assert.LessOrEqual(t, avail, capacity)
	assert.Equal(t, capacity, avail+held)
}

func TestReserve_LedgerFailureRollsBackAllocation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	e := h.createEvent(t, 5, 10)

	boom := errors.New("disk full")
	h.ledger.failNextInserts(boom)

	_, err := h.engine.Reserve(ctx, ReserveInput{EventID: e.ID, Email: "a@example.com", Seats: 2, UserID: "u1"})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 5, h.available(t, e.ID))
	assert.Equal(t, 0, h.ledgerSize(t, e.ID))
	assert.Equal(t, 1, h.ledger.insertCalls)
}

func TestReserve_RetriesTransientFailure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	e := h.createEvent(t, 5, 10)

	h.ledger.failNextInserts(fmt.Errorf("insert: %w", model.ErrTransientStorage))

	res, err := h.engine.Reserve(ctx, ReserveInput{EventID: e.ID, Email: "a@example.com", Seats: 2, UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, 2, h.ledger.insertCalls)
	assert.Equal(t, 3, h.available(t, e.ID))
	assert.Equal(t, 1, h.ledgerSize(t, e.ID))
	assert.Equal(t, 20.0, res.TotalPrice)
}

func TestReserve_TransientFailureExhaustsRetries(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	e := h.createEvent(t, 5, 10)

	transient := fmt.Errorf("insert: %w", model.ErrTransientStorage)
	h.ledger.failNextInserts(transient, transient, transient, transient)

	_, err := h.engine.Reserve(ctx, ReserveInput{EventID: e.ID, Email: "a@example.com", Seats: 1, UserID: "u1"})
	assert.ErrorIs(t, err, model.ErrTransientStorage)
	assert.Equal(t, 3, h.ledger.insertCalls)
	assert.Equal(t, 5, h.available(t, e.ID))
}

func TestReserve_CallerCancelBeforeCommitLeavesNoEffect(t *testing.T) {
	h := newHarness(t)
	e := h.createEvent(t, 5, 10)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.ledger.onInsert = cancel

	_, err := h.engine.Reserve(ctx, ReserveInput{EventID: e.ID, Email: "a@example.com", Seats: 2, UserID: "u1"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 5, h.available(t, e.ID))
	assert.Equal(t, 0, h.ledgerSize(t, e.ID))
	assert.Equal(t, 1, h.ledger.insertCalls)
}

func TestReserve_LockTimeoutIsTransient(t *testing.T) {
	h := newHarness(t, WithLockTimeout(5*time.Millisecond))
	e := h.createEvent(t, 5, 10)

	unlock, err := h.locker.Lock(context.Background(), e.ID)
	require.NoError(t, err)
	defer unlock()

	_, err = h.engine.Reserve(context.Background(), ReserveInput{EventID: e.ID, Email: "a@example.com", Seats: 1, UserID: "u1"})
	assert.ErrorIs(t, err, model.ErrTransientStorage)
	assert.ErrorIs(t, err, lock.ErrNotAcquired)
	assert.Equal(t, 0, h.ledger.insertCalls)
}

func TestReserve_PublishFailureDoesNotUndoCommit(t *testing.T) {
	h := newHarness(t)
	h.publisher.err = errors.New("broker down")
	e := h.createEvent(t, 5, 10)

	_, err := h.engine.Reserve(context.Background(), ReserveInput{EventID: e.ID, Email: "a@example.com", Seats: 1, UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, 4, h.available(t, e.ID))
}

func TestQuickPurchase_RecordsAnonymousSeat(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	e := h.createEvent(t, 2, 12.5)

	first, err := h.engine.QuickPurchase(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, first.AvailableSeats)
	assert.Equal(t, e.ID, first.EventID)
	assert.Equal(t, model.SourceQuickPurchase, first.Reservation.Source)
	assert.Equal(t, model.AnonymousUserID, first.Reservation.UserID)
	assert.Equal(t, 1, first.Reservation.Seats)
	assert.Equal(t, 12.5, first.Reservation.TotalPrice)
	assert.Empty(t, first.Reservation.Email)

	second, err := h.engine.QuickPurchase(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, second.AvailableSeats)

	_, err = h.engine.QuickPurchase(ctx, e.ID)
	assert.ErrorIs(t, err, model.ErrInsufficientCapacity)

	assert.Equal(t, 2, h.ledgerSize(t, e.ID))

	_, err = h.engine.Cancel(ctx, first.Reservation.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, h.available(t, e.ID))

	_, err = h.engine.QuickPurchase(ctx, "missing")
	assert.ErrorIs(t, err, model.ErrEventNotFound)
}

func TestResizeCapacity(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	e := h.createEvent(t, 10, 1)

	_, err := h.engine.Reserve(ctx, ReserveInput{EventID: e.ID, Email: "a@example.com", Seats: 6, UserID: "u1"})
	require.NoError(t, err)

	_, err = h.engine.ResizeCapacity(ctx, e.ID, 5)
	assert.ErrorIs(t, err, model.ErrActiveReservations)

	updated, err := h.engine.ResizeCapacity(ctx, e.ID, 8)
	require.NoError(t, err)
	assert.Equal(t, 8, updated.Capacity)
	assert.Equal(t, 2, updated.AvailableSeats)

	_, err = h.engine.ResizeCapacity(ctx, e.ID, 0)
	assert.ErrorIs(t, err, model.ErrInvalidRequest)

	_, err = h.engine.ResizeCapacity(ctx, "missing", 4)
	assert.ErrorIs(t, err, model.ErrEventNotFound)
}

func TestDeleteEvent_CascadesReservations(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	e := h.createEvent(t, 10, 3)
	other := h.createEvent(t, 10, 3)

	_, err := h.engine.Reserve(ctx, ReserveInput{EventID: e.ID, Email: "a@example.com", Seats: 2, UserID: "u1"})
	require.NoError(t, err)
	_, err = h.engine.Reserve(ctx, ReserveInput{EventID: other.ID, Email: "a@example.com", Seats: 1, UserID: "u1"})
	require.NoError(t, err)

	n, err := h.engine.DeleteEvent(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = h.events.GetEvent(ctx, e.ID)
	assert.ErrorIs(t, err, model.ErrEventNotFound)

	history, err := h.engine.ListForUser(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, other.ID, history[0].Event.ID)

	got := h.publisher.published()
	assert.Equal(t, queue.ReservationCancelled, got[len(got)-1].Type)

	_, err = h.engine.DeleteEvent(ctx, e.ID)
	assert.ErrorIs(t, err, model.ErrEventNotFound)
}

func TestDanglingReferenceIsSurfaced(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	e := h.createEvent(t, 4, 3)

	res, err := h.engine.Reserve(ctx, ReserveInput{EventID: e.ID, Email: "a@example.com", Seats: 1, UserID: "u1"})
	require.NoError(t, err)

	// Bypass the cascade to simulate drift.
	require.NoError(t, h.store.Events().Delete(ctx, e.ID))

	_, err = h.engine.ListForUser(ctx, "u1")
	assert.ErrorIs(t, err, model.ErrDanglingReference)
	assert.True(t, model.IsInconsistency(err))

	_, err = h.engine.Cancel(ctx, res.ID)
	assert.ErrorIs(t, err, model.ErrDanglingReference)

	_, err = h.store.Reservations().GetByID(ctx, res.ID)
	assert.NoError(t, err)
}

func TestListForEvent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	e := h.createEvent(t, 10, 1)

	empty, err := h.engine.ListForEvent(ctx, e.ID)
	require.NoError(t, err)
	assert.NotNil(t, empty)
	assert.Empty(t, empty)

	a, err := h.engine.Reserve(ctx, ReserveInput{EventID: e.ID, Email: "a@example.com", Seats: 1, UserID: "u1"})
	require.NoError(t, err)
	b, err := h.engine.Reserve(ctx, ReserveInput{EventID: e.ID, Email: "b@example.com", Seats: 2, UserID: "u2"})
	require.NoError(t, err)

	list, err := h.engine.ListForEvent(ctx, e.ID)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, a.ID, list[0].ID)
	assert.Equal(t, b.ID, list[1].ID)

	_, err = h.engine.ListForEvent(ctx, "missing")
	assert.ErrorIs(t, err, model.ErrEventNotFound)

	_, err = h.engine.ListForUser(ctx, "  ")
	assert.ErrorIs(t, err, model.ErrInvalidRequest)
}

func TestReserve_UncommittedStateInvisibleToReaders(t *testing.T) {
	h := newHarness(t)
	e := h.createEvent(t, 5, 10)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		seenAvailable int
		seenLedger    int
	)
	h.ledger.onInsert = func() {
		got, err := h.events.GetEvent(context.Background(), e.ID)
		require.NoError(t, err)
		seenAvailable = got.AvailableSeats
		list, err := h.engine.ListForEvent(context.Background(), e.ID)
		require.NoError(t, err)
		seenLedger = len(list)
		cancel()
	}

	_, err := h.engine.Reserve(ctx, ReserveInput{EventID: e.ID, Email: "a@example.com", Seats: 2, UserID: "u1"})
	require.ErrorIs(t, err, context.Canceled)

	assert.Equal(t, 5, seenAvailable)
	assert.Equal(t, 0, seenLedger)
	assert.Equal(t, 5, h.available(t, e.ID))
	assert.Equal(t, 0, h.ledgerSize(t, e.ID))
}

func TestCancel_ConcurrentCancelsReleaseOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	e := h.createEvent(t, 5, 10)

	res, err := h.engine.Reserve(ctx, ReserveInput{EventID: e.ID, Email: "a@example.com", Seats: 3, UserID: "u1"})
	require.NoError(t, err)
	require.Equal(t, 2, h.available(t, e.ID))

	const workers = 8
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		ok       int
		notFound int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.engine.Cancel(ctx, res.ID)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, model.ErrReservationNotFound):
				notFound++
			default:
				t.Errorf("unexpected cancel error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, ok)
	assert.Equal(t, workers-1, notFound)
	assert.Equal(t, 5, h.available(t, e.ID))
	assert.Equal(t, 0, h.ledgerSize(t, e.ID))
}

func TestDeleteEvent_CountsReleasedSeats(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	e := h.createEvent(t, 10, 10)

	for _, n := range []int{2, 3} {
		_, err := h.engine.Reserve(ctx, ReserveInput{EventID: e.ID, Email: "a@example.com", Seats: n, UserID: "u1"})
		require.NoError(t, err)
	}

	released := metrics.ReservationSeats.WithLabelValues("released")
	before := testutil.ToFloat64(released)

	removed, err := h.engine.DeleteEvent(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)
	assert.Equal(t, before+5, testutil.ToFloat64(released))
}
