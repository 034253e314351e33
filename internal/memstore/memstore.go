// Package memstore is an in-process implementation of the event directory,
// seat counter and reservation ledger. It backs the "memory" storage driver
// and the service tests.
//
// Transactions stage their writes in an overlay carried in the context.
// Reads through that context see committed state with the overlay laid on
// top; every other reader sees committed state only. Commit applies the
// overlay under the store mutex, so a transaction becomes visible all at
// once or not at all.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Shivanand-hulikatti/event-reservations/internal/model"
)

// Store holds committed state. The mutex guards map access and commits;
// per-event serialisation of multi-step operations is the caller's lock.
type Store struct {
	mu           sync.Mutex
	events       map[string]*model.Event
	reservations map[string]*entry
	seq          uint64
}

// entry is immutable once stored.
type entry struct {
	res model.Reservation
	seq uint64
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		events:       make(map[string]*model.Event),
		reservations: make(map[string]*entry),
	}
}

// Events returns the event directory view of the store.
func (s *Store) Events() *EventStore { return &EventStore{s: s} }

// Seats returns the seat counter view of the store.
func (s *Store) Seats() *SeatStore { return &SeatStore{s: s} }

// Reservations returns the reservation ledger view of the store.
func (s *Store) Reservations() *ReservationStore { return &ReservationStore{s: s} }

type txKey struct{}

// tx is the write overlay of one transaction. It is only touched with s.mu
// held.
type tx struct {
	events   map[string]*eventPatch
	inserted map[string]*entry
	deleted  map[string]bool
}

// eventPatch records staged changes to one event. Counters are deltas so a
// commit composes with writes committed by others in the meantime.
type eventPatch struct {
	created   *model.Event
	deleted   bool
	capacity  int
	available int
	likes     int
	details   *model.UpdateEventRequest
}

func newTx() *tx {
	return &tx{
		events:   make(map[string]*eventPatch),
		inserted: make(map[string]*entry),
		deleted:  make(map[string]bool),
	}
}

func (t *tx) patch(id string) *eventPatch {
	p, ok := t.events[id]
	if !ok {
		p = &eventPatch{}
		t.events[id] = p
	}
	return p
}

func (p *eventPatch) applyTo(e *model.Event) {
	e.Capacity += p.capacity
	e.AvailableSeats += p.available
	e.Likes += p.likes
	if d := p.details; d != nil {
		e.Title, e.Description, e.Location = d.Title, d.Description, d.Location
		e.StartsAt, e.UnitPrice, e.ImageURL = d.StartsAt, d.UnitPrice, d.ImageURL
	}
}

func txFrom(ctx context.Context) *tx {
	t, _ := ctx.Value(txKey{}).(*tx)
	return t
}

// WithTx runs fn with a fresh overlay in its context. Nested calls join the
// outer transaction. The overlay is committed only if fn succeeds and ctx is
// still live; otherwise it is discarded and the error returned.
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if txFrom(ctx) != nil {
		return fn(ctx)
	}

	t := newTx()
	if err := fn(context.WithValue(ctx, txKey{}, t)); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.commit(t)
	return nil
}

// update runs op against the transaction in ctx, or against a single-use one
// committed straight away.
func (s *Store) update(ctx context.Context, op func(t *tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t := txFrom(ctx); t != nil {
		return op(t)
	}
	t := newTx()
	if err := op(t); err != nil {
		return err
	}
	s.commit(t)
	return nil
}

// read runs fn with s.mu held. t is nil outside a transaction.
func (s *Store) read(ctx context.Context, fn func(t *tx)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(txFrom(ctx))
}

func (s *Store) commit(t *tx) {
	for id, p := range t.events {
		if p.deleted {
			delete(s.events, id)
			continue
		}
		if p.created != nil {
			cp := *p.created
			s.events[id] = &cp
		}
		e, ok := s.events[id]
		if !ok {
			continue
		}
		next := *e
		p.applyTo(&next)
		s.events[id] = &next
	}
	for id := range t.deleted {
		delete(s.reservations, id)
	}
	for id, en := range t.inserted {
		s.reservations[id] = en
	}
}

// event returns a copy of the event as t sees it, or nil.
func (s *Store) event(t *tx, id string) *model.Event {
	var out *model.Event
	if e, ok := s.events[id]; ok {
		cp := *e
		out = &cp
	}
	if t == nil {
		return out
	}
	p, ok := t.events[id]
	if !ok {
		return out
	}
	if p.deleted {
		return nil
	}
	if p.created != nil {
		cp := *p.created
		out = &cp
	}
	if out != nil {
		p.applyTo(out)
	}
	return out
}

func (s *Store) reservation(t *tx, id string) (*entry, bool) {
	if t != nil {
		if en, ok := t.inserted[id]; ok {
			return en, true
		}
		if t.deleted[id] {
			return nil, false
		}
	}
	en, ok := s.reservations[id]
	return en, ok
}

func (s *Store) eachReservation(t *tx, fn func(*entry)) {
	for id, en := range s.reservations {
		if t != nil && t.deleted[id] {
			continue
		}
		fn(en)
	}
	if t != nil {
		for _, en := range t.inserted {
			fn(en)
		}
	}
}

func (s *Store) deleteReservation(t *tx, id string) {
	if _, ok := t.inserted[id]; ok {
		delete(t.inserted, id)
		return
	}
	t.deleted[id] = true
}

// EventStore is the in-memory event directory.
type EventStore struct{ s *Store }

// Create stores a copy of e.
func (es *EventStore) Create(ctx context.Context, e *model.Event) error {
	cp := *e
	return es.s.update(ctx, func(t *tx) error {
		t.events[e.ID] = &eventPatch{created: &cp}
		return nil
	})
}

// GetByID returns a copy of the event or model.ErrEventNotFound.
func (es *EventStore) GetByID(ctx context.Context, id string) (*model.Event, error) {
	var e *model.Event
	es.s.read(ctx, func(t *tx) { e = es.s.event(t, id) })
	if e == nil {
		return nil, model.ErrEventNotFound
	}
	return e, nil
}

// List returns all events, newest first.
func (es *EventStore) List(ctx context.Context) ([]model.Event, error) {
	return es.filter(ctx, func(*model.Event) bool { return true }), nil
}

// Search matches titles case-insensitively.
func (es *EventStore) Search(ctx context.Context, query string) ([]model.Event, error) {
	q := strings.ToLower(query)
	return es.filter(ctx, func(e *model.Event) bool {
		return strings.Contains(strings.ToLower(e.Title), q)
	}), nil
}

// ListByOrganizer returns the events of one organizer.
func (es *EventStore) ListByOrganizer(ctx context.Context, organizerID string) ([]model.Event, error) {
	return es.filter(ctx, func(e *model.Event) bool { return e.OrganizerID == organizerID }), nil
}

// UpdateDetails rewrites display fields and the unit price.
func (es *EventStore) UpdateDetails(ctx context.Context, id string, req model.UpdateEventRequest) (*model.Event, error) {
	s := es.s
	var out *model.Event
	err := s.update(ctx, func(t *tx) error {
		if s.event(t, id) == nil {
			return model.ErrEventNotFound
		}
		d := req
		t.patch(id).details = &d
		out = s.event(t, id)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// IncrementLikes bumps the like counter.
func (es *EventStore) IncrementLikes(ctx context.Context, id string) (*model.Event, error) {
	s := es.s
	var out *model.Event
	err := s.update(ctx, func(t *tx) error {
		if s.event(t, id) == nil {
			return model.ErrEventNotFound
		}
		t.patch(id).likes++
		out = s.event(t, id)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Delete removes an event.
func (es *EventStore) Delete(ctx context.Context, id string) error {
	s := es.s
	return s.update(ctx, func(t *tx) error {
		if s.event(t, id) == nil {
			return model.ErrEventNotFound
		}
		t.events[id] = &eventPatch{deleted: true}
		return nil
	})
}

func (es *EventStore) filter(ctx context.Context, keep func(*model.Event) bool) []model.Event {
	s := es.s
	var out []model.Event
	s.read(ctx, func(t *tx) {
		ids := make(map[string]struct{}, len(s.events))
		for id := range s.events {
			ids[id] = struct{}{}
		}
		if t != nil {
			for id := range t.events {
				ids[id] = struct{}{}
			}
		}
		for id := range ids {
			if e := s.event(t, id); e != nil && keep(e) {
				out = append(out, *e)
			}
		}
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// SeatStore is the in-memory seat counter.
type SeatStore struct{ s *Store }

// Snapshot returns the event's pricing and seat figures.
func (ss *SeatStore) Snapshot(ctx context.Context, eventID string) (model.SeatSnapshot, error) {
	var e *model.Event
	ss.s.read(ctx, func(t *tx) { e = ss.s.event(t, eventID) })
	if e == nil {
		return model.SeatSnapshot{}, model.ErrEventNotFound
	}
	return snapshotOf(e), nil
}

// TryAllocate decrements the counter by n when at least n seats remain.
func (ss *SeatStore) TryAllocate(ctx context.Context, eventID string, n int) (int, error) {
	if n < 1 {
		return 0, model.ErrInvalidRequest
	}
	s := ss.s
	var left int
	err := s.update(ctx, func(t *tx) error {
		e := s.event(t, eventID)
		if e == nil {
			return model.ErrEventNotFound
		}
		if e.AvailableSeats < n {
			return model.ErrInsufficientCapacity
		}
		t.patch(eventID).available -= n
		left = e.AvailableSeats - n
		return nil
	})
	return left, err
}

// Release increments the counter by n, refusing to exceed capacity.
func (ss *SeatStore) Release(ctx context.Context, eventID string, n int) (int, error) {
	if n < 1 {
		return 0, model.ErrInvalidRequest
	}
	s := ss.s
	var left int
	err := s.update(ctx, func(t *tx) error {
		e := s.event(t, eventID)
		if e == nil {
			return model.ErrEventNotFound
		}
		if e.AvailableSeats+n > e.Capacity {
			return model.ErrCapacityOverflow
		}
		t.patch(eventID).available += n
		left = e.AvailableSeats + n
		return nil
	})
	return left, err
}

// Resize changes capacity, keeping the number of allocated seats constant.
func (ss *SeatStore) Resize(ctx context.Context, eventID string, capacity int) (model.SeatSnapshot, error) {
	s := ss.s
	var snap model.SeatSnapshot
	err := s.update(ctx, func(t *tx) error {
		e := s.event(t, eventID)
		if e == nil {
			return model.ErrEventNotFound
		}
		if e.Allocated() > capacity {
			return model.ErrActiveReservations
		}
		delta := capacity - e.Capacity
		p := t.patch(eventID)
		p.capacity += delta
		p.available += delta
		snap = snapshotOf(s.event(t, eventID))
		return nil
	})
	return snap, err
}

func snapshotOf(e *model.Event) model.SeatSnapshot {
	return model.SeatSnapshot{
		EventID:        e.ID,
		UnitPrice:      e.UnitPrice,
		Capacity:       e.Capacity,
		AvailableSeats: e.AvailableSeats,
	}
}

// ReservationStore is the in-memory reservation ledger.
type ReservationStore struct{ s *Store }

// Insert stores res under a fresh id. The referenced event must exist.
func (rs *ReservationStore) Insert(ctx context.Context, res *model.Reservation) error {
	s := rs.s
	return s.update(ctx, func(t *tx) error {
		if s.event(t, res.EventID) == nil {
			return model.ErrEventNotFound
		}
		res.ID = uuid.New().String()
		if res.CreatedAt.IsZero() {
			res.CreatedAt = time.Now().UTC()
		}
		if res.Source == "" {
			res.Source = model.SourceReservation
		}
		s.seq++
		t.inserted[res.ID] = &entry{res: *res, seq: s.seq}
		return nil
	})
}

// GetByID returns one reservation or model.ErrReservationNotFound.
func (rs *ReservationStore) GetByID(ctx context.Context, id string) (*model.Reservation, error) {
	var (
		en *entry
		ok bool
	)
	rs.s.read(ctx, func(t *tx) { en, ok = rs.s.reservation(t, id) })
	if !ok {
		return nil, model.ErrReservationNotFound
	}
	cp := en.res
	return &cp, nil
}

// FindByEvent returns an event's reservations in insertion order.
func (rs *ReservationStore) FindByEvent(ctx context.Context, eventID string) ([]model.Reservation, error) {
	var out []model.Reservation
	rs.s.read(ctx, func(t *tx) {
		for _, en := range rs.sorted(t, func(r *model.Reservation) bool { return r.EventID == eventID }) {
			out = append(out, en.res)
		}
	})
	return out, nil
}

// FindByUser joins a user's reservations with their events.
func (rs *ReservationStore) FindByUser(ctx context.Context, userID string) ([]model.ReservationWithEvent, error) {
	s := rs.s
	var (
		out []model.ReservationWithEvent
		err error
	)
	s.read(ctx, func(t *tx) {
		entries := rs.sorted(t, func(r *model.Reservation) bool { return r.UserID == userID })
		out = make([]model.ReservationWithEvent, 0, len(entries))
		for _, en := range entries {
			e := s.event(t, en.res.EventID)
			if e == nil {
				err = fmt.Errorf("reservation %s -> event %s: %w", en.res.ID, en.res.EventID, model.ErrDanglingReference)
				return
			}
			out = append(out, model.ReservationWithEvent{
				Reservation: en.res,
				Event: model.EventSummary{
					ID:        e.ID,
					Title:     e.Title,
					Location:  e.Location,
					StartsAt:  e.StartsAt,
					UnitPrice: e.UnitPrice,
				},
			})
		}
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteByID removes a reservation.
func (rs *ReservationStore) DeleteByID(ctx context.Context, id string) error {
	s := rs.s
	return s.update(ctx, func(t *tx) error {
		if _, ok := s.reservation(t, id); !ok {
			return model.ErrReservationNotFound
		}
		s.deleteReservation(t, id)
		return nil
	})
}

// DeleteByEvent removes every reservation of an event.
func (rs *ReservationStore) DeleteByEvent(ctx context.Context, eventID string) (int, error) {
	s := rs.s
	var n int
	err := s.update(ctx, func(t *tx) error {
		for _, en := range rs.sorted(t, func(r *model.Reservation) bool { return r.EventID == eventID }) {
			s.deleteReservation(t, en.res.ID)
			n++
		}
		return nil
	})
	return n, err
}

// sorted must be called with s.mu held.
func (rs *ReservationStore) sorted(t *tx, keep func(*model.Reservation) bool) []*entry {
	var out []*entry
	rs.s.eachReservation(t, func(en *entry) {
		if keep(&en.res) {
			out = append(out, en)
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}
