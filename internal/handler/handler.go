// Package handler contains chi HTTP handlers that translate HTTP
// requests/responses to and from the service layer.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/Shivanand-hulikatti/event-reservations/internal/model"
	"github.com/Shivanand-hulikatti/event-reservations/internal/service"
)

const (
	codeInvalidRequestBody   = "invalid_request_body"
	codeInvalidRequest       = "invalid_request"
	codeUnauthorized         = "unauthorized"
	codeForbidden            = "forbidden"
	codeEventNotFound        = "event_not_found"
	codeReservationNotFound  = "reservation_not_found"
	codeInsufficientCapacity = "insufficient_capacity"
	codeActiveReservations   = "active_reservations"
	codeInconsistentState    = "inconsistent_state"
	codeStorageUnavailable   = "storage_unavailable"
	codeRequestCancelled     = "request_cancelled"
	codeInternalError        = "internal_error"
)

// EventHandler holds all HTTP handlers for the event reservation API.
type EventHandler struct {
	events *service.EventService
	engine *service.ReservationService
	log    *zap.Logger
}

// NewEventHandler constructs an EventHandler.
func NewEventHandler(events *service.EventService, engine *service.ReservationService, log *zap.Logger) *EventHandler {
	return &EventHandler{events: events, engine: engine, log: log}
}

// Routes mounts the API on r.
func (h *EventHandler) Routes(r chi.Router) {
	r.Route("/events", func(r chi.Router) {
		r.Post("/", h.CreateEvent)
		r.Get("/", h.ListEvents)
		r.Get("/{id}", h.GetEvent)
		r.Put("/{id}", h.UpdateEvent)
		r.Delete("/{id}", h.DeleteEvent)
		r.Post("/{id}/like", h.LikeEvent)
		r.Post("/{id}/buy", h.QuickPurchase)
		r.Put("/{id}/capacity", h.ResizeCapacity)
		r.Post("/{id}/reservations", h.Reserve)
		r.Get("/{id}/reservations", h.ListEventReservations)
	})
	r.Get("/reservations/user/{userID}", h.ListUserReservations)
	r.Get("/me/reservations", h.ListMyReservations)
	r.Delete("/reservations/{id}", h.CancelReservation)
}

// ─── Helper utilities ─────────────────────────────────────────────────────────

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, model.ErrorResponse{Error: msg, Code: code})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20) // 1 MB limit
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

// fail maps a service error onto a status code and a machine-readable code.
// Consistency defects and unexpected failures are logged; business
// rejections are not.
func (h *EventHandler) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, model.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, codeInvalidRequest, err.Error())
	case errors.Is(err, model.ErrEventNotFound):
		writeError(w, http.StatusNotFound, codeEventNotFound, "event not found")
	case errors.Is(err, model.ErrReservationNotFound):
		writeError(w, http.StatusNotFound, codeReservationNotFound, "reservation not found")
	case errors.Is(err, model.ErrInsufficientCapacity):
		writeError(w, http.StatusConflict, codeInsufficientCapacity, "not enough seats available")
	case errors.Is(err, model.ErrActiveReservations):
		writeError(w, http.StatusConflict, codeActiveReservations, "capacity is below the seats already reserved")
	case model.IsInconsistency(err):
		h.log.Error("inconsistent state", zap.String("path", r.URL.Path), zap.Error(err))
		writeError(w, http.StatusInternalServerError, codeInconsistentState, "inconsistent reservation state")
	case errors.Is(err, model.ErrTransientStorage):
		h.log.Warn("storage unavailable", zap.String("path", r.URL.Path), zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, codeStorageUnavailable, "storage temporarily unavailable, retry later")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusServiceUnavailable, codeRequestCancelled, "request cancelled before completion")
	default:
		h.log.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
		writeError(w, http.StatusInternalServerError, codeInternalError, "internal error")
	}
}

// ─── Events ───────────────────────────────────────────────────────────────────

// CreateEvent handles POST /events
func (h *EventHandler) CreateEvent(w http.ResponseWriter, r *http.Request) {
	var req model.CreateEventRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidRequestBody, "invalid request body: "+err.Error())
		return
	}
	if req.OrganizerID == "" {
		if uid, ok := UserIDFromContext(r.Context()); ok {
			req.OrganizerID = uid
		}
	}

	event, err := h.events.CreateEvent(r.Context(), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, event)
}

// ListEvents handles GET /events
// Supports ?q= (title search) and ?organizer= filters.
func (h *EventHandler) ListEvents(w http.ResponseWriter, r *http.Request) {
	var (
		events []model.Event
		err    error
	)
	if organizer := r.URL.Query().Get("organizer"); organizer != "" {
		events, err = h.events.ListByOrganizer(r.Context(), organizer)
	} else {
		events, err = h.events.SearchEvents(r.Context(), r.URL.Query().Get("q"))
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

// GetEvent handles GET /events/{id}
func (h *EventHandler) GetEvent(w http.ResponseWriter, r *http.Request) {
	event, err := h.events.GetEvent(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, event)
}

// UpdateEvent handles PUT /events/{id}
func (h *EventHandler) UpdateEvent(w http.ResponseWriter, r *http.Request) {
	var req model.UpdateEventRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidRequestBody, "invalid request body: "+err.Error())
		return
	}
	event, err := h.events.UpdateEvent(r.Context(), chi.URLParam(r, "id"), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, event)
}

// DeleteEvent handles DELETE /events/{id}
// Active reservations are removed with the event.
func (h *EventHandler) DeleteEvent(w http.ResponseWriter, r *http.Request) {
	if err := h.events.DeleteEvent(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// LikeEvent handles POST /events/{id}/like
func (h *EventHandler) LikeEvent(w http.ResponseWriter, r *http.Request) {
	event, err := h.events.LikeEvent(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, event)
}

// ─── Seats & reservations ─────────────────────────────────────────────────────

// QuickPurchase handles POST /events/{id}/buy
// Takes one seat for an anonymous buyer.
func (h *EventHandler) QuickPurchase(w http.ResponseWriter, r *http.Request) {
	result, err := h.engine.QuickPurchase(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

// ResizeCapacity handles PUT /events/{id}/capacity
func (h *EventHandler) ResizeCapacity(w http.ResponseWriter, r *http.Request) {
	var req model.ResizeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidRequestBody, "invalid request body: "+err.Error())
		return
	}
	event, err := h.engine.ResizeCapacity(r.Context(), chi.URLParam(r, "id"), req.Capacity)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, event)
}

// Reserve handles POST /events/{id}/reservations
// A bearer token identity takes precedence over user_id in the body.
func (h *EventHandler) Reserve(w http.ResponseWriter, r *http.Request) {
	var req model.ReserveRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidRequestBody, "invalid request body: "+err.Error())
		return
	}
	if uid, ok := UserIDFromContext(r.Context()); ok {
		req.UserID = uid
	}

	res, err := h.engine.Reserve(r.Context(), service.ReserveInput{
		EventID: chi.URLParam(r, "id"),
		Email:   req.Email,
		Seats:   req.Seats,
		UserID:  req.UserID,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// ListEventReservations handles GET /events/{id}/reservations
func (h *EventHandler) ListEventReservations(w http.ResponseWriter, r *http.Request) {
	list, err := h.engine.ListForEvent(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// ListUserReservations handles GET /reservations/user/{userID}
// When a token identity is present it must match the path.
func (h *EventHandler) ListUserReservations(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if uid, ok := UserIDFromContext(r.Context()); ok && uid != userID {
		writeError(w, http.StatusForbidden, codeForbidden, "cannot list another user's reservations")
		return
	}
	h.listForUser(w, r, userID)
}

// ListMyReservations handles GET /me/reservations
func (h *EventHandler) ListMyReservations(w http.ResponseWriter, r *http.Request) {
	uid, ok := UserIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, codeUnauthorized, "missing bearer token")
		return
	}
	h.listForUser(w, r, uid)
}

func (h *EventHandler) listForUser(w http.ResponseWriter, r *http.Request, userID string) {
	list, err := h.engine.ListForUser(r.Context(), userID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// CancelReservation handles DELETE /reservations/{id}
// Returns the cancelled reservation.
func (h *EventHandler) CancelReservation(w http.ResponseWriter, r *http.Request) {
	res, err := h.engine.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ─── Health check ─────────────────────────────────────────────────────────────

// HealthCheck handles GET /health
func HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
