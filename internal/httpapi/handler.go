package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/igm/sockjs-go/sockjs"

	"qms/ticket-engine/internal/broadcast"
	"qms/ticket-engine/internal/models"
	"qms/ticket-engine/internal/store"
	"qms/ticket-engine/internal/ticketing"
)

// Service is the ticket lifecycle as seen by the HTTP layer.
type Service interface {
	CreateTicket(ctx context.Context, category string) (models.Ticket, error)
	CallNext(ctx context.Context, counter string) (models.Ticket, bool, error)
	CompleteTicket(ctx context.Context, ticketID string) (models.Ticket, error)
	SkipTicket(ctx context.Context, ticketID string) (models.Ticket, error)
	GetTicket(ctx context.Context, ticketID string) (models.Ticket, error)
	Snapshot(ctx context.Context, limit int) (ticketing.Snapshot, error)
	Statistics(ctx context.Context, day string) (ticketing.Statistics, error)
}

type Subscriber interface {
	Subscribe(topic string) (*broadcast.Subscription[models.Event], error)
}

type Options struct {
	Logger *slog.Logger
	// Health is consulted by /healthz when set.
	Health func(ctx context.Context) error
	// MaxSnapshotLimit caps the limit query parameter of the snapshot.
	MaxSnapshotLimit int
}

type Handler struct {
	service  Service
	events   Subscriber
	logger   *slog.Logger
	health   func(ctx context.Context) error
	maxLimit int
	upgrader websocket.Upgrader
}

type createTicketRequest struct {
	ServiceCategory string `json:"service_category"`
}

type createTicketResponse struct {
	ID     string        `json:"id"`
	Number string        `json:"number"`
	Ticket models.Ticket `json:"ticket"`
}

type callNextRequest struct {
	Counter string `json:"counter"`
}

type ticketResponse struct {
	Ticket      *models.Ticket `json:"ticket,omitempty"`
	NoneWaiting bool           `json:"none_waiting,omitempty"`
}

type servicesResponse struct {
	Services []models.Service `json:"services"`
}

type errorResponse struct {
	RequestID string        `json:"request_id,omitempty"`
	Error     responseError `json:"error"`
}

type responseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func NewHandler(service Service, events Subscriber, options Options) *Handler {
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxLimit := options.MaxSnapshotLimit
	if maxLimit <= 0 {
		maxLimit = 50
	}
	return &Handler{
		service:  service,
		events:   events,
		logger:   logger,
		health:   options.Health,
		maxLimit: maxLimit,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Displays are served from other origins on the branch network.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.handleHealth)
	mux.HandleFunc("/api/tickets", h.handleTickets)
	mux.HandleFunc("/api/tickets/actions/call-next", h.handleCallNext)
	mux.HandleFunc("/api/tickets/snapshot", h.handleSnapshot)
	mux.HandleFunc("/api/tickets/", h.handleTicket)
	mux.HandleFunc("/api/statistics", h.handleStatistics)
	mux.HandleFunc("/api/services", h.handleServices)
	mux.Handle("/realtime/", sockjs.NewHandler("/realtime", sockjs.DefaultOptions, h.serveSockJS))
	mux.HandleFunc("/ws", h.serveWebSocket)
	return mux
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if h.health != nil {
		if err := h.health(r.Context()); err != nil {
			h.logger.Warn("health check failed", "error", err)
			writeError(w, requestID(r), http.StatusServiceUnavailable, "unhealthy", "dependency unavailable")
			return
		}
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleTickets(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req createTicketRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.ServiceCategory = strings.TrimSpace(req.ServiceCategory)
	if req.ServiceCategory == "" {
		writeError(w, requestID(r), http.StatusBadRequest, "invalid_request", "service_category is required")
		return
	}

	ticket, err := h.service.CreateTicket(r.Context(), req.ServiceCategory)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, createTicketResponse{ID: ticket.ID, Number: ticket.Number, Ticket: ticket})
}

func (h *Handler) handleCallNext(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req callNextRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.Counter = strings.TrimSpace(req.Counter)
	if req.Counter == "" {
		writeError(w, requestID(r), http.StatusBadRequest, "invalid_request", "counter is required")
		return
	}

	ticket, ok, err := h.service.CallNext(r.Context(), req.Counter)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if !ok {
		writeJSON(w, http.StatusOK, ticketResponse{NoneWaiting: true})
		return
	}
	writeJSON(w, http.StatusOK, ticketResponse{Ticket: &ticket})
}

func (h *Handler) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, requestID(r), http.StatusBadRequest, "invalid_request", "limit must be a positive integer")
			return
		}
		limit = min(parsed, h.maxLimit)
	}

	snapshot, err := h.service.Snapshot(r.Context(), limit)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

// handleTicket serves GET /api/tickets/{id} and
// POST /api/tickets/{id}/actions/{complete|skip}.
func (h *Handler) handleTicket(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/tickets/")
	parts := strings.Split(strings.Trim(path, "/"), "/")
	ticketID := parts[0]
	if ticketID == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	switch {
	case len(parts) == 1:
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		ticket, err := h.service.GetTicket(r.Context(), ticketID)
		if err != nil {
			h.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, ticketResponse{Ticket: &ticket})
	case len(parts) == 3 && parts[1] == "actions":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var (
			ticket models.Ticket
			err    error
		)
		switch parts[2] {
		case "complete":
			ticket, err = h.service.CompleteTicket(r.Context(), ticketID)
		case "skip":
			ticket, err = h.service.SkipTicket(r.Context(), ticketID)
		default:
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if err != nil {
			h.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, ticketResponse{Ticket: &ticket})
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *Handler) handleStatistics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	stats, err := h.service.Statistics(r.Context(), strings.TrimSpace(r.URL.Query().Get("day")))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) handleServices(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, servicesResponse{Services: models.Services()})
}

func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, msg := mapError(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", "path", r.URL.Path, "error", err)
	}
	writeError(w, requestID(r), status, code, msg)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		writeError(w, requestID(r), http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return false
	}
	return true
}

func requestID(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("X-Request-ID"))
}

func mapError(err error) (int, string, string) {
	switch {
	case errors.Is(err, ticketing.ErrInvalidCategory):
		return http.StatusBadRequest, "invalid_category", "unknown service category"
	case errors.Is(err, ticketing.ErrInvalidCounter):
		return http.StatusBadRequest, "invalid_counter", "counter is required"
	case errors.Is(err, ticketing.ErrInvalidDay):
		return http.StatusBadRequest, "invalid_day", "day must be formatted as YYYY-MM-DD"
	case errors.Is(err, store.ErrTicketNotFound):
		return http.StatusNotFound, "ticket_not_found", "ticket not found"
	case errors.Is(err, ticketing.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition", "ticket state does not allow this action"
	case errors.Is(err, store.ErrStoreUnavailable),
		errors.Is(err, ticketing.ErrClaimContention),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, "try_again", "service temporarily unavailable, please try again"
	default:
		return http.StatusInternalServerError, "internal_error", "internal server error"
	}
}

func writeError(w http.ResponseWriter, requestID string, status int, code, message string) {
	writeJSON(w, status, errorResponse{
		RequestID: requestID,
		Error: responseError{
			Code:    code,
			Message: message,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}
