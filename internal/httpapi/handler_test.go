package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"qms/ticket-engine/internal/broadcast"
	"qms/ticket-engine/internal/logger"
	"qms/ticket-engine/internal/models"
	"qms/ticket-engine/internal/store"
	"qms/ticket-engine/internal/ticketing"
)

type fakeService struct {
	createFn     func(ctx context.Context, category string) (models.Ticket, error)
	callFn       func(ctx context.Context, counter string) (models.Ticket, bool, error)
	completeFn   func(ctx context.Context, ticketID string) (models.Ticket, error)
	skipFn       func(ctx context.Context, ticketID string) (models.Ticket, error)
	getFn        func(ctx context.Context, ticketID string) (models.Ticket, error)
	snapshotFn   func(ctx context.Context, limit int) (ticketing.Snapshot, error)
	statisticsFn func(ctx context.Context, day string) (ticketing.Statistics, error)
}

func (f fakeService) CreateTicket(ctx context.Context, category string) (models.Ticket, error) {
	if f.createFn == nil {
		return models.Ticket{}, nil
	}
	return f.createFn(ctx, category)
}

func (f fakeService) CallNext(ctx context.Context, counter string) (models.Ticket, bool, error) {
	if f.callFn == nil {
		return models.Ticket{}, false, nil
	}
	return f.callFn(ctx, counter)
}

func (f fakeService) CompleteTicket(ctx context.Context, ticketID string) (models.Ticket, error) {
	if f.completeFn == nil {
		return models.Ticket{}, nil
	}
	return f.completeFn(ctx, ticketID)
}

func (f fakeService) SkipTicket(ctx context.Context, ticketID string) (models.Ticket, error) {
	if f.skipFn == nil {
		return models.Ticket{}, nil
	}
	return f.skipFn(ctx, ticketID)
}

func (f fakeService) GetTicket(ctx context.Context, ticketID string) (models.Ticket, error) {
	if f.getFn == nil {
		return models.Ticket{}, store.ErrTicketNotFound
	}
	return f.getFn(ctx, ticketID)
}

func (f fakeService) Snapshot(ctx context.Context, limit int) (ticketing.Snapshot, error) {
	if f.snapshotFn == nil {
		return ticketing.Snapshot{}, nil
	}
	return f.snapshotFn(ctx, limit)
}

func (f fakeService) Statistics(ctx context.Context, day string) (ticketing.Statistics, error) {
	if f.statisticsFn == nil {
		return ticketing.Statistics{}, nil
	}
	return f.statisticsFn(ctx, day)
}

func newTestHandler(svc Service, events Subscriber) *Handler {
	if events == nil {
		events = broadcast.NewBroker[models.Event](broadcast.Options{})
	}
	return NewHandler(svc, events, Options{Logger: logger.Discard()})
}

func serve(h *Handler, method, target string, body any) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		raw, _ := json.Marshal(body)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, target, reader)
	resp := httptest.NewRecorder()
	h.Routes().ServeHTTP(resp, req)
	return resp
}

func decodeError(t *testing.T, resp *httptest.ResponseRecorder) string {
	t.Helper()
	var payload errorResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode error response: %v", err)
	}
	return payload.Error.Code
}

func TestCreateTicketSuccess(t *testing.T) {
	createdAt := time.Date(2024, 5, 6, 8, 0, 0, 0, time.UTC)
	svc := fakeService{
		createFn: func(ctx context.Context, category string) (models.Ticket, error) {
			if category != "CS" {
				t.Fatalf("unexpected category %q", category)
			}
			return models.Ticket{
				ID:        "ticket-1",
				Number:    "CS001",
				Category:  models.CategoryCustomerService,
				Status:    models.StatusWaiting,
				CreatedAt: createdAt,
			}, nil
		},
	}

	resp := serve(newTestHandler(svc, nil), http.MethodPost, "/api/tickets", map[string]string{"service_category": "CS"})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.Code)
	}

	var payload createTicketResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload.ID != "ticket-1" || payload.Number != "CS001" || payload.Ticket.Status != models.StatusWaiting {
		t.Fatalf("unexpected response: %+v", payload)
	}
}

func TestCreateTicketValidation(t *testing.T) {
	h := newTestHandler(fakeService{
		createFn: func(ctx context.Context, category string) (models.Ticket, error) {
			return models.Ticket{}, fmt.Errorf("%w: %q", ticketing.ErrInvalidCategory, category)
		},
	}, nil)

	cases := []struct {
		name   string
		method string
		body   string
		status int
		code   string
	}{
		{"wrong method", http.MethodGet, "", http.StatusMethodNotAllowed, ""},
		{"bad json", http.MethodPost, "{", http.StatusBadRequest, "invalid_json"},
		{"unknown field", http.MethodPost, `{"service_category":"CS","tenant_id":"x"}`, http.StatusBadRequest, "invalid_json"},
		{"missing category", http.MethodPost, `{"service_category":" "}`, http.StatusBadRequest, "invalid_request"},
		{"unknown category", http.MethodPost, `{"service_category":"XX"}`, http.StatusBadRequest, "invalid_category"},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(tc.method, "/api/tickets", strings.NewReader(tc.body))
		resp := httptest.NewRecorder()
		h.Routes().ServeHTTP(resp, req)
		if resp.Code != tc.status {
			t.Fatalf("%s: expected status %d, got %d", tc.name, tc.status, resp.Code)
		}
		if tc.code != "" {
			if code := decodeError(t, resp); code != tc.code {
				t.Fatalf("%s: expected code %s, got %s", tc.name, tc.code, code)
			}
		}
	}
}

func TestCreateTicketStoreUnavailable(t *testing.T) {
	h := newTestHandler(fakeService{
		createFn: func(ctx context.Context, category string) (models.Ticket, error) {
			return models.Ticket{}, fmt.Errorf("allocate: %w", store.ErrStoreUnavailable)
		},
	}, nil)

	resp := serve(h, http.MethodPost, "/api/tickets", map[string]string{"service_category": "TL"})
	if resp.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", resp.Code)
	}
	if code := decodeError(t, resp); code != "try_again" {
		t.Fatalf("unexpected code %s", code)
	}
}

func TestCallNext(t *testing.T) {
	waiting := true
	h := newTestHandler(fakeService{
		callFn: func(ctx context.Context, counter string) (models.Ticket, bool, error) {
			if !waiting {
				return models.Ticket{}, false, nil
			}
			return models.Ticket{ID: "ticket-1", Number: "CS001", Status: models.StatusServing, Counter: &counter}, true, nil
		},
	}, nil)

	resp := serve(h, http.MethodPost, "/api/tickets/actions/call-next", map[string]string{"counter": "counter-3"})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.Code)
	}
	var payload ticketResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload.Ticket == nil || payload.Ticket.CounterID() != "counter-3" || payload.NoneWaiting {
		t.Fatalf("unexpected response: %+v", payload)
	}

	waiting = false
	resp = serve(h, http.MethodPost, "/api/tickets/actions/call-next", map[string]string{"counter": "counter-3"})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.Code)
	}
	var empty map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&empty); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if empty["none_waiting"] != true || empty["ticket"] != nil {
		t.Fatalf("unexpected none waiting response: %v", empty)
	}

	resp = serve(h, http.MethodPost, "/api/tickets/actions/call-next", map[string]string{})
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400 without counter, got %d", resp.Code)
	}
}

func TestTicketActions(t *testing.T) {
	var gotAction, gotID string
	h := newTestHandler(fakeService{
		completeFn: func(ctx context.Context, ticketID string) (models.Ticket, error) {
			gotAction, gotID = "complete", ticketID
			return models.Ticket{ID: ticketID, Status: models.StatusCompleted}, nil
		},
		skipFn: func(ctx context.Context, ticketID string) (models.Ticket, error) {
			return models.Ticket{}, fmt.Errorf("%w: waiting", ticketing.ErrInvalidTransition)
		},
		getFn: func(ctx context.Context, ticketID string) (models.Ticket, error) {
			if ticketID != "ticket-1" {
				return models.Ticket{}, store.ErrTicketNotFound
			}
			return models.Ticket{ID: ticketID, Number: "TL004"}, nil
		},
	}, nil)

	resp := serve(h, http.MethodPost, "/api/tickets/ticket-1/actions/complete", nil)
	if resp.Code != http.StatusOK || gotAction != "complete" || gotID != "ticket-1" {
		t.Fatalf("complete: status %d action %s id %s", resp.Code, gotAction, gotID)
	}

	resp = serve(h, http.MethodPost, "/api/tickets/ticket-1/actions/skip", nil)
	if resp.Code != http.StatusConflict {
		t.Fatalf("skip: expected status 409, got %d", resp.Code)
	}
	if code := decodeError(t, resp); code != "invalid_transition" {
		t.Fatalf("skip: unexpected code %s", code)
	}

	cases := []struct {
		method string
		target string
		status int
	}{
		{http.MethodPost, "/api/tickets/ticket-1/actions/recall", http.StatusNotFound},
		{http.MethodGet, "/api/tickets/ticket-1/actions/complete", http.StatusMethodNotAllowed},
		{http.MethodGet, "/api/tickets/ticket-1", http.StatusOK},
		{http.MethodGet, "/api/tickets/ticket-2", http.StatusNotFound},
		{http.MethodDelete, "/api/tickets/ticket-1", http.StatusMethodNotAllowed},
		{http.MethodGet, "/api/tickets/ticket-1/extra", http.StatusNotFound},
	}
	for _, tc := range cases {
		if resp := serve(h, tc.method, tc.target, nil); resp.Code != tc.status {
			t.Fatalf("%s %s: expected status %d, got %d", tc.method, tc.target, tc.status, resp.Code)
		}
	}
}

func TestSnapshotLimit(t *testing.T) {
	var gotLimit int
	h := newTestHandler(fakeService{
		snapshotFn: func(ctx context.Context, limit int) (ticketing.Snapshot, error) {
			gotLimit = limit
			return ticketing.Snapshot{BusinessDay: "2024-05-06", Serving: []models.Ticket{}, Waiting: []models.Ticket{}}, nil
		},
	}, nil)

	if resp := serve(h, http.MethodGet, "/api/tickets/snapshot?limit=4", nil); resp.Code != http.StatusOK || gotLimit != 4 {
		t.Fatalf("snapshot: status %d limit %d", resp.Code, gotLimit)
	}
	if resp := serve(h, http.MethodGet, "/api/tickets/snapshot?limit=5000", nil); resp.Code != http.StatusOK || gotLimit != 50 {
		t.Fatalf("snapshot cap: status %d limit %d", resp.Code, gotLimit)
	}
	if resp := serve(h, http.MethodGet, "/api/tickets/snapshot?limit=-1", nil); resp.Code != http.StatusBadRequest {
		t.Fatalf("snapshot negative: status %d", resp.Code)
	}
}

func TestStatisticsAndServices(t *testing.T) {
	h := newTestHandler(fakeService{
		statisticsFn: func(ctx context.Context, day string) (ticketing.Statistics, error) {
			if day == "bad" {
				return ticketing.Statistics{}, ticketing.ErrInvalidDay
			}
			return ticketing.Statistics{BusinessDay: day, Counts: ticketing.Counts{Total: 3, Waiting: 2, Completed: 1}}, nil
		},
	}, nil)

	resp := serve(h, http.MethodGet, "/api/statistics?day=2024-05-06", nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("statistics: status %d", resp.Code)
	}
	var stats map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatalf("decode statistics: %v", err)
	}
	if stats["business_day"] != "2024-05-06" || stats["total"] != float64(3) || stats["waiting"] != float64(2) {
		t.Fatalf("unexpected statistics: %v", stats)
	}
	if resp := serve(h, http.MethodGet, "/api/statistics?day=bad", nil); resp.Code != http.StatusBadRequest {
		t.Fatalf("bad day: status %d", resp.Code)
	}

	resp = serve(h, http.MethodGet, "/api/services", nil)
	var services servicesResponse
	if err := json.NewDecoder(resp.Body).Decode(&services); err != nil {
		t.Fatalf("decode services: %v", err)
	}
	if len(services.Services) != 4 || services.Services[0].Code != models.CategoryCustomerService {
		t.Fatalf("unexpected services: %+v", services)
	}
}

func TestHealth(t *testing.T) {
	healthy := true
	h := NewHandler(fakeService{}, broadcast.NewBroker[models.Event](broadcast.Options{}), Options{
		Logger: logger.Discard(),
		Health: func(context.Context) error {
			if healthy {
				return nil
			}
			return store.ErrStoreUnavailable
		},
	})
	if resp := serve(h, http.MethodGet, "/healthz", nil); resp.Code != http.StatusOK {
		t.Fatalf("healthy: status %d", resp.Code)
	}
	healthy = false
	if resp := serve(h, http.MethodGet, "/healthz", nil); resp.Code != http.StatusServiceUnavailable {
		t.Fatalf("unhealthy: status %d", resp.Code)
	}
}

func TestMapError(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{ticketing.ErrInvalidCategory, http.StatusBadRequest},
		{ticketing.ErrInvalidCounter, http.StatusBadRequest},
		{store.ErrTicketNotFound, http.StatusNotFound},
		{fmt.Errorf("wrapped: %w", ticketing.ErrInvalidTransition), http.StatusConflict},
		{ticketing.ErrClaimContention, http.StatusServiceUnavailable},
		{store.ErrStoreUnavailable, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if status, _, _ := mapError(tc.err); status != tc.status {
			t.Fatalf("mapError(%v) = %d, want %d", tc.err, status, tc.status)
		}
	}
}

func TestWebSocketStream(t *testing.T) {
	broker := broadcast.NewBroker[models.Event](broadcast.Options{})
	h := newTestHandler(fakeService{}, broker)
	server := httptest.NewServer(LoggingMiddleware(logger.Discard(), h.Routes()))
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	occurred := time.Date(2024, 5, 6, 8, 0, 0, 0, time.UTC)
	broker.Publish(models.TopicQueueUpdates, models.Event{
		Type:       models.EventCalled,
		Ticket:     models.Ticket{ID: "ticket-1", Number: "CS001", Status: models.StatusServing},
		OccurredAt: occurred,
	})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg eventMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	if msg.Type != models.EventCalled || msg.Sequence != 1 || msg.Ticket.Number != "CS001" || !msg.OccurredAt.Equal(occurred) {
		t.Fatalf("unexpected message: %+v", msg)
	}

	broker.Close()
	_, _, err = conn.ReadMessage()
	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) || closeErr.Code != closeGoingAway {
		t.Fatalf("expected going away close, got %v", err)
	}
}

func TestWebSocketTopicParameter(t *testing.T) {
	broker := broadcast.NewBroker[models.Event](broadcast.Options{})
	defer broker.Close()
	h := newTestHandler(fakeService{}, broker)
	server := httptest.NewServer(h.Routes())
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws?topic=display-2"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if broker.Subscribers("display-2") != 1 || broker.Subscribers(models.TopicQueueUpdates) != 0 {
		t.Fatalf("subscription registered on wrong topic")
	}
	broker.Publish("display-2", models.Event{Type: models.EventCreated})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg eventMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	if msg.Topic != "display-2" || msg.Type != models.EventCreated {
		t.Fatalf("unexpected message: %+v", msg)
	}
}

func TestSockJSRawWebSocket(t *testing.T) {
	broker := broadcast.NewBroker[models.Event](broadcast.Options{})
	defer broker.Close()
	h := newTestHandler(fakeService{}, broker)
	server := httptest.NewServer(h.Routes())
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/realtime/websocket"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for broker.Subscribers(models.TopicQueueUpdates) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("sockjs session never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}
	broker.Publish(models.TopicQueueUpdates, models.Event{Type: models.EventSkipped, Ticket: models.Ticket{Number: "LS002"}})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg eventMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	if msg.Type != models.EventSkipped || msg.Ticket.Number != "LS002" {
		t.Fatalf("unexpected message: %+v", msg)
	}
}

func TestCloseReason(t *testing.T) {
	if code, reason := closeReason(broadcast.ErrSlowSubscriber); code != closeSlowSubscriber || reason != "slow_subscriber" {
		t.Fatalf("slow subscriber: %d %s", code, reason)
	}
	if code, _ := closeReason(context.Canceled); code != closeNormal {
		t.Fatalf("canceled: %d", code)
	}
}

func TestRateLimiter(t *testing.T) {
	limiter := NewRateLimiter(RateLimitConfig{IPPerMinute: 60, IPBurst: 2, ExemptPrefixes: []string{"/ws"}})
	handler := limiter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	status := func(path string) int {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.RemoteAddr = "10.0.0.1:5000"
		resp := httptest.NewRecorder()
		handler.ServeHTTP(resp, req)
		return resp.Code
	}
	if status("/api/services") != http.StatusOK || status("/api/services") != http.StatusOK {
		t.Fatalf("burst requests should pass")
	}
	if status("/api/services") != http.StatusTooManyRequests {
		t.Fatalf("expected rate limit after burst")
	}
	if status("/ws") != http.StatusOK {
		t.Fatalf("exempt path was limited")
	}
}
