// Package ticketing owns the ticket lifecycle: issuing numbered tickets,
// dispatching the oldest waiting ticket to a counter and finishing served
// tickets. Every successful state change is published as a models.Event.
package ticketing

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/juju/retry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"qms/ticket-engine/internal/models"
	"qms/ticket-engine/internal/sequence"
	"qms/ticket-engine/internal/store"
)

const (
	DefaultClaimAttempts = 32
	DefaultSnapshotLimit = 4
	claimRetryDelay      = time.Millisecond
	tracerName           = "qms/ticket-engine/ticketing"
	lockStripes          = 64
)

// Publisher receives lifecycle events after they are committed.
type Publisher interface {
	Publish(topic string, event models.Event) uint64
}

type Config struct {
	Store     store.TicketStore
	Allocator sequence.Allocator
	Publisher Publisher
	Logger    *slog.Logger

	// Clock stamps tickets. Defaults to the wall clock.
	Clock clock.Clock
	// Location decides which calendar day a ticket belongs to.
	Location      *time.Location
	Topic         string
	ClaimAttempts int
	SnapshotLimit int
	Metrics       *Metrics
	Tracer        trace.Tracer
}

type Manager struct {
	store     store.TicketStore
	allocator sequence.Allocator
	publisher Publisher
	logger    *slog.Logger
	clock     clock.Clock
	location  *time.Location
	topic     string
	attempts  int
	snapLimit int
	metrics   *Metrics
	tracer    trace.Tracer
	locks     ticketLocks
}

// ticketLocks orders the commit and publish of changes to one ticket, so
// its events leave in the order they were committed. Unrelated tickets only
// contend when they hash to the same stripe.
type ticketLocks struct {
	stripes [lockStripes]sync.Mutex
}

func (l *ticketLocks) lock(ticketID string) (unlock func()) {
	h := fnv.New32a()
	_, _ = h.Write([]byte(ticketID))
	mu := &l.stripes[h.Sum32()%lockStripes]
	mu.Lock()
	return mu.Unlock
}

func NewManager(cfg Config) (*Manager, error) {
	if cfg.Store == nil {
		return nil, errors.New("ticketing: store is required")
	}
	if cfg.Allocator == nil {
		return nil, errors.New("ticketing: allocator is required")
	}
	if cfg.Publisher == nil {
		return nil, errors.New("ticketing: publisher is required")
	}
	m := &Manager{
		store:     cfg.Store,
		allocator: cfg.Allocator,
		publisher: cfg.Publisher,
		logger:    cfg.Logger,
		clock:     cfg.Clock,
		location:  cfg.Location,
		topic:     cfg.Topic,
		attempts:  cfg.ClaimAttempts,
		snapLimit: cfg.SnapshotLimit,
		metrics:   cfg.Metrics,
		tracer:    cfg.Tracer,
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	if m.clock == nil {
		m.clock = clock.WallClock
	}
	if m.location == nil {
		m.location = time.UTC
	}
	if m.topic == "" {
		m.topic = models.TopicQueueUpdates
	}
	if m.attempts <= 0 {
		m.attempts = DefaultClaimAttempts
	}
	if m.snapLimit <= 0 {
		m.snapLimit = DefaultSnapshotLimit
	}
	if m.tracer == nil {
		m.tracer = otel.Tracer(tracerName)
	}
	return m, nil
}

func (m *Manager) now() time.Time {
	return m.clock.Now().UTC()
}

// Today returns the current business day.
func (m *Manager) Today() string {
	return models.BusinessDay(m.clock.Now(), m.location)
}

func (m *Manager) CreateTicket(ctx context.Context, category string) (ticket models.Ticket, err error) {
	ctx, span := m.tracer.Start(ctx, "ticketing.CreateTicket")
	defer func() { endSpan(span, err) }()

	cat, ok := models.ParseCategory(category)
	if !ok {
		return models.Ticket{}, fmt.Errorf("%w: %q", ErrInvalidCategory, category)
	}
	span.SetAttributes(attribute.String("ticket.category", string(cat)))

	now := m.now()
	day := models.BusinessDay(now, m.location)
	ordinal, err := m.allocator.Allocate(ctx, cat, day)
	if err != nil {
		return models.Ticket{}, fmt.Errorf("allocate %s number: %w", cat, err)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return models.Ticket{}, fmt.Errorf("generate ticket id: %w", err)
	}
	ticket = models.Ticket{
		ID:          id.String(),
		Number:      models.FormatNumber(cat, ordinal),
		Category:    cat,
		ServiceName: cat.Name(),
		BusinessDay: day,
		Status:      models.StatusWaiting,
		CreatedAt:   now,
	}
	unlock := m.locks.lock(ticket.ID)
	defer unlock()
	if err = m.store.InsertTicket(ctx, ticket); err != nil {
		return models.Ticket{}, fmt.Errorf("insert ticket %s: %w", ticket.Number, err)
	}
	span.SetAttributes(attribute.String("ticket.number", ticket.Number))

	m.metrics.ticketIssued(string(cat))
	m.publish(models.EventCreated, ticket, now)
	m.logger.Info("ticket issued",
		"ticket_id", ticket.ID,
		"number", ticket.Number,
		"category", cat,
		"business_day", day,
	)
	return ticket, nil
}

var errClaimLost = errors.New("claim lost")

// CallNext assigns the oldest waiting ticket, across every category, to
// counter. ok is false when nothing is waiting. A claim lost to a
// concurrent caller re-selects the next oldest ticket; after the
// configured number of lost races ErrClaimContention is returned.
func (m *Manager) CallNext(ctx context.Context, counter string) (ticket models.Ticket, ok bool, err error) {
	ctx, span := m.tracer.Start(ctx, "ticketing.CallNext")
	defer func() { endSpan(span, err) }()

	counter = strings.TrimSpace(counter)
	if counter == "" {
		return models.Ticket{}, false, ErrInvalidCounter
	}
	span.SetAttributes(attribute.String("ticket.counter", counter))

	var (
		claimed  models.Ticket
		found    bool
		fatalErr error
	)
	err = retry.Call(retry.CallArgs{
		Func: func() error {
			candidate, waiting, err := m.store.OldestWaiting(ctx)
			if err != nil {
				fatalErr = fmt.Errorf("select oldest waiting: %w", err)
				return fatalErr
			}
			if !waiting {
				found = false
				return nil
			}
			unlock := m.locks.lock(candidate.ID)
			defer unlock()
			t, won, err := m.store.ClaimTicket(ctx, store.ClaimInput{
				TicketID:  candidate.ID,
				CounterID: counter,
				CalledAt:  m.now(),
			})
			if err != nil {
				fatalErr = fmt.Errorf("claim ticket %s: %w", candidate.Number, err)
				return fatalErr
			}
			if !won {
				return errClaimLost
			}
			claimed, found = t, true
			m.publish(models.EventCalled, t, *t.CalledAt)
			return nil
		},
		IsFatalError: func(err error) bool {
			return !errors.Is(err, errClaimLost)
		},
		NotifyFunc: func(lastErr error, attempt int) {
			m.metrics.claimConflict()
			m.logger.Debug("claim lost, retrying", "counter", counter, "attempt", attempt)
		},
		Attempts: m.attempts,
		Delay:    claimRetryDelay,
		Clock:    clock.WallClock,
		Stop:     ctx.Done(),
	})
	switch {
	case err == nil:
	case fatalErr != nil:
		return models.Ticket{}, false, fatalErr
	case retry.IsAttemptsExceeded(err):
		return models.Ticket{}, false, fmt.Errorf("%w: %d attempts at counter %s", ErrClaimContention, m.attempts, counter)
	case retry.IsRetryStopped(err):
		return models.Ticket{}, false, ctx.Err()
	default:
		return models.Ticket{}, false, err
	}
	if !found {
		return models.Ticket{}, false, nil
	}

	span.SetAttributes(attribute.String("ticket.number", claimed.Number))
	m.metrics.ticketCalled(string(claimed.Category))
	m.logger.Info("ticket called",
		"ticket_id", claimed.ID,
		"number", claimed.Number,
		"counter", counter,
	)
	return claimed, true, nil
}

func (m *Manager) CompleteTicket(ctx context.Context, ticketID string) (models.Ticket, error) {
	return m.finish(ctx, "ticketing.CompleteTicket", ticketID, store.ActionComplete, models.EventCompleted)
}

func (m *Manager) SkipTicket(ctx context.Context, ticketID string) (models.Ticket, error) {
	return m.finish(ctx, "ticketing.SkipTicket", ticketID, store.ActionSkip, models.EventSkipped)
}

func (m *Manager) finish(ctx context.Context, spanName, ticketID, action string, eventType models.EventType) (ticket models.Ticket, err error) {
	ctx, span := m.tracer.Start(ctx, spanName,
		trace.WithAttributes(attribute.String("ticket.id", ticketID)))
	defer func() { endSpan(span, err) }()

	if strings.TrimSpace(ticketID) == "" {
		return models.Ticket{}, store.ErrTicketNotFound
	}
	unlock := m.locks.lock(ticketID)
	defer unlock()
	now := m.now()
	ticket, err = m.store.FinishTicket(ctx, store.FinishInput{TicketID: ticketID, Action: action, At: now})
	if errors.Is(err, store.ErrInvalidState) {
		return models.Ticket{}, fmt.Errorf("%w: cannot %s ticket %s in status %s", ErrInvalidTransition, action, ticket.Number, ticket.Status)
	}
	if err != nil {
		return models.Ticket{}, err
	}

	m.metrics.ticketFinished(string(ticket.Status))
	m.publish(eventType, ticket, now)
	m.logger.Info("ticket finished",
		"ticket_id", ticket.ID,
		"number", ticket.Number,
		"status", ticket.Status,
		"counter", ticket.CounterID(),
	)
	return ticket, nil
}

func (m *Manager) GetTicket(ctx context.Context, ticketID string) (models.Ticket, error) {
	ticket, found, err := m.store.GetTicket(ctx, ticketID)
	if err != nil {
		return models.Ticket{}, err
	}
	if !found {
		return models.Ticket{}, store.ErrTicketNotFound
	}
	return ticket, nil
}

func (m *Manager) publish(eventType models.EventType, ticket models.Ticket, at time.Time) {
	event := models.Event{Type: eventType, Ticket: ticket.Clone(), OccurredAt: at}
	seq := m.publisher.Publish(m.topic, event)
	m.logger.Debug("event published", "type", eventType, "sequence", seq, "number", ticket.Number)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
