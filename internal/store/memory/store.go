// Package memory is an in-process TicketStore for single instance
// deployments and tests.
package memory

import (
	"context"
	"slices"
	"sort"
	"sync"

	"qms/ticket-engine/internal/models"
	"qms/ticket-engine/internal/store"
)

type numberKey struct {
	category models.Category
	day      string
	number   string
}

type Store struct {
	mu      sync.RWMutex
	tickets map[string]*models.Ticket
	numbers map[numberKey]string
	// order holds ticket ids sorted by (created_at, id). Every ticket before
	// head has left the waiting state.
	order []string
	head  int
}

func NewStore() *Store {
	return &Store{
		tickets: make(map[string]*models.Ticket),
		numbers: make(map[numberKey]string),
	}
}

var _ store.TicketStore = (*Store)(nil)

func (s *Store) InsertTicket(ctx context.Context, ticket models.Ticket) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := numberKey{category: ticket.Category, day: ticket.BusinessDay, number: ticket.Number}
	if _, exists := s.numbers[key]; exists {
		return store.ErrDuplicateNumber
	}
	if _, exists := s.tickets[ticket.ID]; exists {
		return store.ErrDuplicateNumber
	}

	stored := ticket.Clone()
	s.tickets[ticket.ID] = &stored
	s.numbers[key] = ticket.ID

	pos := sort.Search(len(s.order), func(i int) bool {
		return s.less(ticket.ID, s.order[i])
	})
	s.order = slices.Insert(s.order, pos, ticket.ID)
	if pos < s.head {
		s.head = pos
	}
	return nil
}

func (s *Store) GetTicket(ctx context.Context, ticketID string) (models.Ticket, bool, error) {
	if err := ctx.Err(); err != nil {
		return models.Ticket{}, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	ticket, ok := s.tickets[ticketID]
	if !ok {
		return models.Ticket{}, false, nil
	}
	return ticket.Clone(), true, nil
}

func (s *Store) OldestWaiting(ctx context.Context) (models.Ticket, bool, error) {
	if err := ctx.Err(); err != nil {
		return models.Ticket{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for s.head < len(s.order) {
		ticket := s.tickets[s.order[s.head]]
		if ticket.Status == models.StatusWaiting {
			return ticket.Clone(), true, nil
		}
		s.head++
	}
	return models.Ticket{}, false, nil
}

func (s *Store) ClaimTicket(ctx context.Context, input store.ClaimInput) (models.Ticket, bool, error) {
	if err := ctx.Err(); err != nil {
		return models.Ticket{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	ticket, ok := s.tickets[input.TicketID]
	if !ok {
		return models.Ticket{}, false, store.ErrTicketNotFound
	}
	if !store.ValidTransition(store.ActionCallNext, ticket.Status) {
		return ticket.Clone(), false, nil
	}
	counter := input.CounterID
	calledAt := input.CalledAt
	ticket.Status = models.StatusServing
	ticket.Counter = &counter
	ticket.CalledAt = &calledAt
	return ticket.Clone(), true, nil
}

func (s *Store) FinishTicket(ctx context.Context, input store.FinishInput) (models.Ticket, error) {
	if err := ctx.Err(); err != nil {
		return models.Ticket{}, err
	}
	target, ok := store.TargetStatus(input.Action)
	if !ok || input.Action == store.ActionCallNext {
		return models.Ticket{}, store.ErrUnknownAction
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ticket, ok := s.tickets[input.TicketID]
	if !ok {
		return models.Ticket{}, store.ErrTicketNotFound
	}
	if !store.ValidTransition(input.Action, ticket.Status) {
		return ticket.Clone(), store.ErrInvalidState
	}
	at := input.At
	ticket.Status = target
	ticket.FinishedAt = &at
	return ticket.Clone(), nil
}

func (s *Store) ListTickets(ctx context.Context, filter store.ListFilter) ([]models.Ticket, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.Ticket
	for _, id := range s.order {
		ticket := s.tickets[id]
		if filter.Day != "" && ticket.BusinessDay != filter.Day {
			continue
		}
		if len(filter.Statuses) > 0 && !slices.Contains(filter.Statuses, ticket.Status) {
			continue
		}
		out = append(out, ticket.Clone())
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

func (s *Store) CountByStatus(ctx context.Context, day string) ([]store.StatusCount, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	type countKey struct {
		category models.Category
		status   models.Status
	}
	counts := make(map[countKey]int64)
	for _, ticket := range s.tickets {
		if day != "" && ticket.BusinessDay != day {
			continue
		}
		counts[countKey{category: ticket.Category, status: ticket.Status}]++
	}

	out := make([]store.StatusCount, 0, len(counts))
	for key, count := range counts {
		out = append(out, store.StatusCount{Category: key.category, Status: key.status, Count: count})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Category != out[j].Category {
			return out[i].Category < out[j].Category
		}
		return out[i].Status < out[j].Status
	})
	return out, nil
}

// less orders ticket a before b by creation time, then id. a may not be in
// the ordering yet but must already be present in tickets.
func (s *Store) less(a, b string) bool {
	ta, tb := s.tickets[a], s.tickets[b]
	if !ta.CreatedAt.Equal(tb.CreatedAt) {
		return ta.CreatedAt.Before(tb.CreatedAt)
	}
	return a < b
}
