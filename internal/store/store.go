package store

import (
	"context"
	"time"

	"qms/ticket-engine/internal/models"
)

type ClaimInput struct {
	TicketID  string
	CounterID string
	CalledAt  time.Time
}

type FinishInput struct {
	TicketID string
	Action   string
	At       time.Time
}

type ListFilter struct {
	Day      string
	Statuses []models.Status
	Limit    int
}

type StatusCount struct {
	Category models.Category
	Status   models.Status
	Count    int64
}

// TicketStore persists tickets. Implementations must make ClaimTicket and
// FinishTicket atomic compare-and-swap operations on the ticket status.
type TicketStore interface {
	// InsertTicket stores a new waiting ticket. A second ticket with the same
	// category, day and number fails with ErrDuplicateNumber.
	InsertTicket(ctx context.Context, ticket models.Ticket) error
	GetTicket(ctx context.Context, ticketID string) (models.Ticket, bool, error)
	// OldestWaiting returns the waiting ticket with the smallest
	// (created_at, id) across every category.
	OldestWaiting(ctx context.Context) (models.Ticket, bool, error)
	// ClaimTicket moves a waiting ticket to serving. It returns false without
	// an error when the ticket was no longer waiting.
	ClaimTicket(ctx context.Context, input ClaimInput) (models.Ticket, bool, error)
	// FinishTicket applies a complete or skip action to a serving ticket.
	FinishTicket(ctx context.Context, input FinishInput) (models.Ticket, error)
	ListTickets(ctx context.Context, filter ListFilter) ([]models.Ticket, error)
	CountByStatus(ctx context.Context, day string) ([]StatusCount, error)
}
