package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"qms/ticket-engine/internal/models"
	"qms/ticket-engine/internal/store"
)

const uniqueViolation = "23505"

const ticketColumns = `ticket_id, ticket_number, service_category, service_name,
	to_char(business_day, 'YYYY-MM-DD'), status, counter_id, created_at, called_at, finished_at`

type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

var _ store.TicketStore = (*Store)(nil)

func (s *Store) InsertTicket(ctx context.Context, ticket models.Ticket) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO tickets (
			ticket_id, ticket_number, service_category, service_name, business_day,
			status, created_at
		) VALUES ($1, $2, $3, $4, $5::date, $6, $7)
	`, ticket.ID, ticket.Number, string(ticket.Category), ticket.ServiceName, ticket.BusinessDay,
		string(models.StatusWaiting), ticket.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %s on %s", store.ErrDuplicateNumber, ticket.Number, ticket.BusinessDay)
	}
	if err != nil {
		return unavailable("insert ticket", err)
	}
	return nil
}

func (s *Store) GetTicket(ctx context.Context, ticketID string) (models.Ticket, bool, error) {
	ticket, err := scanTicket(s.pool.QueryRow(ctx, `
		SELECT `+ticketColumns+`
		FROM tickets
		WHERE ticket_id = $1
	`, ticketID))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Ticket{}, false, nil
	}
	if err != nil {
		return models.Ticket{}, false, unavailable("get ticket", err)
	}
	return ticket, true, nil
}

func (s *Store) OldestWaiting(ctx context.Context) (models.Ticket, bool, error) {
	ticket, err := scanTicket(s.pool.QueryRow(ctx, `
		SELECT `+ticketColumns+`
		FROM tickets
		WHERE status = 'waiting'
		ORDER BY created_at ASC, ticket_id ASC
		LIMIT 1
	`))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Ticket{}, false, nil
	}
	if err != nil {
		return models.Ticket{}, false, unavailable("select oldest waiting", err)
	}
	return ticket, true, nil
}

// ClaimTicket is a single conditional UPDATE; the row lock taken by the
// update makes concurrent claims on the same ticket serialize, and only
// the first sees status = 'waiting'.
func (s *Store) ClaimTicket(ctx context.Context, input store.ClaimInput) (models.Ticket, bool, error) {
	ticket, err := scanTicket(s.pool.QueryRow(ctx, `
		UPDATE tickets
		SET status = 'serving', counter_id = $2, called_at = $3
		WHERE ticket_id = $1 AND status = 'waiting'
		RETURNING `+ticketColumns+`
	`, input.TicketID, input.CounterID, input.CalledAt))
	if err == nil {
		return ticket, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return models.Ticket{}, false, unavailable("claim ticket", err)
	}

	current, found, err := s.GetTicket(ctx, input.TicketID)
	if err != nil {
		return models.Ticket{}, false, err
	}
	if !found {
		return models.Ticket{}, false, store.ErrTicketNotFound
	}
	return current, false, nil
}

func (s *Store) FinishTicket(ctx context.Context, input store.FinishInput) (models.Ticket, error) {
	target, ok := store.TargetStatus(input.Action)
	if !ok || input.Action == store.ActionCallNext {
		return models.Ticket{}, store.ErrUnknownAction
	}

	ticket, err := scanTicket(s.pool.QueryRow(ctx, `
		UPDATE tickets
		SET status = $2, finished_at = $3
		WHERE ticket_id = $1 AND status = 'serving'
		RETURNING `+ticketColumns+`
	`, input.TicketID, string(target), input.At))
	if err == nil {
		return ticket, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return models.Ticket{}, unavailable("finish ticket", err)
	}

	current, found, err := s.GetTicket(ctx, input.TicketID)
	if err != nil {
		return models.Ticket{}, err
	}
	if !found {
		return models.Ticket{}, store.ErrTicketNotFound
	}
	return current, store.ErrInvalidState
}

func (s *Store) ListTickets(ctx context.Context, filter store.ListFilter) ([]models.Ticket, error) {
	statuses := make([]string, 0, len(filter.Statuses))
	for _, status := range filter.Statuses {
		statuses = append(statuses, string(status))
	}

	rows, err := s.pool.Query(ctx, `
		SELECT `+ticketColumns+`
		FROM tickets
		WHERE ($1 = '' OR business_day = NULLIF($1, '')::date)
		  AND (cardinality($2::text[]) = 0 OR status = ANY($2::text[]))
		ORDER BY created_at ASC, ticket_id ASC
		LIMIT NULLIF($3::int, 0)
	`, filter.Day, statuses, filter.Limit)
	if err != nil {
		return nil, unavailable("list tickets", err)
	}
	defer rows.Close()

	var tickets []models.Ticket
	for rows.Next() {
		ticket, err := scanTicket(rows)
		if err != nil {
			return nil, unavailable("scan ticket", err)
		}
		tickets = append(tickets, ticket)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list tickets", err)
	}
	return tickets, nil
}

func (s *Store) CountByStatus(ctx context.Context, day string) ([]store.StatusCount, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT service_category, status, COUNT(*)
		FROM tickets
		WHERE business_day = $1::date
		GROUP BY service_category, status
		ORDER BY service_category, status
	`, day)
	if err != nil {
		return nil, unavailable("count tickets", err)
	}
	defer rows.Close()

	var counts []store.StatusCount
	for rows.Next() {
		var category, status string
		var count int64
		if err := rows.Scan(&category, &status, &count); err != nil {
			return nil, unavailable("scan count", err)
		}
		counts = append(counts, store.StatusCount{
			Category: models.Category(category),
			Status:   models.Status(status),
			Count:    count,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("count tickets", err)
	}
	return counts, nil
}

// Ping reports whether the database answers.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

func scanTicket(row pgx.Row) (models.Ticket, error) {
	var ticket models.Ticket
	var category, status string
	var counterID sql.NullString
	var calledAt, finishedAt sql.NullTime
	err := row.Scan(
		&ticket.ID,
		&ticket.Number,
		&category,
		&ticket.ServiceName,
		&ticket.BusinessDay,
		&status,
		&counterID,
		&ticket.CreatedAt,
		&calledAt,
		&finishedAt,
	)
	if err != nil {
		return models.Ticket{}, err
	}
	ticket.Category = models.Category(category)
	ticket.Status = models.Status(status)
	ticket.Counter = nullStringPtr(counterID)
	ticket.CalledAt = nullTimePtr(calledAt)
	ticket.FinishedAt = nullTimePtr(finishedAt)
	ticket.CreatedAt = ticket.CreatedAt.UTC()
	return ticket, nil
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", store.ErrStoreUnavailable, op, err)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func nullTimePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	t := value.Time.UTC()
	return &t
}

func nullStringPtr(value sql.NullString) *string {
	if !value.Valid {
		return nil
	}
	v := value.String
	return &v
}
