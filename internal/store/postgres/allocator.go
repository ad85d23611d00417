package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"qms/ticket-engine/internal/models"
)

// Allocator keeps ticket ordinals in the ticket_sequences table. The upsert
// holds the row lock for one statement, so callers for the same category
// and day serialize while other keys proceed in parallel.
type Allocator struct {
	pool *pgxpool.Pool
}

func NewAllocator(pool *pgxpool.Pool) *Allocator {
	return &Allocator{pool: pool}
}

func (a *Allocator) Allocate(ctx context.Context, category models.Category, day string) (int64, error) {
	var next int64
	row := a.pool.QueryRow(ctx, `
		INSERT INTO ticket_sequences (service_category, business_day, last_number)
		VALUES ($1, $2::date, 1)
		ON CONFLICT (service_category, business_day)
		DO UPDATE SET last_number = ticket_sequences.last_number + 1
		RETURNING last_number
	`, string(category), day)
	if err := row.Scan(&next); err != nil {
		return 0, unavailable(fmt.Sprintf("allocate %s %s", category, day), err)
	}
	return next, nil
}
