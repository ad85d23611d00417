package ticketing

import (
	"context"
	"fmt"
	"sort"

	"qms/ticket-engine/internal/models"
	"qms/ticket-engine/internal/store"
)

// Snapshot is what a display needs when it connects: who is being served
// and who is next. Later changes arrive as events.
type Snapshot struct {
	BusinessDay string          `json:"business_day"`
	Current     *models.Ticket  `json:"current,omitempty"`
	Serving     []models.Ticket `json:"serving"`
	Waiting     []models.Ticket `json:"waiting"`
}

// Snapshot lists the serving tickets, most recently called first, and up
// to limit waiting tickets in the order CallNext will dispatch them. Neither
// list is limited to today: tickets left waiting from an earlier day are
// called first, so they are shown first.
func (m *Manager) Snapshot(ctx context.Context, limit int) (Snapshot, error) {
	if limit <= 0 {
		limit = m.snapLimit
	}
	day := m.Today()

	serving, err := m.store.ListTickets(ctx, store.ListFilter{
		Statuses: []models.Status{models.StatusServing},
	})
	if err != nil {
		return Snapshot{}, fmt.Errorf("list serving: %w", err)
	}
	waiting, err := m.store.ListTickets(ctx, store.ListFilter{
		Statuses: []models.Status{models.StatusWaiting},
		Limit:    limit,
	})
	if err != nil {
		return Snapshot{}, fmt.Errorf("list waiting: %w", err)
	}

	sort.SliceStable(serving, func(i, j int) bool {
		return serving[i].CalledAt.After(*serving[j].CalledAt)
	})
	snap := Snapshot{
		BusinessDay: day,
		Serving:     nonNil(serving),
		Waiting:     nonNil(waiting),
	}
	if len(serving) > 0 {
		current := serving[0]
		snap.Current = &current
	}
	return snap, nil
}

type Counts struct {
	Total     int64 `json:"total"`
	Waiting   int64 `json:"waiting"`
	Serving   int64 `json:"serving"`
	Completed int64 `json:"completed"`
	Skipped   int64 `json:"skipped"`
}

func (c *Counts) add(status models.Status, n int64) {
	c.Total += n
	switch status {
	case models.StatusWaiting:
		c.Waiting += n
	case models.StatusServing:
		c.Serving += n
	case models.StatusCompleted:
		c.Completed += n
	case models.StatusSkipped:
		c.Skipped += n
	}
}

type CategoryStatistics struct {
	Category models.Category `json:"service_category"`
	Name     string          `json:"service_name"`
	Counts
}

type Statistics struct {
	BusinessDay string `json:"business_day"`
	Counts
	ByCategory []CategoryStatistics `json:"by_category"`
}

// Statistics returns the ticket counts for day, or for today when day is
// empty. Every known category is listed, including those with no tickets.
func (m *Manager) Statistics(ctx context.Context, day string) (Statistics, error) {
	if day == "" {
		day = m.Today()
	}
	if !models.ValidBusinessDay(day) {
		return Statistics{}, fmt.Errorf("%w: %q", ErrInvalidDay, day)
	}
	rows, err := m.store.CountByStatus(ctx, day)
	if err != nil {
		return Statistics{}, fmt.Errorf("count tickets: %w", err)
	}

	stats := Statistics{BusinessDay: day}
	index := make(map[models.Category]int)
	for _, svc := range models.Services() {
		index[svc.Code] = len(stats.ByCategory)
		stats.ByCategory = append(stats.ByCategory, CategoryStatistics{Category: svc.Code, Name: svc.Name})
	}
	for _, row := range rows {
		stats.Counts.add(row.Status, row.Count)
		i, ok := index[row.Category]
		if !ok {
			continue
		}
		stats.ByCategory[i].add(row.Status, row.Count)
	}
	return stats, nil
}

func nonNil(tickets []models.Ticket) []models.Ticket {
	if tickets == nil {
		return []models.Ticket{}
	}
	return tickets
}
