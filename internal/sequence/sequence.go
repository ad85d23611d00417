// Package sequence hands out per category, per business day ticket ordinals.
package sequence

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"qms/ticket-engine/internal/models"
)

// Allocator returns the next ordinal for a category on a business day.
// Ordinals start at 1 and never repeat for the same key, even under
// concurrent callers. A failure must not consume or return a partial value.
type Allocator interface {
	Allocate(ctx context.Context, category models.Category, day string) (int64, error)
}

type key struct {
	category models.Category
	day      string
}

// MemoryAllocator keeps one atomic counter per (category, day). A new day is
// a new key, so nothing is ever reset.
type MemoryAllocator struct {
	counters sync.Map
}

func NewMemoryAllocator() *MemoryAllocator {
	return &MemoryAllocator{}
}

func (a *MemoryAllocator) Allocate(ctx context.Context, category models.Category, day string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	counter, _ := a.counters.LoadOrStore(key{category: category, day: day}, new(atomic.Int64))
	return counter.(*atomic.Int64).Add(1), nil
}

// Prune drops counters for days before the day preceding keep. The previous
// day survives so a create that computed its day just before midnight still
// finds its counter. Callers use it to bound memory in long running
// processes.
func (a *MemoryAllocator) Prune(keep string) {
	cutoff := keep
	if day, err := time.Parse(time.DateOnly, keep); err == nil {
		cutoff = day.AddDate(0, 0, -1).Format(time.DateOnly)
	}
	a.counters.Range(func(k, _ any) bool {
		// Business days are YYYY-MM-DD, so string order is date order.
		if k.(key).day < cutoff {
			a.counters.Delete(k)
		}
		return true
	})
}
