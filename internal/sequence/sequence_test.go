package sequence

import (
	"context"
	"sort"
	"sync"
	"testing"

	"qms/ticket-engine/internal/models"
)

func TestMemoryAllocatorConcurrentUnique(t *testing.T) {
	alloc := NewMemoryAllocator()
	ctx := context.Background()

	const n = 200
	results := make([]int64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := alloc.Allocate(ctx, models.CategoryCustomerService, "2024-05-06")
			if err != nil {
				t.Errorf("allocate: %v", err)
				return
			}
			results[i] = v
		}(i)
	}
	wg.Wait()

	sort.Slice(results, func(i, j int) bool { return results[i] < results[j] })
	for i, v := range results {
		if v != int64(i+1) {
			t.Fatalf("ordinal %d = %d, want %d", i, v, i+1)
		}
	}
}

func TestMemoryAllocatorKeys(t *testing.T) {
	alloc := NewMemoryAllocator()
	ctx := context.Background()

	steps := []struct {
		category models.Category
		day      string
		want     int64
	}{
		{models.CategoryCustomerService, "2024-05-06", 1},
		{models.CategoryCustomerService, "2024-05-06", 2},
		{models.CategoryTeller, "2024-05-06", 1},
		{models.CategoryCustomerService, "2024-05-07", 1},
		{models.CategoryCustomerService, "2024-05-06", 3},
	}
	for _, step := range steps {
		got, err := alloc.Allocate(ctx, step.category, step.day)
		if err != nil {
			t.Fatalf("allocate: %v", err)
		}
		if got != step.want {
			t.Fatalf("Allocate(%s, %s) = %d, want %d", step.category, step.day, got, step.want)
		}
	}

	alloc.Prune("2024-05-07")
	got, _ := alloc.Allocate(ctx, models.CategoryCustomerService, "2024-05-07")
	if got != 2 {
		t.Fatalf("kept day restarted: %d", got)
	}
}

func TestMemoryAllocatorPruneKeepsPreviousDay(t *testing.T) {
	alloc := NewMemoryAllocator()
	ctx := context.Background()
	for _, day := range []string{"2024-05-05", "2024-05-06", "2024-05-06", "2024-05-07"} {
		if _, err := alloc.Allocate(ctx, models.CategoryTeller, day); err != nil {
			t.Fatalf("allocate: %v", err)
		}
	}

	alloc.Prune("2024-05-07")

	// A create that computed its day before midnight must not restart at 1.
	if got, _ := alloc.Allocate(ctx, models.CategoryTeller, "2024-05-06"); got != 3 {
		t.Fatalf("previous day restarted: %d", got)
	}
	if got, _ := alloc.Allocate(ctx, models.CategoryTeller, "2024-05-07"); got != 2 {
		t.Fatalf("kept day restarted: %d", got)
	}
	if got, _ := alloc.Allocate(ctx, models.CategoryTeller, "2024-05-05"); got != 1 {
		t.Fatalf("older day was not pruned: %d", got)
	}
}

func TestMemoryAllocatorHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewMemoryAllocator().Allocate(ctx, models.CategoryTeller, "2024-05-06"); err == nil {
		t.Fatalf("expected context error")
	}
}
