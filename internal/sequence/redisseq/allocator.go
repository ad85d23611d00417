// Package redisseq allocates ticket ordinals with Redis INCR so that several
// engine instances can share one sequence.
package redisseq

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"qms/ticket-engine/internal/models"
	"qms/ticket-engine/internal/store"
)

const (
	keyPrefix = "qms:seq"
	// DefaultTTL keeps a day's counter around long enough for late
	// statistics, after which Redis reclaims it.
	DefaultTTL = 48 * time.Hour
)

type Allocator struct {
	client redis.UniversalClient
	ttl    time.Duration
}

func NewAllocator(client redis.UniversalClient, ttl time.Duration) *Allocator {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Allocator{client: client, ttl: ttl}
}

func Key(category models.Category, day string) string {
	return fmt.Sprintf("%s:%s:%s", keyPrefix, category, day)
}

// Allocate increments the (category, day) counter. INCR and EXPIRE run in
// one MULTI so a counter never outlives its TTL.
func (a *Allocator) Allocate(ctx context.Context, category models.Category, day string) (int64, error) {
	key := Key(category, day)

	var incr *redis.IntCmd
	_, err := a.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		pipe.Expire(ctx, key, a.ttl)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("%w: allocate %s: %w", store.ErrStoreUnavailable, key, err)
	}
	return incr.Val(), nil
}
