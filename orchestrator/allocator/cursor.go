package allocator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// CursorStore hands out round-robin cursors keyed per allocation rule.
// Next returns the count after increment; callers index with (n-1) % size.
type CursorStore interface {
	Next(ctx context.Context, key string) (int64, error)
}

// MemoryCursors keeps cursors in process.
type MemoryCursors struct {
	mu   sync.Mutex
	vals map[string]int64
}

func NewMemoryCursors() *MemoryCursors {
	return &MemoryCursors{vals: make(map[string]int64)}
}

func (m *MemoryCursors) Next(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.vals[key]++
	return m.vals[key], nil
}

const (
	cursorPrefix = "orchestrator:rr:"

	// cursorTTL keeps abandoned cursors from accumulating. Fairness only
	// needs the cursor to survive between nearby allocations.
	cursorTTL = time.Hour
)

// RedisCursors shares cursors across nodes.
type RedisCursors struct {
	client *redis.Client
}

func NewRedisCursors(client *redis.Client) *RedisCursors {
	return &RedisCursors{client: client}
}

func (r *RedisCursors) Next(ctx context.Context, key string) (int64, error) {
	pipe := r.client.TxPipeline()
	incr := pipe.Incr(ctx, cursorPrefix+key)
	pipe.Expire(ctx, cursorPrefix+key, cursorTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("advance cursor %s: %w", key, err)
	}
	return incr.Val(), nil
}
