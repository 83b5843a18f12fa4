package reqnum

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/redis/go-redis/v9"
)

// MemoryProperties is an in-memory PropertyStore for tests and single-node
// runs. Like the Redis store, it never lowers a stored value.
type MemoryProperties struct {
	mu   sync.RWMutex
	vals map[string]int64
}

func NewMemoryProperties() *MemoryProperties {
	return &MemoryProperties{vals: make(map[string]int64)}
}

func (m *MemoryProperties) GetInt(_ context.Context, key string) (int64, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.vals[key]
	return v, ok, nil
}

func (m *MemoryProperties) SetInt(_ context.Context, key string, value int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.vals[key]; !ok || value > cur {
		m.vals[key] = value
	}
	return nil
}

const propPrefix = "orchestrator:props:"

// setMaxScript stores the value only when it is greater than the current
// one. Counters move forward even when two nodes race the write.
const setMaxScript = `
local cur = redis.call("GET", KEYS[1])
if not cur or tonumber(ARGV[1]) > tonumber(cur) then
    redis.call("SET", KEYS[1], ARGV[1])
    return 1
end
return 0
`

// RedisProperties is the durable PropertyStore.
type RedisProperties struct {
	client *redis.Client
}

// NewRedisProperties wraps an existing client. The process shares one client
// across locks, counters and cursors; tests pass a miniredis-backed one.
func NewRedisProperties(client *redis.Client) *RedisProperties {
	return &RedisProperties{client: client}
}

func (r *RedisProperties) GetInt(ctx context.Context, key string) (int64, bool, error) {
	raw, err := r.client.Get(ctx, propPrefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("property get %s: %w", key, err)
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("property %s holds %q: %w", key, raw, err)
	}
	return v, true, nil
}

func (r *RedisProperties) SetInt(ctx context.Context, key string, value int64) error {
	if err := r.client.Eval(ctx, setMaxScript, []string{propPrefix + key}, value).Err(); err != nil {
		return fmt.Errorf("property set %s: %w", key, err)
	}
	return nil
}
