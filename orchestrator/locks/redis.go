package locks

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// keyPrefix namespaces lock records in Redis.
const keyPrefix = "orchestrator:locks:"

// acquireScript installs the candidate record when the key is absent,
// expired, or stale. Returns 1 (acquired), 2 (takeover), or the JSON of the
// live holder.
const acquireScript = `
local cur = redis.call('GET', KEYS[1])
if not cur then
	redis.call('SET', KEYS[1], ARGV[1], 'PX', tonumber(ARGV[2]))
	return 1
end
local rec = cjson.decode(cur)
local now = tonumber(ARGV[3])
local stale = tonumber(ARGV[4])
if now > tonumber(rec['expires_ms']) or (now - tonumber(rec['heartbeat_ms'])) > stale then
	redis.call('SET', KEYS[1], ARGV[1], 'PX', tonumber(ARGV[2]))
	return 2
end
return cur
`

// heartbeatScript swaps in the refreshed record iff the holder still owns
// the key. Returns 1 on success, 0 when gone, -1 when owned by another.
const heartbeatScript = `
local cur = redis.call('GET', KEYS[1])
if not cur then
	return 0
end
local rec = cjson.decode(cur)
if rec['holder_id'] ~= ARGV[1] then
	return -1
end
redis.call('SET', KEYS[1], ARGV[2], 'PX', tonumber(ARGV[3]))
return 1
`

// releaseScript deletes the record iff the holder owns it. Absent keys and
// foreign owners are both fine: release is idempotent.
const releaseScript = `
local cur = redis.call('GET', KEYS[1])
if not cur then
	return 1
end
local rec = cjson.decode(cur)
if rec['holder_id'] ~= ARGV[1] then
	return 0
end
redis.call('DEL', KEYS[1])
return 1
`

// RedisBackend stores lock records in Redis, one JSON value per key, with
// the compare-and-swap window inside Lua scripts.
type RedisBackend struct {
	client *redis.Client
	now    func() time.Time
}

// NewRedisBackend wraps an existing client. The process shares one client
// across locks, counters and cursors; tests pass a miniredis-backed one.
func NewRedisBackend(client *redis.Client) *RedisBackend {
	return &RedisBackend{client: client, now: time.Now}
}

func (b *RedisBackend) TryAcquire(ctx context.Context, key string, rec Record, ttl time.Duration, staleMs int64) (Outcome, *Record, error) {
	payload, err := json.Marshal(rec)
	if err != nil {
		return OutcomeHeld, nil, err
	}

	res, err := b.client.Eval(ctx, acquireScript, []string{keyPrefix + key},
		payload, ttl.Milliseconds(), b.now().UnixMilli(), staleMs).Result()
	if err != nil {
		return OutcomeHeld, nil, err
	}

	switch v := res.(type) {
	case int64:
		if v == 2 {
			return OutcomeTakeover, nil, nil
		}
		return OutcomeAcquired, nil, nil
	case string:
		var cur Record
		if err := json.Unmarshal([]byte(v), &cur); err != nil {
			return OutcomeHeld, nil, fmt.Errorf("corrupt lock record at %s: %w", key, err)
		}
		return OutcomeHeld, &cur, nil
	default:
		return OutcomeHeld, nil, fmt.Errorf("unexpected acquire reply %T", res)
	}
}

func (b *RedisBackend) Heartbeat(ctx context.Context, key, holderID string, rec Record, ttl time.Duration) (bool, error) {
	payload, err := json.Marshal(rec)
	if err != nil {
		return false, err
	}
	res, err := b.client.Eval(ctx, heartbeatScript, []string{keyPrefix + key},
		holderID, payload, ttl.Milliseconds()).Result()
	if err != nil {
		return false, err
	}
	n, ok := res.(int64)
	return ok && n == 1, nil
}

func (b *RedisBackend) Release(ctx context.Context, key, holderID string) error {
	_, err := b.client.Eval(ctx, releaseScript, []string{keyPrefix + key}, holderID).Result()
	return err
}

func (b *RedisBackend) Get(ctx context.Context, key string) (*Record, error) {
	val, err := b.client.Get(ctx, keyPrefix+key).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal([]byte(val), &rec); err != nil {
		return nil, fmt.Errorf("corrupt lock record at %s: %w", key, err)
	}
	return &rec, nil
}

func (b *RedisBackend) Keys(ctx context.Context) ([]string, error) {
	var keys []string
	iter := b.client.Scan(ctx, 0, keyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, strings.TrimPrefix(iter.Val(), keyPrefix))
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return keys, nil
}

func (b *RedisBackend) Remove(ctx context.Context, key string) error {
	return b.client.Del(ctx, keyPrefix+key).Err()
}
