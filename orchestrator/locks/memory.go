package locks

import (
	"context"
	"sync"
	"time"
)

// MemoryBackend keeps lock records in process memory. Dev mode and tests.
type MemoryBackend struct {
	mu      sync.Mutex
	records map[string]memRecord
	now     func() time.Time
}

type memRecord struct {
	rec       Record
	storedTTL time.Time
}

// NewMemoryBackend creates an empty in-process lock store.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		records: make(map[string]memRecord),
		now:     time.Now,
	}
}

func (b *MemoryBackend) TryAcquire(ctx context.Context, key string, rec Record, ttl time.Duration, staleMs int64) (Outcome, *Record, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	cur, ok := b.liveRecord(key, now)
	if !ok {
		b.records[key] = memRecord{rec: rec, storedTTL: now.Add(ttl)}
		return OutcomeAcquired, nil, nil
	}

	ms := now.UnixMilli()
	if ms > cur.ExpiresMs || ms-cur.HeartbeatMs > staleMs {
		prev := cur
		b.records[key] = memRecord{rec: rec, storedTTL: now.Add(ttl)}
		return OutcomeTakeover, &prev, nil
	}
	held := cur
	return OutcomeHeld, &held, nil
}

func (b *MemoryBackend) Heartbeat(ctx context.Context, key, holderID string, rec Record, ttl time.Duration) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	cur, ok := b.liveRecord(key, now)
	if !ok || cur.HolderID != holderID {
		return false, nil
	}
	b.records[key] = memRecord{rec: rec, storedTTL: now.Add(ttl)}
	return true, nil
}

func (b *MemoryBackend) Release(ctx context.Context, key, holderID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	cur, ok := b.liveRecord(key, b.now())
	if !ok || cur.HolderID != holderID {
		return nil
	}
	delete(b.records, key)
	return nil
}

func (b *MemoryBackend) Get(ctx context.Context, key string) (*Record, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	cur, ok := b.liveRecord(key, b.now())
	if !ok {
		return nil, nil
	}
	out := cur
	return &out, nil
}

func (b *MemoryBackend) Keys(ctx context.Context) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	keys := make([]string, 0, len(b.records))
	for k := range b.records {
		if _, ok := b.liveRecord(k, now); ok {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func (b *MemoryBackend) Remove(ctx context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.records, key)
	return nil
}

// liveRecord returns the stored record, evicting entries whose backend TTL
// (lease plus cushion) lapsed. Callers hold b.mu.
func (b *MemoryBackend) liveRecord(key string, now time.Time) (Record, bool) {
	m, ok := b.records[key]
	if !ok {
		return Record{}, false
	}
	if now.After(m.storedTTL) {
		delete(b.records, key)
		return Record{}, false
	}
	return m.rec, true
}
