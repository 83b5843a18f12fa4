package locks

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func testManager() (*Manager, *MemoryBackend) {
	backend := NewMemoryBackend()
	cfg := Config{
		Lease:          2 * time.Second,
		StaleThreshold: 200 * time.Millisecond,
		DefaultMaxWait: time.Second,
	}
	return NewManager(backend, cfg, zerolog.Nop()), backend
}

func TestAcquireRelease(t *testing.T) {
	m, backend := testManager()
	ctx := context.Background()

	h, err := m.Acquire(ctx, "row:BOM:1", "interval", 1, time.Second)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if h.HolderID == "" || h.Key != "row:BOM:1" {
		t.Fatalf("bad handle: %+v", h)
	}

	rec, _ := backend.Get(ctx, "row:BOM:1")
	if rec == nil || rec.HolderID != h.HolderID {
		t.Fatalf("record not stored: %+v", rec)
	}

	if err := m.Release(ctx, h); err != nil {
		t.Fatalf("Release: %v", err)
	}
	rec, _ = backend.Get(ctx, "row:BOM:1")
	if rec != nil {
		t.Fatal("record survived release")
	}

	// Releasing again must be a no-op.
	if err := m.Release(ctx, h); err != nil {
		t.Fatalf("second Release: %v", err)
	}
}

func TestAcquireTimeoutOnContention(t *testing.T) {
	m, _ := testManager()
	ctx := context.Background()

	h, err := m.Acquire(ctx, "k", "op-a", 1, time.Second)
	if err != nil {
		t.Fatalf("first Acquire: %v", err)
	}
	defer m.Release(ctx, h)

	_, err = m.Acquire(ctx, "k", "op-b", 1, 80*time.Millisecond)
	if !errors.Is(err, ErrLockTimeout) {
		t.Fatalf("contended acquire err = %v, want ErrLockTimeout", err)
	}
}

func TestStaleTakeover(t *testing.T) {
	m, backend := testManager()
	ctx := context.Background()

	h, err := m.Acquire(ctx, "k", "crashy", 1, time.Second)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	// Push both clocks past the staleness threshold without heartbeating.
	later := time.Now().Add(500 * time.Millisecond)
	backend.now = func() time.Time { return later }
	m.now = func() time.Time { return later }

	h2, err := m.Acquire(ctx, "k", "recovery", 1, time.Second)
	if err != nil {
		t.Fatalf("takeover Acquire: %v", err)
	}
	if h2.HolderID == h.HolderID {
		t.Fatal("takeover reused the dead holder id")
	}

	// The original handle lost ownership.
	if m.Heartbeat(ctx, h) {
		t.Error("heartbeat on a taken-over lock should fail")
	}
	if m.Heartbeat(ctx, h2) != true {
		t.Error("heartbeat on the new handle should succeed")
	}
}

func TestHeartbeatExtendsLease(t *testing.T) {
	m, backend := testManager()
	ctx := context.Background()

	h, err := m.Acquire(ctx, "k", "long-op", 1, time.Second)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	before := h.ExpiresAt

	later := time.Now().Add(100 * time.Millisecond)
	m.now = func() time.Time { return later }
	backend.now = func() time.Time { return later }

	if !m.Heartbeat(ctx, h) {
		t.Fatal("Heartbeat returned false for live owner")
	}
	if !h.ExpiresAt.After(before) {
		t.Errorf("expiry not extended: %v -> %v", before, h.ExpiresAt)
	}
}

func TestWithKeyLockReleasesOnPanicFreePaths(t *testing.T) {
	m, backend := testManager()
	ctx := context.Background()

	// No-op critical section leaves no record behind.
	err := m.WithKeyLock(ctx, "k", "noop", func(h *Handle, beat func() bool) error {
		if h == nil {
			t.Fatal("nil handle inside critical section")
		}
		if !beat() {
			t.Error("beat failed inside critical section")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithKeyLock: %v", err)
	}
	if rec, _ := backend.Get(ctx, "k"); rec != nil {
		t.Fatal("lock leaked after WithKeyLock")
	}

	// Errors propagate and still release.
	wantErr := errors.New("boom")
	err = m.WithKeyLock(ctx, "k", "fail", func(h *Handle, beat func() bool) error {
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("err = %v, want boom", err)
	}
	if rec, _ := backend.Get(ctx, "k"); rec != nil {
		t.Fatal("lock leaked after failing critical section")
	}
}

func TestWithRowLockSerializes(t *testing.T) {
	m, _ := testManager()
	ctx := context.Background()

	var mu sync.Mutex
	var inSection int
	var maxInSection int

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := m.WithRowLock(ctx, "BOM", 7, "edit", func(h *Handle, beat func() bool) error {
				mu.Lock()
				inSection++
				if inSection > maxInSection {
					maxInSection = inSection
				}
				mu.Unlock()

				time.Sleep(5 * time.Millisecond)

				mu.Lock()
				inSection--
				mu.Unlock()
				return nil
			})
			if err != nil {
				t.Errorf("WithRowLock: %v", err)
			}
		}()
	}
	wg.Wait()

	if maxInSection != 1 {
		t.Fatalf("critical section overlap: max concurrency %d", maxInSection)
	}
}

func TestRecordLiveAt(t *testing.T) {
	now := time.Now()
	rec := Record{
		HeartbeatMs: now.UnixMilli(),
		ExpiresMs:   now.Add(time.Minute).UnixMilli(),
	}
	if !rec.LiveAt(now, 8*time.Second) {
		t.Error("fresh record should be live")
	}
	if rec.LiveAt(now.Add(10*time.Second), 8*time.Second) {
		t.Error("record without heartbeats should go stale")
	}
	rec.ExpiresMs = now.Add(-time.Second).UnixMilli()
	if rec.LiveAt(now, 8*time.Second) {
		t.Error("expired record should not be live")
	}
}

func TestJanitorEvictsDeadLocks(t *testing.T) {
	backend := NewMemoryBackend()
	cfg := Config{Lease: time.Minute, StaleThreshold: 100 * time.Millisecond, DefaultMaxWait: time.Second}
	m := NewManager(backend, cfg, zerolog.Nop())
	ctx := context.Background()

	if _, err := m.Acquire(ctx, "dead", "op", 1, time.Second); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	j := NewJanitor(backend, cfg.StaleThreshold, time.Minute, zerolog.Nop())
	j.now = func() time.Time { return time.Now().Add(time.Second) }

	n, err := j.SweepOnce(ctx)
	if err != nil {
		t.Fatalf("SweepOnce: %v", err)
	}
	if n != 1 {
		t.Fatalf("evicted %d, want 1", n)
	}
	if rec, _ := backend.Get(ctx, "dead"); rec != nil {
		t.Fatal("dead lock survived the janitor")
	}
}

func TestStatsCountOutcomes(t *testing.T) {
	m, backend := testManager()
	ctx := context.Background()

	if s := m.Stats(); s != (Stats{}) {
		t.Fatalf("fresh stats = %+v", s)
	}

	if _, err := m.Acquire(ctx, "k", "op-a", 1, time.Second); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if _, err := m.Acquire(ctx, "k", "op-b", 1, 80*time.Millisecond); !errors.Is(err, ErrLockTimeout) {
		t.Fatalf("contended acquire err = %v, want ErrLockTimeout", err)
	}

	later := time.Now().Add(500 * time.Millisecond)
	backend.now = func() time.Time { return later }
	m.now = func() time.Time { return later }
	if _, err := m.Acquire(ctx, "k", "recovery", 1, time.Second); err != nil {
		t.Fatalf("takeover Acquire: %v", err)
	}

	want := Stats{Acquired: 1, Takeovers: 1, Timeouts: 1}
	if got := m.Stats(); got != want {
		t.Fatalf("stats = %+v, want %+v", got, want)
	}
}
