package locks

import (
	"context"
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/GaneshArwan/enterprise-process-automation/orchestrator/observability"
)

// Config tunes the lease behaviour.
type Config struct {
	// Lease is how long an acquisition protects its key without heartbeats.
	Lease time.Duration
	// StaleThreshold is the heartbeat age beyond which a holder is presumed
	// crashed and its record becomes takeover-eligible.
	StaleThreshold time.Duration
	// DefaultMaxWait bounds WithKeyLock and WithRowLock acquires.
	DefaultMaxWait time.Duration
}

// DefaultConfig returns the production lease parameters.
func DefaultConfig() Config {
	return Config{
		Lease:          300 * time.Second,
		StaleThreshold: 8 * time.Second,
		DefaultMaxWait: 30 * time.Second,
	}
}

// defaultPriority is used by the With* wrappers; Acquire callers that know
// their request type pass its configured weight instead.
const defaultPriority = 5

// ttlCushion keeps the backend record alive a little past the lease so a
// takeover always observes the record rather than a vanished key.
const ttlCushion = 60 * time.Second

// Handle proves ownership of one acquired key.
type Handle struct {
	Key       string
	HolderID  string
	ExpiresAt time.Time

	rec Record
}

// Stats counts lock outcomes since startup. Prometheus carries the same
// counts for scraping; this readback feeds the dashboard snapshot.
type Stats struct {
	Acquired  int64 `json:"acquired"`
	Takeovers int64 `json:"takeovers"`
	Timeouts  int64 `json:"timeouts"`
}

// Manager is the lock service facade.
type Manager struct {
	backend Backend
	cfg     Config
	log     zerolog.Logger
	now     func() time.Time

	acquired  atomic.Int64
	takeovers atomic.Int64
	timeouts  atomic.Int64
}

// NewManager builds a Manager over the given backend.
func NewManager(backend Backend, cfg Config, log zerolog.Logger) *Manager {
	if cfg.Lease <= 0 {
		cfg = DefaultConfig()
	}
	return &Manager{
		backend: backend,
		cfg:     cfg,
		log:     log.With().Str("component", "locks").Logger(),
		now:     time.Now,
	}
}

// StaleThreshold exposes the configured staleness bound for the janitor.
func (m *Manager) StaleThreshold() time.Duration { return m.cfg.StaleThreshold }

// Stats returns the lock outcome counters.
func (m *Manager) Stats() Stats {
	return Stats{
		Acquired:  m.acquired.Load(),
		Takeovers: m.takeovers.Load(),
		Timeouts:  m.timeouts.Load(),
	}
}

// Acquire blocks up to maxWait for the key, retrying with priority-scaled
// exponential backoff and jitter. Lower priority numbers retry faster.
// Returns ErrLockTimeout when the budget runs out.
func (m *Manager) Acquire(ctx context.Context, key, op string, priority int, maxWait time.Duration) (*Handle, error) {
	if priority < 1 {
		priority = defaultPriority
	}
	start := m.now()
	deadline := start.Add(maxWait)

	for attempt := 0; ; attempt++ {
		now := m.now()
		rec := Record{
			HolderID:    uuid.NewString(),
			Operation:   op,
			Priority:    priority,
			AcquiredMs:  now.UnixMilli(),
			HeartbeatMs: now.UnixMilli(),
			ExpiresMs:   now.Add(m.cfg.Lease).UnixMilli(),
		}

		outcome, cur, err := m.backend.TryAcquire(ctx, key, rec, m.cfg.Lease+ttlCushion, m.cfg.StaleThreshold.Milliseconds())
		if err != nil {
			return nil, fmt.Errorf("acquire %s: %w", key, err)
		}

		switch outcome {
		case OutcomeAcquired, OutcomeTakeover:
			if outcome == OutcomeTakeover {
				evicted := ""
				if cur != nil {
					evicted = cur.HolderID
				}
				m.log.Warn().Str("key", key).Str("op", op).Str("evicted", evicted).Msg("lock takeover")
				observability.LockAcquisitions.WithLabelValues("takeover").Inc()
				m.takeovers.Add(1)
			} else {
				observability.LockAcquisitions.WithLabelValues("acquired").Inc()
				m.acquired.Add(1)
			}
			observability.LockWaitDuration.Observe(m.now().Sub(start).Seconds())
			return &Handle{
				Key:       key,
				HolderID:  rec.HolderID,
				ExpiresAt: time.UnixMilli(rec.ExpiresMs),
				rec:       rec,
			}, nil

		case OutcomeHeld:
			if m.now().After(deadline) {
				observability.LockAcquisitions.WithLabelValues("timeout").Inc()
				m.timeouts.Add(1)
				return nil, fmt.Errorf("key %s held by %s: %w", key, holderOf(cur), ErrLockTimeout)
			}
			wait := backoff(priority, attempt)
			if remaining := deadline.Sub(m.now()); wait > remaining {
				wait = remaining
			}
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(wait):
			}
		}
	}
}

// Release removes the lock iff the handle still owns it. Releasing an
// expired or taken-over lock is a no-op.
func (m *Manager) Release(ctx context.Context, h *Handle) error {
	if h == nil {
		return nil
	}
	if err := m.backend.Release(ctx, h.Key, h.HolderID); err != nil {
		return fmt.Errorf("release %s: %w", h.Key, err)
	}
	return nil
}

// Heartbeat extends the lease. Returns false when ownership was lost; the
// caller must abandon its critical section.
func (m *Manager) Heartbeat(ctx context.Context, h *Handle) bool {
	if h == nil {
		return false
	}
	now := m.now()
	rec := h.rec
	rec.HeartbeatMs = now.UnixMilli()
	rec.ExpiresMs = now.Add(m.cfg.Lease).UnixMilli()

	ok, err := m.backend.Heartbeat(ctx, h.Key, h.HolderID, rec, m.cfg.Lease+ttlCushion)
	if err != nil {
		m.log.Warn().Str("key", h.Key).Err(err).Msg("heartbeat failed")
		return false
	}
	if ok {
		h.rec = rec
		h.ExpiresAt = time.UnixMilli(rec.ExpiresMs)
	}
	return ok
}

// WithKeyLock runs fn while holding the key, releasing on every exit path.
// fn receives the handle and a beat function to keep long sections alive.
func (m *Manager) WithKeyLock(ctx context.Context, key, op string, fn func(h *Handle, beat func() bool) error) error {
	h, err := m.Acquire(ctx, key, op, defaultPriority, m.cfg.DefaultMaxWait)
	if err != nil {
		return err
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := m.Release(releaseCtx, h); err != nil {
			m.log.Warn().Str("key", key).Err(err).Msg("release failed")
		}
	}()

	beat := func() bool { return m.Heartbeat(ctx, h) }
	return fn(h, beat)
}

// WithRowLock serializes mutations of one row index.
func (m *Manager) WithRowLock(ctx context.Context, table string, row int, op string, fn func(h *Handle, beat func() bool) error) error {
	return m.WithKeyLock(ctx, RowKey(table, row), op, fn)
}

func holderOf(rec *Record) string {
	if rec == nil {
		return "unknown"
	}
	return rec.HolderID
}

// backoff scales the retry delay by priority: priority 1 starts at 40ms,
// priority 5 at 200ms, doubling per attempt up to a priority-scaled cap,
// with half-width jitter.
func backoff(priority, attempt int) time.Duration {
	base := time.Duration(priority) * 40 * time.Millisecond
	cap := time.Duration(priority) * 800 * time.Millisecond

	d := base << uint(attempt)
	if d > cap || d <= 0 {
		d = cap
	}
	half := int64(d / 2)
	return time.Duration(half + rand.Int63n(half+1))
}
