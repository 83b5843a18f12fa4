// Package locks provides the key-granular distributed lease lock the engine
// serializes every row and counter mutation with. A lock record names its
// holder, carries heartbeat and expiry timestamps, and can be taken over
// once its holder goes stale or its lease runs out.
package locks

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrLockTimeout is returned when an acquire exhausts its wait budget.
	ErrLockTimeout = errors.New("locks: acquire timed out")
	// ErrNotHeld is returned by heartbeat-dependent operations when the
	// record is gone or owned by someone else.
	ErrNotHeld = errors.New("locks: lock not held")
)

// Record is the stored lock state. Timestamps are unix milliseconds so the
// Redis takeover script can compare them without parsing dates.
type Record struct {
	HolderID    string `json:"holder_id"`
	Operation   string `json:"operation"`
	Priority    int    `json:"priority"`
	AcquiredMs  int64  `json:"acquired_ms"`
	HeartbeatMs int64  `json:"heartbeat_ms"`
	ExpiresMs   int64  `json:"expires_ms"`
}

// LiveAt reports whether the record still protects its key: not expired and
// heartbeated within the staleness threshold.
func (r Record) LiveAt(now time.Time, stale time.Duration) bool {
	ms := now.UnixMilli()
	return ms <= r.ExpiresMs && ms-r.HeartbeatMs <= stale.Milliseconds()
}

// Outcome classifies a TryAcquire result.
type Outcome int

const (
	// OutcomeHeld means a live holder kept the key.
	OutcomeHeld Outcome = iota
	// OutcomeAcquired means the key was free.
	OutcomeAcquired
	// OutcomeTakeover means a stale or expired record was evicted.
	OutcomeTakeover
)

// Backend stores lock records. The compare-and-swap window of TryAcquire,
// Heartbeat and Release is atomic per key; nothing is ever held across a
// caller's critical section.
type Backend interface {
	// TryAcquire installs rec when the key is absent, expired, or stale
	// beyond staleMs. On OutcomeHeld the current record is returned.
	TryAcquire(ctx context.Context, key string, rec Record, ttl time.Duration, staleMs int64) (Outcome, *Record, error)

	// Heartbeat replaces the record with rec iff holderID still owns the
	// key. Returns false when the record is gone or owned by someone else.
	Heartbeat(ctx context.Context, key, holderID string, rec Record, ttl time.Duration) (bool, error)

	// Release deletes the record iff holderID owns it. Releasing an absent
	// or foreign record is not an error.
	Release(ctx context.Context, key, holderID string) error

	// Get returns the current record, or nil when absent.
	Get(ctx context.Context, key string) (*Record, error)

	// Keys lists all keys with a stored record.
	Keys(ctx context.Context) ([]string, error)

	// Remove deletes a record unconditionally. Janitor use only.
	Remove(ctx context.Context, key string) error
}
