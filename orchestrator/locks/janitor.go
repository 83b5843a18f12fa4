package locks

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/GaneshArwan/enterprise-process-automation/orchestrator/observability"
)

// Janitor sweeps the lock keyspace and evicts records whose holder stopped
// heartbeating, so an abandoned lock does not wait for its next contender to
// notice. Redis TTLs already evict expired records; the janitor mainly
// catches stale-but-unexpired holders and keeps the memory backend tidy.
type Janitor struct {
	backend  Backend
	stale    time.Duration
	interval time.Duration
	log      zerolog.Logger
	now      func() time.Time
}

// NewJanitor builds a janitor over the same backend as the Manager.
func NewJanitor(backend Backend, stale, interval time.Duration, log zerolog.Logger) *Janitor {
	return &Janitor{
		backend:  backend,
		stale:    stale,
		interval: interval,
		log:      log.With().Str("component", "lock-janitor").Logger(),
		now:      time.Now,
	}
}

// Run sweeps on the configured interval until the context ends.
func (j *Janitor) Run(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := j.SweepOnce(ctx); err != nil {
				j.log.Warn().Err(err).Msg("janitor sweep failed")
			}
		}
	}
}

// SweepOnce scans all records and removes the dead ones, returning the
// eviction count.
func (j *Janitor) SweepOnce(ctx context.Context) (int, error) {
	keys, err := j.backend.Keys(ctx)
	if err != nil {
		return 0, err
	}

	evicted := 0
	now := j.now()
	for _, key := range keys {
		rec, err := j.backend.Get(ctx, key)
		if err != nil {
			j.log.Warn().Str("key", key).Err(err).Msg("janitor read failed")
			continue
		}
		if rec == nil || rec.LiveAt(now, j.stale) {
			continue
		}
		if err := j.backend.Remove(ctx, key); err != nil {
			j.log.Warn().Str("key", key).Err(err).Msg("janitor evict failed")
			continue
		}
		evicted++
		observability.JanitorEvictions.Inc()
		j.log.Warn().
			Str("key", key).
			Str("holder", rec.HolderID).
			Str("op", rec.Operation).
			Msg("evicted dead lock")
	}
	return evicted, nil
}
