// Package reqnum issues request numbers. Each prefix has its own counter,
// reconciled on every issue across the persistent property store, the
// tracker table, and an in-memory cache, so a wiped source never replays a
// number.
package reqnum

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/GaneshArwan/enterprise-process-automation/orchestrator/locks"
	"github.com/GaneshArwan/enterprise-process-automation/orchestrator/mdm"
	"github.com/GaneshArwan/enterprise-process-automation/orchestrator/observability"
	"github.com/GaneshArwan/enterprise-process-automation/orchestrator/rowstore"
	"github.com/GaneshArwan/enterprise-process-automation/orchestrator/tabular"
)

// PropertyStore persists small named integers durably.
type PropertyStore interface {
	GetInt(ctx context.Context, key string) (int64, bool, error)
	SetInt(ctx context.Context, key string, value int64) error
}

// Prefix builds the counter prefix for a table abbreviation and business unit.
func Prefix(abbr, businessUnit string) string {
	return abbr + "/" + businessUnit
}

// Format renders a request number: abbreviation, business unit, padded count.
func Format(abbr, businessUnit string, n int64) string {
	return fmt.Sprintf("%s/MDM/%s/%05d", abbr, businessUnit, n)
}

// Counter issues per-prefix sequence numbers.
type Counter struct {
	props PropertyStore
	store *rowstore.Store
	locks *locks.Manager
	log   zerolog.Logger
	now   func() time.Time

	mu  sync.Mutex
	mem map[string]int64
}

func New(props PropertyStore, store *rowstore.Store, lm *locks.Manager, log zerolog.Logger) *Counter {
	return &Counter{
		props: props,
		store: store,
		locks: lm,
		log:   log.With().Str("component", "reqnum").Logger(),
		now:   time.Now,
		mem:   make(map[string]int64),
	}
}

// Next issues the next number for the prefix. It always returns a usable
// number: when the durable sources cannot be advanced it falls back to a
// wall-clock derived value and reports the failure in the log.
func (c *Counter) Next(ctx context.Context, prefix string) int64 {
	var issued int64
	err := c.locks.WithKeyLock(ctx, locks.CounterKey("reqnum:"+prefix), "request-number", func(_ *locks.Handle, _ func() bool) error {
		persisted, _, perr := c.props.GetInt(ctx, propKey(prefix))
		if perr != nil {
			return fmt.Errorf("read property counter: %w", perr)
		}
		tracked, trackerRow, terr := c.readTracker(ctx, prefix)
		if terr != nil {
			return fmt.Errorf("read tracker counter: %w", terr)
		}
		c.mu.Lock()
		cached := c.mem[prefix]
		c.mu.Unlock()

		cur := persisted
		if tracked > cur {
			cur = tracked
		}
		if cached > cur {
			cur = cached
		}
		if cached != 0 && cached != cur {
			c.log.Warn().
				Str("prefix", prefix).
				Int64("cached", cached).
				Int64("reconciled", cur).
				Msg("request number cache out of sync, using reconciled value")
		}
		next := cur + 1

		if err := c.props.SetInt(ctx, propKey(prefix), next); err != nil {
			return fmt.Errorf("advance property counter: %w", err)
		}
		if err := c.writeTracker(ctx, prefix, trackerRow, next); err != nil {
			return fmt.Errorf("advance tracker counter: %w", err)
		}
		c.mu.Lock()
		c.mem[prefix] = next
		c.mu.Unlock()

		issued = next
		return nil
	})
	if err != nil {
		fallback := c.now().Unix() % 100000
		c.log.Error().Err(err).
			Str("prefix", prefix).
			Int64("fallback", fallback).
			Msg("request number counter failed, issuing wall-clock fallback")
		observability.RequestNumbersIssued.WithLabelValues("fallback").Inc()
		return fallback
	}
	observability.RequestNumbersIssued.WithLabelValues("counter").Inc()
	return issued
}

// Peek returns the last issued number for a prefix without advancing it.
func (c *Counter) Peek(ctx context.Context, prefix string) int64 {
	persisted, _, err := c.props.GetInt(ctx, propKey(prefix))
	if err != nil {
		persisted = 0
	}
	tracked, _, err := c.readTracker(ctx, prefix)
	if err != nil {
		tracked = 0
	}
	c.mu.Lock()
	cached := c.mem[prefix]
	c.mu.Unlock()

	cur := persisted
	if tracked > cur {
		cur = tracked
	}
	if cached > cur {
		cur = cached
	}
	return cur
}

func (c *Counter) readTracker(ctx context.Context, prefix string) (int64, int, error) {
	row, err := c.store.FindRowBy(ctx, mdm.TableTracker, mdm.TrackerColPrefix, prefix)
	if err != nil {
		return 0, -1, err
	}
	if row < 0 {
		return 0, -1, nil
	}
	rec, err := c.store.ReadRowFresh(ctx, mdm.TableTracker, row)
	if err != nil {
		return 0, -1, err
	}
	n, err := strconv.ParseInt(rec[mdm.TrackerColCounter], 10, 64)
	if err != nil {
		// A corrupt cell must not wind the counter back.
		c.log.Warn().Str("prefix", prefix).Str("cell", rec[mdm.TrackerColCounter]).Msg("unreadable tracker counter cell")
		return 0, row, nil
	}
	return n, row, nil
}

func (c *Counter) writeTracker(ctx context.Context, prefix string, row int, value int64) error {
	cell := strconv.FormatInt(value, 10)
	if row < 0 {
		headers, err := c.store.Headers(ctx, mdm.TableTracker)
		if err != nil {
			return err
		}
		rec := tabular.Record{
			mdm.TrackerColPrefix:  prefix,
			mdm.TrackerColCounter: cell,
		}
		_, err = c.store.Backend().AppendRow(ctx, mdm.TableTracker, tabular.UnzipRecord(headers, rec))
		return err
	}
	return c.store.SetCellLocked(ctx, mdm.TableTracker, row, mdm.TrackerColCounter, cell)
}

func propKey(prefix string) string {
	return "reqnum:" + prefix
}
