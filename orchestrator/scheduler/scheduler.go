// Package scheduler drives the periodic sweeps that move requests forward:
// one loop per master table feeding rows to the engine, a repair loop over
// the per-agent worklists, and a read-only backlog monitor. Sweeps are
// idempotent, so a pass cut short by the time budget simply resumes on the
// next tick.
package scheduler

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/GaneshArwan/enterprise-process-automation/orchestrator/allocator"
	"github.com/GaneshArwan/enterprise-process-automation/orchestrator/fsm"
	"github.com/GaneshArwan/enterprise-process-automation/orchestrator/mdm"
	"github.com/GaneshArwan/enterprise-process-automation/orchestrator/observability"
	"github.com/GaneshArwan/enterprise-process-automation/orchestrator/rowstore"
)

// Config tunes the sweep loops.
type Config struct {
	// Tables are the master tables to sweep.
	Tables []string

	// Interval is the base tick; actual ticks are jittered around it so the
	// per-table loops spread out instead of hitting the store in lockstep.
	Interval time.Duration

	// Budget caps how long a single pass may run before it yields to the
	// next tick.
	Budget time.Duration

	// ResubmitAfter is how long a row may sit half-submitted (timestamp
	// present, number or attachment missing) before the sweep re-runs its
	// submission.
	ResubmitAfter time.Duration
}

// Stats summarizes sweep activity for the dashboard.
type Stats struct {
	Sweeps         int64     `json:"sweeps"`
	RowsHandled    int64     `json:"rows_handled"`
	LastSweep      time.Time `json:"last_sweep"`
	LastDurationMs int64     `json:"last_duration_ms"`
}

// Scheduler owns the background sweeps. All mutation goes through the
// engine; the scheduler only decides which rows to hand it.
type Scheduler struct {
	engine   *fsm.Engine
	store    *rowstore.Store
	workload *allocator.Workload
	cfg      Config
	log      zerolog.Logger
	now      func() time.Time

	statsMu sync.Mutex
	stats   Stats
}

func New(engine *fsm.Engine, store *rowstore.Store, workload *allocator.Workload, cfg Config, log zerolog.Logger) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.Budget <= 0 {
		cfg.Budget = 45 * time.Second
	}
	if cfg.ResubmitAfter <= 0 {
		cfg.ResubmitAfter = 10 * time.Minute
	}
	return &Scheduler{
		engine:   engine,
		store:    store,
		workload: workload,
		cfg:      cfg,
		log:      log.With().Str("component", "scheduler").Logger(),
		now:      time.Now,
	}
}

// Run starts every sweep loop and blocks until the context ends.
func (s *Scheduler) Run(ctx context.Context) {
	s.log.Info().
		Strs("tables", s.cfg.Tables).
		Dur("interval", s.cfg.Interval).
		Dur("budget", s.cfg.Budget).
		Msg("scheduler started")

	var wg sync.WaitGroup
	for _, table := range s.cfg.Tables {
		table := table
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.loop(ctx, func(ctx context.Context) {
				_, err := s.SweepTable(ctx, table)
				var partial *PartialError
				switch {
				case err == nil:
				case errors.As(err, &partial):
					// Per-row errors were already logged; the rows come
					// around again next tick.
					s.log.Warn().
						Str("table", table).
						Int("failed", partial.Failed).
						Int("handled", partial.Handled).
						Msg("sweep skipped failing rows")
				default:
					s.log.Error().Err(err).Str("table", table).Msg("table sweep failed")
				}
			})
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.loop(ctx, func(ctx context.Context) {
			if err := s.SweepWorklists(ctx); err != nil {
				s.log.Error().Err(err).Msg("worklist sweep failed")
			}
		})
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.loop(ctx, func(ctx context.Context) {
			if err := s.MonitorOnce(ctx); err != nil {
				s.log.Warn().Err(err).Msg("backlog monitor failed")
			}
		})
	}()
	wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, fn func(context.Context)) {
	timer := time.NewTimer(s.jittered())
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			fn(ctx)
			timer.Reset(s.jittered())
		}
	}
}

// jittered spreads ticks across ±25 % of the interval.
func (s *Scheduler) jittered() time.Duration {
	quarter := int64(s.cfg.Interval) / 4
	if quarter <= 0 {
		return s.cfg.Interval
	}
	return s.cfg.Interval - time.Duration(quarter) + time.Duration(rand.Int63n(2*quarter+1))
}

// SweepTable runs one pass over a master table, newest rows first so index
// shifts from concurrent appends cannot skip anyone. Returns how many rows
// were handed to the engine; when some rows failed, the error is a
// *PartialError carrying the counts.
func (s *Scheduler) SweepTable(ctx context.Context, table string) (int, error) {
	start := s.now()
	handled := 0
	failed := 0
	defer func() {
		elapsed := s.now().Sub(start)
		observability.SweepDuration.WithLabelValues(table).Observe(elapsed.Seconds())
		s.statsMu.Lock()
		s.stats.Sweeps++
		s.stats.RowsHandled += int64(handled)
		s.stats.LastSweep = start
		s.stats.LastDurationMs = elapsed.Milliseconds()
		s.statsMu.Unlock()
	}()

	headers, err := s.store.Headers(ctx, table)
	if err != nil {
		return 0, err
	}
	rows, err := s.store.Rows(ctx, table)
	if err != nil {
		return 0, err
	}

	for row := len(rows); row >= 1; row-- {
		if err := ctx.Err(); err != nil {
			return handled, err
		}
		if s.overBudget(start) {
			s.log.Warn().
				Str("table", table).
				Int("remaining", row).
				Msg("sweep budget exhausted, resuming next tick")
			break
		}
		rec := rows[row-1]
		switch {
		case mdm.NeedsAdvancement(rec, headers):
			if err := s.engine.HandleOnInterval(ctx, table, row, rec[mdm.ColRequestNumber]); err != nil {
				observability.RowsAdvanced.WithLabelValues(table, "error").Inc()
				failed++
				s.log.Error().Err(err).
					Str("table", table).
					Int("row", row).
					Str("request", rec[mdm.ColRequestNumber]).
					Msg("interval handler failed")
				continue
			}
			observability.RowsAdvanced.WithLabelValues(table, "advanced").Inc()
			handled++
		case s.needsResubmit(rec):
			if err := s.engine.HandleOnSubmit(ctx, table, row); err != nil {
				observability.RowsAdvanced.WithLabelValues(table, "error").Inc()
				failed++
				s.log.Error().Err(err).
					Str("table", table).
					Int("row", row).
					Msg("submission retry failed")
				continue
			}
			observability.RowsAdvanced.WithLabelValues(table, "resubmitted").Inc()
			handled++
		}
		if wantsSendBackMail(rec) {
			if err := s.engine.RetrySendBackEmail(ctx, table, row); err != nil {
				s.log.Warn().Err(err).
					Str("table", table).
					Int("row", row).
					Msg("send-back mail retry failed")
			}
		}
	}
	if failed > 0 {
		return handled, &PartialError{Table: table, Total: len(rows), Handled: handled, Failed: failed}
	}
	return handled, nil
}

// needsResubmit spots a row whose submission died half-way: the ingress
// stamped a timestamp but the row never got its number or attachment.
func (s *Scheduler) needsResubmit(rec map[string]string) bool {
	if rec[mdm.ColRequestNumber] != "" && rec[mdm.ColAttachment] != "" {
		return false
	}
	ts := mdm.ParseTime(rec[mdm.ColTimestamp])
	if ts.IsZero() {
		return false
	}
	return s.now().Sub(ts) >= s.cfg.ResubmitAfter
}

func wantsSendBackMail(rec map[string]string) bool {
	return mdm.ParseCellInt(rec[mdm.ColSentBackCount]) > mdm.ParseCellInt(rec[mdm.ColSentBackEmails])
}

// SweepWorklists runs the repair pass over every per-agent table. The
// repair handler deletes replayed send-back copies, so rows are visited in
// descending order here too.
func (s *Scheduler) SweepWorklists(ctx context.Context) error {
	tables, err := s.store.Backend().Tables(ctx)
	if err != nil {
		return err
	}
	start := s.now()
	for _, table := range tables {
		if !mdm.IsWorklistTable(table) {
			continue
		}
		count, err := s.store.RowCount(ctx, table)
		if err != nil {
			s.log.Error().Err(err).Str("table", table).Msg("worklist row count failed")
			continue
		}
		for row := count; row >= 1; row-- {
			if err := ctx.Err(); err != nil {
				return err
			}
			if s.overBudget(start) {
				s.log.Warn().Str("table", table).Msg("worklist sweep budget exhausted")
				return nil
			}
			if err := s.engine.HandleOnChildInterval(ctx, table, row); err != nil {
				s.log.Error().Err(err).
					Str("table", table).
					Int("row", row).
					Msg("worklist repair failed")
			}
		}
	}
	return nil
}

// MonitorOnce refreshes the backlog and workload gauges. It mutates
// nothing and takes no locks.
func (s *Scheduler) MonitorOnce(ctx context.Context) error {
	for _, table := range s.cfg.Tables {
		headers, err := s.store.Headers(ctx, table)
		if err != nil {
			return err
		}
		rows, err := s.store.Rows(ctx, table)
		if err != nil {
			return err
		}
		pending := 0
		for _, rec := range rows {
			if mdm.NeedsAdvancement(rec, headers) {
				pending++
			}
		}
		observability.PendingRequests.WithLabelValues(table).Set(float64(pending))
	}

	agents, err := s.workload.Agents(ctx)
	if err != nil {
		return err
	}
	for _, a := range agents {
		observability.AgentWorkload.WithLabelValues(a.Name).Set(float64(a.WorkloadSeconds))
	}
	return nil
}

// SweepStats returns a snapshot of sweep activity.
func (s *Scheduler) SweepStats() Stats {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return s.stats
}

func (s *Scheduler) overBudget(start time.Time) bool {
	return s.now().Sub(start) > s.cfg.Budget
}
