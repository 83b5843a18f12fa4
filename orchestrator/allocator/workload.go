// Package allocator assigns approved requests to the least-loaded eligible
// agent and maintains the per-agent workload counters behind that choice.
package allocator

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/GaneshArwan/enterprise-process-automation/orchestrator/locks"
	"github.com/GaneshArwan/enterprise-process-automation/orchestrator/mdm"
	"github.com/GaneshArwan/enterprise-process-automation/orchestrator/observability"
	"github.com/GaneshArwan/enterprise-process-automation/orchestrator/rowstore"
)

// ErrUnknownAgent is returned when a named agent has no roster row.
var ErrUnknownAgent = errors.New("allocator: unknown agent")

// workloadLock serializes every roster mutation. The agents table is only
// ever written under this key, so row locks are not needed here.
const workloadLock = "workload"

// Workload reads and adjusts the per-agent outstanding seconds persisted in
// the agents table.
type Workload struct {
	store *rowstore.Store
	locks *locks.Manager
	log   zerolog.Logger
}

func NewWorkload(store *rowstore.Store, lm *locks.Manager, log zerolog.Logger) *Workload {
	return &Workload{
		store: store,
		locks: lm,
		log:   log.With().Str("component", "workload").Logger(),
	}
}

// Add applies a delta to the agent's workload and returns the new total,
// clamped at zero.
func (w *Workload) Add(ctx context.Context, agent string, delta int64) (int64, error) {
	var total int64
	err := w.locks.WithKeyLock(ctx, locks.CounterKey(workloadLock), "workload-add", func(_ *locks.Handle, _ func() bool) error {
		row, err := w.store.FindRowBy(ctx, mdm.TableAgents, mdm.AgentColName, agent)
		if err != nil {
			return err
		}
		if row < 0 {
			return fmt.Errorf("agent %q: %w", agent, ErrUnknownAgent)
		}
		rec, err := w.store.ReadRowFresh(ctx, mdm.TableAgents, row)
		if err != nil {
			return err
		}
		cur, _ := strconv.ParseInt(rec[mdm.AgentColWorkload], 10, 64)
		total = cur + delta
		if total < 0 {
			total = 0
		}
		if err := w.store.SetCellLocked(ctx, mdm.TableAgents, row, mdm.AgentColWorkload, strconv.FormatInt(total, 10)); err != nil {
			return err
		}
		observability.AgentWorkload.WithLabelValues(agent).Set(float64(total))
		w.log.Debug().Str("agent", agent).Int64("delta", delta).Int64("total", total).Msg("workload adjusted")
		return nil
	})
	if err != nil {
		return 0, err
	}
	return total, nil
}

// Get returns the agent's current workload seconds.
func (w *Workload) Get(ctx context.Context, agent string) (int64, error) {
	a, err := w.Stat(ctx, agent)
	if err != nil {
		return 0, err
	}
	return int64(a.WorkloadSeconds), nil
}

// Stat returns the agent's full roster entry.
func (w *Workload) Stat(ctx context.Context, agent string) (mdm.Agent, error) {
	row, err := w.store.FindRowBy(ctx, mdm.TableAgents, mdm.AgentColName, agent)
	if err != nil {
		return mdm.Agent{}, err
	}
	if row < 0 {
		return mdm.Agent{}, fmt.Errorf("agent %q: %w", agent, ErrUnknownAgent)
	}
	rec, err := w.store.ReadRowFresh(ctx, mdm.TableAgents, row)
	if err != nil {
		return mdm.Agent{}, err
	}
	return mdm.AgentFromRecord(rec), nil
}

// Agents returns the whole roster.
func (w *Workload) Agents(ctx context.Context) ([]mdm.Agent, error) {
	rows, err := w.store.Rows(ctx, mdm.TableAgents)
	if err != nil {
		return nil, err
	}
	out := make([]mdm.Agent, 0, len(rows))
	for _, rec := range rows {
		if rec[mdm.AgentColName] == "" {
			continue
		}
		out = append(out, mdm.AgentFromRecord(rec))
	}
	return out, nil
}
