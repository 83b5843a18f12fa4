package allocator

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/GaneshArwan/enterprise-process-automation/orchestrator/configcache"
	"github.com/GaneshArwan/enterprise-process-automation/orchestrator/mdm"
	"github.com/GaneshArwan/enterprise-process-automation/orchestrator/observability"
)

// Decision paths, also used as the allocation metric label.
const (
	PathSpecial = "special"
	PathMatrix  = "matrix"
	PathBAU     = "bau"
	PathDefault = "default"
)

// Allocator picks the agent for an approved request. It never returns an
// empty name: when no rule produces an eligible agent it falls back to the
// configured default.
type Allocator struct {
	cfg          *configcache.Cache
	workload     *Workload
	cursors      CursorStore
	defaultAgent string
	log          zerolog.Logger
}

func New(cfg *configcache.Cache, workload *Workload, cursors CursorStore, defaultAgent string, log zerolog.Logger) *Allocator {
	return &Allocator{
		cfg:          cfg,
		workload:     workload,
		cursors:      cursors,
		defaultAgent: defaultAgent,
		log:          log.With().Str("component", "allocator").Logger(),
	}
}

// Allocate returns (agent, path). Rule lookups that fail degrade to the
// default agent rather than blocking the pipeline; the sweep that follows
// never sees an unassigned approved request.
func (a *Allocator) Allocate(ctx context.Context, req *mdm.Request) (string, string) {
	agent, path := a.pick(ctx, req)
	observability.Allocations.WithLabelValues(path).Inc()
	a.log.Info().
		Str("request", req.RequestNumber).
		Str("agent", agent).
		Str("path", path).
		Msg("request allocated")
	return agent, path
}

func (a *Allocator) pick(ctx context.Context, req *mdm.Request) (string, string) {
	if req.Department == mdm.SpecialProjectDept {
		return a.defaultAgent, PathSpecial
	}

	eligible, ok, err := a.cfg.Eligible(ctx, req.RequestType)
	if err != nil {
		a.log.Warn().Err(err).Str("request", req.RequestNumber).Msg("distribution matrix unavailable")
	} else if ok {
		if agent := a.leastLoaded(ctx, eligible, "matrix:"+req.RequestType); agent != "" {
			return agent, PathMatrix
		}
	}

	groups, err := a.cfg.Allocation(ctx, req.BusinessUnit, req.RequestType, req.Department)
	if err != nil {
		a.log.Warn().Err(err).Str("request", req.RequestNumber).Msg("allocation rules unavailable")
		return a.defaultAgent, PathDefault
	}
	cursorKey := "bau:" + req.BusinessUnit + ":" + req.RequestType + ":" + req.Department
	for _, group := range groups {
		if agent := a.leastLoaded(ctx, group, cursorKey); agent != "" {
			return agent, PathBAU
		}
	}

	return a.defaultAgent, PathDefault
}

// leastLoaded returns the active free candidate with the smallest workload,
// breaking ties with the rule's round-robin cursor. Empty when every
// candidate is busy, inactive, or unknown.
func (a *Allocator) leastLoaded(ctx context.Context, candidates []string, cursorKey string) string {
	var free []mdm.Agent
	for _, name := range candidates {
		agent, err := a.workload.Stat(ctx, name)
		if err != nil {
			a.log.Warn().Err(err).Str("agent", name).Msg("skipping candidate without roster entry")
			continue
		}
		if !agent.Active || agent.Busy {
			continue
		}
		free = append(free, agent)
	}
	if len(free) == 0 {
		return ""
	}

	min := free[0].WorkloadSeconds
	for _, agent := range free[1:] {
		if agent.WorkloadSeconds < min {
			min = agent.WorkloadSeconds
		}
	}
	var tied []string
	for _, agent := range free {
		if agent.WorkloadSeconds == min {
			tied = append(tied, agent.Name)
		}
	}
	if len(tied) == 1 {
		return tied[0]
	}

	n, err := a.cursors.Next(ctx, cursorKey)
	if err != nil {
		a.log.Warn().Err(err).Str("cursor", cursorKey).Msg("cursor unavailable, taking first tied agent")
		return tied[0]
	}
	return tied[int((n-1)%int64(len(tied)))]
}
