package main

import (
	"context"
	"time"

	"github.com/GaneshArwan/enterprise-process-automation/orchestrator/allocator"
	"github.com/GaneshArwan/enterprise-process-automation/orchestrator/locks"
	"github.com/GaneshArwan/enterprise-process-automation/orchestrator/mdm"
	"github.com/GaneshArwan/enterprise-process-automation/orchestrator/rowstore"
	"github.com/GaneshArwan/enterprise-process-automation/orchestrator/scheduler"
	"github.com/GaneshArwan/enterprise-process-automation/orchestrator/timeline"
)

// recentEventLimit is how much history a dashboard snapshot carries.
const recentEventLimit = 20

// TableStats is the lifecycle census of one master table.
type TableStats struct {
	Table    string `json:"table"`
	Rows     int    `json:"rows"`
	Pending  int    `json:"pending"`
	OnGoing  int    `json:"on_going"`
	Terminal int    `json:"terminal"`
}

// DashboardSnapshot is the state served by GET /dashboard and streamed to
// operators.
type DashboardSnapshot struct {
	Tables        []TableStats            `json:"tables"`
	Agents        []mdm.Agent             `json:"agents"`
	Sweeps        scheduler.Stats         `json:"sweeps"`
	Locks         locks.Stats             `json:"locks"`
	RecentEvents  []timeline.RequestEvent `json:"recent_events"`
	StreamClients int                     `json:"stream_clients"`
	Timestamp     int64                   `json:"timestamp"`
}

// DashboardService aggregates the dashboard snapshot from the row store,
// the roster, the scheduler, the lock manager, and the event log.
type DashboardService struct {
	store    *rowstore.Store
	workload *allocator.Workload
	sched    *scheduler.Scheduler
	events   *timeline.Store
	hub      *Hub
	locks    *locks.Manager
	tables   []string
}

func NewDashboardService(store *rowstore.Store, workload *allocator.Workload, sched *scheduler.Scheduler, events *timeline.Store, hub *Hub, lm *locks.Manager, tables []string) *DashboardService {
	return &DashboardService{
		store:    store,
		workload: workload,
		sched:    sched,
		events:   events,
		hub:      hub,
		locks:    lm,
		tables:   tables,
	}
}

// Snapshot gathers the full dashboard state.
func (s *DashboardService) Snapshot(ctx context.Context) (DashboardSnapshot, error) {
	tables, err := s.TableStats(ctx)
	if err != nil {
		return DashboardSnapshot{}, err
	}
	agents, err := s.workload.Agents(ctx)
	if err != nil {
		return DashboardSnapshot{}, err
	}

	return DashboardSnapshot{
		Tables:        tables,
		Agents:        agents,
		Sweeps:        s.sched.SweepStats(),
		Locks:         s.locks.Stats(),
		RecentEvents:  s.events.Recent(recentEventLimit),
		StreamClients: s.hub.ClientCount(),
		Timestamp:     time.Now().Unix(),
	}, nil
}

// TableStats counts rows per lifecycle phase for every master table.
func (s *DashboardService) TableStats(ctx context.Context) ([]TableStats, error) {
	out := make([]TableStats, 0, len(s.tables))
	for _, table := range s.tables {
		headers, err := s.store.Headers(ctx, table)
		if err != nil {
			return nil, err
		}
		rows, err := s.store.Rows(ctx, table)
		if err != nil {
			return nil, err
		}

		stats := TableStats{Table: table, Rows: len(rows)}
		for _, rec := range rows {
			switch {
			case mdm.IsTerminalProcessStatus(rec[mdm.ColProcessStatus]):
				stats.Terminal++
			case rec[mdm.ColProcessedBy] != "":
				stats.OnGoing++
			case mdm.NeedsAdvancement(rec, headers):
				stats.Pending++
			}
		}
		out = append(out, stats)
	}
	return out, nil
}
