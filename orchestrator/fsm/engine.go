// Package fsm drives a request through its lifecycle: submission, the
// hierarchical approval chain, baseline and allocation, execution on the
// assignee's table, and the send-back loops between those phases.
//
// Four entry points cover every way state reaches the engine:
// HandleOnSubmit for fresh rows, HandleOnInterval for the periodic sweeps,
// HandleOnEdit for cell edits on assignee tables, and HandleOnChildInterval
// for the repair pass. Every handler locks the row it works on and re-reads
// it inside the locked section; callers' snapshots are never trusted.
package fsm

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/GaneshArwan/enterprise-process-automation/orchestrator/allocator"
	"github.com/GaneshArwan/enterprise-process-automation/orchestrator/approval"
	"github.com/GaneshArwan/enterprise-process-automation/orchestrator/attachment"
	"github.com/GaneshArwan/enterprise-process-automation/orchestrator/calendar"
	"github.com/GaneshArwan/enterprise-process-automation/orchestrator/configcache"
	"github.com/GaneshArwan/enterprise-process-automation/orchestrator/locks"
	"github.com/GaneshArwan/enterprise-process-automation/orchestrator/mdm"
	"github.com/GaneshArwan/enterprise-process-automation/orchestrator/notify"
	"github.com/GaneshArwan/enterprise-process-automation/orchestrator/reqnum"
	"github.com/GaneshArwan/enterprise-process-automation/orchestrator/rowstore"
	"github.com/GaneshArwan/enterprise-process-automation/orchestrator/tabular"
	"github.com/GaneshArwan/enterprise-process-automation/orchestrator/timeline"
)

// Deps carries the collaborators of the engine. All fields are required
// except Profiles, which defaults to the built-in taxonomy.
type Deps struct {
	Store     *rowstore.Store
	Locks     *locks.Manager
	Config    *configcache.Cache
	Approvals *approval.Syncer
	Allocator *allocator.Allocator
	Workload  *allocator.Workload
	Numbers   *reqnum.Counter
	Clock     *calendar.Clock
	Docs      attachment.Client
	Sender    notify.Sender
	Events    *timeline.Store
	Profiles  map[string]mdm.TypeProfile
	Log       zerolog.Logger

	// DefaultDepartment fills submissions that omit a department.
	DefaultDepartment string
	// ExpiredDayLimit is the business-day age beyond which an unattended
	// request expires.
	ExpiredDayLimit int
}

// Engine is the request orchestrator.
type Engine struct {
	store    *rowstore.Store
	locks    *locks.Manager
	cfg      *configcache.Cache
	sync     *approval.Syncer
	alloc    *allocator.Allocator
	workload *allocator.Workload
	numbers  *reqnum.Counter
	clock    *calendar.Clock
	docs     attachment.Client
	sender   notify.Sender
	events   *timeline.Store
	profiles map[string]mdm.TypeProfile
	log      zerolog.Logger
	now      func() time.Time

	defaultDepartment string
	expiredDayLimit   int
}

func New(d Deps) *Engine {
	profiles := d.Profiles
	if profiles == nil {
		profiles = mdm.DefaultProfiles()
	}
	if d.ExpiredDayLimit <= 0 {
		d.ExpiredDayLimit = 3
	}
	return &Engine{
		store:             d.Store,
		locks:             d.Locks,
		cfg:               d.Config,
		sync:              d.Approvals,
		alloc:             d.Allocator,
		workload:          d.Workload,
		numbers:           d.Numbers,
		clock:             d.Clock,
		docs:              d.Docs,
		sender:            d.Sender,
		events:            d.Events,
		profiles:          profiles,
		log:               d.Log.With().Str("component", "fsm").Logger(),
		now:               time.Now,
		defaultDepartment: d.DefaultDepartment,
		expiredDayLimit:   d.ExpiredDayLimit,
	}
}

// RequestContext is one operation's view of a row: the table, the row index,
// the raw record, and its typed reading. It is rebuilt from a fresh read
// inside every locked section.
type RequestContext struct {
	Table string
	Row   int
	Rec   tabular.Record
	Req   *mdm.Request
}

func (e *Engine) snapshot(ctx context.Context, table string, row int) (*RequestContext, error) {
	rec, err := e.store.ReadRowFresh(ctx, table, row)
	if err != nil {
		return nil, fmt.Errorf("read %s row %d: %w", table, row, err)
	}
	return &RequestContext{Table: table, Row: row, Rec: rec, Req: mdm.RequestFromRecord(rec)}, nil
}

// patch writes cells on the context's row and folds them into the snapshot
// so later steps of the same operation observe them.
func (e *Engine) patch(ctx context.Context, rc *RequestContext, cells tabular.Record) error {
	if len(cells) == 0 {
		return nil
	}
	if err := e.store.SetCellsLocked(ctx, rc.Table, rc.Row, cells); err != nil {
		return err
	}
	for col, val := range cells {
		rc.Rec[col] = val
	}
	rc.Req = mdm.RequestFromRecord(rc.Rec)
	return nil
}

// send delivers a notification, absorbing failures: outbound mail is
// at-least-once and every caller has a guard cell or sweep that retries.
func (e *Engine) send(ctx context.Context, msg notify.Message) bool {
	if err := e.sender.Send(ctx, msg); err != nil {
		e.log.Warn().Err(err).
			Str("kind", msg.Kind).
			Str("request", msg.RequestNumber).
			Msg("notification not delivered")
		return false
	}
	return true
}

// agentEmail resolves an agent's mail address from the roster. Falls back to
// the agent name, which external relays treat as an alias.
func (e *Engine) agentEmail(ctx context.Context, agent string) string {
	a, err := e.workload.Stat(ctx, agent)
	if err != nil || a.Email == "" {
		return agent
	}
	return a.Email
}

// masterTable resolves the master table of the context's request type.
func (e *Engine) masterTable(rc *RequestContext) string {
	return mdm.TableForType(e.profiles, rc.Req.RequestType)
}

// mirrorToAgent copies the row into the assignee's worklist table, creating
// the table on first use. The copy replaces any previous mirror of the same
// request number.
func (e *Engine) mirrorToAgent(ctx context.Context, rc *RequestContext, agent string) error {
	headers, err := e.store.Headers(ctx, rc.Table)
	if err != nil {
		return err
	}
	table := mdm.WorklistTable(agent)
	if err := e.store.EnsureTable(ctx, table, headers); err != nil {
		return fmt.Errorf("ensure worklist for %s: %w", agent, err)
	}
	rec, err := e.store.ReadRowFresh(ctx, rc.Table, rc.Row)
	if err != nil {
		return err
	}
	if _, err := e.store.UpsertRow(ctx, table, rec, true); err != nil {
		return fmt.Errorf("mirror %s to %s: %w", rc.Req.RequestNumber, table, err)
	}
	e.events.Record(timeline.RequestEvent{
		RequestNumber: rc.Req.RequestNumber,
		Table:         table,
		Stage:         "MIRRORED",
		Actor:         timeline.ActorSystem,
		Agent:         agent,
	})
	return nil
}

// mirrorToMaster copies an assignee-table row back onto the master row so
// the canonical record tracks execution state.
func (e *Engine) mirrorToMaster(ctx context.Context, rc *RequestContext) error {
	master := e.masterTable(rc)
	if master == rc.Table {
		return nil
	}
	rec, err := e.store.ReadRowFresh(ctx, rc.Table, rc.Row)
	if err != nil {
		return err
	}
	if _, err := e.store.UpsertRow(ctx, master, rec, true); err != nil {
		return fmt.Errorf("mirror %s to master %s: %w", rc.Req.RequestNumber, master, err)
	}
	e.events.Record(timeline.RequestEvent{
		RequestNumber: rc.Req.RequestNumber,
		Table:         master,
		Stage:         "MIRRORED",
		Actor:         timeline.ActorMDM,
	})
	return nil
}
