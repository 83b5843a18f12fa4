package fsm

import (
	"context"
	"errors"
	"sync"
	"testing"
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

// captureSender records outbound mail and can simulate a dead relay.
type captureSender struct {
	mu   sync.Mutex
	fail bool
	sent []notify.Message
}

func (c *captureSender) Send(_ context.Context, msg notify.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return errors.New("relay down")
	}
	c.sent = append(c.sent, msg)
	return nil
}

func (c *captureSender) setFail(v bool) {
	c.mu.Lock()
	c.fail = v
	c.mu.Unlock()
}

func (c *captureSender) byKind(kind string) []notify.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []notify.Message
	for _, m := range c.sent {
		if m.Kind == kind {
			out = append(out, m)
		}
	}
	return out
}

func (c *captureSender) total() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

type harness struct {
	engine   *Engine
	backend  *tabular.MemoryBackend
	store    *rowstore.Store
	docs     *attachment.MemStore
	sender   *captureSender
	events   *timeline.Store
	clock    *calendar.Clock
	workload *allocator.Workload

	mu sync.Mutex
	at time.Time
}

func (h *harness) nowFn() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.at
}

func (h *harness) setNow(t time.Time) {
	h.mu.Lock()
	h.at = t
	h.mu.Unlock()
}

// newHarness wires an engine against in-memory collaborators. Config:
// BOM Create approves through jane (L1) and mark (L2) with L3 auto-approved,
// 120 s per task; BOM Modify has no approvers and a flat 300 s baseline.
// Roster: alice 600 s, bob and erin 300 s, all free.
func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()

	backend := tabular.NewMemoryBackend()
	lm := locks.NewManager(locks.NewMemoryBackend(), locks.DefaultConfig(), zerolog.Nop())
	store := rowstore.New(backend, lm, mdm.ColRequestNumber, zerolog.Nop())

	seed := func(table string, headers []string, rows ...[]string) {
		if err := backend.EnsureTable(ctx, table, headers); err != nil {
			t.Fatalf("ensure %s: %v", table, err)
		}
		for _, row := range rows {
			if _, err := backend.AppendRow(ctx, table, row); err != nil {
				t.Fatalf("seed %s: %v", table, err)
			}
		}
	}

	seed("BOM", mdm.Columns())
	seed(mdm.TableAgents, mdm.AgentColumns())
	for _, a := range []mdm.Agent{
		{Name: "alice", Email: "alice@x.test", Active: true, WorkloadSeconds: 600},
		{Name: "bob", Email: "bob@x.test", Active: true, WorkloadSeconds: 300},
		{Name: "erin", Email: "erin@x.test", Active: true, WorkloadSeconds: 300},
	} {
		if _, err := backend.AppendRow(ctx, mdm.TableAgents, tabular.UnzipRecord(mdm.AgentColumns(), a.Record())); err != nil {
			t.Fatalf("seed agent: %v", err)
		}
	}
	seed(mdm.TableApprovers,
		[]string{mdm.ColBusinessUnit, mdm.ColDepartment, mdm.ColRequestType, configcache.ColLevel, configcache.ColApprovers},
		[]string{"PT-A", "ALL", "BOM Create", "1", "jane@x.test"},
		[]string{"PT-A", "ALL", "BOM Create", "2", "mark@x.test"},
		[]string{"PT-A", "ALL", "BOM Create", "3", mdm.NoApprover},
	)
	seed(mdm.TableBaseline,
		[]string{mdm.ColRequestType, configcache.ColTaskRange, configcache.ColSeconds, configcache.ColPerTask},
		[]string{"BOM Create", "1+", "120", "TRUE"},
		[]string{"BOM Modify", "1+", "300", "FALSE"},
	)
	seed(mdm.TableDistribution,
		[]string{mdm.ColRequestType, configcache.ColAgents},
		[]string{"BOM Create", "alice, bob, erin"},
	)
	seed(mdm.TableAllocation,
		[]string{mdm.ColBusinessUnit, mdm.ColRequestType, mdm.ColDepartment, configcache.ColPrimary, configcache.ColBackup, configcache.ColBackup2})
	seed(mdm.TableTracker, mdm.TrackerColumns())

	docs := attachment.NewMemStore()
	taskColumns := []attachment.TaskColumn{
		{Name: "Material", Mandatory: true},
		{Name: "Qty", Mandatory: true, Rule: attachment.Rule{Kind: attachment.RuleTyped, Type: attachment.TypeInteger}},
	}
	for _, tpl := range []string{"BOM Create", "BOM Modify"} {
		docs.RegisterTemplate(tpl, map[string]string{}, []attachment.TaskSheetData{
			{Name: "Tasks", Columns: taskColumns, StartRow: mdm.DefaultTaskStartRow},
		})
	}

	cfg := configcache.New(store, zerolog.Nop())
	workload := allocator.NewWorkload(store, lm, zerolog.Nop())
	sender := &captureSender{}
	events := timeline.NewStore()
	clock := calendar.NewClock(nil)

	h := &harness{
		backend:  backend,
		store:    store,
		docs:     docs,
		sender:   sender,
		events:   events,
		clock:    clock,
		workload: workload,
		at:       time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC),
	}
	h.engine = New(Deps{
		Store:             store,
		Locks:             lm,
		Config:            cfg,
		Approvals:         approval.NewSyncer(docs, cfg, zerolog.Nop()),
		Allocator:         allocator.New(cfg, workload, allocator.NewMemoryCursors(), "MDM Default", zerolog.Nop()),
		Workload:          workload,
		Numbers:           reqnum.New(reqnum.NewMemoryProperties(), store, lm, zerolog.Nop()),
		Clock:             clock,
		Docs:              docs,
		Sender:            sender,
		Events:            events,
		Log:               zerolog.Nop(),
		DefaultDepartment: "General",
		ExpiredDayLimit:   3,
	})
	h.engine.now = h.nowFn
	return h
}

func (h *harness) appendRow(t *testing.T, table string, rec tabular.Record) int {
	t.Helper()
	ctx := context.Background()
	headers, err := h.store.Headers(ctx, table)
	if err != nil {
		t.Fatalf("headers %s: %v", table, err)
	}
	row, err := h.backend.AppendRow(ctx, table, tabular.UnzipRecord(headers, rec))
	if err != nil {
		t.Fatalf("append %s: %v", table, err)
	}
	return row
}

func (h *harness) submission(overrides tabular.Record) tabular.Record {
	rec := tabular.Record{
		mdm.ColTimestamp:      mdm.FormatTime(h.nowFn()),
		mdm.ColRequestType:    "BOM Create",
		mdm.ColDepartment:     "Procurement",
		mdm.ColBusinessUnit:   "PT-A",
		mdm.ColRequesterEmail: "req@x.test",
	}
	for k, v := range overrides {
		rec[k] = v
	}
	return rec
}

// submit appends a submission row and runs it through HandleOnSubmit.
func (h *harness) submit(t *testing.T, overrides tabular.Record) (int, *mdm.Request) {
	t.Helper()
	row := h.appendRow(t, "BOM", h.submission(overrides))
	if err := h.engine.HandleOnSubmit(context.Background(), "BOM", row); err != nil {
		t.Fatalf("submit: %v", err)
	}
	return row, h.request(t, "BOM", row)
}

func (h *harness) request(t *testing.T, table string, row int) *mdm.Request {
	t.Helper()
	rec, err := h.store.ReadRowFresh(context.Background(), table, row)
	if err != nil {
		t.Fatalf("read %s row %d: %v", table, row, err)
	}
	return mdm.RequestFromRecord(rec)
}

func (h *harness) record(t *testing.T, table string, row int) tabular.Record {
	t.Helper()
	rec, err := h.store.ReadRowFresh(context.Background(), table, row)
	if err != nil {
		t.Fatalf("read %s row %d: %v", table, row, err)
	}
	return rec
}

// sweep runs one interval pass over the row under its current number.
func (h *harness) sweep(t *testing.T, table string, row int) {
	t.Helper()
	rec := h.record(t, table, row)
	if err := h.engine.HandleOnInterval(context.Background(), table, row, rec[mdm.ColRequestNumber]); err != nil {
		t.Fatalf("interval %s row %d: %v", table, row, err)
	}
}

// decide simulates an actor filling a level's form cells.
func (h *harness) decide(t *testing.T, handle string, level int, status, name, notes string) {
	t.Helper()
	ctx := context.Background()
	if err := h.docs.WriteCell(ctx, handle, attachment.StatusCell(level), status); err != nil {
		t.Fatalf("write status cell: %v", err)
	}
	if name != "" {
		if err := h.docs.WriteCell(ctx, handle, attachment.NameCell(level), name); err != nil {
			t.Fatalf("write name cell: %v", err)
		}
	}
	if notes != "" {
		if err := h.docs.WriteCell(ctx, handle, attachment.NotesCell(level), notes); err != nil {
			t.Fatalf("write notes cell: %v", err)
		}
	}
}

func (h *harness) fillTasks(t *testing.T, handle string, rows [][]string) {
	t.Helper()
	if err := h.docs.SetTaskRows(handle, "Tasks", rows); err != nil {
		t.Fatalf("set task rows: %v", err)
	}
}

// allocate drives a valid BOM Create submission through the whole approval
// chain: requester completion, jane at level 1, mark at level 2, automatic
// level 3, then baseline and allocation.
func (h *harness) allocate(t *testing.T) (int, *mdm.Request) {
	t.Helper()
	row, req := h.submit(t, nil)
	h.fillTasks(t, req.AttachmentURL, [][]string{{"M-100", "2"}, {"M-200", "5"}})
	h.decide(t, req.AttachmentURL, 0, mdm.RequesterCompleted, "", "")
	h.sweep(t, "BOM", row)
	h.decide(t, req.AttachmentURL, 1, mdm.ApproverApproved, "jane@x.test", "")
	h.sweep(t, "BOM", row)
	h.decide(t, req.AttachmentURL, 2, mdm.ApproverApproved, "mark@x.test", "")
	h.sweep(t, "BOM", row)
	return row, h.request(t, "BOM", row)
}

func (h *harness) stageEvents(rn, stage string) []timeline.RequestEvent {
	var out []timeline.RequestEvent
	for _, e := range h.events.GetEvents(rn) {
		if e.Stage == stage {
			out = append(out, e)
		}
	}
	return out
}

func (h *harness) agentLoad(t *testing.T, agent string) int64 {
	t.Helper()
	n, err := h.workload.Get(context.Background(), agent)
	if err != nil {
		t.Fatalf("workload %s: %v", agent, err)
	}
	return n
}

func (h *harness) doc(t *testing.T, handle string) attachment.Doc {
	t.Helper()
	doc, ok := h.docs.Inspect(handle)
	if !ok {
		t.Fatalf("no document %s", handle)
	}
	return doc
}
