package fsm

import (
	"context"
	"testing"
	"time"

	"github.com/GaneshArwan/enterprise-process-automation/orchestrator/mdm"
	"github.com/GaneshArwan/enterprise-process-automation/orchestrator/notify"
	"github.com/GaneshArwan/enterprise-process-automation/orchestrator/timeline"
)

func (h *harness) worklistRow(t *testing.T, agent, rn string) (string, int) {
	t.Helper()
	table := mdm.WorklistTable(agent)
	row, err := h.store.FindRow(context.Background(), table, rn)
	if err != nil {
		t.Fatalf("find %s in %s: %v", rn, table, err)
	}
	if row < 1 {
		t.Fatalf("no worklist row for %s", rn)
	}
	return table, row
}

func (h *harness) editCell(t *testing.T, table string, row int, column, value, oldValue, editor string) EditResult {
	t.Helper()
	ctx := context.Background()
	if err := h.store.SetCell(ctx, table, row, column, value); err != nil {
		t.Fatalf("set %s: %v", column, err)
	}
	res, err := h.engine.HandleOnEdit(ctx, table, row, column, oldValue, editor)
	if err != nil {
		t.Fatalf("edit %s: %v", column, err)
	}
	return res
}

func TestClaimGrantsAndSchedules(t *testing.T) {
	h := newHarness(t)
	masterRow, req := h.allocate(t)
	rn := req.RequestNumber
	wl, childRow := h.worklistRow(t, "bob", rn)

	claimAt := h.nowFn().Add(time.Hour)
	h.setNow(claimAt)

	res, err := h.engine.HandleOnEdit(context.Background(), wl, childRow, mdm.ColProcessedBy, "bob", "bob")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if !res.Accepted {
		t.Fatalf("claim rejected: %+v", res)
	}

	child := h.request(t, wl, childRow)
	if !child.TakenDate.Equal(claimAt) {
		t.Fatalf("taken date = %v, want %v", child.TakenDate, claimAt)
	}
	wantFinish := h.clock.AddWorkSeconds(claimAt, 240)
	if !child.EstimatedTimeFinished.Equal(wantFinish) {
		t.Fatalf("deadline = %v, want %v", child.EstimatedTimeFinished, wantFinish)
	}
	if _, ok := h.doc(t, req.AttachmentURL).Editors["bob@x.test"]; !ok {
		t.Fatal("assignee not granted edit rights")
	}
	if events := h.stageEvents(rn, "CLAIMED"); len(events) != 1 || events[0].Agent != "bob" {
		t.Fatalf("claimed events = %+v", events)
	}
	if master := h.request(t, "BOM", masterRow); !master.TakenDate.Equal(claimAt) {
		t.Fatalf("master taken date = %v", master.TakenDate)
	}

	// Touching the cell again keeps the original schedule.
	h.setNow(claimAt.Add(time.Hour))
	if _, err := h.engine.HandleOnEdit(context.Background(), wl, childRow, mdm.ColProcessedBy, "bob", "bob"); err != nil {
		t.Fatalf("second claim: %v", err)
	}
	child = h.request(t, wl, childRow)
	if !child.TakenDate.Equal(claimAt) {
		t.Fatalf("taken date moved: %v", child.TakenDate)
	}
	if events := h.stageEvents(rn, "CLAIMED"); len(events) != 1 {
		t.Fatalf("claimed events after re-edit = %d", len(events))
	}
}

func TestCompletedNeedsTakenDate(t *testing.T) {
	h := newHarness(t)
	_, req := h.allocate(t)
	wl, childRow := h.worklistRow(t, "bob", req.RequestNumber)

	res := h.editCell(t, wl, childRow, mdm.ColProcessStatus, mdm.StatusCompleted, "", "bob")
	if res.Accepted {
		t.Fatal("completion without taken date accepted")
	}
	if res.Toast != "Cannot set status to Completed without a Taken Date" {
		t.Fatalf("toast = %q", res.Toast)
	}
	if got := h.record(t, wl, childRow)[mdm.ColProcessStatus]; got != "" {
		t.Fatalf("status not reverted: %q", got)
	}
}

func TestCompletionReleasesWorkload(t *testing.T) {
	h := newHarness(t)
	masterRow, req := h.allocate(t)
	rn := req.RequestNumber
	wl, childRow := h.worklistRow(t, "bob", rn)

	if _, err := h.engine.HandleOnEdit(context.Background(), wl, childRow, mdm.ColProcessedBy, "bob", "bob"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	doneAt := h.nowFn().Add(2 * time.Hour)
	h.setNow(doneAt)
	res := h.editCell(t, wl, childRow, mdm.ColProcessStatus, mdm.StatusCompleted, "", "bob")
	if !res.Accepted {
		t.Fatalf("completion rejected: %+v", res)
	}

	child := h.request(t, wl, childRow)
	if !child.ProcessedDate.Equal(doneAt) {
		t.Fatalf("processed date = %v, want %v", child.ProcessedDate, doneAt)
	}
	if child.FeedbackStatus != mdm.FeedbackWaiting {
		t.Fatalf("feedback status = %q", child.FeedbackStatus)
	}
	if got := h.agentLoad(t, "bob"); got != 300 {
		t.Fatalf("bob workload = %d, want 300", got)
	}
	mails := h.sender.byKind(notify.KindProcessed)
	if len(mails) != 1 || mails[0].Reason != mdm.StatusCompleted || mails[0].To[0] != "req@x.test" {
		t.Fatalf("processed mails = %+v", mails)
	}
	if events := h.stageEvents(rn, "COMPLETED"); len(events) != 1 || events[0].Agent != "bob" {
		t.Fatalf("completed events = %+v", events)
	}
	if events := h.stageEvents(rn, "FEEDBACK"); len(events) != 1 || events[0].Reason != mdm.FeedbackWaiting {
		t.Fatalf("feedback events = %+v", events)
	}
	if master := h.request(t, "BOM", masterRow); master.ProcessStatus != mdm.StatusCompleted {
		t.Fatalf("master status = %q", master.ProcessStatus)
	}

	// A later correction between terminal statuses repeats no side effects.
	res = h.editCell(t, wl, childRow, mdm.ColProcessStatus, mdm.StatusPartiallyRejected, mdm.StatusCompleted, "bob")
	if !res.Accepted {
		t.Fatalf("terminal correction rejected: %+v", res)
	}
	if got := h.agentLoad(t, "bob"); got != 300 {
		t.Fatalf("workload released twice: %d", got)
	}
	if mails := h.sender.byKind(notify.KindProcessed); len(mails) != 1 {
		t.Fatalf("processed mails after correction = %d", len(mails))
	}

	// Terminal rows cannot reopen.
	res = h.editCell(t, wl, childRow, mdm.ColProcessStatus, mdm.StatusOnGoing, mdm.StatusPartiallyRejected, "bob")
	if res.Accepted {
		t.Fatal("reopen accepted")
	}
	if res.Toast != "Request is already Partially Rejected and cannot return to On Going" {
		t.Fatalf("toast = %q", res.Toast)
	}
	if got := h.record(t, wl, childRow)[mdm.ColProcessStatus]; got != mdm.StatusPartiallyRejected {
		t.Fatalf("status not reverted: %q", got)
	}
}

func TestAgentSendBackRewindsMaster(t *testing.T) {
	h := newHarness(t)
	masterRow, req := h.allocate(t)
	rn := req.RequestNumber
	wl, childRow := h.worklistRow(t, "bob", rn)

	res := h.editCell(t, wl, childRow, mdm.ColProcessStatus, mdm.StatusSendBack, "", "bob")
	if !res.Accepted {
		t.Fatalf("send back rejected: %+v", res)
	}

	master := h.request(t, "BOM", masterRow)
	if master.Levels[0].Status != mdm.RequesterNeedReview {
		t.Fatalf("master level 0 = %q", master.Levels[0].Status)
	}
	if master.ProcessedBy != "" {
		t.Fatalf("assignee survived rewind: %q", master.ProcessedBy)
	}
	if got := h.agentLoad(t, "bob"); got != 300 {
		t.Fatalf("bob workload = %d, want 300", got)
	}
	if row, err := h.store.FindRow(context.Background(), wl, rn); err != nil || row != -1 {
		t.Fatalf("worklist copy survived: row %d err %v", row, err)
	}
	backs := h.stageEvents(rn, "SEND_BACK")
	if len(backs) != 1 || backs[0].Actor != timeline.ActorMDM || backs[0].Agent != "bob" {
		t.Fatalf("send back events = %+v", backs)
	}
	if backs[0].Reason != "Sent back by bob" {
		t.Fatalf("reason = %q", backs[0].Reason)
	}
	if mails := h.sender.byKind(notify.KindSendBack); len(mails) != 1 {
		t.Fatalf("send back mails = %d", len(mails))
	}
	if h.doc(t, req.AttachmentURL).Protected {
		t.Fatal("form still protected after rewind")
	}
}

func TestSentBackStatusIsSticky(t *testing.T) {
	h := newHarness(t)
	_, req := h.allocate(t)
	wl, childRow := h.worklistRow(t, "bob", req.RequestNumber)

	res := h.editCell(t, wl, childRow, mdm.ColProcessStatus, mdm.StatusOnGoing, mdm.StatusSendBack, "bob")
	if res.Accepted {
		t.Fatal("edit of sent-back status accepted")
	}
	if res.Toast != "Request was sent back; its status can no longer change" {
		t.Fatalf("toast = %q", res.Toast)
	}
	if got := h.record(t, wl, childRow)[mdm.ColProcessStatus]; got != mdm.StatusSendBack {
		t.Fatalf("status not reverted: %q", got)
	}
}

func TestEditIgnoresRowsWithoutNumber(t *testing.T) {
	h := newHarness(t)
	row := h.appendRow(t, "BOM", h.submission(nil))

	before := len(h.events.GetAllEvents())
	res, err := h.engine.HandleOnEdit(context.Background(), "BOM", row, mdm.ColProcessStatus, "", "someone")
	if err != nil {
		t.Fatalf("edit: %v", err)
	}
	if !res.Accepted {
		t.Fatalf("edit rejected: %+v", res)
	}
	if got := len(h.events.GetAllEvents()); got != before {
		t.Fatalf("events recorded for unnumbered row: %d -> %d", before, got)
	}
}
