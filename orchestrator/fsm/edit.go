package fsm

import (
	"context"
	"fmt"

	"github.com/GaneshArwan/enterprise-process-automation/orchestrator/locks"
	"github.com/GaneshArwan/enterprise-process-automation/orchestrator/mdm"
	"github.com/GaneshArwan/enterprise-process-automation/orchestrator/notify"
	"github.com/GaneshArwan/enterprise-process-automation/orchestrator/tabular"
	"github.com/GaneshArwan/enterprise-process-automation/orchestrator/timeline"
)

// EditResult reports how a cell edit was handled. A rejected edit carries
// the toast shown to the editor; the cell has already been put back.
type EditResult struct {
	Accepted bool   `json:"accepted"`
	Toast    string `json:"toast,omitempty"`
}

func accepted() EditResult { return EditResult{Accepted: true} }

// HandleOnEdit ingests one cell edit on an assignee's table. The edited cell
// already holds the new value; oldValue is what it held before the edit.
func (e *Engine) HandleOnEdit(ctx context.Context, table string, row int, column, oldValue, editor string) (EditResult, error) {
	result := accepted()
	err := e.locks.WithRowLock(ctx, table, row, "edit", func(_ *locks.Handle, _ func() bool) error {
		rc, err := e.snapshot(ctx, table, row)
		if err != nil {
			return err
		}
		if rc.Req.RequestNumber == "" {
			return nil
		}
		switch column {
		case mdm.ColProcessedBy:
			return e.editClaim(ctx, rc)
		case mdm.ColProcessStatus:
			result, err = e.editStatus(ctx, rc, oldValue, editor)
			return err
		}
		return nil
	})
	return result, err
}

// editClaim handles the assignee cell being touched: the claimer gets edit
// rights on the form, the clock starts, and the deadline lands on the row.
// Only the first claim stamps the taken date; later edits of the cell keep
// the original schedule.
func (e *Engine) editClaim(ctx context.Context, rc *RequestContext) error {
	req := rc.Req
	if req.ProcessedBy == "" {
		return nil
	}

	if req.AttachmentURL != "" {
		email := e.agentEmail(ctx, req.ProcessedBy)
		if err := e.docs.GrantEditor(ctx, req.AttachmentURL, email, ""); err != nil {
			e.log.Warn().Err(err).
				Str("request", req.RequestNumber).
				Str("agent", req.ProcessedBy).
				Msg("granting assignee edit rights failed")
		}
	}

	cells := tabular.Record{}
	taken := req.TakenDate
	claimed := taken.IsZero()
	if claimed {
		taken = e.now()
		cells[mdm.ColTakenDate] = mdm.FormatTime(taken)
	}
	if req.EstimatedTime > 0 && req.EstimatedTimeFinished.IsZero() {
		finish := e.clock.AddWorkSeconds(taken, int64(req.EstimatedTime))
		cells[mdm.ColEstimatedTimeFinished] = mdm.FormatTime(finish)
	}
	if err := e.patch(ctx, rc, cells); err != nil {
		return err
	}

	if claimed {
		e.events.Record(timeline.RequestEvent{
			RequestNumber: req.RequestNumber,
			Table:         rc.Table,
			Stage:         "CLAIMED",
			Actor:         timeline.ActorMDM,
			Agent:         req.ProcessedBy,
		})
	}
	return e.mirrorToMaster(ctx, rc)
}

// editStatus guards and applies a Process Status transition.
func (e *Engine) editStatus(ctx context.Context, rc *RequestContext, oldValue, editor string) (EditResult, error) {
	req := rc.Req
	status := req.ProcessStatus
	if status == oldValue {
		return accepted(), nil
	}

	revert := func(toast string) (EditResult, error) {
		if err := e.store.SetCellLocked(ctx, rc.Table, rc.Row, mdm.ColProcessStatus, oldValue); err != nil {
			return EditResult{}, err
		}
		e.log.Info().
			Str("request", req.RequestNumber).
			Str("from", oldValue).
			Str("to", status).
			Str("editor", editor).
			Msg("status edit reverted")
		return EditResult{Toast: toast}, nil
	}

	if oldValue == mdm.StatusSendBack && status != mdm.StatusSendBack {
		return revert("Request was sent back; its status can no longer change")
	}
	if mdm.IsTerminalProcessStatus(oldValue) && status == mdm.StatusOnGoing {
		return revert("Request is already " + oldValue + " and cannot return to On Going")
	}
	if status == mdm.StatusCompleted && req.TakenDate.IsZero() {
		return revert("Cannot set status to Completed without a Taken Date")
	}

	switch {
	case status == mdm.StatusSendBack:
		return accepted(), e.mdmSendBack(ctx, rc, editor)
	case status != "" && status != mdm.StatusOnGoing && !req.TakenDate.IsZero():
		return accepted(), e.finishStatus(ctx, rc, status)
	}
	return accepted(), nil
}

// finishStatus lands a non-ongoing status: processed date, feedback cell,
// requester notification, workload release, master mirror. ProcessedDate is
// the guard against repeating the side effects.
func (e *Engine) finishStatus(ctx context.Context, rc *RequestContext, status string) error {
	req := rc.Req
	first := req.ProcessedDate.IsZero()

	cells := tabular.Record{}
	if first {
		cells[mdm.ColProcessedDate] = mdm.FormatTime(e.now())
	}
	if req.FeedbackStatus == "" {
		cells[mdm.ColFeedbackStatus] = mdm.FeedbackWaiting
	}
	if err := e.patch(ctx, rc, cells); err != nil {
		return err
	}

	if first {
		if mdm.IsTerminalProcessStatus(status) && req.ProcessedBy != "" && req.EstimatedTime > 0 {
			if _, err := e.workload.Add(ctx, req.ProcessedBy, -int64(req.EstimatedTime)); err != nil {
				e.log.Warn().Err(err).
					Str("request", req.RequestNumber).
					Str("agent", req.ProcessedBy).
					Msg("workload release failed")
			}
		}
		e.send(ctx, notify.Message{
			Kind:          notify.KindProcessed,
			To:            []string{req.Requester},
			Subject:       "Request " + req.RequestNumber + " " + status,
			Body:          fmt.Sprintf("Request %s was processed by %s with status %s.", req.RequestNumber, req.ProcessedBy, status),
			RequestNumber: req.RequestNumber,
			Table:         rc.Table,
			Reason:        status,
		})
		e.events.Record(timeline.RequestEvent{
			RequestNumber: req.RequestNumber,
			Table:         rc.Table,
			Stage:         "COMPLETED",
			Actor:         timeline.ActorMDM,
			Agent:         req.ProcessedBy,
			Reason:        status,
		})
	}
	if _, ok := cells[mdm.ColFeedbackStatus]; ok {
		e.events.Record(timeline.RequestEvent{
			RequestNumber: req.RequestNumber,
			Table:         rc.Table,
			Stage:         "FEEDBACK",
			Actor:         timeline.ActorSystem,
			Reason:        mdm.FeedbackWaiting,
		})
	}
	return e.mirrorToMaster(ctx, rc)
}

// mdmSendBack handles the executing agent bouncing a request: the master row
// rewinds through the shared send-back path and the worklist copy goes away.
func (e *Engine) mdmSendBack(ctx context.Context, rc *RequestContext, editor string) error {
	if err := e.rewindMaster(ctx, rc, editor, "Sent back by "+editor); err != nil {
		return err
	}
	if e.masterTable(rc) == rc.Table {
		return nil
	}
	return e.store.DeleteRowLocked(ctx, rc.Table, rc.Row)
}

// rewindMaster runs the send-back on the master row backing rc. A master row
// already back in Need Review is left alone so an interrupted send-back can
// be replayed without a second rewind.
func (e *Engine) rewindMaster(ctx context.Context, rc *RequestContext, name, reason string) error {
	master := e.masterTable(rc)
	if master == rc.Table {
		return e.sendBack(ctx, rc.Table, rc.Row, timeline.ActorMDM, name, reason)
	}

	masterRow, err := e.store.FindRow(ctx, master, rc.Req.RequestNumber)
	if err != nil {
		return err
	}
	if masterRow < 0 {
		e.log.Warn().
			Str("request", rc.Req.RequestNumber).
			Str("master", master).
			Msg("no master row for sent-back request")
		return nil
	}
	return e.locks.WithRowLock(ctx, master, masterRow, "send_back", func(_ *locks.Handle, _ func() bool) error {
		rec, err := e.store.ReadRowFresh(ctx, master, masterRow)
		if err != nil {
			return err
		}
		if rec[mdm.ColRequestNumber] != rc.Req.RequestNumber {
			return fmt.Errorf("master table %s reindexed under send-back of %s", master, rc.Req.RequestNumber)
		}
		if rec[mdm.StatusColumn(0)] == mdm.RequesterNeedReview {
			return nil
		}
		return e.sendBack(ctx, master, masterRow, timeline.ActorMDM, name, reason)
	})
}
