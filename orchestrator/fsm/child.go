package fsm

import (
	"context"
	"strings"

	"github.com/GaneshArwan/enterprise-process-automation/orchestrator/locks"
	"github.com/GaneshArwan/enterprise-process-automation/orchestrator/mdm"
	"github.com/GaneshArwan/enterprise-process-automation/orchestrator/tabular"
	"github.com/GaneshArwan/enterprise-process-automation/orchestrator/timeline"
)

// HandleOnChildInterval repairs one worklist row. Assignees work these
// copies by hand, so the sweep fills in derived cells an interrupted edit
// left blank and replays send-backs whose rewind never reached the master.
func (e *Engine) HandleOnChildInterval(ctx context.Context, table string, row int) error {
	return e.locks.WithRowLock(ctx, table, row, "child_repair", func(_ *locks.Handle, _ func() bool) error {
		rc, err := e.snapshot(ctx, table, row)
		if err != nil {
			return err
		}
		if rc.Req.RequestNumber == "" {
			return nil
		}
		if rc.Req.ProcessStatus == mdm.StatusSendBack {
			return e.replaySendBack(ctx, rc)
		}
		return e.repairDerivedCells(ctx, rc)
	})
}

// replaySendBack finishes a send-back that set the status cell but died
// before rewinding the master or deleting the copy.
func (e *Engine) replaySendBack(ctx context.Context, rc *RequestContext) error {
	if err := e.rewindMaster(ctx, rc, "SYSTEM", "Send back replayed after interrupted edit"); err != nil {
		return err
	}
	e.events.Record(timeline.RequestEvent{
		RequestNumber: rc.Req.RequestNumber,
		Table:         rc.Table,
		Stage:         "REPAIRED",
		Actor:         timeline.ActorSystem,
		Reason:        "send back replay",
	})
	if e.masterTable(rc) == rc.Table {
		return nil
	}
	return e.store.DeleteRowLocked(ctx, rc.Table, rc.Row)
}

func (e *Engine) repairDerivedCells(ctx context.Context, rc *RequestContext) error {
	req := rc.Req
	cells := tabular.Record{}
	var fixed []string

	if !req.TakenDate.IsZero() && req.EstimatedTime > 0 && req.EstimatedTimeFinished.IsZero() {
		finish := e.clock.AddWorkSeconds(req.TakenDate, int64(req.EstimatedTime))
		cells[mdm.ColEstimatedTimeFinished] = mdm.FormatTime(finish)
		fixed = append(fixed, mdm.ColEstimatedTimeFinished)
	}
	if !req.ProcessedDate.IsZero() && req.FeedbackStatus == "" {
		cells[mdm.ColFeedbackStatus] = mdm.FeedbackWaiting
		fixed = append(fixed, mdm.ColFeedbackStatus)
	}
	if len(fixed) == 0 {
		return nil
	}

	if err := e.patch(ctx, rc, cells); err != nil {
		return err
	}
	e.events.Record(timeline.RequestEvent{
		RequestNumber: req.RequestNumber,
		Table:         rc.Table,
		Stage:         "REPAIRED",
		Actor:         timeline.ActorSystem,
		Agent:         req.ProcessedBy,
		Reason:        strings.Join(fixed, ", "),
	})
	e.log.Info().
		Str("request", req.RequestNumber).
		Str("table", rc.Table).
		Strs("columns", fixed).
		Msg("worklist row repaired")
	return e.mirrorToMaster(ctx, rc)
}
