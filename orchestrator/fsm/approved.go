package fsm

import (
	"context"
	"fmt"
	"strconv"

	"github.com/GaneshArwan/enterprise-process-automation/orchestrator/attachment"
	"github.com/GaneshArwan/enterprise-process-automation/orchestrator/mdm"
	"github.com/GaneshArwan/enterprise-process-automation/orchestrator/notify"
	"github.com/GaneshArwan/enterprise-process-automation/orchestrator/tabular"
	"github.com/GaneshArwan/enterprise-process-automation/orchestrator/timeline"
)

// runApproved finishes a fully approved request: task count, baseline,
// assignee, workload, protection, notification, worklist mirror. ProcessedBy
// is the idempotence guard; a row that already carries an assignee was
// finished by an earlier sweep and passes through untouched.
func (e *Engine) runApproved(ctx context.Context, rc *RequestContext) error {
	rc, err := e.snapshot(ctx, rc.Table, rc.Row)
	if err != nil {
		return err
	}
	req := rc.Req
	if req.ProcessedBy != "" {
		return nil
	}

	total, err := e.ensureTotalTask(ctx, rc)
	if err != nil {
		return err
	}
	if total == 0 {
		return e.abortWithoutTasks(ctx, rc)
	}

	cells := tabular.Record{}
	estimated := int64(0)
	secs, perTask, ok, err := e.cfg.Baseline(ctx, req.RequestType, total)
	if err != nil {
		return err
	}
	if ok {
		estimated = secs
		if perTask {
			estimated = secs * int64(total)
		}
		cells[mdm.ColBaseline] = strconv.FormatInt(secs, 10)
		cells[mdm.ColEstimatedTime] = strconv.FormatInt(estimated, 10)
	} else {
		// Missing baseline rule is a configuration gap, not a stop: the
		// request proceeds without an estimate.
		e.log.Warn().
			Str("request", req.RequestNumber).
			Str("type", req.RequestType).
			Int("tasks", total).
			Msg("no baseline rule, continuing without estimate")
	}

	agent, path := e.alloc.Allocate(ctx, req)
	cells[mdm.ColProcessedBy] = agent
	if err := e.patch(ctx, rc, cells); err != nil {
		return err
	}
	if ok {
		e.events.Record(timeline.RequestEvent{
			RequestNumber: req.RequestNumber,
			Table:         rc.Table,
			Stage:         "BASELINE_SET",
			Actor:         timeline.ActorSystem,
			Metadata: map[string]string{
				"baseline_seconds": strconv.FormatInt(secs, 10),
				"estimated_time":   strconv.FormatInt(estimated, 10),
			},
		})
	}
	e.events.Record(timeline.RequestEvent{
		RequestNumber: req.RequestNumber,
		Table:         rc.Table,
		Stage:         "ALLOCATED",
		Actor:         timeline.ActorSystem,
		Agent:         agent,
		Metadata:      map[string]string{"path": path},
	})

	if estimated > 0 {
		if _, err := e.workload.Add(ctx, agent, estimated); err != nil {
			// The assignment stands; the counter catches up via the manual
			// adjustment endpoint if the roster row stays unreachable.
			e.log.Warn().Err(err).
				Str("request", req.RequestNumber).
				Str("agent", agent).
				Msg("workload increment failed")
		}
	}

	e.protect(ctx, rc)
	e.send(ctx, notify.Message{
		Kind:          notify.KindApproved,
		To:            []string{req.Requester, e.agentEmail(ctx, agent)},
		Subject:       "Request " + req.RequestNumber + " approved",
		Body:          fmt.Sprintf("Request %s cleared its approval chain and was assigned to %s.", req.RequestNumber, agent),
		RequestNumber: req.RequestNumber,
		Table:         rc.Table,
	})
	return e.mirrorToAgent(ctx, rc, agent)
}

// ensureTotalTask returns the task count, reading it off the attachment and
// persisting it when the submission left the cell empty.
func (e *Engine) ensureTotalTask(ctx context.Context, rc *RequestContext) (int, error) {
	if rc.Req.TotalTask > 0 {
		return rc.Req.TotalTask, nil
	}
	if rc.Req.AttachmentURL == "" {
		return 0, nil
	}
	sheets, err := e.docs.TaskSheets(ctx, rc.Req.AttachmentURL)
	if err != nil {
		return 0, fmt.Errorf("count tasks for %s: %w", rc.Req.RequestNumber, err)
	}
	total := attachment.CountTasks(sheets)
	if total == 0 {
		return 0, nil
	}
	if err := e.patch(ctx, rc, tabular.Record{mdm.ColTotalTask: strconv.Itoa(total)}); err != nil {
		return 0, err
	}
	return total, nil
}

// abortWithoutTasks unwinds a request that cleared approval with no work
// items. The requester cells reset on both the row and the form so the next
// completion passes through validation again.
func (e *Engine) abortWithoutTasks(ctx context.Context, rc *RequestContext) error {
	err := e.patch(ctx, rc, tabular.Record{
		mdm.StatusColumn(0):    "",
		mdm.NameColumn(0):      "",
		mdm.TimestampColumn(0): "",
	})
	if err != nil {
		return err
	}
	if rc.Req.AttachmentURL != "" {
		if werr := e.docs.WriteCell(ctx, rc.Req.AttachmentURL, attachment.StatusCell(0), ""); werr != nil {
			e.log.Warn().Err(werr).Str("request", rc.Req.RequestNumber).Msg("clearing requester form cell failed")
		}
	}
	e.send(ctx, notify.Message{
		Kind:          notify.KindInvalid,
		To:            []string{rc.Req.Requester},
		Subject:       "Request " + rc.Req.RequestNumber + " has no tasks",
		Body:          fmt.Sprintf("Request %s reached allocation with no task rows. Add tasks to the attachment and complete the request again.", rc.Req.RequestNumber),
		RequestNumber: rc.Req.RequestNumber,
		Table:         rc.Table,
	})
	e.events.Record(timeline.RequestEvent{
		RequestNumber: rc.Req.RequestNumber,
		Table:         rc.Table,
		Stage:         "INVALID",
		Actor:         timeline.ActorSystem,
		Reason:        "no task rows",
	})
	return nil
}
