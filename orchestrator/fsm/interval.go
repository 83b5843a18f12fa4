package fsm

import (
	"context"
	"fmt"

	"github.com/GaneshArwan/enterprise-process-automation/orchestrator/approval"
	"github.com/GaneshArwan/enterprise-process-automation/orchestrator/attachment"
	"github.com/GaneshArwan/enterprise-process-automation/orchestrator/locks"
	"github.com/GaneshArwan/enterprise-process-automation/orchestrator/mdm"
	"github.com/GaneshArwan/enterprise-process-automation/orchestrator/notify"
	"github.com/GaneshArwan/enterprise-process-automation/orchestrator/tabular"
	"github.com/GaneshArwan/enterprise-process-automation/orchestrator/timeline"
)

// HandleOnInterval advances one request by one sweep step. requestNumber is
// the identity captured when the row was scheduled; a mismatch means rows
// shifted underneath the sweep and the entry is stale.
func (e *Engine) HandleOnInterval(ctx context.Context, table string, row int, requestNumber string) error {
	return e.locks.WithRowLock(ctx, table, row, "interval", func(_ *locks.Handle, _ func() bool) error {
		return e.intervalLocked(ctx, table, row, requestNumber)
	})
}

func (e *Engine) intervalLocked(ctx context.Context, table string, row int, requestNumber string) error {
	rc, err := e.snapshot(ctx, table, row)
	if err != nil {
		return err
	}
	if rc.Req.RequestNumber != requestNumber {
		e.log.Debug().
			Str("table", table).
			Int("row", row).
			Str("scheduled", requestNumber).
			Str("found", rc.Req.RequestNumber).
			Msg("row reindexed since scheduling, skipping")
		return nil
	}

	if rc.Req.ProcessedBy == "" && e.isExpired(rc.Req) {
		return e.expire(ctx, rc)
	}

	for level := 0; level < mdm.MaxLevels; level++ {
		res, err := e.sync.SyncLevel(ctx, rc.Rec, rc.Req, level)
		if err != nil {
			return err
		}

		switch res.Kind {
		case approval.NoLevel:
			// This request type carries fewer levels; everything present has
			// advanced, so the chain is complete.
			return e.runApproved(ctx, rc)

		case approval.Invalid:
			e.send(ctx, notify.Message{
				Kind:          notify.KindInvalid,
				To:            []string{rc.Req.Requester},
				Subject:       "Approval entry rejected on " + rc.Req.RequestNumber,
				Body:          fmt.Sprintf("An approval entry at level %d of %s was inconsistent and has been cleared. Please decide the level again.", level, rc.Req.RequestNumber),
				RequestNumber: rc.Req.RequestNumber,
				Table:         table,
			})
			e.events.Record(timeline.RequestEvent{
				RequestNumber: rc.Req.RequestNumber,
				Table:         table,
				Stage:         "INVALID",
				Actor:         timeline.ActorSystem,
				Level:         level,
			})
			return nil

		case approval.Pending:
			if level > 0 && res.IsApprover {
				return e.askApproval(ctx, rc, level, res.Roster)
			}
			return nil

		case approval.Exists:
			if stop := e.reviewExisting(rc, res); stop {
				return nil
			}

		case approval.Decided:
			stop, err := e.ingestDecision(ctx, rc, res)
			if err != nil {
				return err
			}
			if stop {
				return nil
			}
		}
	}
	return e.runApproved(ctx, rc)
}

// reviewExisting decides whether an already-recorded level lets the sweep
// continue. Expired and Invalid requesters and rejected or sent-back
// approvers hold their rows; everything else advances.
func (e *Engine) reviewExisting(rc *RequestContext, res approval.Result) (stop bool) {
	if res.Level == 0 {
		switch res.Status {
		case mdm.RequesterExpired, mdm.RequesterInvalid:
			return true
		}
		return false
	}
	return approval.ShortCircuits(res.Status)
}

// ingestDecision writes a fresh external decision onto the row and applies
// its side effects. stop reports that the sweep should not look at further
// levels this tick.
func (e *Engine) ingestDecision(ctx context.Context, rc *RequestContext, res approval.Result) (bool, error) {
	level := res.Level
	stamp := mdm.FormatTime(e.now())

	if level == 0 {
		return e.ingestRequester(ctx, rc, res, stamp)
	}

	switch res.Status {
	case mdm.ApproverApproved, mdm.ApproverPartiallyRejected:
		err := e.patch(ctx, rc, tabular.Record{
			mdm.StatusColumn(level):    res.Status,
			mdm.NameColumn(level):      res.Name,
			mdm.TimestampColumn(level): stamp,
		})
		if err != nil {
			return true, err
		}
		stage, actor := "LEVEL_DECIDED", timeline.ActorApprover
		if res.AutoApproved {
			stage, actor = "AUTO_APPROVED", timeline.ActorSystem
		}
		e.events.Record(timeline.RequestEvent{
			RequestNumber: rc.Req.RequestNumber,
			Table:         rc.Table,
			Stage:         stage,
			Actor:         actor,
			Agent:         res.Name,
			Level:         level,
			Reason:        res.Status,
		})
		return false, nil

	case mdm.ApproverRejected:
		return true, e.reject(ctx, rc, res, stamp)

	case mdm.ApproverSendBack:
		reason := e.levelNotes(ctx, rc, level)
		return true, e.sendBack(ctx, rc.Table, rc.Row, timeline.ActorApprover, res.Name, reason)
	}

	e.log.Warn().
		Str("request", rc.Req.RequestNumber).
		Int("level", level).
		Str("status", res.Status).
		Msg("unhandled approver status")
	return true, nil
}

// ingestRequester handles a fresh level-0 decision. Completed gates on task
// validation; the terminal requester statuses close the request.
func (e *Engine) ingestRequester(ctx context.Context, rc *RequestContext, res approval.Result, stamp string) (bool, error) {
	cells := tabular.Record{
		mdm.StatusColumn(0):    res.Status,
		mdm.NameColumn(0):      res.Name,
		mdm.TimestampColumn(0): stamp,
	}

	switch res.Status {
	case mdm.RequesterCompleted:
		ok, reason, err := e.validateTasks(ctx, rc)
		if err != nil {
			return true, err
		}
		if !ok {
			return true, e.sendBack(ctx, rc.Table, rc.Row, timeline.ActorSystem, mdm.NoApprover, reason)
		}
		if err := e.patch(ctx, rc, cells); err != nil {
			return true, err
		}
		e.events.Record(timeline.RequestEvent{
			RequestNumber: rc.Req.RequestNumber,
			Table:         rc.Table,
			Stage:         "LEVEL_DECIDED",
			Actor:         timeline.ActorSystem,
			Agent:         res.Name,
			Level:         0,
			Reason:        res.Status,
		})
		return false, nil

	case mdm.RequesterNeedReview:
		// The requester flagged their own submission for rework; record it
		// and wait for the redo.
		return true, e.patch(ctx, rc, cells)

	case mdm.RequesterExpired, mdm.RequesterInvalid:
		if err := e.patch(ctx, rc, cells); err != nil {
			return true, err
		}
		e.protect(ctx, rc)
		kind := notify.KindExpired
		if res.Status == mdm.RequesterInvalid {
			kind = notify.KindInvalid
		}
		e.send(ctx, notify.Message{
			Kind:          kind,
			To:            []string{rc.Req.Requester},
			Subject:       "Request " + rc.Req.RequestNumber + " closed",
			Body:          fmt.Sprintf("Request %s was marked %s.", rc.Req.RequestNumber, res.Status),
			RequestNumber: rc.Req.RequestNumber,
			Table:         rc.Table,
		})
		e.events.Record(timeline.RequestEvent{
			RequestNumber: rc.Req.RequestNumber,
			Table:         rc.Table,
			Stage:         "INVALID",
			Actor:         timeline.ActorSystem,
			Reason:        res.Status,
		})
		return true, nil
	}

	e.log.Warn().
		Str("request", rc.Req.RequestNumber).
		Str("status", res.Status).
		Msg("unhandled requester status")
	return true, nil
}

// reject finalizes a rejected request: record the level, lock the form, tell
// the requester why.
func (e *Engine) reject(ctx context.Context, rc *RequestContext, res approval.Result, stamp string) error {
	err := e.patch(ctx, rc, tabular.Record{
		mdm.StatusColumn(res.Level):    res.Status,
		mdm.NameColumn(res.Level):      res.Name,
		mdm.TimestampColumn(res.Level): stamp,
	})
	if err != nil {
		return err
	}
	e.protect(ctx, rc)
	reason := e.levelNotes(ctx, rc, res.Level)
	e.send(ctx, notify.Message{
		Kind:          notify.KindRejected,
		To:            []string{rc.Req.Requester},
		Subject:       "Request " + rc.Req.RequestNumber + " rejected",
		Body:          fmt.Sprintf("Request %s was rejected at approval level %d by %s. %s", rc.Req.RequestNumber, res.Level, res.Name, reason),
		RequestNumber: rc.Req.RequestNumber,
		Table:         rc.Table,
		Reason:        reason,
	})
	e.events.Record(timeline.RequestEvent{
		RequestNumber: rc.Req.RequestNumber,
		Table:         rc.Table,
		Stage:         "REJECTED",
		Actor:         timeline.ActorApprover,
		Agent:         res.Name,
		Level:         res.Level,
		Reason:        reason,
	})
	return nil
}

// askApproval mails the level's roster once. The ask cell is stamped only on
// delivery so a failed send retries on the next sweep.
func (e *Engine) askApproval(ctx context.Context, rc *RequestContext, level int, roster []string) error {
	guard := mdm.AskStatusColumn(level)
	if _, ok := rc.Rec[guard]; !ok {
		e.log.Debug().
			Str("request", rc.Req.RequestNumber).
			Int("level", level).
			Msg("table carries no ask column, skipping approval mail")
		return nil
	}
	if rc.Rec[guard] != "" {
		return nil
	}
	delivered := e.send(ctx, notify.Message{
		Kind:          notify.KindAskApproval,
		To:            roster,
		Subject:       "Approval needed for " + rc.Req.RequestNumber,
		Body:          fmt.Sprintf("Request %s from %s awaits your level %d decision.", rc.Req.RequestNumber, rc.Req.Requester, level),
		RequestNumber: rc.Req.RequestNumber,
		Table:         rc.Table,
	})
	if !delivered {
		return nil
	}
	return e.patch(ctx, rc, tabular.Record{guard: mdm.FormatTime(e.now())})
}

// validateTasks runs the attachment task sheets through their declared rules.
// ok is false when the submission must be sent back; reason carries the
// per-row findings for the requester.
func (e *Engine) validateTasks(ctx context.Context, rc *RequestContext) (ok bool, reason string, err error) {
	handle := rc.Req.AttachmentURL
	if handle == "" {
		return true, "", nil
	}
	sheets, err := e.docs.TaskSheets(ctx, handle)
	if err != nil {
		return false, "", fmt.Errorf("task sheets for %s: %w", rc.Req.RequestNumber, err)
	}
	issues := attachment.ValidateAll(sheets)
	if len(issues) == 0 {
		return true, "", nil
	}
	return false, formatIssues(issues), nil
}

// isExpired reports whether the request sat unattended past the business-day
// limit. Requests under rework and already-closed requests never expire.
func (e *Engine) isExpired(req *mdm.Request) bool {
	if req.Timestamp.IsZero() {
		return false
	}
	switch req.Levels[0].Status {
	case mdm.RequesterNeedReview, mdm.RequesterExpired, mdm.RequesterInvalid:
		return false
	}
	deadline := e.clock.AddBusinessDays(req.Timestamp, e.expiredDayLimit)
	return e.now().After(deadline)
}

// expire closes an unattended request: requester marked Expired, form
// locked, requester told.
func (e *Engine) expire(ctx context.Context, rc *RequestContext) error {
	err := e.patch(ctx, rc, tabular.Record{
		mdm.StatusColumn(0):    mdm.RequesterExpired,
		mdm.NameColumn(0):      timeline.ActorSystem,
		mdm.TimestampColumn(0): mdm.FormatTime(e.now()),
	})
	if err != nil {
		return err
	}
	e.protect(ctx, rc)
	e.send(ctx, notify.Message{
		Kind:          notify.KindExpired,
		To:            []string{rc.Req.Requester},
		Subject:       "Request " + rc.Req.RequestNumber + " expired",
		Body:          fmt.Sprintf("Request %s saw no approval activity for %d business days and has expired.", rc.Req.RequestNumber, e.expiredDayLimit),
		RequestNumber: rc.Req.RequestNumber,
		Table:         rc.Table,
	})
	e.events.Record(timeline.RequestEvent{
		RequestNumber: rc.Req.RequestNumber,
		Table:         rc.Table,
		Stage:         "EXPIRED",
		Actor:         timeline.ActorSystem,
	})
	e.log.Info().Str("request", rc.Req.RequestNumber).Msg("request expired")
	return nil
}

// protect locks the attachment against further edits; failures are logged
// and left for the repair pass, never fatal to the transition that won.
func (e *Engine) protect(ctx context.Context, rc *RequestContext) {
	if rc.Req.AttachmentURL == "" {
		return
	}
	if err := e.docs.Protect(ctx, rc.Req.AttachmentURL); err != nil {
		e.log.Warn().Err(err).Str("request", rc.Req.RequestNumber).Msg("attachment protect failed")
	}
}

// levelNotes reads the free-text notes an approver left on the form.
func (e *Engine) levelNotes(ctx context.Context, rc *RequestContext, level int) string {
	if rc.Req.AttachmentURL == "" {
		return ""
	}
	notes, err := e.docs.ReadCell(ctx, rc.Req.AttachmentURL, attachment.NotesCell(level))
	if err != nil {
		e.log.Warn().Err(err).Str("request", rc.Req.RequestNumber).Int("level", level).Msg("notes cell unreadable")
		return ""
	}
	return notes
}
