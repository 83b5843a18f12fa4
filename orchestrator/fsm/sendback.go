package fsm

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/GaneshArwan/enterprise-process-automation/orchestrator/attachment"
	"github.com/GaneshArwan/enterprise-process-automation/orchestrator/locks"
	"github.com/GaneshArwan/enterprise-process-automation/orchestrator/mdm"
	"github.com/GaneshArwan/enterprise-process-automation/orchestrator/notify"
	"github.com/GaneshArwan/enterprise-process-automation/orchestrator/tabular"
	"github.com/GaneshArwan/enterprise-process-automation/orchestrator/timeline"
)

// sendBack rewinds one master-table row to the requester. Every cell after
// the New Submission Status anchor is cleared, the requester level resets to
// Need Review, the form's decision cells are blanked and the form reopens.
// The send-back counters survive the clear: the count advances here and the
// email column records delivery for the retry sweep. The caller holds the
// row's serialization.
func (e *Engine) sendBack(ctx context.Context, table string, row int, actor, name, reason string) error {
	rec, err := e.store.ReadRowFresh(ctx, table, row)
	if err != nil {
		return err
	}
	req := mdm.RequestFromRecord(rec)
	headers, err := e.store.Headers(ctx, table)
	if err != nil {
		return err
	}
	anchor := tabular.ColumnIndex(headers, mdm.ColNewSubmission)
	if anchor < 0 {
		return fmt.Errorf("table %s has no %s column", table, mdm.ColNewSubmission)
	}

	// Outstanding work returns to the pool before the cells recording it
	// vanish. The cleared cells make re-runs safe.
	if req.ProcessedBy != "" && req.EstimatedTime > 0 {
		if _, err := e.workload.Add(ctx, req.ProcessedBy, -int64(req.EstimatedTime)); err != nil {
			e.log.Warn().Err(err).
				Str("request", req.RequestNumber).
				Str("agent", req.ProcessedBy).
				Msg("workload release failed")
		}
	}

	if err := e.store.ClearRangeLocked(ctx, table, row, anchor+1, len(headers)); err != nil {
		return err
	}

	if req.AttachmentURL != "" {
		for level := 0; level < mdm.MaxLevels; level++ {
			if _, ok := rec[mdm.StatusColumn(level)]; !ok {
				break
			}
			if werr := e.docs.WriteCell(ctx, req.AttachmentURL, attachment.StatusCell(level), ""); werr != nil {
				e.log.Warn().Err(werr).
					Str("request", req.RequestNumber).
					Int("level", level).
					Msg("clearing form decision cell failed")
			}
		}
		if uerr := e.docs.Unprotect(ctx, req.AttachmentURL); uerr != nil {
			e.log.Warn().Err(uerr).Str("request", req.RequestNumber).Msg("attachment unprotect failed")
		}
	}

	e.events.Record(timeline.RequestEvent{
		RequestNumber: req.RequestNumber,
		Table:         table,
		Stage:         "SEND_BACK",
		Actor:         actor,
		Agent:         name,
		Reason:        reason,
	})

	delivered := e.send(ctx, notify.Message{
		Kind:          notify.KindSendBack,
		To:            []string{req.Requester},
		Subject:       "Request " + req.RequestNumber + " sent back",
		Body:          fmt.Sprintf("Request %s was sent back for rework. %s", req.RequestNumber, reason),
		RequestNumber: req.RequestNumber,
		Table:         table,
		Reason:        reason,
	})

	emails := req.SentBackEmails
	if delivered {
		emails++
	}
	cells := tabular.Record{
		mdm.StatusColumn(0):   mdm.RequesterNeedReview,
		mdm.ColSentBackCount:  strconv.Itoa(req.SentBackCount + 1),
		mdm.ColSentBackEmails: strconv.Itoa(emails),
	}
	if err := e.store.SetCellsLocked(ctx, table, row, cells); err != nil {
		return err
	}
	e.log.Info().
		Str("request", req.RequestNumber).
		Str("actor", actor).
		Str("by", name).
		Str("reason", reason).
		Msg("request sent back")
	return nil
}

// RetrySendBackEmail re-sends the rework notification when a previous
// send-back failed to deliver. The email counter catches up on success.
func (e *Engine) RetrySendBackEmail(ctx context.Context, table string, row int) error {
	return e.locks.WithRowLock(ctx, table, row, "sendback_retry", func(_ *locks.Handle, _ func() bool) error {
		rc, err := e.snapshot(ctx, table, row)
		if err != nil {
			return err
		}
		req := rc.Req
		if req.SentBackCount <= req.SentBackEmails {
			return nil
		}
		delivered := e.send(ctx, notify.Message{
			Kind:          notify.KindResubmit,
			To:            []string{req.Requester},
			Subject:       "Request " + req.RequestNumber + " still awaits rework",
			Body:          fmt.Sprintf("Request %s was sent back and awaits your revision. Please update the attachment and complete the request again.", req.RequestNumber),
			RequestNumber: req.RequestNumber,
			Table:         table,
		})
		if !delivered {
			return nil
		}
		return e.patch(ctx, rc, tabular.Record{mdm.ColSentBackEmails: strconv.Itoa(req.SentBackEmails + 1)})
	})
}

// formatIssues renders validation findings for the rework mail.
func formatIssues(issues []attachment.RowIssues) string {
	parts := make([]string, 0, len(issues))
	for _, issue := range issues {
		var b strings.Builder
		fmt.Fprintf(&b, "row %d:", issue.Row)
		if len(issue.EmptyCols) > 0 {
			fmt.Fprintf(&b, " missing %s", strings.Join(issue.EmptyCols, ", "))
		}
		if len(issue.InvalidCols) > 0 {
			if len(issue.EmptyCols) > 0 {
				b.WriteString(";")
			}
			fmt.Fprintf(&b, " invalid %s", strings.Join(issue.InvalidCols, ", "))
		}
		parts = append(parts, b.String())
	}
	return strings.Join(parts, "; ")
}
