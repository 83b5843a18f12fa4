package fsm

import (
	"context"
	"fmt"

	"github.com/GaneshArwan/enterprise-process-automation/orchestrator/attachment"
	"github.com/GaneshArwan/enterprise-process-automation/orchestrator/locks"
	"github.com/GaneshArwan/enterprise-process-automation/orchestrator/mdm"
	"github.com/GaneshArwan/enterprise-process-automation/orchestrator/notify"
	"github.com/GaneshArwan/enterprise-process-automation/orchestrator/reqnum"
	"github.com/GaneshArwan/enterprise-process-automation/orchestrator/tabular"
	"github.com/GaneshArwan/enterprise-process-automation/orchestrator/timeline"
)

// HandleOnSubmit completes a freshly appended submission row: defaults,
// request number, attachment, new-request notification. Each step is guarded
// by the cell it fills, so re-running on a finished row is a no-op and
// re-running after a partial failure resumes where the failure struck.
func (e *Engine) HandleOnSubmit(ctx context.Context, table string, row int) error {
	return e.locks.WithRowLock(ctx, table, row, "submit", func(_ *locks.Handle, _ func() bool) error {
		return e.submitLocked(ctx, table, row)
	})
}

func (e *Engine) submitLocked(ctx context.Context, table string, row int) error {
	rc, err := e.snapshot(ctx, table, row)
	if err != nil {
		return err
	}
	req := rc.Req

	defaults := tabular.Record{}
	if req.RequestType == "" {
		defaults[mdm.ColRequestType] = mdm.DefaultTypeForTable(table)
	}
	if req.Department == "" {
		defaults[mdm.ColDepartment] = e.defaultDepartment
	}
	if req.Timestamp.IsZero() {
		defaults[mdm.ColTimestamp] = mdm.FormatTime(e.now())
	}
	if err := e.patch(ctx, rc, defaults); err != nil {
		return err
	}
	req = rc.Req
	profile := mdm.ProfileFor(e.profiles, req.RequestType, table)

	if req.RequestNumber == "" {
		n := e.numbers.Next(ctx, reqnum.Prefix(profile.Abbr, req.BusinessUnit))
		number := reqnum.Format(profile.Abbr, req.BusinessUnit, n)
		if err := e.patch(ctx, rc, tabular.Record{mdm.ColRequestNumber: number}); err != nil {
			return err
		}
		req = rc.Req
		e.events.Record(timeline.RequestEvent{
			RequestNumber: number,
			Table:         table,
			Stage:         "NUMBER_ASSIGNED",
			Actor:         timeline.ActorSystem,
		})
		e.log.Info().Str("request", number).Str("table", table).Msg("request number assigned")
	}

	if req.AttachmentURL == "" {
		handle, err := e.provisionAttachment(ctx, rc, profile)
		if err != nil {
			return err
		}
		if err := e.patch(ctx, rc, tabular.Record{mdm.ColAttachment: handle}); err != nil {
			return err
		}
		req = rc.Req
		e.events.Record(timeline.RequestEvent{
			RequestNumber: req.RequestNumber,
			Table:         table,
			Stage:         "ATTACHMENT_LINKED",
			Actor:         timeline.ActorSystem,
			Metadata:      map[string]string{"handle": handle},
		})
	}

	if rc.Rec[mdm.ColNewSubmission] == "" {
		delivered := e.send(ctx, notify.Message{
			Kind:          notify.KindNewRequest,
			To:            []string{req.Requester},
			Subject:       "New request " + req.RequestNumber,
			Body:          fmt.Sprintf("Your %s request %s was received.", req.RequestType, req.RequestNumber),
			RequestNumber: req.RequestNumber,
			Table:         table,
		})
		// The flag is stamped even when delivery ultimately failed; a stuck
		// relay must not make every sweep re-send the same mail.
		if err := e.patch(ctx, rc, tabular.Record{mdm.ColNewSubmission: mdm.FormatTime(e.now())}); err != nil {
			return err
		}
		if delivered {
			e.events.Record(timeline.RequestEvent{
				RequestNumber: req.RequestNumber,
				Table:         table,
				Stage:         "NOTIFIED",
				Actor:         timeline.ActorSystem,
				Metadata:      map[string]string{"kind": notify.KindNewRequest},
			})
		}
	}
	return nil
}

// provisionAttachment clones the request type's template, fills the default
// form cells, and opens per-level write scopes: the requester on the level-0
// triple, each configured roster on its own column.
func (e *Engine) provisionAttachment(ctx context.Context, rc *RequestContext, profile mdm.TypeProfile) (string, error) {
	req := rc.Req
	handle, err := e.docs.Clone(ctx, profile.Template, req.RequestNumber)
	if err != nil {
		return "", fmt.Errorf("clone template %q for %s: %w", profile.Template, req.RequestNumber, err)
	}

	if err := e.docs.WriteCell(ctx, handle, attachment.CellCompanyName, req.BusinessUnit); err != nil {
		return "", fmt.Errorf("write company cell for %s: %w", req.RequestNumber, err)
	}
	if req.Requester != "" {
		if err := e.docs.WriteCell(ctx, handle, attachment.NameCell(0), req.Requester); err != nil {
			return "", fmt.Errorf("write requester cell for %s: %w", req.RequestNumber, err)
		}
		if err := e.docs.GrantEditor(ctx, handle, req.Requester, attachment.ScopeForLevel(0)); err != nil {
			return "", fmt.Errorf("grant requester scope for %s: %w", req.RequestNumber, err)
		}
	}

	for level := 1; level <= profile.Levels && level < mdm.MaxLevels; level++ {
		roster, err := e.cfg.Approvers(ctx, req.BusinessUnit, req.Department, req.RequestType, level, true)
		if err != nil {
			return "", fmt.Errorf("roster for %s level %d: %w", req.RequestNumber, level, err)
		}
		for _, email := range roster {
			if err := e.docs.GrantEditor(ctx, handle, email, attachment.ScopeForLevel(level)); err != nil {
				return "", fmt.Errorf("grant level %d scope for %s: %w", level, req.RequestNumber, err)
			}
		}
	}
	return handle, nil
}
