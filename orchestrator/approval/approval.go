// Package approval reconciles one approval level of a request against the
// external attachment form. It never mutates the request row; the engine
// ingests its results.
package approval

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/GaneshArwan/enterprise-process-automation/orchestrator/attachment"
	"github.com/GaneshArwan/enterprise-process-automation/orchestrator/configcache"
	"github.com/GaneshArwan/enterprise-process-automation/orchestrator/mdm"
	"github.com/GaneshArwan/enterprise-process-automation/orchestrator/observability"
	"github.com/GaneshArwan/enterprise-process-automation/orchestrator/tabular"
)

// Kind classifies a level sync outcome.
type Kind int

const (
	// NoLevel means the table carries no column for this level; the request
	// type has fewer approval levels and the chain ends here.
	NoLevel Kind = iota
	// Exists means the internal row already holds the level's decision.
	Exists
	// Invalid means the external cells were inconsistent and were cleared.
	Invalid
	// Pending means nobody has decided the level yet.
	Pending
	// Decided carries a fresh external decision for ingestion.
	Decided
)

func (k Kind) String() string {
	switch k {
	case NoLevel:
		return "no_level"
	case Exists:
		return "exists"
	case Invalid:
		return "invalid"
	case Pending:
		return "pending"
	default:
		return "decided"
	}
}

// Result is the outcome of syncing one level.
type Result struct {
	Kind  Kind
	Level int

	// Status and Name are set for Decided results.
	Status string
	Name   string

	// Roster holds the configured approver emails; empty at level 0 and for
	// auto-approved levels.
	Roster []string

	// IsApprover reports whether the level has configured approvers.
	IsApprover bool

	// AutoApproved marks a decision synthesized for a level with no roster.
	AutoApproved bool
}

// Syncer reads approval state from attachments and rosters from config.
type Syncer struct {
	docs attachment.Client
	cfg  *configcache.Cache
	log  zerolog.Logger
}

func NewSyncer(docs attachment.Client, cfg *configcache.Cache, log zerolog.Logger) *Syncer {
	return &Syncer{
		docs: docs,
		cfg:  cfg,
		log:  log.With().Str("component", "approval").Logger(),
	}
}

// SyncLevel reconciles one level of the request row. rec is the row as read
// inside the caller's locked section.
func (s *Syncer) SyncLevel(ctx context.Context, rec tabular.Record, req *mdm.Request, level int) (Result, error) {
	statusCol := mdm.StatusColumn(level)
	internalStatus, hasLevel := rec[statusCol]
	if !hasLevel {
		return Result{Kind: NoLevel, Level: level}, nil
	}
	internalName := rec[mdm.NameColumn(level)]

	// The internal row is authoritative once a level is decided. A requester
	// reset to Need Review is a redo request, not a decision, and must keep
	// flowing through the external cells.
	authoritative := internalStatus != "" && internalName != ""
	if level == 0 && internalStatus == mdm.RequesterNeedReview {
		authoritative = false
	}
	if authoritative {
		observability.Approvals.WithLabelValues("exists").Inc()
		return Result{Kind: Exists, Level: level, Status: internalStatus, Name: internalName}, nil
	}

	var roster []string
	if level > 0 {
		var err error
		roster, err = s.cfg.Approvers(ctx, req.BusinessUnit, req.Department, req.RequestType, level, true)
		if err != nil {
			return Result{}, fmt.Errorf("roster for %s level %d: %w", req.RequestNumber, level, err)
		}
		if len(roster) == 0 {
			observability.Approvals.WithLabelValues("auto").Inc()
			return Result{
				Kind:         Decided,
				Level:        level,
				Status:       mdm.ApproverApproved,
				Name:         mdm.NoApprover,
				AutoApproved: true,
			}, nil
		}
	}
	isApprover := len(roster) > 0

	handle := rec[mdm.ColAttachment]
	extStatus, err := s.docs.ReadCell(ctx, handle, attachment.StatusCell(level))
	if err != nil {
		return Result{}, fmt.Errorf("read status cell for %s level %d: %w", req.RequestNumber, level, err)
	}
	extName, err := s.docs.ReadCell(ctx, handle, attachment.NameCell(level))
	if err != nil {
		return Result{}, fmt.Errorf("read name cell for %s level %d: %w", req.RequestNumber, level, err)
	}
	extStatus = strings.TrimSpace(extStatus)
	extName = strings.TrimSpace(extName)

	if extStatus != "" && (extName == "" || !statusAllowed(level, extStatus)) {
		if werr := s.docs.WriteCell(ctx, handle, attachment.StatusCell(level), ""); werr != nil {
			return Result{}, fmt.Errorf("clear invalid status cell for %s level %d: %w", req.RequestNumber, level, werr)
		}
		s.log.Warn().
			Str("request", req.RequestNumber).
			Int("level", level).
			Str("status", extStatus).
			Str("name", extName).
			Msg("cleared inconsistent approval cells")
		observability.Approvals.WithLabelValues("invalid").Inc()
		return Result{Kind: Invalid, Level: level, IsApprover: isApprover, Roster: roster}, nil
	}

	if extStatus == "" {
		observability.Approvals.WithLabelValues("pending").Inc()
		return Result{Kind: Pending, Level: level, IsApprover: isApprover, Roster: roster}, nil
	}

	observability.Approvals.WithLabelValues("decided").Inc()
	return Result{
		Kind:       Decided,
		Level:      level,
		Status:     extStatus,
		Name:       extName,
		IsApprover: isApprover,
		Roster:     roster,
	}, nil
}

// ShortCircuits reports whether a decided status ends the chain for the
// remaining levels.
func ShortCircuits(status string) bool {
	return status == mdm.ApproverRejected || status == mdm.ApproverSendBack
}

func statusAllowed(level int, status string) bool {
	if level == 0 {
		return mdm.ValidRequesterStatus(status)
	}
	return mdm.ValidApproverStatus(status)
}
