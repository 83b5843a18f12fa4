// Package mdm holds the domain vocabulary of the orchestration engine:
// request and agent types, status enums with their exact wire spellings,
// the table column contract, and the request-type dispatch profiles.
package mdm

import (
	"strings"
	"time"
)

// Status values are wire-level and case-sensitive. They appear verbatim in
// table cells and attachment cells.
const (
	// Requester statuses (approval level 0).
	RequesterCompleted  = "Completed"
	RequesterExpired    = "Expired"
	RequesterInvalid    = "Invalid"
	RequesterNeedReview = "Need Review"

	// Approver statuses (approval levels 1..3).
	ApproverApproved          = "Approved"
	ApproverRejected          = "Rejected"
	ApproverPartiallyRejected = "Partially Rejected"
	ApproverSendBack          = "Send Back"

	// Process statuses on the execution phase.
	StatusOnGoing           = "On Going"
	StatusCompleted         = "Completed"
	StatusPartiallyRejected = "Partially Rejected"
	StatusRejected          = "Rejected"
	StatusSendBack          = "Send Back"
)

// NoApprover is the sentinel roster entry meaning a level has no configured
// approver and auto-approves.
const NoApprover = "NO_APPROVER"

// FeedbackWaiting marks a processed request whose requester has not yet
// acknowledged the outcome.
const FeedbackWaiting = "Waiting Feedback"

// Wildcard matches any value in a configuration rule key field.
const Wildcard = "ALL"

// SpecialProjectDept routes straight to the default agent, bypassing the
// distribution matrix.
const SpecialProjectDept = "SPECIAL PROJECT"

// MaxLevels is the fixed depth of the approval hierarchy: the requester at
// level 0 plus up to three approver tiers.
const MaxLevels = 4

// Agent states in the roster table.
const (
	AgentFree = "Free"
	AgentBusy = "Busy"
)

// Request is the canonical typed view of one master-table row.
type Request struct {
	RequestNumber string `json:"request_number"`
	RequestType   string `json:"request_type"`
	Department    string `json:"department"`
	BusinessUnit  string `json:"business_unit"`
	Requester     string `json:"requester_email"`
	AttachmentURL string `json:"attachment_url"`

	Timestamp time.Time `json:"timestamp"`

	TotalTask             int       `json:"total_task"`
	BaselineSeconds       int       `json:"baseline_seconds"`
	EstimatedTime         int       `json:"estimated_time"`
	EstimatedTimeFinished time.Time `json:"estimated_time_finished"`

	ProcessedBy    string    `json:"processed_by"`
	ProcessStatus  string    `json:"process_status"`
	TakenDate      time.Time `json:"taken_date"`
	ProcessedDate  time.Time `json:"processed_date"`
	FeedbackStatus string    `json:"feedback_status"`

	Levels [MaxLevels]ApprovalLevel `json:"levels"`

	SentBackCount  int `json:"sent_back_count"`
	SentBackEmails int `json:"sent_back_emails"`
}

// ApprovalLevel is one ordinal position of the approval chain as recorded on
// the row. Level 0 carries requester statuses, levels 1..3 approver statuses.
type ApprovalLevel struct {
	Status string    `json:"status"`
	Name   string    `json:"name"`
	At     time.Time `json:"at"`
}

// Agent is one row of the roster table.
type Agent struct {
	Name            string `json:"name"`
	Email           string `json:"email"`
	Active          bool   `json:"active"`
	Busy            bool   `json:"busy"`
	WorkloadSeconds int    `json:"workload_seconds"`
}

// IsTerminalProcessStatus reports whether a process status ends the
// execution phase. Send Back is not terminal: the request rewinds instead.
func IsTerminalProcessStatus(s string) bool {
	switch s {
	case StatusCompleted, StatusRejected, StatusPartiallyRejected:
		return true
	}
	return false
}

// ValidRequesterStatus reports whether s is an allowed level-0 status.
func ValidRequesterStatus(s string) bool {
	switch s {
	case RequesterCompleted, RequesterExpired, RequesterInvalid, RequesterNeedReview:
		return true
	}
	return false
}

// ValidApproverStatus reports whether s is an allowed level-1..3 status.
func ValidApproverStatus(s string) bool {
	switch s {
	case ApproverApproved, ApproverRejected, ApproverPartiallyRejected, ApproverSendBack:
		return true
	}
	return false
}

// TimeFormat is the cell representation of timestamps.
const TimeFormat = "2006-01-02 15:04:05"

// FormatTime renders t for a cell; zero time renders empty.
func FormatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(TimeFormat)
}

// ParseTime reads a cell timestamp. Empty or unparseable cells yield the
// zero time.
func ParseTime(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{TimeFormat, time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

// FormatBool renders a roster boolean cell.
func FormatBool(b bool) string {
	if b {
		return "TRUE"
	}
	return "FALSE"
}

// ParseBool reads a roster boolean cell. Only TRUE (any case) is true.
func ParseBool(s string) bool {
	return strings.EqualFold(strings.TrimSpace(s), "TRUE")
}
