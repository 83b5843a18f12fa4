package mdm

import (
	"strconv"
	"strings"
)

// Column names are the wire contract with the tabular store. Master tables
// and worklist tables share this vocabulary.
const (
	ColRequestNumber         = "Request Number"
	ColTimestamp             = "Timestamp"
	ColRequestType           = "Request Type"
	ColDepartment            = "Department"
	ColBusinessUnit          = "Business Unit"
	ColRequesterEmail        = "Requester Email"
	ColAttachment            = "Attachment"
	ColNewSubmission         = "New Submission Status"
	ColTotalTask             = "Total Task"
	ColBaseline              = "Baseline"
	ColEstimatedTime         = "Estimated Time"
	ColEstimatedTimeFinished = "Estimated Time Finished"
	ColProcessedBy           = "Processed By"
	ColProcessStatus         = "Process Status"
	ColTakenDate             = "Taken Date"
	ColProcessedDate         = "Processed Date"
	ColFeedbackStatus        = "Feedback Status"
	ColSentBackCount         = "System Sent Back Count"
	ColSentBackEmails        = "System Sent Back Email Status"
)

// Built-in table names.
const (
	TableAgents       = "Agents"
	TableTracker      = "Request Tracker"
	TableApprovers    = "Approvers"
	TableBaseline     = "Baseline"
	TableAllocation   = "Work Allocation"
	TableDistribution = "Distribution"
	TablePriority     = "Priority Weight"
)

// Roster table columns.
const (
	AgentColName     = "Name"
	AgentColEmail    = "Email"
	AgentColActive   = "Active"
	AgentColStatus   = "Status"
	AgentColWorkload = "Workload"
)

// Tracker table columns.
const (
	TrackerColPrefix  = "Prefix"
	TrackerColCounter = "Counter"
)

const worklistPrefix = "Worklist "

// WorklistTable names the per-agent table holding that agent's assigned
// requests.
func WorklistTable(agent string) string {
	return worklistPrefix + agent
}

// IsWorklistTable reports whether a table is a per-agent worklist.
func IsWorklistTable(table string) bool {
	return strings.HasPrefix(table, worklistPrefix)
}

func levelName(level int) string {
	switch level {
	case 1:
		return "Approver"
	case 2:
		return "Approver II"
	case 3:
		return "Approver III"
	}
	return "Requester"
}

// StatusColumn returns the row column holding the status of one approval
// level: "Respon Requester" for level 0, "Respon Approver[ II | III ]" above.
func StatusColumn(level int) string {
	return "Respon " + levelName(level)
}

// NameColumn returns the column holding the acting user of one level.
func NameColumn(level int) string {
	return "Name " + levelName(level)
}

// TimestampColumn returns the column holding the action time of one level.
func TimestampColumn(level int) string {
	return "Timestamp " + levelName(level)
}

// AskStatusColumn returns the guard column for the ask-approval email of an
// approver level. Level 0 has no ask column: the requester is not asked.
func AskStatusColumn(level int) string {
	return "Ask " + levelName(level) + " Status"
}

// Columns is the canonical column order for a request table. The
// New Submission Status column is the send-back anchor: a system send-back
// clears every cell after it, then rewrites the bookkeeping columns.
func Columns() []string {
	cols := []string{
		ColRequestNumber,
		ColTimestamp,
		ColRequestType,
		ColDepartment,
		ColBusinessUnit,
		ColRequesterEmail,
		ColAttachment,
		ColNewSubmission,
	}
	for level := 0; level < MaxLevels; level++ {
		cols = append(cols, StatusColumn(level), NameColumn(level), TimestampColumn(level))
		if level > 0 {
			cols = append(cols, AskStatusColumn(level))
		}
	}
	return append(cols,
		ColTotalTask,
		ColBaseline,
		ColEstimatedTime,
		ColEstimatedTimeFinished,
		ColProcessedBy,
		ColProcessStatus,
		ColTakenDate,
		ColProcessedDate,
		ColFeedbackStatus,
		ColSentBackCount,
		ColSentBackEmails,
	)
}

// AgentColumns is the canonical roster header.
func AgentColumns() []string {
	return []string{AgentColName, AgentColEmail, AgentColActive, AgentColStatus, AgentColWorkload}
}

// TrackerColumns is the canonical request tracker header.
func TrackerColumns() []string {
	return []string{TrackerColPrefix, TrackerColCounter}
}

// NeedsAdvancement is the sweep predicate: the row has an identity and an
// attachment, and either the requester has not finished (empty or
// Need Review), or some approval level present in the header is still
// undecided with no earlier rejection, or every level is decided but the
// row has not been handed to an agent yet.
func NeedsAdvancement(rec map[string]string, headers []string) bool {
	if rec[ColRequestNumber] == "" || rec[ColAttachment] == "" {
		return false
	}
	switch rec[StatusColumn(0)] {
	case "", RequesterNeedReview:
		return true
	case RequesterExpired, RequesterInvalid:
		return false
	}
	has := make(map[string]bool, len(headers))
	for _, h := range headers {
		has[h] = true
	}
	for level := 1; level < MaxLevels; level++ {
		col := StatusColumn(level)
		if !has[col] {
			break
		}
		switch rec[col] {
		case "":
			return true
		case ApproverRejected:
			return false
		}
	}
	return rec[ColProcessedBy] == ""
}

// ParseCellInt reads a numeric cell; blank or malformed cells read as 0.
func ParseCellInt(s string) int {
	if s == "" {
		return 0
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}
