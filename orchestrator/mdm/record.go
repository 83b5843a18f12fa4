package mdm

import "strconv"

// RequestFromRecord builds the typed view of a request row. Unknown or blank
// cells map to zero values; the conversion never fails.
func RequestFromRecord(rec map[string]string) *Request {
	r := &Request{
		RequestNumber:         rec[ColRequestNumber],
		RequestType:           rec[ColRequestType],
		Department:            rec[ColDepartment],
		BusinessUnit:          rec[ColBusinessUnit],
		Requester:             rec[ColRequesterEmail],
		AttachmentURL:         rec[ColAttachment],
		Timestamp:             ParseTime(rec[ColTimestamp]),
		TotalTask:             ParseCellInt(rec[ColTotalTask]),
		BaselineSeconds:       ParseCellInt(rec[ColBaseline]),
		EstimatedTime:         ParseCellInt(rec[ColEstimatedTime]),
		EstimatedTimeFinished: ParseTime(rec[ColEstimatedTimeFinished]),
		ProcessedBy:           rec[ColProcessedBy],
		ProcessStatus:         rec[ColProcessStatus],
		TakenDate:             ParseTime(rec[ColTakenDate]),
		ProcessedDate:         ParseTime(rec[ColProcessedDate]),
		FeedbackStatus:        rec[ColFeedbackStatus],
		SentBackCount:         ParseCellInt(rec[ColSentBackCount]),
		SentBackEmails:        ParseCellInt(rec[ColSentBackEmails]),
	}
	for level := 0; level < MaxLevels; level++ {
		r.Levels[level] = ApprovalLevel{
			Status: rec[StatusColumn(level)],
			Name:   rec[NameColumn(level)],
			At:     ParseTime(rec[TimestampColumn(level)]),
		}
	}
	return r
}

// Record renders the request back into row cells. Zero values render as
// blank cells so a merge upsert leaves existing cells alone.
func (r *Request) Record() map[string]string {
	rec := map[string]string{
		ColRequestNumber:         r.RequestNumber,
		ColTimestamp:             FormatTime(r.Timestamp),
		ColRequestType:           r.RequestType,
		ColDepartment:            r.Department,
		ColBusinessUnit:          r.BusinessUnit,
		ColRequesterEmail:        r.Requester,
		ColAttachment:            r.AttachmentURL,
		ColTotalTask:             formatCellInt(r.TotalTask),
		ColBaseline:              formatCellInt(r.BaselineSeconds),
		ColEstimatedTime:         formatCellInt(r.EstimatedTime),
		ColEstimatedTimeFinished: FormatTime(r.EstimatedTimeFinished),
		ColProcessedBy:           r.ProcessedBy,
		ColProcessStatus:         r.ProcessStatus,
		ColTakenDate:             FormatTime(r.TakenDate),
		ColProcessedDate:         FormatTime(r.ProcessedDate),
		ColFeedbackStatus:        r.FeedbackStatus,
		ColSentBackCount:         formatCellInt(r.SentBackCount),
		ColSentBackEmails:        formatCellInt(r.SentBackEmails),
	}
	for level := 0; level < MaxLevels; level++ {
		rec[StatusColumn(level)] = r.Levels[level].Status
		rec[NameColumn(level)] = r.Levels[level].Name
		rec[TimestampColumn(level)] = FormatTime(r.Levels[level].At)
	}
	return rec
}

// AgentFromRecord builds the typed view of a roster row.
func AgentFromRecord(rec map[string]string) Agent {
	return Agent{
		Name:            rec[AgentColName],
		Email:           rec[AgentColEmail],
		Active:          ParseBool(rec[AgentColActive]),
		Busy:            rec[AgentColStatus] == AgentBusy,
		WorkloadSeconds: ParseCellInt(rec[AgentColWorkload]),
	}
}

// Record renders the agent back into roster cells.
func (a Agent) Record() map[string]string {
	status := AgentFree
	if a.Busy {
		status = AgentBusy
	}
	return map[string]string{
		AgentColName:     a.Name,
		AgentColEmail:    a.Email,
		AgentColActive:   FormatBool(a.Active),
		AgentColStatus:   status,
		AgentColWorkload: strconv.Itoa(a.WorkloadSeconds),
	}
}

func formatCellInt(n int) string {
	if n == 0 {
		return ""
	}
	return strconv.Itoa(n)
}
