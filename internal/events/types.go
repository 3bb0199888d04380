// Package events provides an in-process event bus for pipeline activity.
package events

import "time"

// EventType represents different event types
type EventType string

const (
	ChangesDetected     EventType = "CHANGES_DETECTED"
	ChangesSuppressed   EventType = "CHANGES_SUPPRESSED"
	TaskEnqueued        EventType = "TASK_ENQUEUED"
	AnalysisCompleted   EventType = "ANALYSIS_COMPLETED"
	AnalysisFailed      EventType = "ANALYSIS_FAILED"
	JobStarted          EventType = "JOB_STARTED"
	JobProgress         EventType = "JOB_PROGRESS"
	JobFinished         EventType = "JOB_FINISHED"
	JobSkipped          EventType = "JOB_SKIPPED"
	RetryAbandoned      EventType = "RETRY_ABANDONED"
	ErrorOccurred       EventType = "ERROR_OCCURRED"
	SystemStatusChanged EventType = "SYSTEM_STATUS_CHANGED"
)

// EventData is the interface that all event data types must implement
type EventData interface {
	// EventType returns the event type this data is associated with
	EventType() EventType
}

// ChangesDetectedData contains data for ChangesDetected and ChangesSuppressed events
type ChangesDetectedData struct {
	FundID       string `json:"fund_id"`
	Date         string `json:"date"`
	PreviousDate string `json:"previous_date"`
	Changes      int    `json:"changes"`
	Candidates   int    `json:"candidates"`
	Suppressed   bool   `json:"suppressed"`
}

// EventType returns ChangesSuppressed for suppressed changesets, ChangesDetected otherwise
func (d *ChangesDetectedData) EventType() EventType {
	if d.Suppressed {
		return ChangesSuppressed
	}
	return ChangesDetected
}

// TaskEnqueuedData contains data for TaskEnqueued events
type TaskEnqueuedData struct {
	AnalysisType string `json:"analysis_type"`
	TargetKey    string `json:"target_key"`
	Priority     int    `json:"priority"`
}

// EventType returns the event type for TaskEnqueuedData
func (d *TaskEnqueuedData) EventType() EventType {
	return TaskEnqueued
}

// AnalysisData contains data for AnalysisCompleted and AnalysisFailed events
type AnalysisData struct {
	AnalysisType string  `json:"analysis_type"`
	TargetKey    string  `json:"target_key"`
	ArtifactID   string  `json:"artifact_id,omitempty"`
	Sentiment    string  `json:"sentiment,omitempty"`
	Error        string  `json:"error,omitempty"`
	Score        float64 `json:"score,omitempty"`
	TaskID       int64   `json:"task_id"`
}

// EventType returns AnalysisFailed when Error is set, AnalysisCompleted otherwise
func (d *AnalysisData) EventType() EventType {
	if d.Error != "" {
		return AnalysisFailed
	}
	return AnalysisCompleted
}

// JobStatusData contains data for job lifecycle events
type JobStatusData struct {
	Timestamp time.Time        `json:"timestamp"`
	Progress  *JobProgressInfo `json:"progress,omitempty"`
	JobName   string           `json:"job_name"`
	RunID     string           `json:"run_id,omitempty"`
	Status    string           `json:"status"`
	Message   string           `json:"message,omitempty"`
	Duration  int64            `json:"duration_ms,omitempty"`
}

// EventType maps the job status to its lifecycle event
func (d *JobStatusData) EventType() EventType {
	switch d.Status {
	case "running":
		return JobStarted
	case "progress":
		return JobProgress
	case "skipped":
		return JobSkipped
	default:
		return JobFinished
	}
}

// JobProgressInfo contains progress information for a running job
type JobProgressInfo struct {
	Message string `json:"message,omitempty"`
	Current int    `json:"current"`
	Total   int    `json:"total"`
}

// RetryAbandonedData contains data for RetryAbandoned events
type RetryAbandonedData struct {
	JobName    string `json:"job_name"`
	TargetDate string `json:"target_date"`
	EntityID   string `json:"entity_id"`
	EntityType string `json:"entity_type"`
	Reason     string `json:"reason"`
	RetryCount int    `json:"retry_count"`
}

// EventType returns the event type for RetryAbandonedData
func (d *RetryAbandonedData) EventType() EventType {
	return RetryAbandoned
}

// ErrorEventData contains data for ErrorOccurred events
type ErrorEventData struct {
	Context map[string]interface{} `json:"context,omitempty"`
	Error   string                 `json:"error"`
}

// EventType returns the event type for ErrorEventData
func (d *ErrorEventData) EventType() EventType {
	return ErrorOccurred
}
