package model

import "time"

type JobStatus string

const (
	JobStatusQueued    JobStatus = "QUEUED"
	JobStatusRunning   JobStatus = "RUNNING"
	JobStatusSucceeded JobStatus = "SUCCEEDED"
	JobStatusFailed    JobStatus = "FAILED"
	JobStatusCanceled  JobStatus = "CANCELED"
)

// Terminal reports whether no further transitions are possible from s.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusSucceeded, JobStatusFailed, JobStatusCanceled:
		return true
	default:
		return false
	}
}

type EventType string

const (
	EventTypeLog             EventType = "log"
	EventTypeStatus          EventType = "status"
	EventTypeSummary         EventType = "summary"
	EventTypeTerminalSummary EventType = "terminalSummary"
)

const (
	StreamStdout = "stdout"
	StreamStderr = "stderr"
	StreamSystem = "system"
)

// JobSnapshot is the point-in-time view of a job returned by status queries
// and carried by summary events.
type JobSnapshot struct {
	JobID      string     `json:"jobId"`
	Status     JobStatus  `json:"status"`
	RunID      string     `json:"runId,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	StartedAt  *time.Time `json:"startedAt,omitempty"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
	ExitCode   *int       `json:"exitCode,omitempty"`
	LastLine   string     `json:"lastLine,omitempty"`
}

// JobEvent is one entry of a job's event stream. Summary is set only for
// summary and terminalSummary events.
type JobEvent struct {
	ID        string       `json:"id,omitempty"`
	JobID     string       `json:"jobId,omitempty"`
	Type      EventType    `json:"type"`
	Stream    string       `json:"stream,omitempty"`
	Timestamp time.Time    `json:"ts"`
	Message   string       `json:"message,omitempty"`
	RequestID string       `json:"requestId,omitempty"`
	Summary   *JobSnapshot `json:"summary,omitempty"`
}

func LogEvent(stream string, message string) JobEvent {
	return JobEvent{
		Type:      EventTypeLog,
		Stream:    stream,
		Timestamp: time.Now().UTC(),
		Message:   message,
	}
}

func StatusEvent(message string) JobEvent {
	return JobEvent{
		Type:      EventTypeStatus,
		Stream:    StreamSystem,
		Timestamp: time.Now().UTC(),
		Message:   message,
	}
}

func SummaryEvent(snapshot JobSnapshot) JobEvent {
	return summaryEvent(EventTypeSummary, snapshot)
}

func TerminalSummaryEvent(snapshot JobSnapshot) JobEvent {
	return summaryEvent(EventTypeTerminalSummary, snapshot)
}

func summaryEvent(eventType EventType, snapshot JobSnapshot) JobEvent {
	clone := snapshot.Clone()
	return JobEvent{
		Type:      eventType,
		JobID:     snapshot.JobID,
		Stream:    StreamSystem,
		Timestamp: time.Now().UTC(),
		Summary:   &clone,
	}
}

// Clone returns a deep copy so callers can hand snapshots across goroutines.
func (s JobSnapshot) Clone() JobSnapshot {
	out := s
	out.StartedAt = cloneTimePtr(s.StartedAt)
	out.FinishedAt = cloneTimePtr(s.FinishedAt)
	if s.ExitCode != nil {
		code := *s.ExitCode
		out.ExitCode = &code
	}
	return out
}

func cloneTimePtr(value *time.Time) *time.Time {
	if value == nil {
		return nil
	}
	clone := *value
	return &clone
}
