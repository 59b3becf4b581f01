package model

import (
	"errors"
	"fmt"
	"testing"
)

func TestPathEscapeMatchesInvalidCommand(t *testing.T) {
	err := NewError(KindPathEscapesWorkspace, "path must be under workspace: %s", "/etc")
	if !errors.Is(err, ErrPathEscapesWorkspace) {
		t.Fatalf("expected path escape to match its own sentinel")
	}
	if !errors.Is(err, ErrInvalidCommand) {
		t.Fatalf("expected path escape to match invalid command")
	}
	if errors.Is(ErrInvalidCommand, ErrPathEscapesWorkspace) {
		t.Fatalf("expected invalid command not to match path escape")
	}
}

func TestErrorMatchesThroughWrapping(t *testing.T) {
	wrapped := fmt.Errorf("submit: %w", NewError(KindServiceUnavailable, "orchestrator is busy running another job"))
	if !errors.Is(wrapped, ErrServiceUnavailable) {
		t.Fatalf("expected wrapped error to match service unavailable")
	}
	var typed *Error
	if !errors.As(wrapped, &typed) {
		t.Fatalf("expected wrapped error to unwrap to *Error")
	}
	if !typed.Retryable() {
		t.Fatalf("expected service unavailable to be retryable")
	}
	if NewError(KindStaleRun, "runId does not match job").Retryable() {
		t.Fatalf("expected stale run to be non-retryable")
	}
}

func TestErrorMessageIncludesCause(t *testing.T) {
	err := WrapError(KindRunnerFailure, errors.New("exec: \"docker\": not found"), "start process")
	if err.Error() != "start process: exec: \"docker\": not found" {
		t.Fatalf("unexpected message %q", err.Error())
	}
}

func TestTerminalStatuses(t *testing.T) {
	for _, status := range []JobStatus{JobStatusSucceeded, JobStatusFailed, JobStatusCanceled} {
		if !status.Terminal() {
			t.Fatalf("expected %s to be terminal", status)
		}
	}
	for _, status := range []JobStatus{JobStatusQueued, JobStatusRunning} {
		if status.Terminal() {
			t.Fatalf("expected %s to be non-terminal", status)
		}
	}
}

func TestSummaryEventClonesSnapshot(t *testing.T) {
	code := 3
	snapshot := JobSnapshot{JobID: "job-1", Status: JobStatusFailed, ExitCode: &code}
	event := TerminalSummaryEvent(snapshot)
	code = 9
	if event.Summary == nil || *event.Summary.ExitCode != 3 {
		t.Fatalf("expected summary to keep exit code 3")
	}
	if event.JobID != "job-1" || event.Type != EventTypeTerminalSummary {
		t.Fatalf("unexpected event %+v", event)
	}
}
