package hsm

import "dockyard/internal/model"

var jobTransitions = map[model.JobStatus]map[model.JobStatus]bool{
	model.JobStatusQueued: {
		model.JobStatusRunning: true,
	},
	model.JobStatusRunning: {
		model.JobStatusSucceeded: true,
		model.JobStatusFailed:    true,
		model.JobStatusCanceled:  true,
	},
}

// CanTransitionJob reports whether a job may move from one status to another.
// Unlike run statuses, a job never re-enters its current status.
func CanTransitionJob(from model.JobStatus, to model.JobStatus) bool {
	return jobTransitions[from][to]
}

// TerminalStatus maps process exit and cancel state to a terminal status.
// Cancellation wins over the exit code.
func TerminalStatus(canceled bool, exitCode int) model.JobStatus {
	if canceled {
		return model.JobStatusCanceled
	}
	if exitCode == 0 {
		return model.JobStatusSucceeded
	}
	return model.JobStatusFailed
}
