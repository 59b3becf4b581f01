package serviceapi

import (
	"context"
	"time"

	"dockyard/internal/eventbus"
	"dockyard/internal/model"
	"dockyard/internal/orchestrator"
	"dockyard/internal/policy"
)

type SubmitResult struct {
	JobID string `json:"jobId"`
	RunID string `json:"runId,omitempty"`
}

type ValidateResult struct {
	Argv       []string `json:"argv"`
	Workspace  string   `json:"workspace"`
	ProjectDir string   `json:"projectDir"`
}

type Health struct {
	Status    string                        `json:"status"`
	StartedAt time.Time                     `json:"started_at"`
	Now       time.Time                     `json:"now"`
	Busy      bool                          `json:"busy"`
	Worker    orchestrator.WorkerSnapshot   `json:"worker"`
	Mirror    *eventbus.MirrorStats         `json:"mirror,omitempty"`
	Retention *orchestrator.JanitorSnapshot `json:"retention,omitempty"`
}

// Core is the job API shared by the HTTP server (LocalCore) and the CLI
// client (RemoteCore).
type Core interface {
	Submit(ctx context.Context, command string, runID string) (SubmitResult, error)
	Validate(ctx context.Context, command string) (ValidateResult, error)
	Status(ctx context.Context, jobID string, runID string) (model.JobSnapshot, error)
	List(ctx context.Context) ([]model.JobSnapshot, error)
	Cancel(ctx context.Context, jobID string) (model.JobSnapshot, error)
	// Events streams the job's events, resuming after lastEventID when set.
	// The returned function detaches; the channel closes when the job
	// completes.
	Events(ctx context.Context, jobID string, runID string, lastEventID string) (<-chan model.JobEvent, func(), error)
	Health(ctx context.Context) (Health, error)
}

type LocalCore struct {
	policy    *policy.CommandPolicy
	manager   *orchestrator.JobManager
	mirror    *eventbus.Mirror
	janitor   *orchestrator.Janitor
	startedAt time.Time
}

var _ Core = (*LocalCore)(nil)

// NewLocalCore wires the policy and manager. mirror and janitor are optional
// and only feed the health report.
func NewLocalCore(commandPolicy *policy.CommandPolicy, manager *orchestrator.JobManager, mirror *eventbus.Mirror, janitor *orchestrator.Janitor) *LocalCore {
	return &LocalCore{
		policy:    commandPolicy,
		manager:   manager,
		mirror:    mirror,
		janitor:   janitor,
		startedAt: time.Now().UTC(),
	}
}

func (l *LocalCore) Submit(ctx context.Context, command string, runID string) (SubmitResult, error) {
	validated, err := l.policy.Validate(command)
	if err != nil {
		return SubmitResult{}, err
	}
	jobID, err := l.manager.Submit(ctx, validated, runID)
	if err != nil {
		return SubmitResult{}, err
	}
	return SubmitResult{JobID: jobID, RunID: runID}, nil
}

func (l *LocalCore) Validate(_ context.Context, command string) (ValidateResult, error) {
	validated, err := l.policy.Validate(command)
	if err != nil {
		return ValidateResult{}, err
	}
	return ValidateResult{
		Argv:       validated.Argv(),
		Workspace:  validated.Workspace(),
		ProjectDir: validated.ProjectDir(),
	}, nil
}

func (l *LocalCore) Status(_ context.Context, jobID string, runID string) (model.JobSnapshot, error) {
	if err := l.manager.ValidateRunID(jobID, runID); err != nil {
		return model.JobSnapshot{}, err
	}
	return l.manager.Status(jobID)
}

func (l *LocalCore) List(_ context.Context) ([]model.JobSnapshot, error) {
	return l.manager.List(), nil
}

func (l *LocalCore) Cancel(_ context.Context, jobID string) (model.JobSnapshot, error) {
	return l.manager.Cancel(jobID)
}

func (l *LocalCore) Events(_ context.Context, jobID string, runID string, lastEventID string) (<-chan model.JobEvent, func(), error) {
	if err := l.manager.ValidateRunID(jobID, runID); err != nil {
		return nil, nil, err
	}
	return l.manager.EventsAfter(jobID, lastEventID)
}

func (l *LocalCore) Health(_ context.Context) (Health, error) {
	health := Health{
		Status:    "ok",
		StartedAt: l.startedAt,
		Now:       time.Now().UTC(),
		Busy:      l.manager.Busy(),
		Worker:    l.manager.Snapshot(),
	}
	if !health.Worker.Running {
		health.Status = "degraded"
	}
	if l.mirror != nil {
		stats := l.mirror.Stats()
		health.Mirror = &stats
		if !stats.Healthy {
			health.Status = "degraded"
		}
	}
	if l.janitor != nil {
		retention := l.janitor.Snapshot()
		health.Retention = &retention
	}
	return health, nil
}
