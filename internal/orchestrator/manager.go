package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"dockyard/internal/hsm"
	"dockyard/internal/logging"
	"dockyard/internal/model"
	"dockyard/internal/policy"
	"dockyard/internal/reqid"
	"dockyard/internal/runner"
	"dockyard/internal/store"
)

const (
	DefaultBufferCapacity    = 2000
	DefaultHeartbeatInterval = 15 * time.Second

	runnerFailureExitCode = -1
)

type Options struct {
	BufferCapacity    int
	HeartbeatInterval time.Duration
	// Env is added to the child environment without overriding variables the
	// server process already has.
	Env       map[string]string
	QueueSize int
	Logger    *slog.Logger
}

type WorkerSnapshot struct {
	Running        bool       `json:"running"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	ActiveJobID    string     `json:"active_job_id,omitempty"`
	LastJobID      string     `json:"last_job_id,omitempty"`
	LastStatus     string     `json:"last_status,omitempty"`
	LastFinishedAt *time.Time `json:"last_finished_at,omitempty"`
	LastError      string     `json:"last_error,omitempty"`
	TotalJobs      int64      `json:"total_jobs"`
	Succeeded      int64      `json:"succeeded"`
	Failed         int64      `json:"failed"`
	Canceled       int64      `json:"canceled"`
}

// JobManager is the single entry point for submitting, observing and
// canceling jobs. A dedicated worker goroutine executes jobs one at a time.
type JobManager struct {
	store     *store.MemoryStore
	runner    runner.CommandRunner
	admission AdmissionPolicy
	heartbeat HeartbeatScheduler
	options   Options
	logger    *slog.Logger

	queue chan *execution

	mu       sync.RWMutex
	running  bool
	baseCtx  context.Context
	doneChan chan struct{}
	snapshot WorkerSnapshot

	activeMu sync.Mutex
	active   map[string]*execution
}

type execution struct {
	jobID     string
	requestID string
	command   policy.ValidatedCommand
	admission Admission
	logger    *slog.Logger

	ctx           context.Context
	cancel        context.CancelFunc
	canceled      atomic.Bool
	stopHeartbeat func()
}

func NewJobManager(jobStore *store.MemoryStore, commandRunner runner.CommandRunner, admission AdmissionPolicy, heartbeat HeartbeatScheduler, options Options) *JobManager {
	if admission == nil {
		admission = NewSingleFlight()
	}
	if heartbeat == nil {
		heartbeat = TickerScheduler{}
	}
	if options.BufferCapacity <= 0 {
		options.BufferCapacity = DefaultBufferCapacity
	}
	if options.HeartbeatInterval <= 0 {
		options.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if options.QueueSize <= 0 {
		options.QueueSize = 1
	}
	env := make(map[string]string, len(options.Env))
	for key, value := range options.Env {
		env[key] = value
	}
	options.Env = env
	return &JobManager{
		store:     jobStore,
		runner:    commandRunner,
		admission: admission,
		heartbeat: heartbeat,
		options:   options,
		logger:    logging.OrDiscard(options.Logger).With("component", "orchestrator"),
		queue:     make(chan *execution, options.QueueSize),
		active:    make(map[string]*execution),
	}
}

// Start launches the job worker. Canceling ctx stops it and cancels any job
// still queued or running.
func (m *JobManager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.baseCtx = ctx
	now := time.Now().UTC()
	m.snapshot.Running = true
	m.snapshot.StartedAt = &now
	m.doneChan = make(chan struct{})
	done := m.doneChan
	m.mu.Unlock()

	go func() {
		defer close(done)
		m.loop(ctx)
	}()
}

// Wait blocks until the worker exits or timeout elapses. It reports whether
// the worker exited.
func (m *JobManager) Wait(timeout time.Duration) bool {
	m.mu.RLock()
	done := m.doneChan
	m.mu.RUnlock()
	return waitDone(done, timeout)
}

func (m *JobManager) Snapshot() WorkerSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := m.snapshot
	out.StartedAt = cloneTimePtr(m.snapshot.StartedAt)
	out.LastFinishedAt = cloneTimePtr(m.snapshot.LastFinishedAt)
	return out
}

// Busy reports whether a job currently holds the admission slot.
func (m *JobManager) Busy() bool {
	return m.admission.Busy()
}

// Submit admits cmd, creates a QUEUED job and hands it to the worker. It
// returns model.ErrServiceUnavailable when another job holds the slot.
func (m *JobManager) Submit(ctx context.Context, cmd policy.ValidatedCommand, runID string) (string, error) {
	admission, err := m.admission.Acquire()
	if err != nil {
		return "", err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.running {
		admission.Release()
		return "", model.NewError(model.KindServiceUnavailable, "job worker is not running")
	}

	requestID := reqid.FromContext(ctx)
	jobID := m.store.Create(m.options.BufferCapacity, runID, requestID)
	execCtx, cancel := context.WithCancel(m.baseCtx)
	exec := &execution{
		jobID:     jobID,
		requestID: requestID,
		command:   cmd,
		admission: admission,
		logger:    m.logger.With("job_id", jobID, "request_id", requestID),
		ctx:       execCtx,
		cancel:    cancel,
	}
	exec.stopHeartbeat = m.scheduleHeartbeat(jobID)
	m.track(exec)

	select {
	case m.queue <- exec:
		exec.logger.Info("job queued", "argv", cmd.Argv(), "run_id", strings.TrimSpace(runID))
	default:
		go m.fail(exec, errors.New("job queue is full"))
	}
	return jobID, nil
}

func (m *JobManager) Status(jobID string) (model.JobSnapshot, error) {
	return m.store.Status(jobID)
}

// Events returns the job's replayed and live event stream plus a function
// that detaches from it.
func (m *JobManager) Events(jobID string) (<-chan model.JobEvent, func(), error) {
	return m.store.Subscribe(jobID)
}

// EventsAfter is Events resuming after the event with id lastEventID.
func (m *JobManager) EventsAfter(jobID string, lastEventID string) (<-chan model.JobEvent, func(), error) {
	return m.store.SubscribeAfter(jobID, lastEventID)
}

func (m *JobManager) ValidateRunID(jobID string, runID string) error {
	return m.store.ValidateRunID(jobID, runID)
}

func (m *JobManager) List() []model.JobSnapshot {
	return m.store.List()
}

// Cancel requests cancellation of a queued or running job and kills its
// process. Canceling a finished job returns its snapshot unchanged.
func (m *JobManager) Cancel(jobID string) (model.JobSnapshot, error) {
	snapshot, err := m.store.Status(jobID)
	if err != nil {
		return model.JobSnapshot{}, err
	}
	if snapshot.Status.Terminal() {
		return snapshot, nil
	}

	m.activeMu.Lock()
	exec := m.active[snapshot.JobID]
	m.activeMu.Unlock()
	if exec != nil && exec.canceled.CompareAndSwap(false, true) {
		exec.logger.Info("job cancel requested", "status", snapshot.Status)
		_ = m.store.Emit(exec.jobID, model.StatusEvent("CANCEL requested"))
		exec.cancel()
	}
	return m.store.Status(jobID)
}

func (m *JobManager) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			m.mu.Lock()
			m.running = false
			m.snapshot.Running = false
			m.mu.Unlock()
			m.drainQueue()
			return
		case exec := <-m.queue:
			m.execute(exec)
		}
	}
}

func (m *JobManager) drainQueue() {
	for {
		select {
		case exec := <-m.queue:
			exec.canceled.Store(true)
			m.execute(exec)
		default:
			return
		}
	}
}

func (m *JobManager) execute(exec *execution) {
	m.mu.Lock()
	m.snapshot.ActiveJobID = exec.jobID
	m.mu.Unlock()

	defer func() {
		if recovered := recover(); recovered != nil {
			m.fail(exec, errors.Errorf("panic: %v", recovered))
		}
	}()

	if exec.canceled.Load() || exec.ctx.Err() != nil {
		m.finish(exec, model.JobStatusCanceled, time.Now().UTC(), nil)
		return
	}
	if err := m.store.MarkStarted(exec.jobID, time.Now().UTC()); err != nil {
		m.fail(exec, errors.Wrap(err, "mark started"))
		return
	}
	exec.logger.Info("job started")

	sink := func(event model.JobEvent) {
		if err := m.store.Emit(exec.jobID, event); err != nil && !errors.Is(err, store.ErrJobCompleted) {
			exec.logger.Warn("emit job event", "error", err)
		}
	}
	result, err := m.runner.Run(exec.ctx, exec.command.Argv(), exec.command.Workspace(), m.options.Env, sink)
	canceled := exec.canceled.Load() || m.baseCtx.Err() != nil
	if err != nil {
		if canceled {
			m.finish(exec, model.JobStatusCanceled, time.Now().UTC(), nil)
			return
		}
		m.fail(exec, model.WrapError(model.KindRunnerFailure, err, "run command"))
		return
	}

	exitCode := result.ExitCode
	finishedAt := result.FinishedAt
	if finishedAt.IsZero() {
		finishedAt = time.Now().UTC()
	}
	m.finish(exec, hsm.TerminalStatus(canceled, exitCode), finishedAt, &exitCode)
}

// fail converts an unexpected error into a FAILED terminal state.
func (m *JobManager) fail(exec *execution, err error) {
	exec.logger.Error("job failed", "error", err)
	_ = m.store.Emit(exec.jobID, model.StatusEvent("FAILED exception="+err.Error()))
	code := runnerFailureExitCode
	m.mu.Lock()
	m.snapshot.LastError = err.Error()
	m.mu.Unlock()
	m.finish(exec, model.JobStatusFailed, time.Now().UTC(), &code)
}

// finish stops the heartbeat, records the terminal state and releases the
// admission slot. It is safe to call more than once per job.
func (m *JobManager) finish(exec *execution, status model.JobStatus, finishedAt time.Time, exitCode *int) {
	exec.stopHeartbeat()
	defer func() {
		exec.cancel()
		m.untrack(exec)
		exec.admission.Release()
	}()

	snapshot, err := m.store.Status(exec.jobID)
	if err != nil || snapshot.Status.Terminal() {
		return
	}
	if snapshot.Status == model.JobStatusQueued {
		if err := m.store.MarkStarted(exec.jobID, finishedAt); err != nil {
			exec.logger.Error("mark started before finish", "error", err)
			return
		}
	}
	if err := m.store.MarkFinished(exec.jobID, status, finishedAt, exitCode); err != nil {
		exec.logger.Error("mark finished", "error", err)
		return
	}
	exec.logger.Info("job finished", "status", status, "exit_code", derefInt(exitCode))
	m.recordFinished(exec.jobID, status, finishedAt)
}

func (m *JobManager) scheduleHeartbeat(jobID string) func() {
	started := time.Now()
	var count int64
	return m.heartbeat.Schedule(m.options.HeartbeatInterval, func() {
		count++
		uptime := time.Since(started).Milliseconds()
		_ = m.store.Emit(jobID, model.StatusEvent(fmt.Sprintf(": heartbeat #%d uptimeMs=%d", count, uptime)))
	})
}

func (m *JobManager) track(exec *execution) {
	m.activeMu.Lock()
	defer m.activeMu.Unlock()
	m.active[exec.jobID] = exec
}

func (m *JobManager) untrack(exec *execution) {
	m.activeMu.Lock()
	delete(m.active, exec.jobID)
	m.activeMu.Unlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.snapshot.ActiveJobID == exec.jobID {
		m.snapshot.ActiveJobID = ""
	}
}

func (m *JobManager) recordFinished(jobID string, status model.JobStatus, finishedAt time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshot.TotalJobs++
	m.snapshot.LastJobID = jobID
	m.snapshot.LastStatus = string(status)
	m.snapshot.LastFinishedAt = &finishedAt
	switch status {
	case model.JobStatusSucceeded:
		m.snapshot.Succeeded++
	case model.JobStatusFailed:
		m.snapshot.Failed++
	case model.JobStatusCanceled:
		m.snapshot.Canceled++
	}
}

func derefInt(value *int) any {
	if value == nil {
		return nil
	}
	return *value
}

func cloneTimePtr(value *time.Time) *time.Time {
	if value == nil {
		return nil
	}
	clone := *value
	return &clone
}
