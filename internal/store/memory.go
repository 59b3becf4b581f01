package store

import (
	"crypto/rand"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid"
	"github.com/pkg/errors"

	"dockyard/internal/hsm"
	"dockyard/internal/model"
)

const (
	MinBufferCapacity       = 100
	DefaultSubscriberBuffer = 256
)

// ErrJobCompleted is returned when emitting into a job whose streams have
// already been completed.
var ErrJobCompleted = errors.New("job already completed")

// Observer receives every event emitted into the store, in per-job order.
// Observers run under the job lock and must not block.
type Observer func(model.JobEvent)

type Options struct {
	SubscriberBuffer int
	Now              func() time.Time
}

// MemoryStore keeps job state, a bounded replay buffer per job and the live
// subscriber fan-out. State is lost on restart.
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[string]*job

	observersMu sync.RWMutex
	observers   []Observer

	subscriberBuffer int
	now              func() time.Time
}

type job struct {
	mu          sync.Mutex
	snapshot    model.JobSnapshot
	requestID   string
	events      *eventRing
	subscribers *subscriberSet
	completed   bool
	entropy     io.Reader
	lastIDMs    uint64
}

func NewMemoryStore(options Options) *MemoryStore {
	if options.SubscriberBuffer <= 0 {
		options.SubscriberBuffer = DefaultSubscriberBuffer
	}
	if options.Now == nil {
		options.Now = func() time.Time { return time.Now().UTC() }
	}
	return &MemoryStore{
		jobs:             make(map[string]*job),
		subscriberBuffer: options.SubscriberBuffer,
		now:              options.Now,
	}
}

// Observe registers fn for every subsequently emitted event.
func (s *MemoryStore) Observe(fn Observer) {
	if fn == nil {
		return
	}
	s.observersMu.Lock()
	defer s.observersMu.Unlock()
	s.observers = append(s.observers, fn)
}

// Create registers a QUEUED job and emits its initial status and summary.
func (s *MemoryStore) Create(capacity int, runID string, requestID string) string {
	if capacity < MinBufferCapacity {
		capacity = MinBufferCapacity
	}
	id := uuid.NewString()
	j := &job{
		snapshot: model.JobSnapshot{
			JobID:     id,
			Status:    model.JobStatusQueued,
			RunID:     strings.TrimSpace(runID),
			CreatedAt: s.now(),
		},
		requestID:   strings.TrimSpace(requestID),
		events:      newEventRing(capacity),
		subscribers: newSubscriberSet(),
		entropy:     ulid.Monotonic(rand.Reader, 0),
	}

	s.mu.Lock()
	s.jobs[id] = j
	s.mu.Unlock()

	j.mu.Lock()
	defer j.mu.Unlock()
	s.emitLocked(j, model.StatusEvent(string(model.JobStatusQueued)))
	s.emitLocked(j, model.SummaryEvent(j.snapshot))
	return id
}

func (s *MemoryStore) Status(jobID string) (model.JobSnapshot, error) {
	j, err := s.get(jobID)
	if err != nil {
		return model.JobSnapshot{}, err
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.snapshot.Clone(), nil
}

// Subscribe replays the buffered history and then attaches to live events.
// The stream is closed once the job completes; for a completed job it is
// closed right after the replay.
func (s *MemoryStore) Subscribe(jobID string) (<-chan model.JobEvent, func(), error) {
	return s.SubscribeAfter(jobID, "")
}

// SubscribeAfter is Subscribe with the replay restricted to events whose id
// sorts after lastEventID. Event ids are ULIDs, so ordering is lexical.
func (s *MemoryStore) SubscribeAfter(jobID string, lastEventID string) (<-chan model.JobEvent, func(), error) {
	j, err := s.get(jobID)
	if err != nil {
		return nil, nil, err
	}
	lastEventID = strings.TrimSpace(lastEventID)

	j.mu.Lock()
	defer j.mu.Unlock()

	history := j.events.snapshot()
	ch := make(chan model.JobEvent, len(history)+s.subscriberBuffer)
	for _, event := range history {
		if lastEventID != "" && event.ID <= lastEventID {
			continue
		}
		ch <- event
	}
	if j.completed {
		close(ch)
		return ch, func() {}, nil
	}

	id := j.subscribers.add(ch)
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			j.mu.Lock()
			defer j.mu.Unlock()
			j.subscribers.remove(id)
		})
	}, nil
}

// Emit appends event to the job's buffer and offers it to every subscriber.
func (s *MemoryStore) Emit(jobID string, event model.JobEvent) error {
	j, err := s.get(jobID)
	if err != nil {
		return err
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.completed {
		return ErrJobCompleted
	}
	s.emitLocked(j, event)
	return nil
}

func (s *MemoryStore) MarkStarted(jobID string, startedAt time.Time) error {
	j, err := s.get(jobID)
	if err != nil {
		return err
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if !hsm.CanTransitionJob(j.snapshot.Status, model.JobStatusRunning) {
		return errors.Errorf("job %s cannot move from %s to %s", jobID, j.snapshot.Status, model.JobStatusRunning)
	}
	j.snapshot.Status = model.JobStatusRunning
	j.snapshot.StartedAt = timePtr(startedAt)
	s.emitLocked(j, model.StatusEvent(string(model.JobStatusRunning)))
	s.emitLocked(j, model.SummaryEvent(j.snapshot))
	return nil
}

// MarkFinished records the terminal state, emits status, summary and
// terminalSummary events and completes every subscriber stream.
func (s *MemoryStore) MarkFinished(jobID string, status model.JobStatus, finishedAt time.Time, exitCode *int) error {
	j, err := s.get(jobID)
	if err != nil {
		return err
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.completed {
		return ErrJobCompleted
	}
	if !hsm.CanTransitionJob(j.snapshot.Status, status) {
		return errors.Errorf("job %s cannot move from %s to %s", jobID, j.snapshot.Status, status)
	}
	j.snapshot.Status = status
	j.snapshot.FinishedAt = timePtr(finishedAt)
	if exitCode != nil {
		code := *exitCode
		j.snapshot.ExitCode = &code
	}
	s.emitLocked(j, model.StatusEvent(string(status)))
	s.emitLocked(j, model.SummaryEvent(j.snapshot))
	s.emitLocked(j, model.TerminalSummaryEvent(j.snapshot))
	j.completed = true
	j.subscribers.closeAll()
	return nil
}

// ValidateRunID checks that runID matches the job's bound run. A blank runID
// always passes.
func (s *MemoryStore) ValidateRunID(jobID string, runID string) error {
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return nil
	}
	j, err := s.get(jobID)
	if err != nil {
		return err
	}
	j.mu.Lock()
	bound := j.snapshot.RunID
	j.mu.Unlock()
	if bound == "" {
		return model.NewError(model.KindStaleRun, "job is not bound to this run")
	}
	if bound != runID {
		return model.NewError(model.KindStaleRun, "runId does not match job")
	}
	return nil
}

// List returns snapshots of every retained job, newest first.
func (s *MemoryStore) List() []model.JobSnapshot {
	s.mu.RLock()
	jobs := make([]*job, 0, len(s.jobs))
	for _, j := range s.jobs {
		jobs = append(jobs, j)
	}
	s.mu.RUnlock()

	out := make([]model.JobSnapshot, 0, len(jobs))
	for _, j := range jobs {
		j.mu.Lock()
		out = append(out, j.snapshot.Clone())
		j.mu.Unlock()
	}
	sort.Slice(out, func(i, k int) bool {
		if out[i].CreatedAt.Equal(out[k].CreatedAt) {
			return out[i].JobID > out[k].JobID
		}
		return out[i].CreatedAt.After(out[k].CreatedAt)
	})
	return out
}

// Prune drops completed jobs that finished before cutoff and returns how
// many were removed. Jobs that are still queued or running are kept.
func (s *MemoryStore) Prune(cutoff time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, j := range s.jobs {
		j.mu.Lock()
		expired := j.completed && j.snapshot.FinishedAt != nil && j.snapshot.FinishedAt.Before(cutoff)
		j.mu.Unlock()
		if expired {
			delete(s.jobs, id)
			removed++
		}
	}
	return removed
}

func (s *MemoryStore) get(jobID string) (*job, error) {
	jobID = strings.TrimSpace(jobID)
	s.mu.RLock()
	j, ok := s.jobs[jobID]
	s.mu.RUnlock()
	if !ok {
		return nil, model.NewError(model.KindUnknownJob, "unknown jobId: %s", jobID)
	}
	return j, nil
}

func (s *MemoryStore) emitLocked(j *job, event model.JobEvent) {
	now := s.now()
	if event.Timestamp.IsZero() {
		event.Timestamp = now
	}
	event.JobID = j.snapshot.JobID
	event.ID = j.nextEventID(now)
	if event.RequestID == "" {
		event.RequestID = j.requestID
	}
	if event.Type == model.EventTypeLog && strings.TrimSpace(event.Message) != "" {
		j.snapshot.LastLine = event.Message
	}

	j.events.push(event)
	j.subscribers.publish(event)

	s.observersMu.RLock()
	observers := s.observers
	s.observersMu.RUnlock()
	for _, observe := range observers {
		observe(event)
	}
}

// nextEventID returns a ULID that sorts after every id previously issued for
// this job, even if the wall clock steps backwards.
func (j *job) nextEventID(now time.Time) string {
	ms := ulid.Timestamp(now)
	if ms < j.lastIDMs {
		ms = j.lastIDMs
	}
	j.lastIDMs = ms
	return ulid.MustNew(ms, j.entropy).String()
}

func timePtr(value time.Time) *time.Time {
	v := value
	return &v
}
