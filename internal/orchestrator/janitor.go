package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"dockyard/internal/logging"
)

const (
	DefaultRetentionMaxAge   = 24 * time.Hour
	DefaultRetentionInterval = 5 * time.Minute
)

// Pruner removes completed jobs that finished before cutoff.
type Pruner interface {
	Prune(cutoff time.Time) int
}

type JanitorOptions struct {
	MaxAge   time.Duration
	Interval time.Duration
	Logger   *slog.Logger
	Now      func() time.Time
}

type JanitorSnapshot struct {
	Running      bool       `json:"running"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	LastSweepAt  *time.Time `json:"last_sweep_at,omitempty"`
	LastPruned   int        `json:"last_pruned"`
	TotalPruned  int64      `json:"total_pruned"`
	TotalSweeps  int64      `json:"total_sweeps"`
	MaxAgeSecond int64      `json:"max_age_sec"`
}

// Janitor periodically drops completed jobs older than MaxAge so the
// in-memory store does not grow without bound.
type Janitor struct {
	pruner  Pruner
	options JanitorOptions
	logger  *slog.Logger

	mu       sync.RWMutex
	running  bool
	doneChan chan struct{}
	snapshot JanitorSnapshot
}

func NewJanitor(pruner Pruner, options JanitorOptions) *Janitor {
	if options.MaxAge <= 0 {
		options.MaxAge = DefaultRetentionMaxAge
	}
	if options.Interval <= 0 {
		options.Interval = DefaultRetentionInterval
	}
	if options.Now == nil {
		options.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Janitor{
		pruner:  pruner,
		options: options,
		logger:  logging.OrDiscard(options.Logger).With("component", "janitor"),
		snapshot: JanitorSnapshot{
			MaxAgeSecond: int64(options.MaxAge / time.Second),
		},
	}
}

func (j *Janitor) Start(ctx context.Context) {
	j.mu.Lock()
	if j.running {
		j.mu.Unlock()
		return
	}
	j.running = true
	now := j.options.Now()
	j.snapshot.Running = true
	j.snapshot.StartedAt = &now
	j.doneChan = make(chan struct{})
	done := j.doneChan
	j.mu.Unlock()

	go func() {
		defer close(done)
		j.loop(ctx)
		j.mu.Lock()
		j.running = false
		j.snapshot.Running = false
		j.mu.Unlock()
	}()
}

func (j *Janitor) Wait(timeout time.Duration) bool {
	j.mu.RLock()
	done := j.doneChan
	j.mu.RUnlock()
	return waitDone(done, timeout)
}

func (j *Janitor) Snapshot() JanitorSnapshot {
	j.mu.RLock()
	defer j.mu.RUnlock()
	out := j.snapshot
	out.StartedAt = cloneTimePtr(j.snapshot.StartedAt)
	out.LastSweepAt = cloneTimePtr(j.snapshot.LastSweepAt)
	return out
}

// Sweep runs one retention pass and returns how many jobs were removed.
func (j *Janitor) Sweep() int {
	if j.pruner == nil {
		return 0
	}
	now := j.options.Now()
	removed := j.pruner.Prune(now.Add(-j.options.MaxAge))

	j.mu.Lock()
	j.snapshot.LastSweepAt = &now
	j.snapshot.LastPruned = removed
	j.snapshot.TotalPruned += int64(removed)
	j.snapshot.TotalSweeps++
	j.mu.Unlock()

	if removed > 0 {
		j.logger.Info("pruned completed jobs", "removed", removed, "max_age", j.options.MaxAge.String())
	}
	return removed
}

func (j *Janitor) loop(ctx context.Context) {
	ticker := time.NewTicker(j.options.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.Sweep()
		}
	}
}

func waitDone(done <-chan struct{}, timeout time.Duration) bool {
	if done == nil {
		return true
	}
	if timeout <= 0 {
		<-done
		return true
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	}
}
