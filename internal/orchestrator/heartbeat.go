package orchestrator

import (
	"sync"
	"time"
)

const MinHeartbeatInterval = time.Second

// HeartbeatScheduler runs a task at a fixed rate until canceled.
type HeartbeatScheduler interface {
	Schedule(interval time.Duration, task func()) (cancel func())
}

// TickerScheduler schedules tasks on a time.Ticker. Intervals below Floor
// (MinHeartbeatInterval when zero) are raised to it.
type TickerScheduler struct {
	Floor time.Duration
}

var _ HeartbeatScheduler = TickerScheduler{}

// Schedule starts task every interval. The returned cancel is idempotent and
// returns once no further task run can start; it must not be called from
// inside task.
func (s TickerScheduler) Schedule(interval time.Duration, task func()) func() {
	floor := s.Floor
	if floor <= 0 {
		floor = MinHeartbeatInterval
	}
	if interval < floor {
		interval = floor
	}

	stop := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				select {
				case <-stop:
					return
				default:
				}
				task()
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
		})
		<-stopped
	}
}
