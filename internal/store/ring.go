package store

import "dockyard/internal/model"

// eventRing is a fixed-capacity FIFO of job events. Pushing into a full ring
// evicts the oldest entry.
type eventRing struct {
	items []model.JobEvent
	start int
	count int
}

func newEventRing(capacity int) *eventRing {
	if capacity <= 0 {
		capacity = 1
	}
	return &eventRing{items: make([]model.JobEvent, capacity)}
}

func (r *eventRing) push(event model.JobEvent) {
	capacity := len(r.items)
	if r.count < capacity {
		r.items[(r.start+r.count)%capacity] = event
		r.count++
		return
	}
	r.items[r.start] = event
	r.start = (r.start + 1) % capacity
}

func (r *eventRing) len() int {
	return r.count
}

func (r *eventRing) snapshot() []model.JobEvent {
	out := make([]model.JobEvent, 0, r.count)
	for i := 0; i < r.count; i++ {
		out = append(out, r.items[(r.start+i)%len(r.items)])
	}
	return out
}
