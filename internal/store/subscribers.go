package store

import "dockyard/internal/model"

// subscriberSet fans job events out to per-subscriber channels. It does no
// locking of its own; the owning job's mutex guards it.
type subscriberSet struct {
	nextID      int64
	subscribers map[int64]chan model.JobEvent
}

func newSubscriberSet() *subscriberSet {
	return &subscriberSet{subscribers: make(map[int64]chan model.JobEvent)}
}

func (s *subscriberSet) add(ch chan model.JobEvent) int64 {
	s.nextID++
	s.subscribers[s.nextID] = ch
	return s.nextID
}

func (s *subscriberSet) remove(id int64) {
	ch, ok := s.subscribers[id]
	if !ok {
		return
	}
	delete(s.subscribers, id)
	close(ch)
}

// publish offers event to every subscriber without blocking.
func (s *subscriberSet) publish(event model.JobEvent) {
	for _, ch := range s.subscribers {
		tryPublishEvent(ch, event)
	}
}

// closeAll ends every subscriber stream.
func (s *subscriberSet) closeAll() {
	for id, ch := range s.subscribers {
		close(ch)
		delete(s.subscribers, id)
	}
}

func (s *subscriberSet) len() int {
	return len(s.subscribers)
}

func tryPublishEvent(ch chan model.JobEvent, event model.JobEvent) bool {
	select {
	case ch <- event:
		return true
	default:
		// Drop one stale message and retry once so a slow reader never blocks emitters.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- event:
			return true
		default:
			return false
		}
	}
}
