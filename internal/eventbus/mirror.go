package eventbus

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"

	"dockyard/internal/logging"
	"dockyard/internal/model"
)

const (
	MetadataJobID     = "job_id"
	MetadataEventID   = "event_id"
	MetadataEventType = "event_type"
	MetadataRequestID = "request_id"

	DefaultBuffer = 1024
)

type MirrorOptions struct {
	Topic  string
	Buffer int
	Logger *slog.Logger
	// Subscriber is exposed to in-process consumers when the publisher
	// also implements message.Subscriber.
	Subscriber message.Subscriber
}

type MirrorStats struct {
	Published   int64      `json:"published"`
	Dropped     int64      `json:"dropped"`
	Failed      int64      `json:"failed"`
	Pending     int        `json:"pending"`
	Healthy     bool       `json:"healthy"`
	LastError   string     `json:"last_error,omitempty"`
	LastErrorAt *time.Time `json:"last_error_at,omitempty"`
}

// Mirror copies job events to a watermill publisher. Observe never blocks;
// when the queue is full the event is dropped and counted.
type Mirror struct {
	publisher  message.Publisher
	subscriber message.Subscriber
	topic      string
	queue      chan model.JobEvent
	logger     *slog.Logger

	published atomic.Int64
	dropped   atomic.Int64
	failed    atomic.Int64

	mu          sync.RWMutex
	running     bool
	doneChan    chan struct{}
	stop        chan struct{}
	lastError   string
	lastErrorAt *time.Time
}

func NewMirror(publisher message.Publisher, options MirrorOptions) (*Mirror, error) {
	if publisher == nil {
		return nil, errors.New("mirror publisher is required")
	}
	topic := strings.TrimSpace(options.Topic)
	if topic == "" {
		return nil, errors.New("mirror topic is required")
	}
	if options.Buffer <= 0 {
		options.Buffer = DefaultBuffer
	}
	return &Mirror{
		publisher:  publisher,
		subscriber: options.Subscriber,
		topic:      topic,
		queue:      make(chan model.JobEvent, options.Buffer),
		logger:     logging.OrDiscard(options.Logger).With("component", "eventbus", "topic", topic),
		stop:       make(chan struct{}),
	}, nil
}

func (m *Mirror) Topic() string {
	return m.topic
}

// Subscriber returns the in-process subscriber for the mirror topic, or nil
// when the driver has none.
func (m *Mirror) Subscriber() message.Subscriber {
	return m.subscriber
}

// Observe enqueues event for publishing. It matches store.Observer.
func (m *Mirror) Observe(event model.JobEvent) {
	select {
	case m.queue <- event:
	default:
		m.dropped.Add(1)
	}
}

// Start launches the publishing pump. It stops when ctx is canceled or
// Close is called.
func (m *Mirror) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.doneChan = make(chan struct{})
	done := m.doneChan
	m.mu.Unlock()

	go func() {
		defer close(done)
		m.pump(ctx)
	}()
}

// Close stops the pump, publishes whatever is still queued and closes the
// publisher.
func (m *Mirror) Close() error {
	m.mu.Lock()
	select {
	case <-m.stop:
	default:
		close(m.stop)
	}
	done := m.doneChan
	m.mu.Unlock()
	if done != nil {
		<-done
	}
	m.flush()
	return m.publisher.Close()
}

func (m *Mirror) Stats() MirrorStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stats := MirrorStats{
		Published: m.published.Load(),
		Dropped:   m.dropped.Load(),
		Failed:    m.failed.Load(),
		Pending:   len(m.queue),
		LastError: m.lastError,
	}
	if m.lastErrorAt != nil {
		at := *m.lastErrorAt
		stats.LastErrorAt = &at
	}
	stats.Healthy = m.lastError == ""
	return stats
}

func (m *Mirror) pump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case event := <-m.queue:
			m.publish(event)
		}
	}
}

func (m *Mirror) flush() {
	for {
		select {
		case event := <-m.queue:
			m.publish(event)
		default:
			return
		}
	}
}

func (m *Mirror) publish(event model.JobEvent) {
	msg, err := NewEventMessage(event)
	if err == nil {
		err = m.publisher.Publish(m.topic, msg)
	}
	if err != nil {
		m.failed.Add(1)
		now := time.Now().UTC()
		m.mu.Lock()
		m.lastError = err.Error()
		m.lastErrorAt = &now
		m.mu.Unlock()
		m.logger.Warn("mirror publish failed", "job_id", event.JobID, "event_type", event.Type, "error", err)
		return
	}
	m.published.Add(1)
	m.mu.Lock()
	m.lastError = ""
	m.mu.Unlock()
}

// NewEventMessage encodes event as a watermill message with routing
// metadata.
func NewEventMessage(event model.JobEvent) (*message.Message, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return nil, errors.Wrap(err, "marshal job event")
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set(MetadataJobID, event.JobID)
	msg.Metadata.Set(MetadataEventID, event.ID)
	msg.Metadata.Set(MetadataEventType, string(event.Type))
	if event.RequestID != "" {
		msg.Metadata.Set(MetadataRequestID, event.RequestID)
	}
	return msg, nil
}

// DecodeEventMessage is the inverse of NewEventMessage.
func DecodeEventMessage(msg *message.Message) (model.JobEvent, error) {
	var event model.JobEvent
	if err := json.Unmarshal(msg.Payload, &event); err != nil {
		return model.JobEvent{}, errors.Wrapf(err, "decode job event %s", msg.UUID)
	}
	return event, nil
}
