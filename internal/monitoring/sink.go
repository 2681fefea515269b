package monitoring

import (
	"time"

	"github.com/rs/zerolog"
)

// AuditEvent is one structured record of a connection, auth, or business
// event. Events are observability only; nothing on the real-time path may
// depend on them being recorded.
type AuditEvent struct {
	Kind       string         `json:"kind"`
	Message    string         `json:"message"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	OccurredAt time.Time      `json:"occurredAt"`
}

// EventSink records audit events without ever blocking the caller.
//
// Events go into a buffered channel consumed by a single writer goroutine.
// When the buffer is full the event is dropped and counted. The hot path
// never waits on the sink.
type EventSink struct {
	logger zerolog.Logger
	events chan AuditEvent
	done   chan struct{}
}

// NewEventSink creates and starts an event sink with the given buffer size.
func NewEventSink(logger zerolog.Logger, buffer int) *EventSink {
	if buffer <= 0 {
		buffer = 1024
	}
	s := &EventSink{
		logger: logger.With().Str("component", "event_sink").Logger(),
		events: make(chan AuditEvent, buffer),
		done:   make(chan struct{}),
	}
	go s.run()
	return s
}

// Record enqueues an audit event. Never blocks; drops when the buffer is
// full. Safe to call on a nil sink.
func (s *EventSink) Record(kind, message string, metadata map[string]any) {
	if s == nil {
		return
	}
	ev := AuditEvent{
		Kind:       kind,
		Message:    message,
		Metadata:   metadata,
		OccurredAt: time.Now(),
	}
	select {
	case s.events <- ev:
	default:
		AuditEventsDropped.Inc()
	}
}

func (s *EventSink) run() {
	defer RecoverPanic(s.logger, "eventSink", nil)

	for {
		select {
		case ev := <-s.events:
			s.write(ev)
		case <-s.done:
			// Drain what is already queued, then stop.
			for {
				select {
				case ev := <-s.events:
					s.write(ev)
				default:
					return
				}
			}
		}
	}
}

func (s *EventSink) write(ev AuditEvent) {
	event := s.logger.Info().
		Str("audit_kind", ev.Kind).
		Time("occurred_at", ev.OccurredAt)
	for k, v := range ev.Metadata {
		event = event.Interface(k, v)
	}
	event.Msg(ev.Message)
}

// Close stops the writer goroutine after draining queued events.
func (s *EventSink) Close() {
	close(s.done)
}
