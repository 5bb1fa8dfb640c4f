package observability

import (
	"github.com/prometheus/client_golang/prometheus"

	"escrowcore/core/events"
)

// EventCounter is an events.Emitter decorator that counts every emitted event
// by type before forwarding it downstream. Install it in front of any emitter
// chain to get per-event prometheus counters for free.
type EventCounter struct {
	next    events.Emitter
	counter *prometheus.CounterVec
}

// NewEventCounter registers the counter vector with reg and returns the
// decorator. A nil next emitter forwards to a no-op; a nil registerer skips
// registration (useful in tests sharing a registry).
func NewEventCounter(reg prometheus.Registerer, next events.Emitter) (*EventCounter, error) {
	if next == nil {
		next = events.NoopEmitter{}
	}
	counter := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrowcore",
		Name:      "events_emitted_total",
		Help:      "Engine events emitted, labelled by event type.",
	}, []string{"type"})
	if reg != nil {
		if err := reg.Register(counter); err != nil {
			return nil, err
		}
	}
	return &EventCounter{next: next, counter: counter}, nil
}

// Emit implements events.Emitter.
func (c *EventCounter) Emit(evt events.Event) {
	if c == nil || evt == nil {
		return
	}
	c.counter.WithLabelValues(evt.EventType()).Inc()
	c.next.Emit(evt)
}
