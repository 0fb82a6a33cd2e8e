package observability

import (
	"invochain/core/events"
	"invochain/native/invoice"
	"invochain/observability/metrics"
)

// EventRecorder translates lifecycle events into metrics. Wire it into the
// engine's emitter fan-out so dispute and settlement gauges track state
// changes regardless of which surface triggered them.
type EventRecorder struct{}

// NewEventRecorder returns an emitter that records lifecycle metrics.
func NewEventRecorder() *EventRecorder {
	return &EventRecorder{}
}

// Emit implements the events.Emitter interface.
func (*EventRecorder) Emit(evt events.Event) {
	registry := metrics.Invoice()
	switch evt.Type {
	case invoice.EventTypeDisputed:
		registry.ObserveDisputeOpened()
	case invoice.EventTypeResolved:
		registry.ObserveDisputeClosed()
	case invoice.EventTypeWithdrawn:
		registry.ObserveCustodyRelease()
	}
}
