// Package gatewaytest records notifications for assertions in tests.
package gatewaytest

import (
	"context"
	"sync"

	"github.com/whisper/pairing/internal/gateway"
)

// Event is one recorded notification.
type Event struct {
	ParticipantID string
	Kind          gateway.Kind
	Payload       gateway.Payload
}

// Recorder is a gateway.Notifier that keeps every notification in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

var _ gateway.Notifier = (*Recorder)(nil)

// Notify implements gateway.Notifier.
func (r *Recorder) Notify(_ context.Context, id string, kind gateway.Kind, p gateway.Payload) error {
	r.mu.Lock()
	r.events = append(r.events, Event{ParticipantID: id, Kind: kind, Payload: p})
	r.mu.Unlock()
	return nil
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// For returns the events sent to one participant.
func (r *Recorder) For(id string) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.ParticipantID == id {
			out = append(out, e)
		}
	}
	return out
}

// Count returns how many times kind was sent to id.
func (r *Recorder) Count(id string, kind gateway.Kind) int {
	n := 0
	for _, e := range r.For(id) {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

// Kinds returns the kinds sent to id, in order.
func (r *Recorder) Kinds(id string) []gateway.Kind {
	var out []gateway.Kind
	for _, e := range r.For(id) {
		out = append(out, e.Kind)
	}
	return out
}

// Reset forgets every recorded event.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}
