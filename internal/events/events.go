// Package events fans ledger records out to subscribers once they are
// committed. Publishing is fire-and-forget: a slow or broken subscriber
// never fails the operation that produced the record.
package events

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/atmx/perp-engine/internal/model"
)

// SubjectPrefix prefixes the NATS subject of every event.
const SubjectPrefix = "perp.events."

// Event is a committed ledger record with an id and a wall-clock time.
type Event struct {
	ID      uuid.UUID    `json:"id"`
	Seq     int64        `json:"seq,omitempty"`
	Kind    string       `json:"kind"`
	Time    time.Time    `json:"time"`
	Payload model.Record `json:"payload"`
}

// New wraps r in an Event.
func New(r model.Record) Event {
	return Event{
		ID:      uuid.New(),
		Kind:    r.Kind(),
		Time:    time.Now().UTC(),
		Payload: r,
	}
}

// Sink receives committed events.
type Sink interface {
	Publish(e Event)
}

// Multi publishes to every sink in order.
type Multi []Sink

func (m Multi) Publish(e Event) {
	for _, s := range m {
		s.Publish(e)
	}
}

// Discard drops every event.
type Discard struct{}

func (Discard) Publish(Event) {}

// Recorder keeps every event it receives. Used by tests.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// Events returns a copy of what has been published so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Kinds returns the kind of every recorded event, in order.
func (r *Recorder) Kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	kinds := make([]string, len(r.events))
	for i, e := range r.events {
		kinds[i] = e.Kind
	}
	return kinds
}

// Subject returns the NATS subject events of kind are published on.
func Subject(kind string) string { return SubjectPrefix + kind }

// NATSSink publishes events as JSON on perp.events.<kind>.
type NATSSink struct {
	nc *nats.Conn
}

// NewNATSSink publishes on nc. The caller owns the connection.
func NewNATSSink(nc *nats.Conn) *NATSSink {
	return &NATSSink{nc: nc}
}

func (s *NATSSink) Publish(e Event) {
	data, err := json.Marshal(e)
	if err != nil {
		slog.Warn("event encode failed", "kind", e.Kind, "error", err)
		return
	}
	if err := s.nc.Publish(Subject(e.Kind), data); err != nil {
		slog.Warn("nats publish failed", "subject", Subject(e.Kind), "error", err)
	}
}
