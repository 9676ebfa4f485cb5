// Package events carries case and detection notifications to interested parties.
// Emission is fire-and-forget: an emitter never reports failure to the caller.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/kozaktomas/sightline/internal/constants"
	"github.com/kozaktomas/sightline/internal/logger"
)

// Kind identifies what happened.
type Kind string

const (
	CaseApproved   Kind = "case_approved"
	CaseRejected   Kind = "case_rejected"
	CaseProcessing Kind = "case_processing"
	CaseCompleted  Kind = "case_completed"
	DetectionFound Kind = "detection_found"
)

// Event is one notification.
type Event struct {
	Kind        Kind      `json:"kind"`
	CaseID      string    `json:"case_id"`
	FootageID   string    `json:"footage_id,omitempty"`
	DetectionID string    `json:"detection_id,omitempty"`
	Timestamp   float64   `json:"timestamp,omitempty"`
	Confidence  float64   `json:"confidence,omitempty"`
	ActorID     string    `json:"actor_id,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	At          time.Time `json:"at"`
}

// Emitter publishes events.
type Emitter interface {
	Emit(ctx context.Context, e Event)
}

// EmitterFunc adapts a function to the Emitter interface.
type EmitterFunc func(ctx context.Context, e Event)

// Emit calls f.
func (f EmitterFunc) Emit(ctx context.Context, e Event) { f(ctx, e) }

type nopEmitter struct{}

func (nopEmitter) Emit(context.Context, Event) {}

// Nop returns an emitter that drops every event.
func Nop() Emitter { return nopEmitter{} }

// Multi forwards each event to every emitter in order.
type Multi []Emitter

// Emit implements Emitter.
func (m Multi) Emit(ctx context.Context, e Event) {
	for _, em := range m {
		if em != nil {
			em.Emit(ctx, e)
		}
	}
}

// Log writes events to the structured log.
type Log struct {
	log *logger.Logger
}

// NewLog creates a logging emitter.
func NewLog(log *logger.Logger) *Log {
	return &Log{log: log}
}

// Emit implements Emitter.
func (l *Log) Emit(_ context.Context, e Event) {
	kv := []any{"kind", string(e.Kind), "case_id", e.CaseID}
	if e.FootageID != "" {
		kv = append(kv, "footage_id", e.FootageID)
	}
	if e.DetectionID != "" {
		kv = append(kv, "detection_id", e.DetectionID, "timestamp", e.Timestamp, "confidence", e.Confidence)
	}
	if e.ActorID != "" {
		kv = append(kv, "actor_id", e.ActorID)
	}
	if e.Reason != "" {
		kv = append(kv, "reason", e.Reason)
	}
	l.log.Info("event", kv...)
}

// Broadcaster fans events out to subscribers. Slow subscribers miss events
// rather than block the emitter.
type Broadcaster struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[chan Event]struct{})}
}

// Subscribe registers a listener. The returned function unsubscribes and
// closes the channel; it is safe to call more than once.
func (b *Broadcaster) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, constants.EventChannelBuffer)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, ch)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Emit implements Emitter.
func (b *Broadcaster) Emit(_ context.Context, e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Recorder keeps every emitted event in memory. Useful in tests and for the
// CLI summary.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Emit implements Emitter.
func (r *Recorder) Emit(_ context.Context, e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Count returns how many events of a kind were recorded.
func (r *Recorder) Count(kind Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}
