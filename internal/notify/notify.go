// Package notify publishes "state changed" events for briefs so other
// clients can refresh promptly. Delivery is best effort; correctness never
// depends on an event arriving.
package notify

import (
	"context"
	"sync"
	"time"
)

const (
	CanvasUpdated   = "canvas.updated"
	CanvasRestored  = "canvas.restored"
	LockAcquired    = "lock.acquired"
	LockReleased    = "lock.released"
	SnapshotCreated = "snapshot.created"
	BriefPublished  = "brief.published"
	BriefArchived   = "brief.archived"
)

type Event struct {
	Type    string    `json:"type"`
	BriefID string    `json:"briefId"`
	At      time.Time `json:"at"`
	Data    any       `json:"data,omitempty"`
}

type Emitter interface {
	Emit(ctx context.Context, e Event) error
}

// Nop drops every event.
type Nop struct{}

func (Nop) Emit(context.Context, Event) error { return nil }

// Recorder keeps emitted events in memory; tests use it to observe services.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Emit(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Types lists the recorded event types in emission order.
func (r *Recorder) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}
