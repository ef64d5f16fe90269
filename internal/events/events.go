package events

import (
	"context"
	"time"
)

// Event is one append-only audit record. The type vocabulary and payload
// field names are a stable contract consumed by the offline invariant
// auditor; changing them breaks replay tooling.
type Event struct {
	Time    time.Time
	Type    string
	Coin    string
	Payload any
}

// Sink persists events. Implementations: Postgres (primary), SQLite
// (fallback for single-host deployments).
type Sink interface {
	WriteEvent(ctx context.Context, ev Event) error
	Close() error
}

// Nop discards everything. Used when the event store is disabled.
type Nop struct{}

func (Nop) WriteEvent(context.Context, Event) error { return nil }

func (Nop) Close() error { return nil }
