// Package fleet implements the backend client state machine and the
// manager/scheduler over a pool of chat-completion backends: priority
// selection, caller affinity, group concurrency admission, and the
// active health-check loop. Lifecycle events fan out to an EventSink
// (the interval event log in production).
package fleet

import (
	"time"

	"aifleet/core"
)

// EventKind identifies the lifecycle event a client emits.
type EventKind string

const (
	EventChatStart    EventKind = "chat_start"
	EventChatEnd      EventKind = "chat_end"
	EventStatusChange EventKind = "status_change"
)

// Event is one lifecycle notification from a client. Status carries
// the client's status at emission time so consumers never need to call
// back into the fleet (that call-through was a deadlock surface).
type Event struct {
	Kind        EventKind
	Time        time.Time
	Client      string
	Model       string
	HealthCheck bool

	// chat_end only.
	Success   bool
	ErrorType string
	ErrorCode string

	// status_change only.
	OldStatus core.ClientStatus
	NewStatus core.ClientStatus

	// Client status at emission, for all kinds.
	Status core.ClientStatus
}

// EventSink consumes client lifecycle events. Publish must never
// block: implementations queue or drop.
type EventSink interface {
	Publish(ev Event)
}
