// Package events implements the lifecycle event bus: a best-effort,
// off-the-hot-path publisher of job lifecycle transitions, consumed
// asynchronously by cmd/eventwriter for audit and by cmd/statsroller for
// rollups. Nothing here ever blocks or fails a dispatch operation.
package events

import "time"

// Kind enumerates the job lifecycle transitions the dispatcher reports.
type Kind string

const (
	KindCreated   Kind = "created"
	KindAssigned  Kind = "assigned"
	KindCompleted Kind = "completed"
	KindFailed    Kind = "failed"
	KindException Kind = "exception"
)

// JobEvent is an immutable record of one lifecycle transition.
type JobEvent struct {
	Handle   string
	Function string
	Kind     Kind
	At       time.Time
}

// Publisher accepts lifecycle events for asynchronous delivery. Publish
// must not block the caller for long; implementations that talk to a
// broker should buffer internally and drop on sustained backpressure
// rather than stall the dispatcher.
type Publisher interface {
	Publish(ev JobEvent)
	Close() error
}

// NoopPublisher discards every event. Used when no Kafka brokers are
// configured.
type NoopPublisher struct{}

func (NoopPublisher) Publish(JobEvent) {}
func (NoopPublisher) Close() error     { return nil }
