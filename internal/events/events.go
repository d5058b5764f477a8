// Package events publishes best-effort live notifications about job
// lifecycle transitions. Publisher failures never affect a job: the
// scheduler wraps every call so errors only log.
package events

import (
	"context"
	"time"

	"github.com/mertmtlu/teias-scheduler/pkg/types"
)

// EventType names the lifecycle notifications clients can subscribe to.
type EventType string

// Event types
const (
	ExecutionStarted   EventType = "execution-started"
	StatusChanged      EventType = "status-changed"
	ExecutionCompleted EventType = "execution-completed"
)

// Event is a single live notification keyed by job and user.
type Event struct {
	Type      EventType       `json:"type"`
	JobID     types.JobID     `json:"job_id"`
	UserID    types.UserID    `json:"user_id"`
	Status    types.JobStatus `json:"status"`
	Detail    string          `json:"detail,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Publisher is the optional event stream contract. Implementations must not
// block the caller for long; the scheduler never waits for an ack.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// NopPublisher discards every event.
type NopPublisher struct{}

func (NopPublisher) Publish(ctx context.Context, ev Event) error { return nil }
func (NopPublisher) Close() error                                { return nil }
