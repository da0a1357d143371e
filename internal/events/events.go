// Package events publishes governance events.
//
// Every gate change, escalation transition, WU movement, finalize decision
// and regression is announced on NATS under
//
//	{prefix}.{project_id}.{kind}
//
// Publishing is best effort: a failed publish is logged and never changes
// the outcome of the operation that produced the event.
package events

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Kind identifies the event type and is the last subject token.
type Kind string

const (
	KindGatesChanged  Kind = "gates_changed"
	KindEscalation    Kind = "escalation"
	KindWUInitialized Kind = "wu_initialized"
	KindWUAllocated   Kind = "wu_allocated"
	KindWUTransferred Kind = "wu_transferred"
	KindFinalize      Kind = "finalize"
	KindReassess      Kind = "reassess"
	KindGateToggled   Kind = "gate_toggled"
)

// Event is one published governance event.
type Event struct {
	ID         string    `json:"id"`
	Kind       Kind      `json:"kind"`
	ProjectID  string    `json:"project_id"`
	Actor      string    `json:"actor,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
	Payload    any       `json:"payload,omitempty"`
}

// New creates an event stamped with a fresh id and the current time.
func New(kind Kind, projectID, actor string, payload any) Event {
	return Event{
		ID:         uuid.NewString(),
		Kind:       kind,
		ProjectID:  projectID,
		Actor:      actor,
		OccurredAt: time.Now().UTC(),
		Payload:    payload,
	}
}

// Publisher delivers events.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Nop discards every event.
type Nop struct{}

// Publish implements Publisher.
func (Nop) Publish(context.Context, Event) error { return nil }

// Emit publishes e and logs a failure instead of returning it.
func Emit(ctx context.Context, p Publisher, logger *zap.Logger, e Event) {
	if p == nil {
		return
	}
	if err := p.Publish(ctx, e); err != nil && logger != nil {
		logger.Warn("event publish failed",
			zap.String("kind", string(e.Kind)),
			zap.String("project.id", e.ProjectID),
			zap.Error(err),
		)
	}
}
