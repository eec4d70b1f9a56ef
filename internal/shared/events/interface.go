package events

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Event types emitted by the follow-up core
const (
	TypeSyncCompleted    = "sync.completed"
	TypeSyncFailed       = "sync.failed"
	TypeCallTransitioned = "call.transitioned"
	TypeAlertRaised      = "alert.raised"
	TypeAlertResolved    = "alert.resolved"
	TypeAlertIgnored     = "alert.ignored"
)

// Event represents a domain event
type Event struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Source    string    `json:"source"`
	Subject   string    `json:"subject,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Actor     string    `json:"actor,omitempty"`
	Data      any       `json:"data"`
}

// NewEvent creates a new event with auto-generated ID and timestamp
func NewEvent(eventType, source, subject string, data any) Event {
	return Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Subject:   subject,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// WithActor sets who caused the event
func (e Event) WithActor(actor string) Event {
	e.Actor = actor
	return e
}

// Publisher delivers events to a sink. Publishing happens after the state
// change is committed; a publish failure never undoes the change.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Health(ctx context.Context) error
	Close() error
}

// Nop discards events
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Health(context.Context) error         { return nil }
func (Nop) Close() error                         { return nil }

// Emitter publishes best-effort: failures are logged and swallowed.
type Emitter struct {
	pub Publisher
	log *zap.Logger
}

// NewEmitter wraps pub. A nil pub discards events.
func NewEmitter(pub Publisher, log *zap.Logger) *Emitter {
	if pub == nil {
		pub = Nop{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Emitter{pub: pub, log: log}
}

// Emit publishes the event with a bounded timeout.
func (e *Emitter) Emit(ctx context.Context, event Event) {
	if e == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if err := e.pub.Publish(ctx, event); err != nil {
		e.log.Warn("failed to publish event",
			zap.String("event_type", event.Type),
			zap.String("event_id", event.ID),
			zap.Error(err),
		)
	}
}

var (
	_ Publisher = Nop{}
	_ Publisher = (*Bus)(nil)
	_ Publisher = (*RedisPublisher)(nil)
)
