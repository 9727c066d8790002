package event

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Type identifies what happened.
type Type string

// Update events
const (
	OTAProgress Type = "ota.progress"
	OTAComplete Type = "ota.complete"
	OTAFailed   Type = "ota.failed"
	OTANoUpdate Type = "ota.noupdate"
)

// Activation events
const (
	ActivationResult Type = "activation.result"
)

// Event is one status notification.
type Event struct {
	ID        string          `json:"id"`
	Type      Type            `json:"type"`
	Source    string          `json:"source"`
	Timestamp time.Time       `json:"timestamp"`
	Data      any             `json:"data"`
	Context   context.Context `json:"-"`
}

// New creates an event
func New(t Type, source string, data any) *Event {
	return &Event{
		ID:        uuid.NewString(),
		Type:      t,
		Source:    source,
		Timestamp: time.Now(),
		Data:      data,
		Context:   context.Background(),
	}
}

// WithContext sets the context for the event
func (e *Event) WithContext(ctx context.Context) *Event {
	e.Context = ctx
	return e
}

// Handler handles events
type Handler func(e *Event) error

type subscription struct {
	id       uint64
	handler  Handler
	priority int
	async    bool
}
