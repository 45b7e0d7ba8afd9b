// Package events fans out consent and payment state changes. Publishing is
// fire and forget: callers never wait on or depend on delivery.
package events

import (
	"context"
	"log/slog"
	"time"
)

const (
	ConsentCreated    = "consent.created"
	ConsentAuthorised = "consent.authorised"
	ConsentRejected   = "consent.rejected"
	ConsentRevoked    = "consent.revoked"
	ConsentConsumed   = "consent.consumed"
	ConsentExpired    = "consent.expired"
	PaymentCreated    = "payment.created"
	PaymentSettled    = "payment.settled"
)

type Event struct {
	Type         string         `json:"type"`
	ResourceID   string         `json:"resourceId"`
	ResourceType string         `json:"resourceType"`
	Data         map[string]any `json:"data,omitempty"`
	Time         time.Time      `json:"time"`
}

type Publisher interface {
	Publish(ctx context.Context, ev Event)
}

// New stamps an event with the current time.
func New(eventType, resourceId, resourceType string, data map[string]any) Event {
	return Event{
		Type:         eventType,
		ResourceID:   resourceId,
		ResourceType: resourceType,
		Data:         data,
		Time:         time.Now().UTC(),
	}
}

// LogPublisher writes every event to a logger.
type LogPublisher struct {
	Logger *slog.Logger
}

func (p LogPublisher) Publish(ctx context.Context, ev Event) {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}

	logger.InfoContext(ctx, "event",
		"type", ev.Type,
		"resource_id", ev.ResourceID,
		"resource_type", ev.ResourceType,
	)
}

// Nop drops every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) {}

// Multi publishes to each publisher in turn.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, ev Event) {
	for _, p := range m {
		p.Publish(ctx, ev)
	}
}
