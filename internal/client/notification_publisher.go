package client

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// NotificationPublisher publishes approval workflow events to NATS JetStream
// for consumption by downstream notification delivery.
//
// Subject convention: notifications.approvals.<event_type>
// Event types: request_submitted, approval_required, request_approved,
// request_rejected, changes_requested, request_processed
//
// All publish operations are non-fatal. Errors are logged but never propagated
// to the caller, so notification failures never interrupt approval operations.
type NotificationPublisher struct {
	js  jetstream.JetStream
	log zerolog.Logger
}

// NotificationEvent is the JSON schema published to NATS.
type NotificationEvent struct {
	EventType    string         `json:"event_type"`
	ActorID      string         `json:"actor_id"`
	Recipients   []string       `json:"recipients"`
	ResourceType string         `json:"resource_type,omitempty"`
	ResourceID   string         `json:"resource_id,omitempty"`
	Severity     string         `json:"severity,omitempty"`
	Category     string         `json:"category,omitempty"`
	Payload      map[string]any `json:"payload,omitempty"`
}

// NewNotificationPublisher connects to NATS and ensures the stream exists.
// A nil *NotificationPublisher is valid and drops all events.
func NewNotificationPublisher(ctx context.Context, url, stream string, log zerolog.Logger) (*NotificationPublisher, error) {
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     stream,
		Subjects: []string{"notifications.>"},
	})
	if err != nil {
		return nil, fmt.Errorf("ensure notification stream: %w", err)
	}

	return &NotificationPublisher{js: js, log: log}, nil
}

// PublishRequestEvent publishes an approval workflow event.
// Subject: notifications.approvals.<eventType>
func (p *NotificationPublisher) PublishRequestEvent(ctx context.Context, eventType, requestType, requestID, actorID string, recipients []string, payload map[string]any) {
	if p == nil || p.js == nil {
		return
	}
	if len(recipients) == 0 {
		return
	}

	event := &NotificationEvent{
		EventType:    eventType,
		ActorID:      actorID,
		Recipients:   recipients,
		ResourceType: requestType,
		ResourceID:   requestID,
		Severity:     "info",
		Category:     "approvals",
		Payload:      payload,
	}

	data, err := json.Marshal(event)
	if err != nil {
		p.log.Warn().Err(err).Str("event_type", eventType).Msg("notification: failed to marshal event")
		return
	}

	subject := fmt.Sprintf("notifications.approvals.%s", eventType)
	if _, err := p.js.Publish(ctx, subject, data); err != nil {
		p.log.Warn().Err(err).
			Str("subject", subject).
			Str("request_id", requestID).
			Msg("notification: failed to publish event (non-fatal)")
		return
	}

	p.log.Debug().
		Str("subject", subject).
		Str("request_id", requestID).
		Int("recipients", len(recipients)).
		Msg("notification: event published")
}
