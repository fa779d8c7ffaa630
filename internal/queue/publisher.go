package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/felixgeelhaar/sandboxgate/internal/sandbox"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher sends sandbox lifecycle events to RabbitMQ.
type Publisher struct {
	conn *Connection
}

// NewPublisher creates a publisher on conn.
func NewPublisher(conn *Connection) *Publisher {
	return &Publisher{conn: conn}
}

// Publish implements sandbox.EventPublisher.
func (p *Publisher) Publish(ctx context.Context, e sandbox.Event) error {
	msg, err := eventMessage(e)
	if err != nil {
		return err
	}
	if err := p.conn.Publish(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	slog.Debug("published event",
		"event_id", e.ID,
		"type", e.Type,
		"sandbox_id", e.SandboxID,
	)
	return nil
}

func eventMessage(e sandbox.Event) (amqp.Publishing, error) {
	body, err := json.Marshal(e)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("failed to marshal event: %w", err)
	}
	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    e.ID.String(),
		Type:         string(e.Type),
		Timestamp:    e.OccurredAt,
		Body:         body,
	}, nil
}

var _ sandbox.EventPublisher = (*Publisher)(nil)
