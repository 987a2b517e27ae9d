package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Event kinds published to the notification exchange. A downstream worker
// turns them into signer emails.
const (
	EventInvitation = "envelope.invitation"
	EventReminder   = "envelope.reminder"
	EventSigned     = "envelope.signed"
	EventDeclined   = "envelope.declined"
	EventCompleted  = "envelope.completed"
	EventVoided     = "envelope.voided"
)

// Event is the message body for every notification kind. Recipient fields are
// filled for signer-facing kinds; owner-facing kinds identify the envelope
// only.
type Event struct {
	Kind           string    `json:"kind"`
	EnvelopeID     string    `json:"envelopeId"`
	EnvelopeTitle  string    `json:"envelopeTitle"`
	OwnerID        string    `json:"ownerId"`
	RecipientEmail string    `json:"recipientEmail,omitempty"`
	RecipientName  string    `json:"recipientName,omitempty"`
	SignLink       string    `json:"signLink,omitempty"`
	Reason         string    `json:"reason,omitempty"`
	OccurredAt     time.Time `json:"occurredAt"`
}

// Notifier delivers workflow events. Delivery is best effort: callers log
// failures and move on, state transitions never depend on it.
type Notifier interface {
	Publish(ctx context.Context, ev Event) error
}

// AMQPNotifier publishes events to a RabbitMQ topic exchange, routing key
// equal to the event kind.
type AMQPNotifier struct {
	mu       sync.Mutex
	url      string
	exchange string
	conn     *amqp.Connection
	ch       *amqp.Channel
}

// NewAMQPNotifier connects to RabbitMQ and declares the exchange.
func NewAMQPNotifier(url, exchange string) (*AMQPNotifier, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, errors.New("amqp url required")
	}
	exchange = strings.TrimSpace(exchange)
	if exchange == "" {
		exchange = "signflow.notifications"
	}
	n := &AMQPNotifier{url: url, exchange: exchange}
	if err := n.connect(); err != nil {
		return nil, err
	}
	return n, nil
}

func (n *AMQPNotifier) connect() error {
	conn, err := amqp.Dial(n.url)
	if err != nil {
		return fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(n.exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return fmt.Errorf("declare exchange: %w", err)
	}
	n.conn = conn
	n.ch = ch
	return nil
}

// Publish sends one event, reconnecting once if the channel went away.
func (n *AMQPNotifier) Publish(ctx context.Context, ev Event) error {
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.publishLocked(ctx, ev.Kind, body); err != nil {
		if reconnErr := n.connect(); reconnErr != nil {
			return fmt.Errorf("publish event: %w", err)
		}
		return n.publishLocked(ctx, ev.Kind, body)
	}
	return nil
}

func (n *AMQPNotifier) publishLocked(ctx context.Context, routingKey string, body []byte) error {
	if n.ch == nil || n.ch.IsClosed() {
		return amqp.ErrClosed
	}
	return n.ch.PublishWithContext(ctx, n.exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
}

// Close releases the channel and connection.
func (n *AMQPNotifier) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.ch != nil {
		_ = n.ch.Close()
	}
	if n.conn != nil {
		return n.conn.Close()
	}
	return nil
}

// NopNotifier drops every event. Used when no broker is configured.
type NopNotifier struct{}

func (NopNotifier) Publish(context.Context, Event) error { return nil }
