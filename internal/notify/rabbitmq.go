package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	amqp "github.com/rabbitmq/amqp091-go"
)

// amqpPublisher is the subset of *amqp.Channel the channel uses.
type amqpPublisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// RabbitMQ publishes alert events to a topic exchange with routing key
// alert.<priority>.
type RabbitMQ struct {
	conn     *amqp.Connection
	ch       amqpPublisher
	exchange string
}

// NewRabbitMQ dials the broker and declares the exchange.
func NewRabbitMQ(cfg domain.RabbitMQConfig) (*RabbitMQ, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to open rabbitmq channel: %w", err)
	}

	if err := ch.ExchangeDeclare(cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("failed to declare exchange %s: %w", cfg.Exchange, err)
	}

	return &RabbitMQ{conn: conn, ch: ch, exchange: cfg.Exchange}, nil
}

// Name implements domain.NotificationChannel. RabbitMQ stands in for the bus
// as the structured event channel.
func (r *RabbitMQ) Name() string {
	return domain.ChannelEvent
}

// Send implements domain.NotificationChannel.
func (r *RabbitMQ) Send(ctx context.Context, a *domain.Alert) error {
	body, err := marshalEvent(a)
	if err != nil {
		return fmt.Errorf("marshal alert event: %w", err)
	}

	key := "alert." + strings.ToLower(string(a.Priority))
	err = r.ch.PublishWithContext(ctx, r.exchange, key, false, false, amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqp.Persistent,
		MessageId:    a.ID,
		Timestamp:    time.Now(),
	})
	if err != nil {
		return fmt.Errorf("publish to %s: %w", r.exchange, err)
	}
	return nil
}

// Close closes the channel and the connection.
func (r *RabbitMQ) Close() error {
	if r.ch != nil {
		_ = r.ch.Close()
	}
	if r.conn != nil {
		return r.conn.Close()
	}
	return nil
}
