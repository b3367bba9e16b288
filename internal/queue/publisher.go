package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/iliyamo/activity-reservation/internal/notify"
)

// Publisher sends notification requests to a durable queue. It implements
// notify.Sender. Each publish opens its own connection, so a broker restart
// never leaves the publisher holding a dead channel.
type Publisher struct {
	url   string
	queue string
	log   *slog.Logger
}

func NewPublisher(url, queue string, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{url: url, queue: queue, log: logger.With("component", "queue.publisher")}
}

var _ notify.Sender = (*Publisher)(nil)

func (p *Publisher) Send(ctx context.Context, n notify.Notification) error {
	msg, err := notificationPublishing(n, time.Now())
	if err != nil {
		return err
	}
	conn, err := amqp.Dial(p.url)
	if err != nil {
		return fmt.Errorf("rabbitmq dial: %w", err)
	}
	defer func() { _ = conn.Close() }()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("rabbitmq channel: %w", err)
	}
	defer func() { _ = ch.Close() }()

	if _, err := ch.QueueDeclare(p.queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("rabbitmq declare %s: %w", p.queue, err)
	}
	if err := ch.PublishWithContext(ctx, "", p.queue, false, false, msg); err != nil {
		return fmt.Errorf("rabbitmq publish %s: %w", p.queue, err)
	}
	p.log.DebugContext(ctx, "notification published", "type", n.Type, "user_id", n.UserID)
	return nil
}

// notificationPublishing builds a persistent JSON message.
func notificationPublishing(n notify.Notification, now time.Time) (amqp.Publishing, error) {
	body, err := json.Marshal(NotificationRequested{
		UserID:      n.UserID,
		Type:        n.Type,
		Title:       n.Title,
		Body:        n.Body,
		Data:        n.Data,
		RequestedAt: now.UTC(),
	})
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("marshal notification: %w", err)
	}
	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    now.UTC(),
		Type:         n.Type,
		Body:         body,
	}, nil
}
