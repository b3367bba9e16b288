package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/iliyamo/activity-reservation/internal/apperr"
	"github.com/iliyamo/activity-reservation/internal/service/payment"
)

// EventHandler is satisfied by *payment.Processor.
type EventHandler interface {
	HandleEvent(ctx context.Context, ev payment.Event) (*payment.Result, error)
}

// PaymentEventConsumer feeds the payment events queue into the processor.
type PaymentEventConsumer struct {
	url          string
	queue        string
	provider     string
	handler      EventHandler
	log          *slog.Logger
	requeueDelay time.Duration
}

// NewPaymentEventConsumer builds the consumer. Every event is attributed to
// provider.
func NewPaymentEventConsumer(url, queue, provider string, handler EventHandler, logger *slog.Logger) *PaymentEventConsumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &PaymentEventConsumer{
		url:          url,
		queue:        queue,
		provider:     provider,
		handler:      handler,
		log:          logger.With("component", "queue.consumer"),
		requeueDelay: 2 * time.Second,
	}
}

// Run connects, consumes and reconnects with backoff until ctx is done.
func (c *PaymentEventConsumer) Run(ctx context.Context) error {
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn, err := amqp.Dial(c.url)
		if err != nil {
			c.log.Warn("broker dial failed", "error", err, "retry_in", backoff)
			if !sleep(ctx, backoff) {
				return ctx.Err()
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second

		err = c.consume(ctx, conn)
		_ = conn.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.log.Warn("consume loop ended, reconnecting", "error", err)
		if !sleep(ctx, 2*time.Second) {
			return ctx.Err()
		}
	}
}

func (c *PaymentEventConsumer) consume(ctx context.Context, conn *amqp.Connection) error {
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("channel open: %w", err)
	}
	defer func() { _ = ch.Close() }()

	if err := ch.Qos(50, 0, false); err != nil {
		c.log.Warn("set qos failed", "error", err)
	}
	if _, err := ch.QueueDeclare(c.queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("queue declare: %w", err)
	}
	msgs, err := ch.Consume(c.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("queue consume: %w", err)
	}
	c.log.Info("consuming", "queue", c.queue)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-msgs:
			if !ok {
				return errors.New("deliveries channel closed")
			}
			requeue, err := c.handleMessage(ctx, d.Body, d.Redelivered)
			if err == nil {
				_ = d.Ack(false)
				continue
			}
			if requeue {
				// Requeued messages go back to the head; pause so a failing
				// dependency is not hammered.
				sleep(ctx, c.requeueDelay)
			}
			_ = d.Nack(false, requeue)
		}
	}
}

// handleMessage applies one delivery. requeue reports whether a failure is
// worth redelivering. An unknown payment gets one redelivery to cover a
// reservation that was still committing.
func (c *PaymentEventConsumer) handleMessage(ctx context.Context, body []byte, redelivered bool) (requeue bool, err error) {
	var msg PaymentEventMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		c.log.Warn("dropping malformed payment event", "error", err)
		return false, fmt.Errorf("unmarshal: %w", err)
	}
	ev := payment.NewEvent(c.provider, msg.EventID, msg.Status, msg.MerchantUID, msg.GatewayPaymentID)
	res, err := c.handler.HandleEvent(ctx, ev)
	if err != nil {
		switch apperr.KindOf(err) {
		case apperr.KindValidation, apperr.KindAlreadyTerminal, apperr.KindInvariantViolation:
			c.log.Warn("dropping payment event", "event_key", ev.Key, "error", err)
			return false, err
		case apperr.KindNotFound:
			if redelivered {
				c.log.Warn("dropping payment event for unknown payment", "event_key", ev.Key, "ref", ev.PaymentRef, "error", err)
				return false, err
			}
		}
		c.log.Warn("payment event will be redelivered", "event_key", ev.Key, "error", err)
		return true, err
	}
	c.log.Debug("payment event consumed", "event_key", ev.Key, "outcome", res.Outcome)
	return false, nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
