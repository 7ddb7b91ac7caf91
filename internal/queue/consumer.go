package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

var _ Consumer = (*RabbitMQConsumer)(nil)

var errDeliveriesClosed = errors.New("delivery channel closed")

// RabbitMQConsumer feeds campaign run messages to a handler, reopening its
// channel with backoff whenever the broker drops it.
type RabbitMQConsumer struct {
	client   *RabbitMQ
	prefetch int
	logger   *zap.Logger
}

func NewRabbitMQConsumer(client *RabbitMQ, prefetch int, logger *zap.Logger) *RabbitMQConsumer {
	if prefetch < 1 {
		prefetch = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &RabbitMQConsumer{
		client:   client,
		prefetch: prefetch,
		logger:   logger,
	}
}

// Consume blocks until ctx is done. Session failures are logged and retried.
func (c *RabbitMQConsumer) Consume(ctx context.Context, queue string, handler MessageHandler) error {
	if c == nil || c.client == nil {
		return fmt.Errorf("consumer is not initialized")
	}
	if queue == "" {
		return fmt.Errorf("queue name is required")
	}
	if handler == nil {
		return fmt.Errorf("message handler is required")
	}

	retry := newBackoff(reconnectBackoff, maxBackoff)
	for ctx.Err() == nil {
		err := c.session(ctx, queue, handler)
		if ctx.Err() != nil {
			break
		}
		if err == nil {
			retry.Reset()
			continue
		}

		c.logger.Warn("consumer session ended, reconnecting",
			zap.String("queue", queue),
			zap.Error(err),
		)
		if retry.Wait(ctx) != nil {
			break
		}
	}
	return nil
}

// session holds one channel open and drains deliveries until the channel or
// ctx closes.
func (c *RabbitMQConsumer) session(ctx context.Context, queue string, handler MessageHandler) error {
	ch, err := c.client.channel(ctx)
	if err != nil {
		return err
	}
	defer ch.Close() //nolint:errcheck // best-effort channel close

	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		return fmt.Errorf("failed to set qos: %w", err)
	}

	deliveries, err := ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to consume queue %q: %w", queue, err)
	}

	return c.drain(ctx, deliveries, handler)
}

func (c *RabbitMQConsumer) drain(ctx context.Context, deliveries <-chan amqp.Delivery, handler MessageHandler) error {
	for {
		var (
			d  amqp.Delivery
			ok bool
		)
		select {
		case <-ctx.Done():
			return nil
		case d, ok = <-deliveries:
		}
		if !ok {
			return errDeliveriesClosed
		}
		if err := c.handleDelivery(ctx, d, handler); err != nil {
			return err
		}
	}
}

// verdict is how a delivery is settled with the broker.
type verdict int

const (
	verdictAck verdict = iota
	verdictReject
	verdictDeadLetter
	verdictRequeue
)

func (v verdict) String() string {
	switch v {
	case verdictAck:
		return "ack"
	case verdictReject:
		return "reject"
	case verdictDeadLetter:
		return "dead-letter"
	case verdictRequeue:
		return "requeue"
	}
	return "unknown"
}

// handlerVerdict decides the settlement after the handler ran. ErrRequeue
// earns one redelivery; anything else goes to the dead-letter queue.
func handlerVerdict(err error, redelivered bool) verdict {
	switch {
	case err == nil:
		return verdictAck
	case errors.Is(err, ErrRequeue) && !redelivered:
		return verdictRequeue
	default:
		return verdictDeadLetter
	}
}

func settle(d amqp.Delivery, v verdict) error {
	var err error
	switch v {
	case verdictAck:
		err = d.Ack(false)
	case verdictReject:
		err = d.Reject(false)
	case verdictDeadLetter:
		err = d.Nack(false, false)
	case verdictRequeue:
		err = d.Nack(false, true)
	}
	if err != nil {
		return fmt.Errorf("failed to %s delivery: %w", v, err)
	}
	return nil
}

func decodeRunMessage(body []byte) (CampaignRunMessage, error) {
	var msg CampaignRunMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return msg, fmt.Errorf("invalid JSON: %w", err)
	}
	if err := msg.Validate(); err != nil {
		return msg, err
	}
	return msg, nil
}

func (c *RabbitMQConsumer) handleDelivery(ctx context.Context, d amqp.Delivery, handler MessageHandler) error {
	msg, err := decodeRunMessage(d.Body)
	if err != nil {
		c.logger.Warn("rejecting message",
			zap.Error(err),
			zap.String("routingKey", d.RoutingKey),
			zap.String("campaignId", msg.CampaignID),
		)
		return settle(d, verdictReject)
	}

	err = handler(ctx, msg)
	v := handlerVerdict(err, d.Redelivered)
	if err != nil {
		c.logger.Warn("campaign run handler failed",
			zap.Error(err),
			zap.String("campaignId", msg.CampaignID),
			zap.String("correlationId", msg.CorrelationID),
			zap.Stringer("settlement", v),
		)
	}
	return settle(d, v)
}

func (c *RabbitMQConsumer) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}
