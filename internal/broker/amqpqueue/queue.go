// Package amqpqueue adapts a RabbitMQ queue to the broker lease contract.
// A message fetched with basic.get stays unacknowledged on the channel until
// it is acked or nacked, so the lease lasts until Delete or Abandon, or until
// the channel closes.
package amqpqueue

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/example/grain-size/internal/broker"
)

// Queue implements broker.Broker over one durable queue.
type Queue struct {
	mu      sync.Mutex
	conn    *amqp.Connection
	channel *amqp.Channel
	name    string
	logger  *zap.Logger
}

var _ broker.Broker = (*Queue)(nil)

// Dial connects to RabbitMQ and declares the queue.
func Dial(url, name string, logger *zap.Logger) (*Queue, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}
	if err := channel.Qos(1, 0, false); err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to set QoS: %w", err)
	}
	if _, err := channel.QueueDeclare(
		name,  // name
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	); err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare queue: %w", err)
	}
	return &Queue{conn: conn, channel: channel, name: name, logger: logger.Named("amqpqueue")}, nil
}

// Send publishes a persistent message with the given id.
func (q *Queue) Send(ctx context.Context, id, body string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.channel.PublishWithContext(ctx,
		"",     // exchange
		q.name, // routing key
		false,  // mandatory
		false,  // immediate
		amqp.Publishing{
			ContentType:  "text/plain",
			MessageId:    id,
			Body:         []byte(body),
			DeliveryMode: amqp.Persistent,
		},
	)
}

// Receive fetches one message with manual acknowledgement.
func (q *Queue) Receive(_ context.Context, lease time.Duration) (*broker.Message, error) {
	q.mu.Lock()
	delivery, ok, err := q.channel.Get(q.name, false)
	q.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("basic.get on %s: %w", q.name, err)
	}
	if !ok {
		return nil, broker.ErrNoMessage
	}

	msg := toMessage(delivery, time.Now().Add(lease))
	if err := msg.Lease.Acquire(time.Time{}); err != nil {
		return nil, err
	}
	return msg, nil
}

// Delete acknowledges msg.
func (q *Queue) Delete(_ context.Context, msg *broker.Message) error {
	tag, err := strconv.ParseUint(msg.Receipt, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid delivery tag %q: %w", msg.Receipt, err)
	}
	q.mu.Lock()
	err = q.channel.Ack(tag, false)
	q.mu.Unlock()
	if err != nil {
		_ = msg.Lease.Expire()
		return fmt.Errorf("%w: %v", broker.ErrLeaseLost, err)
	}
	return msg.Lease.Ack()
}

// Abandon returns msg to the queue for redelivery.
func (q *Queue) Abandon(_ context.Context, msg *broker.Message) error {
	tag, err := strconv.ParseUint(msg.Receipt, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid delivery tag %q: %w", msg.Receipt, err)
	}
	_ = msg.Lease.Expire()
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.channel.Nack(tag, false, true)
}

// Close closes the channel and connection.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.channel != nil {
		q.channel.Close()
	}
	if q.conn != nil {
		return q.conn.Close()
	}
	return nil
}

// toMessage converts a delivery. Quorum queues report x-delivery-count;
// classic queues only flag redeliveries.
func toMessage(d amqp.Delivery, leasedUntil time.Time) *broker.Message {
	id := d.MessageId
	if id == "" {
		id = strconv.FormatUint(d.DeliveryTag, 10)
	}
	count := int64(1)
	if v, ok := d.Headers["x-delivery-count"]; ok {
		switch n := v.(type) {
		case int64:
			count = n + 1
		case int32:
			count = int64(n) + 1
		}
	} else if d.Redelivered {
		count = 2
	}
	return &broker.Message{
		ID:           id,
		Body:         string(d.Body),
		Receipt:      strconv.FormatUint(d.DeliveryTag, 10),
		DequeueCount: count,
		LeasedUntil:  leasedUntil,
		Lease:        broker.NewLease(),
	}
}
