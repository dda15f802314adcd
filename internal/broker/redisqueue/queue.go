// Package redisqueue is a lease-based message queue on Redis.
//
// Each queue keeps three keys: a sorted set q:{name} scoring every message id
// by the unix millisecond at which it becomes visible, a hash q:{name}:body
// with the payloads and a hash q:{name}:receipt with the receipt of the
// current lease. Dequeue counts live in q:{name}:count.
package redisqueue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/grain-size/internal/broker"
)

// receiveScript leases the first visible message.
// KEYS: zset, body, receipt, count. ARGV: now ms, leased-until ms, receipt.
var receiveScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)
if #ids == 0 then
  return false
end
local id = ids[1]
local body = redis.call('HGET', KEYS[2], id)
if not body then
  redis.call('ZREM', KEYS[1], id)
  redis.call('HDEL', KEYS[3], id)
  redis.call('HDEL', KEYS[4], id)
  return false
end
redis.call('ZADD', KEYS[1], ARGV[2], id)
redis.call('HSET', KEYS[3], id, ARGV[3])
local count = redis.call('HINCRBY', KEYS[4], id, 1)
return {id, body, count}
`)

// deleteScript removes a message if the receipt still owns an unexpired lease.
// KEYS: zset, body, receipt, count. ARGV: id, receipt, now ms.
var deleteScript = redis.NewScript(`
if redis.call('HGET', KEYS[3], ARGV[1]) ~= ARGV[2] then
  return 0
end
local score = redis.call('ZSCORE', KEYS[1], ARGV[1])
if not score or tonumber(score) <= tonumber(ARGV[3]) then
  return 0
end
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('HDEL', KEYS[2], ARGV[1])
redis.call('HDEL', KEYS[3], ARGV[1])
redis.call('HDEL', KEYS[4], ARGV[1])
return 1
`)

// Queue implements broker.Broker.
type Queue struct {
	client redis.UniversalClient
	name   string
	keys   []string
	logger *zap.Logger
	now    func() time.Time
}

var _ broker.Broker = (*Queue)(nil)

// New wraps an existing Redis client.
func New(client redis.UniversalClient, name string, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	base := "q:" + name
	return &Queue{
		client: client,
		name:   name,
		keys:   []string{base, base + ":body", base + ":receipt", base + ":count"},
		logger: logger.Named("redisqueue"),
		now:    time.Now,
	}
}

// Dial connects to the Redis instance at rawURL (redis://...) and verifies it
// with PING.
func Dial(ctx context.Context, rawURL, name string, logger *zap.Logger) (*Queue, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse broker url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to broker: %w", err)
	}
	return New(client, name, logger), nil
}

// Send enqueues a message that is visible immediately. Sending an id that is
// already queued replaces its body and keeps its current visibility.
func (q *Queue) Send(ctx context.Context, id, body string) error {
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, q.keys[1], id, body)
		pipe.ZAddNX(ctx, q.keys[0], &redis.Z{Score: float64(q.now().UnixMilli()), Member: id})
		return nil
	})
	return err
}

// Receive leases the first visible message for the given duration.
func (q *Queue) Receive(ctx context.Context, lease time.Duration) (*broker.Message, error) {
	now := q.now()
	until := now.Add(lease)
	receipt := uuid.NewString()

	res, err := receiveScript.Run(ctx, q.client, q.keys, now.UnixMilli(), until.UnixMilli(), receipt).Result()
	if errors.Is(err, redis.Nil) {
		return nil, broker.ErrNoMessage
	}
	if err != nil {
		return nil, fmt.Errorf("receive from %s: %w", q.name, err)
	}

	fields, ok := res.([]interface{})
	if !ok || len(fields) != 3 {
		return nil, fmt.Errorf("receive from %s: unexpected reply %v", q.name, res)
	}
	id, _ := fields[0].(string)
	body, _ := fields[1].(string)
	count, _ := fields[2].(int64)

	msg := &broker.Message{
		ID:           id,
		Body:         body,
		Receipt:      receipt,
		DequeueCount: count,
		LeasedUntil:  until,
		Lease:        broker.NewLeaseWithClock(q.now),
	}
	if err := msg.Lease.Acquire(until); err != nil {
		return nil, err
	}
	return msg, nil
}

// Delete acknowledges msg. ErrLeaseLost is returned when the lease expired or
// another worker re-leased the message.
func (q *Queue) Delete(ctx context.Context, msg *broker.Message) error {
	removed, err := deleteScript.Run(ctx, q.client, q.keys, msg.ID, msg.Receipt, q.now().UnixMilli()).Int64()
	if err != nil {
		return fmt.Errorf("delete %s from %s: %w", msg.ID, q.name, err)
	}
	if removed == 0 {
		if msg.Lease != nil {
			_ = msg.Lease.Expire()
		}
		return broker.ErrLeaseLost
	}
	if msg.Lease != nil {
		if err := msg.Lease.Ack(); err != nil {
			q.logger.Warn("lease deadline passed before acknowledgement landed",
				zap.String("message_id", msg.ID), zap.Error(err))
		}
	}
	return nil
}

// Abandon leaves msg on the queue. It becomes visible again once the lease
// deadline passes.
func (q *Queue) Abandon(_ context.Context, msg *broker.Message) error {
	if msg.Lease != nil {
		return msg.Lease.Expire()
	}
	return nil
}

// Len returns the number of queued messages, leased or not.
func (q *Queue) Len(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, q.keys[0]).Result()
}

// Close releases the Redis client.
func (q *Queue) Close() error {
	return q.client.Close()
}
