package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	backend "github.com/redis/go-redis/v9"
)

// RedisQueue is a reliable queue on Redis lists. A received message is moved
// atomically into a processing list and stays there until it is acknowledged,
// so a crashed consumer never loses it.
type RedisQueue struct {
	client     *backend.Client
	name       string
	processing string
}

// NewRedisQueue creates a queue stored under the given list name
func NewRedisQueue(client *backend.Client, name string) *RedisQueue {
	return &RedisQueue{
		client:     client,
		name:       name,
		processing: name + ":processing",
	}
}

// Publish enqueues msg
func (q *RedisQueue) Publish(ctx context.Context, msg Message) error {
	body, err := encode(msg)
	if err != nil {
		return err
	}
	if err := q.client.LPush(ctx, q.name, body).Err(); err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

// Receive blocks up to timeout for the next message. It returns ErrEmpty if
// none arrived.
func (q *RedisQueue) Receive(ctx context.Context, timeout time.Duration) (*Delivery, error) {
	body, err := q.client.BRPopLPush(ctx, q.name, q.processing, timeout).Result()
	if errors.Is(err, backend.Nil) {
		return nil, ErrEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("failed to receive message: %w", err)
	}
	return &Delivery{Body: body}, nil
}

// Ack removes a handled delivery from the processing list
func (q *RedisQueue) Ack(ctx context.Context, d *Delivery) error {
	if err := q.client.LRem(ctx, q.processing, 1, d.Body).Err(); err != nil {
		return fmt.Errorf("failed to ack message: %w", err)
	}
	return nil
}

// Nack returns a delivery to the back of the queue for redelivery
func (q *RedisQueue) Nack(ctx context.Context, d *Delivery) error {
	_, err := q.client.TxPipelined(ctx, func(pipe backend.Pipeliner) error {
		pipe.LRem(ctx, q.processing, 1, d.Body)
		pipe.LPush(ctx, q.name, d.Body)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to nack message: %w", err)
	}
	return nil
}

// Recover moves every message left in the processing list back onto the
// queue. It is meant to run before consumers start, after a crash.
func (q *RedisQueue) Recover(ctx context.Context) (int, error) {
	n := 0
	for {
		err := q.client.RPopLPush(ctx, q.processing, q.name).Err()
		if errors.Is(err, backend.Nil) {
			return n, nil
		}
		if err != nil {
			return n, fmt.Errorf("failed to recover messages: %w", err)
		}
		n++
	}
}

// Len returns the number of messages waiting to be received
func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.name).Result()
}

// InFlight returns the number of received but unacknowledged messages
func (q *RedisQueue) InFlight(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.processing).Result()
}
