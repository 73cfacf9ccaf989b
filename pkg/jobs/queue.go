package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisQueue is a Queue on a Redis list: LPUSH to enqueue, BRPOP to
// dequeue, so jobs are processed in order.
type RedisQueue struct {
	client      *redis.Client
	key         string
	pollTimeout time.Duration
}

// NewRedisQueue connects to the Redis server at cfg.RedisURL and checks the
// connection.
func NewRedisQueue(ctx context.Context, cfg Config) (*RedisQueue, error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	return NewRedisQueueFromClient(client, cfg.Queue, cfg.PollTimeout), nil
}

// NewRedisQueueFromClient wraps an existing client.
func NewRedisQueueFromClient(client *redis.Client, key string, pollTimeout time.Duration) *RedisQueue {
	if key == "" {
		key = DefaultConfig().Queue
	}
	if pollTimeout <= 0 {
		pollTimeout = DefaultConfig().PollTimeout
	}
	return &RedisQueue{client: client, key: key, pollTimeout: pollTimeout}
}

// Push implements Queue.
func (q *RedisQueue) Push(ctx context.Context, payload []byte) error {
	return q.client.LPush(ctx, q.key, payload).Err()
}

// Pop implements Queue.
func (q *RedisQueue) Pop(ctx context.Context) ([]byte, error) {
	res, err := q.client.BRPop(ctx, q.pollTimeout, q.key).Result()
	switch {
	case errors.Is(err, redis.Nil):
		return nil, ErrNoJob
	case errors.Is(err, redis.ErrClosed):
		return nil, ErrQueueClosed
	case err != nil:
		return nil, err
	}
	// BRPOP replies with [key, value].
	if len(res) != 2 {
		return nil, fmt.Errorf("jobs: unexpected BRPOP reply of %d elements", len(res))
	}
	return []byte(res[1]), nil
}

// Len returns the number of pending jobs.
func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.key).Result()
}

// Close implements Queue.
func (q *RedisQueue) Close() error {
	return q.client.Close()
}

// MemoryQueue is an in-process Queue for tests and single-binary setups.
type MemoryQueue struct {
	ch        chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// NewMemoryQueue returns a queue buffering up to size jobs.
func NewMemoryQueue(size int) *MemoryQueue {
	return &MemoryQueue{
		ch:   make(chan []byte, size),
		done: make(chan struct{}),
	}
}

// Push implements Queue. It blocks while the buffer is full.
func (q *MemoryQueue) Push(ctx context.Context, payload []byte) error {
	select {
	case <-q.done:
		return ErrQueueClosed
	default:
	}
	select {
	case q.ch <- payload:
		return nil
	case <-q.done:
		return ErrQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pop implements Queue. Jobs still buffered are drained before a closed
// queue reports ErrQueueClosed.
func (q *MemoryQueue) Pop(ctx context.Context) ([]byte, error) {
	select {
	case p := <-q.ch:
		return p, nil
	default:
	}
	select {
	case p := <-q.ch:
		return p, nil
	case <-q.done:
		return nil, ErrQueueClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Len returns the number of buffered jobs.
func (q *MemoryQueue) Len() int {
	return len(q.ch)
}

// Close implements Queue.
func (q *MemoryQueue) Close() error {
	q.closeOnce.Do(func() { close(q.done) })
	return nil
}
