// Package queue is the Redis-backed work queue of pending source URLs.
// Entries are bare UTF-8 canonical URLs, one list element per source.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"kbingest/internal/config"
	"kbingest/internal/logging"
)

// ErrEmpty signals that no URL became available within the pop timeout.
var ErrEmpty = errors.New("queue empty")

// Queue wraps a Redis list.
type Queue struct {
	client     *redis.Client
	key        string
	popTimeout time.Duration
}

// New builds a queue client from configuration. The connection is lazy; use
// Ping to verify reachability at startup.
func New(cfg *config.Config) *Queue {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.QueueAddr,
		Password: cfg.QueuePassword,
	})
	return &Queue{
		client:     client,
		key:        cfg.QueueKey,
		popTimeout: cfg.PopTimeout,
	}
}

// Ping verifies the Redis connection.
func (q *Queue) Ping(ctx context.Context) error {
	if err := q.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("queue unreachable at %s: %w", q.client.Options().Addr, err)
	}
	return nil
}

// Push appends a URL to the tail of the queue.
func (q *Queue) Push(ctx context.Context, url string) error {
	url = strings.TrimSpace(url)
	if url == "" {
		return errors.New("refusing to enqueue empty URL")
	}
	if err := q.client.RPush(ctx, q.key, url).Err(); err != nil {
		return fmt.Errorf("failed to enqueue %s: %w", url, err)
	}
	logging.QueueDebug("Enqueued %s", url)
	return nil
}

// Pop blocks up to the configured timeout for the next URL. Returns ErrEmpty
// on timeout so the worker loop can distinguish idleness from breakage.
func (q *Queue) Pop(ctx context.Context) (string, error) {
	res, err := q.client.BLPop(ctx, q.popTimeout, q.key).Result()
	if err == redis.Nil {
		return "", ErrEmpty
	}
	if err != nil {
		return "", fmt.Errorf("queue pop failed: %w", err)
	}
	// BLPOP returns [key, value]
	if len(res) != 2 {
		return "", fmt.Errorf("unexpected BLPOP reply of %d elements", len(res))
	}
	logging.QueueDebug("Popped %s", res[1])
	return res[1], nil
}

// Depth returns the number of pending URLs.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	n, err := q.client.LLen(ctx, q.key).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read queue depth: %w", err)
	}
	return n, nil
}

// Close releases the Redis connection.
func (q *Queue) Close() error {
	return q.client.Close()
}
