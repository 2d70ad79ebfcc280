package redisclient

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// Client is the shared fast path layered between the in-process duplicate
// cache and the durable ledger. It lets multiple worker instances see each
// other's completed deliveries, and serializes concurrent dispatch of the
// same order id with a best-effort lock. Every caller degrades to the
// durable store when Redis is unavailable.
type Client struct {
	rdb *redis.Client
}

// NewClient connects to Redis and verifies the connection.
func NewClient(addr, password string, db int) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &Client{rdb: rdb}, nil
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// MarkProcessed records a completed delivery for the order id with a TTL
// matching the duplicate-suppression window.
func (c *Client) MarkProcessed(ctx context.Context, orderID string, ttl time.Duration) error {
	return c.rdb.Set(ctx, processedKey(orderID), time.Now().Unix(), ttl).Err()
}

// IsProcessed checks whether any worker instance completed this order id
// within the TTL window.
func (c *Client) IsProcessed(ctx context.Context, orderID string) (bool, error) {
	result, err := c.rdb.Exists(ctx, processedKey(orderID)).Result()
	if err != nil {
		return false, err
	}
	return result > 0, nil
}

// AcquireLock takes a short-lived dispatch lock for the order id so
// near-simultaneous redeliveries of the same message do not race into the
// downstream call together. Returns false when another worker holds it.
func (c *Client) AcquireLock(ctx context.Context, orderID string, ttl time.Duration) (bool, error) {
	return c.rdb.SetNX(ctx, lockKey(orderID), "1", ttl).Result()
}

// ReleaseLock releases the dispatch lock for the order id.
func (c *Client) ReleaseLock(ctx context.Context, orderID string) error {
	return c.rdb.Del(ctx, lockKey(orderID)).Err()
}

func processedKey(orderID string) string {
	return fmt.Sprintf("processed:%s", orderID)
}

func lockKey(orderID string) string {
	return fmt.Sprintf("lock:order:%s", orderID)
}
