package redis

import (
	"context"
	"fmt"

	redis "github.com/redis/go-redis/v9"
)

// Config configures the Redis consumer.
type Config struct {
	Addr     string
	Password string
	DB       int
	Key      string
}

// Consumer drains event rows queued in a Redis list.
type Consumer struct {
	client *redis.Client
	key    string
}

// NewConsumer creates a Redis consumer for list-based queues.
func NewConsumer(cfg Config) (*Consumer, error) {
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:6379"
	}
	if cfg.Key == "" {
		return nil, fmt.Errorf("redis key is required")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	return &Consumer{
		client: client,
		key:    cfg.Key,
	}, nil
}

// Drain pops every message currently in the list, oldest first, and stops at
// the first empty pop. The event table is a batch input, so it never blocks.
func (c *Consumer) Drain(ctx context.Context) ([][]byte, error) {
	var out [][]byte
	for {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		res, err := c.client.LPop(ctx, c.key).Result()
		if err == redis.Nil {
			return out, nil
		}
		if err != nil {
			return out, fmt.Errorf("pop %s: %w", c.key, err)
		}
		out = append(out, []byte(res))
	}
}

// Close closes the consumer.
func (c *Consumer) Close() error {
	return c.client.Close()
}
