package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/canopy-network/pnlticks/pkg/retry"
	"github.com/canopy-network/pnlticks/pkg/utils"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Client wraps the Redis client backing the latest-tick cache and the run lock.
type Client struct {
	client *redis.Client
	logger *zap.Logger
}

// NewClient connects to REDIS_HOST:REDIS_PORT (localhost:6379) using
// REDIS_PASSWORD and database REDIS_DB (0), retrying the first ping.
func NewClient(ctx context.Context, logger *zap.Logger) (*Client, error) {
	host := utils.Env("REDIS_HOST", "localhost")
	port := utils.Env("REDIS_PORT", "6379")
	password := utils.Env("REDIS_PASSWORD", "")
	db := int(utils.EnvInt64("REDIS_DB", 0))

	addr := fmt.Sprintf("%s:%s", host, port)

	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,

		// Connection pool
		PoolSize:     10,
		MinIdleConns: 2,

		// Timeouts
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	connCtx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	err := retry.WithBackoff(connCtx, retry.WriteConfig(), logger, "redis_connection", func() error {
		if err := rdb.Ping(connCtx).Err(); err != nil {
			return fmt.Errorf("failed to connect to Redis at %s: %w", addr, err)
		}
		return nil
	})
	if err != nil {
		_ = rdb.Close()
		return nil, err
	}

	logger.Info("Connected to Redis",
		zap.String("addr", addr),
		zap.Int("db", db))

	return Wrap(rdb, logger), nil
}

// Wrap adopts an already configured go-redis client.
func Wrap(rdb *redis.Client, logger *zap.Logger) *Client {
	return &Client{client: rdb, logger: logger}
}

// Close releases the connection pool.
func (c *Client) Close() error {
	return c.client.Close()
}

// GetClient exposes the go-redis client for tests and scripts.
func (c *Client) GetClient() *redis.Client {
	return c.client
}

// Health pings Redis.
func (c *Client) Health(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
