// Package redis implements the price cache, distributed locks, rate limiting
// and the event bus on top of go-redis/v9. Every key and channel is prefixed
// with the client namespace so deployments for different networks can share
// one Redis.
package redis

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// ClientConfig holds connection parameters for the Redis client.
type ClientConfig struct {
	Addr       string
	Password   string
	DB         int
	PoolSize   int
	MaxRetries int
	TLSEnabled bool
	// Namespace prefixes every key, e.g. "shieldmarket:testnet".
	Namespace string
}

// Client is the connection shared by every Redis-backed component.
type Client struct {
	rdb *redis.Client
	ns  string
}

// New connects to Redis and verifies the connection with PING.
func New(ctx context.Context, cfg ClientConfig) (*Client, error) {
	opts := &redis.Options{
		Addr:       cfg.Addr,
		Password:   cfg.Password,
		DB:         cfg.DB,
		PoolSize:   cfg.PoolSize,
		MaxRetries: cfg.MaxRetries,
	}
	if cfg.TLSEnabled {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis: ping %s: %w", cfg.Addr, err)
	}
	return &Client{rdb: rdb, ns: strings.TrimSuffix(cfg.Namespace, ":")}, nil
}

// key joins parts under the namespace.
func (c *Client) key(parts ...string) string {
	k := strings.Join(parts, ":")
	if c.ns == "" {
		return k
	}
	return c.ns + ":" + k
}

// Ping is the /healthz check.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis: ping: %w", err)
	}
	return nil
}

// Close closes the connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}
