package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/shieldmarket/internal/domain"
)

// PriceCache implements domain.PriceCache using Redis hashes. Each market is
// stored at "<ns>:price:<marketID>" with fields "yes", "no" and "ts" (Unix nanos).
type PriceCache struct {
	c   *Client
	ttl time.Duration
}

var _ domain.PriceCache = (*PriceCache)(nil)

// NewPriceCache creates a PriceCache. ttl <= 0 keeps entries forever.
func NewPriceCache(c *Client, ttl time.Duration) *PriceCache {
	return &PriceCache{c: c, ttl: ttl}
}

// SetPrice stores the latest display prices of a market.
func (pc *PriceCache) SetPrice(ctx context.Context, marketID string, yes, no float64, ts time.Time) error {
	key := pc.c.key("price", marketID)
	pipe := pc.c.rdb.TxPipeline()
	pipe.HSet(ctx, key, map[string]any{
		"yes": strconv.FormatFloat(yes, 'f', -1, 64),
		"no":  strconv.FormatFloat(no, 'f', -1, 64),
		"ts":  strconv.FormatInt(ts.UnixNano(), 10),
	})
	if pc.ttl > 0 {
		pipe.Expire(ctx, key, pc.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set price %s: %w", marketID, err)
	}
	return nil
}

// GetPrice returns the cached prices or domain.ErrNotFound.
func (pc *PriceCache) GetPrice(ctx context.Context, marketID string) (float64, float64, time.Time, error) {
	vals, err := pc.c.rdb.HGetAll(ctx, pc.c.key("price", marketID)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return 0, 0, time.Time{}, fmt.Errorf("redis: get price %s: %w", marketID, err)
	}
	if len(vals) == 0 {
		return 0, 0, time.Time{}, domain.ErrNotFound
	}

	yes, err := parseFloatField(vals, "yes")
	if err != nil {
		return 0, 0, time.Time{}, fmt.Errorf("redis: get price %s: %w", marketID, err)
	}
	no, err := parseFloatField(vals, "no")
	if err != nil {
		return 0, 0, time.Time{}, fmt.Errorf("redis: get price %s: %w", marketID, err)
	}
	tsNano, err := strconv.ParseInt(vals["ts"], 10, 64)
	if err != nil {
		return 0, 0, time.Time{}, fmt.Errorf("redis: parse ts %s: %w", marketID, err)
	}
	return yes, no, time.Unix(0, tsNano), nil
}

func parseFloatField(vals map[string]string, field string) (float64, error) {
	raw, ok := vals[field]
	if !ok {
		return 0, domain.ErrNotFound
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", field, err)
	}
	return v, nil
}
