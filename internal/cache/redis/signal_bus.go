package redis

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/shieldmarket/internal/domain"
)

// payloadField is the stream entry field holding the event body.
const payloadField = "payload"

// SignalBus implements domain.SignalBus. Live events go out over Pub/Sub;
// each stream keeps roughly the last maxLen events for replay.
type SignalBus struct {
	c      *Client
	maxLen int64
}

var _ domain.SignalBus = (*SignalBus)(nil)

// NewSignalBus creates a SignalBus. maxLen <= 0 keeps 10000 entries per
// stream.
func NewSignalBus(c *Client, maxLen int64) *SignalBus {
	if maxLen <= 0 {
		maxLen = 10_000
	}
	return &SignalBus{c: c, maxLen: maxLen}
}

// Publish sends payload to channel.
func (sb *SignalBus) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := sb.c.rdb.Publish(ctx, sb.c.key(channel), payload).Err(); err != nil {
		return fmt.Errorf("redis: publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe streams payloads published to channel until ctx is done. A
// channel containing glob characters subscribes to the pattern.
func (sb *SignalBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	name := sb.c.key(channel)
	var ps *redis.PubSub
	if strings.ContainsAny(channel, "*?[") {
		ps = sb.c.rdb.PSubscribe(ctx, name)
	} else {
		ps = sb.c.rdb.Subscribe(ctx, name)
	}
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redis: subscribe %s: %w", channel, err)
	}

	out := make(chan []byte, 128)
	go func() {
		defer close(out)
		defer ps.Close()
		in := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-in:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// StreamAppend adds payload to stream, trimming it to about maxLen entries.
func (sb *SignalBus) StreamAppend(ctx context.Context, stream string, payload []byte) error {
	err := sb.c.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: sb.c.key(stream),
		MaxLen: sb.maxLen,
		Approx: true,
		Values: map[string]any{payloadField: payload},
	}).Err()
	if err != nil {
		return fmt.Errorf("redis: stream append %s: %w", stream, err)
	}
	return nil
}

// StreamRead returns up to count entries strictly after lastID. "0" or ""
// reads from the oldest retained entry.
func (sb *SignalBus) StreamRead(ctx context.Context, stream string, lastID string, count int) ([]domain.StreamMessage, error) {
	start := "-"
	if lastID != "" && lastID != "0" {
		start = "(" + lastID
	}
	entries, err := sb.c.rdb.XRangeN(ctx, sb.c.key(stream), start, "+", int64(count)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: stream read %s: %w", stream, err)
	}

	out := make([]domain.StreamMessage, 0, len(entries))
	for _, e := range entries {
		switch v := e.Values[payloadField].(type) {
		case string:
			out = append(out, domain.StreamMessage{ID: e.ID, Payload: []byte(v)})
		case []byte:
			out = append(out, domain.StreamMessage{ID: e.ID, Payload: v})
		}
	}
	return out, nil
}
