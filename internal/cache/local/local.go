// Package local provides in-process twins of the Redis-backed cache, lock,
// rate limiter and event bus. They back the memory driver and unit tests.
package local

import (
	"context"
	"fmt"
	"path"
	"strconv"
	"sync"
	"time"

	"github.com/alanyoungcy/shieldmarket/internal/domain"
)

// PriceCache implements domain.PriceCache in memory.
type PriceCache struct {
	mu     sync.RWMutex
	prices map[string]price
}

type price struct {
	yes, no float64
	ts      time.Time
}

var _ domain.PriceCache = (*PriceCache)(nil)

// NewPriceCache creates an empty PriceCache.
func NewPriceCache() *PriceCache {
	return &PriceCache{prices: map[string]price{}}
}

// SetPrice stores the latest prices for a market.
func (c *PriceCache) SetPrice(_ context.Context, marketID string, yes, no float64, ts time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prices[marketID] = price{yes: yes, no: no, ts: ts}
	return nil
}

// GetPrice returns cached prices or domain.ErrNotFound.
func (c *PriceCache) GetPrice(_ context.Context, marketID string) (float64, float64, time.Time, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.prices[marketID]
	if !ok {
		return 0, 0, time.Time{}, domain.ErrNotFound
	}
	return p.yes, p.no, p.ts, nil
}

// LockManager implements domain.LockManager with TTL-bounded in-process locks.
type LockManager struct {
	mu   sync.Mutex
	held map[string]lease
	now  func() time.Time
	seq  uint64
}

type lease struct {
	token   uint64
	expires time.Time
}

var _ domain.LockManager = (*LockManager)(nil)

// NewLockManager creates a LockManager.
func NewLockManager() *LockManager {
	return &LockManager{held: map[string]lease{}, now: time.Now}
}

// Acquire takes key until unlock is called or ttl passes.
func (lm *LockManager) Acquire(_ context.Context, key string, ttl time.Duration) (func(), error) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	now := lm.now()
	if l, ok := lm.held[key]; ok && now.Before(l.expires) {
		return nil, domain.ErrLockHeld
	}
	lm.seq++
	token := lm.seq
	lm.held[key] = lease{token: token, expires: now.Add(ttl)}

	var once sync.Once
	return func() {
		once.Do(func() {
			lm.mu.Lock()
			defer lm.mu.Unlock()
			if l, ok := lm.held[key]; ok && l.token == token {
				delete(lm.held, key)
			}
		})
	}, nil
}

// RateLimiter implements domain.RateLimiter with per-key sliding windows.
type RateLimiter struct {
	mu   sync.Mutex
	hits map[string][]time.Time
	now  func() time.Time
}

var _ domain.RateLimiter = (*RateLimiter)(nil)

// NewRateLimiter creates a RateLimiter.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{hits: map[string][]time.Time{}, now: time.Now}
}

// Allow counts one request for key against limit per window.
func (rl *RateLimiter) Allow(_ context.Context, key string, limit int, window time.Duration) (bool, error) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := rl.now()
	cutoff := now.Add(-window)
	kept := rl.hits[key][:0]
	for _, t := range rl.hits[key] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) >= limit {
		rl.hits[key] = kept
		return false, nil
	}
	rl.hits[key] = append(kept, now)
	return true, nil
}

// Bus implements domain.SignalBus in process. Subscribers that fall behind
// drop messages rather than block publishers.
type Bus struct {
	mu      sync.RWMutex
	subs    map[int]subscriber
	nextSub int
	streams map[string][]domain.StreamMessage
	maxLen  int
}

type subscriber struct {
	pattern string
	ch      chan []byte
}

var _ domain.SignalBus = (*Bus)(nil)

// NewBus creates a Bus keeping at most maxLen entries per stream.
func NewBus(maxLen int) *Bus {
	if maxLen <= 0 {
		maxLen = 10000
	}
	return &Bus{subs: map[int]subscriber{}, streams: map[string][]domain.StreamMessage{}, maxLen: maxLen}
}

// Publish delivers payload to every subscriber whose pattern matches channel.
func (b *Bus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if ok, _ := path.Match(s.pattern, channel); !ok {
			continue
		}
		select {
		case s.ch <- append([]byte(nil), payload...):
		default:
		}
	}
	return nil
}

// Subscribe registers a glob pattern. The channel closes when ctx is done.
func (b *Bus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	if _, err := path.Match(channel, ""); err != nil {
		return nil, fmt.Errorf("local: subscribe %s: %w", channel, err)
	}
	ch := make(chan []byte, 128)
	b.mu.Lock()
	id := b.nextSub
	b.nextSub++
	b.subs[id] = subscriber{pattern: channel, ch: ch}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
		close(ch)
	}()
	return ch, nil
}

// StreamAppend appends payload to stream, trimming the oldest entries.
func (b *Bus) StreamAppend(_ context.Context, stream string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	entries := b.streams[stream]
	var seq int64 = 1
	if n := len(entries); n > 0 {
		last, _ := strconv.ParseInt(entries[n-1].ID, 10, 64)
		seq = last + 1
	}
	entries = append(entries, domain.StreamMessage{ID: strconv.FormatInt(seq, 10), Payload: append([]byte(nil), payload...)})
	if len(entries) > b.maxLen {
		entries = entries[len(entries)-b.maxLen:]
	}
	b.streams[stream] = entries
	return nil
}

// StreamRead returns up to count entries with IDs greater than lastID.
func (b *Bus) StreamRead(_ context.Context, stream string, lastID string, count int) ([]domain.StreamMessage, error) {
	after, err := strconv.ParseInt(lastID, 10, 64)
	if err != nil {
		after = 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []domain.StreamMessage
	for _, m := range b.streams[stream] {
		id, _ := strconv.ParseInt(m.ID, 10, 64)
		if id <= after {
			continue
		}
		out = append(out, m)
		if count > 0 && len(out) == count {
			break
		}
	}
	return out, nil
}
