package redis

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/shieldmarket/internal/domain"
)

// releaseLua deletes the lock only while it still carries the caller's token.
var releaseLua = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`)

// releaseTimeout bounds the release call, which runs on a fresh context.
const releaseTimeout = 5 * time.Second

// LockManager implements domain.LockManager. A lock is a key set with NX and
// a TTL whose value names the holder, so a stuck sweeper can be traced from
// redis-cli.
type LockManager struct {
	c      *Client
	holder string
}

var _ domain.LockManager = (*LockManager)(nil)

// NewLockManager creates a LockManager backed by c.
func NewLockManager(c *Client) *LockManager {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return &LockManager{c: c, holder: fmt.Sprintf("%s/%d", host, os.Getpid())}
}

// Acquire takes the lock for key or returns domain.ErrLockHeld. The lock
// lapses after ttl if never released. The release func is idempotent.
func (lm *LockManager) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	k := lm.c.key("lock", key)
	token := lm.holder + "/" + uuid.NewString()

	ok, err := lm.c.rdb.SetNX(ctx, k, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, domain.ErrLockHeld
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			rctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
			defer cancel()
			_ = releaseLua.Run(rctx, lm.c.rdb, []string{k}, token).Err()
		})
	}, nil
}
