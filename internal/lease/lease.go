// Package lease provides a Redis-backed mutual exclusion lease so that only
// one lotwatch instance runs a cycle at a time.
package lease

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrHeld means another owner holds the lease.
var ErrHeld = errors.New("lease held by another instance")

const DefaultKey = "lotwatch:cycle"

// releaseScript deletes the key only if we still own it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type Redis struct {
	client *redis.Client
	key    string
	ttl    time.Duration
}

// NewRedis connects and pings. ttl bounds how long a crashed holder blocks others.
func NewRedis(ctx context.Context, redisURL, key string, ttl time.Duration) (*Redis, error) {
	opts, err := redis.ParseURL(strings.TrimSpace(redisURL))
	if err != nil {
		return nil, fmt.Errorf("redis.ParseURL: %w", err)
	}
	if key == "" {
		key = DefaultKey
	}
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return &Redis{client: rdb, key: key, ttl: ttl}, nil
}

// Acquire takes the lease or returns ErrHeld. The returned release is
// idempotent and never deletes a lease someone else has since taken.
func (r *Redis) Acquire(ctx context.Context) (func(context.Context) error, error) {
	token := uuid.NewString()
	ok, err := r.client.SetNX(ctx, r.key, token, r.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("lease acquire: %w", err)
	}
	if !ok {
		return nil, ErrHeld
	}
	return func(ctx context.Context) error {
		if err := releaseScript.Run(ctx, r.client, []string{r.key}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("lease release: %w", err)
		}
		return nil
	}, nil
}

func (r *Redis) Close() error { return r.client.Close() }
