// Package lock claims tasks so two scheduler instances sharing a database
// do not submit the same check-in concurrently.
package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Locker claims a key for ttl. The returned release func is non-nil only
// when acquired is true.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(), acquired bool, err error)
}

// Noop always grants the claim.
type Noop struct{}

func (Noop) Acquire(context.Context, string, time.Duration) (func(), bool, error) {
	return func() {}, true, nil
}

// releaseScript deletes the key only if this owner still holds it.
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

type Redis struct {
	rdb    redis.UniversalClient
	prefix string
}

func NewRedis(rdb redis.UniversalClient, prefix string) *Redis {
	if prefix == "" {
		prefix = "mornsign:claim:"
	}
	return &Redis{rdb: rdb, prefix: prefix}
}

// Dial parses a redis:// URL and returns a client.
func Dial(rawURL string) (*redis.Client, error) {
	opt, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("redis url: %w", err)
	}
	return redis.NewClient(opt), nil
}

func (r *Redis) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), bool, error) {
	k := r.prefix + key
	owner := uuid.NewString()
	ok, err := r.rdb.SetNX(ctx, k, owner, ttl).Result()
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	release := func() {
		// own context: the caller's may already be cancelled
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = releaseScript.Run(ctx, r.rdb, []string{k}, owner).Err()
	}
	return release, true, nil
}

// TaskKey is the claim key for a task id.
func TaskKey(id int64) string { return fmt.Sprintf("task:%d", id) }
