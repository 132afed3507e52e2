package reset

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLockUnavailable indicates the lock backend could not be reached.
var ErrLockUnavailable = errors.New("reset lock backend unavailable")

// redisLocker implements Locker with a Redis SET NX PX lease. The release
// is token-checked so an expired holder cannot delete a successor's lock.
type redisLocker struct {
	client redis.UniversalClient
	key    string
}

// NewRedisLocker returns a Locker using the given Redis client. All
// sweeper instances must use the same key.
func NewRedisLocker(client redis.UniversalClient, key string) Locker {
	if client == nil {
		panic("reset: redis client is required")
	}
	if key == "" {
		key = "entitlements:reset:sweep"
	}
	return &redisLocker{client: client, key: key}
}

// releaseScript deletes the lock only if this holder still owns it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

func (l *redisLocker) TryLock(ctx context.Context, ttl time.Duration) (func(), bool, error) {
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, l.key, token, ttl).Result()
	if err != nil {
		return nil, false, errors.Join(ErrLockUnavailable, err)
	}
	if !ok {
		return nil, false, nil
	}

	release := func() {
		// Best effort: the TTL reclaims the lock if the release is lost.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = releaseScript.Run(releaseCtx, l.client, []string{l.key}, token).Err()
	}
	return release, true, nil
}
