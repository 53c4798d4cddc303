package sessionlock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// unlockScript deletes the lock key only if it still holds the token this
// holder set, so a holder can never release a lock that was reclaimed and
// re-acquired by someone else after its TTL expired.
const unlockScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`

// Redis is the multi-node Locker (spec.md §4.5, "Multi-node" variant): a
// non-blocking SET NX EX per session id, scoped cluster-wide via a shared
// Redis instance, standing in for the spec's suggested database advisory
// lock when the deployment has no single shared Postgres connection per
// fleet node. TTL expiry is Redis's own reclaim-stale-locks mechanism.
type Redis struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
}

// NewRedis builds a multi-node Locker backed by client. ttl <= 0 uses
// DefaultStaleAfter as the lock's TTL.
func NewRedis(client *redis.Client, keyPrefix string, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = DefaultStaleAfter
	}
	if keyPrefix == "" {
		keyPrefix = "sessionlock:"
	}
	return &Redis{client: client, keyPrefix: keyPrefix, ttl: ttl}
}

func (l *Redis) key(sessionID string) string {
	return l.keyPrefix + sessionID
}

func (l *Redis) TryAcquire(ctx context.Context, sessionID string) (Release, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.key(sessionID), token, l.ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrHeld
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			// best-effort: a release-context failure leaves the lock to
			// expire naturally via its TTL.
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			l.client.Eval(releaseCtx, unlockScript, []string{l.key(sessionID)}, token)
		})
	}
	return release, nil
}
