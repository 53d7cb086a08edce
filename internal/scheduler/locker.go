package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLockHeld is returned when another replica holds the job lock.
var ErrLockHeld = errors.New("job lock held by another replica")

// unlockScript deletes the key only while it still carries our token.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisClient is the part of the go-redis client the locker uses.
type RedisClient interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	redis.Scripter
}

// RedisLocker is a gocron.Locker backed by Redis SET NX with expiry.
type RedisLocker struct {
	client RedisClient
	prefix string
	ttl    time.Duration
}

var _ gocron.Locker = (*RedisLocker)(nil)

// NewRedisLocker returns a locker whose keys expire after ttl, so a replica
// that dies mid-job does not hold the lock forever.
func NewRedisLocker(client RedisClient, prefix string, ttl time.Duration) *RedisLocker {
	if prefix == "" {
		prefix = "outagewatch:lock:"
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &RedisLocker{client: client, prefix: prefix, ttl: ttl}
}

// NewRedisClient parses a redis:// URL into a client.
func NewRedisClient(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	return redis.NewClient(opts), nil
}

// Lock implements gocron.Locker.
func (l *RedisLocker) Lock(ctx context.Context, key string) (gocron.Lock, error) {
	k := l.prefix + key
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, k, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquiring lock %q: %w", k, err)
	}
	if !ok {
		return nil, ErrLockHeld
	}
	return &redisLock{client: l.client, key: k, token: token}, nil
}

type redisLock struct {
	client RedisClient
	key    string
	token  string
}

// Unlock releases the lock if it was not taken over after expiring.
func (l *redisLock) Unlock(ctx context.Context) error {
	if err := unlockScript.Run(ctx, l.client, []string{l.key}, l.token).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("releasing lock %q: %w", l.key, err)
	}
	return nil
}
