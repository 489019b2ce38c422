package redisstore

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/spigell/service-exchange/internal/utils"
)

const (
	defaultLockTTL   = 10 * time.Second
	lockRetryBackoff = 25 * time.Millisecond
)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Locker is a store.Locker built on SET NX with an expiry, so a crashed holder
// cannot keep a document locked for longer than the TTL.
type Locker struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	logger *zap.Logger
}

// NewLocker creates a Locker. Keys are namespaced with prefix.
func NewLocker(client *redis.Client, prefix string, ttl time.Duration, logger *zap.Logger) *Locker {
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Locker{client: client, prefix: prefix, ttl: ttl, logger: logger}
}

func (l *Locker) Lock(ctx context.Context, key string) (func(), error) {
	lockKey := l.prefix + key
	token := uuid.NewString()

	for {
		ok, err := l.client.SetNX(ctx, lockKey, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire lock %s: %w", key, err)
		}
		if ok {
			break
		}
		if err := utils.WaitFor(ctx, lockRetryBackoff); err != nil {
			return nil, fmt.Errorf("acquire lock %s: %w", key, err)
		}
	}

	return func() {
		// the caller's context may already be cancelled; release regardless
		if err := releaseScript.Run(context.Background(), l.client, []string{lockKey}, token).Err(); err != nil {
			l.logger.Warn("releasing lock failed", zap.String("key", key), zap.Error(err))
		}
	}, nil
}
