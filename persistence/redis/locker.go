package redis

import (
	"context"
	"sync"
	"time"

	"github.com/felcoslop/tizap-sub000/logger"
	"github.com/felcoslop/tizap-sub000/persistence"
	rd "github.com/go-redis/redis/v9"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const LOCK_PREFIX string = "LOCK"

const lockRetryInterval = 50 * time.Millisecond

var unlockScript = rd.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

var _ persistence.Locker = new(redisLocker)

// redisLocker holds a key with SET NX PX and a random token. Only the holder
// of the token can release it.
type redisLocker struct {
	*baseDao
}

func NewRedisLocker(conf Config) *redisLocker {
	return &redisLocker{
		baseDao: newBaseDao(conf),
	}
}

func (rl *redisLocker) Lock(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	key = rl.getNamespaceKey(LOCK_PREFIX, key)
	token := uuid.NewString()
	for {
		ok, err := rl.redisClient.SetNX(ctx, key, token, ttl).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, storageError("setnx", key, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(lockRetryInterval):
		}
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			err := unlockScript.Run(context.Background(), rl.redisClient, []string{key}, token).Err()
			if err != nil {
				logger.Error("error while releasing lock", zap.String("key", key), zap.Error(err))
			}
		})
	}, nil
}
