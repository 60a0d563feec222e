package redis

import (
	"github.com/felcoslop/tizap-sub000/persistence"
)

var _ persistence.Storage = new(RedisStorage)

// RedisStorage composes the per-entity daos over one shared client.
type RedisStorage struct {
	*redisFlowDao
	*redisSessionDao
	*redisDispatchDao
	*redisAccountDao
	base *baseDao
}

func NewRedisStorage(conf Config) *RedisStorage {
	base := newBaseDao(conf)
	return &RedisStorage{
		redisFlowDao:     newRedisFlowDao(base),
		redisSessionDao:  newRedisSessionDao(base),
		redisDispatchDao: newRedisDispatchDao(base),
		redisAccountDao:  newRedisAccountDao(base),
		base:             base,
	}
}

func (s *RedisStorage) Close() error {
	return s.base.redisClient.Close()
}
