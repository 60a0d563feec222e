package redis

import (
	"context"
	"errors"
	"time"

	"github.com/felcoslop/tizap-sub000/logger"
	"github.com/felcoslop/tizap-sub000/persistence"
	rd "github.com/go-redis/redis/v9"
	"go.uber.org/zap"
)

var _ persistence.Queue = new(redisQueue)

type redisQueue struct {
	*baseDao
}

func NewRedisQueue(conf Config) *redisQueue {
	return &redisQueue{
		baseDao: newBaseDao(conf),
	}
}

func (rq *redisQueue) Push(ctx context.Context, queueName string, message []byte) error {
	queueName = rq.getNamespaceKey(queueName)
	err := rq.redisClient.LPush(ctx, queueName, message).Err()
	if err != nil {
		logger.Error("error while push to redis list", zap.String("queue", queueName), zap.Error(err))
		return persistence.StorageLayerError{Message: err.Error()}
	}
	return nil
}

func (rq *redisQueue) Pop(ctx context.Context, queueName string, timeout time.Duration) ([]byte, error) {
	queueName = rq.getNamespaceKey(queueName)
	values, err := rq.redisClient.BRPop(ctx, timeout, queueName).Result()
	if err != nil {
		if errors.Is(err, rd.Nil) {
			return nil, persistence.EmptyQueueError{}
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		logger.Error("error while pop from redis list", zap.String("queue", queueName), zap.Error(err))
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	// BRPOP replies with [key, value].
	if len(values) < 2 {
		return nil, persistence.EmptyQueueError{}
	}
	return []byte(values[1]), nil
}
