package redis

import (
	"context"
	"strconv"
	"time"

	"github.com/felcoslop/tizap-sub000/logger"
	"github.com/felcoslop/tizap-sub000/persistence"
	rd "github.com/go-redis/redis/v9"
	"go.uber.org/zap"
)

var _ persistence.DelayQueue = new(redisDelayQueue)

type redisDelayQueue struct {
	*baseDao
	now func() time.Time
}

func NewRedisDelayQueue(conf Config) *redisDelayQueue {
	return &redisDelayQueue{
		baseDao: newBaseDao(conf),
		now:     time.Now,
	}
}

func (rq *redisDelayQueue) PushWithDelay(ctx context.Context, queueName string, delay time.Duration, message []byte) error {
	return rq.PushAt(ctx, queueName, rq.now().Add(delay), message)
}

func (rq *redisDelayQueue) PushAt(ctx context.Context, queueName string, at time.Time, message []byte) error {
	queueName = rq.getNamespaceKey(queueName)
	member := rd.Z{
		Score:  float64(at.UnixMilli()),
		Member: message,
	}
	err := rq.redisClient.ZAdd(ctx, queueName, member).Err()
	if err != nil {
		logger.Error("error while push to redis sorted set", zap.String("queue", queueName), zap.Error(err))
		return persistence.StorageLayerError{Message: err.Error()}
	}
	return nil
}

func (rq *redisDelayQueue) Pop(ctx context.Context, queueName string) ([]string, error) {
	queueName = rq.getNamespaceKey(queueName)
	upto := strconv.FormatInt(rq.now().UnixMilli(), 10)
	pipe := rq.redisClient.TxPipeline()
	zr := pipe.ZRangeByScore(ctx, queueName, &rd.ZRangeBy{Min: "0", Max: upto})
	pipe.ZRemRangeByScore(ctx, queueName, "0", upto)
	if _, err := pipe.Exec(ctx); err != nil {
		logger.Error("error while pop from redis sorted set", zap.String("queue", queueName), zap.Error(err))
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	res, err := zr.Result()
	if err != nil {
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	if len(res) == 0 {
		return nil, persistence.EmptyQueueError{}
	}
	return res, nil
}
