package redis

import (
	"context"
	"sort"

	"github.com/felcoslop/tizap-sub000/model"
	"github.com/felcoslop/tizap-sub000/persistence"
	"github.com/felcoslop/tizap-sub000/util"
	rd "github.com/go-redis/redis/v9"
)

var _ persistence.FlowStorage = new(redisFlowDao)

type redisFlowDao struct {
	*baseDao
	flowEncDec       util.EncoderDecoder[model.Flow]
	automationEncDec util.EncoderDecoder[model.Automation]
}

func newRedisFlowDao(base *baseDao) *redisFlowDao {
	return &redisFlowDao{
		baseDao:          base,
		flowEncDec:       util.NewJsonEncoderDecoder[model.Flow](),
		automationEncDec: util.NewJsonEncoderDecoder[model.Automation](),
	}
}

func (rf *redisFlowDao) SaveFlow(ctx context.Context, flow *model.Flow) error {
	key := rf.getNamespaceKey(persistence.FLOW_PREFIX)
	data, err := rf.flowEncDec.Encode(*flow)
	if err != nil {
		return err
	}
	if err := rf.redisClient.HSet(ctx, key, flow.Id, data).Err(); err != nil {
		return storageError("hset", key, err)
	}
	return nil
}

func (rf *redisFlowDao) GetFlow(ctx context.Context, id string) (*model.Flow, error) {
	return hgetJSON[model.Flow](ctx, rf.redisClient, rf.getNamespaceKey(persistence.FLOW_PREFIX), id)
}

func (rf *redisFlowDao) ownerIndexKey(ownerId string) string {
	return rf.getNamespaceKey(persistence.AUTOMATION_PREFIX, "owner", ownerId)
}

func (rf *redisFlowDao) SaveAutomation(ctx context.Context, automation *model.Automation) error {
	key := rf.getNamespaceKey(persistence.AUTOMATION_PREFIX)
	data, err := rf.automationEncDec.Encode(*automation)
	if err != nil {
		return err
	}
	_, err = rf.redisClient.TxPipelined(ctx, func(pipe rd.Pipeliner) error {
		pipe.HSet(ctx, key, automation.Id, data)
		pipe.ZAdd(ctx, rf.ownerIndexKey(automation.OwnerId), rd.Z{Score: float64(automation.CreatedAt.UnixMilli()), Member: automation.Id})
		return nil
	})
	if err != nil {
		return storageError("save automation", key, err)
	}
	return nil
}

func (rf *redisFlowDao) GetAutomation(ctx context.Context, id string) (*model.Automation, error) {
	return hgetJSON[model.Automation](ctx, rf.redisClient, rf.getNamespaceKey(persistence.AUTOMATION_PREFIX), id)
}

func (rf *redisFlowDao) ListAutomations(ctx context.Context, ownerId string) ([]*model.Automation, error) {
	indexKey := rf.ownerIndexKey(ownerId)
	ids, err := rf.redisClient.ZRange(ctx, indexKey, 0, -1).Result()
	if err != nil {
		return nil, storageError("zrange", indexKey, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	key := rf.getNamespaceKey(persistence.AUTOMATION_PREFIX)
	values, err := rf.redisClient.HMGet(ctx, key, ids...).Result()
	if err != nil {
		return nil, storageError("hmget", key, err)
	}
	out, err := decodeAll[model.Automation](values)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].Id < out[j].Id
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}
