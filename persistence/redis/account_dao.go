package redis

import (
	"context"
	"errors"

	"github.com/felcoslop/tizap-sub000/model"
	"github.com/felcoslop/tizap-sub000/persistence"
	"github.com/felcoslop/tizap-sub000/util"
	rd "github.com/go-redis/redis/v9"
)

const ACCOUNT_PREFIX string = "ACCOUNT"
const CHANNEL_CONFIG_PREFIX string = "CHANNEL_CONFIG"
const CONTACT_CHANNEL_PREFIX string = "CONTACT_CHANNEL"

var _ persistence.AccountStorage = new(redisAccountDao)

type redisAccountDao struct {
	*baseDao
	accountEncDec util.EncoderDecoder[model.Account]
	channelEncDec util.EncoderDecoder[model.ChannelConfig]
}

func newRedisAccountDao(base *baseDao) *redisAccountDao {
	return &redisAccountDao{
		baseDao:       base,
		accountEncDec: util.NewJsonEncoderDecoder[model.Account](),
		channelEncDec: util.NewJsonEncoderDecoder[model.ChannelConfig](),
	}
}

func (ra *redisAccountDao) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	return hgetJSON[model.Account](ctx, ra.redisClient, ra.getNamespaceKey(ACCOUNT_PREFIX), id)
}

func (ra *redisAccountDao) SaveAccount(ctx context.Context, account *model.Account) error {
	key := ra.getNamespaceKey(ACCOUNT_PREFIX)
	data, err := ra.accountEncDec.Encode(*account)
	if err != nil {
		return err
	}
	if err := ra.redisClient.HSet(ctx, key, account.Id, data).Err(); err != nil {
		return storageError("hset", key, err)
	}
	return nil
}

func (ra *redisAccountDao) SaveChannelConfig(ctx context.Context, conf *model.ChannelConfig) error {
	key := ra.getNamespaceKey(CHANNEL_CONFIG_PREFIX)
	data, err := ra.channelEncDec.Encode(*conf)
	if err != nil {
		return err
	}
	if err := ra.redisClient.HSet(ctx, key, conf.Id, data).Err(); err != nil {
		return storageError("hset", key, err)
	}
	return nil
}

func (ra *redisAccountDao) GetChannelConfig(ctx context.Context, id string) (*model.ChannelConfig, error) {
	return hgetJSON[model.ChannelConfig](ctx, ra.redisClient, ra.getNamespaceKey(CHANNEL_CONFIG_PREFIX), id)
}

func (ra *redisAccountDao) SetContactChannel(ctx context.Context, ownerId string, phone string, configId string) error {
	key := ra.getNamespaceKey(CONTACT_CHANNEL_PREFIX, ownerId)
	if err := ra.redisClient.HSet(ctx, key, phone, configId).Err(); err != nil {
		return storageError("hset", key, err)
	}
	return nil
}

func (ra *redisAccountDao) ResolveChannelConfig(ctx context.Context, ownerId string, phone string) (*model.ChannelConfig, error) {
	key := ra.getNamespaceKey(CONTACT_CHANNEL_PREFIX, ownerId)
	configId, err := ra.redisClient.HGet(ctx, key, phone).Result()
	if err != nil && !errors.Is(err, rd.Nil) {
		return nil, storageError("hget", key, err)
	}
	if configId == "" {
		account, err := ra.GetAccount(ctx, ownerId)
		if err != nil && !errors.Is(err, persistence.ErrNotFound) {
			return nil, err
		}
		if account != nil {
			configId = account.DefaultChannelConfig
		}
	}
	if configId == "" {
		return nil, persistence.ErrNotFound
	}
	return ra.GetChannelConfig(ctx, configId)
}
