package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/felcoslop/tizap-sub000/logger"
	"github.com/felcoslop/tizap-sub000/persistence"
	"github.com/felcoslop/tizap-sub000/util"
	rd "github.com/go-redis/redis/v9"
	"go.uber.org/zap"
)

const maxTxRetries = 10

type Config struct {
	Addrs     []string
	Namespace string
}

func NewClient(conf Config) rd.UniversalClient {
	return rd.NewUniversalClient(&rd.UniversalOptions{
		Addrs: conf.Addrs,
	})
}

type baseDao struct {
	redisClient rd.UniversalClient
	namespace   string
}

func newBaseDao(conf Config) *baseDao {
	return &baseDao{
		redisClient: NewClient(conf),
		namespace:   conf.Namespace,
	}
}

func (bs *baseDao) getNamespaceKey(args ...string) string {
	return fmt.Sprintf("%s:%s", bs.namespace, strings.Join(args, ":"))
}

// watch runs fn as an optimistic transaction over keys, retrying when a
// watched key changed underneath it.
func (bs *baseDao) watch(ctx context.Context, fn func(tx *rd.Tx) error, keys ...string) error {
	for i := 0; i < maxTxRetries; i++ {
		err := bs.redisClient.Watch(ctx, fn, keys...)
		if errors.Is(err, rd.TxFailedErr) {
			continue
		}
		return err
	}
	logger.Error("redis transaction kept failing", zap.Strings("keys", keys))
	return persistence.StorageLayerError{Message: "transaction contention on " + strings.Join(keys, ",")}
}

func storageError(op string, key string, err error) error {
	logger.Error("redis "+op+" failed", zap.String("key", key), zap.Error(err))
	return persistence.StorageLayerError{Message: err.Error()}
}

// getter is satisfied by both the client and a watched *rd.Tx.
type getter interface {
	Get(ctx context.Context, key string) *rd.StringCmd
}

type hashGetter interface {
	HGet(ctx context.Context, key string, field string) *rd.StringCmd
}

func getJSON[T any](ctx context.Context, c getter, key string) (*T, error) {
	data, err := c.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, rd.Nil) {
			return nil, persistence.ErrNotFound
		}
		return nil, storageError("get", key, err)
	}
	return util.NewJsonEncoderDecoder[T]().Decode(data)
}

func hgetJSON[T any](ctx context.Context, c hashGetter, key string, field string) (*T, error) {
	data, err := c.HGet(ctx, key, field).Bytes()
	if err != nil {
		if errors.Is(err, rd.Nil) {
			return nil, persistence.ErrNotFound
		}
		return nil, storageError("hget", key, err)
	}
	return util.NewJsonEncoderDecoder[T]().Decode(data)
}

// decodeAll decodes MGet/HMGet replies, skipping missing entries.
func decodeAll[T any](values []any) ([]*T, error) {
	decoder := util.NewJsonEncoderDecoder[T]()
	out := make([]*T, 0, len(values))
	for _, v := range values {
		s, ok := v.(string)
		if !ok {
			continue
		}
		item, err := decoder.Decode([]byte(s))
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, nil
}
