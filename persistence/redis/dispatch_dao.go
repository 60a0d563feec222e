package redis

import (
	"context"
	"strconv"
	"time"

	"github.com/felcoslop/tizap-sub000/model"
	"github.com/felcoslop/tizap-sub000/persistence"
	"github.com/felcoslop/tizap-sub000/util"
	rd "github.com/go-redis/redis/v9"
)

var _ persistence.DispatchStorage = new(redisDispatchDao)

// KEYS[1] rows set, KEYS[2] claim key, ARGV[1] row, ARGV[2] lease ms.
var claimRowScript = rd.NewScript(`
if redis.call("SISMEMBER", KEYS[1], ARGV[1]) == 1 then
	return 0
end
if redis.call("SET", KEYS[2], "1", "NX", "PX", ARGV[2]) then
	return 1
end
return 0
`)

type redisDispatchDao struct {
	*baseDao
	dispatchEncDec util.EncoderDecoder[model.Dispatch]
	logEncDec      util.EncoderDecoder[model.DispatchLog]
}

func newRedisDispatchDao(base *baseDao) *redisDispatchDao {
	return &redisDispatchDao{
		baseDao:        base,
		dispatchEncDec: util.NewJsonEncoderDecoder[model.Dispatch](),
		logEncDec:      util.NewJsonEncoderDecoder[model.DispatchLog](),
	}
}

func (dd *redisDispatchDao) dispatchKey(id string) string {
	return dd.getNamespaceKey(persistence.DISPATCH_PREFIX, id)
}

func (dd *redisDispatchDao) rowsKey(id string) string {
	return dd.getNamespaceKey(persistence.DISPATCH_PREFIX, "rows", id)
}

func (dd *redisDispatchDao) claimKey(id string, rowIndex int) string {
	return dd.getNamespaceKey(persistence.DISPATCH_PREFIX, "claim", id, strconv.Itoa(rowIndex))
}

func (dd *redisDispatchDao) logsKey(id string) string {
	return dd.getNamespaceKey(persistence.DISPATCH_PREFIX, "logs", id)
}

func (dd *redisDispatchDao) indexKey() string {
	return dd.getNamespaceKey(persistence.DISPATCH_PREFIX, "index")
}

func (dd *redisDispatchDao) CreateDispatch(ctx context.Context, dispatch *model.Dispatch) error {
	data, err := dd.dispatchEncDec.Encode(*dispatch)
	if err != nil {
		return err
	}
	key := dd.dispatchKey(dispatch.Id)
	created, err := dd.redisClient.SetNX(ctx, key, data, 0).Result()
	if err != nil {
		return storageError("setnx", key, err)
	}
	if !created {
		return persistence.StorageLayerError{Message: "duplicate dispatch id " + dispatch.Id}
	}
	if err := dd.redisClient.ZAdd(ctx, dd.indexKey(), rd.Z{Score: float64(dispatch.CreatedAt.UnixMilli()), Member: dispatch.Id}).Err(); err != nil {
		return storageError("zadd", dd.indexKey(), err)
	}
	return nil
}

func (dd *redisDispatchDao) GetDispatch(ctx context.Context, id string) (*model.Dispatch, error) {
	return getJSON[model.Dispatch](ctx, dd.redisClient, dd.dispatchKey(id))
}

func (dd *redisDispatchDao) UpdateDispatchStatus(ctx context.Context, id string, status model.DispatchStatus) error {
	key := dd.dispatchKey(id)
	return dd.watch(ctx, func(tx *rd.Tx) error {
		d, err := getJSON[model.Dispatch](ctx, tx, key)
		if err != nil {
			return err
		}
		d.Status = status
		data, err := dd.dispatchEncDec.Encode(*d)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe rd.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			return nil
		})
		return err
	}, key)
}

func (dd *redisDispatchDao) RecordRowResult(ctx context.Context, log *model.DispatchLog) (*model.Dispatch, bool, error) {
	key := dd.dispatchKey(log.DispatchId)
	rows := dd.rowsKey(log.DispatchId)
	row := strconv.Itoa(log.RowIndex)
	entry, err := dd.logEncDec.Encode(*log)
	if err != nil {
		return nil, false, err
	}
	var out *model.Dispatch
	recorded := false
	err = dd.watch(ctx, func(tx *rd.Tx) error {
		d, err := getJSON[model.Dispatch](ctx, tx, key)
		if err != nil {
			return err
		}
		done, err := tx.SIsMember(ctx, rows, row).Result()
		if err != nil {
			return storageError("sismember", rows, err)
		}
		out, recorded = d, false
		if done {
			return nil
		}
		if log.Status == model.ROW_SUCCESS {
			d.SuccessCount++
		} else {
			d.ErrorCount++
		}
		if log.RowIndex+1 > d.CurrentIndex {
			d.CurrentIndex = log.RowIndex + 1
		}
		if !log.CreatedAt.IsZero() {
			d.UpdatedAt = log.CreatedAt
		}
		data, err := dd.dispatchEncDec.Encode(*d)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe rd.Pipeliner) error {
			pipe.SAdd(ctx, rows, row)
			pipe.RPush(ctx, dd.logsKey(log.DispatchId), entry)
			pipe.Set(ctx, key, data, 0)
			return nil
		})
		if err == nil {
			recorded = true
		}
		return err
	}, key, rows)
	if err != nil {
		return nil, false, err
	}
	return out, recorded, nil
}

func (dd *redisDispatchDao) IsRowRecorded(ctx context.Context, dispatchId string, rowIndex int) (bool, error) {
	key := dd.dispatchKey(dispatchId)
	n, err := dd.redisClient.Exists(ctx, key).Result()
	if err != nil {
		return false, storageError("exists", key, err)
	}
	if n == 0 {
		return false, persistence.ErrNotFound
	}
	done, err := dd.redisClient.SIsMember(ctx, dd.rowsKey(dispatchId), strconv.Itoa(rowIndex)).Result()
	if err != nil {
		return false, storageError("sismember", dd.rowsKey(dispatchId), err)
	}
	return done, nil
}

func (dd *redisDispatchDao) ClaimRow(ctx context.Context, dispatchId string, rowIndex int, lease time.Duration) (bool, error) {
	key := dd.dispatchKey(dispatchId)
	n, err := dd.redisClient.Exists(ctx, key).Result()
	if err != nil {
		return false, storageError("exists", key, err)
	}
	if n == 0 {
		return false, persistence.ErrNotFound
	}
	claimKey := dd.claimKey(dispatchId, rowIndex)
	claimed, err := claimRowScript.Run(ctx, dd.redisClient, []string{dd.rowsKey(dispatchId), claimKey}, strconv.Itoa(rowIndex), lease.Milliseconds()).Int()
	if err != nil {
		return false, storageError("claim", claimKey, err)
	}
	return claimed == 1, nil
}

func (dd *redisDispatchDao) ReleaseRow(ctx context.Context, dispatchId string, rowIndex int) error {
	key := dd.claimKey(dispatchId, rowIndex)
	if err := dd.redisClient.Del(ctx, key).Err(); err != nil {
		return storageError("del", key, err)
	}
	return nil
}

func (dd *redisDispatchDao) ListDispatchLogs(ctx context.Context, dispatchId string) ([]*model.DispatchLog, error) {
	key := dd.logsKey(dispatchId)
	values, err := dd.redisClient.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, storageError("lrange", key, err)
	}
	return util.DecodeEach[model.DispatchLog](dd.logEncDec, values)
}

func (dd *redisDispatchDao) ListDispatches(ctx context.Context, status model.DispatchStatus) ([]*model.Dispatch, error) {
	ids, err := dd.redisClient.ZRange(ctx, dd.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, storageError("zrange", dd.indexKey(), err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, dd.dispatchKey(id))
	}
	values, err := dd.redisClient.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, storageError("mget", keys[0], err)
	}
	all, err := decodeAll[model.Dispatch](values)
	if err != nil {
		return nil, err
	}
	var out []*model.Dispatch
	for _, d := range all {
		if d.Status == status {
			out = append(out, d)
		}
	}
	return out, nil
}
