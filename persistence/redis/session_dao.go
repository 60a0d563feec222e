package redis

import (
	"context"
	"errors"
	"sort"

	"github.com/felcoslop/tizap-sub000/model"
	"github.com/felcoslop/tizap-sub000/persistence"
	"github.com/felcoslop/tizap-sub000/util"
	rd "github.com/go-redis/redis/v9"
)

var _ persistence.SessionStorage = new(redisSessionDao)

// redisSessionDao keeps one key per session plus, per (owner, contact), a
// sorted index of session ids and a live key naming the non-terminal
// session. Writes watch the session and live keys.
type redisSessionDao struct {
	*baseDao
	sessionEncDec util.EncoderDecoder[model.FlowSession]
	logEncDec     util.EncoderDecoder[model.FlowSessionLog]
}

func newRedisSessionDao(base *baseDao) *redisSessionDao {
	return &redisSessionDao{
		baseDao:       base,
		sessionEncDec: util.NewJsonEncoderDecoder[model.FlowSession](),
		logEncDec:     util.NewJsonEncoderDecoder[model.FlowSessionLog](),
	}
}

func (rs *redisSessionDao) sessionKey(id string) string {
	return rs.getNamespaceKey(persistence.SESSION_PREFIX, id)
}

func (rs *redisSessionDao) contactKey(ownerId string, phone string) string {
	return rs.getNamespaceKey(persistence.SESSION_PREFIX, "contact", ownerId, phone)
}

func (rs *redisSessionDao) liveKey(ownerId string, phone string) string {
	return rs.getNamespaceKey(persistence.SESSION_PREFIX, "live", ownerId, phone)
}

func (rs *redisSessionDao) logKey(id string) string {
	return rs.getNamespaceKey(persistence.SESSION_PREFIX, "log", id)
}

func liveSessionId(ctx context.Context, tx *rd.Tx, key string) (string, error) {
	id, err := tx.Get(ctx, key).Result()
	if err != nil && !errors.Is(err, rd.Nil) {
		return "", storageError("get", key, err)
	}
	return id, nil
}

func (rs *redisSessionDao) CreateSession(ctx context.Context, session *model.FlowSession) error {
	data, err := rs.sessionEncDec.Encode(*session)
	if err != nil {
		return err
	}
	key := rs.sessionKey(session.Id)
	live := rs.liveKey(session.OwnerId, session.ContactPhone)
	return rs.watch(ctx, func(tx *rd.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return storageError("exists", key, err)
		}
		if n > 0 {
			return persistence.StorageLayerError{Message: "duplicate session id " + session.Id}
		}
		terminal := session.Status.IsTerminal()
		if !terminal {
			liveId, err := liveSessionId(ctx, tx, live)
			if err != nil {
				return err
			}
			if liveId != "" {
				other, err := getJSON[model.FlowSession](ctx, tx, rs.sessionKey(liveId))
				if err == nil && !other.Status.IsTerminal() {
					return persistence.ErrLiveSessionExists
				}
			}
		}
		_, err = tx.TxPipelined(ctx, func(pipe rd.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			pipe.ZAdd(ctx, rs.contactKey(session.OwnerId, session.ContactPhone), rd.Z{Score: float64(session.CreatedAt.UnixMilli()), Member: session.Id})
			if !terminal {
				pipe.Set(ctx, live, session.Id, 0)
			}
			return nil
		})
		return err
	}, key, live)
}

func (rs *redisSessionDao) SaveSession(ctx context.Context, session *model.FlowSession) error {
	data, err := rs.sessionEncDec.Encode(*session)
	if err != nil {
		return err
	}
	key := rs.sessionKey(session.Id)
	live := rs.liveKey(session.OwnerId, session.ContactPhone)
	return rs.watch(ctx, func(tx *rd.Tx) error {
		stored, err := getJSON[model.FlowSession](ctx, tx, key)
		if err != nil {
			return err
		}
		if stored.Status.IsTerminal() && session.Status != model.SESSION_STOPPED && session.Status != stored.Status {
			return persistence.ErrSessionClosed
		}
		liveId, err := liveSessionId(ctx, tx, live)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe rd.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			if session.Status.IsTerminal() && liveId == session.Id {
				pipe.Del(ctx, live)
			}
			return nil
		})
		return err
	}, key, live)
}

func (rs *redisSessionDao) GetSession(ctx context.Context, id string) (*model.FlowSession, error) {
	return getJSON[model.FlowSession](ctx, rs.redisClient, rs.sessionKey(id))
}

func (rs *redisSessionDao) FindContactSessions(ctx context.Context, ownerId string, phones []string) ([]*model.FlowSession, error) {
	seen := map[string]bool{}
	var keys []string
	for _, phone := range phones {
		indexKey := rs.contactKey(ownerId, phone)
		ids, err := rs.redisClient.ZRevRange(ctx, indexKey, 0, -1).Result()
		if err != nil {
			return nil, storageError("zrevrange", indexKey, err)
		}
		for _, id := range ids {
			if !seen[id] {
				seen[id] = true
				keys = append(keys, rs.sessionKey(id))
			}
		}
	}
	if len(keys) == 0 {
		return nil, nil
	}
	values, err := rs.redisClient.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, storageError("mget", keys[0], err)
	}
	out, err := decodeAll[model.FlowSession](values)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (rs *redisSessionDao) AppendSessionLog(ctx context.Context, log *model.FlowSessionLog) error {
	data, err := rs.logEncDec.Encode(*log)
	if err != nil {
		return err
	}
	key := rs.logKey(log.SessionId)
	if err := rs.redisClient.RPush(ctx, key, data).Err(); err != nil {
		return storageError("rpush", key, err)
	}
	return nil
}

func (rs *redisSessionDao) ListSessionLogs(ctx context.Context, sessionId string) ([]*model.FlowSessionLog, error) {
	key := rs.logKey(sessionId)
	values, err := rs.redisClient.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, storageError("lrange", key, err)
	}
	return util.DecodeEach[model.FlowSessionLog](rs.logEncDec, values)
}
