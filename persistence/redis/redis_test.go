package redis

import (
	"context"
	"testing"
	"time"

	"github.com/felcoslop/tizap-sub000/model"
	"github.com/felcoslop/tizap-sub000/persistence"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) Config {
	conf := Config{
		Addrs:     []string{"localhost:6379"},
		Namespace: "test-" + uuid.NewString()[:8],
	}
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	client := NewClient(conf)
	defer client.Close()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not reachable: %v", err)
	}
	return conf
}

func TestSessionStorage(t *testing.T) {
	for scenario, fn := range map[string]func(
		t *testing.T, store *RedisStorage,
	){
		"one live session per contact":  testOneLiveSession,
		"terminal session stays closed": testTerminalClosed,
		"contact sessions newest first": testContactSessionsOrder,
	} {
		t.Run(scenario, func(t *testing.T) {
			store := NewRedisStorage(testConfig(t))
			defer store.Close()
			fn(t, store)
		})
	}
}

func newSession(id string, phone string, status model.SessionStatus, at time.Time) *model.FlowSession {
	return &model.FlowSession{
		Id:           id,
		OwnerId:      "owner",
		ContactPhone: phone,
		CurrentStep:  "start",
		Status:       status,
		Variables:    map[string]any{},
		CreatedAt:    at,
		UpdatedAt:    at,
	}
}

func testOneLiveSession(t *testing.T, store *RedisStorage) {
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, store.CreateSession(ctx, newSession("s1", "5511999990001", model.SESSION_ACTIVE, now)))
	err := store.CreateSession(ctx, newSession("s2", "5511999990001", model.SESSION_ACTIVE, now))
	require.ErrorIs(t, err, persistence.ErrLiveSessionExists)

	s1, err := store.GetSession(ctx, "s1")
	require.NoError(t, err)
	s1.Status = model.SESSION_COMPLETED
	require.NoError(t, store.SaveSession(ctx, s1))
	require.NoError(t, store.CreateSession(ctx, newSession("s2", "5511999990001", model.SESSION_ACTIVE, now)))
}

func testTerminalClosed(t *testing.T, store *RedisStorage) {
	ctx := context.Background()
	s := newSession("s1", "5511999990002", model.SESSION_ACTIVE, time.Now().UTC())
	require.NoError(t, store.CreateSession(ctx, s))
	s.Status = model.SESSION_EXPIRED
	require.NoError(t, store.SaveSession(ctx, s))
	s.Status = model.SESSION_ACTIVE
	require.ErrorIs(t, store.SaveSession(ctx, s), persistence.ErrSessionClosed)
	s.Status = model.SESSION_STOPPED
	require.NoError(t, store.SaveSession(ctx, s))
}

func testContactSessionsOrder(t *testing.T, store *RedisStorage) {
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, store.CreateSession(ctx, newSession("old", "551199990003", model.SESSION_COMPLETED, now.Add(-time.Hour))))
	require.NoError(t, store.CreateSession(ctx, newSession("new", "5511999990003", model.SESSION_ACTIVE, now)))
	out, err := store.FindContactSessions(ctx, "owner", []string{"5511999990003", "551199990003"})
	require.NoError(t, err)
	require.Len(t, out, 2)
	require.Equal(t, "new", out[0].Id)
	require.Equal(t, "old", out[1].Id)

	require.NoError(t, store.AppendSessionLog(ctx, &model.FlowSessionLog{Id: "l1", SessionId: "new", Action: model.LOG_SENT_MESSAGE}))
	logs, err := store.ListSessionLogs(ctx, "new")
	require.NoError(t, err)
	require.Len(t, logs, 1)
}

func TestDispatchRowsCountOnce(t *testing.T) {
	ctx := context.Background()
	store := NewRedisStorage(testConfig(t))
	defer store.Close()
	d := &model.Dispatch{
		Id:           "d1",
		OwnerId:      "owner",
		LeadsData:    []model.Lead{{"phone": "1"}, {"phone": "2"}},
		Status:       model.DISPATCH_RUNNING,
		DispatchType: model.DISPATCH_TYPE_TEMPLATE,
		CreatedAt:    time.Now().UTC(),
	}
	require.NoError(t, store.CreateDispatch(ctx, d))

	out, recorded, err := store.RecordRowResult(ctx, &model.DispatchLog{Id: "r1", DispatchId: "d1", RowIndex: 1, Status: model.ROW_SUCCESS})
	require.NoError(t, err)
	require.True(t, recorded)
	require.Equal(t, 2, out.CurrentIndex)

	out, recorded, err = store.RecordRowResult(ctx, &model.DispatchLog{Id: "r2", DispatchId: "d1", RowIndex: 1, Status: model.ROW_ERROR})
	require.NoError(t, err)
	require.False(t, recorded)
	require.Equal(t, 1, out.SuccessCount)
	require.Equal(t, 0, out.ErrorCount)

	done, err := store.IsRowRecorded(ctx, "d1", 1)
	require.NoError(t, err)
	require.True(t, done)
	done, err = store.IsRowRecorded(ctx, "d1", 0)
	require.NoError(t, err)
	require.False(t, done)
	_, err = store.IsRowRecorded(ctx, "missing", 0)
	require.ErrorIs(t, err, persistence.ErrNotFound)

	claimed, err := store.ClaimRow(ctx, "d1", 1, time.Minute)
	require.NoError(t, err)
	require.False(t, claimed)
	claimed, err = store.ClaimRow(ctx, "d1", 0, time.Minute)
	require.NoError(t, err)
	require.True(t, claimed)
	claimed, err = store.ClaimRow(ctx, "d1", 0, time.Minute)
	require.NoError(t, err)
	require.False(t, claimed)
	require.NoError(t, store.ReleaseRow(ctx, "d1", 0))
	claimed, err = store.ClaimRow(ctx, "d1", 0, time.Minute)
	require.NoError(t, err)
	require.True(t, claimed)

	require.NoError(t, store.UpdateDispatchStatus(ctx, "d1", model.DISPATCH_PAUSED))
	paused, err := store.ListDispatches(ctx, model.DISPATCH_PAUSED)
	require.NoError(t, err)
	require.Len(t, paused, 1)
	logs, err := store.ListDispatchLogs(ctx, "d1")
	require.NoError(t, err)
	require.Len(t, logs, 1)
}

func TestResolveChannelConfig(t *testing.T) {
	ctx := context.Background()
	store := NewRedisStorage(testConfig(t))
	defer store.Close()

	_, err := store.ResolveChannelConfig(ctx, "owner", "5511999990001")
	require.ErrorIs(t, err, persistence.ErrNotFound)

	require.NoError(t, store.SaveChannelConfig(ctx, &model.ChannelConfig{Id: "default", OwnerId: "owner"}))
	require.NoError(t, store.SaveChannelConfig(ctx, &model.ChannelConfig{Id: "vip", OwnerId: "owner"}))
	require.NoError(t, store.SaveAccount(ctx, &model.Account{Id: "owner", DefaultChannelConfig: "default"}))

	c, err := store.ResolveChannelConfig(ctx, "owner", "5511999990001")
	require.NoError(t, err)
	require.Equal(t, "default", c.Id)

	require.NoError(t, store.SetContactChannel(ctx, "owner", "5511999990001", "vip"))
	c, err = store.ResolveChannelConfig(ctx, "owner", "5511999990001")
	require.NoError(t, err)
	require.Equal(t, "vip", c.Id)
}

func TestQueues(t *testing.T) {
	for scenario, fn := range map[string]func(t *testing.T, conf Config){
		"queue push pop":       testQueuePushPop,
		"delay queue due only": testDelayQueue,
		"locker excludes":      testLocker,
	} {
		t.Run(scenario, func(t *testing.T) {
			fn(t, testConfig(t))
		})
	}
}

func testQueuePushPop(t *testing.T, conf Config) {
	ctx := context.Background()
	q := NewRedisQueue(conf)
	require.NoError(t, q.Push(ctx, "jobs", []byte("a")))
	require.NoError(t, q.Push(ctx, "jobs", []byte("b")))
	msg, err := q.Pop(ctx, "jobs", time.Second)
	require.NoError(t, err)
	require.Equal(t, "a", string(msg))
	msg, err = q.Pop(ctx, "jobs", time.Second)
	require.NoError(t, err)
	require.Equal(t, "b", string(msg))
	_, err = q.Pop(ctx, "jobs", time.Second)
	_, ok := err.(persistence.EmptyQueueError)
	require.True(t, ok)
}

func testDelayQueue(t *testing.T, conf Config) {
	ctx := context.Background()
	q := NewRedisDelayQueue(conf)
	now := time.Now()
	q.now = func() time.Time { return now }
	require.NoError(t, q.PushAt(ctx, "timers", now.Add(-time.Second), []byte("due")))
	require.NoError(t, q.PushWithDelay(ctx, "timers", time.Minute, []byte("later")))

	res, err := q.Pop(ctx, "timers")
	require.NoError(t, err)
	require.Equal(t, []string{"due"}, res)
	_, err = q.Pop(ctx, "timers")
	_, ok := err.(persistence.EmptyQueueError)
	require.True(t, ok)

	now = now.Add(2 * time.Minute)
	res, err = q.Pop(ctx, "timers")
	require.NoError(t, err)
	require.Equal(t, []string{"later"}, res)
}

func testLocker(t *testing.T, conf Config) {
	l := NewRedisLocker(conf)
	unlock, err := l.Lock(context.Background(), "k", 5*time.Second)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, "k", 5*time.Second)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	unlock()
	again, err := l.Lock(context.Background(), "k", 5*time.Second)
	require.NoError(t, err)
	again()
}
