package engine

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/felcoslop/tizap-sub000/channel"
	"github.com/felcoslop/tizap-sub000/config"
	"github.com/felcoslop/tizap-sub000/container"
	"github.com/felcoslop/tizap-sub000/model"
	"github.com/felcoslop/tizap-sub000/persistence"
	"github.com/felcoslop/tizap-sub000/persistence/memory"
	"github.com/stretchr/testify/require"
)

type recordingAdapter struct {
	mu   sync.Mutex
	sent []channel.Payload
}

func (r *recordingAdapter) Backend() model.ChannelBackend { return model.BACKEND_LOG }

func (r *recordingAdapter) Send(ctx context.Context, contact string, payload channel.Payload) (channel.SendResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, payload)
	return channel.SendResult{ProviderMessageId: "m"}, nil
}

func (r *recordingAdapter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

type staticResolver struct {
	adapter channel.Adapter
}

func (s *staticResolver) ForContact(ctx context.Context, ownerId string, contact string) (channel.Adapter, error) {
	return s.adapter, nil
}

type harness struct {
	engine  *Engine
	store   *memory.Store
	delay   *memory.DelayQueue
	adapter *recordingAdapter
	now     time.Time
}

func newHarness(t *testing.T) *harness {
	h := &harness{
		store:   memory.NewStore(),
		adapter: &recordingAdapter{},
		now:     time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return h.now }
	h.delay = memory.NewDelayQueue().WithClock(clock)
	d := container.NewDiContainer()
	require.NoError(t, d.Init(config.Default(),
		container.WithStorage(h.store),
		container.WithChannels(&staticResolver{adapter: h.adapter}),
		container.WithDelayQueue(h.delay),
	))
	h.engine = NewEngine(d, config.EngineConfig{MaxSteps: 50}).
		WithClock(clock).
		WithSleep(func(ctx context.Context, d time.Duration) error { return nil })
	return h
}

func n(id string, t model.NodeType, data string) model.Node {
	node := model.Node{Id: id, Type: t}
	if data != "" {
		node.Data = json.RawMessage(data)
	}
	return node
}

func (h *harness) automation(t *testing.T, nodes []model.Node, edges []model.Edge) string {
	a := &model.Automation{
		Id:          "a1",
		OwnerId:     "owner",
		Version:     1,
		Graph:       model.FlowDefinition{Nodes: nodes, Edges: edges},
		TriggerType: model.TRIGGER_KEYWORD,
		IsActive:    true,
	}
	require.NoError(t, h.store.SaveAutomation(context.Background(), a))
	return a.Id
}

func (h *harness) start(t *testing.T, automationId string) *model.FlowSession {
	s, err := h.engine.Start(context.Background(), StartRequest{OwnerId: "owner", AutomationId: automationId, ContactPhone: "5511999990001"})
	require.NoError(t, err)
	return s
}

func (h *harness) logs(t *testing.T, sessionId string) []*model.FlowSessionLog {
	logs, err := h.store.ListSessionLogs(context.Background(), sessionId)
	require.NoError(t, err)
	return logs
}

func optionsGraph(withInvalid bool) ([]model.Node, []model.Edge) {
	nodes := []model.Node{
		n("ask", model.NODE_TYPE_OPTIONS, `{"text":"Quer?","options":["Sim","Não"]}`),
		n("yes", model.NODE_TYPE_CLOSE, ""),
		n("no", model.NODE_TYPE_CLOSE, ""),
		n("invalid", model.NODE_TYPE_CLOSE, ""),
	}
	edges := []model.Edge{
		{Source: "ask", SourceHandle: "source-0", Target: "yes"},
		{Source: "ask", SourceHandle: "source-1", Target: "no"},
	}
	if withInvalid {
		edges = append(edges, model.Edge{Source: "ask", SourceHandle: model.HANDLE_INVALID, Target: "invalid"})
	}
	return nodes, edges
}

func TestCycleEndsInError(t *testing.T) {
	h := newHarness(t)
	id := h.automation(t, []model.Node{
		n("a", model.NODE_TYPE_MESSAGE, `{"text":"ping"}`),
		n("b", model.NODE_TYPE_MESSAGE, `{"text":"pong"}`),
	}, []model.Edge{{Source: "a", Target: "b"}, {Source: "b", Target: "a"}})

	s := h.start(t, id)
	require.Equal(t, model.SESSION_ERROR, s.Status)
	require.Equal(t, 50, h.adapter.count())
	logs := h.logs(t, s.Id)
	last := logs[len(logs)-1]
	require.Equal(t, model.LOG_ERROR, last.Action)
	require.Contains(t, last.Message, "step limit")
}

func TestMissingNodeCompletes(t *testing.T) {
	h := newHarness(t)
	id := h.automation(t, []model.Node{n("a", model.NODE_TYPE_MESSAGE, `{"text":"oi"}`)}, []model.Edge{{Source: "a", Target: "ghost"}})

	s := h.start(t, id)
	require.Equal(t, model.SESSION_COMPLETED, s.Status)
	require.Equal(t, "ghost", s.CurrentStep)
	logs := h.logs(t, s.Id)
	require.Equal(t, model.LOG_COMPLETED, logs[len(logs)-1].Action)
	require.Contains(t, logs[len(logs)-1].Message, "ghost")
}

func TestOptionsReplies(t *testing.T) {
	for scenario, tc := range map[string]struct {
		text    string
		payload string
		target  string
	}{
		"leading integer": {text: "1", target: "yes"},
		"label":           {text: "sim", target: "yes"},
		"button payload":  {payload: "source-0", target: "yes"},
		"second option":   {text: "Não", target: "no"},
		"out of range":    {text: "3", target: "invalid"},
	} {
		t.Run(scenario, func(t *testing.T) {
			h := newHarness(t)
			nodes, edges := optionsGraph(true)
			s := h.start(t, h.automation(t, nodes, edges))
			require.Equal(t, model.SESSION_WAITING_REPLY, s.Status)
			require.Equal(t, "ask", s.CurrentStep)

			s, err := h.engine.Reply(context.Background(), s.Id, model.InboundEvent{Text: tc.text, ButtonPayload: tc.payload})
			require.NoError(t, err)
			require.Equal(t, tc.target, s.CurrentStep)
			require.Equal(t, model.SESSION_COMPLETED, s.Status)
		})
	}
}

func TestInvalidReplyWithoutBranchReprompts(t *testing.T) {
	h := newHarness(t)
	nodes, edges := optionsGraph(false)
	s := h.start(t, h.automation(t, nodes, edges))

	s, err := h.engine.Reply(context.Background(), s.Id, model.InboundEvent{Text: "talvez"})
	require.NoError(t, err)
	require.Equal(t, model.SESSION_WAITING_REPLY, s.Status)
	require.Equal(t, "ask", s.CurrentStep)
	require.Equal(t, 2, h.adapter.count())

	var invalid int
	for _, l := range h.logs(t, s.Id) {
		if l.Action == model.LOG_INVALID_REPLY {
			invalid++
		}
	}
	require.Equal(t, 1, invalid)
}

func TestMessageWaitFollowsGreenEdge(t *testing.T) {
	h := newHarness(t)
	id := h.automation(t, []model.Node{
		n("ask", model.NODE_TYPE_MESSAGE, `{"text":"Seu nome?","waitForReply":true}`),
		n("thanks", model.NODE_TYPE_MESSAGE, `{"text":"Obrigado {{last_reply}}"}`),
		n("silence", model.NODE_TYPE_MESSAGE, `{"text":"Sem resposta"}`),
	}, []model.Edge{
		{Source: "ask", SourceHandle: model.HANDLE_GREEN, Target: "thanks"},
		{Source: "ask", SourceHandle: model.HANDLE_RED, Target: "silence"},
	})
	s := h.start(t, id)
	require.Equal(t, model.SESSION_WAITING_REPLY, s.Status)

	s, err := h.engine.Reply(context.Background(), s.Id, model.InboundEvent{Text: "Ana"})
	require.NoError(t, err)
	require.Equal(t, model.SESSION_COMPLETED, s.Status)
	require.Equal(t, "thanks", s.CurrentStep)
	require.Equal(t, "Obrigado Ana", h.adapter.sent[1].Text)
	require.Equal(t, "Ana", s.Variables["reply_ask"])
}

func TestReplyTimeoutFollowsRedEdge(t *testing.T) {
	h := newHarness(t)
	id := h.automation(t, []model.Node{
		n("ask", model.NODE_TYPE_MESSAGE, `{"text":"Ainda aí?","waitForReply":true,"timeout":60}`),
		n("thanks", model.NODE_TYPE_CLOSE, ""),
		n("silence", model.NODE_TYPE_MESSAGE, `{"text":"Vamos encerrar"}`),
	}, []model.Edge{
		{Source: "ask", SourceHandle: model.HANDLE_GREEN, Target: "thanks"},
		{Source: "ask", SourceHandle: model.HANDLE_RED, Target: "silence"},
	})
	s := h.start(t, id)
	ctx := context.Background()

	_, err := h.delay.Pop(ctx, persistence.SESSION_TIMER_QUEUE)
	require.Error(t, err)

	h.now = h.now.Add(61 * time.Second)
	due, err := h.delay.Pop(ctx, persistence.SESSION_TIMER_QUEUE)
	require.NoError(t, err)
	require.Len(t, due, 1)
	var timer model.SessionTimer
	require.NoError(t, json.Unmarshal([]byte(due[0]), &timer))
	require.Equal(t, model.TIMER_REPLY_TIMEOUT, timer.Kind)

	s, err = h.engine.HandleTimer(ctx, timer)
	require.NoError(t, err)
	require.Equal(t, "silence", s.CurrentStep)
	require.Equal(t, model.SESSION_COMPLETED, s.Status)
	require.Equal(t, "Vamos encerrar", h.adapter.sent[1].Text)
}

func TestStaleTimeoutIgnoredAfterReply(t *testing.T) {
	h := newHarness(t)
	id := h.automation(t, []model.Node{
		n("ask", model.NODE_TYPE_MESSAGE, `{"text":"Ainda aí?","waitForReply":true,"timeout":60}`),
		n("thanks", model.NODE_TYPE_MESSAGE, `{"text":"ok","waitForReply":true}`),
		n("silence", model.NODE_TYPE_CLOSE, ""),
	}, []model.Edge{
		{Source: "ask", SourceHandle: model.HANDLE_GREEN, Target: "thanks"},
		{Source: "ask", SourceHandle: model.HANDLE_RED, Target: "silence"},
	})
	s := h.start(t, id)
	ctx := context.Background()
	_, err := h.engine.Reply(ctx, s.Id, model.InboundEvent{Text: "sim"})
	require.NoError(t, err)

	waitingSince := h.now
	s, err = h.engine.HandleTimer(ctx, model.SessionTimer{Kind: model.TIMER_REPLY_TIMEOUT, SessionId: s.Id, NodeId: "ask", WaitingSince: &waitingSince})
	require.NoError(t, err)
	require.Equal(t, "thanks", s.CurrentStep)
	require.Equal(t, model.SESSION_WAITING_REPLY, s.Status)
}

func TestBusinessHoursScheduleAndResume(t *testing.T) {
	h := newHarness(t)
	h.now = time.Date(2024, 3, 5, 20, 0, 0, 0, time.UTC)
	id := h.automation(t, []model.Node{
		n("hours", model.NODE_TYPE_BUSINESS_HOURS, `{"start":"09:00","end":"18:00","timezone":"UTC","closedMessage":"Fechado"}`),
		n("hello", model.NODE_TYPE_MESSAGE, `{"text":"Bom dia"}`),
	}, []model.Edge{{Source: "hours", Target: "hello"}})
	ctx := context.Background()

	s := h.start(t, id)
	require.Equal(t, model.SESSION_WAITING_BUSINESS_HOURS, s.Status)
	require.Equal(t, time.Date(2024, 3, 6, 9, 0, 0, 0, time.UTC), *s.ScheduledAt)

	s, err := h.engine.ResumeScheduled(ctx, s.Id)
	require.NoError(t, err)
	require.Equal(t, model.SESSION_WAITING_BUSINESS_HOURS, s.Status)

	h.now = time.Date(2024, 3, 6, 9, 0, 1, 0, time.UTC)
	due, err := h.delay.Pop(ctx, persistence.SESSION_TIMER_QUEUE)
	require.NoError(t, err)
	var timer model.SessionTimer
	require.NoError(t, json.Unmarshal([]byte(due[0]), &timer))

	s, err = h.engine.HandleTimer(ctx, timer)
	require.NoError(t, err)
	require.Equal(t, model.SESSION_COMPLETED, s.Status)
	require.Equal(t, "hello", s.CurrentStep)
	require.Equal(t, "Bom dia", h.adapter.sent[1].Text)
}

func TestStopIsFinal(t *testing.T) {
	h := newHarness(t)
	nodes, edges := optionsGraph(true)
	s := h.start(t, h.automation(t, nodes, edges))
	ctx := context.Background()

	s, err := h.engine.Stop(ctx, s.Id)
	require.NoError(t, err)
	require.Equal(t, model.SESSION_STOPPED, s.Status)

	_, err = h.engine.Reply(ctx, s.Id, model.InboundEvent{Text: "1"})
	require.ErrorIs(t, err, ErrNotWaiting)

	s, err = h.engine.Run(ctx, s.Id)
	require.NoError(t, err)
	require.Equal(t, model.SESSION_STOPPED, s.Status)
	require.Equal(t, 1, h.adapter.count())
}

func TestConcurrentRepliesAdvanceOnce(t *testing.T) {
	h := newHarness(t)
	nodes, edges := optionsGraph(true)
	s := h.start(t, h.automation(t, nodes, edges))

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.engine.Reply(context.Background(), s.Id, model.InboundEvent{Text: "1"})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	var notWaiting int
	for err := range errs {
		if err != nil {
			require.ErrorIs(t, err, ErrNotWaiting)
			notWaiting++
		}
	}
	require.Equal(t, 1, notWaiting)

	var received int
	for _, l := range h.logs(t, s.Id) {
		if l.Action == model.LOG_RECEIVED_REPLY {
			received++
		}
	}
	require.Equal(t, 1, received)
}

func TestAdvanceReply(t *testing.T) {
	nodes, edges := optionsGraph(true)
	g, err := newGraph(nodes, edges)
	require.NoError(t, err)
	node, _ := g.Node("ask")

	first := AdvanceReply(g, node, "1", "")
	require.Equal(t, first, AdvanceReply(g, node, "sim", ""))
	require.Equal(t, first, AdvanceReply(g, node, "", "source-0"))
	require.Equal(t, "yes", first.Target)

	invalid := AdvanceReply(g, node, "3", "")
	require.True(t, invalid.Invalid)
	require.Equal(t, "invalid", invalid.Target)
}
