package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/felcoslop/tizap-sub000/channel"
	"github.com/felcoslop/tizap-sub000/config"
	"github.com/felcoslop/tizap-sub000/container"
	"github.com/felcoslop/tizap-sub000/engine"
	"github.com/felcoslop/tizap-sub000/model"
	"github.com/felcoslop/tizap-sub000/notify"
	"github.com/felcoslop/tizap-sub000/persistence"
	"github.com/felcoslop/tizap-sub000/persistence/memory"
	"github.com/stretchr/testify/require"
)

type hookAdapter struct {
	mu       sync.Mutex
	contacts []string
	payloads []channel.Payload
	onSend   func(n int, contact string)
}

func (h *hookAdapter) Backend() model.ChannelBackend { return model.BACKEND_LOG }

func (h *hookAdapter) Send(ctx context.Context, contact string, payload channel.Payload) (channel.SendResult, error) {
	h.mu.Lock()
	h.contacts = append(h.contacts, contact)
	h.payloads = append(h.payloads, payload)
	n := len(h.contacts)
	hook := h.onSend
	h.mu.Unlock()
	if hook != nil {
		hook(n, contact)
	}
	return channel.SendResult{ProviderMessageId: "m"}, nil
}

func (h *hookAdapter) ForContact(ctx context.Context, ownerId string, contact string) (channel.Adapter, error) {
	return h, nil
}

func (h *hookAdapter) sent() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.contacts...)
}

type failingRecords struct {
	persistence.Storage
}

func (f failingRecords) RecordRowResult(ctx context.Context, log *model.DispatchLog) (*model.Dispatch, bool, error) {
	return nil, false, persistence.StorageLayerError{Message: "unavailable"}
}

type fixture struct {
	store     persistence.Storage
	mem       *memory.Store
	adapter   *hookAdapter
	hub       *notify.Hub
	registry  *Registry
	scheduler *Scheduler
}

func newFixture(t *testing.T, wrap func(persistence.Storage) persistence.Storage) *fixture {
	f := &fixture{mem: memory.NewStore(), adapter: &hookAdapter{}, hub: notify.NewHub(), registry: NewRegistry()}
	f.store = f.mem
	if wrap != nil {
		f.store = wrap(f.mem)
	}
	d := container.NewDiContainer()
	require.NoError(t, d.Init(config.Default(), container.WithStorage(f.store), container.WithChannels(f.adapter), container.WithPublisher(f.hub)))
	e := engine.NewEngine(d, config.EngineConfig{MaxSteps: 5}).
		WithSleep(func(ctx context.Context, d time.Duration) error { return nil })
	processor := NewRowProcessor(f.store, e, f.adapter, f.hub, "55")
	runner := NewSequentialRunner(f.store, processor, time.Millisecond)
	f.scheduler = NewScheduler(f.store, f.registry, runner, f.hub)
	t.Cleanup(f.scheduler.Stop)
	return f
}

func leads(phones ...string) []model.Lead {
	out := make([]model.Lead, 0, len(phones))
	for _, p := range phones {
		out = append(out, model.Lead{"phone": p, "nome": "Cliente " + p})
	}
	return out
}

func (f *fixture) create(t *testing.T, rows []model.Lead) *model.Dispatch {
	d := &model.Dispatch{
		Id:           "d1",
		OwnerId:      "owner",
		LeadsData:    rows,
		Status:       model.DISPATCH_RUNNING,
		DispatchType: model.DISPATCH_TYPE_TEMPLATE,
		TemplateName: "promo",
		Language:     "pt_BR",
		CreatedAt:    time.Now(),
	}
	require.NoError(t, f.mem.CreateDispatch(context.Background(), d))
	return d
}

func (f *fixture) get(t *testing.T, id string) *model.Dispatch {
	d, err := f.mem.GetDispatch(context.Background(), id)
	require.NoError(t, err)
	return d
}

func (f *fixture) waitStatus(t *testing.T, id string, status model.DispatchStatus) *model.Dispatch {
	require.Eventually(t, func() bool { return f.get(t, id).Status == status }, 2*time.Second, 5*time.Millisecond)
	return f.get(t, id)
}

func TestTemplateDispatchCountsRowErrors(t *testing.T) {
	f := newFixture(t, nil)
	d, err := f.scheduler.Start(context.Background(), StartRequest{
		OwnerId:      "owner",
		Leads:        []model.Lead{{"phone": "5511999990001"}, {"phone": "bad"}, {"phone": "5511999990003"}},
		DispatchType: model.DISPATCH_TYPE_TEMPLATE,
		TemplateName: "promo",
		Language:     "pt_BR",
		Variables:    map[string]string{"codigo": "ABC-{{phone}}"},
	})
	require.NoError(t, err)

	done := f.waitStatus(t, d.Id, model.DISPATCH_COMPLETED)
	require.Equal(t, 2, done.SuccessCount)
	require.Equal(t, 1, done.ErrorCount)
	require.Equal(t, 3, done.CurrentIndex)

	logs, err := f.mem.ListDispatchLogs(context.Background(), d.Id)
	require.NoError(t, err)
	var errorLogs []*model.DispatchLog
	for _, l := range logs {
		if l.Status == model.ROW_ERROR {
			errorLogs = append(errorLogs, l)
		}
	}
	require.Len(t, errorLogs, 1)
	require.Equal(t, NO_PHONE, errorLogs[0].Phone)
	require.Equal(t, 1, errorLogs[0].RowIndex)

	require.Equal(t, []string{"5511999990001", "5511999990003"}, f.adapter.sent())
	require.Equal(t, "promo", f.adapter.payloads[0].Template.Name)
	require.Equal(t, "ABC-5511999990001", f.adapter.payloads[0].Template.NamedParams["codigo"])
}

func TestTemplateLanguageDefaults(t *testing.T) {
	f := newFixture(t, nil)
	d, err := f.scheduler.Start(context.Background(), StartRequest{
		OwnerId:      "owner",
		Leads:        leads("5511999990001"),
		DispatchType: model.DISPATCH_TYPE_TEMPLATE,
		TemplateName: "promo",
	})
	require.NoError(t, err)
	f.waitStatus(t, d.Id, model.DISPATCH_COMPLETED)
	f.adapter.mu.Lock()
	defer f.adapter.mu.Unlock()
	require.Equal(t, "pt_BR", f.adapter.payloads[0].Template.Language)
}

func TestResumeAfterCrash(t *testing.T) {
	f := newFixture(t, nil)
	d := f.create(t, leads("5511999990001", "5511999990002", "5511999990003", "5511999990004", "5511999990005"))
	ctx, crash := context.WithCancel(context.Background())
	f.adapter.onSend = func(n int, contact string) {
		if n == 3 {
			crash()
		}
	}

	require.NoError(t, f.scheduler.Run(ctx, d.Id))
	interrupted := f.get(t, d.Id)
	require.Equal(t, model.DISPATCH_RUNNING, interrupted.Status)
	require.Equal(t, 3, interrupted.CurrentIndex)
	require.Empty(t, f.registry.Running())

	ids, err := f.scheduler.Recover(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{d.Id}, ids)

	done := f.waitStatus(t, d.Id, model.DISPATCH_COMPLETED)
	require.Equal(t, 5, done.CurrentIndex)
	require.Equal(t, 5, done.SuccessCount+done.ErrorCount)
	require.Equal(t, []string{"5511999990001", "5511999990002", "5511999990003", "5511999990004", "5511999990005"}, f.adapter.sent())
}

func TestControl(t *testing.T) {
	for scenario, fn := range map[string]func(t *testing.T, f *fixture){
		"stop":               testStop,
		"pause and resume":   testPauseResume,
		"resume mid row":     testResumeWhileSending,
		"invalid transition": testInvalidTransition,
	} {
		t.Run(scenario, func(t *testing.T) {
			fn(t, newFixture(t, nil))
		})
	}
}

func testStop(t *testing.T, f *fixture) {
	d := f.create(t, leads("5511999990001", "5511999990002", "5511999990003", "5511999990004"))
	f.adapter.onSend = func(n int, contact string) {
		if n == 2 {
			_, err := f.scheduler.Control(context.Background(), d.Id, CONTROL_STOP)
			require.NoError(t, err)
		}
	}
	require.NoError(t, f.scheduler.Run(context.Background(), d.Id))

	stopped := f.get(t, d.Id)
	require.Equal(t, model.DISPATCH_STOPPED, stopped.Status)
	require.Equal(t, 2, stopped.CurrentIndex)
	require.Len(t, f.adapter.sent(), 2)

	_, err := f.scheduler.Control(context.Background(), d.Id, CONTROL_RESUME)
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func testPauseResume(t *testing.T, f *fixture) {
	d := f.create(t, leads("5511999990001", "5511999990002", "5511999990003"))
	f.adapter.onSend = func(n int, contact string) {
		if n == 1 {
			_, err := f.scheduler.Control(context.Background(), d.Id, CONTROL_PAUSE)
			require.NoError(t, err)
		}
	}
	require.NoError(t, f.scheduler.Run(context.Background(), d.Id))
	require.Equal(t, model.DISPATCH_PAUSED, f.get(t, d.Id).Status)
	require.Equal(t, 1, f.get(t, d.Id).CurrentIndex)

	_, err := f.scheduler.Control(context.Background(), d.Id, CONTROL_RESUME)
	require.NoError(t, err)
	done := f.waitStatus(t, d.Id, model.DISPATCH_COMPLETED)
	require.Equal(t, 3, done.SuccessCount)
	require.Len(t, f.adapter.sent(), 3)
}

func testResumeWhileSending(t *testing.T, f *fixture) {
	d := f.create(t, leads("5511999990001", "5511999990002", "5511999990003"))
	f.adapter.onSend = func(n int, contact string) {
		if n == 1 {
			_, err := f.scheduler.Control(context.Background(), d.Id, CONTROL_PAUSE)
			require.NoError(t, err)
			_, err = f.scheduler.Control(context.Background(), d.Id, CONTROL_RESUME)
			require.NoError(t, err)
			time.Sleep(50 * time.Millisecond)
		}
	}
	require.NoError(t, f.scheduler.Run(context.Background(), d.Id))

	done := f.waitStatus(t, d.Id, model.DISPATCH_COMPLETED)
	require.Equal(t, 3, done.SuccessCount)
	require.Equal(t, []string{"5511999990001", "5511999990002", "5511999990003"}, f.adapter.sent())
}

func testInvalidTransition(t *testing.T, f *fixture) {
	d := f.create(t, leads("5511999990001"))
	_, err := f.scheduler.Control(context.Background(), d.Id, CONTROL_RESUME)
	require.ErrorIs(t, err, ErrInvalidTransition)
	_, err = f.scheduler.Control(context.Background(), d.Id, ControlAction("rewind"))
	require.Error(t, err)
	_, err = f.scheduler.Control(context.Background(), "missing", CONTROL_STOP)
	require.ErrorIs(t, err, persistence.ErrNotFound)
}

func TestSchedulerFaultMarksError(t *testing.T) {
	f := newFixture(t, func(s persistence.Storage) persistence.Storage { return failingRecords{s} })
	d := f.create(t, leads("5511999990001", "5511999990002"))

	err := f.scheduler.Run(context.Background(), d.Id)
	require.Error(t, err)
	var storageErr persistence.StorageLayerError
	require.True(t, errors.As(err, &storageErr))
	require.Equal(t, model.DISPATCH_ERROR, f.get(t, d.Id).Status)
	require.Empty(t, f.registry.Running())

	_, err = f.scheduler.Control(context.Background(), d.Id, CONTROL_RESUME)
	require.NoError(t, err)
}

func TestFlowDispatch(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	greet := &model.Flow{Id: "greet", OwnerId: "owner", Version: 1, Graph: model.FlowDefinition{
		Nodes: []model.Node{
			{Id: "hi", Type: model.NODE_TYPE_MESSAGE, Data: json.RawMessage(`{"text":"Oi {{nome}}"}`)},
			{Id: "bye", Type: model.NODE_TYPE_CLOSE},
		},
		Edges: []model.Edge{{Source: "hi", Target: "bye"}},
	}}
	loop := &model.Flow{Id: "loop", OwnerId: "owner", Version: 1, Graph: model.FlowDefinition{
		Nodes: []model.Node{{Id: "a", Type: model.NODE_TYPE_MESSAGE, Data: json.RawMessage(`{"text":"again"}`)}},
		Edges: []model.Edge{{Source: "a", Target: "a"}},
	}}
	require.NoError(t, f.mem.SaveFlow(ctx, greet))
	require.NoError(t, f.mem.SaveFlow(ctx, loop))

	for flowId, expected := range map[string]struct {
		success int
		errors  int
	}{
		"greet": {success: 2},
		"loop":  {errors: 2},
	} {
		d, err := f.scheduler.Start(ctx, StartRequest{
			OwnerId:      "owner",
			Leads:        []model.Lead{{"phone": "5511999990001", "nome": "Ana"}, {"telefone": "11999990002", "nome": "Bia"}},
			DispatchType: model.DISPATCH_TYPE_FLOW,
			FlowId:       flowId,
		})
		require.NoError(t, err)
		done := f.waitStatus(t, d.Id, model.DISPATCH_COMPLETED)
		require.Equal(t, expected.success, done.SuccessCount, flowId)
		require.Equal(t, expected.errors, done.ErrorCount, flowId)
	}

	sessions, err := f.mem.FindContactSessions(ctx, "owner", []string{"5511999990001"})
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	statuses := map[model.SessionStatus]int{}
	for _, s := range sessions {
		require.NotEmpty(t, s.DispatchId)
		statuses[s.Status]++
	}
	require.Equal(t, map[model.SessionStatus]int{model.SESSION_COMPLETED: 1, model.SESSION_ERROR: 1}, statuses)
}

func TestStartValidation(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	_, err := f.scheduler.Start(ctx, StartRequest{OwnerId: "owner", DispatchType: model.DISPATCH_TYPE_TEMPLATE, TemplateName: "x"})
	require.ErrorIs(t, err, ErrNoLeads)
	_, err = f.scheduler.Start(ctx, StartRequest{OwnerId: "owner", Leads: leads("5511999990001"), DispatchType: model.DISPATCH_TYPE_FLOW})
	require.ErrorIs(t, err, ErrMissingTarget)
	_, err = f.scheduler.Start(ctx, StartRequest{OwnerId: "owner", Leads: leads("5511999990001"), DispatchType: "sms"})
	require.Error(t, err)
}

func TestProgressPublished(t *testing.T) {
	f := newFixture(t, nil)
	d := f.create(t, leads("5511999990001", "5511999990002"))
	events, cancel := f.hub.Subscribe(context.Background(), d.Id)
	defer cancel()

	require.NoError(t, f.scheduler.Run(context.Background(), d.Id))
	var last model.DispatchProgress
	for i := 0; i < 2; i++ {
		select {
		case last = <-events:
		case <-time.After(time.Second):
			t.Fatal("no progress published")
		}
	}
	require.Equal(t, 2, last.CurrentIndex)
	require.Equal(t, model.DISPATCH_COMPLETED, last.Status)
}
