package trigger

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/felcoslop/tizap-sub000/channel"
	"github.com/felcoslop/tizap-sub000/config"
	"github.com/felcoslop/tizap-sub000/container"
	"github.com/felcoslop/tizap-sub000/engine"
	"github.com/felcoslop/tizap-sub000/flow"
	"github.com/felcoslop/tizap-sub000/model"
	"github.com/felcoslop/tizap-sub000/persistence/memory"
	"github.com/stretchr/testify/require"
)

type sentMessage struct {
	contact string
	payload channel.Payload
}

type recordingAdapter struct {
	mu   sync.Mutex
	sent []sentMessage
}

func (r *recordingAdapter) Backend() model.ChannelBackend { return model.BACKEND_LOG }

func (r *recordingAdapter) Send(ctx context.Context, contact string, payload channel.Payload) (channel.SendResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, sentMessage{contact: contact, payload: payload})
	return channel.SendResult{ProviderMessageId: "m"}, nil
}

func (r *recordingAdapter) ForContact(ctx context.Context, ownerId string, contact string) (channel.Adapter, error) {
	return r, nil
}

type fixture struct {
	resolver    *Resolver
	automations *flow.AutomationService
	store       *memory.Store
	adapter     *recordingAdapter
	now         time.Time
}

func newFixture(t *testing.T) *fixture {
	f := &fixture{
		store:   memory.NewStore(),
		adapter: &recordingAdapter{},
		now:     time.Date(2024, 3, 5, 12, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return f.now }
	d := container.NewDiContainer()
	require.NoError(t, d.Init(config.Default(), container.WithStorage(f.store), container.WithChannels(f.adapter)))
	e := engine.NewEngine(d, config.EngineConfig{MaxSteps: 50}).
		WithClock(clock).
		WithSleep(func(ctx context.Context, d time.Duration) error { return nil })
	f.automations = flow.NewAutomationService(f.store)
	conf := config.Default().TriggerConfig
	conf.DefaultReentryDelay = 10 * time.Minute
	f.resolver = NewResolver(e, f.automations, f.store, conf).WithClock(clock)
	return f
}

// askGraph waits for a reply at "ask" and closes at "done".
func askGraph(prompt string) model.FlowDefinition {
	return model.FlowDefinition{
		Nodes: []model.Node{
			{Id: "ask", Type: model.NODE_TYPE_MESSAGE, Data: json.RawMessage(`{"text":"` + prompt + `","waitForReply":true}`)},
			{Id: "done", Type: model.NODE_TYPE_CLOSE},
		},
		Edges: []model.Edge{{Source: "ask", SourceHandle: model.HANDLE_GREEN, Target: "done"}},
	}
}

func (f *fixture) automation(t *testing.T, trigger model.TriggerType, keywords []string, graph model.FlowDefinition) *model.Automation {
	a := &model.Automation{
		OwnerId:         "owner",
		Name:            string(trigger),
		Graph:           graph,
		TriggerType:     trigger,
		TriggerKeywords: keywords,
		IsActive:        true,
	}
	require.NoError(t, f.automations.Save(context.Background(), a))
	return a
}

func (f *fixture) inbound(t *testing.T, phone string, text string) Decision {
	d, err := f.resolver.Resolve(context.Background(), model.InboundEvent{OwnerId: "owner", ContactPhone: phone, Text: text})
	require.NoError(t, err)
	return d
}

func TestKeywordPreemptsWaitingSession(t *testing.T) {
	f := newFixture(t)
	menu := f.automation(t, model.TRIGGER_KEYWORD, []string{"menu"}, askGraph("Escolha"))
	offer := f.automation(t, model.TRIGGER_KEYWORD, []string{"Oferta"}, askGraph("Oferta do dia"))

	first := f.inbound(t, "5511999990001", "menu")
	require.Equal(t, DECISION_KEYWORD, first.Kind)
	require.Equal(t, menu.Id, first.AutomationId)
	require.Equal(t, model.SESSION_WAITING_REPLY, first.Session.Status)

	second := f.inbound(t, "5511999990001", "quero a OFERTA")
	require.Equal(t, DECISION_KEYWORD, second.Kind)
	require.Equal(t, offer.Id, second.AutomationId)
	require.Equal(t, "ask", second.Session.CurrentStep)
	require.NotEqual(t, first.Session.Id, second.Session.Id)

	old, err := f.store.GetSession(context.Background(), first.Session.Id)
	require.NoError(t, err)
	require.Equal(t, model.SESSION_EXPIRED, old.Status)
}

func TestResumeIsInvariantUnderPhoneVariant(t *testing.T) {
	for _, variant := range []string{"5511999990001", "11999990001", "551199990001", "1199990001"} {
		t.Run(variant, func(t *testing.T) {
			f := newFixture(t)
			f.automation(t, model.TRIGGER_KEYWORD, []string{"menu"}, askGraph("Escolha"))
			started := f.inbound(t, "+55 11 99999-0001", "menu")
			require.Equal(t, "5511999990001", started.Session.ContactPhone)

			d := f.inbound(t, variant, "pizza")
			require.Equal(t, DECISION_RESUME, d.Kind)
			require.Equal(t, started.Session.Id, d.Session.Id)
			require.Equal(t, model.SESSION_COMPLETED, d.Session.Status)
			require.Equal(t, "done", d.Session.CurrentStep)
		})
	}
}

func TestStaleWaitingSessionExpires(t *testing.T) {
	f := newFixture(t)
	f.automation(t, model.TRIGGER_KEYWORD, []string{"menu"}, askGraph("Escolha"))
	started := f.inbound(t, "5511999990001", "menu")

	f.now = f.now.Add(25 * time.Hour)
	d := f.inbound(t, "5511999990001", "oi")
	require.Equal(t, DECISION_IGNORED, d.Kind)

	s, err := f.store.GetSession(context.Background(), started.Session.Id)
	require.NoError(t, err)
	require.Equal(t, model.SESSION_EXPIRED, s.Status)
}

func TestProtectionWindow(t *testing.T) {
	for scenario, tc := range map[string]struct {
		elapsed  time.Duration
		account  *model.Account
		expected DecisionKind
	}{
		"within default delay": {elapsed: 5 * time.Minute, expected: DECISION_PROTECTED},
		"after default delay":  {elapsed: 11 * time.Minute, expected: DECISION_FALLBACK},
		"within account delay": {elapsed: 30 * time.Minute, account: &model.Account{Id: "owner", ReentryDelaySeconds: 3600}, expected: DECISION_PROTECTED},
		"after account delay":  {elapsed: 61 * time.Minute, account: &model.Account{Id: "owner", ReentryDelaySeconds: 3600}, expected: DECISION_FALLBACK},
	} {
		t.Run(scenario, func(t *testing.T) {
			f := newFixture(t)
			if tc.account != nil {
				require.NoError(t, f.store.SaveAccount(context.Background(), tc.account))
			}
			fallback := f.automation(t, model.TRIGGER_MESSAGE, nil, askGraph("Olá"))
			first := f.inbound(t, "5511999990001", "oi")
			require.Equal(t, DECISION_FALLBACK, first.Kind)
			done := f.inbound(t, "5511999990001", "tudo bem")
			require.Equal(t, model.SESSION_COMPLETED, done.Session.Status)

			f.now = f.now.Add(tc.elapsed)
			d := f.inbound(t, "5511999990001", "oi de novo")
			require.Equal(t, tc.expected, d.Kind)
			if tc.expected == DECISION_FALLBACK {
				require.Equal(t, fallback.Id, d.AutomationId)
			}
		})
	}
}

func TestEchoNeverResumesOrFallsBack(t *testing.T) {
	f := newFixture(t)
	f.automation(t, model.TRIGGER_MESSAGE, nil, askGraph("Olá"))
	keyword := f.automation(t, model.TRIGGER_KEYWORD, []string{"promo"}, askGraph("Promo"))
	ctx := context.Background()

	d, err := f.resolver.Resolve(ctx, model.InboundEvent{OwnerId: "owner", ContactPhone: "5511999990001", Text: "oi", IsEcho: true})
	require.NoError(t, err)
	require.Equal(t, DECISION_IGNORED, d.Kind)
	require.Empty(t, f.adapter.sent)

	started := f.inbound(t, "5511999990001", "oi")
	require.Equal(t, DECISION_FALLBACK, started.Kind)

	f.now = f.now.Add(time.Minute)
	d, err = f.resolver.Resolve(ctx, model.InboundEvent{OwnerId: "owner", ContactPhone: "5511999990001", Text: "obrigado", IsEcho: true})
	require.NoError(t, err)
	require.Equal(t, DECISION_IGNORED, d.Kind)
	s, err := f.store.GetSession(ctx, started.Session.Id)
	require.NoError(t, err)
	require.Equal(t, model.SESSION_WAITING_REPLY, s.Status)

	d, err = f.resolver.Resolve(ctx, model.InboundEvent{OwnerId: "owner", ContactPhone: "5511999990001", Text: "promo", IsEcho: true})
	require.NoError(t, err)
	require.Equal(t, DECISION_KEYWORD, d.Kind)
	require.Equal(t, keyword.Id, d.AutomationId)
}

func TestResolveRejectsBadInput(t *testing.T) {
	f := newFixture(t)
	_, err := f.resolver.Resolve(context.Background(), model.InboundEvent{ContactPhone: "5511999990001", Text: "oi"})
	require.ErrorIs(t, err, ErrNoOwner)
	_, err = f.resolver.Resolve(context.Background(), model.InboundEvent{OwnerId: "owner", ContactPhone: "n/a", Text: "oi"})
	require.ErrorIs(t, err, ErrBadPhone)
}
