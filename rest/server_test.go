package rest

import (
	"bufio"
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/felcoslop/tizap-sub000/channel"
	"github.com/felcoslop/tizap-sub000/config"
	"github.com/felcoslop/tizap-sub000/container"
	"github.com/felcoslop/tizap-sub000/dispatch"
	"github.com/felcoslop/tizap-sub000/engine"
	"github.com/felcoslop/tizap-sub000/flow"
	"github.com/felcoslop/tizap-sub000/model"
	"github.com/felcoslop/tizap-sub000/notify"
	"github.com/felcoslop/tizap-sub000/persistence/memory"
	"github.com/felcoslop/tizap-sub000/trigger"
	"github.com/stretchr/testify/require"
)

type recordingAdapter struct {
	mu   sync.Mutex
	sent []string
}

func (r *recordingAdapter) Backend() model.ChannelBackend { return model.BACKEND_LOG }

func (r *recordingAdapter) Send(ctx context.Context, contact string, payload channel.Payload) (channel.SendResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, contact)
	return channel.SendResult{ProviderMessageId: "m"}, nil
}

func (r *recordingAdapter) ForContact(ctx context.Context, ownerId string, contact string) (channel.Adapter, error) {
	return r, nil
}

type harness struct {
	server      *Server
	store       *memory.Store
	automations *flow.AutomationService
	adapter     *recordingAdapter
}

func newHarness(t *testing.T, webhook config.WebhookConfig) *harness {
	h := &harness{store: memory.NewStore(), adapter: &recordingAdapter{}}
	hub := notify.NewHub()
	d := container.NewDiContainer()
	require.NoError(t, d.Init(config.Default(), container.WithStorage(h.store), container.WithChannels(h.adapter), container.WithPublisher(hub)))
	e := engine.NewEngine(d, config.EngineConfig{MaxSteps: 20}).
		WithSleep(func(ctx context.Context, d time.Duration) error { return ctx.Err() })
	h.automations = flow.NewAutomationService(h.store)
	processor := dispatch.NewRowProcessor(h.store, e, h.adapter, hub, "55")
	runner := dispatch.NewSequentialRunner(h.store, processor, time.Millisecond)
	scheduler := dispatch.NewScheduler(h.store, dispatch.NewRegistry(), runner, hub)
	t.Cleanup(scheduler.Stop)

	s, err := NewServer(0, Services{
		Resolver:    trigger.NewResolver(e, h.automations, h.store, config.Default().TriggerConfig),
		Flows:       flow.NewFlowService(h.store),
		Automations: h.automations,
		Scheduler:   scheduler,
		Engine:      e,
		Sessions:    h.store,
		Subscriber:  hub,
	}, webhook)
	require.NoError(t, err)
	h.server = s
	return h
}

func (h *harness) do(t *testing.T, method string, path string, body []byte, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.server.Handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func askGraph() model.FlowDefinition {
	return model.FlowDefinition{
		Nodes: []model.Node{
			{Id: "ask", Type: model.NODE_TYPE_MESSAGE, Data: json.RawMessage(`{"text":"Qual seu nome?","waitForReply":true}`)},
			{Id: "done", Type: model.NODE_TYPE_CLOSE},
		},
		Edges: []model.Edge{{Source: "ask", SourceHandle: model.HANDLE_GREEN, Target: "done"}},
	}
}

const textNotification = `{
  "object": "whatsapp_business_account",
  "entry": [{
    "id": "waba",
    "changes": [
      {"field": "messages", "value": {
        "messages": [
          {"from": "5511999990001", "id": "wamid.1", "timestamp": "1709640000", "type": "text", "text": {"body": " menu "}},
          {"from": "5511999990002", "id": "wamid.2", "type": "interactive", "interactive": {"type": "button_reply", "button_reply": {"id": "source-1", "title": "Não"}}},
          {"from": "5511999990003", "id": "wamid.3", "type": "button", "button": {"payload": "OPT_OUT", "text": "Parar"}}
        ],
        "statuses": [{"id": "wamid.0", "status": "delivered"}]
      }},
      {"field": "smb_message_echoes", "value": {
        "message_echoes": [{"from": "5511000000000", "to": "5511999990004", "id": "wamid.4", "type": "text", "text": {"body": "oi"}}]
      }}
    ]
  }]
}`

func TestExtractEvents(t *testing.T) {
	var payload WebhookPayload
	require.NoError(t, json.Unmarshal([]byte(textNotification), &payload))
	events := ExtractEvents("owner", payload)
	require.Len(t, events, 4)

	require.Equal(t, "5511999990001", events[0].ContactPhone)
	require.Equal(t, "menu", events[0].Text)
	require.Equal(t, time.Unix(1709640000, 0).UTC(), events[0].Timestamp)

	require.Equal(t, "Não", events[1].Text)
	require.Equal(t, "source-1", events[1].ButtonPayload)

	require.Equal(t, "OPT_OUT", events[2].ButtonPayload)

	require.True(t, events[3].IsEcho)
	require.Equal(t, "5511999990004", events[3].ContactPhone)
	for _, e := range events {
		require.Equal(t, "owner", e.OwnerId)
	}
}

func TestWhatsAppWebhookStartsSession(t *testing.T) {
	h := newHarness(t, config.WebhookConfig{})
	a := &model.Automation{OwnerId: "owner", Name: "menu", Graph: askGraph(), TriggerType: model.TRIGGER_KEYWORD, TriggerKeywords: []string{"menu"}, IsActive: true}
	require.NoError(t, h.automations.Save(context.Background(), a))

	rec := h.do(t, http.MethodPost, "/webhook/owner/whatsapp", []byte(textNotification), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[struct {
		Decisions []decisionResponse `json:"decisions"`
	}](t, rec)
	require.Len(t, body.Decisions, 4)
	require.Equal(t, trigger.DECISION_KEYWORD, body.Decisions[0].Kind)
	require.Equal(t, a.Id, body.Decisions[0].AutomationId)
	require.NotEmpty(t, body.Decisions[0].SessionId)

	rec = h.do(t, http.MethodGet, "/sessions/"+body.Decisions[0].SessionId+"/logs", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), string(model.LOG_WAITING_REPLY))

	rec = h.do(t, http.MethodPost, "/sessions/"+body.Decisions[0].SessionId+"/stop", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), string(model.SESSION_STOPPED))

	rec = h.do(t, http.MethodGet, "/sessions/missing/logs", nil, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWebhookSignatureAndVerify(t *testing.T) {
	h := newHarness(t, config.WebhookConfig{VerifyToken: "tok", AppSecret: "secret"})
	for scenario, fn := range map[string]func(t *testing.T){
		"bad signature rejected": func(t *testing.T) {
			rec := h.do(t, http.MethodPost, "/webhook/owner/whatsapp", []byte(`{}`), map[string]string{"X-Hub-Signature-256": "sha256=00"})
			require.Equal(t, http.StatusUnauthorized, rec.Code)
		},
		"good signature accepted": func(t *testing.T) {
			mac := hmac.New(sha256.New, []byte("secret"))
			mac.Write([]byte(`{}`))
			sig := "sha256=" + hex.EncodeToString(mac.Sum(nil))
			rec := h.do(t, http.MethodPost, "/webhook/owner/whatsapp", []byte(`{}`), map[string]string{"X-Hub-Signature-256": sig})
			require.Equal(t, http.StatusOK, rec.Code)
		},
		"challenge echoed": func(t *testing.T) {
			rec := h.do(t, http.MethodGet, "/webhook/owner/whatsapp?hub.mode=subscribe&hub.verify_token=tok&hub.challenge=42", nil, nil)
			require.Equal(t, http.StatusOK, rec.Code)
			require.Equal(t, "42", rec.Body.String())
		},
		"wrong token forbidden": func(t *testing.T) {
			rec := h.do(t, http.MethodGet, "/webhook/owner/whatsapp?hub.mode=subscribe&hub.verify_token=x&hub.challenge=42", nil, nil)
			require.Equal(t, http.StatusForbidden, rec.Code)
		},
	} {
		t.Run(scenario, fn)
	}
}

func TestInboundEventSurvivesClientHangup(t *testing.T) {
	h := newHarness(t, config.WebhookConfig{})
	a := &model.Automation{OwnerId: "owner", Name: "oferta", TriggerType: model.TRIGGER_KEYWORD, TriggerKeywords: []string{"oferta"}, IsActive: true, Graph: model.FlowDefinition{
		Nodes: []model.Node{
			{Id: "hello", Type: model.NODE_TYPE_MESSAGE, Data: json.RawMessage(`{"text":"Temos uma oferta","typingDelay":0.3}`)},
			{Id: "done", Type: model.NODE_TYPE_CLOSE},
		},
		Edges: []model.Edge{{Source: "hello", Target: "done"}},
	}}
	require.NoError(t, h.automations.Save(context.Background(), a))

	ctx, hangup := context.WithCancel(context.Background())
	hangup()
	req := httptest.NewRequest(http.MethodPost, "/webhook/owner", bytes.NewReader([]byte(`{"contactPhone":"5511999990001","text":"oferta"}`))).WithContext(ctx)
	rec := httptest.NewRecorder()
	h.server.Handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	decision := decode[decisionResponse](t, rec)
	require.Equal(t, trigger.DECISION_KEYWORD, decision.Kind)
	s, err := h.store.GetSession(context.Background(), decision.SessionId)
	require.NoError(t, err)
	require.Equal(t, model.SESSION_COMPLETED, s.Status)
	require.Equal(t, []string{"5511999990001"}, h.adapter.sent)
}

func TestInboundEventRejectsBadPhone(t *testing.T) {
	h := newHarness(t, config.WebhookConfig{})
	rec := h.do(t, http.MethodPost, "/webhook/owner", []byte(`{"contactPhone":"abc","text":"oi"}`), nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestFlowEndpoints(t *testing.T) {
	h := newHarness(t, config.WebhookConfig{})
	body, err := json.Marshal(model.Flow{OwnerId: "owner", Name: "f", Graph: askGraph()})
	require.NoError(t, err)
	rec := h.do(t, http.MethodPost, "/flows", body, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	created := decode[model.Flow](t, rec)
	require.NotEmpty(t, created.Id)

	rec = h.do(t, http.MethodGet, "/flows/"+created.Id+"/export", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	exported := rec.Body.Bytes()

	rec = h.do(t, http.MethodPost, "/flows/import?ownerId=owner&name=copy", exported, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	imported := decode[model.Flow](t, rec)
	require.NotEqual(t, created.Id, imported.Id)
	require.Equal(t, created.Graph.Nodes[0].Id, imported.Graph.Nodes[0].Id)

	rec = h.do(t, http.MethodPost, "/flows/import", []byte(`{"nodes":[]}`), nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	rec = h.do(t, http.MethodGet, "/flows/missing", nil, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAutomationKeywordConflict(t *testing.T) {
	h := newHarness(t, config.WebhookConfig{})
	create := func(keyword string) model.Automation {
		body, err := json.Marshal(model.Automation{OwnerId: "owner", Name: keyword, Graph: askGraph(), TriggerType: model.TRIGGER_KEYWORD, TriggerKeywords: []string{keyword}})
		require.NoError(t, err)
		rec := h.do(t, http.MethodPost, "/automations", body, nil)
		require.Equal(t, http.StatusCreated, rec.Code)
		return decode[model.Automation](t, rec)
	}
	first := create("Menu")
	second := create("menu ")

	rec := h.do(t, http.MethodPost, "/automations/"+first.Id+"/activate", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = h.do(t, http.MethodPost, "/automations/"+second.Id+"/activate", nil, nil)
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = h.do(t, http.MethodPost, "/automations/"+first.Id+"/deactivate", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = h.do(t, http.MethodPost, "/automations/"+second.Id+"/activate", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestDispatchEndpoints(t *testing.T) {
	h := newHarness(t, config.WebhookConfig{})
	body, err := json.Marshal(dispatch.StartRequest{
		OwnerId:      "owner",
		Leads:        []model.Lead{{"telefone": "11999990001"}, {"telefone": "11999990002"}},
		DispatchType: model.DISPATCH_TYPE_TEMPLATE,
		TemplateName: "promo",
		Language:     "pt_BR",
	})
	require.NoError(t, err)
	rec := h.do(t, http.MethodPost, "/dispatches", body, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	started := decode[model.DispatchProgress](t, rec)
	require.Equal(t, 2, started.TotalLeads)

	require.Eventually(t, func() bool {
		rec := h.do(t, http.MethodGet, "/dispatches/"+started.DispatchId, nil, nil)
		return decode[model.DispatchProgress](t, rec).Status == model.DISPATCH_COMPLETED
	}, 2*time.Second, 10*time.Millisecond)

	rec = h.do(t, http.MethodPost, "/dispatches/"+started.DispatchId+"/pause", nil, nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	rec = h.do(t, http.MethodPost, "/dispatches/"+started.DispatchId+"/explode", nil, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	rec = h.do(t, http.MethodGet, "/dispatches/missing", nil, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	rec = h.do(t, http.MethodPost, "/dispatches", []byte(`{"ownerId":"owner","dispatchType":"template","templateName":"x"}`), nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDispatchEventsStreamsCurrentProgress(t *testing.T) {
	h := newHarness(t, config.WebhookConfig{})
	d := &model.Dispatch{
		Id:           "d1",
		OwnerId:      "owner",
		LeadsData:    []model.Lead{{"phone": "5511999990001"}},
		Status:       model.DISPATCH_PAUSED,
		DispatchType: model.DISPATCH_TYPE_TEMPLATE,
		TemplateName: "promo",
	}
	require.NoError(t, h.store.CreateDispatch(context.Background(), d))

	srv := httptest.NewServer(h.server.Handler)
	defer srv.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/dispatches/d1/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "event: progress", strings.TrimSpace(line))
	line, err = reader.ReadString('\n')
	require.NoError(t, err)
	require.Contains(t, line, `"status":"paused"`)
}
