package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/felcoslop/tizap-sub000/action"
	"github.com/felcoslop/tizap-sub000/config"
	"github.com/felcoslop/tizap-sub000/container"
	"github.com/felcoslop/tizap-sub000/flow"
	"github.com/felcoslop/tizap-sub000/logger"
	"github.com/felcoslop/tizap-sub000/model"
	"github.com/felcoslop/tizap-sub000/persistence"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var ErrStepLimit = errors.New("step limit exceeded")
var ErrNotWaiting = errors.New("session is not waiting for a reply")

const sessionLockTTL = 2 * time.Minute

type StartRequest struct {
	OwnerId      string
	FlowId       string
	AutomationId string
	DispatchId   string
	ContactPhone string
	Variables    map[string]any
}

// Engine runs flow sessions. Every entry point that moves a session holds
// the session lock, so steps of one session never run concurrently.
type Engine struct {
	container *container.DIContiner
	storage   persistence.Storage
	registry  *action.Registry
	conf      config.EngineConfig
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error
}

func NewEngine(container *container.DIContiner, conf config.EngineConfig) *Engine {
	if conf.MaxSteps <= 0 {
		conf.MaxSteps = 50
	}
	return &Engine{
		container: container,
		storage:   container.GetStorage(),
		registry:  action.NewRegistry(),
		conf:      conf,
		now:       time.Now,
		sleep:     action.Sleep,
	}
}

func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

func (e *Engine) WithSleep(sleep func(ctx context.Context, d time.Duration) error) *Engine {
	e.sleep = sleep
	return e
}

func (e *Engine) lock(ctx context.Context, sessionId string) (func(), error) {
	return e.container.GetLocker().Lock(ctx, "session-lock:"+sessionId, sessionLockTTL)
}

func (e *Engine) Graph(ctx context.Context, session *model.FlowSession) (*flow.Graph, error) {
	var def model.FlowDefinition
	var version int
	if session.AutomationId != "" {
		a, err := e.storage.GetAutomation(ctx, session.AutomationId)
		if err != nil {
			return nil, err
		}
		def, version = a.Graph, a.Version
	} else {
		f, err := e.storage.GetFlow(ctx, session.FlowId)
		if err != nil {
			return nil, err
		}
		def, version = f.Graph, f.Version
	}
	graphs := e.container.GetGraphCache()
	if g, ok := graphs.GetGraph(session.GraphKey(), version); ok {
		return g, nil
	}
	g, err := flow.NewGraph(def)
	if err != nil {
		return nil, err
	}
	graphs.SaveGraph(session.GraphKey(), version, g)
	return g, nil
}

// Start creates a session at the start node of the flow or automation and
// runs it until it suspends or ends.
func (e *Engine) Start(ctx context.Context, req StartRequest) (*model.FlowSession, error) {
	now := e.now().UTC()
	vars := make(map[string]any, len(req.Variables)+1)
	for k, v := range req.Variables {
		vars[k] = v
	}
	vars["phone"] = req.ContactPhone
	session := &model.FlowSession{
		Id:           uuid.New().String(),
		OwnerId:      req.OwnerId,
		FlowId:       req.FlowId,
		AutomationId: req.AutomationId,
		DispatchId:   req.DispatchId,
		ContactPhone: req.ContactPhone,
		Status:       model.SESSION_ACTIVE,
		Variables:    vars,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	graph, err := e.Graph(ctx, session)
	if err != nil {
		return nil, err
	}
	session.CurrentStep = graph.StartNode()
	if err := e.storage.CreateSession(ctx, session); err != nil {
		return nil, err
	}
	logger.Info("session started", zap.String("session", session.Id), zap.String("graph", session.GraphKey()), zap.String("contact", session.ContactPhone))

	unlock, err := e.lock(ctx, session.Id)
	if err != nil {
		return session, err
	}
	defer unlock()
	return e.run(ctx, session, graph)
}

// Run continues a session from its current step.
func (e *Engine) Run(ctx context.Context, sessionId string) (*model.FlowSession, error) {
	unlock, err := e.lock(ctx, sessionId)
	if err != nil {
		return nil, err
	}
	defer unlock()
	session, err := e.storage.GetSession(ctx, sessionId)
	if err != nil {
		return nil, err
	}
	if session.Status.IsTerminal() {
		return session, nil
	}
	graph, err := e.Graph(ctx, session)
	if err != nil {
		return e.fail(ctx, session, "", err)
	}
	return e.run(ctx, session, graph)
}

func (e *Engine) platform(ctx context.Context, session *model.FlowSession) (*action.Platform, error) {
	account, err := e.storage.GetAccount(ctx, session.OwnerId)
	if err != nil {
		if !errors.Is(err, persistence.ErrNotFound) {
			return nil, err
		}
		account = &model.Account{Id: session.OwnerId}
	}
	channels := e.container.GetChannels()
	adapter, err := channels.ForContact(ctx, session.OwnerId, session.ContactPhone)
	if err != nil {
		return nil, err
	}
	return &action.Platform{
		Channel:       adapter,
		Channels:      channels,
		Email:         e.container.GetEmailSender(),
		Account:       account,
		ImageInterval: e.conf.ImageInterval,
		Now:           e.now,
		Sleep:         e.sleep,
	}, nil
}

// run is the bounded trampoline. Caller holds the session lock.
func (e *Engine) run(ctx context.Context, session *model.FlowSession, graph *flow.Graph) (*model.FlowSession, error) {
	p, err := e.platform(ctx, session)
	if err != nil {
		return e.fail(ctx, session, session.CurrentStep, err)
	}
	collector := e.container.GetCollector()
	for steps := 0; ; steps++ {
		if steps >= e.conf.MaxSteps {
			return e.fail(ctx, session, session.CurrentStep, fmt.Errorf("%w: %d", ErrStepLimit, e.conf.MaxSteps))
		}
		node, ok := graph.Node(session.CurrentStep)
		if !ok {
			return e.finish(ctx, session, session.CurrentStep, fmt.Sprintf("node %s not found", session.CurrentStep))
		}
		if live, err := e.stillLive(ctx, session); !live {
			return session, err
		}

		res := e.registry.Execute(ctx, session, node, p)
		for _, l := range res.Logs {
			e.appendLog(ctx, session, node.Id, l.Action, l.Message)
		}
		if res.Action == action.RESULT_ERROR {
			collector.RecordStepFailure(session, node, res.Err.Error())
		} else {
			collector.RecordStepSuccess(session, node, string(res.Action))
		}

		switch res.Action {
		case action.RESULT_ERROR:
			return e.fail(ctx, session, node.Id, res.Err)
		case action.RESULT_END:
			return e.finish(ctx, session, node.Id, "closed by "+node.Id)
		case action.RESULT_SCHEDULE:
			return e.schedule(ctx, session, node, *res.ScheduledAt)
		case action.RESULT_WAIT:
			return e.wait(ctx, session, graph, node, res.WaitTimeout)
		}

		if graph.HasInteractiveHandle(node.Id) {
			return e.wait(ctx, session, graph, node, 0)
		}
		edge, ok := graph.DefaultEdge(node.Id)
		if !ok {
			return e.finish(ctx, session, node.Id, "end of flow")
		}
		session.CurrentStep = edge.Target
		session.Status = model.SESSION_ACTIVE
		if err := e.save(ctx, session); err != nil {
			return e.abandon(ctx, session, err)
		}
	}
}

// stillLive re-reads the stored status so a concurrent stop wins over an
// in-flight execution.
func (e *Engine) stillLive(ctx context.Context, session *model.FlowSession) (bool, error) {
	stored, err := e.storage.GetSession(ctx, session.Id)
	if err != nil {
		return false, err
	}
	if stored.Status.IsTerminal() {
		*session = *stored
		logger.Info("abandoning execution of closed session", zap.String("session", session.Id), zap.String("status", string(stored.Status)))
		return false, nil
	}
	return true, nil
}

func (e *Engine) save(ctx context.Context, session *model.FlowSession) error {
	session.UpdatedAt = e.now().UTC()
	return e.storage.SaveSession(ctx, session)
}

func (e *Engine) abandon(ctx context.Context, session *model.FlowSession, err error) (*model.FlowSession, error) {
	if errors.Is(err, persistence.ErrSessionClosed) {
		stored, getErr := e.storage.GetSession(ctx, session.Id)
		if getErr == nil {
			return stored, nil
		}
		return session, nil
	}
	logger.Error("error saving session", zap.String("session", session.Id), zap.Error(err))
	return session, err
}

func (e *Engine) terminate(ctx context.Context, session *model.FlowSession, nodeId string, status model.SessionStatus, logAction model.LogAction, msg string) (*model.FlowSession, error) {
	session.Status = status
	session.ScheduledAt = nil
	session.WaitingSince = nil
	if err := e.save(ctx, session); err != nil {
		return e.abandon(ctx, session, err)
	}
	e.appendLog(ctx, session, nodeId, logAction, msg)
	return session, nil
}

func (e *Engine) finish(ctx context.Context, session *model.FlowSession, nodeId string, msg string) (*model.FlowSession, error) {
	logger.Info("session completed", zap.String("session", session.Id), zap.String("node", nodeId), zap.String("reason", msg))
	return e.terminate(ctx, session, nodeId, model.SESSION_COMPLETED, model.LOG_COMPLETED, msg)
}

// fail ends the session with status error. The error is recorded, not
// returned, so triggering requests never fail because of a broken flow.
func (e *Engine) fail(ctx context.Context, session *model.FlowSession, nodeId string, cause error) (*model.FlowSession, error) {
	logger.Error("session failed", zap.String("session", session.Id), zap.String("node", nodeId), zap.Error(cause))
	return e.terminate(ctx, session, nodeId, model.SESSION_ERROR, model.LOG_ERROR, cause.Error())
}

func (e *Engine) wait(ctx context.Context, session *model.FlowSession, graph *flow.Graph, node *model.Node, timeout time.Duration) (*model.FlowSession, error) {
	now := e.now().UTC().Truncate(time.Microsecond)
	session.Status = model.SESSION_WAITING_REPLY
	session.WaitingSince = &now
	if err := e.save(ctx, session); err != nil {
		return e.abandon(ctx, session, err)
	}
	e.appendLog(ctx, session, node.Id, model.LOG_WAITING_REPLY, "")
	if _, ok := graph.EdgeFor(node.Id, model.HANDLE_RED); ok && timeout > 0 {
		e.pushTimer(ctx, now.Add(timeout), model.SessionTimer{Kind: model.TIMER_REPLY_TIMEOUT, SessionId: session.Id, NodeId: node.Id, WaitingSince: &now})
	}
	return session, nil
}

func (e *Engine) schedule(ctx context.Context, session *model.FlowSession, node *model.Node, at time.Time) (*model.FlowSession, error) {
	session.Status = model.SESSION_WAITING_BUSINESS_HOURS
	session.ScheduledAt = &at
	if err := e.save(ctx, session); err != nil {
		return e.abandon(ctx, session, err)
	}
	e.pushTimer(ctx, at, model.SessionTimer{Kind: model.TIMER_RESUME, SessionId: session.Id, NodeId: node.Id})
	logger.Info("session scheduled", zap.String("session", session.Id), zap.Time("at", at))
	return session, nil
}

func (e *Engine) pushTimer(ctx context.Context, at time.Time, timer model.SessionTimer) {
	data, err := e.container.SessionTimerEncDec.Encode(timer)
	if err != nil {
		logger.Error("error encoding session timer", zap.String("session", timer.SessionId), zap.Error(err))
		return
	}
	if err := e.container.GetDelayQueue().PushAt(ctx, persistence.SESSION_TIMER_QUEUE, at, data); err != nil {
		logger.Error("error scheduling session timer", zap.String("session", timer.SessionId), zap.Error(err))
	}
}

func (e *Engine) appendLog(ctx context.Context, session *model.FlowSession, nodeId string, logAction model.LogAction, msg string) {
	entry := &model.FlowSessionLog{
		Id:        uuid.New().String(),
		SessionId: session.Id,
		NodeId:    nodeId,
		Action:    logAction,
		Message:   msg,
		CreatedAt: e.now().UTC(),
	}
	if err := e.storage.AppendSessionLog(ctx, entry); err != nil {
		logger.Error("error appending session log", zap.String("session", session.Id), zap.Error(err))
	}
}

// Stop closes a session immediately, whatever its status.
func (e *Engine) Stop(ctx context.Context, sessionId string) (*model.FlowSession, error) {
	session, err := e.storage.GetSession(ctx, sessionId)
	if err != nil {
		return nil, err
	}
	if session.Status == model.SESSION_STOPPED {
		return session, nil
	}
	return e.terminate(ctx, session, session.CurrentStep, model.SESSION_STOPPED, model.LOG_STOPPED, "stopped manually")
}

// Expire closes a live session that has been superseded or went stale.
func (e *Engine) Expire(ctx context.Context, session *model.FlowSession, reason string) error {
	if session.Status.IsTerminal() {
		return nil
	}
	_, err := e.terminate(ctx, session, session.CurrentStep, model.SESSION_EXPIRED, model.LOG_EXPIRED, reason)
	return err
}

// ExpireContact expires every live session of the owner whose contact is one
// of phones. It runs before any new session is created for a contact.
func (e *Engine) ExpireContact(ctx context.Context, ownerId string, phones []string, reason string) error {
	sessions, err := e.storage.FindContactSessions(ctx, ownerId, phones)
	if err != nil {
		return err
	}
	for _, s := range sessions {
		if s.Status.IsTerminal() {
			continue
		}
		if err := e.Expire(ctx, s, reason); err != nil && !errors.Is(err, persistence.ErrSessionClosed) {
			return err
		}
	}
	return nil
}
