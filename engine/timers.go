package engine

import (
	"context"

	"github.com/felcoslop/tizap-sub000/logger"
	"github.com/felcoslop/tizap-sub000/model"
	"go.uber.org/zap"
)

// HandleTimer wakes a session from the delay queue. Timers that no longer
// match the session state are dropped.
func (e *Engine) HandleTimer(ctx context.Context, timer model.SessionTimer) (*model.FlowSession, error) {
	switch timer.Kind {
	case model.TIMER_RESUME:
		return e.ResumeScheduled(ctx, timer.SessionId)
	case model.TIMER_REPLY_TIMEOUT:
		return e.TimeoutReply(ctx, timer)
	}
	logger.Warn("unknown session timer", zap.String("kind", string(timer.Kind)), zap.String("session", timer.SessionId))
	return nil, nil
}

// ResumeScheduled continues a session parked outside business hours along
// the default edge of the node that parked it.
func (e *Engine) ResumeScheduled(ctx context.Context, sessionId string) (*model.FlowSession, error) {
	unlock, err := e.lock(ctx, sessionId)
	if err != nil {
		return nil, err
	}
	defer unlock()
	session, err := e.storage.GetSession(ctx, sessionId)
	if err != nil {
		return nil, err
	}
	if session.Status != model.SESSION_WAITING_BUSINESS_HOURS {
		return session, nil
	}
	if session.ScheduledAt != nil && session.ScheduledAt.After(e.now()) {
		return session, nil
	}
	graph, err := e.Graph(ctx, session)
	if err != nil {
		return e.fail(ctx, session, session.CurrentStep, err)
	}
	edge, ok := graph.DefaultEdge(session.CurrentStep)
	if !ok {
		return e.finish(ctx, session, session.CurrentStep, "end of flow")
	}
	session.CurrentStep = edge.Target
	session.Status = model.SESSION_ACTIVE
	session.ScheduledAt = nil
	if err := e.save(ctx, session); err != nil {
		return e.abandon(ctx, session, err)
	}
	return e.run(ctx, session, graph)
}

// TimeoutReply follows the no-reply edge when the contact stayed silent.
func (e *Engine) TimeoutReply(ctx context.Context, timer model.SessionTimer) (*model.FlowSession, error) {
	unlock, err := e.lock(ctx, timer.SessionId)
	if err != nil {
		return nil, err
	}
	defer unlock()
	session, err := e.storage.GetSession(ctx, timer.SessionId)
	if err != nil {
		return nil, err
	}
	if session.Status != model.SESSION_WAITING_REPLY || session.CurrentStep != timer.NodeId {
		return session, nil
	}
	if timer.WaitingSince != nil && (session.WaitingSince == nil || !session.WaitingSince.Equal(*timer.WaitingSince)) {
		return session, nil
	}
	graph, err := e.Graph(ctx, session)
	if err != nil {
		return e.fail(ctx, session, session.CurrentStep, err)
	}
	edge, ok := graph.EdgeFor(session.CurrentStep, model.HANDLE_RED)
	if !ok {
		return session, nil
	}
	e.appendLog(ctx, session, session.CurrentStep, model.LOG_REPLY_TIMEOUT, "no reply")
	session.CurrentStep = edge.Target
	session.Status = model.SESSION_ACTIVE
	session.WaitingSince = nil
	if err := e.save(ctx, session); err != nil {
		return e.abandon(ctx, session, err)
	}
	return e.run(ctx, session, graph)
}
