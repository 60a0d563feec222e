package engine

import (
	"context"
	"strings"

	"github.com/felcoslop/tizap-sub000/action"
	"github.com/felcoslop/tizap-sub000/flow"
	"github.com/felcoslop/tizap-sub000/logger"
	"github.com/felcoslop/tizap-sub000/model"
	"go.uber.org/zap"
)

type Advance struct {
	// Target is the next node; empty means the flow ends here.
	Target   string
	Handle   string
	Invalid  bool
	Reprompt bool
}

// AdvanceReply resolves a reply received while waiting on node.
func AdvanceReply(graph *flow.Graph, node *model.Node, text string, payload string) Advance {
	if node.Type == model.NODE_TYPE_OPTIONS {
		return advanceOptions(graph, node, text, payload)
	}
	if edge, ok := graph.EdgeFor(node.Id, model.HANDLE_GREEN); ok {
		return Advance{Target: edge.Target, Handle: edge.SourceHandle}
	}
	if edge, ok := graph.DefaultEdge(node.Id); ok {
		return Advance{Target: edge.Target, Handle: edge.SourceHandle}
	}
	return Advance{}
}

func advanceOptions(graph *flow.Graph, node *model.Node, text string, payload string) Advance {
	data, err := action.ParseOptions(node)
	if err == nil {
		if handle, ok := data.MatchOption(text, payload); ok {
			if edge, ok := graph.EdgeFor(node.Id, handle); ok {
				return Advance{Target: edge.Target, Handle: handle}
			}
			if edge, ok := graph.DefaultEdge(node.Id); ok {
				return Advance{Target: edge.Target, Handle: handle}
			}
			return Advance{Handle: handle}
		}
	}
	if edge, ok := graph.EdgeFor(node.Id, model.HANDLE_INVALID); ok {
		return Advance{Target: edge.Target, Handle: model.HANDLE_INVALID, Invalid: true}
	}
	return Advance{Invalid: true, Reprompt: true}
}

// Reply feeds an inbound message to a session waiting for it.
func (e *Engine) Reply(ctx context.Context, sessionId string, event model.InboundEvent) (*model.FlowSession, error) {
	unlock, err := e.lock(ctx, sessionId)
	if err != nil {
		return nil, err
	}
	defer unlock()
	session, err := e.storage.GetSession(ctx, sessionId)
	if err != nil {
		return nil, err
	}
	if session.Status != model.SESSION_WAITING_REPLY {
		return session, ErrNotWaiting
	}
	graph, err := e.Graph(ctx, session)
	if err != nil {
		return e.fail(ctx, session, session.CurrentStep, err)
	}
	node, ok := graph.Node(session.CurrentStep)
	if !ok {
		return e.finish(ctx, session, session.CurrentStep, "node "+session.CurrentStep+" not found")
	}

	reply := strings.TrimSpace(event.Text)
	if reply == "" {
		reply = event.ButtonPayload
	}
	e.appendLog(ctx, session, node.Id, model.LOG_RECEIVED_REPLY, reply)
	if session.Variables == nil {
		session.Variables = map[string]any{}
	}
	session.Variables["last_reply"] = reply
	session.Variables["reply_"+node.Id] = reply

	next := AdvanceReply(graph, node, event.Text, event.ButtonPayload)
	if next.Invalid {
		e.appendLog(ctx, session, node.Id, model.LOG_INVALID_REPLY, reply)
	}
	logger.Debug("reply resolved", zap.String("session", session.Id), zap.String("node", node.Id), zap.String("handle", next.Handle), zap.String("target", next.Target), zap.Bool("reprompt", next.Reprompt))
	if next.Reprompt {
		next.Target = node.Id
	}
	if next.Target == "" {
		return e.finish(ctx, session, node.Id, "end of flow")
	}
	session.CurrentStep = next.Target
	session.Status = model.SESSION_ACTIVE
	session.WaitingSince = nil
	if err := e.save(ctx, session); err != nil {
		return e.abandon(ctx, session, err)
	}
	return e.run(ctx, session, graph)
}
