package action

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/felcoslop/tizap-sub000/channel"
	"github.com/felcoslop/tizap-sub000/email"
	"github.com/felcoslop/tizap-sub000/model"
)

var ErrUnknownNodeType = errors.New("unknown node type")
var ErrInvalidNodeData = errors.New("invalid node data")

type ResultAction string

const RESULT_CONTINUE ResultAction = "continue"
const RESULT_WAIT ResultAction = "wait"
const RESULT_SCHEDULE ResultAction = "schedule"
const RESULT_END ResultAction = "end"
const RESULT_ERROR ResultAction = "error"

type LogEntry struct {
	Action  model.LogAction
	Message string
}

type Result struct {
	Action      ResultAction
	WaitTimeout time.Duration
	ScheduledAt *time.Time
	Err         error
	Logs        []LogEntry
}

func (r *Result) log(action model.LogAction, msg string) {
	r.Logs = append(r.Logs, LogEntry{Action: action, Message: msg})
}

func failed(err error, logs ...LogEntry) Result {
	return Result{Action: RESULT_ERROR, Err: err, Logs: logs}
}

// Platform carries everything a node may touch besides the session.
type Platform struct {
	Channel       channel.Adapter
	Channels      channel.Resolver
	Email         email.Sender
	Account       *model.Account
	ImageInterval time.Duration
	Now           func() time.Time
	Sleep         func(ctx context.Context, d time.Duration) error
}

func (p *Platform) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

func (p *Platform) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	if p.Sleep != nil {
		return p.Sleep(ctx, d)
	}
	return Sleep(ctx, d)
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type Handler func(ctx context.Context, session *model.FlowSession, node *model.Node, p *Platform) Result

// Registry maps each node kind to its handler.
type Registry struct {
	handlers map[model.NodeType]Handler
}

func NewRegistry() *Registry {
	r := &Registry{handlers: make(map[model.NodeType]Handler)}
	r.Register(model.NODE_TYPE_MESSAGE, executeMessage)
	r.Register(model.NODE_TYPE_TEMPLATE, executeTemplate)
	r.Register(model.NODE_TYPE_OPTIONS, executeOptions)
	r.Register(model.NODE_TYPE_IMAGE, executeImage)
	r.Register(model.NODE_TYPE_EMAIL, executeEmail)
	r.Register(model.NODE_TYPE_ALERT, executeAlert)
	r.Register(model.NODE_TYPE_BUSINESS_HOURS, executeBusinessHours)
	r.Register(model.NODE_TYPE_CLOSE, executeClose)
	return r
}

func (r *Registry) Register(nodeType model.NodeType, h Handler) {
	r.handlers[nodeType] = h
}

func (r *Registry) Execute(ctx context.Context, session *model.FlowSession, node *model.Node, p *Platform) Result {
	h, ok := r.handlers[node.Type]
	if !ok {
		return failed(fmt.Errorf("%w: %q", ErrUnknownNodeType, node.Type))
	}
	return h(ctx, session, node, p)
}

func decode[T any](node *model.Node) (*T, error) {
	var out T
	if len(node.Data) == 0 {
		return &out, nil
	}
	if err := json.Unmarshal(node.Data, &out); err != nil {
		return nil, fmt.Errorf("%w: node %s: %v", ErrInvalidNodeData, node.Id, err)
	}
	return &out, nil
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

func (p *Platform) send(ctx context.Context, session *model.FlowSession, payload channel.Payload) (channel.SendResult, error) {
	if p.Channel == nil {
		return channel.SendResult{}, channel.ErrNoChannel
	}
	return p.Channel.Send(ctx, session.ContactPhone, payload)
}
