package persistence

import (
	"context"
	"time"

	"github.com/felcoslop/tizap-sub000/model"
)

type FlowStorage interface {
	SaveFlow(ctx context.Context, flow *model.Flow) error
	GetFlow(ctx context.Context, id string) (*model.Flow, error)
	SaveAutomation(ctx context.Context, automation *model.Automation) error
	GetAutomation(ctx context.Context, id string) (*model.Automation, error)
	ListAutomations(ctx context.Context, ownerId string) ([]*model.Automation, error)
}

// SessionStorage enforces at most one non-terminal session per
// (owner, contact phone) and refuses to reopen terminal sessions.
type SessionStorage interface {
	CreateSession(ctx context.Context, session *model.FlowSession) error
	SaveSession(ctx context.Context, session *model.FlowSession) error
	GetSession(ctx context.Context, id string) (*model.FlowSession, error)
	// FindContactSessions returns the sessions of the owner whose contact phone
	// is one of phones, newest first.
	FindContactSessions(ctx context.Context, ownerId string, phones []string) ([]*model.FlowSession, error)
	AppendSessionLog(ctx context.Context, log *model.FlowSessionLog) error
	ListSessionLogs(ctx context.Context, sessionId string) ([]*model.FlowSessionLog, error)
}

type DispatchStorage interface {
	CreateDispatch(ctx context.Context, dispatch *model.Dispatch) error
	GetDispatch(ctx context.Context, id string) (*model.Dispatch, error)
	UpdateDispatchStatus(ctx context.Context, id string, status model.DispatchStatus) error
	// RecordRowResult appends the row log and updates the counters in one step.
	// currentIndex becomes max(currentIndex, log.RowIndex+1). A row that already
	// has a log is not counted twice; recorded is false in that case.
	RecordRowResult(ctx context.Context, log *model.DispatchLog) (dispatch *model.Dispatch, recorded bool, err error)
	IsRowRecorded(ctx context.Context, dispatchId string, rowIndex int) (bool, error)
	// ClaimRow reserves a row for a single sender until lease elapses. claimed
	// is false when the row already has an outcome or another live claim.
	ClaimRow(ctx context.Context, dispatchId string, rowIndex int, lease time.Duration) (claimed bool, err error)
	// ReleaseRow drops the claim of a row that was not sent.
	ReleaseRow(ctx context.Context, dispatchId string, rowIndex int) error
	ListDispatchLogs(ctx context.Context, dispatchId string) ([]*model.DispatchLog, error)
	ListDispatches(ctx context.Context, status model.DispatchStatus) ([]*model.Dispatch, error)
}

type AccountStorage interface {
	GetAccount(ctx context.Context, id string) (*model.Account, error)
	SaveAccount(ctx context.Context, account *model.Account) error
	SaveChannelConfig(ctx context.Context, conf *model.ChannelConfig) error
	GetChannelConfig(ctx context.Context, id string) (*model.ChannelConfig, error)
	SetContactChannel(ctx context.Context, ownerId string, phone string, configId string) error
	// ResolveChannelConfig returns the contact override if present, otherwise
	// the account default.
	ResolveChannelConfig(ctx context.Context, ownerId string, phone string) (*model.ChannelConfig, error)
}

type Storage interface {
	FlowStorage
	SessionStorage
	DispatchStorage
	AccountStorage
}

type Queue interface {
	Push(ctx context.Context, queueName string, message []byte) error
	// Pop blocks up to timeout and returns EmptyQueueError when nothing arrived.
	Pop(ctx context.Context, queueName string, timeout time.Duration) ([]byte, error)
}

type DelayQueue interface {
	PushWithDelay(ctx context.Context, queueName string, delay time.Duration, message []byte) error
	PushAt(ctx context.Context, queueName string, at time.Time, message []byte) error
	// Pop removes and returns every message whose time has come, or
	// EmptyQueueError when none is due.
	Pop(ctx context.Context, queueName string) ([]string, error)
}

type Locker interface {
	// Lock blocks until the key is held or ctx is done. The returned func
	// releases the lock.
	Lock(ctx context.Context, key string, ttl time.Duration) (func(), error)
}
