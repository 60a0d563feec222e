package model

import "time"

type SessionStatus string

const SESSION_ACTIVE SessionStatus = "active"
const SESSION_WAITING_REPLY SessionStatus = "waiting_reply"
const SESSION_WAITING_BUSINESS_HOURS SessionStatus = "waiting_business_hours"
const SESSION_COMPLETED SessionStatus = "completed"
const SESSION_STOPPED SessionStatus = "stopped"
const SESSION_EXPIRED SessionStatus = "expired"
const SESSION_ERROR SessionStatus = "error"

func (s SessionStatus) IsTerminal() bool {
	switch s {
	case SESSION_COMPLETED, SESSION_STOPPED, SESSION_EXPIRED, SESSION_ERROR:
		return true
	}
	return false
}

type FlowSession struct {
	Id           string         `json:"id"`
	OwnerId      string         `json:"ownerId"`
	FlowId       string         `json:"flowId,omitempty"`
	AutomationId string         `json:"automationId,omitempty"`
	DispatchId   string         `json:"dispatchId,omitempty"`
	ContactPhone string         `json:"contactPhone"`
	CurrentStep  string         `json:"currentStep"`
	Status       SessionStatus  `json:"status"`
	Variables    map[string]any `json:"variables"`
	ScheduledAt  *time.Time     `json:"scheduledAt,omitempty"`
	WaitingSince *time.Time     `json:"waitingSince,omitempty"`
	CreatedAt    time.Time      `json:"createdAt"`
	UpdatedAt    time.Time      `json:"updatedAt"`
}

// GraphKey identifies the flow or automation that owns the session.
func (s *FlowSession) GraphKey() string {
	if s.AutomationId != "" {
		return "automation:" + s.AutomationId
	}
	return "flow:" + s.FlowId
}

type LogAction string

const LOG_SENT_MESSAGE LogAction = "sent_message"
const LOG_WAITING_REPLY LogAction = "waiting_reply"
const LOG_RECEIVED_REPLY LogAction = "received_reply"
const LOG_INVALID_REPLY LogAction = "invalid_reply"
const LOG_ERROR LogAction = "error"
const LOG_COMPLETED LogAction = "completed"
const LOG_STOPPED LogAction = "stopped"
const LOG_EXPIRED LogAction = "expired"
const LOG_SCHEDULED LogAction = "scheduled"
const LOG_REPLY_TIMEOUT LogAction = "reply_timeout"

type FlowSessionLog struct {
	Id        string    `json:"id"`
	SessionId string    `json:"sessionId"`
	NodeId    string    `json:"nodeId,omitempty"`
	Action    LogAction `json:"action"`
	Message   string    `json:"message,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

type TimerKind string

const TIMER_RESUME TimerKind = "resume"
const TIMER_REPLY_TIMEOUT TimerKind = "reply_timeout"

// SessionTimer is the delay queue entry that wakes a suspended session.
type SessionTimer struct {
	Kind         TimerKind  `json:"kind"`
	SessionId    string     `json:"sessionId"`
	NodeId       string     `json:"nodeId"`
	WaitingSince *time.Time `json:"waitingSince,omitempty"`
}
