package persistence

import (
	"errors"
	"fmt"
)

type StorageLayerError struct {
	Message string
}

func (e StorageLayerError) Error() string {
	return fmt.Sprintf("storage layer error %s", e.Message)
}

type EmptyQueueError struct{}

func (e EmptyQueueError) Error() string {
	return "queue is empty"
}

var ErrNotFound = errors.New("not found")

// ErrLiveSessionExists is returned when a non-terminal session already exists
// for the same (owner, contact) pair.
var ErrLiveSessionExists = errors.New("live session already exists for contact")

// ErrSessionClosed is returned when a write would move a terminal session to
// any status other than stopped.
var ErrSessionClosed = errors.New("session already reached a terminal status")

var ErrLockNotAcquired = errors.New("lock not acquired")

const FLOW_PREFIX string = "FLOW"
const AUTOMATION_PREFIX string = "AUTOMATION"
const SESSION_PREFIX string = "SESSION"
const DISPATCH_PREFIX string = "DISPATCH"

const SESSION_TIMER_QUEUE string = "session-timers"
const DISPATCH_JOB_QUEUE string = "dispatch-jobs"
