package executor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/felcoslop/tizap-sub000/container"
	"github.com/felcoslop/tizap-sub000/engine"
	"github.com/felcoslop/tizap-sub000/logger"
	"github.com/felcoslop/tizap-sub000/persistence"
	"github.com/felcoslop/tizap-sub000/util"
	"go.uber.org/zap"
)

var _ Executor = new(DelayExecutor)

// TIMER_RETRY_DELAY is how long a timer that failed to fire waits before
// the next attempt.
const TIMER_RETRY_DELAY = 5 * time.Second

// DelayExecutor polls the session timer queue and hands due timers to the
// engine: business-hours resumes and reply timeouts.
type DelayExecutor struct {
	container *container.DIContiner
	engine    *engine.Engine
	interval  time.Duration
	wg        *sync.WaitGroup
	tw        *util.TickWorker
}

func NewDelayExecutor(container *container.DIContiner, engine *engine.Engine, interval time.Duration, wg *sync.WaitGroup) *DelayExecutor {
	if interval <= 0 {
		interval = time.Second
	}
	return &DelayExecutor{
		container: container,
		engine:    engine,
		interval:  interval,
		wg:        wg,
	}
}

func (ex *DelayExecutor) Name() string {
	return "delay-executor"
}

// Poll handles every due timer and returns how many were handled.
func (ex *DelayExecutor) Poll(ctx context.Context) int {
	res, err := ex.container.GetDelayQueue().Pop(ctx, persistence.SESSION_TIMER_QUEUE)
	if err != nil {
		if !errors.As(err, &persistence.EmptyQueueError{}) {
			logger.Error("error while polling delay queue", zap.Error(err))
		}
		return 0
	}
	handled := 0
	for _, r := range res {
		timer, err := ex.container.SessionTimerEncDec.Decode([]byte(r))
		if err != nil {
			logger.Error("can not decode session timer", zap.Error(err))
			continue
		}
		if _, err := ex.engine.HandleTimer(ctx, *timer); err != nil {
			logger.Error("error handling session timer", zap.String("session", timer.SessionId), zap.String("kind", string(timer.Kind)), zap.Error(err))
			if !errors.Is(err, persistence.ErrNotFound) {
				ex.retry(r)
			}
			continue
		}
		handled++
	}
	return handled
}

// retry puts a popped timer back; the pop already removed it from the queue.
func (ex *DelayExecutor) retry(message string) {
	if err := ex.container.GetDelayQueue().PushWithDelay(context.Background(), persistence.SESSION_TIMER_QUEUE, TIMER_RETRY_DELAY, []byte(message)); err != nil {
		logger.Error("error requeueing session timer", zap.Error(err))
	}
}

func (ex *DelayExecutor) Start() error {
	ex.tw = util.NewTickWorker("delay-worker", ex.interval, func(ctx context.Context) { ex.Poll(ctx) }, ex.wg)
	ex.tw.Start()
	logger.Info("delay executor started")
	return nil
}

func (ex *DelayExecutor) Stop() error {
	if ex.tw != nil {
		ex.tw.Stop()
	}
	return nil
}
