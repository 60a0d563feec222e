package util

import (
	"context"
	"sync"
	"time"

	"github.com/felcoslop/tizap-sub000/logger"
	"go.uber.org/zap"
)

// TickWorker calls fn on every tick. The context passed to fn is cancelled
// by Stop so a long poll returns early.
type TickWorker struct {
	name     string
	interval time.Duration
	fn       func(ctx context.Context)
	wg       *sync.WaitGroup
	cancel   context.CancelFunc
	stopOnce sync.Once
}

func NewTickWorker(name string, interval time.Duration, fn func(ctx context.Context), wg *sync.WaitGroup) *TickWorker {
	return &TickWorker{
		name:     name,
		interval: interval,
		fn:       fn,
		wg:       wg,
	}
}

func (tw *TickWorker) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	tw.cancel = cancel
	ticker := time.NewTicker(tw.interval)
	tw.wg.Add(1)
	go func() {
		defer tw.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				tw.fn(ctx)
			case <-ctx.Done():
				logger.Info("stopping tick worker", zap.String("worker", tw.name))
				return
			}
		}
	}()
	logger.Info("tick worker started", zap.String("worker", tw.name), zap.Duration("interval", tw.interval))
}

// Stop may be called more than once.
func (tw *TickWorker) Stop() {
	tw.stopOnce.Do(func() {
		if tw.cancel != nil {
			tw.cancel()
		}
	})
}
