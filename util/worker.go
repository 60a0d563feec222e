package util

import (
	"context"
	"sync"

	"github.com/felcoslop/tizap-sub000/logger"
	"go.uber.org/zap"
)

// WorkerPool runs the same loop body on a fixed number of goroutines until
// Stop is called or the parent context is cancelled.
type WorkerPool struct {
	name     string
	capacity int
	wg       *sync.WaitGroup
	handler  func(ctx context.Context) error
	cancel   context.CancelFunc
	mu       sync.Mutex
}

func NewWorkerPool(name string, capacity int, wg *sync.WaitGroup, handler func(ctx context.Context) error) *WorkerPool {
	if capacity < 1 {
		capacity = 1
	}
	return &WorkerPool{
		name:     name,
		capacity: capacity,
		wg:       wg,
		handler:  handler,
	}
}

func (w *WorkerPool) Start(parent context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(parent)
	w.cancel = cancel
	for i := 0; i < w.capacity; i++ {
		w.wg.Add(1)
		go func(id int) {
			defer w.wg.Done()
			for {
				select {
				case <-ctx.Done():
					logger.Debug("stopping worker", zap.String("worker", w.name), zap.Int("id", id))
					return
				default:
				}
				if err := w.handler(ctx); err != nil && ctx.Err() == nil {
					logger.Error("error in executing task in worker", zap.String("worker", w.name), zap.Error(err))
				}
			}
		}(i)
	}
	logger.Info("worker pool started", zap.String("worker", w.name), zap.Int("capacity", w.capacity))
}

func (w *WorkerPool) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel != nil {
		w.cancel()
		w.cancel = nil
	}
}
