package executor

import (
	"github.com/felcoslop/tizap-sub000/logger"
	"go.uber.org/zap"
)

type Executor interface {
	Start() error
	Stop() error
	Name() string
}

// Group starts executors in order and stops them in reverse order.
type Group []Executor

func (g Group) Start() error {
	for i, ex := range g {
		if err := ex.Start(); err != nil {
			logger.Error("error starting executor", zap.String("executor", ex.Name()), zap.Error(err))
			g[:i].Stop()
			return err
		}
	}
	return nil
}

// Stop stops every executor and returns the first error.
func (g Group) Stop() error {
	var first error
	for i := len(g) - 1; i >= 0; i-- {
		if err := g[i].Stop(); err != nil {
			logger.Error("error stopping executor", zap.String("executor", g[i].Name()), zap.Error(err))
			if first == nil {
				first = err
			}
		}
	}
	return first
}
