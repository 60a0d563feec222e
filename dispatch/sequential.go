package dispatch

import (
	"context"
	"time"

	"github.com/felcoslop/tizap-sub000/action"
	"github.com/felcoslop/tizap-sub000/logger"
	"github.com/felcoslop/tizap-sub000/model"
	"github.com/felcoslop/tizap-sub000/persistence"
	"go.uber.org/zap"
)

// rowClaimRetry is the wait before looking again at a row another sender
// holds.
const rowClaimRetry = time.Second

// SequentialRunner processes rows one at a time in list order with a fixed
// delay between rows.
type SequentialRunner struct {
	storage   persistence.DispatchStorage
	processor *RowProcessor
	delay     time.Duration
	sleep     func(ctx context.Context, d time.Duration) error
}

var _ Runner = new(SequentialRunner)

func NewSequentialRunner(storage persistence.DispatchStorage, processor *RowProcessor, delay time.Duration) *SequentialRunner {
	return &SequentialRunner{
		storage:   storage,
		processor: processor,
		delay:     delay,
		sleep:     action.Sleep,
	}
}

func (r *SequentialRunner) WithSleep(sleep func(ctx context.Context, d time.Duration) error) *SequentialRunner {
	r.sleep = sleep
	return r
}

func (r *SequentialRunner) Run(ctx context.Context, d *model.Dispatch, live func() bool) error {
	for i := d.CurrentIndex; i < len(d.LeadsData); i++ {
		if ctx.Err() != nil || !live() {
			logger.Info("dispatch loop released", zap.String("dispatch", d.Id), zap.Int("row", i))
			return nil
		}
		current, err := r.storage.GetDispatch(ctx, d.Id)
		if err != nil {
			return err
		}
		if current.Status != model.DISPATCH_RUNNING {
			logger.Info("dispatch no longer running", zap.String("dispatch", d.Id), zap.String("status", string(current.Status)))
			return nil
		}

		claimed, err := r.processor.Claim(ctx, d, i)
		if err != nil {
			return err
		}
		if !claimed {
			done, err := r.storage.IsRowRecorded(ctx, d.Id, i)
			if err != nil {
				return err
			}
			if done {
				continue
			}
			logger.Info("dispatch row held by another sender", zap.String("dispatch", d.Id), zap.Int("row", i))
			if err := r.sleep(ctx, rowClaimRetry); err != nil {
				return nil
			}
			i--
			continue
		}

		out := r.processor.Process(ctx, d, i)
		if out.Err != nil && ctx.Err() != nil {
			r.processor.Unclaim(d, i)
			return nil
		}
		if _, err := r.processor.Record(ctx, d, out); err != nil {
			return err
		}
		if i+1 < len(d.LeadsData) {
			if err := r.sleep(ctx, r.delay); err != nil {
				return nil
			}
		}
	}
	return nil
}
