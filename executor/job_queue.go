package executor

import (
	"context"
	"errors"
	"sync"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/felcoslop/tizap-sub000/channel"
	"github.com/felcoslop/tizap-sub000/config"
	"github.com/felcoslop/tizap-sub000/container"
	"github.com/felcoslop/tizap-sub000/dispatch"
	"github.com/felcoslop/tizap-sub000/logger"
	"github.com/felcoslop/tizap-sub000/model"
	"github.com/felcoslop/tizap-sub000/persistence"
	"github.com/felcoslop/tizap-sub000/util"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var _ Executor = new(JobQueue)
var _ dispatch.Runner = new(JobQueue)

const jobPollTimeout = time.Second

// JobQueue runs dispatch rows as independent jobs on a fixed pool of
// workers capped at a number of jobs per second. Row order is not kept.
type JobQueue struct {
	container *container.DIContiner
	storage   persistence.DispatchStorage
	processor *dispatch.RowProcessor
	limiter   *rate.Limiter
	conf      config.JobQueueConfig
	pool      *util.WorkerPool
	wg        *sync.WaitGroup
}

func NewJobQueue(container *container.DIContiner, processor *dispatch.RowProcessor, conf config.JobQueueConfig, wg *sync.WaitGroup) *JobQueue {
	if conf.Workers <= 0 {
		conf.Workers = 5
	}
	if conf.MaxAttempts <= 0 {
		conf.MaxAttempts = 3
	}
	if conf.Backoff <= 0 {
		conf.Backoff = time.Second
	}
	limit := rate.Inf
	if conf.RatePerSec > 0 {
		limit = rate.Limit(conf.RatePerSec)
	}
	q := &JobQueue{
		container: container,
		storage:   container.GetStorage(),
		processor: processor,
		limiter:   rate.NewLimiter(limit, 1),
		conf:      conf,
		wg:        wg,
	}
	q.pool = util.NewWorkerPool("dispatch-job", conf.Workers, wg, q.poll)
	return q
}

func (q *JobQueue) Name() string {
	return "dispatch-job-queue"
}

// Run enqueues one job per row that has no recorded outcome yet.
func (q *JobQueue) Run(ctx context.Context, d *model.Dispatch, live func() bool) error {
	queued := 0
	for i := d.CurrentIndex; i < len(d.LeadsData); i++ {
		done, err := q.storage.IsRowRecorded(ctx, d.Id, i)
		if err != nil {
			return err
		}
		if done {
			continue
		}
		if err := q.enqueue(ctx, model.DispatchJob{DispatchId: d.Id, RowIndex: i}); err != nil {
			return err
		}
		queued++
	}
	logger.Info("dispatch rows queued", zap.String("dispatch", d.Id), zap.Int("jobs", queued))
	return nil
}

func (q *JobQueue) enqueue(ctx context.Context, job model.DispatchJob) error {
	data, err := q.container.DispatchJobEncDec.Encode(job)
	if err != nil {
		return err
	}
	return q.container.GetQueue().Push(ctx, persistence.DISPATCH_JOB_QUEUE, data)
}

func (q *JobQueue) poll(ctx context.Context) error {
	data, err := q.container.GetQueue().Pop(ctx, persistence.DISPATCH_JOB_QUEUE, jobPollTimeout)
	if err != nil {
		if errors.As(err, &persistence.EmptyQueueError{}) || ctx.Err() != nil {
			return nil
		}
		return err
	}
	job, err := q.container.DispatchJobEncDec.Decode(data)
	if err != nil {
		logger.Error("can not decode dispatch job", zap.Error(err))
		return nil
	}
	if err := q.limiter.Wait(ctx); err != nil {
		q.requeue(*job)
		return nil
	}
	return q.Handle(ctx, *job)
}

func (q *JobQueue) requeue(job model.DispatchJob) {
	if err := q.enqueue(context.Background(), job); err != nil {
		logger.Error("error requeueing dispatch job", zap.String("dispatch", job.DispatchId), zap.Int("row", job.RowIndex), zap.Error(err))
	}
}

// retryLater puts back a job whose row is in flight elsewhere, so the row
// still gets sent if that sender dies before recording it.
func (q *JobQueue) retryLater(ctx context.Context, job model.DispatchJob) {
	select {
	case <-ctx.Done():
	case <-time.After(q.conf.Backoff):
	}
	q.requeue(job)
}

// Handle processes one row under its claim. Jobs of dispatches that are no
// longer running, and rows that already have an outcome, are dropped.
func (q *JobQueue) Handle(ctx context.Context, job model.DispatchJob) error {
	d, err := q.storage.GetDispatch(ctx, job.DispatchId)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			logger.Warn("dropping job of unknown dispatch", zap.String("dispatch", job.DispatchId))
			return nil
		}
		return err
	}
	if d.Status != model.DISPATCH_RUNNING {
		logger.Debug("dropping job of idle dispatch", zap.String("dispatch", d.Id), zap.String("status", string(d.Status)), zap.Int("row", job.RowIndex))
		return nil
	}
	claimed, err := q.processor.Claim(ctx, d, job.RowIndex)
	if err != nil {
		return err
	}
	if !claimed {
		done, err := q.storage.IsRowRecorded(ctx, d.Id, job.RowIndex)
		if err != nil {
			return err
		}
		if !done {
			logger.Debug("dispatch row held by another job", zap.String("dispatch", d.Id), zap.Int("row", job.RowIndex))
			q.retryLater(ctx, job)
		}
		return nil
	}

	var out dispatch.RowOutcome
	attempts := 0
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = q.conf.Backoff
	policy.MaxElapsedTime = 0
	err = backoff.Retry(func() error {
		attempts++
		out = q.processor.Process(ctx, d, job.RowIndex)
		if out.Err == nil {
			return nil
		}
		if channel.IsTransient(out.Err) {
			logger.Warn("transient failure sending row", zap.String("dispatch", d.Id), zap.Int("row", job.RowIndex), zap.Int("attempt", attempts), zap.Error(out.Err))
			return out.Err
		}
		return backoff.Permanent(out.Err)
	}, backoff.WithContext(backoff.WithMaxRetries(policy, uint64(q.conf.MaxAttempts-1)), ctx))
	if err != nil && ctx.Err() != nil {
		q.processor.Unclaim(d, job.RowIndex)
		q.requeue(job)
		return nil
	}
	_, err = q.processor.Record(ctx, d, out)
	return err
}

func (q *JobQueue) Start() error {
	q.pool.Start(context.Background())
	logger.Info("dispatch job queue started", zap.Int("workers", q.conf.Workers), zap.Float64("rate", q.conf.RatePerSec))
	return nil
}

func (q *JobQueue) Stop() error {
	q.pool.Stop()
	return nil
}
