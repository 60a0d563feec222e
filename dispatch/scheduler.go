package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/felcoslop/tizap-sub000/logger"
	"github.com/felcoslop/tizap-sub000/model"
	"github.com/felcoslop/tizap-sub000/notify"
	"github.com/felcoslop/tizap-sub000/persistence"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var ErrNoLeads = errors.New("dispatch has no leads")
var ErrMissingTarget = errors.New("dispatch needs a template name or a flow id")
var ErrAlreadyRunning = errors.New("dispatch is already running in this process")
var ErrInvalidTransition = errors.New("dispatch cannot make this transition")

type ControlAction string

const CONTROL_PAUSE ControlAction = "pause"
const CONTROL_RESUME ControlAction = "resume"
const CONTROL_STOP ControlAction = "stop"

type StartRequest struct {
	OwnerId      string             `json:"ownerId"`
	Leads        []model.Lead       `json:"leads"`
	DispatchType model.DispatchType `json:"dispatchType"`
	TemplateName string             `json:"templateName,omitempty"`
	Language     string             `json:"language,omitempty"`
	FlowId       string             `json:"flowId,omitempty"`
	Variables    map[string]string  `json:"variables,omitempty"`
}

// Runner processes the remaining rows of a running dispatch. A runner that
// returns early leaves the dispatch running unless it recorded otherwise.
type Runner interface {
	Run(ctx context.Context, d *model.Dispatch, live func() bool) error
}

type Scheduler struct {
	storage   persistence.Storage
	registry  *Registry
	runner    Runner
	publisher notify.Publisher
	now       func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewScheduler(storage persistence.Storage, registry *Registry, runner Runner, publisher notify.Publisher) *Scheduler {
	if publisher == nil {
		publisher = notify.Nop{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		storage:   storage,
		registry:  registry,
		runner:    runner,
		publisher: publisher,
		now:       time.Now,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start persists a running dispatch and processes it in the background.
func (s *Scheduler) Start(ctx context.Context, req StartRequest) (*model.Dispatch, error) {
	if len(req.Leads) == 0 {
		return nil, ErrNoLeads
	}
	switch req.DispatchType {
	case model.DISPATCH_TYPE_TEMPLATE:
		if req.TemplateName == "" {
			return nil, ErrMissingTarget
		}
	case model.DISPATCH_TYPE_FLOW:
		if req.FlowId == "" {
			return nil, ErrMissingTarget
		}
	default:
		return nil, fmt.Errorf("unknown dispatch type %q", req.DispatchType)
	}
	now := s.now().UTC()
	d := &model.Dispatch{
		Id:           uuid.New().String(),
		OwnerId:      req.OwnerId,
		LeadsData:    req.Leads,
		Status:       model.DISPATCH_RUNNING,
		DispatchType: req.DispatchType,
		TemplateName: req.TemplateName,
		Language:     req.Language,
		FlowId:       req.FlowId,
		Variables:    req.Variables,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.storage.CreateDispatch(ctx, d); err != nil {
		return nil, err
	}
	logger.Info("dispatch created", zap.String("dispatch", d.Id), zap.String("type", string(d.DispatchType)), zap.Int("leads", len(d.LeadsData)))
	s.publisher.Publish(ctx, d.Progress())
	s.launch(d.Id)
	return d, nil
}

func (s *Scheduler) launch(id string) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.Run(s.ctx, id); err != nil && !errors.Is(err, ErrAlreadyRunning) && !errors.Is(err, context.Canceled) {
			logger.Error("dispatch run failed", zap.String("dispatch", id), zap.Error(err))
		}
	}()
}

// Run processes a dispatch from its current index while it stays running.
// A fault of the runner marks the dispatch as error and lowers the flag.
func (s *Scheduler) Run(ctx context.Context, id string) (err error) {
	token, err := s.registry.Acquire(ctx, id)
	if err != nil {
		return err
	}
	defer s.registry.Release(id, token)

	d, err := s.storage.GetDispatch(ctx, id)
	if err != nil {
		return err
	}
	if d.Status != model.DISPATCH_RUNNING {
		return nil
	}
	if d.Processed() >= len(d.LeadsData) {
		return s.storage.UpdateDispatchStatus(ctx, id, model.DISPATCH_COMPLETED)
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("dispatch %s panicked: %v", id, r)
		}
		if err != nil && ctx.Err() == nil {
			s.fault(id, err)
		}
	}()
	return s.runner.Run(ctx, d, func() bool { return s.registry.Live(id, token) })
}

func (s *Scheduler) fault(id string, cause error) {
	logger.Error("dispatch aborted", zap.String("dispatch", id), zap.Error(cause))
	ctx := context.Background()
	if err := s.storage.UpdateDispatchStatus(ctx, id, model.DISPATCH_ERROR); err != nil {
		logger.Error("error marking dispatch as failed", zap.String("dispatch", id), zap.Error(err))
		return
	}
	if d, err := s.storage.GetDispatch(ctx, id); err == nil {
		s.publisher.Publish(ctx, d.Progress())
	}
}

// Control pauses, resumes or stops a dispatch. Pause and stop are
// cooperative: the row in flight completes.
func (s *Scheduler) Control(ctx context.Context, id string, act ControlAction) (*model.Dispatch, error) {
	d, err := s.storage.GetDispatch(ctx, id)
	if err != nil {
		return nil, err
	}
	var next model.DispatchStatus
	switch act {
	case CONTROL_PAUSE:
		if d.Status != model.DISPATCH_RUNNING {
			return d, fmt.Errorf("%w: %s -> paused", ErrInvalidTransition, d.Status)
		}
		next = model.DISPATCH_PAUSED
	case CONTROL_STOP:
		if d.Status != model.DISPATCH_RUNNING && d.Status != model.DISPATCH_PAUSED {
			return d, fmt.Errorf("%w: %s -> stopped", ErrInvalidTransition, d.Status)
		}
		next = model.DISPATCH_STOPPED
	case CONTROL_RESUME:
		if d.Status != model.DISPATCH_PAUSED && d.Status != model.DISPATCH_ERROR {
			return d, fmt.Errorf("%w: %s -> running", ErrInvalidTransition, d.Status)
		}
		next = model.DISPATCH_RUNNING
	default:
		return d, fmt.Errorf("unknown control action %q", act)
	}
	if next != model.DISPATCH_RUNNING {
		s.registry.Revoke(id)
	}
	if err := s.storage.UpdateDispatchStatus(ctx, id, next); err != nil {
		return d, err
	}
	d.Status = next
	logger.Info("dispatch control", zap.String("dispatch", id), zap.String("action", string(act)))
	s.publisher.Publish(ctx, d.Progress())
	if next == model.DISPATCH_RUNNING {
		s.launch(id)
	}
	return d, nil
}

func (s *Scheduler) Status(ctx context.Context, id string) (model.DispatchProgress, error) {
	d, err := s.storage.GetDispatch(ctx, id)
	if err != nil {
		return model.DispatchProgress{}, err
	}
	return d.Progress(), nil
}

// Recover relaunches the dispatches stored as running, typically after a
// restart. It returns their ids.
func (s *Scheduler) Recover(ctx context.Context) ([]string, error) {
	running, err := s.storage.ListDispatches(ctx, model.DISPATCH_RUNNING)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(running))
	for _, d := range running {
		logger.Info("recovering dispatch", zap.String("dispatch", d.Id), zap.Int("currentIndex", d.CurrentIndex))
		s.launch(d.Id)
		ids = append(ids, d.Id)
	}
	return ids, nil
}

// Stop cancels the background runs and waits for them to return.
func (s *Scheduler) Stop() {
	s.cancel()
	s.wg.Wait()
}
