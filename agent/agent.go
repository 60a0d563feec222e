package agent

import (
	"context"
	"sync"
	"time"

	"github.com/felcoslop/tizap-sub000/config"
	"github.com/felcoslop/tizap-sub000/container"
	"github.com/felcoslop/tizap-sub000/dispatch"
	"github.com/felcoslop/tizap-sub000/engine"
	"github.com/felcoslop/tizap-sub000/executor"
	"github.com/felcoslop/tizap-sub000/flow"
	"github.com/felcoslop/tizap-sub000/logger"
	"github.com/felcoslop/tizap-sub000/rest"
	"github.com/felcoslop/tizap-sub000/trigger"
	"go.uber.org/zap"
)

type Agent struct {
	Config            config.Config
	diContainer       *container.DIContiner
	engine            *engine.Engine
	flowService       *flow.FlowService
	automationService *flow.AutomationService
	resolver          *trigger.Resolver
	scheduler         *dispatch.Scheduler
	executors         executor.Group
	httpServer        *rest.Server
	shutdown          bool
	shutdowns         chan struct{}
	shutdownLock      sync.Mutex
	wg                sync.WaitGroup
	containerOptions  []container.Option
}

func New(config config.Config, opts ...container.Option) (*Agent, error) {
	a := &Agent{
		Config:           config,
		shutdowns:        make(chan struct{}),
		containerOptions: opts,
	}
	setup := []func() error{
		a.setupContainer,
		a.setupEngine,
		a.setupFlowServices,
		a.setupResolver,
		a.setupScheduler,
		a.setupDelayExecutor,
		a.setupHttpServer,
	}
	for _, fn := range setup {
		if err := fn(); err != nil {
			return nil, err
		}
	}
	return a, nil
}

func (a *Agent) setupContainer() error {
	a.diContainer = container.NewDiContainer()
	return a.diContainer.Init(a.Config, a.containerOptions...)
}

func (a *Agent) setupEngine() error {
	a.engine = engine.NewEngine(a.diContainer, a.Config.EngineConfig)
	return nil
}

func (a *Agent) setupFlowServices() error {
	storage := a.diContainer.GetStorage()
	a.flowService = flow.NewFlowService(storage)
	a.automationService = flow.NewAutomationService(storage)
	return nil
}

func (a *Agent) setupResolver() error {
	a.resolver = trigger.NewResolver(a.engine, a.automationService, a.diContainer.GetStorage(), a.Config.TriggerConfig)
	return nil
}

func (a *Agent) setupScheduler() error {
	storage := a.diContainer.GetStorage()
	publisher := a.diContainer.GetPublisher()
	processor := dispatch.NewRowProcessor(storage, a.engine, a.diContainer.GetChannels(), publisher, a.Config.TriggerConfig.CountryCode)
	var runner dispatch.Runner
	switch a.Config.DispatchConfig.Strategy {
	case config.DISPATCH_STRATEGY_QUEUE:
		jobQueue := executor.NewJobQueue(a.diContainer, processor, a.Config.JobQueueConfig, &a.wg)
		a.executors = append(a.executors, jobQueue)
		runner = jobQueue
	default:
		runner = dispatch.NewSequentialRunner(storage, processor, a.Config.DispatchConfig.RowDelay)
	}
	a.scheduler = dispatch.NewScheduler(storage, dispatch.NewRegistry(), runner, publisher)
	logger.Info("dispatch strategy", zap.String("strategy", string(a.Config.DispatchConfig.Strategy)))
	return nil
}

func (a *Agent) setupDelayExecutor() error {
	interval := time.Duration(a.Config.DelayPollSeconds) * time.Second
	if interval <= 0 {
		interval = time.Second
	}
	a.executors = append(a.executors, executor.NewDelayExecutor(a.diContainer, a.engine, interval, &a.wg))
	return nil
}

func (a *Agent) setupHttpServer() error {
	var err error
	a.httpServer, err = rest.NewServer(a.Config.HttpPort, rest.Services{
		Resolver:    a.resolver,
		Flows:       a.flowService,
		Automations: a.automationService,
		Scheduler:   a.scheduler,
		Engine:      a.engine,
		Sessions:    a.diContainer.GetStorage(),
		Subscriber:  a.diContainer.GetSubscriber(),
	}, a.Config.WebhookConfig)
	return err
}

// Start launches the background executors, relaunches dispatches left
// running by a previous process and serves HTTP.
func (a *Agent) Start() error {
	if err := a.executors.Start(); err != nil {
		return err
	}
	ids, err := a.scheduler.Recover(context.Background())
	if err != nil {
		logger.Error("error recovering dispatches", zap.Error(err))
	} else if len(ids) > 0 {
		logger.Info("recovered dispatches", zap.Strings("dispatches", ids))
	}
	go func() {
		if err := a.httpServer.Start(); err != nil {
			logger.Error("http server failed", zap.Error(err))
			_ = a.Shutdown()
		}
	}()
	return nil
}

func (a *Agent) Shutdown() error {
	logger.Info("shutting down server")
	a.shutdownLock.Lock()
	defer a.shutdownLock.Unlock()
	if a.shutdown {
		return nil
	}
	a.shutdown = true
	close(a.shutdowns)

	shutdown := []func() error{
		a.httpServer.Stop,
		func() error {
			a.scheduler.Stop()
			return nil
		},
		a.executors.Stop,
	}
	for _, fn := range shutdown {
		if err := fn(); err != nil {
			return err
		}
	}
	logger.Info("waiting for all services to shutdown...")
	a.wg.Wait()
	return a.diContainer.Close()
}

// Done is closed once Shutdown has begun.
func (a *Agent) Done() <-chan struct{} {
	return a.shutdowns
}
