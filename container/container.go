package container

import (
	"context"
	"fmt"
	"time"

	"github.com/felcoslop/tizap-sub000/analytics"
	"github.com/felcoslop/tizap-sub000/cache"
	"github.com/felcoslop/tizap-sub000/channel"
	"github.com/felcoslop/tizap-sub000/config"
	"github.com/felcoslop/tizap-sub000/email"
	"github.com/felcoslop/tizap-sub000/logger"
	"github.com/felcoslop/tizap-sub000/model"
	"github.com/felcoslop/tizap-sub000/notify"
	"github.com/felcoslop/tizap-sub000/persistence"
	"github.com/felcoslop/tizap-sub000/persistence/memory"
	pg "github.com/felcoslop/tizap-sub000/persistence/postgres"
	rd "github.com/felcoslop/tizap-sub000/persistence/redis"
	"github.com/felcoslop/tizap-sub000/util"
	"go.uber.org/zap"
)

type DIContiner struct {
	initialized        bool
	storage            persistence.Storage
	queue              persistence.Queue
	delayQueue         persistence.DelayQueue
	locker             persistence.Locker
	channels           channel.Resolver
	emailSender        email.Sender
	publisher          notify.Publisher
	subscriber         notify.Subscriber
	collector          analytics.StepDataCollector
	graphCache         *cache.GraphCache
	SessionTimerEncDec util.EncoderDecoder[model.SessionTimer]
	DispatchJobEncDec  util.EncoderDecoder[model.DispatchJob]
	closers            []func() error
}

type Option func(d *DIContiner)

func WithStorage(s persistence.Storage) Option {
	return func(d *DIContiner) { d.storage = s }
}

func WithChannels(r channel.Resolver) Option {
	return func(d *DIContiner) { d.channels = r }
}

func WithEmailSender(s email.Sender) Option {
	return func(d *DIContiner) { d.emailSender = s }
}

func WithPublisher(p notify.Publisher) Option {
	return func(d *DIContiner) { d.publisher = p }
}

func WithCollector(c analytics.StepDataCollector) Option {
	return func(d *DIContiner) { d.collector = c }
}

func WithDelayQueue(q persistence.DelayQueue) Option {
	return func(d *DIContiner) { d.delayQueue = q }
}

func (d *DIContiner) setInitialized() {
	d.initialized = true
}

func NewDiContainer() *DIContiner {
	return &DIContiner{
		initialized: false,
	}
}

func (d *DIContiner) Init(conf config.Config, opts ...Option) error {
	d.SessionTimerEncDec = util.NewJsonEncoderDecoder[model.SessionTimer]()
	d.DispatchJobEncDec = util.NewJsonEncoderDecoder[model.DispatchJob]()
	for _, opt := range opts {
		opt(d)
	}

	rdConf := rd.Config{
		Addrs:     conf.RedisConfig.Addrs,
		Namespace: conf.RedisConfig.Namespace,
	}
	if d.storage == nil {
		switch conf.StorageType {
		case config.STORAGE_TYPE_REDIS:
			s := rd.NewRedisStorage(rdConf)
			d.storage = s
			d.closers = append(d.closers, s.Close)
		case config.STORAGE_TYPE_POSTGRES:
			s, err := pg.NewPostgresStorage(context.Background(), pg.Config{DSN: conf.PostgresConfig.DSN, MaxConns: conf.PostgresConfig.MaxConns})
			if err != nil {
				return fmt.Errorf("postgres storage: %w", err)
			}
			d.storage = s
			d.closers = append(d.closers, s.Close)
		case config.STORAGE_TYPE_INMEM:
			d.storage = memory.NewStore()
		default:
			return fmt.Errorf("unknown storage type %q", conf.StorageType)
		}
	}

	switch conf.QueueType {
	case config.QUEUE_TYPE_REDIS:
		d.queue = rd.NewRedisQueue(rdConf)
		if d.delayQueue == nil {
			d.delayQueue = rd.NewRedisDelayQueue(rdConf)
		}
		d.locker = rd.NewRedisLocker(rdConf)
		if d.publisher == nil {
			n := notify.NewRedisNotifier(rd.NewClient(rdConf), conf.RedisConfig.Namespace)
			d.publisher = n
			d.subscriber = n
		}
	default:
		d.queue = memory.NewQueue()
		if d.delayQueue == nil {
			d.delayQueue = memory.NewDelayQueue()
		}
		d.locker = memory.NewLocker()
	}
	if d.publisher == nil {
		hub := notify.NewHub()
		d.publisher = hub
		d.subscriber = hub
	}
	if d.subscriber == nil {
		if s, ok := d.publisher.(notify.Subscriber); ok {
			d.subscriber = s
		} else {
			d.subscriber = notify.NewHub()
		}
	}

	if d.channels == nil {
		d.channels = channel.NewRegistry(d.storage, channel.DefaultFactories(nil), 10*time.Minute).WithFallback(channel.NewLogAdapter())
	}
	if d.emailSender == nil {
		if conf.EmailConfig.Endpoint != "" {
			d.emailSender = email.NewHTTPSender(conf.EmailConfig.Endpoint, conf.EmailConfig.ServiceId, conf.EmailConfig.UserId, nil)
		} else {
			d.emailSender = email.LogSender{}
		}
	}
	if d.collector == nil {
		collectorConf := analytics.DataCollectorConfig{CollectorType: analytics.NOP_DATA_COLLECTOR}
		if conf.AnalyticsFile != "" {
			collectorConf = analytics.DataCollectorConfig{FileName: conf.AnalyticsFile, CollectorType: analytics.LOG_FILE_DATA_COLLECTOR}
		}
		c, err := analytics.NewDataCollector(collectorConf)
		if err != nil {
			return fmt.Errorf("analytics collector: %w", err)
		}
		d.collector = c
	}
	d.graphCache = cache.NewGraphCache(30 * time.Minute)
	d.setInitialized()
	logger.Info("container initialized", zap.String("storage", string(conf.StorageType)), zap.String("queue", string(conf.QueueType)))
	return nil
}

func (d *DIContiner) mustInit() {
	if !d.initialized {
		panic("persistence not initalized")
	}
}

func (d *DIContiner) GetStorage() persistence.Storage {
	d.mustInit()
	return d.storage
}

func (d *DIContiner) GetQueue() persistence.Queue {
	d.mustInit()
	return d.queue
}

func (d *DIContiner) GetDelayQueue() persistence.DelayQueue {
	d.mustInit()
	return d.delayQueue
}

func (d *DIContiner) GetLocker() persistence.Locker {
	d.mustInit()
	return d.locker
}

func (d *DIContiner) GetChannels() channel.Resolver {
	d.mustInit()
	return d.channels
}

func (d *DIContiner) GetEmailSender() email.Sender {
	d.mustInit()
	return d.emailSender
}

func (d *DIContiner) GetPublisher() notify.Publisher {
	d.mustInit()
	return d.publisher
}

func (d *DIContiner) GetSubscriber() notify.Subscriber {
	d.mustInit()
	return d.subscriber
}

func (d *DIContiner) GetCollector() analytics.StepDataCollector {
	d.mustInit()
	return d.collector
}

func (d *DIContiner) GetGraphCache() *cache.GraphCache {
	d.mustInit()
	return d.graphCache
}

func (d *DIContiner) Close() error {
	for _, fn := range d.closers {
		if err := fn(); err != nil {
			return err
		}
	}
	return nil
}
