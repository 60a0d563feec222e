package main

import (
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/felcoslop/tizap-sub000/agent"
	"github.com/felcoslop/tizap-sub000/config"
	"github.com/felcoslop/tizap-sub000/logger"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

type cfg struct {
	config.Config
}
type cli struct {
	cfg cfg
}

func setupFlags(cmd *cobra.Command) error {
	def := config.Default()
	cmd.Flags().String("config-file", "", "Path to config file.")
	cmd.Flags().Int("http-port", def.HttpPort, "http port for rest endpoints")
	cmd.Flags().String("storage-impl", string(def.StorageType), "storage implementation: memory, redis or postgres")
	cmd.Flags().String("queue-impl", string(def.QueueType), "queue implementation: memory or redis")
	cmd.Flags().String("redis-addr", "localhost:6379", "comma separated list of redis host:port")
	cmd.Flags().String("namespace", def.RedisConfig.Namespace, "namespace used in storage")
	cmd.Flags().String("postgres-dsn", "", "postgres connection string")
	cmd.Flags().Int32("postgres-max-conns", 10, "postgres pool size")
	cmd.Flags().String("dispatch-strategy", string(def.DispatchConfig.Strategy), "dispatch strategy: sequential or queue")
	cmd.Flags().Duration("dispatch-row-delay", def.DispatchConfig.RowDelay, "pause between rows of a sequential dispatch")
	cmd.Flags().Int("job-workers", def.JobQueueConfig.Workers, "dispatch job workers")
	cmd.Flags().Float64("job-rate", def.JobQueueConfig.RatePerSec, "dispatch jobs per second, 0 for unlimited")
	cmd.Flags().Int("job-attempts", def.JobQueueConfig.MaxAttempts, "attempts per dispatch job on transient errors")
	cmd.Flags().Duration("job-backoff", def.JobQueueConfig.Backoff, "initial backoff between job attempts")
	cmd.Flags().Int("max-steps", def.EngineConfig.MaxSteps, "max nodes evaluated per session run")
	cmd.Flags().Duration("image-interval", def.EngineConfig.ImageInterval, "pause between images of one node")
	cmd.Flags().Duration("waiting-ttl", def.TriggerConfig.WaitingTTL, "age after which a waiting session is expired")
	cmd.Flags().Duration("active-grace", def.TriggerConfig.ActiveGrace, "window during which an active session is protected")
	cmd.Flags().Duration("default-reentry-delay", def.TriggerConfig.DefaultReentryDelay, "protection after completion when the account sets none")
	cmd.Flags().String("country-code", def.TriggerConfig.CountryCode, "default country code for phone normalization")
	cmd.Flags().Int("delay-poll-seconds", def.DelayPollSeconds, "interval of the session timer poller")
	cmd.Flags().String("log-level", def.LogLevel, "log level")
	cmd.Flags().Bool("log-development", false, "human readable logs")
	cmd.Flags().String("analytics-file", "", "file receiving step outcome records")
	cmd.Flags().String("email-endpoint", "", "template email api endpoint")
	cmd.Flags().String("email-user-id", "", "template email api user id")
	cmd.Flags().String("email-service-id", "", "template email api service id")
	cmd.Flags().String("webhook-verify-token", "", "whatsapp webhook verify token")
	cmd.Flags().String("webhook-app-secret", "", "whatsapp app secret for signature checks")
	return viper.BindPFlags(cmd.Flags())
}

func (c *cli) setupConfig(cmd *cobra.Command, args []string) error {
	var err error

	configFile, err := cmd.Flags().GetString("config-file")
	if err != nil {
		return err
	}
	if configFile != "" {
		viper.SetConfigFile(configFile)
		if err = viper.ReadInConfig(); err != nil {
			// it's ok if config file doesn't exist
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return err
			}
		}
	}
	viper.SetEnvPrefix("TIZAP")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	c.cfg.Config = config.Default()
	c.cfg.HttpPort = viper.GetInt("http-port")
	c.cfg.StorageType = config.StorageType(viper.GetString("storage-impl"))
	c.cfg.QueueType = config.QueueType(viper.GetString("queue-impl"))
	c.cfg.RedisConfig.Addrs = strings.Split(viper.GetString("redis-addr"), ",")
	c.cfg.RedisConfig.Namespace = viper.GetString("namespace")
	c.cfg.PostgresConfig.DSN = viper.GetString("postgres-dsn")
	c.cfg.PostgresConfig.MaxConns = viper.GetInt32("postgres-max-conns")
	c.cfg.DispatchConfig.Strategy = config.DispatchStrategy(viper.GetString("dispatch-strategy"))
	c.cfg.DispatchConfig.RowDelay = viper.GetDuration("dispatch-row-delay")
	c.cfg.JobQueueConfig.Workers = viper.GetInt("job-workers")
	c.cfg.JobQueueConfig.RatePerSec = viper.GetFloat64("job-rate")
	c.cfg.JobQueueConfig.MaxAttempts = viper.GetInt("job-attempts")
	c.cfg.JobQueueConfig.Backoff = viper.GetDuration("job-backoff")
	c.cfg.EngineConfig.MaxSteps = viper.GetInt("max-steps")
	c.cfg.EngineConfig.ImageInterval = viper.GetDuration("image-interval")
	c.cfg.TriggerConfig.WaitingTTL = viper.GetDuration("waiting-ttl")
	c.cfg.TriggerConfig.ActiveGrace = viper.GetDuration("active-grace")
	c.cfg.TriggerConfig.DefaultReentryDelay = viper.GetDuration("default-reentry-delay")
	c.cfg.TriggerConfig.CountryCode = viper.GetString("country-code")
	c.cfg.DelayPollSeconds = viper.GetInt("delay-poll-seconds")
	c.cfg.LogLevel = viper.GetString("log-level")
	c.cfg.DevelopmentLog = viper.GetBool("log-development")
	c.cfg.AnalyticsFile = viper.GetString("analytics-file")
	c.cfg.EmailConfig.Endpoint = viper.GetString("email-endpoint")
	c.cfg.EmailConfig.UserId = viper.GetString("email-user-id")
	c.cfg.EmailConfig.ServiceId = viper.GetString("email-service-id")
	c.cfg.WebhookConfig.VerifyToken = viper.GetString("webhook-verify-token")
	c.cfg.WebhookConfig.AppSecret = viper.GetString("webhook-app-secret")
	return logger.Init(c.cfg.LogLevel, c.cfg.DevelopmentLog)
}

func (c *cli) run(cmd *cobra.Command, args []string) error {
	defer logger.Sync()
	a, err := agent.New(c.cfg.Config)
	if err != nil {
		return err
	}
	if err := a.Start(); err != nil {
		return err
	}
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigc:
		logger.Info("received signal", zap.String("signal", sig.String()))
	case <-a.Done():
	}
	return a.Shutdown()
}

func main() {
	// a missing .env is fine, flags and the environment still apply
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("error loading .env: %v", err)
	}
	cli := &cli{}

	cmd := &cobra.Command{
		Use:     "tizap",
		Short:   "flow automation engine and bulk dispatch scheduler",
		PreRunE: cli.setupConfig,
		RunE:    cli.run,
	}

	if err := setupFlags(cmd); err != nil {
		log.Fatal(err)
	}

	if err := cmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
