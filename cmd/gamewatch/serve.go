package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/therealutkarshpriyadarshi/gamewatch/internal/checkpoint"
	"github.com/therealutkarshpriyadarshi/gamewatch/internal/config"
	"github.com/therealutkarshpriyadarshi/gamewatch/internal/dlq"
	"github.com/therealutkarshpriyadarshi/gamewatch/internal/health"
	"github.com/therealutkarshpriyadarshi/gamewatch/internal/logging"
	"github.com/therealutkarshpriyadarshi/gamewatch/internal/metrics"
	"github.com/therealutkarshpriyadarshi/gamewatch/internal/monitor"
	"github.com/therealutkarshpriyadarshi/gamewatch/internal/output"
	"github.com/therealutkarshpriyadarshi/gamewatch/internal/parser"
	"github.com/therealutkarshpriyadarshi/gamewatch/internal/profiling"
	"github.com/therealutkarshpriyadarshi/gamewatch/internal/provider"
	"github.com/therealutkarshpriyadarshi/gamewatch/internal/scheduler"
	"github.com/therealutkarshpriyadarshi/gamewatch/internal/security"
	"github.com/therealutkarshpriyadarshi/gamewatch/internal/server"
	"github.com/therealutkarshpriyadarshi/gamewatch/internal/shutdown"
	"github.com/therealutkarshpriyadarshi/gamewatch/internal/store"
	"github.com/therealutkarshpriyadarshi/gamewatch/internal/tracing"
)

func newServeCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the monitor service and its HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			return serve(cfg)
		},
	}
}

func serve(cfg *config.Config) error {
	logger := newLogger(cfg)
	logger.Info().Str("version", version).Str("data_dir", cfg.DataDir).Msg("Starting gamewatch")

	lock, err := acquireInstanceLock(cfg.DataDir)
	if err != nil {
		return err
	}
	defer func() {
		if err := lock.Release(); err != nil {
			logger.Warn().Err(err).Msg("Failed to release instance lock")
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sd := shutdown.New(shutdown.Config{Timeout: cfg.ShutdownTimeout, Logger: logger})
	defer sd.HandlePanic()

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.NewCollector()
		collector.Start()
		sd.RegisterFunc(shutdown.StageState, "metrics", func(context.Context) error {
			collector.Stop()
			return nil
		})
	}

	tp, err := tracing.NewProvider(ctx, tracing.Config{
		Enabled:    cfg.Tracing.Enabled,
		Endpoint:   cfg.Tracing.Endpoint,
		SampleRate: cfg.Tracing.SampleRate,
		Version:    version,
	})
	if err != nil {
		return fmt.Errorf("failed to create tracing provider: %w", err)
	}
	sd.RegisterFunc(shutdown.StageState, "tracing", tp.Shutdown)

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return err
	}
	sd.RegisterFunc(shutdown.StageState, "store", func(context.Context) error { return st.Close() })

	secrets := security.NewSecretManager()
	if err := seedTenants(cfg, secrets, st, logger); err != nil {
		return err
	}

	feeds, err := loadFeeds(ctx, cfg, logger)
	if err != nil {
		return err
	}

	var queue *dlq.DeadLetterQueue
	if cfg.DeadLetter.Enabled {
		queue, err = dlq.NewDeadLetterQueue(dlq.DLQConfig{
			Dir:           cfg.DeadLetter.Dir,
			MaxSize:       cfg.DeadLetter.MaxSize,
			MaxAge:        cfg.DeadLetter.MaxAge,
			FlushInterval: cfg.DeadLetter.FlushInterval,
			MaxRetries:    cfg.DeadLetter.MaxRetries,
		}, dlq.WithLogger(logger), dlq.WithMetrics(collector))
		if err != nil {
			return fmt.Errorf("failed to create dead letter queue: %w", err)
		}
		sd.RegisterFunc(shutdown.StageBuffers, "dead-letter-queue", func(context.Context) error { return queue.Close() })
	}

	channels, live, err := buildChannels(ctx, cfg, secrets, queue, logger, collector)
	if err != nil {
		return err
	}

	notifierOpts := []output.NotifierOption{
		output.WithOverrides(st),
		output.WithDestinationStore(st),
		output.WithLogger(logger),
		output.WithMetrics(collector),
		output.WithTracer(tp),
	}
	if queue != nil {
		notifierOpts = append(notifierOpts, output.WithDeadLetterQueue(queue))
	}
	notifier, err := output.NewNotifier(cfg.Outputs.Delivery, feeds, channels, notifierOpts...)
	if err != nil {
		return fmt.Errorf("failed to create notifier: %w", err)
	}
	sd.RegisterFunc(shutdown.StageDelivery, "notifier", func(context.Context) error { return notifier.Close() })

	client := provider.NewClient(cfg.ProviderClientConfig(), nil, logger, collector)

	tracker, err := checkpoint.NewTracker(cfg.Checkpoint.Dir, cfg.Checkpoint.Interval, checkpoint.WithLogger(logger))
	if err != nil {
		return err
	}
	if err := tracker.Load(); err != nil {
		logger.Warn().Err(err).Msg("Failed to load checkpoints, starting fresh")
	}
	tracker.Start()
	sd.RegisterFunc(shutdown.StageState, "checkpoints", func(context.Context) error { return tracker.Stop() })

	systemClassifier, err := parser.NewSystemClassifier(cfg.SystemLog)
	if err != nil {
		return fmt.Errorf("failed to create system log classifier: %w", err)
	}

	manager, err := monitor.NewManager(cfg.MonitorManagerConfig(), st, client, tracker, notifier,
		monitor.WithRegistry(st),
		monitor.WithSystemClassifier(systemClassifier),
		monitor.WithLogger(logger),
		monitor.WithMetrics(collector),
		monitor.WithTracer(tp),
	)
	if err != nil {
		return fmt.Errorf("failed to create monitor manager: %w", err)
	}
	sd.RegisterFunc(shutdown.StageMonitors, "monitors", manager.Shutdown)

	maintenance := scheduler.New(logger)
	maintenance.Start()
	sd.RegisterFunc(shutdown.StageMonitors, "maintenance", maintenance.Stop)
	var replay *scheduler.Task
	if queue != nil {
		replay, err = maintenance.Cron("dlq-replay", cfg.DeadLetter.ReplaySchedule, func(ctx context.Context) {
			if _, err := queue.Replay(ctx, notifier.Redeliver); err != nil {
				logger.Warn().Err(err).Msg("Dead letter replay failed")
			}
		})
		if err != nil {
			return fmt.Errorf("invalid dead_letter.replay_schedule: %w", err)
		}
	}

	var checker *health.Checker
	if cfg.Health.Enabled {
		checker = health.NewChecker(cfg.Health.Timeout, health.WithMetrics(collector))
		checker.Register("store", health.StoreCheck(st))
		checker.Register("upstream", health.UpstreamCheck(client))
		checker.Register("monitors", health.MonitorCheck(manager))
		if queue != nil {
			checker.Register("dead_letter", health.DeadLetterCheck(queue, cfg.DeadLetter.WarnAt))
		}
		logger.Info().Strs("components", checker.Components()).Msg("Health checks registered")
	}

	authToken, err := secrets.GetSecret(cfg.Server.AuthToken)
	if err != nil {
		return fmt.Errorf("failed to resolve server.auth_token: %w", err)
	}
	srvCfg := server.Config{
		Address:       cfg.Server.Address,
		AuthToken:     authToken,
		CORSOrigins:   cfg.Server.CORSOrigins,
		MetricsPath:   cfg.Metrics.Path,
		Monitors:      manager,
		Overrides:     st,
		Feeds:         feeds,
		HealthChecker: checker,
		Logger:        logger,
	}
	if live != nil {
		srvCfg.Live = live
	}
	if queue != nil {
		srvCfg.DeadLetters = queue
		srvCfg.Redeliver = notifier.Redeliver
	}
	if collector != nil {
		srvCfg.MetricsRegistry = collector.Registry()
	}
	srv := server.New(srvCfg)
	if err := srv.Start(); err != nil {
		return err
	}
	sd.RegisterComponent(shutdown.StageIngress, srv)

	profiler := profiling.New(cfg.Profiling, logger)
	profiler.AddStat("monitors_active", manager.Active)
	if queue != nil {
		profiler.AddStat("dead_letters", queue.Size)
	}
	registerDeliveryStats(profiler, notifier)
	registerMaintenanceStats(profiler, maintenance, replay)
	if err := profiler.Start(); err != nil {
		return err
	}
	sd.RegisterComponent(shutdown.StageIngress, profiler)

	if cfg.ResumeOnStart() {
		if err := manager.Resume(ctx); err != nil {
			logger.Warn().Err(err).Msg("Some monitors could not be resumed")
		}
	}

	logger.Info().
		Str("address", cfg.Server.Address).
		Int("channels", len(channels)).
		Int("monitors", manager.Active()).
		Msg("gamewatch ready")

	sd.WaitForSignal()
	cancel()
	return sd.Shutdown()
}

// seedTenants writes statically configured credentials into the store
func seedTenants(cfg *config.Config, secrets *security.SecretManager, st *store.Store, logger *logging.Logger) error {
	creds, err := cfg.TenantCredentials(secrets)
	if err != nil {
		return fmt.Errorf("failed to resolve tenant credentials: %w", err)
	}
	for tenantID, c := range creds {
		if err := st.PutCredentials(tenantID, c); err != nil {
			return fmt.Errorf("failed to store credentials for %s: %w", tenantID, err)
		}
	}
	if len(creds) > 0 {
		logger.Info().Int("tenants", len(creds)).Msg("Seeded tenant credentials")
	}
	return nil
}

func loadFeeds(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*output.FeedTable, error) {
	if cfg.Feeds.File == "" {
		return output.NewFeedTable(output.DefaultFeeds(), output.DefaultFallbackFeed()), nil
	}
	feeds, err := output.LoadFeedTable(cfg.Feeds.File)
	if err != nil {
		return nil, fmt.Errorf("failed to load feed table: %w", err)
	}
	go func() {
		if err := feeds.Watch(ctx, logger); err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn().Err(err).Str("file", cfg.Feeds.File).Msg("Feed table watcher stopped")
		}
	}()
	return feeds, nil
}

// buildChannels creates every configured delivery channel. Secret fields
// accept env: and file: references.
func buildChannels(ctx context.Context, cfg *config.Config, secrets *security.SecretManager, queue *dlq.DeadLetterQueue, logger *logging.Logger, collector *metrics.Collector) ([]output.DeliveryChannel, *output.LiveChannel, error) {
	var (
		channels []output.DeliveryChannel
		live     *output.LiveChannel
	)
	closeAll := func() {
		for _, ch := range channels {
			_ = ch.Close()
		}
	}
	secret := func(field string, ref *string) error {
		if *ref == "" {
			return nil
		}
		v, err := secrets.GetSecret(*ref)
		if err != nil {
			return fmt.Errorf("failed to resolve %s: %w", field, err)
		}
		*ref = v
		return nil
	}

	if rc := cfg.Outputs.Relay; rc != nil {
		c := *rc
		if err := secret("outputs.relay.token", &c.Token); err != nil {
			return nil, nil, err
		}
		ch, err := output.NewRelayChannel(c, &http.Client{Timeout: 30 * time.Second})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create relay channel: %w", err)
		}
		channels = append(channels, ch)
	}

	if kc := cfg.Outputs.Kafka; kc != nil {
		c := *kc
		if err := secret("outputs.kafka.sasl_password", &c.SASLPassword); err != nil {
			closeAll()
			return nil, nil, err
		}
		ch, err := output.NewKafkaChannel(c)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("failed to create kafka channel: %w", err)
		}
		channels = append(channels, ch)
	}

	if ec := cfg.Outputs.Elasticsearch; ec != nil {
		c := *ec
		if err := secret("outputs.elasticsearch.password", &c.Password); err != nil {
			closeAll()
			return nil, nil, err
		}
		if err := secret("outputs.elasticsearch.api_key", &c.APIKey); err != nil {
			closeAll()
			return nil, nil, err
		}
		ch, err := output.NewElasticsearchChannel(c)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("failed to create elasticsearch channel: %w", err)
		}
		channels = append(channels, ch)
	}

	if sc := cfg.Outputs.S3; sc != nil {
		c := *sc
		if err := secret("outputs.s3.secret_access_key", &c.SecretAccessKey); err != nil {
			closeAll()
			return nil, nil, err
		}
		opts := []output.S3Option{output.WithS3Logger(logger), output.WithS3Metrics(collector)}
		if queue != nil {
			opts = append(opts, output.WithS3DeadLetterQueue(queue))
		}
		ch, err := output.NewS3Channel(ctx, c, opts...)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("failed to create s3 channel: %w", err)
		}
		channels = append(channels, ch)
	}

	if lc := cfg.Outputs.Live; lc != nil && lc.Enabled {
		live = output.NewLiveChannel(logger, originChecker(lc.AllowedOrigins))
		channels = append(channels, live)
	}

	if len(channels) == 0 {
		logger.Warn().Msg("No output channels configured, events will only be counted")
	}
	return channels, live, nil
}

func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return nil
	}
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		set[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || set["*"] || set[origin]
	}
}

func registerDeliveryStats(p *profiling.Profiler, n *output.Notifier) {
	p.AddStat("delivery_channels", func() int { return len(n.Channels()) })
	p.AddStat("events_delivered", func() int { return int(n.Stats().Delivered) })
	p.AddStat("events_failed", func() int { return int(n.Stats().Failed) })
	p.AddStat("destinations_created", func() int { return int(n.Stats().DestinationsCreated) })
	p.AddStat("feed_fallbacks", func() int { return int(n.Stats().Fallbacks) })
}

// replay is nil without a dead letter queue
func registerMaintenanceStats(p *profiling.Profiler, s *scheduler.Scheduler, replay *scheduler.Task) {
	p.AddStat("maintenance_tasks", s.Len)
	if replay != nil {
		p.AddStat("dlq_replay_runs", func() int { return int(replay.Runs()) })
	}
}
