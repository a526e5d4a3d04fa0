package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/vaidashi/failure-recovery/internal/api"
	"github.com/vaidashi/failure-recovery/internal/bulk"
	"github.com/vaidashi/failure-recovery/internal/config"
	"github.com/vaidashi/failure-recovery/internal/database"
	"github.com/vaidashi/failure-recovery/internal/events"
	"github.com/vaidashi/failure-recovery/internal/groups"
	"github.com/vaidashi/failure-recovery/internal/handlers"
	"github.com/vaidashi/failure-recovery/internal/health"
	"github.com/vaidashi/failure-recovery/internal/history"
	"github.com/vaidashi/failure-recovery/internal/ingestion"
	"github.com/vaidashi/failure-recovery/internal/operations"
	"github.com/vaidashi/failure-recovery/internal/processor"
	"github.com/vaidashi/failure-recovery/internal/quarantine"
	"github.com/vaidashi/failure-recovery/internal/repository"
	"github.com/vaidashi/failure-recovery/internal/retries"
	"github.com/vaidashi/failure-recovery/internal/transport"
	"github.com/vaidashi/failure-recovery/pkg/kafka"
	"github.com/vaidashi/failure-recovery/pkg/logger"
	"github.com/vaidashi/failure-recovery/pkg/middleware"
)

const limiterPruneInterval = time.Minute

var migrateOnStart bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run ingestion, the retry engine and the HTTP API",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&migrateOnStart, "migrate", true, "apply pending migrations before starting")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, l, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sessionID := uuid.New().String()
	l.Info("Starting failure recovery service", "session", sessionID, "env", cfg.Env)

	db, err := database.New(cfg, l)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()

	if migrateOnStart {
		if err := db.RunMigrations(ctx); err != nil {
			return err
		}
	}

	messages := repository.NewFailedMessageRepository(db, l)
	batches := repository.NewRetryBatchRepository(db, l)
	endpoints := repository.NewEndpointRepository(db, l)
	historyStore := repository.NewHistoryRepository(db, l)

	rdb, err := quarantine.NewRedisClient(ctx, cfg.Redis.URL, cfg.Redis.Password)
	if err != nil {
		return err
	}
	defer rdb.Close()
	quarantined := quarantine.NewRedisStore(rdb, cfg.Redis.KeyPrefix)

	publisher, closeEvents, err := newPublisher(cfg.NATS, l)
	if err != nil {
		return err
	}
	defer closeEvents()

	producer, err := kafka.NewProducer(cfg.Kafka.Brokers, l)
	if err != nil {
		return err
	}
	defer producer.Close()
	sender := transport.NewKafkaSender(producer)

	monitor := health.NewMonitor()
	registry := operations.NewRegistry()
	ledger := history.NewLedger(historyStore, cfg.Recovery.HistoryDepth, l)
	retrying := operations.NewRetryingManager(registry, ledger, publisher, l)
	archiving := operations.NewArchivingManager(registry, ledger, publisher, l)

	manager := retries.NewManager(batches, messages, retrying, publisher, sessionID, l)
	retryProcessor := retries.NewProcessor(batches, messages, endpoints, sender, retrying, publisher, sessionID, retries.ProcessorConfig{
		PollInterval:      cfg.Recovery.StagingPollInterval,
		ForwardingTimeout: cfg.Recovery.ForwardingTimeout,
	}, l)
	adopter := retries.NewOrphanAdopter(batches, manager, retrying, cfg.Recovery.OrphanInterval, l)

	bulkCfg := bulk.Config{Interval: cfg.Recovery.BulkInterval, PageSize: cfg.Recovery.PageSize}
	retryGateway := bulk.NewRetryGateway(messages, manager, retrying, bulkCfg, l)
	archiveGateway := bulk.NewArchiveGateway(messages, archiving, bulkCfg, l)

	classifiers := processor.DefaultClassifiers()
	failures := processor.NewFailureProcessor(messages, batches, endpoints, processor.DefaultEnrichers(), classifiers, l)
	pipeline := ingestion.NewPipeline(failures, publisher, ingestion.PipelineConfig{
		MaxConcurrency: cfg.Ingestion.MaxConcurrency,
		QueueCapacity:  cfg.Ingestion.QueueCapacity,
	}, l)

	var watchdog *ingestion.Watchdog
	raise := func(err error) { watchdog.RaiseCritical(err) }

	endpoint := ingestion.NewEndpoint(pipeline, quarantined, quarantine.NewFileArtifact(cfg.Ingestion.QuarantineLogDir), publisher, ingestion.EndpointConfig{
		ImmediateRetries:    cfg.Ingestion.ImmediateRetries,
		BreakerThreshold:    cfg.Ingestion.BreakerThreshold,
		BreakerResetTimeout: cfg.Ingestion.BreakerReset,
		OnCritical:          raise,
	}, l)

	errorConsumer, err := kafka.NewConsumer(&kafka.ConsumerConfig{
		Brokers:         cfg.Kafka.Brokers,
		Topics:          []string{cfg.Kafka.ErrorTopic},
		ConsumerGroup:   cfg.Kafka.ConsumerGroup,
		MaxConcurrency:  int64(cfg.Ingestion.MaxConcurrency),
		MaxJoinFailures: 5,
		OnFatal:         raise,
	}, l)
	if err != nil {
		return err
	}
	errorConsumer.RegisterHandler(cfg.Kafka.ErrorTopic, endpoint)

	watchdog = ingestion.NewWatchdog(errorConsumer, monitor, ingestion.WatchdogConfig{
		Component: "ingestion",
		Cooldown:  cfg.Ingestion.RestartCooldown,
		OnRestart: endpoint.Reset,
	}, l)

	confirmationConsumer, err := kafka.NewConsumer(&kafka.ConsumerConfig{
		Brokers:        cfg.Kafka.Brokers,
		Topics:         []string{cfg.Kafka.ConfirmationTopic},
		ConsumerGroup:  cfg.Kafka.ConsumerGroup + "-confirmations",
		MaxConcurrency: 1,
	}, l)
	if err != nil {
		return err
	}
	confirmationConsumer.RegisterHandler(cfg.Kafka.ConfirmationTopic, handlers.NewConfirmationHandler(manager, l))

	limiter := middleware.NewRateLimiter(middleware.RateLimiterConfig{
		GlobalBurst:       cfg.API.BulkBurst,
		GlobalRate:        cfg.API.BulkRate,
		ClientBurst:       cfg.API.ClientBurst,
		ClientRate:        cfg.API.ClientRate,
		TrustForwardedFor: cfg.API.TrustForwardedFor,
	}, l)

	server := api.NewServer(cfg, api.Dependencies{
		Messages:       messages,
		Redirects:      endpoints,
		Retrier:        manager,
		Retrying:       retrying,
		Archiving:      archiving,
		RetryGateway:   retryGateway,
		ArchiveGateway: archiveGateway,
		Groups:         groups.NewFetcher(messages, batches, retrying, archiving, ledger, l),
		History:        ledger,
		Classifiers:    processor.ClassifierNames(classifiers),
		Quarantine:     quarantined,
		Ingestion:      endpoint,
		Health:         monitor,
		RateLimiter:    limiter,
	}, l)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return pipeline.Run(gctx) })
	g.Go(func() error { return watchdog.Run(gctx) })
	g.Go(func() error {
		if err := confirmationConsumer.Start(); err != nil {
			return err
		}
		<-gctx.Done()
		return confirmationConsumer.Stop()
	})
	g.Go(func() error {
		retryProcessor.Start()
		<-gctx.Done()
		retryProcessor.Stop()
		return nil
	})
	g.Go(func() error { return adopter.Run(gctx) })
	g.Go(func() error { return retryGateway.Run(gctx) })
	g.Go(func() error { return archiveGateway.Run(gctx) })
	g.Go(func() error { return limiter.Clients().Run(gctx, limiterPruneInterval) })
	g.Go(func() error { return server.Run(gctx) })

	err = g.Wait()
	l.Info("Failure recovery service stopped", "session", sessionID)
	return err
}

// newPublisher connects the domain event bus, starting an embedded server when configured
func newPublisher(cfg config.NATSConfig, l logger.Logger) (events.Publisher, func(), error) {
	url := cfg.URL
	shutdown := func() {}

	if cfg.Embedded {
		ns, err := events.NewServer(filepath.Join(os.TempDir(), "failure-recovery-nats"))
		if err != nil {
			return nil, nil, err
		}
		url = ns.ClientURL()
		shutdown = ns.Shutdown
		l.Info("Embedded NATS server started", "url", url)
	}

	if url == "" {
		l.Warn("No event bus configured, domain events are only logged")
		return events.NewLogPublisher(l), shutdown, nil
	}

	nc, js, err := events.Connect(url)
	if err != nil {
		shutdown()
		return nil, nil, err
	}

	closeAll := func() {
		drain(nc, l)
		shutdown()
	}

	if err := events.AddStream(js, cfg.Stream, cfg.Subject); err != nil {
		closeAll()
		return nil, nil, err
	}

	return events.NewNATSPublisher(js, cfg.Subject), closeAll, nil
}

func drain(nc *nats.Conn, l logger.Logger) {
	if err := nc.Drain(); err != nil {
		l.Warn("Failed to drain NATS connection", "error", err)
	}
}
