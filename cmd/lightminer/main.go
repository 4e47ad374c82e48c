// Package main implements the lightminer daemon.
// It keeps a set of wallets mining on the light-mining API, routing every
// request through a rotating proxy pool, and activates mining on-chain.
package main

import (
	"context"
	stderrors "errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bardlex/lightmine/internal/api"
	"github.com/bardlex/lightmine/internal/auth"
	"github.com/bardlex/lightmine/internal/chain"
	"github.com/bardlex/lightmine/internal/config"
	"github.com/bardlex/lightmine/internal/database"
	"github.com/bardlex/lightmine/internal/database/influx"
	"github.com/bardlex/lightmine/internal/database/postgres"
	"github.com/bardlex/lightmine/internal/database/redis"
	"github.com/bardlex/lightmine/internal/messaging"
	"github.com/bardlex/lightmine/internal/miner"
	"github.com/bardlex/lightmine/internal/proxy"
	"github.com/bardlex/lightmine/internal/wallet"
	"github.com/bardlex/lightmine/pkg/errors"
	"github.com/bardlex/lightmine/pkg/log"
)

func main() {
	os.Exit(run())
}

func run() int {
	once := flag.Bool("once", false, "run a single cycle and exit")
	tail := flag.Bool("tail", false, "log outcome events from Kafka instead of mining")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	// Initialize logger
	logger := log.New(cfg.ServiceName, cfg.Version, cfg.LogLevel, cfg.LogFormat)

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("shutdown signal received", "signal", sig.String())
		cancel()
	}()

	if *tail {
		return runTail(ctx, cfg, logger)
	}

	logger.Info("starting lightminer",
		"version", cfg.Version,
		"worker_pool_size", cfg.WorkerPoolSize,
		"cycle_interval", cfg.CycleInterval.String(),
		"activation_enabled", cfg.ActivationEnabled,
	)

	d, err := newDaemon(ctx, cfg, logger)
	if err != nil {
		logger.WithError(err).Error("startup failed")
		return 1
	}
	defer d.close()

	if err := d.run(ctx, *once); err != nil {
		logger.WithError(err).Error("lightminer failed")
		return 1
	}

	logger.Info("lightminer stopped", "cycles", d.orchestrator.Cycles())
	return 0
}

// daemon holds the wired components of one lightminer process.
type daemon struct {
	cfg    *config.Config
	logger *log.Logger

	wallets      []wallet.Wallet
	pool         *proxy.Pool
	requester    *api.Requester
	orchestrator *miner.Orchestrator

	// Optional backends, nil when not configured
	store *database.Manager
	kafka *messaging.KafkaClient
}

func newDaemon(ctx context.Context, cfg *config.Config, logger *log.Logger) (*daemon, error) {
	wallets, err := wallet.LoadFile(cfg.WalletsFile)
	if err != nil {
		return nil, err
	}

	proxies, err := proxy.LoadFile(cfg.ProxyFile, logger)
	if err != nil {
		return nil, err
	}
	pool, err := proxy.NewPool(proxies)
	if err != nil {
		return nil, err
	}
	logger.Info("loaded inputs", "wallets", len(wallets), "proxies", pool.Len())

	requester, err := api.NewRequester(pool, &api.Config{
		BaseURL:     cfg.APIBaseURL,
		Timeout:     cfg.RequestTimeout,
		MaxAttempts: cfg.RequestAttempts,
		RetryDelay:  cfg.RetryDelay,
	}, logger)
	if err != nil {
		return nil, err
	}

	sessions := auth.NewService(requester, wallet.Signer{}, &auth.Config{
		InvitationCode: cfg.InvitationCode,
		Attempts:       cfg.SessionAttempts,
		RetryDelay:     cfg.RetryDelay,
	}, logger)

	// Left as a nil interface when disabled so the orchestrator skips activation
	var activator chain.Activator
	if cfg.ActivationEnabled {
		a, err := chain.Dial(ctx, &chain.Config{
			RPCURL:   cfg.ChainRPCURL,
			Contract: cfg.ChainContract,
			Timeout:  cfg.ChainTimeout,
		}, logger)
		if err != nil {
			return nil, err
		}
		activator = a
	}

	d := &daemon{
		cfg:       cfg,
		logger:    logger,
		wallets:   wallets,
		pool:      pool,
		requester: requester,
		orchestrator: miner.New(sessions, activator, &miner.Config{
			Workers:  cfg.WorkerPoolSize,
			Interval: cfg.CycleInterval,
			LockTTL:  cfg.LockTTL,
		}, logger),
	}

	if err := d.wireBackends(ctx); err != nil {
		d.close()
		return nil, err
	}

	return d, nil
}

// storageConfig maps configured URLs to backend configs; empty URLs stay nil.
func storageConfig(cfg *config.Config) *database.Config {
	dbCfg := &database.Config{}
	if cfg.PostgresURL != "" {
		dbCfg.Postgres = postgres.DefaultConfig(cfg.PostgresURL)
	}
	if cfg.RedisURL != "" {
		dbCfg.Redis = redis.DefaultConfig(cfg.RedisURL)
	}
	if cfg.InfluxURL != "" {
		dbCfg.Influx = &influx.Config{
			URL:    cfg.InfluxURL,
			Token:  cfg.InfluxToken,
			Org:    cfg.InfluxOrg,
			Bucket: cfg.InfluxBucket,
		}
	}
	return dbCfg
}

func (d *daemon) wireBackends(ctx context.Context) error {
	var recorders []miner.Recorder

	dbCfg := storageConfig(d.cfg)
	if dbCfg.Postgres != nil || dbCfg.Redis != nil || dbCfg.Influx != nil {
		store, err := database.NewManager(ctx, dbCfg, d.logger)
		if err != nil {
			return err
		}
		d.store = store
		recorders = append(recorders, store)

		if store.Influx != nil {
			d.requester.SetObserver(store)
		}
		if store.Redis != nil {
			d.orchestrator.SetLocker(store)
		}
	}

	if d.cfg.KafkaEnabled() {
		d.kafka = messaging.NewKafkaClient(d.cfg.KafkaBrokers, d.logger)
		pub, err := messaging.NewOutcomePublisher(d.kafka, d.cfg.KafkaTopic, d.cfg.KafkaFormat)
		if err != nil {
			return err
		}
		if err := d.kafka.Health(ctx); err != nil {
			d.logger.Warn("Kafka not reachable yet, publishing will retry", "error", err.Error())
		}
		recorders = append(recorders, pub)
		d.logger.Info("publishing outcomes", "topic", d.cfg.KafkaTopic, "format", d.cfg.KafkaFormat)
	}

	if len(recorders) > 0 {
		d.orchestrator.SetRecorder(miner.NewMultiRecorder(d.logger, recorders...))
	}
	return nil
}

func (d *daemon) run(ctx context.Context, once bool) error {
	if d.store != nil {
		d.store.StartPeriodicTasks(ctx)
		d.logReports(ctx)
	}

	if once {
		d.orchestrator.RunCycle(ctx, d.wallets)
		return nil
	}

	err := d.orchestrator.Run(ctx, d.wallets, miner.NewScheduler(d.cfg.CycleInterval, nil))
	if stderrors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// logReports logs recent outcome counts and what storage already knows
// about each wallet.
func (d *daemon) logReports(ctx context.Context) {
	start := time.Now()
	defer func() { d.logger.LogDuration("startup_report", time.Since(start)) }()

	activity, err := d.store.Activity(ctx, start)
	if err != nil {
		d.logger.Warn("failed to load outcome counts", "error", err.Error())
	} else if activity.Today != nil || activity.Recent != nil {
		d.logger.Info("recent outcomes", "today", activity.Today, "last_24h", activity.Recent)
	}

	for _, w := range d.wallets {
		report, err := d.store.Report(ctx, w.Address)
		if err != nil {
			d.logger.Warn("failed to load wallet history", "wallet", w.Address, "error", err.Error())
			continue
		}

		attrs := []any{"wallet", w.Address}
		if s := report.Summary; s != nil {
			attrs = append(attrs, "runs", s.Runs, "started", s.Started, "activated", s.Activated, "aborted", s.Aborted)
		}
		if st := report.Status; st != nil {
			attrs = append(attrs, "last_state", st.State, "last_cycle", st.Cycle)
		}
		d.logger.Debug("wallet history", attrs...)
	}
}

func (d *daemon) close() {
	if d.kafka != nil {
		if err := d.kafka.Close(); err != nil {
			d.logger.Warn("failed to close Kafka client", "error", err.Error())
		}
	}
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			d.logger.Warn("failed to close storage", "error", err.Error())
		}
	}
}

// runTail logs outcome events published by other lightminer instances.
func runTail(ctx context.Context, cfg *config.Config, logger *log.Logger) int {
	if !cfg.KafkaEnabled() || cfg.KafkaFormat != messaging.FormatProto {
		err := errors.New(errors.ErrorTypeConfiguration, "tail", "tailing needs KAFKA_BROKERS and KAFKA_FORMAT=proto")
		logger.WithError(err).Error("startup failed")
		return 1
	}

	client := messaging.NewKafkaClient(cfg.KafkaBrokers, logger)
	defer func() { _ = client.Close() }()

	handler := messaging.NewTailHandler(logger)
	err := client.StartConsumer(ctx, cfg.KafkaTopic, messaging.GroupTail, messaging.NewEventMessage, handler)
	if err != nil && !stderrors.Is(err, context.Canceled) {
		logger.WithError(err).Error("tail failed")
		return 1
	}

	logger.Info("tail stopped", "events", handler.Seen())
	return 0
}
