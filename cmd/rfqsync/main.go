// Package main runs rfqsync, the cache coherency daemon for the RFQ tables.
//
// rfqsync keeps a query cache coherent with the backend: it subscribes to table changes
// (Supabase Realtime or a NATS change feed), runs each change through the invalidation
// rules and serves metrics and a status report over HTTP.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"slices"
	"syscall"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/tongvtdan/apillis-mfg-sub009/coherence"
	"github.com/tongvtdan/apillis-mfg-sub009/config"
	"github.com/tongvtdan/apillis-mfg-sub009/datasource/supabase"
	"github.com/tongvtdan/apillis-mfg-sub009/errors"
	"github.com/tongvtdan/apillis-mfg-sub009/invalidation"
	"github.com/tongvtdan/apillis-mfg-sub009/invalidation/rulesync"
	"github.com/tongvtdan/apillis-mfg-sub009/metric"
	"github.com/tongvtdan/apillis-mfg-sub009/natsclient"
	"github.com/tongvtdan/apillis-mfg-sub009/pkg/retry"
	"github.com/tongvtdan/apillis-mfg-sub009/realtime"
	"github.com/tongvtdan/apillis-mfg-sub009/realtime/phoenix"
	"github.com/tongvtdan/apillis-mfg-sub009/types/change"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "rfqsync"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

// infrastructure holds what run has to tear down.
type infrastructure struct {
	nats      *natsclient.Client
	transport realtime.Transport
	feed      *natsclient.ChangeFeed
	socket    *phoenix.Transport
	registry  *metric.MetricsRegistry
}

func run() error {
	cliCfg, logger, shouldExit, err := initializeCLI()
	if shouldExit || err != nil {
		return err
	}

	cfg, err := initializeConfiguration(cliCfg)
	if err != nil {
		return err
	}

	if cliCfg.Validate {
		slog.Info("Configuration is valid")
		return nil
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	infra, err := setupInfrastructure(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer infra.close(cliCfg.ShutdownTimeout)

	layer, err := setupLayer(ctx, cfg, infra, logger)
	if err != nil {
		return err
	}

	return runWithSignalHandling(ctx, cliCfg, cfg, infra, layer, logger)
}

// initializeCLI parses flags and sets up logging
func initializeCLI() (*CLIConfig, *slog.Logger, bool, error) {
	cliCfg, err := parseFlags(os.Args[1:])
	if err != nil {
		return nil, nil, false, fmt.Errorf("parse flags: %w", err)
	}
	if err := validateFlags(cliCfg); err != nil {
		return nil, nil, false, fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil, nil, true, nil
	}
	if cliCfg.ShowHelp {
		cliCfg.usage()
		return nil, nil, true, nil
	}

	logger := setupLogger(cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	slog.Info("Starting rfqsync (cache coherency)",
		"version", Version,
		"build_time", BuildTime,
		"config_path", cliCfg.ConfigPath)

	return cliCfg, logger, false, nil
}

// initializeConfiguration loads and validates configuration
func initializeConfiguration(cliCfg *CLIConfig) (*config.Config, error) {
	cfg, err := config.Load(cliCfg.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	slog.Debug("Configuration loaded", "config", cfg.String())
	return cfg, nil
}

// setupInfrastructure connects NATS when configured and opens the realtime transport
func setupInfrastructure(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*infrastructure, error) {
	infra := &infrastructure{registry: metric.NewMetricsRegistry()}

	if cfg.NATS.URL != "" {
		client, err := connectToNATS(ctx, cfg.NATS, infra.registry, logger)
		if err != nil {
			return nil, err
		}
		infra.nats = client
		infra.feed = natsclient.NewChangeFeed(client, cfg.NATS.SubjectPrefix)
	}

	switch cfg.Transport {
	case config.TransportNATS:
		infra.transport = infra.feed
		slog.Info("Receiving changes from NATS", "subject_prefix", cfg.NATS.SubjectPrefix)
	default:
		t, err := phoenix.NewTransport(cfg.Supabase.Phoenix(), phoenix.WithLogger(logger.With("component", "phoenix")))
		if err != nil {
			infra.close(5 * time.Second)
			return nil, fmt.Errorf("create realtime transport: %w", err)
		}
		infra.socket = t
		infra.transport = t
		slog.Info("Receiving changes from Supabase Realtime", "url", cfg.Supabase.URL)
	}

	return infra, nil
}

// connectToNATS creates the client and connects with the configured retry policy
func connectToNATS(ctx context.Context, cfg config.NATSConfig, registry *metric.MetricsRegistry,
	logger *slog.Logger) (*natsclient.Client, error) {
	name := cfg.Name
	if name == "" {
		name = appName
	}
	opts := []natsclient.ClientOption{
		natsclient.WithName(name),
		natsclient.WithMaxReconnects(cfg.MaxReconnects),
		natsclient.WithReconnectWait(cfg.ReconnectWait),
		natsclient.WithConnectRetry(cfg.ConnectRetry),
		natsclient.WithLogger(logger.With("component", "nats")),
		natsclient.WithMetrics(registry.CoreMetrics()),
	}
	if cfg.Username != "" {
		opts = append(opts, natsclient.WithCredentials(cfg.Username, cfg.Password))
	}
	if cfg.Token != "" {
		opts = append(opts, natsclient.WithToken(cfg.Token))
	}

	client, err := natsclient.NewClient(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("create NATS client: %w", err)
	}

	slog.Info("Connecting to NATS", "url", cfg.URL)
	if err := client.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return client, nil
}

// setupLayer builds the coherency layer on the Supabase data source
func setupLayer(ctx context.Context, cfg *config.Config, infra *infrastructure, logger *slog.Logger) (*coherence.Layer, error) {
	source, err := supabase.New(cfg.Supabase.DataSource())
	if err != nil {
		return nil, fmt.Errorf("create data source: %w", err)
	}

	layerCfg := coherence.DefaultConfig()
	layerCfg.Cache = cfg.Cache
	layerCfg.Query = cfg.Query
	layerCfg.Invalidation = cfg.Invalidation
	layerCfg.Realtime = cfg.Realtime
	layerCfg.Optimistic = cfg.Optimistic

	deps := coherence.Dependencies{
		Source:    source,
		Transport: infra.transport,
		Metrics:   infra.registry,
		Logger:    logger,
	}
	if cfg.NATS.PublishChanges && infra.feed != nil {
		deps.Publisher = infra.feed
	}

	layer, err := coherence.New(ctx, layerCfg, deps)
	if err != nil {
		return nil, fmt.Errorf("create coherency layer: %w", err)
	}
	return layer, nil
}

// runWithSignalHandling starts rule sync, subscriptions and the metrics server, then
// waits for a shutdown signal
func runWithSignalHandling(ctx context.Context, cliCfg *CLIConfig, cfg *config.Config, infra *infrastructure,
	layer *coherence.Layer, logger *slog.Logger) error {
	syncDone := make(chan struct{})
	if cfg.NATS.RulesBucket != "" && infra.nats != nil {
		bucket, err := infra.nats.KeyValueBucket(ctx, jetstream.KeyValueConfig{
			Bucket:      cfg.NATS.RulesBucket,
			Description: "Shared cache invalidation rules",
		})
		if err != nil {
			_ = layer.Close()
			return fmt.Errorf("open rules bucket: %w", err)
		}
		syncer := rulesync.New(natsclient.NewKVStore(bucket, 5*time.Second), layer.Engine(),
			rulesync.WithLogger(logger.With("component", "rulesync")))
		go func() {
			defer close(syncDone)
			runRuleSync(ctx, syncer)
		}()
	} else {
		close(syncDone)
	}

	unsubscribe, err := subscribeTables(layer, cliCfg.Tables)
	if err != nil {
		_ = layer.Close()
		return err
	}
	layer.SetAuthenticationStatus(true, cliCfg.UserID)

	var server *metric.Server
	if cfg.Metrics.Enabled {
		server = metric.NewServer(cfg.Metrics.Addr, cfg.Metrics.Path, infra.registry,
			func() any { return layer.Status() })
		if err := server.Start(); err != nil {
			unsubscribe()
			_ = layer.Close()
			return fmt.Errorf("start metrics server: %w", err)
		}
		slog.Info("Metrics server listening", "addr", server.Address(), "path", cfg.Metrics.Path)
	}

	slog.Info("rfqsync started", "transport", cfg.Transport, "user_id", cliCfg.UserID)

	<-ctx.Done()
	slog.Info("Received shutdown signal")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cliCfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := shutdown(shutdownCtx, server, layer, unsubscribe, syncDone); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}

	slog.Info("rfqsync shutdown complete")
	return nil
}

// runRuleSync keeps the syncer running across watcher failures until ctx ends
func runRuleSync(ctx context.Context, syncer *rulesync.Syncer) {
	backoff := retry.DefaultConfig()
	for attempt := 1; ; attempt++ {
		err := syncer.Run(ctx)
		if err == nil || ctx.Err() != nil {
			return
		}
		if !errors.IsTransient(err) && !errors.Is(err, errors.ErrConnectionLost) {
			slog.Error("Rule sync stopped", "error", err)
			return
		}
		delay := backoff.DelayWithJitter(attempt)
		slog.Warn("Rule sync interrupted, restarting", "error", err, "attempt", attempt, "delay", delay)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// subscribeTables registers one logging subscription per table. Without an explicit
// list every table a rule triggers on is subscribed; tables with a high priority rule
// get a high priority subscription.
func subscribeTables(layer *coherence.Layer, tables []string) (func(), error) {
	priorities := make(map[string]realtime.Priority)
	for _, r := range layer.Engine().Rules() {
		table := r.Trigger.Table
		if r.Priority == invalidation.High {
			priorities[table] = realtime.PriorityHigh
		} else if _, ok := priorities[table]; !ok {
			priorities[table] = realtime.PriorityMedium
		}
	}
	if len(tables) == 0 {
		for table := range priorities {
			tables = append(tables, table)
		}
		slices.Sort(tables)
	}

	var cancels []func()
	unsubscribe := func() {
		for _, cancel := range cancels {
			cancel()
		}
	}
	for _, table := range tables {
		priority, ok := priorities[table]
		if !ok {
			priority = realtime.PriorityMedium
		}
		logger := slog.Default().With("table", table)
		cancel, err := layer.Subscribe(appName+"-"+table, realtime.Topic{Table: table, Priority: priority},
			func(ch change.Change) {
				logger.Debug("Change received", "operation", ch.Operation, "record_id", ch.RecordID,
					"source", ch.Source)
			})
		if err != nil {
			unsubscribe()
			return nil, fmt.Errorf("subscribe to %s: %w", table, err)
		}
		cancels = append(cancels, cancel)
	}
	slog.Info("Subscribed to tables", "tables", tables)
	return unsubscribe, nil
}

// shutdown stops the metrics server and the layer, then waits for rule sync to exit
func shutdown(ctx context.Context, server *metric.Server, layer *coherence.Layer, unsubscribe func(),
	syncDone <-chan struct{}) error {
	var first error
	if server != nil {
		if err := server.Stop(ctx); err != nil {
			slog.Error("Error stopping metrics server", "error", err)
			first = err
		}
	}

	unsubscribe()
	if err := layer.Close(); err != nil {
		slog.Error("Error stopping coherency layer", "error", err)
		if first == nil {
			first = err
		}
	}

	select {
	case <-syncDone:
	case <-ctx.Done():
		slog.Warn("Rule sync did not stop before the shutdown deadline")
	}
	return first
}

// close releases the transport and the NATS connection
func (i *infrastructure) close(timeout time.Duration) {
	if i.socket != nil {
		if err := i.socket.Close(); err != nil {
			slog.Warn("Error closing realtime transport", "error", err)
		}
	}
	if i.nats != nil {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := i.nats.Close(ctx); err != nil {
			slog.Warn("Error closing NATS connection", "error", err)
		}
	}
}
