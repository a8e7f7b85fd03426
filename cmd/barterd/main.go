// Package main provides barterd, the swap negotiation, escrow and dispute
// daemon.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/klingon-exchange/barter/internal/config"
	"github.com/klingon-exchange/barter/internal/notify"
	"github.com/klingon-exchange/barter/internal/payment"
	"github.com/klingon-exchange/barter/internal/rpc"
	"github.com/klingon-exchange/barter/internal/storage"
	"github.com/klingon-exchange/barter/internal/swap"
	"github.com/klingon-exchange/barter/pkg/helpers"
	"github.com/klingon-exchange/barter/pkg/logging"
)

var (
	version = "0.1.0-dev"
	commit  = "unknown"
)

func main() {
	// Parse flags
	var (
		dataDir     = flag.String("data-dir", "~/.barter", "Data directory")
		configFile  = flag.String("config", "", "Config file path (default: <data-dir>/config.yaml)")
		apiAddr     = flag.String("api", "", "JSON-RPC API address, overrides config")
		logLevel    = flag.String("log-level", "", "Log level (debug, info, warn, error), overrides config")
		sweepOnce   = flag.Bool("sweep", false, "Run the expiry and dispute sweeps once and exit")
		showVersion = flag.Bool("version", false, "Show version and exit")
	)
	flag.Parse()

	// Initial logger, replaced once the config is loaded
	log := logging.New(&logging.Config{
		Level:      levelOr(*logLevel, "info"),
		TimeFormat: time.TimeOnly,
	})
	logging.SetDefault(log)

	if *showVersion {
		log.Infof("barterd %s (commit: %s)", version, commit)
		os.Exit(0)
	}

	var (
		cfg *config.Config
		err error
	)
	if *configFile != "" {
		cfg, err = config.LoadFile(helpers.ExpandPath(*configFile), *dataDir)
	} else {
		cfg, err = config.LoadConfig(*dataDir)
	}
	if err != nil {
		log.Fatal("Failed to load config", "error", err)
	}

	// CLI flags take precedence over the config file
	if *apiAddr != "" {
		cfg.RPC.ListenAddr = *apiAddr
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal("Invalid config", "error", err)
	}

	logCfg := &logging.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		TimeFormat: time.TimeOnly,
	}
	if cfg.Logging.File != "" {
		fileLog, closer, err := logging.Open(logCfg, helpers.ExpandPath(cfg.Logging.File))
		if err != nil {
			log.Fatal("Failed to open log file", "path", cfg.Logging.File, "error", err)
		}
		defer closer.Close()
		log = fileLog
	} else {
		log = logging.New(logCfg)
	}
	logging.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize storage
	store, err := storage.New(&storage.Config{DataDir: cfg.Storage.DataDir})
	if err != nil {
		log.Fatal("Failed to initialize storage", "error", err)
	}
	defer store.Close()
	log.Info("Storage initialized", "path", store.Path())

	gateway, err := payment.New(cfg.Payment, log)
	if err != nil {
		log.Fatal("Failed to initialize payment gateway", "error", err)
	}

	manager, err := swap.NewManager(swap.Config{
		Stores:          store.SwapStores(),
		Payments:        gateway,
		Notifier:        notify.NewOutbox(store),
		Profiles:        store,
		Listings:        store,
		ProposalTTL:     cfg.Engine.ProposalTTL,
		CounterOfferTTL: cfg.Engine.CounterOfferTTL,
		DisputeGrace:    cfg.Engine.DisputeGrace,
		SweepBatchSize:  cfg.Engine.SweepBatchSize,
		Logger:          log,
	})
	if err != nil {
		log.Fatal("Failed to initialize swap engine", "error", err)
	}

	if *sweepOnce {
		if err := runSweeps(ctx, log, manager); err != nil {
			log.Fatal("Sweep failed", "error", err)
		}
		return
	}

	hub := rpc.NewWSHub(log)
	sinks := []notify.Sink{hub}
	webhooks := helpers.SplitList(cfg.Notify.WebhookURL)
	for _, url := range webhooks {
		sinks = append(sinks, notify.NewWebhookSink(url, cfg.Notify.WebhookSecret, cfg.Notify.RatePerSecond, log))
	}
	dispatcher := notify.NewDispatcher(store, cfg.Notify, log, sinks...)

	rpcServer := rpc.NewServer(manager, store, rpc.Options{
		Hub:            hub,
		MetricsEnabled: cfg.RPC.MetricsEnabled,
		Logger:         log,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		dispatcher.Start(gctx)
		<-gctx.Done()
		dispatcher.Stop()
		return nil
	})
	g.Go(func() error {
		if err := rpcServer.Start(cfg.RPC.ListenAddr); err != nil {
			return err
		}
		printBanner(log, cfg, rpcServer.Addr(), len(webhooks))
		<-gctx.Done()
		return rpcServer.Stop()
	})

	// Status ticker
	g.Go(func() error {
		ticker := time.NewTicker(60 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				stats, err := store.GetOutboxStats(gctx)
				if err != nil {
					continue
				}
				log.Info("Status",
					"ws_clients", hub.ClientCount(),
					"outbox_pending", stats[storage.OutboxStatusPending],
					"outbox_failed", stats[storage.OutboxStatusFailed])
			}
		}
	})

	if err := g.Wait(); err != nil {
		log.Error("Daemon stopped with error", "error", err)
		store.Close()
		os.Exit(1)
	}
	log.Info("Goodbye!")
}

// runSweeps runs the expiry sweep followed by the dispute timeout sweep.
func runSweeps(ctx context.Context, log *logging.Logger, m *swap.Manager) error {
	now := time.Now()

	expired, err := m.SweepExpired(ctx, now)
	if err != nil {
		return err
	}
	log.Info("Expiry sweep finished",
		"expired", expired.Expired,
		"counter_offers_expired", expired.CounterOffersExpired,
		"locks_released", expired.LocksReleased,
		"failed", expired.Failed)

	disputes, err := m.Disputes().SweepTimeouts(ctx, now)
	if err != nil {
		return err
	}
	log.Info("Dispute sweep finished",
		"refunded", disputes.Refunded,
		"recovered", disputes.Recovered,
		"failed", disputes.Failed)
	return nil
}

func levelOr(level, fallback string) string {
	if level == "" {
		return fallback
	}
	return level
}

func printBanner(log *logging.Logger, cfg *config.Config, apiAddr string, webhooks int) {
	log.Info("")
	log.Info("=================================================")
	log.Info("  Barter Swap Daemon")
	log.Infof("  Version: %s", version)
	log.Info("=================================================")
	log.Info("")
	log.Infof("  API: http://%s", apiAddr)
	log.Infof("  WS:  ws://%s/ws", apiAddr)
	if cfg.RPC.MetricsEnabled {
		log.Infof("  Metrics: http://%s/metrics", apiAddr)
	}
	log.Info("")
	log.Infof("  Payment gateway: %s", cfg.Payment.Mode)
	log.Infof("  Webhooks: %d", webhooks)
	log.Infof("  Data dir: %s", helpers.ExpandPath(cfg.Storage.DataDir))
	log.Info("")
	log.Info("=================================================")
	log.Info("")
}
