package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/vitos/ln_dlc_coordinator/internal/infrastructure/exchange"
	"github.com/vitos/ln_dlc_coordinator/internal/infrastructure/lnd"
	"github.com/vitos/ln_dlc_coordinator/internal/infrastructure/logger"
	"github.com/vitos/ln_dlc_coordinator/internal/infrastructure/orderbook"
	"github.com/vitos/ln_dlc_coordinator/internal/infrastructure/storage"
	"github.com/vitos/ln_dlc_coordinator/internal/infrastructure/transport"
	"github.com/vitos/ln_dlc_coordinator/internal/usecase"
	"github.com/vitos/ln_dlc_coordinator/internal/web"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Database struct {
		Path string `yaml:"path"`
	} `yaml:"database"`
	Lnd    lnd.Config `yaml:"lnd"`
	Market struct {
		RESTEndpoint string `yaml:"rest_endpoint"`
		Symbol       string `yaml:"symbol"`
	} `yaml:"market"`
	Orderbook struct {
		WSEndpoint string `yaml:"ws_endpoint"`
	} `yaml:"orderbook"`
	Messaging struct {
		WSEndpoint string `yaml:"ws_endpoint"`
	} `yaml:"messaging"`
	Revert struct {
		RESTEndpoint string `yaml:"rest_endpoint"`
	} `yaml:"revert"`
	Engine struct {
		SignatureTimeoutSec  int `yaml:"signature_timeout_sec"`
		ContractLengthHours  int `yaml:"contract_length_hours"`
		SchedulerIntervalMin int `yaml:"scheduler_interval_min"`
		RecoveryGraceMin     int `yaml:"recovery_grace_min"`
	} `yaml:"engine"`
	Logging struct {
		Level string `yaml:"level"`
		File  string `yaml:"file"`
	} `yaml:"logging"`
	Server struct {
		Port int `yaml:"port"`
	} `yaml:"server"`
}

func loadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func main() {
	// 1. Load Config
	cfg, err := loadConfig("config/config.yaml")
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// 2. Init Logger
	var log *zap.Logger
	if cfg.Logging.File != "" {
		log, err = logger.NewFileLogger(cfg.Logging.File, cfg.Logging.Level)
	} else {
		log, err = logger.NewLogger(cfg.Logging.Level)
	}
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	// 3. Init Storage
	store, err := storage.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		log.Fatal("Failed to init sqlite", zap.Error(err))
	}

	// 4. Connect to the node
	node, err := lnd.NewClient(cfg.Lnd)
	if err != nil {
		log.Fatal("Failed to connect to node", zap.Error(err))
	}
	defer node.Close()

	// 5. External collaborators
	market := exchange.NewBybitAdapter(cfg.Market.RESTEndpoint, cfg.Market.Symbol)
	feed := orderbook.NewFeed(cfg.Orderbook.WSEndpoint, log)
	dlcTransport := transport.NewWsTransport(cfg.Messaging.WSEndpoint, log)
	revert := transport.NewHttpRevert(cfg.Revert.RESTEndpoint)

	// 6. Engine wiring
	trackerCfg := usecase.DefaultTrackerConfig()
	if cfg.Engine.SignatureTimeoutSec > 0 {
		trackerCfg.SignatureTimeout = time.Duration(cfg.Engine.SignatureTimeoutSec) * time.Second
	}
	if cfg.Engine.ContractLengthHours > 0 {
		trackerCfg.ContractLength = time.Duration(cfg.Engine.ContractLengthHours) * time.Hour
	}
	tracker := usecase.NewProtocolTracker(store, store, store, store, dlcTransport, usecase.InversePayout, log, trackerCfg)

	gate := usecase.NewSettlementGate(store, node, log, usecase.GateConfig{HoldTimeout: 10 * time.Minute})
	interceptor := usecase.NewPaymentInterceptor(store, store, tracker, log, usecase.DefaultInterceptorConfig())
	router := usecase.NewTradeRouter(feed, store, store, tracker, gate, log)

	schedulerCfg := usecase.DefaultSchedulerConfig()
	if cfg.Engine.SchedulerIntervalMin > 0 {
		schedulerCfg.Interval = time.Duration(cfg.Engine.SchedulerIntervalMin) * time.Minute
	}
	scheduler := usecase.NewFundingScheduler(store, store, store, store, tracker, market, node, log, schedulerCfg)

	recoveryCfg := usecase.DefaultRecoveryConfig()
	if cfg.Engine.RecoveryGraceMin > 0 {
		recoveryCfg.GracePeriod = time.Duration(cfg.Engine.RecoveryGraceMin) * time.Minute
	}
	// Registers itself as the tracker's stuck handler.
	recovery := usecase.NewRecoveryHandler(tracker, store, store, node, dlcTransport, revert, market, usecase.InversePayout, log, recoveryCfg)

	// 7. Recover state interrupted by the previous shutdown
	startupCtx, cancelStartup := context.WithTimeout(context.Background(), time.Minute)
	if err := tracker.ResumeInFlight(startupCtx); err != nil {
		log.Fatal("Failed to resume in-flight protocols", zap.Error(err))
	}
	if err := gate.ResumeInvoices(startupCtx); err != nil {
		log.Fatal("Failed to reconcile unresolved invoices", zap.Error(err))
	}
	cancelStartup()

	// 8. Run everything
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go dlcTransport.Run(ctx)
	go feed.Run(ctx)
	go router.Run(ctx)
	go scheduler.Run(ctx)

	go func() {
		for {
			err := node.RunHtlcInterceptor(ctx, interceptor.OnHtlc, log)
			if ctx.Err() != nil {
				return
			}
			log.Error("HTLC interceptor stream broke, reattaching", zap.Error(err))
			time.Sleep(5 * time.Second)
		}
	}()

	watchInvoice := func(rHash lntypes.Hash) {
		go func() {
			if err := node.WatchInvoice(ctx, rHash, gate.OnAccepted, log); err != nil && ctx.Err() == nil {
				log.Error("Invoice watch ended", zap.String("r_hash", rHash.String()), zap.Error(err))
			}
		}()
	}

	server := web.NewServer(cfg.Server.Port, store, store, store, interceptor, tracker, gate, recovery, watchInvoice, log)
	go func() {
		if err := server.Start(); err != nil {
			log.Fatal("Web server failed", zap.Error(err))
		}
	}()

	// 9. Wait for Shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Info("Shutting down")
	cancel()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("Web server shutdown", zap.Error(err))
	}
	if err := store.Close(); err != nil {
		log.Error("Closing storage", zap.Error(err))
	}
}
