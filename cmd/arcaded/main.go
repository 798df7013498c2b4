// Command arcaded runs the arcade settlement daemon: the HTTP API, the
// settlement coordinator, and the chain event indexer in one process.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"arcaded/chain"
	"arcaded/config"
	"arcaded/gateway"
	"arcaded/identity"
	"arcaded/indexer"
	"arcaded/models"
	"arcaded/notify"
	"arcaded/observability"
	"arcaded/observability/logging"
	"arcaded/pool"
	"arcaded/settlement"
	"arcaded/storage"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "arcaded: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "config.yaml", "path to arcaded configuration")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.Setup("arcaded", cfg.Environment, cfg.LogFile)

	db, err := gorm.Open(postgres.Open(cfg.Database.DSN), &gorm.Config{})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}
	store := storage.New(db)

	chainClient, err := chain.Dial(chain.Config{
		Endpoint:          cfg.Chain.RPCURL,
		OperatorKey:       cfg.Chain.OperatorKey(),
		ChainID:           cfg.Chain.ChainID,
		ArcadeAddress:     common.HexToAddress(cfg.Chain.ArcadeContract),
		PoolAddress:       common.HexToAddress(cfg.Chain.PoolContract),
		RequestsPerSecond: cfg.Chain.RequestsPerSecond,
	})
	if err != nil {
		return fmt.Errorf("dial chain: %w", err)
	}

	var resolver identity.Resolver
	if cfg.Identity.BaseURL != "" {
		resolver = identity.NewHTTPResolver(cfg.Identity.BaseURL, 10*time.Second)
	}
	notifier := notify.New(store, nil, cfg.Notify.RepeatWindow, logger)

	coordinator, err := settlement.New(settlement.Config{
		Store:            store,
		Chain:            chainClient,
		Identity:         resolver,
		Notifier:         notifier,
		ReceiptTimeout:   cfg.Chain.ReceiptTimeout,
		Confirmations:    cfg.Chain.Confirmations,
		LowTimeThreshold: int64(cfg.Notify.LowTimeThresholdSeconds),
		Logger:           logger,
		Metrics:          observability.Settlement(),
	})
	if err != nil {
		return fmt.Errorf("init settlement: %w", err)
	}

	engine, err := pool.NewEngine(pool.Config{
		Store:       store,
		Payouts:     coordinator,
		CapQuarters: cfg.Pool.CapQuarters,
		Logger:      logger,
		Metrics:     observability.Pool(),
	})
	if err != nil {
		return fmt.Errorf("init pool: %w", err)
	}

	handlers := indexer.NewHandlers(store, engine, logger)
	contracts := []indexer.Contract{{
		Name:       "arcade",
		Address:    common.HexToAddress(cfg.Chain.ArcadeContract),
		StartBlock: cfg.Chain.ArcadeStartBlock,
		Events:     handlers.ArcadeBindings(),
	}}
	if cfg.Chain.PoolContract != "" {
		contracts = append(contracts, indexer.Contract{
			Name:       "pool",
			Address:    common.HexToAddress(cfg.Chain.PoolContract),
			StartBlock: cfg.Chain.PoolStartBlock,
			Events:     handlers.PoolBindings(),
		})
	}
	ix, err := indexer.New(indexer.Config{
		Chain:        chainClient,
		Store:        store,
		Contracts:    contracts,
		PollInterval: cfg.Indexer.PollInterval,
		BatchSize:    cfg.Indexer.BatchSize,
		Logger:       logger,
		Metrics:      observability.Indexer(),
	})
	if err != nil {
		return fmt.Errorf("init indexer: %w", err)
	}

	srv, err := gateway.New(gateway.Config{
		Store:      store,
		Settlement: coordinator,
		Pool:       engine,
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("init gateway: %w", err)
	}
	httpServer := &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      srv.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	indexerDone := make(chan struct{})
	go func() {
		defer close(indexerDone)
		ix.Run(stopCtx)
	}()

	errs := make(chan error, 1)
	go func() {
		logger.Info("arcaded listening", "address", cfg.ListenAddress, "environment", cfg.Environment)
		errs <- httpServer.ListenAndServe()
	}()

	select {
	case <-stopCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			_ = httpServer.Close()
			return err
		}
		<-indexerDone
		return nil
	case err := <-errs:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}
