// Command server runs the day-trading transaction engine: the HTTP command
// ingress, the per-user dispatcher, the trigger loop and the pending-intent
// sweeper.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"daytrader/internal/accounts"
	"daytrader/internal/audit"
	"daytrader/internal/config"
	"daytrader/internal/database"
	"daytrader/internal/engine"
	"daytrader/internal/pending"
	"daytrader/internal/quotes"
	"daytrader/internal/server"
	"daytrader/internal/triggers"
	"daytrader/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to load config:", err)
		os.Exit(1)
	}

	log := logger.New(logger.Config{Level: cfg.LogLevel, Pretty: cfg.DevMode})
	log.Info().Str("data_dir", cfg.DataDir).Int("port", cfg.Port).Msg("Starting transaction server")

	// Three databases, three durability profiles: accounts hold the live
	// balances, the ledger is the append-only audit trail, the cache holds
	// pending intents that may be lost on crash without correctness impact.
	accountsDB, err := database.New(database.Config{
		Path:    filepath.Join(cfg.DataDir, "accounts.db"),
		Profile: database.ProfileStandard,
		Name:    "accounts",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open accounts database")
	}
	defer accountsDB.Close()

	ledgerDB, err := database.New(database.Config{
		Path:    filepath.Join(cfg.DataDir, "ledger.db"),
		Profile: database.ProfileLedger,
		Name:    "ledger",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open ledger database")
	}
	defer ledgerDB.Close()

	cacheDB, err := database.New(database.Config{
		Path:    filepath.Join(cfg.DataDir, "cache.db"),
		Profile: database.ProfileCache,
		Name:    "cache",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open cache database")
	}
	defer cacheDB.Close()

	store, err := accounts.New(accountsDB, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize account store")
	}

	auditLog, err := audit.New(audit.Config{
		DB:         ledgerDB,
		ServerName: cfg.ServerName,
		Log:        log,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize audit log")
	}

	pendingStore, err := pending.New(cacheDB, nil, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize pending store")
	}
	pendingStore.StartSweeper(cfg.SweepCadence)
	defer pendingStore.StopSweeper()

	quoteClient := quotes.New(quotes.Config{
		Addr:           cfg.QuoteAddr,
		ConnectTimeout: cfg.QuoteConnectTimeout,
		ReadTimeout:    cfg.QuoteReadTimeout,
		CacheTTL:       cfg.QuoteCacheTTL,
	}, auditLog, nil, log)

	registry := triggers.NewRegistry(store, log)

	counter := &engine.TxCounter{}

	eng := engine.New(engine.Config{
		Store:                  store,
		Pending:                pendingStore,
		Registry:               registry,
		Quotes:                 quoteClient,
		Audit:                  auditLog,
		LogsDir:                cfg.LogsDir,
		CommitBuyCreditsShares: cfg.CommitBuyCreditsShares,
		Log:                    log,
	})
	dispatcher := engine.NewDispatcher(eng, cfg.QueueDepth, log)
	defer dispatcher.Stop()

	loop := triggers.NewLoop(registry, store, quoteClient, auditLog, counter.Next, cfg.TriggerCadence, nil, log)
	loop.Start()
	defer loop.Stop()

	srv := server.New(server.Config{
		Log:        log,
		Dispatcher: dispatcher,
		Counter:    counter,
		Port:       cfg.Port,
		DevMode:    cfg.DevMode,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("Shutting down")
	case err := <-errCh:
		log.Error().Err(err).Msg("HTTP server exited")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Graceful shutdown failed")
	}
}
