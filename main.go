package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"upbit-trading-bot/config"
	"upbit-trading-bot/internal/api"
	"upbit-trading-bot/internal/auth"
	"upbit-trading-bot/internal/circuit"
	"upbit-trading-bot/internal/condition"
	"upbit-trading-bot/internal/database"
	"upbit-trading-bot/internal/events"
	"upbit-trading-bot/internal/executor"
	"upbit-trading-bot/internal/logging"
	"upbit-trading-bot/internal/notification"
	"upbit-trading-bot/internal/pending"
	"upbit-trading-bot/internal/reconcile"
	"upbit-trading-bot/internal/recovery"
	"upbit-trading-bot/internal/registry"
	"upbit-trading-bot/internal/risk"
	"upbit-trading-bot/internal/upbit"
	"upbit-trading-bot/internal/vault"
)

func main() {
	// .env is optional; real deployments use the environment directly.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		os.Stderr.WriteString("config load failed: " + err.Error() + "\n")
		os.Exit(1)
	}

	logger := logging.New(cfg.LoggingConfig)
	logger.Info().
		Bool("trading_enabled", cfg.TradingConfig.Enabled).
		Msg("upbit trading bot starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Exchange credentials: Vault when enabled, config/env otherwise.
	accessKey := cfg.UpbitConfig.AccessKey
	secretKey := cfg.UpbitConfig.SecretKey
	vaultClient, err := vault.NewClient(cfg.VaultConfig)
	if err != nil {
		logger.Fatal().Err(err).Msg("vault client init failed")
	}
	if vaultClient.IsEnabled() {
		creds, err := vaultClient.ExchangeCredentials(ctx)
		if err != nil {
			logger.Fatal().Err(err).Msg("exchange credentials fetch failed")
		}
		accessKey, secretKey = creds.AccessKey, creds.SecretKey
		logger.Info().Msg("exchange credentials loaded from vault")
	}

	exchange := upbit.NewClient(accessKey, secretKey, cfg.UpbitConfig.BaseURL,
		time.Duration(cfg.UpbitConfig.TimeoutSeconds)*time.Second)

	db, err := database.NewDB(cfg.DatabaseConfig, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("database connect failed")
	}
	defer db.Close()
	if err := db.RunMigrations(ctx); err != nil {
		logger.Fatal().Err(err).Msg("migrations failed")
	}
	repo := database.NewRepository(db)

	var mirror pending.Mirror
	var tracker *database.RedisTracker
	if cfg.RedisConfig.Enabled {
		tracker = database.NewRedisTracker(cfg.RedisConfig, logger)
		if tracker.Enabled() {
			mirror = tracker
		}
		defer tracker.Close()
	}

	bus := events.NewBus()

	var notifyMgr *notification.Manager
	var notifier pending.Notifier
	if cfg.NotificationConfig.Enabled {
		notifyMgr = notification.NewManager(logger)
		tg := cfg.NotificationConfig.Telegram
		notifyMgr.AddSender(notification.NewTelegramSender(tg.BotToken, tg.ChatID, tg.Enabled))
		dc := cfg.NotificationConfig.Discord
		notifyMgr.AddSender(notification.NewDiscordSender(dc.WebhookURL, dc.Enabled))
		notifier = notifyMgr
	}

	breaker := circuit.NewBreaker(cfg.CircuitBreakerConfig, logger)
	breaker.OnTrip(func(market, reason string) {
		bus.PublishBreakerChanged(market, string(circuit.StateClosed), string(circuit.StateOpen), reason)
		if notifyMgr != nil {
			notifyMgr.Warning("circuit breaker tripped", market+": "+reason)
		}
	})

	throttle := risk.NewThrottle(cfg.RiskThrottleConfig, logger)
	reg := registry.New(repo, cfg.RegistryConfig, cfg.TradingConfig.MaxOpenPositions, logger)
	checker := condition.NewChecker(exchange, condition.DefaultConfig(), logger)

	pendingMgr := pending.NewManager(exchange, repo, checker, breaker, mirror, notifier,
		cfg.PendingOrderConfig, logger)

	exec := executor.New(exchange, checker, breaker, throttle, repo, pendingMgr,
		cfg.ExecutionConfig, cfg.TradingConfig, logger)

	pendingMgr.OnReplace(func(sig executor.Signal, notional float64) {
		result := exec.Execute(ctx, sig, notional)
		bus.PublishOrderResult(sig.Market, sig.Side, result.OrderType,
			result.Success, result.IsPending, result.ErrorCode,
			result.ExecutedPrice, result.ExecutedQuantity)
	})
	pendingMgr.OnFinal(func(rec database.PendingOrder) {
		bus.PublishOrderFinalized(rec.OrderID, rec.Market, rec.Status, rec.FilledQuantity)
		// An unfilled BUY leaves no position behind; free the market claim.
		if rec.Side == executor.SideBuy && rec.Status != database.PendingStatusFilled &&
			rec.Status != database.PendingStatusPartiallyFilled {
			reg.Release(rec.Market)
		}
	})

	reconciler := reconcile.New(exchange, repo, cfg.ReconcileConfig, logger)
	reconciler.OnClosed(func(market string) { reg.Release(market) })

	recoveryQ := recovery.NewQueue(exchange, repo, exec, notifier, cfg.RecoveryConfig,
		cfg.TradingConfig.MinOrderAmountKRW, logger)
	recoveryQ.OnClosed(func(market string) { reg.Release(market) })

	if err := pendingMgr.Recover(ctx); err != nil {
		logger.Error().Err(err).Msg("pending order recovery failed")
	}

	var wg sync.WaitGroup
	run := func(name string, fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(ctx)
		}()
		logger.Info().Str("service", name).Msg("service started")
	}

	run("pending_manager", pendingMgr.Run)
	if cfg.ReconcileConfig.Enabled {
		run("reconciler", reconciler.Run)
	}
	if cfg.RecoveryConfig.Enabled {
		run("close_recovery", recoveryQ.Run)
	}

	if cfg.ServerConfig.Enabled {
		authSvc := auth.NewService(cfg.AuthConfig)
		server := api.NewServer(cfg.ServerConfig, cfg.AuthConfig, api.Deps{
			Store:      repo,
			Breaker:    breaker,
			Registry:   reg,
			Pending:    pendingMgr,
			Reconciler: reconciler,
			Trader:     exec,
			Exchange:   exchange,
			Auth:       authSvc,
			Bus:        bus,
		}, logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := server.Start(ctx); err != nil {
				logger.Error().Err(err).Msg("api server failed")
				cancel()
			}
		}()
	}

	bus.Publish(events.Event{Type: events.TypeSystemStarted, Data: map[string]interface{}{
		"trading_enabled": cfg.TradingConfig.Enabled,
	}})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	s := <-sigCh
	logger.Info().Str("signal", s.String()).Msg("shutting down")
	bus.Publish(events.Event{Type: events.TypeSystemStopping, Data: nil})

	cancel()
	wg.Wait()
	logger.Info().Msg("shutdown complete")
}
