package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"riskguard/internal/api"
	"riskguard/internal/config"
	"riskguard/internal/exchange"
	"riskguard/internal/models"
	"riskguard/internal/repository"
	"riskguard/internal/risk"
	"riskguard/internal/websocket"
	"riskguard/pkg/logger"

	_ "github.com/lib/pq"
)

func main() {
	// Загрузка конфигурации
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	zlog, err := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		log.Fatalf("Failed to init logger: %v", err)
	}
	defer zlog.Sync()

	// Инициализация базы данных
	db, err := initDatabase(cfg)
	if err != nil {
		zlog.Fatal("failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	zlog.Info("connected to database", zap.String("dsn", cfg.Database.DSNWithoutPassword()))

	// Инициализация репозиториев
	accountRepo := repository.NewAccountRepository(db)
	positionRepo := repository.NewPositionRepository(db)
	priceRepo := repository.NewPriceHistoryRepository(db)
	eventRepo := repository.NewRiskEventRepository(db)

	// Клиент биржи: учётные данные расшифровываются мастер-ключом,
	// сами ключи и секреты в лог не попадают
	client := exchange.NewClient(cfg.Engine.Testnet, exchange.Quotas{
		Account:      cfg.Engine.QuotaAccount,
		Order:        cfg.Engine.QuotaOrder,
		OrderStatus:  cfg.Engine.QuotaOrderStatus,
		TickerPrice:  cfg.Engine.QuotaTickerPrice,
		ExchangeInfo: cfg.Engine.QuotaExchangeInfo,
	}, zlog)

	loadCtx, loadCancel := context.WithTimeout(context.Background(), 5*time.Second)
	account, err := accountRepo.GetByExchange(cfg.Engine.Exchange)
	switch {
	case errors.Is(err, repository.ErrAccountNotFound):
		zlog.Warn("no exchange account configured, protective orders will fail until credentials are added",
			zap.String("exchange", cfg.Engine.Exchange))
	case err != nil:
		zlog.Fatal("failed to load exchange account", zap.Error(err))
	default:
		if !client.LoadCredentials(loadCtx, account.APIKeyEncrypted, account.APISecretEncrypted, cfg.Security.MasterKey) {
			zlog.Fatal("failed to decrypt exchange credentials, check MASTER_KEY")
		}
		zlog.Info("exchange credentials loaded", zap.String("exchange", cfg.Engine.Exchange))
	}
	loadCancel()

	// Поток цен
	stream := exchange.NewPriceStream(cfg.Engine.Symbols, exchange.StreamConfig{
		ReconnectBase:        cfg.Engine.ReconnectBase,
		ReconnectMax:         cfg.Engine.ReconnectMax,
		MaxReconnectAttempts: cfg.Engine.MaxReconnectAttempts,
		ConnectTimeout:       10 * time.Second,
		PingInterval:         30 * time.Second,
		PongWait:             10 * time.Second,
	}, zlog)

	// WebSocket hub для дашборда
	hub := websocket.NewHub(zlog)
	go hub.Run()

	// Риск-движок: корреляции, трейлинг-стопы, оркестратор
	corrCfg := risk.DefaultCorrelationConfig()
	corrCfg.RecomputeInterval = cfg.Engine.CorrelationRecompute
	corrCfg.MinAligned = cfg.Engine.CorrelationMinPoints
	corrCfg.MaxAge = cfg.Engine.HistoryRetention
	correlation := risk.NewCorrelationEngine(corrCfg, zlog)

	var engine *risk.Engine
	executor := exchange.NewStopOrderExecutor(client, zlog)
	monitor := risk.NewStopLossMonitor(executor, positionRepo, func(event models.RiskEvent) {
		engine.Emit(event)
	}, zlog)

	engine = risk.NewEngine(risk.EngineConfig{
		FlushInterval:   cfg.Engine.HistoryFlushInterval,
		WarmStartWindow: cfg.Engine.HistoryRetention,
		EventBuffer:     256,
	}, stream, correlation, monitor, positionRepo, priceRepo, eventRepo, zlog)

	// Push в дашборд: тики цен и критические события
	stream.OnTick(hub.BroadcastPrice)
	go func() {
		for event := range engine.Critical() {
			hub.BroadcastRiskEvent(event)
		}
	}()

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()

	if err := engine.Start(runCtx); err != nil {
		zlog.Fatal("failed to start risk engine", zap.Error(err))
	}

	// Ретеншн истории цен
	go pruneHistory(runCtx, priceRepo, cfg.Engine.HistoryRetention, zlog)

	// Настройка зависимостей для API
	deps := &api.Dependencies{
		Correlation: correlation,
		Stops:       monitor,
		StopStore:   positionRepo,
		Events:      eventRepo,
		Hub:         hub,
		Log:         zlog,
	}

	router := api.SetupRoutes(deps)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Запуск сервера в отдельной горутине
	go func() {
		zlog.Info("starting server", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Fatal("server failed", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	zlog.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		zlog.Error("server forced to shutdown", zap.Error(err))
	}

	// Останавливаем движок после HTTP: входящие запросы уже не принимаются,
	// стопы в полёте получают шанс завершить исполнение
	runCancel()
	engine.Stop()
	hub.Stop()

	zlog.Info("server exited")
}

// pruneHistory периодически удаляет точки истории цен старше ретеншна
func pruneHistory(ctx context.Context, repo *repository.PriceHistoryRepository, retention time.Duration, log *zap.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deleteCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			deleted, err := repo.DeleteOlderThan(deleteCtx, time.Now().Add(-retention))
			cancel()
			if err != nil {
				log.Warn("price history prune failed", zap.Error(err))
				continue
			}
			if deleted > 0 {
				log.Debug("price history pruned", zap.Int64("deleted", deleted))
			}
		}
	}
}

// initDatabase создает подключение к базе данных
func initDatabase(cfg *config.Config) (*sql.DB, error) {
	db, err := sql.Open(cfg.Database.Driver, cfg.Database.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Настройка пула соединений
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	// Проверка подключения
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return db, nil
}
