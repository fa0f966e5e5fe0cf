package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"coteacher/internal/api"
	"coteacher/internal/auth"
	"coteacher/internal/config"
	"coteacher/internal/gateway"
	"coteacher/internal/logging"
	"coteacher/internal/models"
	"coteacher/internal/redis"
	"coteacher/internal/roster"
	"coteacher/internal/service/history"
	"coteacher/internal/service/inference"
	"coteacher/internal/storage"
	"coteacher/internal/telemetry"
	"coteacher/internal/worker"

	"github.com/gin-gonic/gin"
)

func main() {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger, logCloser, err := logging.Setup(cfg.Log)
	if err != nil {
		log.Fatalf("setup logging: %v", err)
	}
	defer logCloser.Close()

	if err := run(cfg, logger); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		return err
	}
	defer shutdownTelemetry()

	dbType := cfg.BasicConfig.DatabaseType
	logger.Info("opening database", "type", dbType)
	db, err := storage.Open(dbType, cfg)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := storage.Migrate(db, dbType); err != nil {
		return err
	}

	rdb, err := redis.NewRedisClient(cfg.Redis)
	if err != nil {
		return err
	}
	defer rdb.Close()

	rosters := roster.NewStore(rdb, time.Duration(cfg.BasicConfig.RosterCacheTTL)*time.Minute, logger)
	if err := rosters.StartListener(ctx); err != nil {
		logger.Warn("roster invalidation listener unavailable", "error", err)
	}

	timeout := time.Duration(cfg.Upstream.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	gw := gateway.New(gateway.EndpointsFromConfig(cfg.Upstream),
		gateway.WithHTTPClient(&http.Client{Timeout: timeout}),
		gateway.WithLogger(logger),
	)

	retention := time.Duration(cfg.BasicConfig.MessageRetentionDays) * 24 * time.Hour
	if retention <= 0 {
		retention = models.DefaultMessageRetention
	}
	historyService := history.NewService(db, retention, logger)
	historyService.StartExpiryCleaner(ctx, time.Duration(cfg.BasicConfig.HistoryCleanInterval)*time.Minute)

	chatModel, err := inference.NewChatModel(ctx, cfg)
	if err != nil {
		return err
	}
	turns := inference.NewService(inference.NewEinoStreamer(chatModel), historyService, gw, logger)

	dispatcher := worker.NewDispatcher(worker.DispatcherConfig{
		MinWorkers:        cfg.BasicConfig.MinWorkers,
		MaxWorkers:        cfg.BasicConfig.MaxWorkers,
		QueueSize:         cfg.BasicConfig.QueueSize,
		WorkerIdleTimeout: time.Duration(cfg.BasicConfig.WorkerIdleTimeout) * time.Minute,
	}, logger)
	defer dispatcher.Close()

	deps := api.Deps{
		Gateway:        gw,
		Roster:         rosters,
		History:        historyService,
		LocalHistory:   cfg.BasicConfig.LocalHistory,
		CacheStudents:  cfg.BasicConfig.UpstreamCacheStudentList,
		Turns:          turns,
		Dispatcher:     dispatcher,
		TurnsPerMinute: cfg.BasicConfig.MaxTurnsPerMinute,
		Logger:         logger,
	}
	if cfg.Auth.Enabled {
		deps.Auth = auth.NewService(db, rdb, time.Duration(cfg.Auth.TokenTTL)*time.Hour, logger)
		deps.Cognito = auth.NewCognito(cfg.Auth, &http.Client{Timeout: timeout})
	}
	handlers := api.NewHandler(deps)

	router := gin.New()
	router.Use(gin.Recovery())
	handlers.RegisterRoutes(router)

	addr := cfg.BasicConfig.ServerAddress
	if addr == "" {
		addr = ":8090"
	}
	srv := &http.Server{Addr: addr, Handler: router}

	errc := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", addr, "auth", cfg.Auth.Enabled, "local_history", cfg.BasicConfig.LocalHistory)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
