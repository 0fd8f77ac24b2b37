package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"sentinel/internal/alert"
	"sentinel/internal/anomaly"
	"sentinel/internal/bot"
	"sentinel/internal/category"
	"sentinel/internal/client/clob"
	"sentinel/internal/client/gamma"
	"sentinel/internal/cluster"
	"sentinel/internal/config"
	cronjobs "sentinel/internal/cron"
	"sentinel/internal/db"
	"sentinel/internal/detector"
	"sentinel/internal/frontrun"
	"sentinel/internal/handler"
	"sentinel/internal/logger"
	"sentinel/internal/metrics"
	"sentinel/internal/microstructure"
	"sentinel/internal/notify"
	"sentinel/internal/opportunity"
	"sentinel/internal/repository"
	gormrepository "sentinel/internal/repository/gorm"
	"sentinel/internal/stats"
)

func main() {
	cfgPath := os.Getenv("SENTINEL_CONFIG")
	if cfgPath == "" {
		cfgPath = "config/config.yaml"
	}
	envOnly := false
	if raw := os.Getenv("SENTINEL_ENV_ONLY"); raw != "" {
		envOnly = strings.EqualFold(raw, "true") || raw == "1"
	}
	if _, err := os.Stat(cfgPath); err != nil && os.Getenv("SENTINEL_CONFIG") == "" {
		// No config file shipped; defaults plus env overrides are enough.
		envOnly = true
	}

	cfg, err := config.Load(cfgPath, envOnly)
	if err != nil {
		panic(err)
	}

	log, err := logger.New(cfg.Log)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	configs, err := config.NewManager(cfg)
	if err != nil {
		log.Fatal("configuration invalid", zap.Error(err))
	}
	if preset := strings.TrimSpace(os.Getenv("SENTINEL_PRESET")); preset != "" {
		if err := configs.ApplyPreset(preset); err != nil {
			log.Fatal("preset apply failed", zap.String("preset", preset), zap.Error(err))
		}
		log.Info("preset applied", zap.String("preset", preset))
		cfg = configs.Get()
	}

	collector := metrics.NewCollector(log, cfg.Metrics.Thresholds)

	// The store is optional: without a DSN the engine runs in-memory only.
	var store repository.Repository
	var dbConn *db.DB
	if cfg.DB.DSN != "" {
		dbConn, err = db.Open(cfg.DB)
		if err != nil {
			log.Fatal("db open failed", zap.Error(err))
		}
		defer db.Close(dbConn)
		if err := db.SetTimezone(dbConn, cfg.DB.Timezone); err != nil {
			log.Warn("failed to set timezone", zap.Error(err))
		}
		if err := db.AutoMigrate(dbConn); err != nil {
			log.Fatal("auto-migrate failed", zap.Error(err))
		}
		store = gormrepository.New(dbConn.Gorm)
	} else {
		log.Warn("no db dsn configured, persistence disabled")
	}

	kernel := stats.NewKernel()
	categorizer := category.New(log, cfg.Categories)
	stream := clob.NewStream(log, collector, cfg.Stream)

	orch := &bot.Orchestrator{
		Logger:      log,
		Configs:     configs,
		Metrics:     collector,
		Catalog:     gamma.NewClient(log, cfg.Catalog),
		Stream:      stream,
		Repo:        store,
		Kernel:      kernel,
		Anomaly:     anomaly.NewDetector(kernel, log, cfg.Anomaly),
		Micro:       microstructure.NewAnalyzer(kernel, log, cfg.Microstructure),
		Detector:    detector.New(kernel, log, cfg.Detection),
		Clusterer:   cluster.New(log, cfg.Cluster, nil),
		FrontRun:    frontrun.New(kernel, log, cfg.FrontRun),
		Categorizer: categorizer,
		Opportunity: opportunity.New(log, categorizer, cfg.Opportunity),
		Alerts:      alert.NewManager(log, collector, cfg.Alerts),
		Builder:     &notify.Builder{Health: kernel},
		Dispatcher:  notify.NewDispatcher(log, collector, cfg.Webhook),
	}
	if err := orch.Initialize(); err != nil {
		log.Fatal("engine wiring invalid", zap.Error(err))
	}

	if strings.EqualFold(cfg.App.Env, "dev") {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())

	healthHandler := &handler.HealthHandler{}
	if dbConn != nil {
		healthHandler.DB = dbConn.Gorm
	}
	healthHandler.Register(engine)
	statusHandler := &handler.StatusHandler{
		Logger:       log,
		Configs:      configs,
		Metrics:      collector,
		Orchestrator: orch,
		Repo:         store,
	}
	statusHandler.Register(engine)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cronRunner := cronjobs.New(log, ctx)
	if err := cronjobs.RegisterMaintenance(cronRunner, cronjobs.Maintenance{
		Logger:          log,
		Alerts:          orch.Alerts,
		FrontRun:        orch.FrontRun,
		Repo:            store,
		SignalRetention: 0,
	}); err != nil {
		log.Fatal("cron register failed", zap.Error(err))
	}
	cronRunner.Start()
	defer cronRunner.Stop()

	srv := &http.Server{
		Addr:    cfg.Server.HTTPAddr,
		Handler: engine,
	}

	errCh := make(chan error, 2)
	go func() {
		log.Info("http server starting", zap.String("addr", cfg.Server.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	go func() {
		log.Info("surveillance engine starting",
			zap.Duration("scan_interval", cfg.Scan.Interval),
			zap.Bool("stream_enabled", cfg.Stream.Enabled),
		)
		if err := orch.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown requested")
	case err := <-errCh:
		log.Error("fatal component error", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	orch.Stop()
}
