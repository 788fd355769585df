package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"crmflow/internal/config"
	"crmflow/internal/events"
	"crmflow/internal/handlers"
	"crmflow/internal/metrics"
	"crmflow/internal/middleware"
	"crmflow/internal/models"
	"crmflow/internal/observability"
	"crmflow/internal/services"
	"crmflow/pkg/pipeline"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	gormtracing "gorm.io/plugin/opentelemetry/tracing"
)

func main() {
	// 读取配置文件（默认 ./config.yml）并初始化日志
	viper.AddConfigPath(".")
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AutomaticEnv()
	_ = viper.ReadInConfig()

	cfg := config.Load()

	// 允许通过 flags/env 覆盖数据库与监听地址（容器部署用）
	var (
		flagDSN string
		natsURL string
		srvHost string
		srvPort int
	)
	flagSet := flag.NewFlagSet(os.Args[0], flag.ContinueOnError)
	flagSet.SetOutput(os.Stdout)
	flagSet.StringVar(&flagDSN, "dsn", os.Getenv("DB_DSN"), "Postgres DSN, if set overrides config database section")
	flagSet.StringVar(&natsURL, "nats-url", getenvDefault("NATS_URL", cfg.Broker.URL), "NATS server URL")
	flagSet.StringVar(&srvHost, "host", getenvDefault("CRMFLOW_HOST", cfg.Server.Host), "server host (listen)")
	flagSet.IntVar(&srvPort, "port", func() int {
		if p := os.Getenv("CRMFLOW_PORT"); p != "" {
			if n, err := strconv.Atoi(p); err == nil {
				return n
			}
		}
		return cfg.Server.Port
	}(), "server port (listen)")
	_ = flagSet.Parse(os.Args[1:])

	dsn := flagDSN
	if dsn == "" {
		dsn = fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=disable TimeZone=UTC",
			cfg.Database.Host, cfg.Database.User, cfg.Database.Password, cfg.Database.Name, cfg.Database.Port)
	}

	if err := config.InitLogger(cfg); err != nil {
		logrus.Warnf("init logger: %v", err)
	}
	appLogger := logrus.StandardLogger()

	// OpenTelemetry 初始化（可选）
	shutdownOTel, err := observability.SetupTracing(context.Background(), cfg)
	if err != nil {
		appLogger.Warnf("init tracing: %v", err)
	} else {
		defer func() { _ = shutdownOTel(context.Background()) }()
	}

	// TranslateError 归一唯一约束冲突，幂等台账依赖 gorm.ErrDuplicatedKey
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Warn),
		TranslateError: true,
	})
	if err != nil {
		appLogger.Fatalf("Failed to connect to database: %v", err)
	}
	if cfg.Monitoring.Tracing.Enabled {
		_ = db.Use(gormtracing.NewPlugin())
	}

	if err := db.AutoMigrate(&models.AutomationRule{}, &models.AutomationExecution{}); err != nil {
		appLogger.Fatalf("Failed to migrate database: %v", err)
	}

	bus, err := events.NewNATSBus(natsURL)
	if err != nil {
		appLogger.Fatalf("Failed to connect to NATS: %v", err)
	}
	defer bus.Close()

	recorder := metrics.NewCounters()
	client := pipeline.NewClient(&pipeline.Config{
		BaseURL: cfg.Pipeline.BaseURL,
		APIKey:  cfg.Pipeline.APIKey,
		Timeout: cfg.Pipeline.Timeout,
	}, appLogger)
	dlq := services.NewDeadLetterRouter(bus, recorder, appLogger)
	executor := services.NewActionExecutor(db, client, bus, dlq, recorder, cfg.Automation, appLogger)
	engine := services.NewAutomationService(db, executor, recorder, appLogger)
	scanner := services.NewSLAScanner(db, client, bus, cfg.Scanner.Interval, appLogger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	consumer := services.NewConsumer(bus, engine, cfg.Broker.QueueGroup, appLogger)
	if err := consumer.Start(ctx); err != nil {
		appLogger.Fatalf("Failed to start event consumer: %v", err)
	}
	if cfg.Scanner.Enabled {
		go scanner.Start(ctx)
	}

	if cfg.Log.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Logger())
	r.Use(gin.Recovery())
	r.Use(middleware.RateLimitMiddleware(cfg))
	if cfg.Monitoring.Tracing.Enabled {
		r.Use(otelgin.Middleware(cfg.Monitoring.Tracing.ServiceName))
	}

	handlers.RegisterHealthRoutes(r, handlers.NewHealthHandler(cfg, db, bus, client))
	if cfg.Monitoring.Enabled {
		handlers.RegisterMetricsRoutes(r, cfg.Monitoring.MetricsPath, handlers.NewMetricsHandler(recorder))
	}
	api := r.Group("/api/v1")
	handlers.RegisterAutomationRoutes(api, handlers.NewAutomationHandler(engine))
	handlers.RegisterOpsRoutes(api, handlers.NewOpsHandler(scanner))

	listenAddr := fmt.Sprintf("%s:%d", srvHost, srvPort)
	srv := &http.Server{Addr: listenAddr, Handler: r}
	go func() {
		appLogger.Infof("Starting server on %s", listenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.Fatalf("Failed to start server: %v", err)
		}
	}()

	// 优雅关闭
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	appLogger.Info("Shutting down server...")
	cancel()
	consumer.Stop()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.Fatalf("Server forced to shutdown: %v", err)
	}
	appLogger.Info("Server exited")
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
