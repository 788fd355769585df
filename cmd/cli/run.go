package cli

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
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
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	gormtracing "gorm.io/plugin/opentelemetry/tracing"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the automation engine",
	Long:  `Run the automation engine: event consumer, SLA scanner and admin API`,
	Run:   run,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func run(cmd *cobra.Command, args []string) {
	// 加载配置
	cfg := config.Load()

	// 初始化日志系统
	if err := config.InitLogger(cfg); err != nil {
		logrus.Fatalf("Failed to initialize logger: %v", err)
	}
	appLogger := logrus.StandardLogger()

	// OpenTelemetry 初始化（可选）
	if shutdown, err := observability.SetupTracing(context.Background(), cfg); err == nil {
		defer func() { _ = shutdown(context.Background()) }()
	} else {
		logrus.Warnf("init tracing: %v", err)
	}

	// 初始化数据库
	// TranslateError 把驱动层的唯一约束冲突归一为 gorm.ErrDuplicatedKey，
	// 执行台账的幂等判定依赖这一点。
	dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=disable TimeZone=UTC",
		cfg.Database.Host, cfg.Database.User, cfg.Database.Password, cfg.Database.Name, cfg.Database.Port)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Warn),
		TranslateError: true,
	})
	if err != nil {
		logrus.Fatalf("Failed to connect to database: %v", err)
	}
	if cfg.Monitoring.Tracing.Enabled {
		_ = db.Use(gormtracing.NewPlugin())
	}

	if err := db.AutoMigrate(&models.AutomationRule{}, &models.AutomationExecution{}); err != nil {
		logrus.Fatalf("Failed to migrate database: %v", err)
	}

	// 连接 NATS
	bus, err := events.NewNATSBus(cfg.Broker.URL)
	if err != nil {
		logrus.Fatalf("Failed to connect to NATS: %v", err)
	}
	defer bus.Close()

	// 初始化业务服务
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

	// 启动事件消费与 SLA 扫描
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	consumer := services.NewConsumer(bus, engine, cfg.Broker.QueueGroup, appLogger)
	if err := consumer.Start(ctx); err != nil {
		logrus.Fatalf("Failed to start event consumer: %v", err)
	}
	if cfg.Scanner.Enabled {
		go scanner.Start(ctx)
	}

	// 设置 Gin 模式
	if cfg.Log.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	// 创建路由
	router := setupRouter(cfg, db, bus, client, recorder, engine, scanner)

	// 创建服务器
	server := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: router,
	}

	// 启动服务器
	go func() {
		logrus.Infof("Starting server on %s:%d", cfg.Server.Host, cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.Fatalf("Server failed to start: %v", err)
		}
	}()

	// 等待中断信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logrus.Info("Shutting down server...")

	// 优雅关闭：先停消费，再关 HTTP
	cancel()
	consumer.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logrus.Errorf("Server forced to shutdown: %v", err)
	}

	logrus.Info("Server exited")
}

func setupRouter(cfg *config.Config, db *gorm.DB, bus *events.NATSBus, client pipeline.API, recorder *metrics.Counters, engine *services.AutomationService, scanner *services.SLAScanner) *gin.Engine {
	router := gin.New()

	// 中间件
	router.Use(gin.Logger())
	router.Use(gin.Recovery())
	router.Use(middleware.RateLimitMiddleware(cfg))
	if cfg.Monitoring.Tracing.Enabled {
		router.Use(otelgin.Middleware(cfg.Monitoring.Tracing.ServiceName))
	}

	// 健康检查
	healthHandler := handlers.NewHealthHandler(cfg, db, bus, client)
	handlers.RegisterHealthRoutes(router, healthHandler)

	// 指标快照
	if cfg.Monitoring.Enabled {
		handlers.RegisterMetricsRoutes(router, cfg.Monitoring.MetricsPath, handlers.NewMetricsHandler(recorder))
	}

	// API 路由组
	api := router.Group("/api/v1")
	{
		handlers.RegisterAutomationRoutes(api, handlers.NewAutomationHandler(engine))
		handlers.RegisterOpsRoutes(api, handlers.NewOpsHandler(scanner))
	}

	return router
}
