package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/pu-ac-cn/uac-sso/internal/bootstrap"
	"github.com/pu-ac-cn/uac-sso/internal/config"
	"github.com/pu-ac-cn/uac-sso/internal/handler"
	"github.com/pu-ac-cn/uac-sso/internal/logger"
	"github.com/pu-ac-cn/uac-sso/internal/metrics"
	"github.com/pu-ac-cn/uac-sso/internal/middleware"
	"github.com/pu-ac-cn/uac-sso/internal/sweep"
	"github.com/pu-ac-cn/uac-sso/pkg/response"
)

func main() {
	configPath := pflag.StringP("config", "c", "", "配置文件路径")
	pflag.Parse()

	// 加载配置
	var cfg *config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.LoadFromFile(*configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}

	zlog, err := logger.New(cfg.Log)
	if err != nil {
		log.Fatalf("初始化日志失败: %v", err)
	}
	defer zlog.Sync()

	// 指标注册到独立的 Registry，避免与默认注册表冲突
	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(promRegistry)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.New(ctx, cfg, zlog, m)
	if err != nil {
		zlog.Fatal("初始化票据注册中心失败", zap.Error(err))
	}
	defer app.Close()

	// 后台清理过期票据
	if cfg.Registry.Sweep.Enabled {
		cleaner := sweep.NewCleaner(app.Registry, cfg.Registry.Sweep, zlog, m)
		go cleaner.Run(ctx)
	}

	sessionHandler := handler.NewSessionHandler(app.TicketService, zlog)

	// 设置 Gin 模式
	if cfg.Server.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()

	// 全局中间件
	router.Use(middleware.Logger(zlog))
	router.Use(middleware.Recovery(zlog))
	router.Use(middleware.CORS())

	// 健康检查
	router.GET("/health", func(c *gin.Context) {
		backend := "ok"
		if err := app.Ping(c.Request.Context()); err != nil {
			backend = "error"
		}
		response.Success(c, gin.H{
			"status":  "ok",
			"time":    time.Now().Format(time.RFC3339),
			"backend": cfg.Registry.Backend,
			"storage": backend,
		})
	})
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{})))

	// 管理接口
	admin := router.Group("/api/v1/admin")
	admin.Use(middleware.AdminAuth(cfg.Admin.JWTSecret, cfg.Admin.Issuer))
	{
		admin.GET("/sessions", sessionHandler.ListSessions)
		admin.POST("/sessions/search", sessionHandler.SearchSessions)
		admin.DELETE("/sessions/:id", sessionHandler.DestroySession)
		admin.GET("/tickets/count", sessionHandler.Counts)
		admin.DELETE("/tickets", sessionHandler.DeleteAll)
	}

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		zlog.Info("服务启动", zap.String("addr", cfg.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zlog.Fatal("服务启动失败", zap.Error(err))
		}
	}()

	// 等待中断信号
	<-ctx.Done()
	zlog.Info("正在关闭服务...")

	// 优雅关闭，等待 5 秒
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Error("服务关闭失败", zap.Error(err))
	}

	zlog.Info("服务已关闭")
}
