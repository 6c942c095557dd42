package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	gosmtp "github.com/emersion/go-smtp"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"telemail/backend/internal/cloudflare"
	"telemail/backend/internal/config"
	"telemail/backend/internal/delivery"
	"telemail/backend/internal/health"
	"telemail/backend/internal/hostip"
	"telemail/backend/internal/logger"
	"telemail/backend/internal/monitoring"
	"telemail/backend/internal/pool"
	"telemail/backend/internal/provision"
	"telemail/backend/internal/registry"
	smtpbackend "telemail/backend/internal/smtp"
	"telemail/backend/internal/telegram"
)

// main 启动邮件中继服务：先完成 DNS 自举，再同时运行
// SMTP 接收、Telegram 轮询与管理 HTTP 三个面。
func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	if !cfg.Log.Development {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	log, err := logger.New(cfg.Log)
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	log.Info("starting telemail server",
		zap.String("domain", cfg.Domain),
		zap.String("log_level", cfg.Log.Level),
		zap.Bool("development", cfg.Log.Development),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 解析 A 记录与 SPF 要用的服务器地址
	serverIP := cfg.ServerIP
	if serverIP == "" {
		serverIP, err = hostip.PublicIPv4()
		if err != nil {
			log.Fatal("failed to detect server IP, set TELEMAIL_SERVER_IP explicitly", zap.Error(err))
		}
		log.Info("detected server IP", zap.String("ip", serverIP))
	}

	// DNS 自举：记录未就绪前不开始收信
	cf := cloudflare.NewClient(cfg.Cloudflare.Email, cfg.Cloudflare.APIKey, cfg.Cloudflare.ZoneID, cfg.Cloudflare.AccountID)
	provisioner := provision.New(cf, cfg.Domain, serverIP, log)
	if err := provisioner.Run(ctx); err != nil {
		log.Fatal("dns provisioning failed", zap.Error(err))
	}

	metrics := monitoring.NewMetrics()
	boxes := registry.New(cfg.Domain, nil)

	bot, err := telegram.NewBot(cfg.Telegram.Token, cfg.Telegram.PollTimeout, boxes, log)
	if err != nil {
		log.Fatal("failed to connect telegram bot", zap.Error(err))
	}

	taskPool := pool.NewWorkerPool(cfg.Pool.Workers, cfg.Pool.QueueSize, log)
	taskPool.Start(ctx)

	engine := delivery.NewEngine(bot.Notifier(), log, metrics)

	limiter := smtpbackend.NewConnectionLimiter(cfg.SMTP.MaxConnections, cfg.SMTP.MaxRate)
	backend := smtpbackend.NewBackend(boxes, engine, taskPool, limiter, log, metrics)

	smtpServer := gosmtp.NewServer(backend)
	smtpServer.Addr = cfg.SMTP.BindAddr
	smtpServer.Domain = cfg.Domain
	smtpServer.ReadTimeout = 60 * time.Second
	smtpServer.WriteTimeout = 60 * time.Second
	smtpServer.MaxMessageBytes = cfg.SMTP.MaxMessageBytes
	smtpServer.MaxRecipients = 50

	// 管理面：健康检查与指标
	healthChecker := health.NewHealthChecker(bot, boxes, log)
	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/health/live", gin.WrapF(healthChecker.LiveEndpoint))
	router.GET("/health/ready", gin.WrapF(healthChecker.ReadyEndpoint))
	router.GET("/metrics", gin.WrapH(metrics.HTTPHandler()))

	adminAddr := fmt.Sprintf("%s:%d", cfg.Admin.Host, cfg.Admin.Port)
	adminServer := &http.Server{
		Addr:              adminAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		log.Info("starting SMTP server",
			zap.String("address", cfg.SMTP.BindAddr),
			zap.String("domain", cfg.Domain),
		)
		if err := smtpServer.ListenAndServe(); err != nil {
			log.Error("SMTP server error", zap.Error(err))
			return err
		}
		return nil
	})

	group.Go(func() error {
		if err := bot.Run(groupCtx); err != nil {
			log.Error("telegram polling error", zap.Error(err))
			return err
		}
		return nil
	})

	group.Go(func() error {
		log.Info("starting admin HTTP server", zap.String("address", adminAddr))
		if err := adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("admin HTTP server error", zap.Error(err))
			return err
		}
		return nil
	})

	// 定期上报活跃绑定数
	group.Go(func() error {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-groupCtx.Done():
				return nil
			case <-ticker.C:
				metrics.BindingsActive.Set(float64(boxes.Len()))
			}
		}
	})

	// 优雅关闭
	group.Go(func() error {
		<-groupCtx.Done()
		log.Info("shutdown signal received, gracefully shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := adminServer.Shutdown(shutdownCtx); err != nil {
			log.Error("admin HTTP server shutdown error", zap.Error(err))
		}
		if err := smtpServer.Close(); err != nil {
			log.Warn("SMTP server close warning", zap.Error(err))
		}

		// 等在途投递完成后再退出
		taskPool.Stop()

		log.Info("servers stopped")
		return nil
	})

	if err := group.Wait(); err != nil && err != context.Canceled {
		log.Fatal("server error", zap.Error(err))
	}

	log.Info("server exited cleanly")
}
