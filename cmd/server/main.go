package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"storefront/internal/config"
	"storefront/internal/gateway"
	"storefront/internal/handler"
	"storefront/internal/infrastructure/cache"
	"storefront/internal/infrastructure/database"
	"storefront/internal/infrastructure/mq"
	"storefront/internal/job"
	"storefront/internal/service"
	"storefront/pkg/idgen"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "配置文件路径")
	workerID := flag.Int64("worker-id", 1, "雪花算法机器 ID，多实例部署时各不相同")
	flag.Parse()

	// 加载配置
	cfg := config.LoadConfig(*configPath)

	// 初始化 ID 生成器
	idgen.Init(*workerID)

	// 初始化 MySQL
	db := database.InitMySQL(&cfg.MySQL)

	// 初始化 Redis
	redisClient := cache.InitRedis(&cfg.Redis)

	// 初始化 Kafka
	publisher := mq.InitKafka(&cfg.Kafka)
	defer publisher.Close()

	// 支付网关
	gw := gateway.NewClient(cfg.Gateway)
	status := gw.Status()
	log.Printf("[Gateway] sandbox=%t, api=%s, token_configured=%t", status.Sandbox, status.APIBase, status.TokenConfigured)
	if !cfg.Server.Production && cfg.Gateway.AllowUnsignedWebhooks {
		log.Println("[SECURITY] !!! 未签名的网关回调将被放行，只允许在测试环境使用 !!!")
	}

	// 业务服务
	accounts := service.NewAccountService(db, redisClient, cfg)
	notifier := service.NewOutboxNotifier(db, cfg)
	lifecycle := service.NewLifecycleService(db, redisClient, cfg, accounts, gw, notifier)

	// 创建上下文（用于优雅关闭）
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 启动后台任务
	outboxSender := job.NewOutboxSender(db, cfg, publisher)
	go outboxSender.Start(ctx)

	// 手动对账接口始终可用，定时对账按配置开关
	sweeper := job.NewReconcileSweeper(db, cfg, lifecycle, gw)
	if cfg.Business.EnablePaymentChecker {
		go sweeper.Start(ctx)
	} else {
		log.Println("[ReconcileSweeper] 定时对账已关闭")
	}

	// 设置路由
	h := handler.NewHandler(cfg, accounts, lifecycle, gw, sweeper)
	router := handler.SetupRouter(cfg, redisClient, h)

	// 启动 HTTP 服务
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// 在 goroutine 中启动服务器
	go func() {
		log.Printf("服务启动，监听端口: %d", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("服务启动失败: %v", err)
		}
	}()

	// 等待中断信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("正在关闭服务...")

	// 取消上下文，停止后台任务
	cancel()

	// 关闭 HTTP 服务（等待最多5秒）
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("服务关闭异常: %v", err)
	}

	log.Println("服务已关闭")
}
