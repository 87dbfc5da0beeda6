package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"sudooom.chat.relay/internal/auth"
	"sudooom.chat.relay/internal/bus"
	"sudooom.chat.relay/internal/config"
	"sudooom.chat.relay/internal/health"
	"sudooom.chat.relay/internal/persist"
	"sudooom.chat.relay/internal/presence"
	"sudooom.chat.relay/internal/queue"
	"sudooom.chat.relay/internal/ratelimit"
	"sudooom.chat.relay/internal/relay"
	"sudooom.chat.relay/internal/room"
	"sudooom.chat.relay/internal/server"
	"sudooom.chat.relay/internal/store"
	"sudooom.chat.relay/internal/workerpool"
)

func main() {
	// 加载配置
	cfg, err := config.Load("configs/config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// 初始化日志
	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)

	// 实例 ID，每次启动唯一
	instanceID := uuid.NewString()
	logger.Info("Starting chat relay", "instance_id", instanceID)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 初始化 NATS
	nc, err := bus.Connect(cfg.NATS)
	if err != nil {
		logger.Error("Failed to connect to NATS", "url", cfg.NATS.URL, "error", err)
		os.Exit(1)
	}
	defer nc.Close()
	logger.Info("Connected to NATS", "url", cfg.NATS.URL)

	// 初始化 Redis
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	})
	defer redisClient.Close()
	logger.Info("Connected to Redis", "addr", cfg.Redis.Addr)

	// 初始化数据库连接池
	db, err := store.NewPool(ctx, cfg.Database)
	if err != nil {
		logger.Error("Failed to connect to database", "host", cfg.Database.Host, "error", err)
		os.Exit(1)
	}
	defer db.Close()
	logger.Info("Connected to database", "host", cfg.Database.Host, "name", cfg.Database.Name)

	// 存储层
	roomStore := store.NewRoomStore(db)
	userStore := store.NewUserStore(db)

	// 认证
	verifier := auth.NewJWTVerifier(cfg.Auth.TokenSecret, userStore)

	// 限流器及其过期清理
	limiter := ratelimit.New(ratelimit.Config{
		Window:      cfg.RateLimit.Window,
		MaxMessages: cfg.RateLimit.MaxMessages,
		Cooldown:    cfg.RateLimit.Cooldown,
	})
	go runLimiterCleanup(ctx, limiter)

	// 持久化队列与批量落库
	msgQueue := queue.NewRedisQueue(redisClient)
	sink := persist.NewPGSink(db, cfg.Persist.SubBatchSize)
	batcher := persist.NewBatcher(msgQueue, roomStore, sink, persist.Config{
		DrainInterval: cfg.Persist.DrainInterval,
		BatchSize:     cfg.Persist.BatchSize,
	})
	batcher.Start(ctx)
	defer batcher.Stop()

	// 在线注册表与过期清扫
	registry := presence.NewRedisRegistry(redisClient, instanceID)
	sweeper := presence.NewSweeper(registry, cfg.Presence.StaleTimeout, cfg.Presence.SweepInterval)
	go sweeper.Start(ctx)

	// 总线与中继
	pool := workerpool.New(0, 0, logger)
	defer pool.Shutdown()

	natsBus := bus.NewNATSBus(nc, pool, logger)
	defer natsBus.Close()

	rooms := room.NewDirectory(roomStore, natsBus, cfg.Server.DefaultRoom)
	r := relay.New(instanceID, verifier, rooms, registry, natsBus, msgQueue, limiter, logger)

	if err := natsBus.Start(instanceID, r); err != nil {
		logger.Error("Failed to start bus", "error", err)
		os.Exit(1)
	}

	// 默认房间常驻订阅
	if err := rooms.Ensure(ctx, rooms.DefaultRoom()); err != nil {
		logger.Error("Failed to subscribe default room", "room_id", rooms.DefaultRoom(), "error", err)
		os.Exit(1)
	}

	// 心跳刷新，周期取过期判定的三分之一
	go r.RunHeartbeat(ctx, cfg.Presence.StaleTimeout/3)

	// HTTP/WebSocket 服务
	checker := health.NewChecker(nc, redisClient, db, r)
	srv := server.New(cfg, r, checker, nil, logger)
	srv.Start(ctx)

	logger.Info("Chat relay started", "addr", cfg.Server.Addr, "instance_id", instanceID)

	// 优雅关闭
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down...")
	cancel()
	srv.Shutdown(context.Background())
	r.Shutdown(context.Background())
	logger.Info("Server stopped")
}

// newLogger 按配置构建 slog
func newLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

// runLimiterCleanup 周期性清理限流器中的陈旧窗口
func runLimiterCleanup(ctx context.Context, limiter *ratelimit.Limiter) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			limiter.Cleanup()
		}
	}
}
