package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Gopher0727/GroupChat/config"
	"github.com/Gopher0727/GroupChat/internal/actor"
	"github.com/Gopher0727/GroupChat/internal/cluster"
	"github.com/Gopher0727/GroupChat/internal/handlers"
	"github.com/Gopher0727/GroupChat/internal/notify"
	"github.com/Gopher0727/GroupChat/internal/repositories"
	"github.com/Gopher0727/GroupChat/internal/routers"
	"github.com/Gopher0727/GroupChat/internal/services"
	"github.com/Gopher0727/GroupChat/internal/storage"
	"github.com/Gopher0727/GroupChat/internal/utils"
	"github.com/Gopher0727/GroupChat/middleware/jwt"
	logger "github.com/Gopher0727/GroupChat/middleware/log"
	"github.com/Gopher0727/GroupChat/pkg/mq"
	"github.com/Gopher0727/GroupChat/pkg/ws"
	"github.com/Gopher0727/GroupChat/utils/ratelimit"
	"github.com/Gopher0727/GroupChat/utils/snowflake"
)

func main() {
	cfg, err := loadConfig("./config.toml")
	if err != nil {
		log.Fatalf("配置初始化失败: %v", err)
	}

	appLogger, err := logger.NewLogger(&cfg.Logging)
	if err != nil {
		log.Fatalf("日志初始化失败: %v", err)
	}
	defer appLogger.Close()

	// 初始化 Redis, 推送中继和限流依赖它; 状态存储选择 redis 时必须可用
	var redisClient *redis.Client
	if client, err := storage.InitRedis(&cfg.Redis); err != nil {
		if cfg.Storage.Driver == "redis" {
			appLogger.Fatal("redis 初始化失败", zap.Error(err))
		}
		appLogger.Warn("redis 不可用, 以单节点模式运行", zap.Error(err))
	} else {
		redisClient = client
		defer redisClient.Close()
	}

	store, err := newStateStore(cfg, redisClient)
	if err != nil {
		appLogger.Fatal("状态存储初始化失败", zap.Error(err))
	}

	// 初始化实体运行时
	opts := actor.Options{
		Partitions:  cfg.Actor.Partitions,
		Replicas:    cfg.Actor.Replicas,
		MailboxSize: cfg.Actor.MailboxSize,
	}
	groupRepo := repositories.NewGroupRepository(store, opts, &cfg.Group, appLogger)
	userRepo := repositories.NewUserRepository(store, opts, appLogger)
	defer groupRepo.Host().Stop()
	defer userRepo.Host().Stop()

	// 多节点时每个实体只在归属节点上运行, 其余节点经 gRPC 转发
	if len(cfg.Cluster.Peers) > 0 {
		clusterServer, err := startCluster(cfg, groupRepo, userRepo, appLogger)
		if err != nil {
			appLogger.Fatal("集群初始化失败", zap.Error(err))
		}
		defer clusterServer.Stop()
	}

	restoreCtx, cancelRestore := context.WithTimeout(context.Background(), 30*time.Second)
	restored, err := groupRepo.Restore(restoreCtx)
	cancelRestore()
	if err != nil {
		appLogger.Fatal("恢复群组索引失败", zap.Error(err))
	}
	appLogger.Info("群组索引已恢复", zap.Int("groups", restored))

	directory := repositories.NewDirectory(groupRepo, cfg.Directory.PageSize, cfg.Directory.FanoutBuffer, appLogger)

	// 初始化 Kafka 事件流水
	var journal services.Journal = services.NopJournal{}
	if len(cfg.Kafka.Brokers) > 0 {
		kafkaJournal, err := mq.NewKafkaJournal(&cfg.Kafka, appLogger)
		if err != nil {
			appLogger.Warn("Kafka 生产者初始化失败, 事件流水已关闭", zap.Error(err))
		} else {
			defer kafkaJournal.Close()
			journal = kafkaJournal
		}
	}

	chatService := services.NewChatService(groupRepo, userRepo, directory, journal, &cfg.Group, appLogger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 初始化 WebSocket Hub
	hub := ws.NewHub(redisClient, cfg.Gateway.BroadcastChannel, cfg.Gateway.NodeID, appLogger)
	go hub.Run(ctx)

	// 推送任务按接收方分配到固定的 worker
	pool := utils.NewWorkerPool(cfg.WorkerPool.Size, cfg.WorkerPool.QueueSize, appLogger.Logger)
	pool.Start()
	defer pool.Stop()

	dispatcher := notify.NewDispatcher(hub, pool, appLogger)

	// HTTP 接口的处理链在独立的协程池上执行
	apiPool := utils.NewWorkerPool(cfg.WorkerPool.Size, cfg.WorkerPool.QueueSize, appLogger.Logger)
	apiPool.Start()
	defer apiPool.Stop()

	var limiter ratelimit.Limiter = ratelimit.Unlimited{}
	if redisClient != nil && cfg.RateLimit.Limit > 0 {
		limiter = ratelimit.NewWindowLimiter(
			redisClient,
			appLogger.Logger,
			cfg.RateLimit.Limit,
			time.Duration(cfg.RateLimit.WindowSeconds)*time.Second,
			cfg.RateLimit.FailOpen,
		)
	}

	chatHub := handlers.NewChatHub(chatService, dispatcher, limiter, &cfg.Group, appLogger)
	groupHandler := handlers.NewGroupHandler(chatService, appLogger)

	ids, err := snowflake.NewGenerator(cfg.Gateway.WorkerID)
	if err != nil {
		appLogger.Fatal("连接 id 生成器初始化失败", zap.Error(err))
	}

	// 配置并创建 Gin 引擎
	gin.SetMode(cfg.Server.Mode)
	r := gin.New()
	r.Use(gin.Recovery())

	tm := jwt.NewTokenManager(cfg.JWT.Secret, cfg.JWT.ExpireHours)
	routers.SetupRoutes(r, routers.Options{
		Tokens:        tm,
		Limiter:       limiter,
		MaxConcurrent: cfg.Server.MaxConcurrent,
		Pool:          apiPool,
		Groups:        groupHandler,
		ServeWs: func(c *gin.Context) {
			ws.ServeWs(hub, chatHub, ids, &cfg.Websocket, c)
		},
	})

	srv := &http.Server{
		Addr:    ":" + strconv.Itoa(cfg.Server.Port),
		Handler: r,
	}

	go func() {
		appLogger.Info("正在启动服务器", zap.Int("port", cfg.Server.Port), zap.String("node_id", cfg.Gateway.NodeID))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.Fatal("启动服务器失败", zap.Error(err))
		}
	}()

	<-ctx.Done()
	appLogger.Info("正在关闭服务器")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("关闭服务器失败", zap.Error(err))
	}
}

// loadConfig 配置文件不存在时使用默认配置
func loadConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		log.Printf("未找到配置文件 %s, 使用默认配置", path)
		return config.Default(), nil
	}
	return config.LoadConfig(path)
}

func startCluster(cfg *config.Config, groups *repositories.GroupRepository, users *repositories.UserRepository, log *logger.Logger) (*cluster.Server, error) {
	ids := make([]string, 0, len(cfg.Cluster.Peers))
	for _, peer := range cfg.Cluster.Peers {
		ids = append(ids, peer.ID)
	}
	router := cluster.NewRouter(cfg.Gateway.NodeID, ids, cfg.Cluster.Replicas, log)

	for _, peer := range cfg.Cluster.Peers {
		if peer.ID == cfg.Gateway.NodeID {
			continue
		}
		conn, err := cluster.Dial(peer.Addr)
		if err != nil {
			return nil, err
		}
		router.Connect(peer.ID, conn)
	}
	groups.Attach(router)
	users.Attach(router)

	server, err := cluster.NewServer(cfg.Cluster.ListenAddr, router, log)
	if err != nil {
		return nil, err
	}
	go func() {
		if err := server.Start(); err != nil {
			log.Error("集群 gRPC 服务异常退出", zap.Error(err))
		}
	}()
	log.Info("已加入集群", zap.String("node_id", cfg.Gateway.NodeID), zap.Strings("nodes", router.Nodes()))
	return server, nil
}

func newStateStore(cfg *config.Config, redisClient *redis.Client) (actor.StateStore, error) {
	switch cfg.Storage.Driver {
	case "redis":
		return storage.NewRedisStateStore(redisClient, cfg.Redis.KeyPrefix), nil
	case "postgres":
		db, err := storage.InitPostgres(&cfg.Postgres)
		if err != nil {
			return nil, err
		}
		return storage.NewPostgresStateStore(db), nil
	default:
		return actor.NewMemoryStore(), nil
	}
}
