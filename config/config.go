package config

import (
	"fmt"

	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	JWT        JWTConfig        `mapstructure:"jwt"`
	Group      GroupConfig      `mapstructure:"group"`
	Actor      ActorConfig      `mapstructure:"actor"`
	Directory  DirectoryConfig  `mapstructure:"directory"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Postgres   PostgresConfig   `mapstructure:"postgres"`
	Kafka      KafkaConfig      `mapstructure:"kafka"`
	RateLimit  RateLimitConfig  `mapstructure:"ratelimit"`
	WorkerPool WorkerPoolConfig `mapstructure:"worker_pool"`
	Websocket  WebsocketConfig  `mapstructure:"websocket"`
	Gateway    GatewayConfig    `mapstructure:"gateway"`
	Cluster    ClusterConfig    `mapstructure:"cluster"`
}

type ServerConfig struct {
	Port          int    `mapstructure:"port"`
	Mode          string `mapstructure:"mode"`
	MaxConcurrent int    `mapstructure:"max_concurrent"` // HTTP 接口同时处理的最大请求数
}

// LoggingConfig 日志配置
type LoggingConfig struct {
	Level    string `mapstructure:"level"`
	Format   string `mapstructure:"format"` // json, text
	Output   string `mapstructure:"output"` // stdout, file
	FilePath string `mapstructure:"file_path"`
}

type JWTConfig struct {
	Secret      string `mapstructure:"secret"`
	ExpireHours int    `mapstructure:"expire_hours"`
}

// GroupConfig 群组规则
type GroupConfig struct {
	Capacity         int    `mapstructure:"capacity"`
	NameMaxLength    int    `mapstructure:"name_max_length"`
	MessageMaxLength int    `mapstructure:"message_max_length"`
	WelcomeMessage   string `mapstructure:"welcome_message"`
	WelcomeAuthor    string `mapstructure:"welcome_author"`
}

// ActorConfig 实体运行时配置
type ActorConfig struct {
	Partitions  int `mapstructure:"partitions"`   // 分区数量
	Replicas    int `mapstructure:"replicas"`     // 每个分区在哈希环上的虚拟节点数
	MailboxSize int `mapstructure:"mailbox_size"` // 每个实体的请求队列长度
}

type DirectoryConfig struct {
	PageSize     int `mapstructure:"page_size"`
	FanoutBuffer int `mapstructure:"fanout_buffer"`
}

// StorageConfig 选择实体状态的存储后端: memory, redis, postgres
type StorageConfig struct {
	Driver string `mapstructure:"driver"`
}

type RedisConfig struct {
	Host         string `mapstructure:"host"`
	Port         string `mapstructure:"port"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	PoolSize     int    `mapstructure:"pool_size"`
	MinIdleConns int    `mapstructure:"min_idle_conns"`
	KeyPrefix    string `mapstructure:"key_prefix"`
}

type PostgresConfig struct {
	Host         string `mapstructure:"host"`
	Port         string `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	DBName       string `mapstructure:"dbname"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
}

// KafkaConfig Brokers 为空时不启用事件流水
type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

type RateLimitConfig struct {
	Limit         int  `mapstructure:"limit"`
	WindowSeconds int  `mapstructure:"window_seconds"`
	FailOpen      bool `mapstructure:"fail_open"`
}

type WorkerPoolConfig struct {
	Size      int `mapstructure:"size"`
	QueueSize int `mapstructure:"queue_size"`
}

type WebsocketConfig struct {
	HeartbeatSeconds int   `mapstructure:"heartbeat_seconds"`
	SendBuffer       int   `mapstructure:"send_buffer"`
	MaxMessageSize   int64 `mapstructure:"max_message_size"`
}

type GatewayConfig struct {
	NodeID           string `mapstructure:"node_id"`
	WorkerID         int64  `mapstructure:"worker_id"`
	BroadcastChannel string `mapstructure:"broadcast_channel"`
}

// ClusterConfig 多节点部署时实体按 key 归属到唯一节点, 其余节点经 gRPC 转发
// Peers 为空表示单节点, 所有实体都在本进程
type ClusterConfig struct {
	ListenAddr string     `mapstructure:"listen_addr"`
	Replicas   int        `mapstructure:"replicas"` // 每个节点在归属环上的虚拟节点数
	Peers      []PeerNode `mapstructure:"peers"`
}

// PeerNode 包含本节点在内的全部成员, ID 对应各节点的 gateway.node_id
type PeerNode struct {
	ID   string `mapstructure:"id"`
	Addr string `mapstructure:"addr"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.max_concurrent", 1024)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")

	v.SetDefault("jwt.expire_hours", 24)

	v.SetDefault("group.capacity", 2)
	v.SetDefault("group.name_max_length", 100)
	v.SetDefault("group.message_max_length", 2000)
	v.SetDefault("group.welcome_message", "Welcome to the group")
	v.SetDefault("group.welcome_author", "GroupChat bot")

	v.SetDefault("actor.partitions", 4)
	v.SetDefault("actor.replicas", 64)
	v.SetDefault("actor.mailbox_size", 64)

	v.SetDefault("directory.page_size", 50)
	v.SetDefault("directory.fanout_buffer", 64)

	v.SetDefault("storage.driver", "memory")

	v.SetDefault("redis.host", "127.0.0.1")
	v.SetDefault("redis.port", "6379")
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.min_idle_conns", 2)
	v.SetDefault("redis.key_prefix", "groupchat")

	v.SetDefault("postgres.max_idle_conns", 5)
	v.SetDefault("postgres.max_open_conns", 20)

	v.SetDefault("kafka.topic", "groupchat.events")

	v.SetDefault("ratelimit.limit", 30)
	v.SetDefault("ratelimit.window_seconds", 10)
	v.SetDefault("ratelimit.fail_open", true)

	v.SetDefault("worker_pool.size", 8)
	v.SetDefault("worker_pool.queue_size", 256)

	v.SetDefault("websocket.heartbeat_seconds", 54)
	v.SetDefault("websocket.send_buffer", 256)
	v.SetDefault("websocket.max_message_size", 4096)

	v.SetDefault("gateway.node_id", "node-1")
	v.SetDefault("gateway.broadcast_channel", "groupchat:push")

	v.SetDefault("cluster.listen_addr", ":9090")
	v.SetDefault("cluster.replicas", 128)
}

// Default 返回不依赖配置文件的默认配置
func Default() *Config {
	v := viper.New()
	setDefaults(v)

	var config Config
	// 仅包含默认值，不会失败
	_ = v.Unmarshal(&config)
	return &config
}

func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	// 将配置反序列化到结构体
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}
	if config.Group.Capacity <= 0 {
		return nil, fmt.Errorf("group.capacity 必须大于 0, 当前为 %d", config.Group.Capacity)
	}
	if err := config.Cluster.validate(config.Gateway.NodeID); err != nil {
		return nil, err
	}
	return &config, nil
}

func (c ClusterConfig) validate(self string) error {
	if len(c.Peers) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(c.Peers))
	for _, peer := range c.Peers {
		if peer.ID == "" || peer.Addr == "" {
			return fmt.Errorf("cluster.peers 的 id 和 addr 不能为空")
		}
		if seen[peer.ID] {
			return fmt.Errorf("cluster.peers 中节点 %s 重复", peer.ID)
		}
		seen[peer.ID] = true
	}
	if !seen[self] {
		return fmt.Errorf("gateway.node_id %s 不在 cluster.peers 中", self)
	}
	return nil
}
