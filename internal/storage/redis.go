package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/Gopher0727/GroupChat/config"
)

// InitRedis 初始化 Redis 连接
func InitRedis(cfg *config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         net.JoinHostPort(cfg.Host, cfg.Port),
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,     // 最大连接数
		MinIdleConns: cfg.MinIdleConns, // 最小空闲连接数
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return client, nil
}

// RedisStateStore 实体状态以 JSON 字符串保存, 每种实体另有一个 key 集合用于恢复目录
//
//	<prefix>:<kind>:<key>  -> JSON
//	<prefix>:<kind>:index  -> SET of key
type RedisStateStore struct {
	client *redis.Client
	prefix string
}

func NewRedisStateStore(client *redis.Client, prefix string) *RedisStateStore {
	return &RedisStateStore{client: client, prefix: prefix}
}

func (s *RedisStateStore) stateKey(kind, key string) string {
	return fmt.Sprintf("%s:%s:%s", s.prefix, kind, key)
}

func (s *RedisStateStore) indexKey(kind string) string {
	return fmt.Sprintf("%s:%s:index", s.prefix, kind)
}

func (s *RedisStateStore) Load(ctx context.Context, kind, key string, v any) (bool, error) {
	raw, err := s.client.Get(ctx, s.stateKey(kind, key)).Bytes()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("读取实体状态失败 %s/%s: %w", kind, key, err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("解析实体状态失败 %s/%s: %w", kind, key, err)
	}
	return true, nil
}

func (s *RedisStateStore) Save(ctx context.Context, kind, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("序列化实体状态失败 %s/%s: %w", kind, key, err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.stateKey(kind, key), raw, 0)
	pipe.SAdd(ctx, s.indexKey(kind), key)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("保存实体状态失败 %s/%s: %w", kind, key, err)
	}
	return nil
}

func (s *RedisStateStore) Keys(ctx context.Context, kind string) ([]string, error) {
	keys, err := s.client.SMembers(ctx, s.indexKey(kind)).Result()
	if err != nil {
		return nil, fmt.Errorf("读取实体索引失败 %s: %w", kind, err)
	}
	return keys, nil
}
