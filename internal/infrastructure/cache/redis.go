package cache

import (
	"context"
	"fmt"
	"log"
	"net"
	"strconv"
	"time"

	"storefront/internal/config"

	"github.com/go-redis/redis/v8"
)

const (
	redisDialTimeout = 5 * time.Second
	defaultPoolSize  = 20
)

// NewRedisClient 按配置建连接池，不检查连通性
func NewRedisClient(cfg *config.RedisConfig) *redis.Client {
	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = defaultPoolSize
	}
	return redis.NewClient(&redis.Options{
		Addr:         net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     poolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  redisDialTimeout,
	})
}

// Connect 建连接池并 ping 一次，失败时关闭客户端
func Connect(ctx context.Context, cfg *config.RedisConfig) (*redis.Client, error) {
	client := NewRedisClient(cfg)

	ctx, cancel := context.WithTimeout(ctx, redisDialTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", client.Options().Addr, err)
	}
	return client, nil
}

// InitRedis 启动时调用。购买锁、限流和余额缓存都依赖 redis，连不上直接退出。
func InitRedis(cfg *config.RedisConfig) *redis.Client {
	client, err := Connect(context.Background(), cfg)
	if err != nil {
		log.Fatalf("连接 Redis 失败: %v", err)
	}

	opts := client.Options()
	log.Printf("[Redis] 连接成功: addr=%s, db=%d, pool=%d", opts.Addr, opts.DB, opts.PoolSize)
	return client
}
