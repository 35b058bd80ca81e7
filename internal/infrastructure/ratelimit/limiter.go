// Package ratelimit 基于 redis 的固定窗口限流，多实例共享计数。
package ratelimit

import (
	"context"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

type Config struct {
	PerMinute int           // 每分钟请求上限
	Burst     int           // 每秒请求上限
	Block     time.Duration // 超限后封禁时长
}

type Limiter struct {
	client *redis.Client
	cfg    Config
}

func New(client *redis.Client, cfg Config) *Limiter {
	return &Limiter{client: client, cfg: cfg}
}

// Allow 返回是否放行；被拒绝时同时返回剩余封禁时间
func (l *Limiter) Allow(ctx context.Context, key string) (bool, time.Duration, error) {
	blockKey := "rl:block:" + key

	ttl, err := l.client.TTL(ctx, blockKey).Result()
	if err != nil {
		return true, 0, err
	}
	if ttl > 0 {
		return false, ttl, nil
	}

	now := time.Now().Unix()
	perMinute, err := l.hit(ctx, "rl:m:"+key+":"+itoa(now/60), time.Minute)
	if err != nil {
		return true, 0, err
	}
	perSecond, err := l.hit(ctx, "rl:s:"+key+":"+itoa(now), time.Second)
	if err != nil {
		return true, 0, err
	}

	if (l.cfg.PerMinute > 0 && perMinute > int64(l.cfg.PerMinute)) ||
		(l.cfg.Burst > 0 && perSecond > int64(l.cfg.Burst)) {
		if err := l.client.Set(ctx, blockKey, 1, l.cfg.Block).Err(); err != nil {
			// 和其他 redis 故障一样放行，封禁没写进去就不能按封禁处理
			return true, 0, err
		}
		return false, l.cfg.Block, nil
	}
	return true, 0, nil
}

func (l *Limiter) hit(ctx context.Context, key string, window time.Duration) (int64, error) {
	n, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	if n == 1 {
		// 多留一秒，窗口边界上的请求不会因为 key 提前过期被重新计数
		l.client.Expire(ctx, key, window+time.Second)
	}
	return n, nil
}

func itoa(n int64) string {
	return strconv.FormatInt(n, 10)
}
